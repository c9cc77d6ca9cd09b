// Package stats implements the columnar KV engine's stats aggregator: an
// independent subsystem that folds a snapshot of per-shard table stats into
// an engine-wide summary. It shares no state with the raft log engine in
// the parent package; shards are treated as opaque sources of stats.
package stats

import "bytes"

// Table describes one on-disk table (a memtable, an L0 table, or a leveled
// column-family table) as far as the aggregator needs to know: its byte
// size and the key range it covers. A zero-value StartKey/EndKey means the
// table's range isn't tracked (e.g. an in-memory memtable mirroring the
// shard's own bounds) and it is treated as fully owned.
type Table struct {
	Size     uint64
	StartKey []byte
	EndKey   []byte
}

// owned reports whether t's key range is fully covered by [shardStart,
// shardEnd). A table with no range information is assumed to cover exactly
// the shard it belongs to.
func (t Table) owned(shardStart, shardEnd []byte) bool {
	if len(t.StartKey) == 0 && len(t.EndKey) == 0 {
		return true
	}
	if len(shardStart) > 0 && bytes.Compare(t.StartKey, shardStart) < 0 {
		return false
	}
	if len(shardEnd) > 0 && len(t.EndKey) > 0 && bytes.Compare(t.EndKey, shardEnd) > 0 {
		return false
	}
	return true
}

// CFTables is one column family's leveled tables, keyed by level.
type CFTables struct {
	Name   string
	Levels map[int][]Table
}

// ShardStats is the raw, per-shard input to the aggregator: a snapshot of
// every table the shard currently owns or partially owns, plus its
// lifecycle flags. Generation should be bumped by the source whenever a
// shard's tables change, so GetShardStat can tell a repeat poll apart from
// a real mutation.
type ShardStats struct {
	ShardID    uint64
	Generation uint64
	Start, End []byte

	MemTables []Table
	L0Tables  []Table
	CFs       []CFTables

	Active         bool
	Compacting     bool
	InitialFlushed bool
}

// Folded is the per-shard fold of a ShardStats: sizes after the partial-
// ownership rule has been applied, plus the counters the engine-level
// summary needs.
type Folded struct {
	ShardID uint64

	MemTableSize     uint64
	L0TableSize      uint64
	MemTableCount    int
	L0TableCount     int
	PartialMemTables int
	PartialL0s       int

	// CFLevelSize[cf][level] is this shard's contribution to that
	// column-family/level pair, after partial-ownership adjustment.
	CFLevelSize map[string]map[int]uint64
	// CFLevelCount mirrors CFLevelSize but counts tables rather than bytes.
	CFLevelCount map[string]map[int]int
	// CFLevelPartial mirrors CFLevelSize but counts partially-owned tables.
	CFLevelPartial map[string]map[int]int

	Active         bool
	Compacting     bool
	InitialFlushed bool
}

// WriteRank is one entry of EngineStats.Top10Write.
type WriteRank struct {
	ShardID uint64
	Score   uint64
}

// EngineStats is the engine-wide summary folded from every shard.
type EngineStats struct {
	ShardCount int

	MemTableSize     uint64
	L0TableSize      uint64
	MemTableCount    int
	L0TableCount     int
	PartialMemTables int
	PartialL0s       int

	// PerCF[cf] is the total size contributed to that CF across every
	// shard and level.
	PerCF map[string]uint64
	// PerCFCount[cf] is the total number of tables contributed to that CF
	// across every shard and level.
	PerCFCount map[string]int
	// PerLevel[level] is the total size contributed to that level across
	// every shard and CF.
	PerLevel map[int]uint64
	// PerLevelCount[level] is the total number of tables contributed to
	// that level across every shard and CF.
	PerLevelCount map[int]int

	ActiveShards         int
	CompactingShards     int
	InitialFlushedShards int

	// Top10Write holds up to 10 shards, ranked by
	// MemTableSize+L0TableSize descending.
	Top10Write []WriteRank
}
