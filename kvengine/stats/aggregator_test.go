package stats

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	byID map[uint64]ShardStats
}

func (f *fakeSource) Shards() []ShardStats {
	out := make([]ShardStats, 0, len(f.byID))
	for _, s := range f.byID {
		out = append(out, s)
	}
	return out
}

func (f *fakeSource) Shard(shardID uint64) (ShardStats, bool) {
	s, ok := f.byID[shardID]
	return s, ok
}

func TestTopTenWriteHeaviestShards(t *testing.T) {
	shards := []ShardStats{
		{ShardID: 1, MemTables: []Table{{Size: 100}}, L0Tables: []Table{{Size: 10}}},
		{ShardID: 2, MemTables: []Table{{Size: 50}}, L0Tables: []Table{{Size: 5}}},
		{ShardID: 3, MemTables: []Table{{Size: 200}}, L0Tables: []Table{{Size: 20}}},
	}
	agg, err := New(&fakeSource{})
	require.NoError(t, err)

	got, err := agg.GetEngineStats(context.Background(), shards)
	require.NoError(t, err)

	require.Len(t, got.Top10Write, 3)
	require.Equal(t, []WriteRank{
		{ShardID: 3, Score: 220},
		{ShardID: 1, Score: 110},
		{ShardID: 2, Score: 55},
	}, got.Top10Write)
}

func TestPartialOwnershipHalvesSizeAndCountsPartial(t *testing.T) {
	shard := ShardStats{
		ShardID: 1,
		Start:   []byte("k"),
		End:     []byte("m"),
		L0Tables: []Table{
			{Size: 100, StartKey: []byte("a"), EndKey: []byte("z")},
		},
	}
	f := foldShard(shard)
	require.Equal(t, uint64(50), f.L0TableSize)
	require.Equal(t, 1, f.PartialL0s)
}

func TestFullyOwnedTableContributesWholeSize(t *testing.T) {
	shard := ShardStats{
		ShardID: 1,
		Start:   []byte("k"),
		End:     []byte("m"),
		L0Tables: []Table{
			{Size: 100, StartKey: []byte("k"), EndKey: []byte("l")},
		},
	}
	f := foldShard(shard)
	require.Equal(t, uint64(100), f.L0TableSize)
	require.Equal(t, 0, f.PartialL0s)
}

func TestGetShardStatCachesByGeneration(t *testing.T) {
	src := &fakeSource{byID: map[uint64]ShardStats{
		1: {ShardID: 1, Generation: 1, MemTables: []Table{{Size: 10}}},
	}}
	agg, err := New(src)
	require.NoError(t, err)

	f1, ok := agg.GetShardStat(1)
	require.True(t, ok)
	require.Equal(t, uint64(10), f1.MemTableSize)

	// Mutate the underlying shard without bumping its generation: the
	// cached fold should still be served.
	s := src.byID[1]
	s.MemTables = []Table{{Size: 999}}
	src.byID[1] = s

	f2, ok := agg.GetShardStat(1)
	require.True(t, ok)
	require.Equal(t, f1, f2)

	// Bumping the generation invalidates the cache key.
	s.Generation = 2
	src.byID[1] = s
	f3, ok := agg.GetShardStat(1)
	require.True(t, ok)
	require.Equal(t, uint64(999), f3.MemTableSize)
}

func TestTableCountsAggregate(t *testing.T) {
	shards := []ShardStats{
		{
			ShardID:   1,
			MemTables: []Table{{Size: 10}, {Size: 20}},
			L0Tables:  []Table{{Size: 5}},
			CFs: []CFTables{
				{Name: "default", Levels: map[int][]Table{0: {{Size: 1}, {Size: 2}}}},
			},
		},
		{
			ShardID:   2,
			MemTables: []Table{{Size: 30}},
			L0Tables:  []Table{{Size: 6}, {Size: 7}},
			CFs: []CFTables{
				{Name: "default", Levels: map[int][]Table{0: {{Size: 3}}}},
			},
		},
	}
	agg, err := New(&fakeSource{})
	require.NoError(t, err)
	got, err := agg.GetEngineStats(context.Background(), shards)
	require.NoError(t, err)

	require.Equal(t, 3, got.MemTableCount)
	require.Equal(t, 3, got.L0TableCount)
	require.Equal(t, 3, got.PerCFCount["default"])
	require.Equal(t, 3, got.PerLevelCount[0])
}

func TestPerCFAndPerLevelAggregation(t *testing.T) {
	shards := []ShardStats{
		{
			ShardID: 1,
			CFs: []CFTables{
				{Name: "default", Levels: map[int][]Table{0: {{Size: 10}}, 1: {{Size: 20}}}},
			},
		},
		{
			ShardID: 2,
			CFs: []CFTables{
				{Name: "default", Levels: map[int][]Table{0: {{Size: 5}}}},
				{Name: "lock", Levels: map[int][]Table{1: {{Size: 7}}}},
			},
		},
	}
	agg, err := New(&fakeSource{})
	require.NoError(t, err)
	got, err := agg.GetEngineStats(context.Background(), shards)
	require.NoError(t, err)

	require.Equal(t, uint64(35), got.PerCF["default"])
	require.Equal(t, uint64(7), got.PerCF["lock"])
	require.Equal(t, uint64(15), got.PerLevel[0])
	require.Equal(t, uint64(27), got.PerLevel[1])
}
