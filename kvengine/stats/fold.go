package stats

import "sort"

// foldShard reduces one shard's raw table list into a Folded, applying the
// partial-ownership rule: a table not fully covered by the shard's
// [Start, End) boundary contributes half its size and increments the
// matching partial counter.
func foldShard(s ShardStats) Folded {
	f := Folded{
		ShardID:        s.ShardID,
		CFLevelSize:    map[string]map[int]uint64{},
		CFLevelCount:   map[string]map[int]int{},
		CFLevelPartial: map[string]map[int]int{},
		Active:         s.Active,
		Compacting:     s.Compacting,
		InitialFlushed: s.InitialFlushed,
	}

	for _, t := range s.MemTables {
		size, partial := contribution(t, s.Start, s.End)
		f.MemTableSize += size
		f.MemTableCount++
		if partial {
			f.PartialMemTables++
		}
	}
	for _, t := range s.L0Tables {
		size, partial := contribution(t, s.Start, s.End)
		f.L0TableSize += size
		f.L0TableCount++
		if partial {
			f.PartialL0s++
		}
	}
	for _, cf := range s.CFs {
		if f.CFLevelSize[cf.Name] == nil {
			f.CFLevelSize[cf.Name] = map[int]uint64{}
			f.CFLevelCount[cf.Name] = map[int]int{}
			f.CFLevelPartial[cf.Name] = map[int]int{}
		}
		for level, tables := range cf.Levels {
			for _, t := range tables {
				size, partial := contribution(t, s.Start, s.End)
				f.CFLevelSize[cf.Name][level] += size
				f.CFLevelCount[cf.Name][level]++
				if partial {
					f.CFLevelPartial[cf.Name][level]++
				}
			}
		}
	}
	return f
}

func contribution(t Table, shardStart, shardEnd []byte) (size uint64, partial bool) {
	if t.owned(shardStart, shardEnd) {
		return t.Size, false
	}
	return t.Size / 2, true
}

// mergeEngineStats folds per-shard Folded results into the engine-wide
// EngineStats, including the top-10 write-heaviest shard ranking.
func mergeEngineStats(folded []Folded) EngineStats {
	out := EngineStats{
		ShardCount:    len(folded),
		PerCF:         map[string]uint64{},
		PerCFCount:    map[string]int{},
		PerLevel:      map[int]uint64{},
		PerLevelCount: map[int]int{},
	}

	ranks := make([]WriteRank, 0, len(folded))
	for _, f := range folded {
		out.MemTableSize += f.MemTableSize
		out.L0TableSize += f.L0TableSize
		out.MemTableCount += f.MemTableCount
		out.L0TableCount += f.L0TableCount
		out.PartialMemTables += f.PartialMemTables
		out.PartialL0s += f.PartialL0s

		if f.Active {
			out.ActiveShards++
		}
		if f.Compacting {
			out.CompactingShards++
		}
		if f.InitialFlushed {
			out.InitialFlushedShards++
		}

		for cf, levels := range f.CFLevelSize {
			for level, size := range levels {
				out.PerCF[cf] += size
				out.PerLevel[level] += size
			}
		}
		for cf, levels := range f.CFLevelCount {
			for level, count := range levels {
				out.PerCFCount[cf] += count
				out.PerLevelCount[level] += count
			}
		}

		ranks = append(ranks, WriteRank{ShardID: f.ShardID, Score: f.MemTableSize + f.L0TableSize})
	}

	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].Score != ranks[j].Score {
			return ranks[i].Score > ranks[j].Score
		}
		return ranks[i].ShardID < ranks[j].ShardID
	})
	if len(ranks) > 10 {
		ranks = ranks[:10]
	}
	out.Top10Write = ranks

	return out
}
