package stats

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Source supplies the aggregator with raw per-shard stats. The columnar KV
// engine's shard map implements this; the aggregator never reaches into a
// shard's internals beyond what ShardStats exposes.
type Source interface {
	Shards() []ShardStats
	Shard(shardID uint64) (ShardStats, bool)
}

// Aggregator is the engine statistics aggregator. It
// memoizes a shard's fold in a ristretto.Cache keyed by (shard id,
// generation), so a GetShardStat poll faster than the shard mutates skips
// the table walk entirely.
type Aggregator struct {
	source Source
	cache  *ristretto.Cache
}

// New returns an Aggregator reading from source.
func New(source Source) (*Aggregator, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100000,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "stats: new cache")
	}
	return &Aggregator{source: source, cache: cache}, nil
}

func cacheKey(shardID, generation uint64) string {
	return fmt.Sprintf("%d:%d", shardID, generation)
}

// GetAllShardStats returns every shard's raw stats, unfolded.
func (a *Aggregator) GetAllShardStats() []ShardStats {
	return a.source.Shards()
}

// GetShardStat returns shardID's folded stats, serving from cache when the
// shard's generation hasn't advanced since the last fold.
func (a *Aggregator) GetShardStat(shardID uint64) (Folded, bool) {
	s, ok := a.source.Shard(shardID)
	if !ok {
		return Folded{}, false
	}
	key := cacheKey(s.ShardID, s.Generation)
	if v, found := a.cache.Get(key); found {
		return v.(Folded), true
	}
	f := foldShard(s)
	a.cache.Set(key, f, 1)
	a.cache.Wait()
	return f, true
}

// GetEngineStats folds shardStats into an engine-wide summary, fanning the
// per-shard fold out across an errgroup.Group (the folds are independent;
// only the final merge needs the full set at once).
func (a *Aggregator) GetEngineStats(ctx context.Context, shardStats []ShardStats) (EngineStats, error) {
	folded := make([]Folded, len(shardStats))
	g, _ := errgroup.WithContext(ctx)
	for i, s := range shardStats {
		i, s := i, s
		g.Go(func() error {
			key := cacheKey(s.ShardID, s.Generation)
			if v, found := a.cache.Get(key); found {
				folded[i] = v.(Folded)
				return nil
			}
			f := foldShard(s)
			a.cache.Set(key, f, 1)
			folded[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return EngineStats{}, err
	}
	a.cache.Wait()
	return mergeEngineStats(folded), nil
}
