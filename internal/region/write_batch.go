package region

// WriteBatch is a multi-region collection of RegionBatches. Keys are
// unique by construction; no cross-region ordering is implied.
type WriteBatch struct {
	batches map[uint64]*Batch
}

// NewWriteBatch returns an empty WriteBatch.
func NewWriteBatch() *WriteBatch {
	return &WriteBatch{batches: map[uint64]*Batch{}}
}

// Region returns the staged Batch for regionID, creating it if absent.
func (w *WriteBatch) Region(regionID uint64) *Batch {
	b, ok := w.batches[regionID]
	if !ok {
		b = NewBatch(regionID)
		w.batches[regionID] = b
	}
	return b
}

// Batches returns the region_id -> Batch mapping. Callers must not mutate
// the returned map.
func (w *WriteBatch) Batches() map[uint64]*Batch {
	return w.batches
}

// Len returns the number of regions staged in the batch.
func (w *WriteBatch) Len() int {
	return len(w.batches)
}
