package proximity

import "sync/atomic"

// Holder publishes the current Index to concurrent readers. Replacing the
// index never disturbs queries already running against the previous one.
type Holder struct {
	p atomic.Pointer[Index]
}

// NewHolder returns a holder serving idx.
func NewHolder(idx *Index) *Holder {
	h := &Holder{}
	h.p.Store(idx)
	return h
}

// Load returns the index currently served.
func (h *Holder) Load() *Index {
	return h.p.Load()
}

// Swap installs idx and returns the index it replaced.
func (h *Holder) Swap(idx *Index) *Index {
	return h.p.Swap(idx)
}
