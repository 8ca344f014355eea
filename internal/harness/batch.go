package harness

import (
	"sort"

	"ringside/internal/model"
)

// BatchEntry is one collected observation. The payload slice aliases the
// batch arena and is only valid until the next Collect.
type BatchEntry struct {
	ID      model.InstanceID
	Frame   uint64
	payload []byte
	size    int
}

func (e *BatchEntry) Payload() []byte { return e.payload[:e.size] }

// Batch is a reusable arena for one tick's observations. All payload
// buffers are allocated once at the maximum batch size so the steady-state
// tick path allocates nothing.
type Batch struct {
	all []BatchEntry
	n   int
}

func NewBatch(maxEntries, payloadCap int) *Batch {
	b := &Batch{all: make([]BatchEntry, maxEntries)}
	for i := range b.all {
		b.all[i].payload = make([]byte, payloadCap)
	}
	return b
}

func (b *Batch) Len() int              { return b.n }
func (b *Batch) Cap() int              { return len(b.all) }
func (b *Batch) Entries() []BatchEntry { return b.all[:b.n] }

func (b *Batch) reset() { b.n = 0 }

// stage hands out the next free slot without committing it; commit makes
// the staged entry part of the batch.
func (b *Batch) stage() (*BatchEntry, bool) {
	if b.n >= len(b.all) {
		return nil, false
	}
	return &b.all[b.n], true
}

func (b *Batch) commit(id model.InstanceID, frame uint64, size int) {
	e := &b.all[b.n]
	e.ID = id
	e.Frame = frame
	e.size = size
	b.n++
}

// sortByID fixes the batch composition order: ascending instance id,
// independent of channel readiness order.
func (b *Batch) sortByID() {
	entries := b.all[:b.n]
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}
