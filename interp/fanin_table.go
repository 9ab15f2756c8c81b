package interp

import (
	"sync"

	"github.com/chazu/ipcache/profile"
)

// DefaultFaninBatch is the number of raw caller samples buffered per callee
// before they are folded into the callee's summary.
const DefaultFaninBatch = 64

type faninRecord struct {
	mu      sync.Mutex
	pending []profile.CallerSample
	summary *profile.FaninSummary
}

// FaninTable accumulates caller samples per callee. Raw samples are
// buffered and periodically folded into the callee's summary, so memory per callee stays bounded
// by the batch size plus MaxCallers.
type FaninTable struct {
	batch   int
	records sync.Map // profile.MethodID -> *faninRecord
}

// NewFaninTable creates a table that flushes every batch samples.
func NewFaninTable(batch int) *FaninTable {
	if batch <= 0 {
		batch = DefaultFaninBatch
	}
	return &FaninTable{batch: batch}
}

// Record buffers one caller sample for callee.
func (t *FaninTable) Record(callee profile.MethodID, s profile.CallerSample) {
	val, _ := t.records.LoadOrStore(callee, &faninRecord{})
	r := val.(*faninRecord)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, s)
	if len(r.pending) >= t.batch {
		r.flush(callee)
	}
}

// flush credits buffered samples to the summary in the order they were
// recorded, so a tracked caller keeps its slot across batches. Caller must
// hold r.mu.
func (r *faninRecord) flush(callee profile.MethodID) {
	if len(r.pending) == 0 {
		return
	}
	if r.summary == nil {
		r.summary = &profile.FaninSummary{Callee: callee}
	}
	for _, s := range r.pending {
		r.summary.Add(s)
	}
	r.pending = r.pending[:0]
}

// Summary returns the fanin summary for callee including any buffered
// samples, or nil when callee was never called.
func (t *FaninTable) Summary(callee profile.MethodID) *profile.FaninSummary {
	val, ok := t.records.Load(callee)
	if !ok {
		return nil
	}
	r := val.(*faninRecord)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.flush(callee)
	if r.summary == nil {
		return nil
	}
	return r.summary.Clone()
}
