package interp

import (
	"sync"
	"sync/atomic"

	"github.com/chazu/ipcache/profile"
)

type pointKey struct {
	method profile.MethodID
	pc     uint32
}

// pointProfile holds the samples for one program point. Which fields are
// used depends on kind, fixed by the first sample recorded.
type pointProfile struct {
	kind     profile.Kind
	taken    atomic.Uint32
	notTaken atomic.Uint32
	targets  [profile.MaxSwitchTargets]atomic.Uint32
	width    atomic.Uint32 // highest switch slot used + 1
	site     *receiverSite
}

// MethodCounter holds invocation data for a single method.
type MethodCounter struct {
	InvocationCount atomic.Uint64
	IsHot           atomic.Bool
}

// Profiler records per-program-point samples while methods are interpreted.
// Samples stop accumulating for a method once it is marked compiled.
type Profiler struct {
	points   sync.Map // pointKey -> *pointProfile
	counters sync.Map // profile.MethodID -> *MethodCounter
	compiled sync.Map // profile.MethodID -> struct{}

	fanin *FaninTable

	// HotThreshold is the invocation count at which a method is reported hot.
	HotThreshold uint64

	// OnHot is called once per method when it crosses HotThreshold.
	OnHot func(id profile.MethodID)

	samples   atomic.Uint64
	discarded atomic.Uint64
	hotCount  atomic.Uint64
}

// NewProfiler creates a profiler with default thresholds.
func NewProfiler() *Profiler {
	return &Profiler{
		fanin:        NewFaninTable(DefaultFaninBatch),
		HotThreshold: 100,
	}
}

// Fanin returns the profiler's fanin table.
func (p *Profiler) Fanin() *FaninTable { return p.fanin }

func (p *Profiler) point(m profile.MethodID, pc uint32, kind profile.Kind) (*pointProfile, bool) {
	if p.IsCompiled(m) {
		p.discarded.Add(1)
		return nil, false
	}
	fresh := &pointProfile{kind: kind}
	if kind == profile.KindCallGraph {
		fresh.site = &receiverSite{}
	}
	val, _ := p.points.LoadOrStore(pointKey{m, pc}, fresh)
	pp := val.(*pointProfile)
	if pp.kind != kind {
		p.discarded.Add(1)
		return nil, false
	}
	p.samples.Add(1)
	return pp, true
}

// RecordInvocation counts an invocation of m. It returns true when this
// invocation made the method hot.
func (p *Profiler) RecordInvocation(m profile.MethodID) bool {
	val, _ := p.counters.LoadOrStore(m, &MethodCounter{})
	c := val.(*MethodCounter)
	n := c.InvocationCount.Add(1)
	if n >= p.HotThreshold && c.IsHot.CompareAndSwap(false, true) {
		p.hotCount.Add(1)
		if p.OnHot != nil {
			p.OnHot(m)
		}
		return true
	}
	return false
}

// RecordBranch records the outcome of the conditional branch at (m, pc).
func (p *Profiler) RecordBranch(m profile.MethodID, pc uint32, taken bool) {
	pp, ok := p.point(m, pc, profile.KindBranch)
	if !ok {
		return
	}
	if taken {
		pp.taken.Add(1)
	} else {
		pp.notTaken.Add(1)
	}
}

// RecordSwitch records that the switch at (m, pc) went to target. Targets
// past the tracked range share the last slot.
func (p *Profiler) RecordSwitch(m profile.MethodID, pc uint32, target int) {
	pp, ok := p.point(m, pc, profile.KindSwitch)
	if !ok {
		return
	}
	slot := target
	if slot < 0 || slot >= profile.MaxSwitchTargets {
		slot = profile.MaxSwitchTargets - 1
	}
	pp.targets[slot].Add(1)
	for {
		w := pp.width.Load()
		if uint32(slot+1) <= w || pp.width.CompareAndSwap(w, uint32(slot+1)) {
			break
		}
	}
}

// RecordCall records a virtual call at (caller, pc) on a receiver of class
// receiver that dispatched to callee. The callee's fanin gains one sample.
func (p *Profiler) RecordCall(caller profile.MethodID, pc uint32, receiver profile.ClassID, callee profile.MethodID) {
	if pp, ok := p.point(caller, pc, profile.KindCallGraph); ok {
		pp.site.record(receiver)
	}
	if !callee.IsNull() {
		p.fanin.Record(callee, profile.CallerSample{Caller: caller, PC: pc, Weight: 1})
	}
}

// MarkCompiled freezes sampling for m.
func (p *Profiler) MarkCompiled(m profile.MethodID) {
	p.compiled.Store(m, struct{}{})
}

// IsCompiled reports whether m has been marked compiled.
func (p *Profiler) IsCompiled(m profile.MethodID) bool {
	_, ok := p.compiled.Load(m)
	return ok
}

// IsHot reports whether m crossed the hot threshold.
func (p *Profiler) IsHot(m profile.MethodID) bool {
	val, ok := p.counters.Load(m)
	return ok && val.(*MethodCounter).IsHot.Load()
}

// Entry returns a snapshot of the samples recorded at (m, pc), or nil when
// nothing was recorded there.
func (p *Profiler) Entry(m profile.MethodID, pc uint32) *profile.Entry {
	val, ok := p.points.Load(pointKey{m, pc})
	if !ok {
		return nil
	}
	pp := val.(*pointProfile)
	e := &profile.Entry{Method: m, PC: pc, Kind: pp.kind}
	switch pp.kind {
	case profile.KindBranch:
		e.Branch = &profile.BranchData{Taken: pp.taken.Load(), NotTaken: pp.notTaken.Load()}
	case profile.KindSwitch:
		w := int(pp.width.Load())
		counts := make([]uint32, w)
		for i := 0; i < w; i++ {
			counts[i] = pp.targets[i].Load()
		}
		e.Switch = &profile.SwitchData{Counts: counts}
	case profile.KindCallGraph:
		e.CallGraph = pp.site.snapshot()
	}
	return e
}

// SiteState returns the receiver state of the call site at (m, pc).
func (p *Profiler) SiteState(m profile.MethodID, pc uint32) SiteState {
	val, ok := p.points.Load(pointKey{m, pc})
	if !ok {
		return SiteEmpty
	}
	pp := val.(*pointProfile)
	if pp.site == nil {
		return SiteEmpty
	}
	return pp.site.State()
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	Points          int    // program points with samples
	Methods         int    // methods with invocation counts
	HotMethods      uint64 // methods that crossed HotThreshold
	CompiledMethods int    // methods whose sampling is frozen
	Samples         uint64 // samples accepted
	Discarded       uint64 // samples dropped for compiled methods or kind clashes
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	var stats ProfilerStats
	p.points.Range(func(key, value interface{}) bool {
		stats.Points++
		return true
	})
	p.counters.Range(func(key, value interface{}) bool {
		stats.Methods++
		return true
	})
	p.compiled.Range(func(key, value interface{}) bool {
		stats.CompiledMethods++
		return true
	})
	stats.HotMethods = p.hotCount.Load()
	stats.Samples = p.samples.Load()
	stats.Discarded = p.discarded.Load()
	return stats
}
