package profile

import (
	"errors"
	"fmt"
)

// MaxCallers is the number of distinct callers a fanin summary tracks
// individually. Later callers fold into SamplesOther.
const MaxCallers = 6

// ErrTooManyCallers is returned when a summary declares more callers than
// MaxCallers.
var ErrTooManyCallers = errors.New("profile: caller count exceeds cap")

// CallerSample is one observation of a caller invoking a callee.
type CallerSample struct {
	Caller MethodID
	PC     uint32
	Weight uint32
}

// CallerWeight is one individually tracked caller of a callee.
type CallerWeight struct {
	Caller MethodID
	PC     uint32
	Weight uint64
}

func (c CallerWeight) site() callSite { return callSite{c.Caller, c.PC} }

type callSite struct {
	method MethodID
	pc     uint32
}

// FaninSummary describes how calls into one callee are distributed across
// its callers. TotalSamples always equals the sum of caller weights plus
// SamplesOther.
type FaninSummary struct {
	Callee       MethodID
	TotalSamples uint64
	SamplesOther uint64
	Callers      []CallerWeight // at most MaxCallers, first-encountered order
}

// NumCallers returns the number of individually tracked callers.
func (s *FaninSummary) NumCallers() int { return len(s.Callers) }

// Check verifies the conservation and cap invariants.
func (s *FaninSummary) Check() error {
	if len(s.Callers) > MaxCallers {
		return fmt.Errorf("%w: %d > %d", ErrTooManyCallers, len(s.Callers), MaxCallers)
	}
	sum := s.SamplesOther
	for _, c := range s.Callers {
		if c.Caller.IsNull() {
			return fmt.Errorf("profile: fanin summary for %s has null caller", s.Callee)
		}
		sum += c.Weight
	}
	if sum != s.TotalSamples {
		return fmt.Errorf("profile: fanin summary for %s not conserved: total %d, accounted %d",
			s.Callee, s.TotalSamples, sum)
	}
	return nil
}

// Equal compares two summaries field by field, caller order included.
func (s *FaninSummary) Equal(o *FaninSummary) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.Callee != o.Callee || s.TotalSamples != o.TotalSamples ||
		s.SamplesOther != o.SamplesOther || len(s.Callers) != len(o.Callers) {
		return false
	}
	for i := range s.Callers {
		if s.Callers[i] != o.Callers[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the summary.
func (s *FaninSummary) Clone() *FaninSummary {
	c := *s
	c.Callers = append([]CallerWeight(nil), s.Callers...)
	return &c
}

// add credits weight to site, tracking it individually if it is already
// tracked or there is still room, and to the other bucket otherwise.
func (s *FaninSummary) add(site callSite, weight uint64) {
	s.TotalSamples += weight
	for i := range s.Callers {
		if s.Callers[i].site() == site {
			s.Callers[i].Weight += weight
			return
		}
	}
	if len(s.Callers) < MaxCallers {
		s.Callers = append(s.Callers, CallerWeight{Caller: site.method, PC: site.pc, Weight: weight})
		return
	}
	s.SamplesOther += weight
}

// BuildSummary aggregates caller samples for callee in encounter order.
// The first MaxCallers distinct call sites are tracked individually; every
// later distinct site is folded into SamplesOther.
func BuildSummary(callee MethodID, samples []CallerSample) *FaninSummary {
	s := &FaninSummary{Callee: callee}
	for _, cs := range samples {
		s.Add(cs)
	}
	return s
}

// Add credits one caller sample to s as if it followed every sample s
// already accounts for. Samples without a caller go to SamplesOther.
func (s *FaninSummary) Add(cs CallerSample) {
	if cs.Caller.IsNull() {
		s.TotalSamples += uint64(cs.Weight)
		s.SamplesOther += uint64(cs.Weight)
		return
	}
	s.add(callSite{cs.Caller, cs.PC}, uint64(cs.Weight))
}

// Merge folds incoming into a copy of existing. Callers already tracked in
// existing keep their slot, new callers take free slots in incoming order,
// and whatever does not fit goes to SamplesOther. No weight is dropped.
func Merge(existing, incoming *FaninSummary) *FaninSummary {
	switch {
	case existing == nil && incoming == nil:
		return nil
	case existing == nil:
		return incoming.Clone()
	case incoming == nil:
		return existing.Clone()
	}

	out := existing.Clone()
	for _, c := range incoming.Callers {
		out.add(c.site(), c.Weight)
	}
	out.TotalSamples += incoming.SamplesOther
	out.SamplesOther += incoming.SamplesOther
	return out
}
