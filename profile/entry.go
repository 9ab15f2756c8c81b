// Package profile defines the interpreter profile data exchanged between an
// interpreting client and a remote compilation server: per-bytecode samples
// and per-callee fanin summaries.
package profile

import "fmt"

// MethodID is an opaque handle for a method owned by the client runtime.
// The zero value is the null method and never names a real method.
type MethodID uint64

// ClassID is an opaque handle for a class owned by the client runtime.
type ClassID uint64

// NullMethod terminates fixed-capacity caller arrays on the wire.
const NullMethod MethodID = 0

// IsNull reports whether m is the null method.
func (m MethodID) IsNull() bool { return m == NullMethod }

func (m MethodID) String() string { return fmt.Sprintf("m%#x", uint64(m)) }

func (c ClassID) String() string { return fmt.Sprintf("c%#x", uint64(c)) }

// Kind identifies the shape of a bytecode profile entry.
type Kind uint8

const (
	KindBranch    Kind = iota + 1 // conditional branch: taken / not taken
	KindSwitch                    // table or lookup switch: per-target counts
	KindCallGraph                 // virtual or interface invoke: receiver classes
)

func (k Kind) String() string {
	switch k {
	case KindBranch:
		return "branch"
	case KindSwitch:
		return "switch"
	case KindCallGraph:
		return "callgraph"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MaxSwitchTargets is the number of switch targets tracked individually.
// Counts beyond it land in the last slot, which doubles as the default bucket.
const MaxSwitchTargets = 5

// MaxReceivers is the number of receiver classes a call-graph entry tracks
// before further classes fold into Residue.
const MaxReceivers = 3

// BranchData holds the outcome counts of a conditional branch.
type BranchData struct {
	Taken    uint32
	NotTaken uint32
}

// SwitchData holds per-target counts of a switch.
type SwitchData struct {
	Counts []uint32
}

// ReceiverWeight is one receiver class observed at a call site.
type ReceiverWeight struct {
	Class  ClassID
	Weight uint32
}

// CallGraphData holds the receiver distribution of a call site.
type CallGraphData struct {
	Receivers []ReceiverWeight
	Residue   uint32 // weight of receivers not tracked individually
}

// Classes returns the receiver classes referenced by the entry.
func (d *CallGraphData) Classes() []ClassID {
	out := make([]ClassID, 0, len(d.Receivers))
	for _, r := range d.Receivers {
		out = append(out, r.Class)
	}
	return out
}

// Entry is the profile recorded at one program point of one method.
// Exactly one of Branch, Switch or CallGraph is set, matching Kind.
type Entry struct {
	Method MethodID
	PC     uint32
	Kind   Kind

	Branch    *BranchData
	Switch    *SwitchData
	CallGraph *CallGraphData
}

// Samples returns the total weight recorded at the entry.
func (e *Entry) Samples() uint64 {
	var n uint64
	switch e.Kind {
	case KindBranch:
		if e.Branch != nil {
			n = uint64(e.Branch.Taken) + uint64(e.Branch.NotTaken)
		}
	case KindSwitch:
		if e.Switch != nil {
			for _, c := range e.Switch.Counts {
				n += uint64(c)
			}
		}
	case KindCallGraph:
		if e.CallGraph != nil {
			for _, r := range e.CallGraph.Receivers {
				n += uint64(r.Weight)
			}
			n += uint64(e.CallGraph.Residue)
		}
	}
	return n
}

// Equal compares two entries field by field.
func (e *Entry) Equal(o *Entry) bool {
	if e == nil || o == nil {
		return e == o
	}
	if e.Method != o.Method || e.PC != o.PC || e.Kind != o.Kind {
		return false
	}
	switch e.Kind {
	case KindBranch:
		if (e.Branch == nil) != (o.Branch == nil) {
			return false
		}
		return e.Branch == nil || *e.Branch == *o.Branch
	case KindSwitch:
		if (e.Switch == nil) != (o.Switch == nil) {
			return false
		}
		if e.Switch == nil {
			return true
		}
		if len(e.Switch.Counts) != len(o.Switch.Counts) {
			return false
		}
		for i := range e.Switch.Counts {
			if e.Switch.Counts[i] != o.Switch.Counts[i] {
				return false
			}
		}
		return true
	case KindCallGraph:
		if (e.CallGraph == nil) != (o.CallGraph == nil) {
			return false
		}
		if e.CallGraph == nil {
			return true
		}
		if e.CallGraph.Residue != o.CallGraph.Residue || len(e.CallGraph.Receivers) != len(o.CallGraph.Receivers) {
			return false
		}
		for i := range e.CallGraph.Receivers {
			if e.CallGraph.Receivers[i] != o.CallGraph.Receivers[i] {
				return false
			}
		}
		return true
	}
	return true
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Branch != nil {
		b := *e.Branch
		c.Branch = &b
	}
	if e.Switch != nil {
		c.Switch = &SwitchData{Counts: append([]uint32(nil), e.Switch.Counts...)}
	}
	if e.CallGraph != nil {
		c.CallGraph = &CallGraphData{
			Receivers: append([]ReceiverWeight(nil), e.CallGraph.Receivers...),
			Residue:   e.CallGraph.Residue,
		}
	}
	return &c
}

func (e *Entry) String() string {
	return fmt.Sprintf("%s@%d[%s]", e.Method, e.PC, e.Kind)
}

// MethodProfile is the profile of a whole method as shipped in one round
// trip. Entries are ordered by first visit during the collector's walk.
type MethodProfile struct {
	Method MethodID

	// MethodStart is the method's bytecode start address when the profile
	// was taken. A mismatch with the method's current start means the
	// method was redefined and the profile no longer applies.
	MethodStart uint64

	// CompiledWhenProfiled is set when the method already had compiled code
	// at collection time, so its samples can no longer grow.
	CompiledWhenProfiled bool

	// Partial is set when the collector aborted its walk; absence of a
	// program point is then not authoritative.
	Partial bool

	TotalSamples uint64
	Entries      []*Entry
}

// Lookup returns the entry recorded for pc, or nil.
func (p *MethodProfile) Lookup(pc uint32) *Entry {
	for _, e := range p.Entries {
		if e.PC == pc {
			return e
		}
	}
	return nil
}

// Index builds a pc-keyed view of the profile's entries.
func (p *MethodProfile) Index() map[uint32]*Entry {
	m := make(map[uint32]*Entry, len(p.Entries))
	for _, e := range p.Entries {
		m[e.PC] = e
	}
	return m
}

// ReferencedClasses returns the distinct classes named by call-graph
// entries, in first-seen order.
func (p *MethodProfile) ReferencedClasses() []ClassID {
	var out []ClassID
	seen := make(map[ClassID]bool)
	for _, e := range p.Entries {
		if e.Kind != KindCallGraph || e.CallGraph == nil {
			continue
		}
		for _, r := range e.CallGraph.Receivers {
			if !seen[r.Class] {
				seen[r.Class] = true
				out = append(out, r.Class)
			}
		}
	}
	return out
}
