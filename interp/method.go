// Package interp models the interpreter side of the profile pipeline: the
// methods and classes the client runtime knows about and the sampling
// profiler that records what the interpreter observes while running them.
package interp

import (
	"fmt"
	"sync"

	"github.com/chazu/ipcache/profile"
)

// Opcode is the control-flow shape of an instruction. Only shape matters
// here; operand semantics belong to the interpreter proper.
type Opcode uint8

const (
	OpNop    Opcode = iota // falls through
	OpBranch               // conditional: falls through or jumps to Targets[0]
	OpSwitch               // jumps to one of Targets
	OpInvoke               // virtual call, falls through
	OpGoto                 // unconditional jump to Targets[0]
	OpReturn               // ends the method
)

// Profiled reports whether the interpreter records samples for op.
func (op Opcode) Profiled() bool {
	return op == OpBranch || op == OpSwitch || op == OpInvoke
}

func (op Opcode) String() string {
	switch op {
	case OpNop:
		return "nop"
	case OpBranch:
		return "branch"
	case OpSwitch:
		return "switch"
	case OpInvoke:
		return "invoke"
	case OpGoto:
		return "goto"
	case OpReturn:
		return "return"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// Instruction is one program point of a method body.
type Instruction struct {
	Op      Opcode
	Targets []uint32
}

// Method is a method body as the interpreter sees it.
type Method struct {
	ID    profile.MethodID
	Class profile.ClassID
	Name  string
	Start uint64 // bytecode start address; changes on redefinition
	Code  []Instruction
}

// Successors returns the program points control may reach from pc.
func (m *Method) Successors(pc uint32) []uint32 {
	if int(pc) >= len(m.Code) {
		return nil
	}
	ins := m.Code[pc]
	next := pc + 1
	switch ins.Op {
	case OpReturn:
		return nil
	case OpGoto:
		return ins.Targets[:min(1, len(ins.Targets))]
	case OpSwitch:
		return ins.Targets
	case OpBranch:
		out := []uint32{next}
		if len(ins.Targets) > 0 {
			out = append(out, ins.Targets[0])
		}
		return out
	default:
		return []uint32{next}
	}
}

// ClassInfo is the metadata a compilation server needs to materialise a class.
type ClassInfo struct {
	ID     profile.ClassID
	Name   string
	Super  profile.ClassID
	Loader string
}

// Runtime is the registry of loaded methods and classes.
type Runtime struct {
	mu      sync.RWMutex
	methods map[profile.MethodID]*Method
	classes map[profile.ClassID]*ClassInfo
}

// NewRuntime creates an empty runtime registry.
func NewRuntime() *Runtime {
	return &Runtime{
		methods: make(map[profile.MethodID]*Method),
		classes: make(map[profile.ClassID]*ClassInfo),
	}
}

// DefineMethod registers or replaces a method. Replacing a method with a new
// Start models class redefinition.
func (r *Runtime) DefineMethod(m *Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[m.ID] = m
}

// DefineClass registers or replaces a class.
func (r *Runtime) DefineClass(c *ClassInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[c.ID] = c
}

// Method returns the method with the given id.
func (r *Runtime) Method(id profile.MethodID) (*Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[id]
	return m, ok
}

// Class returns the class with the given id.
func (r *Runtime) Class(id profile.ClassID) (*ClassInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[id]
	return c, ok
}

// Methods returns all registered methods in no particular order.
func (r *Runtime) Methods() []*Method {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Method, 0, len(r.methods))
	for _, m := range r.methods {
		out = append(out, m)
	}
	return out
}
