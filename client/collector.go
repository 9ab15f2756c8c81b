// Package client is the interpreter side of remote compilation: it packs
// everything the interpreter has observed about a method into one payload
// so the compilation server can answer later queries without another round
// trip.
package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/ipcache/interp"
	"github.com/chazu/ipcache/profile"
	"github.com/chazu/ipcache/profile/wire"
	"github.com/chazu/ipcache/transport"
)

// ErrUnknownMethod is returned when a method id is not registered.
var ErrUnknownMethod = errors.New("client: unknown method")

const (
	// DefaultMaxEntries bounds the entries collected for a single method.
	DefaultMaxEntries = 4096

	// revisitFactor bounds distinct edges into already-visited program
	// points as a multiple of the method length.
	revisitFactor = 4
)

// ClassSet records which classes a server session already holds.
type ClassSet struct {
	mu    sync.Mutex
	known map[profile.ClassID]bool
}

// NewClassSet creates an empty class set.
func NewClassSet() *ClassSet {
	return &ClassSet{known: make(map[profile.ClassID]bool)}
}

// Contains reports whether id is recorded.
func (s *ClassSet) Contains(id profile.ClassID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.known[id]
}

// Add records id and reports whether it was new.
func (s *ClassSet) Add(id profile.ClassID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.known[id] {
		return false
	}
	s.known[id] = true
	return true
}

// Len returns the number of recorded classes.
func (s *ClassSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.known)
}

// Collection is the result of collecting one method.
type Collection struct {
	Payload []byte
	Profile *profile.MethodProfile

	// UncachedClasses are classes referenced by call-graph entries that the
	// destination session did not hold yet.
	UncachedClasses []transport.ClassInfo

	Shared bool
}

// Collector walks methods and serialises their profiles.
type Collector struct {
	rt   *interp.Runtime
	prof *interp.Profiler

	// MaxEntries bounds the number of entries per payload. A walk that
	// would exceed it stops and marks the profile partial.
	MaxEntries int
}

// NewCollector creates a collector over rt's methods and prof's samples.
func NewCollector(rt *interp.Runtime, prof *interp.Profiler) *Collector {
	return &Collector{rt: rt, prof: prof, MaxEntries: DefaultMaxEntries}
}

// Walk visits every program point reachable from the method entry once
// and returns the profiled points in visit order. aborted is set when the
// walk stopped early; the points found so far are still returned.
func (c *Collector) Walk(m *interp.Method) (pcs []uint32, aborted bool) {
	n := len(m.Code)
	if n == 0 {
		return nil, false
	}
	visited := make([]bool, n)
	// pushedFrom[t] is one more than the last pc that pushed edge t, so
	// several cases sharing a target count as one edge.
	pushedFrom := make([]int, n)
	budget := revisitFactor*n + 1
	revisits := 0

	stack := []uint32{0}
	for len(stack) > 0 {
		pc := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if int(pc) >= n {
			continue
		}
		if visited[pc] {
			revisits++
			if revisits > budget {
				return pcs, true
			}
			continue
		}
		visited[pc] = true

		if m.Code[pc].Op.Profiled() {
			if c.MaxEntries > 0 && len(pcs) >= c.MaxEntries {
				return pcs, true
			}
			pcs = append(pcs, pc)
		}

		succ := m.Successors(pc)
		for i := len(succ) - 1; i >= 0; i-- {
			t := succ[i]
			if int(t) < n {
				if pushedFrom[t] == int(pc)+1 {
					continue
				}
				pushedFrom[t] = int(pc) + 1
			}
			stack = append(stack, t)
		}
	}
	return pcs, false
}

// Collect gathers every recorded sample of method id into a single
// payload. Classes referenced by call-graph entries that are missing from
// known are returned alongside and added to known. A method without
// samples yields a nil Collection.
func (c *Collector) Collect(id profile.MethodID, sharedProfile bool, known *ClassSet) (*Collection, error) {
	m, ok := c.rt.Method(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, id)
	}

	pcs, aborted := c.Walk(m)
	p := &profile.MethodProfile{
		Method:               id,
		MethodStart:          m.Start,
		CompiledWhenProfiled: c.prof.IsCompiled(id),
		Partial:              aborted,
	}
	for _, pc := range pcs {
		e := c.prof.Entry(id, pc)
		if e == nil {
			continue
		}
		p.Entries = append(p.Entries, e)
		p.TotalSamples += e.Samples()
	}
	if len(p.Entries) == 0 {
		return nil, nil
	}
	if aborted {
		log.Debugf("walk of %s aborted after %d entries", id, len(p.Entries))
	}

	payload, err := wire.EncodeProfile(p)
	if err != nil {
		return nil, fmt.Errorf("client: collect %s: %w", id, err)
	}

	col := &Collection{Payload: payload, Profile: p, Shared: sharedProfile}
	if known != nil {
		col.UncachedClasses = c.uncachedClasses(p, known)
	}
	return col, nil
}

func (c *Collector) uncachedClasses(p *profile.MethodProfile, known *ClassSet) []transport.ClassInfo {
	var out []transport.ClassInfo
	for _, id := range p.ReferencedClasses() {
		if known.Contains(id) {
			continue
		}
		info, ok := c.rt.Class(id)
		if !ok {
			continue
		}
		known.Add(id)
		out = append(out, classInfo(info))
	}
	return out
}

func classInfo(c *interp.ClassInfo) transport.ClassInfo {
	return transport.ClassInfo{ID: c.ID, Name: c.Name, Super: c.Super, Loader: c.Loader}
}

// CollectFanin serialises the fanin summary of callee. A callee that was
// never called yields nil.
func (c *Collector) CollectFanin(callee profile.MethodID) ([]byte, error) {
	s := c.prof.Fanin().Summary(callee)
	if s == nil {
		return nil, nil
	}
	data, err := wire.EncodeFanin(s)
	if err != nil {
		return nil, fmt.Errorf("client: collect fanin %s: %w", callee, err)
	}
	return data, nil
}
