package server

import (
	"sync/atomic"

	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/chazu/ipcache/profile"
)

// DefaultPerCompilationCapacity bounds a compilation's private cache when
// no capacity is configured.
const DefaultPerCompilationCapacity = 4096

type pcKind uint8

const (
	pcMethod pcKind = iota
	pcFanin
)

type pcKey struct {
	kind   pcKind
	method profile.MethodID
}

// PerCompilationCache holds profile data fetched during one compilation
// for methods that are still interpreted. It belongs to a single
// compilation thread and is not safe for concurrent use.
type PerCompilationCache struct {
	lru       *simplelru.LRU
	evictions int
}

// NewPerCompilationCache creates a cache holding at most capacity records.
func NewPerCompilationCache(capacity int) *PerCompilationCache {
	if capacity <= 0 {
		capacity = DefaultPerCompilationCapacity
	}
	c := &PerCompilationCache{}
	// NewLRU only fails on a non-positive size.
	c.lru, _ = simplelru.NewLRU(capacity, func(key, value interface{}) { c.evictions++ })
	return c
}

func (c *PerCompilationCache) method(m profile.MethodID) (*methodRecord, bool) {
	v, ok := c.lru.Get(pcKey{pcMethod, m})
	if !ok {
		return nil, false
	}
	return v.(*methodRecord), true
}

func (c *PerCompilationCache) addMethod(r *methodRecord) {
	c.lru.Add(pcKey{pcMethod, r.method}, r)
}

func (c *PerCompilationCache) removeMethod(m profile.MethodID) {
	c.lru.Remove(pcKey{pcMethod, m})
}

func (c *PerCompilationCache) fanin(callee profile.MethodID) (*profile.FaninSummary, bool) {
	v, ok := c.lru.Get(pcKey{pcFanin, callee})
	if !ok {
		return nil, false
	}
	return v.(*profile.FaninSummary), true
}

func (c *PerCompilationCache) addFanin(s *profile.FaninSummary) {
	c.lru.Add(pcKey{pcFanin, s.Callee}, s)
}

// Len returns the number of cached records.
func (c *PerCompilationCache) Len() int { return c.lru.Len() }

// Evictions returns how many records were dropped.
func (c *PerCompilationCache) Evictions() int { return c.evictions }

// CompilationContext is the state of one compilation of one method on a
// client session. The compilation queries profile data through it until
// End is called.
type CompilationContext struct {
	session *ClientSession
	method  profile.MethodID
	cache   *PerCompilationCache
	ended   atomic.Bool
}

// Session returns the session the compilation belongs to.
func (c *CompilationContext) Session() *ClientSession { return c.session }

// Method returns the method being compiled.
func (c *CompilationContext) Method() profile.MethodID { return c.method }

// Cache returns the compilation's private cache.
func (c *CompilationContext) Cache() *PerCompilationCache { return c.cache }

// End finishes the compilation and discards its private cache. Calling End
// more than once has no effect.
func (c *CompilationContext) End() {
	if !c.ended.CompareAndSwap(false, true) {
		return
	}
	c.session.compilations.Add(-1)
	c.session.touch()
	if n := c.cache.Len(); n > 0 {
		log.Debugf("compilation of %s ended, dropping %d cached records", c.method, n)
	}
	c.cache.lru.Purge()
}
