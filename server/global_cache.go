package server

import (
	"fmt"
	"sync"

	"github.com/chazu/ipcache/profile"
)

// methodRecord is the cached profile of one method. It is immutable once
// built, so readers need no lock.
type methodRecord struct {
	method               profile.MethodID
	start                uint64
	compiledWhenProfiled bool
	entries              map[uint32]*profile.Entry
}

func newMethodRecord(p *profile.MethodProfile) (*methodRecord, error) {
	r := &methodRecord{
		method:               p.Method,
		start:                p.MethodStart,
		compiledWhenProfiled: p.CompiledWhenProfiled,
		entries:              make(map[uint32]*profile.Entry, len(p.Entries)),
	}
	for _, e := range p.Entries {
		if e.Method != p.Method {
			return nil, fmt.Errorf("server: entry %s in profile of %s", e, p.Method)
		}
		if _, dup := r.entries[e.PC]; dup {
			return nil, fmt.Errorf("server: duplicate entry at %d in profile of %s", e.PC, p.Method)
		}
		r.entries[e.PC] = e
	}
	return r, nil
}

// lookup returns the entry at pc. A nil entry means the method has no
// samples there.
func (r *methodRecord) lookup(pc uint32) *profile.Entry {
	return r.entries[pc]
}

// consistentWith reports whether the record still describes a method whose
// current start address is start. Zero means the address is unknown.
func (r *methodRecord) consistentWith(start uint64) bool {
	return start == 0 || r.start == start
}

// GlobalMethodCache holds frozen profiles of compiled methods for one
// client session. It is shared by every compilation of the session. A
// method's record is written once and never changes afterwards; it can
// only be purged when found inconsistent with the method's current state.
type GlobalMethodCache struct {
	mu      sync.RWMutex
	methods map[profile.MethodID]*methodRecord
}

// NewGlobalMethodCache creates an empty cache.
func NewGlobalMethodCache() *GlobalMethodCache {
	return &GlobalMethodCache{methods: make(map[profile.MethodID]*methodRecord)}
}

func (c *GlobalMethodCache) record(m profile.MethodID) (*methodRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.methods[m]
	return r, ok
}

// freeze publishes r unless the method already has a record, in which case
// the existing record wins and is returned.
func (c *GlobalMethodCache) freeze(r *methodRecord) (*methodRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.methods[r.method]; ok {
		return existing, false
	}
	c.methods[r.method] = r
	return r, true
}

// purge drops the record of m if it is still stale. A record replaced in
// the meantime is left alone.
func (c *GlobalMethodCache) purge(m profile.MethodID, stale *methodRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.methods[m] != stale {
		return false
	}
	delete(c.methods, m)
	return true
}

// Contains reports whether m has a frozen record.
func (c *GlobalMethodCache) Contains(m profile.MethodID) bool {
	_, ok := c.record(m)
	return ok
}

// Len returns the number of frozen methods.
func (c *GlobalMethodCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.methods)
}

// release drops every record.
func (c *GlobalMethodCache) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.methods = make(map[profile.MethodID]*methodRecord)
}
