package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/chazu/ipcache/profile"
	"github.com/chazu/ipcache/transport"
)

// MethodState is what the server knows about a method's current state on
// the client.
type MethodState struct {
	Compiled bool

	// Start is the method's current start address. Zero means unknown and
	// disables the consistency check for the method.
	Start uint64
}

// ClassTable holds the class metadata a session has received.
type ClassTable struct {
	mu      sync.RWMutex
	classes map[profile.ClassID]transport.ClassInfo
}

func newClassTable() *ClassTable {
	return &ClassTable{classes: make(map[profile.ClassID]transport.ClassInfo)}
}

// Materialize records the given classes. Known classes are overwritten.
func (t *ClassTable) Materialize(infos []transport.ClassInfo) {
	if len(infos) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, info := range infos {
		t.classes[info.ID] = info
	}
}

// Lookup returns the metadata for id.
func (t *ClassTable) Lookup(id profile.ClassID) (transport.ClassInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.classes[id]
	return info, ok
}

// Missing returns the ids that have no metadata, in the given order.
func (t *ClassTable) Missing(ids []profile.ClassID) []profile.ClassID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []profile.ClassID
	for _, id := range ids {
		if _, ok := t.classes[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of known classes.
func (t *ClassTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.classes)
}

// ClientSession is the server-side state for one connected client. It owns
// the session's Global Method Cache and lives until the client disconnects
// or the session sits idle past the store's TTL.
type ClientSession struct {
	ID      string
	Name    string
	Global  *GlobalMethodCache
	Classes *ClassTable

	source   ProfileDataSource
	capacity int

	mu     sync.RWMutex
	states map[profile.MethodID]MethodState

	fetches singleflight.Group

	// ctx bounds every fetch made on behalf of the session and ends when
	// the session is destroyed.
	ctx    context.Context
	cancel context.CancelFunc

	lastUsed     atomic.Int64
	compilations atomic.Int64
}

// Source returns the session's profile data source.
func (s *ClientSession) Source() ProfileDataSource { return s.source }

// Closed reports whether the session was destroyed.
func (s *ClientSession) Closed() bool { return s.ctx.Err() != nil }

func (s *ClientSession) touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// UpdateMethodState records the current state of m on the client.
func (s *ClientSession) UpdateMethodState(m profile.MethodID, st MethodState) {
	s.mu.Lock()
	s.states[m] = st
	s.mu.Unlock()
}

// MethodState returns the recorded state of m. Unknown methods are reported
// as interpreted with an unknown start address.
func (s *ClientSession) MethodState(m profile.MethodID) MethodState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[m]
}

// ActiveCompilations returns the number of compilations not yet ended.
func (s *ClientSession) ActiveCompilations() int {
	return int(s.compilations.Load())
}

// BeginCompilation starts compiling method on this session.
func (s *ClientSession) BeginCompilation(method profile.MethodID) *CompilationContext {
	s.touch()
	s.compilations.Add(1)
	return &CompilationContext{
		session: s,
		method:  method,
		cache:   NewPerCompilationCache(s.capacity),
	}
}

// SessionOptions configures sessions created by a SessionStore.
type SessionOptions struct {
	// PerCompilationCapacity bounds each compilation's private cache.
	PerCompilationCapacity int
}

// SessionStore manages client sessions.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*ClientSession
	opts     SessionOptions
}

// NewSessionStore creates a new session store.
func NewSessionStore(opts SessionOptions) *SessionStore {
	if opts.PerCompilationCapacity <= 0 {
		opts.PerCompilationCapacity = DefaultPerCompilationCapacity
	}
	return &SessionStore{
		sessions: make(map[string]*ClientSession),
		opts:     opts,
	}
}

// Create creates a session served by source with an optional name.
func (s *SessionStore) Create(name string, source ProfileDataSource) *ClientSession {
	ctx, cancel := context.WithCancel(context.Background())
	session := &ClientSession{
		ID:       uuid.NewString(),
		Name:     name,
		Global:   NewGlobalMethodCache(),
		Classes:  newClassTable(),
		source:   source,
		capacity: s.opts.PerCompilationCapacity,
		states:   make(map[profile.MethodID]MethodState),
		ctx:      ctx,
		cancel:   cancel,
	}
	session.touch()

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	log.Infof("session %s created (name %q, remote %v)", session.ID, name, source.Remote())
	return session
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(id string) (*ClientSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if ok {
		session.touch()
	}
	return session, ok
}

// Len returns the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Destroy removes a session, cancels its outstanding fetches and releases
// its caches. The client is told on a best-effort basis.
func (s *SessionStore) Destroy(id string) bool {
	s.mu.Lock()
	session, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return false
	}

	session.cancel()
	session.Global.release()

	ctx, cancel := context.WithTimeout(context.Background(), endSessionTimeout)
	defer cancel()
	if _, err := session.source.EndSession(ctx, &transport.EndSessionRequest{Session: id}); err != nil {
		log.Debugf("session %s: end notification failed: %v", id, err)
	}
	log.Infof("session %s destroyed", id)
	return true
}

const endSessionTimeout = 5 * time.Second

// DestroyAll destroys every session.
func (s *SessionStore) DestroyAll() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.Destroy(id)
	}
}

// Sweep destroys sessions that have not been used within the TTL and have
// no compilation in flight.
func (s *SessionStore) Sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl).UnixNano()

	s.mu.RLock()
	var expired []string
	for id, session := range s.sessions {
		if session.lastUsed.Load() < cutoff && session.compilations.Load() == 0 {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	n := 0
	for _, id := range expired {
		if s.Destroy(id) {
			n++
		}
	}
	if n > 0 {
		log.Debugf("swept %d idle sessions", n)
	}
	return n
}

// StartSweeper runs periodic TTL sweeps in the background.
// Returns a stop function that terminates the sweeper.
func (s *SessionStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case <-ticker.C:
				s.Sweep(ttl)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-stopped
		})
	}
}
