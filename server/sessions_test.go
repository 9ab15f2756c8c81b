package server

import (
	"testing"
	"time"

	"github.com/chazu/ipcache/profile"
	"github.com/chazu/ipcache/transport"
)

func TestSessionStoreCreateAndGet(t *testing.T) {
	store := NewSessionStore(SessionOptions{})
	defer store.DestroyAll()

	a := store.Create("a", &stubSource{})
	b := store.Create("b", &stubSource{})
	if a.ID == b.ID {
		t.Fatalf("sessions share id %s", a.ID)
	}
	got, ok := store.Get(a.ID)
	if !ok || got != a {
		t.Errorf("Get(%s) = %v, %v", a.ID, got, ok)
	}
	if store.Len() != 2 {
		t.Errorf("Len = %d, want 2", store.Len())
	}
	if store.Destroy("missing") {
		t.Error("Destroy of unknown id reported success")
	}
}

func TestSessionsHaveSeparateGlobalCaches(t *testing.T) {
	h := newHarness(t, CacheOptions{})
	h.run(4)
	s1 := h.local(t)
	s2 := h.sessions.Create("second", NewLocalInterpreterSource(h.svc))

	c1 := s1.BeginCompilation(loopID)
	defer c1.End()
	mustQuery(t, h.cache, c1, loopID, 0)

	if !s1.Global.Contains(loopID) || s2.Global.Contains(loopID) {
		t.Errorf("global caches leaked across sessions: s1 %v, s2 %v",
			s1.Global.Contains(loopID), s2.Global.Contains(loopID))
	}
}

func TestSweepDestroysIdleSessions(t *testing.T) {
	store := NewSessionStore(SessionOptions{})
	defer store.DestroyAll()

	idle := store.Create("idle", &stubSource{})
	busy := store.Create("busy", &stubSource{})
	cctx := busy.BeginCompilation(otherID)

	if n := store.Sweep(time.Hour); n != 0 {
		t.Errorf("Sweep(1h) = %d, want 0", n)
	}

	time.Sleep(time.Millisecond)
	if n := store.Sweep(0); n != 1 {
		t.Errorf("Sweep(0) = %d, want 1", n)
	}
	if _, ok := store.Get(idle.ID); ok {
		t.Error("idle session survived the sweep")
	}
	if !idle.Closed() {
		t.Error("swept session is not closed")
	}

	cctx.End()
	time.Sleep(time.Millisecond)
	if n := store.Sweep(0); n != 1 {
		t.Errorf("Sweep(0) after End = %d, want 1", n)
	}
}

func TestSweeperStops(t *testing.T) {
	store := NewSessionStore(SessionOptions{})
	src := &stubSource{}
	store.Create("idle", src)

	stop := store.StartSweeper(time.Millisecond, time.Nanosecond)
	deadline := time.Now().Add(5 * time.Second)
	for store.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	stop()
	stop()

	if store.Len() != 0 {
		t.Errorf("Len = %d after sweeping, want 0", store.Len())
	}
	if src.endCalls.Load() != 1 {
		t.Errorf("EndSession calls = %d, want 1", src.endCalls.Load())
	}
}

func TestMethodState(t *testing.T) {
	store := NewSessionStore(SessionOptions{})
	defer store.DestroyAll()
	sess := store.Create("", &stubSource{})

	if st := sess.MethodState(loopID); st.Compiled || st.Start != 0 {
		t.Errorf("unknown method state = %+v, want zero", st)
	}
	sess.UpdateMethodState(loopID, MethodState{Compiled: true, Start: 0x4000})
	if st := sess.MethodState(loopID); !st.Compiled || st.Start != 0x4000 {
		t.Errorf("state = %+v", st)
	}
}

func TestClassTableMissing(t *testing.T) {
	ct := newClassTable()
	ct.Materialize([]transport.ClassInfo{{ID: 20, Name: "Shape"}})
	missing := ct.Missing([]profile.ClassID{21, 20, 22})
	if len(missing) != 2 || missing[0] != 21 || missing[1] != 22 {
		t.Errorf("Missing = %v, want [21 22]", missing)
	}
}

func TestPerCompilationCacheEvicts(t *testing.T) {
	c := NewPerCompilationCache(2)
	for m := 1; m <= 3; m++ {
		c.addMethod(&methodRecord{method: profile.MethodID(m)})
	}
	if c.Len() != 2 || c.Evictions() != 1 {
		t.Errorf("Len = %d, Evictions = %d; want 2, 1", c.Len(), c.Evictions())
	}
	if _, ok := c.method(1); ok {
		t.Error("least recently used record was kept")
	}
}
