package server

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStatsServiceOverConnect(t *testing.T) {
	s := New(WithIdleTimeout(0, 0))
	defer s.Stop()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	h := newHarness(t, CacheOptions{})
	h.run(5)
	sess := s.ConnectLocal("local", h.svc)
	cctx := sess.BeginCompilation(otherID)
	mustQuery(t, s.Cache(), cctx, loopID, 0)
	mustQuery(t, s.Cache(), cctx, loopID, 0)
	cctx.End()

	res, err := NewStatsClient(ts.Client(), ts.URL).GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if res.Sessions != 1 {
		t.Errorf("Sessions = %d, want 1", res.Sessions)
	}
	if res.Stats.RemoteRequests != 1 || res.Stats.CacheHits != 1 {
		t.Errorf("Stats = %+v", res.Stats)
	}
}

func TestServerStopDestroysSessions(t *testing.T) {
	s := New(WithIdleTimeout(time.Hour, time.Minute))
	src := &stubSource{}
	s.Sessions().Create("remote", src)

	s.Stop()
	if s.Sessions().Len() != 0 {
		t.Errorf("Len = %d after Stop, want 0", s.Sessions().Len())
	}
	if src.endCalls.Load() != 1 {
		t.Errorf("EndSession calls = %d, want 1", src.endCalls.Load())
	}
}
