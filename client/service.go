package client

import (
	"context"
	"errors"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/ipcache/interp"
	"github.com/chazu/ipcache/transport"
)

var log = commonlog.GetLogger("ipcache.client")

// Service answers profile requests from compilation servers. It keeps, per
// server session, the set of classes that session has been sent.
type Service struct {
	collector *Collector
	rt        *interp.Runtime

	mu       sync.RWMutex
	sessions map[string]*ClassSet
}

var _ transport.ProfileService = (*Service)(nil)

// NewService creates a Service over the given runtime and profiler.
func NewService(rt *interp.Runtime, prof *interp.Profiler) *Service {
	return &Service{
		collector: NewCollector(rt, prof),
		rt:        rt,
		sessions:  make(map[string]*ClassSet),
	}
}

// Collector returns the service's collector.
func (s *Service) Collector() *Collector { return s.collector }

// known returns the class set of a session, creating it if needed.
func (s *Service) known(session string) *ClassSet {
	s.mu.RLock()
	cs, ok := s.sessions[session]
	s.mu.RUnlock()
	if ok {
		return cs
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cs, ok = s.sessions[session]; !ok {
		cs = NewClassSet()
		s.sessions[session] = cs
	}
	return cs
}

// SessionCount returns the number of server sessions being tracked.
func (s *Service) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// FetchProfile implements transport.ProfileService.
func (s *Service) FetchProfile(ctx context.Context, req *transport.FetchProfileRequest) (*transport.FetchProfileResponse, error) {
	col, err := s.collector.Collect(req.Method, req.SharedProfile, s.known(req.Session))
	if errors.Is(err, ErrUnknownMethod) {
		log.Debugf("profile request for unknown method %s", req.Method)
		return &transport.FetchProfileResponse{}, nil
	}
	if err != nil {
		return nil, err
	}
	if col == nil {
		return &transport.FetchProfileResponse{Shared: req.SharedProfile}, nil
	}
	return &transport.FetchProfileResponse{
		Found:   true,
		Shared:  col.Shared,
		Payload: col.Payload,
		Classes: col.UncachedClasses,
	}, nil
}

// FetchFaninSummary implements transport.ProfileService.
func (s *Service) FetchFaninSummary(ctx context.Context, req *transport.FetchFaninRequest) (*transport.FetchFaninResponse, error) {
	data, err := s.collector.CollectFanin(req.Method)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return &transport.FetchFaninResponse{}, nil
	}
	return &transport.FetchFaninResponse{Found: true, Payload: data}, nil
}

// ClassInfoBatch implements transport.ProfileService.
func (s *Service) ClassInfoBatch(ctx context.Context, req *transport.ClassInfoBatchRequest) (*transport.ClassInfoBatchResponse, error) {
	known := s.known(req.Session)
	res := &transport.ClassInfoBatchResponse{}
	for _, id := range req.Classes {
		info, ok := s.rt.Class(id)
		if !ok {
			continue
		}
		known.Add(id)
		res.Classes = append(res.Classes, classInfo(info))
	}
	return res, nil
}

// EndSession implements transport.ProfileService.
func (s *Service) EndSession(ctx context.Context, req *transport.EndSessionRequest) (*transport.EndSessionResponse, error) {
	s.mu.Lock()
	delete(s.sessions, req.Session)
	s.mu.Unlock()
	log.Debugf("session %s ended", req.Session)
	return &transport.EndSessionResponse{}, nil
}
