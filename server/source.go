package server

import (
	"context"
	"fmt"

	"github.com/chazu/ipcache/client"
	"github.com/chazu/ipcache/transport"
)

// ProfileDataSource is where a session's profile data comes from. The
// remote source asks the interpreting client over the channel; the local
// source reads an in-process interpreter directly.
type ProfileDataSource interface {
	transport.ProfileService

	// Remote reports whether answers cross a network channel.
	Remote() bool
}

// LocalInterpreterSource serves profile data from an interpreter running in
// the same process.
type LocalInterpreterSource struct {
	*client.Service
}

var _ ProfileDataSource = (*LocalInterpreterSource)(nil)

// NewLocalInterpreterSource wraps svc.
func NewLocalInterpreterSource(svc *client.Service) *LocalInterpreterSource {
	return &LocalInterpreterSource{Service: svc}
}

// Remote implements ProfileDataSource.
func (*LocalInterpreterSource) Remote() bool { return false }

// RemoteClientSource serves profile data from a client across the channel.
// The channel carries one outstanding request at a time; callers queue on
// the semaphore until it is free or their context ends.
type RemoteClientSource struct {
	svc transport.ProfileService
	sem chan struct{}
}

var _ ProfileDataSource = (*RemoteClientSource)(nil)

// NewRemoteClientSource wraps a channel to a client, typically a
// *transport.Client.
func NewRemoteClientSource(svc transport.ProfileService) *RemoteClientSource {
	return &RemoteClientSource{svc: svc, sem: make(chan struct{}, 1)}
}

// Remote implements ProfileDataSource.
func (*RemoteClientSource) Remote() bool { return true }

// do runs fn while holding the channel, recovering panics from the
// underlying client.
func do[Res any](ctx context.Context, s *RemoteClientSource, fn func() (*Res, error)) (res *Res, err error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.sem }()

	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("channel panic: %v", r)
		}
	}()
	return fn()
}

// FetchProfile implements transport.ProfileService.
func (s *RemoteClientSource) FetchProfile(ctx context.Context, req *transport.FetchProfileRequest) (*transport.FetchProfileResponse, error) {
	return do(ctx, s, func() (*transport.FetchProfileResponse, error) { return s.svc.FetchProfile(ctx, req) })
}

// FetchFaninSummary implements transport.ProfileService.
func (s *RemoteClientSource) FetchFaninSummary(ctx context.Context, req *transport.FetchFaninRequest) (*transport.FetchFaninResponse, error) {
	return do(ctx, s, func() (*transport.FetchFaninResponse, error) { return s.svc.FetchFaninSummary(ctx, req) })
}

// ClassInfoBatch implements transport.ProfileService.
func (s *RemoteClientSource) ClassInfoBatch(ctx context.Context, req *transport.ClassInfoBatchRequest) (*transport.ClassInfoBatchResponse, error) {
	return do(ctx, s, func() (*transport.ClassInfoBatchResponse, error) { return s.svc.ClassInfoBatch(ctx, req) })
}

// EndSession implements transport.ProfileService.
func (s *RemoteClientSource) EndSession(ctx context.Context, req *transport.EndSessionRequest) (*transport.EndSessionResponse, error) {
	return do(ctx, s, func() (*transport.EndSessionResponse, error) { return s.svc.EndSession(ctx, req) })
}
