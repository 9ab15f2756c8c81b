package server

import (
	"context"
	"net/http"

	"connectrpc.com/connect"

	"github.com/chazu/ipcache/transport"
)

// StatsServiceName is the fully-qualified name of the stats service.
const StatsServiceName = "ipcache.v1.StatsService"

// GetStatsProcedure is the path of the GetStats call.
const GetStatsProcedure = "/" + StatsServiceName + "/GetStats"

// GetStatsRequest is empty.
type GetStatsRequest struct{}

// GetStatsResponse reports the profile query counters and session count.
type GetStatsResponse struct {
	Stats    StatsSnapshot `cbor:"stats"`
	Sessions int           `cbor:"sessions"`
}

// StatsService reports how the profile cache has been answering.
type StatsService struct {
	cache    *ProfileCache
	sessions *SessionStore
}

// NewStatsService creates a StatsService.
func NewStatsService(cache *ProfileCache, sessions *SessionStore) *StatsService {
	return &StatsService{cache: cache, sessions: sessions}
}

// GetStats returns the current counters.
func (s *StatsService) GetStats(ctx context.Context, req *GetStatsRequest) (*GetStatsResponse, error) {
	return &GetStatsResponse{Stats: s.cache.Stats(), Sessions: s.sessions.Len()}, nil
}

// NewStatsServiceHandler builds an HTTP handler serving svc with the CBOR
// codec. It returns the path prefix to mount the handler on.
func NewStatsServiceHandler(svc *StatsService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{transport.WithCBOR()}, opts...)
	mux := http.NewServeMux()
	mux.Handle(GetStatsProcedure, connect.NewUnaryHandler(GetStatsProcedure, transport.Unary(svc.GetStats), opts...))
	return "/" + StatsServiceName + "/", mux
}

// StatsClient calls a remote StatsService.
type StatsClient struct {
	getStats *connect.Client[GetStatsRequest, GetStatsResponse]
}

// NewStatsClient creates a client for the stats service at baseURL.
func NewStatsClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *StatsClient {
	opts = append([]connect.ClientOption{transport.WithCBOR()}, opts...)
	return &StatsClient{
		getStats: connect.NewClient[GetStatsRequest, GetStatsResponse](httpClient, baseURL+GetStatsProcedure, opts...),
	}
}

// GetStats fetches the server's counters.
func (c *StatsClient) GetStats(ctx context.Context) (*GetStatsResponse, error) {
	res, err := c.getStats.CallUnary(ctx, connect.NewRequest(&GetStatsRequest{}))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}
