// Package server is the compilation server's side of remote profiling. It
// keeps, per connected client, the profile data a compiler has asked for
// so that repeated queries are answered without another round trip.
package server

import (
	"errors"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/chazu/ipcache/client"
	"github.com/chazu/ipcache/transport"
)

var log = commonlog.GetLogger("ipcache.server")

var (
	// ErrCompilationAborted is matched by every error a profile query
	// returns. The compilation that asked must be abandoned.
	ErrCompilationAborted = errors.New("compilation aborted")

	// ErrTransport marks failures of the channel to the client.
	ErrTransport = errors.New("profile transport failed")

	// ErrSessionClosed is returned for queries on a destroyed session.
	ErrSessionClosed = errors.New("client session closed")
)

// Server owns the client sessions and the profile cache shared by all of
// them, and serves query statistics over Connect.
type Server struct {
	sessions *SessionStore
	cache    *ProfileCache
	mux      *http.ServeMux

	httpClient connect.HTTPClient

	stopSweeper func()
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	cache         CacheOptions
	session       SessionOptions
	idleTimeout   time.Duration
	sweepInterval time.Duration
	httpClient    connect.HTTPClient
}

// WithCacheOptions sets the profile cache configuration.
func WithCacheOptions(opts CacheOptions) ServerOption {
	return func(c *serverConfig) { c.cache = opts }
}

// WithSessionOptions sets the configuration of new sessions.
func WithSessionOptions(opts SessionOptions) ServerOption {
	return func(c *serverConfig) { c.session = opts }
}

// WithIdleTimeout destroys sessions idle for longer than ttl, checking
// every interval. A zero ttl keeps sessions until they are destroyed.
func WithIdleTimeout(ttl, interval time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.idleTimeout = ttl
		c.sweepInterval = interval
	}
}

// WithHTTPClient sets the HTTP client used to reach remote clients.
func WithHTTPClient(hc connect.HTTPClient) ServerOption {
	return func(c *serverConfig) { c.httpClient = hc }
}

// New creates a Server.
func New(opts ...ServerOption) *Server {
	cfg := &serverConfig{
		idleTimeout:   30 * time.Minute,
		sweepInterval: 5 * time.Minute,
		httpClient:    http.DefaultClient,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &Server{
		sessions:   NewSessionStore(cfg.session),
		cache:      NewProfileCache(cfg.cache),
		mux:        http.NewServeMux(),
		httpClient: cfg.httpClient,
	}

	statsPath, statsHandler := NewStatsServiceHandler(NewStatsService(s.cache, s.sessions))
	s.mux.Handle(statsPath, statsHandler)

	if cfg.idleTimeout > 0 {
		interval := cfg.sweepInterval
		if interval <= 0 || interval > cfg.idleTimeout {
			interval = cfg.idleTimeout
		}
		s.stopSweeper = s.sessions.StartSweeper(interval, cfg.idleTimeout)
	}
	return s
}

// Sessions returns the session store.
func (s *Server) Sessions() *SessionStore { return s.sessions }

// Cache returns the profile cache.
func (s *Server) Cache() *ProfileCache { return s.cache }

// Handler returns the HTTP handler serving the stats service.
func (s *Server) Handler() http.Handler { return s.mux }

// ConnectLocal opens a session on an interpreter in this process.
func (s *Server) ConnectLocal(name string, svc *client.Service) *ClientSession {
	return s.sessions.Create(name, NewLocalInterpreterSource(svc))
}

// ConnectRemote opens a session on the client serving the profile service
// at baseURL.
func (s *Server) ConnectRemote(name, baseURL string) *ClientSession {
	return s.sessions.Create(name, NewRemoteClientSource(transport.NewClient(s.httpClient, baseURL)))
}

// ListenAndServe serves the stats service on addr.
func (s *Server) ListenAndServe(addr string) error {
	log.Noticef("compilation server listening on %s", addr)
	return http.ListenAndServe(addr, s.mux)
}

// Stop destroys every session and logs the final query statistics.
func (s *Server) Stop() {
	if s.stopSweeper != nil {
		s.stopSweeper()
	}
	s.sessions.DestroyAll()
	s.cache.LogStats()
}
