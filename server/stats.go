package server

import "sync/atomic"

// Stats counts how profile queries were answered. All counters only grow.
type Stats struct {
	cacheHits       atomic.Uint64 // a cache tier answered the query
	remoteRequests  atomic.Uint64 // queries sent to the client
	notCacheable    atomic.Uint64 // client data that was returned but not kept
	empty           atomic.Uint64 // fetch returned no data for the program point
	cachingFailures atomic.Uint64 // client data that could not be kept
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	CacheHits       uint64 `cbor:"cacheHits"`
	RemoteRequests  uint64 `cbor:"remoteRequests"`
	NotCacheable    uint64 `cbor:"notCacheable"`
	Empty           uint64 `cbor:"empty"`
	CachingFailures uint64 `cbor:"cachingFailures"`

	Validations        uint64 `cbor:"validations"`
	ValidationMismatch uint64 `cbor:"validationMismatch"`
	ValidationFailures uint64 `cbor:"validationFailures"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		CacheHits:       s.cacheHits.Load(),
		RemoteRequests:  s.remoteRequests.Load(),
		NotCacheable:    s.notCacheable.Load(),
		Empty:           s.empty.Load(),
		CachingFailures: s.cachingFailures.Load(),
	}
}
