package server

import (
	"context"
	"fmt"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/chazu/ipcache/profile"
	"github.com/chazu/ipcache/profile/wire"
	"github.com/chazu/ipcache/transport"
)

// CacheOptions configures a ProfileCache.
type CacheOptions struct {
	// Disable sends every query to the client and never stores answers.
	Disable bool

	// Validate re-fetches the client's data on every cache hit and reports
	// differences. The cached answer is still the one returned.
	Validate bool
}

// ProfileCache answers a compiler's profile queries for client sessions.
// Answers come from the session's Global Method Cache, the compilation's
// private cache, or the client, in that order.
//
// Data for a method that is compiled on the client, or is the method being
// compiled, is frozen in the Global Method Cache the first time it arrives
// and never changes afterwards. Data for other methods is kept only for the
// compilation that fetched it.
type ProfileCache struct {
	opts      CacheOptions
	stats     Stats
	validator *Validator
}

// NewProfileCache creates a ProfileCache.
func NewProfileCache(opts CacheOptions) *ProfileCache {
	c := &ProfileCache{opts: opts}
	if opts.Validate {
		c.validator = &Validator{}
	}
	return c
}

// Options returns the cache's configuration.
func (c *ProfileCache) Options() CacheOptions { return c.opts }

// Stats returns a snapshot of the query counters.
func (c *ProfileCache) Stats() StatsSnapshot {
	s := c.stats.Snapshot()
	if c.validator != nil {
		s.Validations = c.validator.validations.Load()
		s.ValidationMismatch = c.validator.mismatches.Load()
		s.ValidationFailures = c.validator.failures.Load()
	}
	return s
}

// LogStats writes the counters to the log.
func (c *ProfileCache) LogStats() {
	s := c.Stats()
	log.Infof("profile queries: %d cache hits, %d remote requests, %d not cacheable, %d empty, %d caching failures",
		s.CacheHits, s.RemoteRequests, s.NotCacheable, s.Empty, s.CachingFailures)
	if c.validator != nil {
		log.Infof("profile validation: %d checks, %d mismatches, %d failures",
			s.Validations, s.ValidationMismatch, s.ValidationFailures)
	}
}

// Query returns the profile entry of the program point (method, pc) for
// the compilation cctx. A nil entry with a nil error means there is no
// data for the point.
//
// Every error returned satisfies errors.Is(err, ErrCompilationAborted); the
// compilation cannot continue. Failed fetches also match ErrTransport and
// destroyed sessions ErrSessionClosed.
func (c *ProfileCache) Query(ctx context.Context, cctx *CompilationContext, method profile.MethodID, pc uint32) (*profile.Entry, error) {
	sess := cctx.session
	if sess.Closed() {
		return nil, fmt.Errorf("%w: %w", ErrCompilationAborted, ErrSessionClosed)
	}
	if !c.opts.Disable {
		if e, rec, ok := c.lookup(cctx, method, pc); ok {
			c.stats.cacheHits.Add(1)
			if c.validator != nil {
				c.validator.check(ctx, cctx, method, pc, e, rec.compiledWhenProfiled)
			}
			return e.Clone(), nil
		}
	}
	return c.fetchProfile(ctx, cctx, method, pc)
}

// QueryLocalOnly answers from the caches without contacting the client. It
// returns nil when the caches hold no data for the point.
func (c *ProfileCache) QueryLocalOnly(cctx *CompilationContext, method profile.MethodID, pc uint32) *profile.Entry {
	if c.opts.Disable || cctx.session.Closed() {
		return nil
	}
	e, _, ok := c.lookup(cctx, method, pc)
	if !ok {
		return nil
	}
	c.stats.cacheHits.Add(1)
	return e.Clone()
}

// QueryFanin returns the fanin summary of callee. Fanin summaries are kept
// only for the compilation that fetched them. A nil summary with a nil
// error means the client never saw callee called.
func (c *ProfileCache) QueryFanin(ctx context.Context, cctx *CompilationContext, callee profile.MethodID) (*profile.FaninSummary, error) {
	sess := cctx.session
	if sess.Closed() {
		return nil, fmt.Errorf("%w: %w", ErrCompilationAborted, ErrSessionClosed)
	}
	if !c.opts.Disable {
		if s, ok := cctx.cache.fanin(callee); ok {
			c.stats.cacheHits.Add(1)
			if c.validator != nil {
				c.validator.checkFanin(ctx, cctx, callee, s)
			}
			return s.Clone(), nil
		}
	}

	req := &transport.FetchFaninRequest{Session: sess.ID, Method: callee}
	v, err := c.remote(ctx, sess, c.flightKey("f", callee, false), func(fctx context.Context) (interface{}, error) {
		c.stats.remoteRequests.Add(1)
		return sess.source.FetchFaninSummary(fctx, req)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*transport.FetchFaninResponse)
	if !res.Found {
		c.stats.empty.Add(1)
		return nil, nil
	}

	s, err := wire.DecodeFanin(res.Payload)
	if err == nil && s.Callee != callee {
		err = fmt.Errorf("summary is for %s", s.Callee)
	}
	if err != nil {
		c.stats.cachingFailures.Add(1)
		log.Warningf("session %s: dropping fanin of %s: %v", sess.ID, callee, err)
		return nil, nil
	}

	if c.opts.Disable {
		c.stats.notCacheable.Add(1)
	} else {
		cctx.cache.addFanin(s)
	}
	return s.Clone(), nil
}

// lookup probes the Global Method Cache, then the compilation's cache.
// Records that no longer match the method's current start address are
// purged and do not count. ok reports whether a tier held the method; the
// entry is nil when the method has no data at pc.
func (c *ProfileCache) lookup(cctx *CompilationContext, method profile.MethodID, pc uint32) (e *profile.Entry, rec *methodRecord, ok bool) {
	sess := cctx.session
	st := sess.MethodState(method)

	if rec, ok := sess.Global.record(method); ok {
		if rec.consistentWith(st.Start) {
			return rec.lookup(pc), rec, true
		}
		if sess.Global.purge(method, rec) {
			log.Debugf("session %s: purged stale record of %s (start %#x, now %#x)", sess.ID, method, rec.start, st.Start)
		}
	}
	if rec, ok := cctx.cache.method(method); ok {
		if rec.consistentWith(st.Start) {
			return rec.lookup(pc), rec, true
		}
		cctx.cache.removeMethod(method)
	}
	return nil, nil, false
}

func (c *ProfileCache) fetchProfile(ctx context.Context, cctx *CompilationContext, method profile.MethodID, pc uint32) (*profile.Entry, error) {
	sess := cctx.session
	st := sess.MethodState(method)
	shared := st.Compiled || method == cctx.method

	req := &transport.FetchProfileRequest{Session: sess.ID, Method: method, PC: pc, SharedProfile: shared}
	v, err := c.remote(ctx, sess, c.flightKey("p", method, shared), func(fctx context.Context) (interface{}, error) {
		c.stats.remoteRequests.Add(1)
		return sess.source.FetchProfile(fctx, req)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*transport.FetchProfileResponse)
	sess.Classes.Materialize(res.Classes)
	if !res.Found {
		c.stats.empty.Add(1)
		return nil, nil
	}

	p, err := wire.DecodeProfile(res.Payload)
	if err == nil && p.Method != method {
		err = fmt.Errorf("profile is for %s", p.Method)
	}
	if err != nil {
		c.stats.cachingFailures.Add(1)
		log.Warningf("session %s: dropping profile of %s: %v", sess.ID, method, err)
		return nil, nil
	}
	c.ensureClasses(ctx, sess, p)

	e := c.store(cctx, p, pc, shared || res.Shared || p.CompiledWhenProfiled)
	if e == nil {
		c.stats.empty.Add(1)
	}
	return e, nil
}

// store keeps a freshly fetched profile where it belongs and returns the
// entry at pc.
func (c *ProfileCache) store(cctx *CompilationContext, p *profile.MethodProfile, pc uint32, shared bool) *profile.Entry {
	sess := cctx.session
	entry := p.Lookup(pc)

	switch {
	case c.opts.Disable:
		c.stats.notCacheable.Add(1)
		return entry
	case p.Partial:
		c.stats.notCacheable.Add(1)
		log.Debugf("session %s: profile of %s is partial, not caching", sess.ID, p.Method)
		return entry
	}

	rec, err := newMethodRecord(p)
	if err != nil {
		c.stats.cachingFailures.Add(1)
		log.Warningf("session %s: %v", sess.ID, err)
		return entry
	}

	// A frozen record wins over anything fetched after it.
	if frozen, ok := sess.Global.record(p.Method); ok && frozen.consistentWith(sess.MethodState(p.Method).Start) {
		return frozen.lookup(pc).Clone()
	}
	if shared {
		won, inserted := sess.Global.freeze(rec)
		if inserted {
			log.Debugf("session %s: froze %s with %d entries", sess.ID, p.Method, len(p.Entries))
		}
		return won.lookup(pc).Clone()
	}
	cctx.cache.addMethod(rec)
	return entry.Clone()
}

// ensureClasses asks the client for metadata of classes p references that
// the session is still missing. Failures only cost the metadata.
func (c *ProfileCache) ensureClasses(ctx context.Context, sess *ClientSession, p *profile.MethodProfile) {
	missing := sess.Classes.Missing(p.ReferencedClasses())
	if len(missing) == 0 {
		return
	}
	req := &transport.ClassInfoBatchRequest{Session: sess.ID, Classes: missing}
	v, err := c.remote(ctx, sess, "", func(fctx context.Context) (interface{}, error) {
		return sess.source.ClassInfoBatch(fctx, req)
	})
	if err != nil {
		log.Debugf("session %s: class batch for %s failed: %v", sess.ID, p.Method, err)
		return
	}
	sess.Classes.Materialize(v.(*transport.ClassInfoBatchResponse).Classes)
}

// flightKey names a fetch for deduplication within a session. Disabled
// caching fetches every query separately.
func (c *ProfileCache) flightKey(kind string, m profile.MethodID, shared bool) string {
	if c.opts.Disable {
		return ""
	}
	return kind + "/" + strconv.FormatUint(uint64(m), 16) + "/" + strconv.FormatBool(shared)
}

// remote runs fn against the session's source. Concurrent calls with the
// same non-empty key share one fetch. The fetch itself runs under the
// session's lifetime: a caller whose ctx ends stops waiting and the result
// is discarded.
func (c *ProfileCache) remote(ctx context.Context, sess *ClientSession, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	call := func() (interface{}, error) { return fn(sess.ctx) }

	var ch <-chan singleflight.Result
	if key == "" {
		solo := make(chan singleflight.Result, 1)
		go func() {
			v, err := call()
			solo <- singleflight.Result{Val: v, Err: err}
		}()
		ch = solo
	} else {
		ch = sess.fetches.DoChan(key, call)
	}

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, classify(ctx, sess, r.Err)
		}
		return r.Val, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrCompilationAborted, ctx.Err())
	}
}

func classify(ctx context.Context, sess *ClientSession, err error) error {
	switch {
	case sess.Closed():
		return fmt.Errorf("%w: %w", ErrCompilationAborted, ErrSessionClosed)
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %w", ErrCompilationAborted, ctx.Err())
	default:
		return fmt.Errorf("%w: %w: %w", ErrCompilationAborted, ErrTransport, err)
	}
}
