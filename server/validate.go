package server

import (
	"context"
	"sync/atomic"

	"github.com/chazu/ipcache/profile"
	"github.com/chazu/ipcache/profile/wire"
	"github.com/chazu/ipcache/transport"
)

// Validator compares cache hits against what the client reports now. It
// only observes: nothing it fetches is cached or returned to the compiler.
type Validator struct {
	validations atomic.Uint64
	mismatches  atomic.Uint64
	failures    atomic.Uint64
}

// check fetches the client's current entry at (method, pc) and compares it
// to the cached one. Differences in data frozen from a compiled method are
// warnings; data of interpreted methods is expected to drift.
func (v *Validator) check(ctx context.Context, cctx *CompilationContext, method profile.MethodID, pc uint32, cached *profile.Entry, stable bool) {
	sess := cctx.session
	v.validations.Add(1)

	res, err := sess.source.FetchProfile(ctx, &transport.FetchProfileRequest{
		Session:       sess.ID,
		Method:        method,
		PC:            pc,
		SharedProfile: stable,
	})
	if err != nil {
		v.failures.Add(1)
		log.Debugf("session %s: validation fetch of %s failed: %v", sess.ID, method, err)
		return
	}
	sess.Classes.Materialize(res.Classes)

	var fresh *profile.Entry
	if res.Found {
		// A call-graph entry only needs the call-graph part of the payload.
		opts := wire.DecodeOptions{CallGraphOnly: cached != nil && cached.Kind == profile.KindCallGraph}
		p, err := wire.DecodeProfileWith(res.Payload, opts)
		if err != nil {
			v.failures.Add(1)
			log.Debugf("session %s: validation payload of %s: %v", sess.ID, method, err)
			return
		}
		fresh = p.Lookup(pc)
	}

	if cached.Equal(fresh) {
		return
	}
	v.mismatches.Add(1)
	if stable {
		log.Warningf("session %s: cached profile of %s at %d differs from client: cached %v, client %v",
			sess.ID, method, pc, cached, fresh)
	} else {
		log.Debugf("session %s: profile of %s at %d drifted: cached %v, client %v", sess.ID, method, pc, cached, fresh)
	}
}

// checkFanin compares a cached fanin summary with the client's current one.
// Fanin keeps accumulating on the client, so differences are only logged at
// debug level.
func (v *Validator) checkFanin(ctx context.Context, cctx *CompilationContext, callee profile.MethodID, cached *profile.FaninSummary) {
	sess := cctx.session
	v.validations.Add(1)

	res, err := sess.source.FetchFaninSummary(ctx, &transport.FetchFaninRequest{Session: sess.ID, Method: callee})
	if err != nil {
		v.failures.Add(1)
		log.Debugf("session %s: validation fetch of fanin %s failed: %v", sess.ID, callee, err)
		return
	}

	var fresh *profile.FaninSummary
	if res.Found {
		fresh, err = wire.DecodeFanin(res.Payload)
		if err != nil {
			v.failures.Add(1)
			log.Debugf("session %s: validation fanin of %s: %v", sess.ID, callee, err)
			return
		}
	}

	if cached.Equal(fresh) {
		return
	}
	v.mismatches.Add(1)
	log.Debugf("session %s: fanin of %s drifted: cached %+v, client %+v", sess.ID, callee, cached, fresh)
}
