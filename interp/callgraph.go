package interp

import (
	"sync"

	"github.com/chazu/ipcache/profile"
)

// Receiver tracking at call sites.
//
// A call site starts empty, becomes monomorphic on its first receiver class,
// polymorphic as more classes arrive, and once MaxReceivers slots are taken
// any further class is only counted in the residue.

// SiteState is the shape of a call site's receiver distribution.
type SiteState uint8

const (
	SiteEmpty SiteState = iota
	SiteMonomorphic
	SitePolymorphic
	SiteMegamorphic
)

// receiverSite records the receiver classes seen at one call site.
type receiverSite struct {
	mu      sync.Mutex
	state   SiteState
	entries [profile.MaxReceivers]profile.ReceiverWeight
	count   int
	residue uint32
}

func (s *receiverSite) record(class profile.ClassID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < s.count; i++ {
		if s.entries[i].Class == class {
			s.entries[i].Weight++
			return
		}
	}
	if s.count < profile.MaxReceivers {
		s.entries[s.count] = profile.ReceiverWeight{Class: class, Weight: 1}
		s.count++
		if s.count == 1 {
			s.state = SiteMonomorphic
		} else {
			s.state = SitePolymorphic
		}
		return
	}
	s.state = SiteMegamorphic
	s.residue++
}

func (s *receiverSite) snapshot() *profile.CallGraphData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &profile.CallGraphData{
		Receivers: append([]profile.ReceiverWeight(nil), s.entries[:s.count]...),
		Residue:   s.residue,
	}
}

func (s *receiverSite) State() SiteState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
