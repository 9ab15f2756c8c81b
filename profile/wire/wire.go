// Package wire flattens method profiles and fanin summaries into CBOR
// payloads for transfer between an interpreting client and a compilation
// server, and reconstructs them on the other side.
//
// Every payload is an envelope [tag, version, body]. Profile and fanin
// bodies carry distinct tags and are never decoded by each other's path.
// Fanin bodies keep a fixed-capacity caller array padded with null-method
// entries. Version 1 readers stop at the first null caller; version 2
// carries an explicit caller count, which is authoritative.
package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/ipcache/profile"
)

// Tag identifies the payload kind.
type Tag uint8

const (
	TagProfile Tag = 1
	TagFanin   Tag = 2
)

func (t Tag) String() string {
	switch t {
	case TagProfile:
		return "profile"
	case TagFanin:
		return "fanin"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

// Version identifies how variable-length caller lists are terminated.
type Version uint8

const (
	VersionSentinel Version = 1 // caller array ends at the first null method
	VersionCounted  Version = 2 // explicit caller count

	CurrentVersion = VersionCounted
)

var (
	// ErrWrongTag is returned when a payload is handed to the decoder of
	// the other payload kind.
	ErrWrongTag = errors.New("wire: unexpected payload tag")

	// ErrUnsupportedVersion is returned for envelopes from an unknown wire version.
	ErrUnsupportedVersion = errors.New("wire: unsupported version")

	// ErrMalformed is returned for payloads that decode but violate the layout.
	ErrMalformed = errors.New("wire: malformed payload")
)

const (
	flagCompiledWhenProfiled uint8 = 1 << iota
	flagPartial
)

type envelope struct {
	_       struct{} `cbor:",toarray"`
	Tag     Tag
	Version Version
	Body    cbor.RawMessage
}

type wireCaller struct {
	_      struct{} `cbor:",toarray"`
	Method uint64
	PC     uint32
	Weight uint64
}

type wireFanin struct {
	_            struct{} `cbor:",toarray"`
	Callee       uint64
	CallerCount  uint32
	TotalSamples uint64
	SamplesOther uint64
	Callers      []wireCaller // always MaxCallers long when written
}

type wireReceiver struct {
	_      struct{} `cbor:",toarray"`
	Class  uint64
	Weight uint32
}

type wireEntry struct {
	_         struct{} `cbor:",toarray"`
	PC        uint32
	Kind      uint8
	Counts    []uint32
	Receivers []wireReceiver
	Residue   uint32
}

type wireProfile struct {
	_            struct{} `cbor:",toarray"`
	Method       uint64
	MethodStart  uint64
	Flags        uint8
	TotalSamples uint64
	Count        uint32
	Entries      []wireEntry
}

// cborEncMode uses canonical encoding so equal profiles encode to equal bytes.
var cborEncMode cbor.EncMode

var cborDecMode cbor.DecMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em

	dm, err := cbor.DecOptions{
		MaxArrayElements: 1 << 16,
		MaxNestedLevels:  16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR dec mode: %v", err))
	}
	cborDecMode = dm
}

func seal(tag Tag, v Version, body interface{}) ([]byte, error) {
	raw, err := cborEncMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s body: %w", tag, err)
	}
	return cborEncMode.Marshal(&envelope{Tag: tag, Version: v, Body: raw})
}

func open(data []byte, want Tag) (Version, cbor.RawMessage, error) {
	var env envelope
	if err := cborDecMode.Unmarshal(data, &env); err != nil {
		return 0, nil, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}
	if env.Tag != want {
		return 0, nil, fmt.Errorf("%w: got %s, want %s", ErrWrongTag, env.Tag, want)
	}
	if env.Version != VersionSentinel && env.Version != VersionCounted {
		return 0, nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}
	return env.Version, env.Body, nil
}

// PeekTag returns the tag of an encoded payload without decoding its body.
func PeekTag(data []byte) (Tag, error) {
	var env envelope
	if err := cborDecMode.Unmarshal(data, &env); err != nil {
		return 0, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}
	return env.Tag, nil
}

// ---------------------------------------------------------------------------
// Fanin summaries
// ---------------------------------------------------------------------------

// EncodeFanin serialises a fanin summary with the current wire version.
func EncodeFanin(s *profile.FaninSummary) ([]byte, error) {
	return EncodeFaninVersion(s, CurrentVersion)
}

// EncodeFaninVersion serialises a fanin summary for a specific wire version.
// The caller array is padded to MaxCallers with null entries either way.
func EncodeFaninVersion(s *profile.FaninSummary, v Version) ([]byte, error) {
	if len(s.Callers) > profile.MaxCallers {
		return nil, fmt.Errorf("wire: encode fanin for %s: %w", s.Callee, profile.ErrTooManyCallers)
	}
	w := wireFanin{
		Callee:       uint64(s.Callee),
		TotalSamples: s.TotalSamples,
		SamplesOther: s.SamplesOther,
		Callers:      make([]wireCaller, profile.MaxCallers),
	}
	if v == VersionCounted {
		w.CallerCount = uint32(len(s.Callers))
	}
	for i, c := range s.Callers {
		if c.Caller.IsNull() {
			return nil, fmt.Errorf("%w: null caller in fanin for %s", ErrMalformed, s.Callee)
		}
		w.Callers[i] = wireCaller{Method: uint64(c.Caller), PC: c.PC, Weight: c.Weight}
	}
	return seal(TagFanin, v, &w)
}

// DecodeFanin reconstructs a fanin summary. Payloads declaring more callers
// than MaxCallers, or whose totals do not add up, are rejected.
func DecodeFanin(data []byte) (*profile.FaninSummary, error) {
	v, body, err := open(data, TagFanin)
	if err != nil {
		return nil, err
	}
	var w wireFanin
	if err := cborDecMode.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: fanin body: %v", ErrMalformed, err)
	}
	if len(w.Callers) > profile.MaxCallers {
		return nil, fmt.Errorf("%w: %w: array holds %d", ErrMalformed, profile.ErrTooManyCallers, len(w.Callers))
	}

	n := 0
	switch v {
	case VersionCounted:
		if w.CallerCount > profile.MaxCallers {
			return nil, fmt.Errorf("%w: %w: declared %d", ErrMalformed, profile.ErrTooManyCallers, w.CallerCount)
		}
		if int(w.CallerCount) > len(w.Callers) {
			return nil, fmt.Errorf("%w: declared %d callers, array holds %d", ErrMalformed, w.CallerCount, len(w.Callers))
		}
		n = int(w.CallerCount)
	case VersionSentinel:
		for n < len(w.Callers) && w.Callers[n].Method != uint64(profile.NullMethod) {
			n++
		}
	}

	s := &profile.FaninSummary{
		Callee:       profile.MethodID(w.Callee),
		TotalSamples: w.TotalSamples,
		SamplesOther: w.SamplesOther,
	}
	if n > 0 {
		s.Callers = make([]profile.CallerWeight, 0, n)
	}
	for _, c := range w.Callers[:n] {
		s.Callers = append(s.Callers, profile.CallerWeight{
			Caller: profile.MethodID(c.Method),
			PC:     c.PC,
			Weight: c.Weight,
		})
	}
	if err := s.Check(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return s, nil
}

// ---------------------------------------------------------------------------
// Method profiles
// ---------------------------------------------------------------------------

// EncodeProfile serialises a whole method profile.
func EncodeProfile(p *profile.MethodProfile) ([]byte, error) {
	w := wireProfile{
		Method:       uint64(p.Method),
		MethodStart:  p.MethodStart,
		TotalSamples: p.TotalSamples,
		Count:        uint32(len(p.Entries)),
		Entries:      make([]wireEntry, 0, len(p.Entries)),
	}
	if p.CompiledWhenProfiled {
		w.Flags |= flagCompiledWhenProfiled
	}
	if p.Partial {
		w.Flags |= flagPartial
	}
	for _, e := range p.Entries {
		we, err := encodeEntry(e)
		if err != nil {
			return nil, fmt.Errorf("wire: encode profile for %s: %w", p.Method, err)
		}
		w.Entries = append(w.Entries, we)
	}
	return seal(TagProfile, CurrentVersion, &w)
}

func encodeEntry(e *profile.Entry) (wireEntry, error) {
	we := wireEntry{PC: e.PC, Kind: uint8(e.Kind)}
	switch e.Kind {
	case profile.KindBranch:
		if e.Branch == nil {
			return we, fmt.Errorf("%w: branch entry %s without data", ErrMalformed, e)
		}
		we.Counts = []uint32{e.Branch.Taken, e.Branch.NotTaken}
	case profile.KindSwitch:
		if e.Switch == nil {
			return we, fmt.Errorf("%w: switch entry %s without data", ErrMalformed, e)
		}
		we.Counts = append([]uint32{}, e.Switch.Counts...)
	case profile.KindCallGraph:
		if e.CallGraph == nil {
			return we, fmt.Errorf("%w: call-graph entry %s without data", ErrMalformed, e)
		}
		we.Receivers = make([]wireReceiver, 0, len(e.CallGraph.Receivers))
		for _, r := range e.CallGraph.Receivers {
			we.Receivers = append(we.Receivers, wireReceiver{Class: uint64(r.Class), Weight: r.Weight})
		}
		we.Residue = e.CallGraph.Residue
	default:
		return we, fmt.Errorf("%w: entry %s", ErrMalformed, e)
	}
	return we, nil
}

// DecodeOptions adjusts DecodeProfile.
type DecodeOptions struct {
	// CallGraphOnly keeps only call-graph entries. The header is still
	// decoded in full.
	CallGraphOnly bool
}

// DecodeProfile reconstructs a method profile.
func DecodeProfile(data []byte) (*profile.MethodProfile, error) {
	return DecodeProfileWith(data, DecodeOptions{})
}

// DecodeProfileWith reconstructs a method profile using opts.
func DecodeProfileWith(data []byte, opts DecodeOptions) (*profile.MethodProfile, error) {
	_, body, err := open(data, TagProfile)
	if err != nil {
		return nil, err
	}
	var w wireProfile
	if err := cborDecMode.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: profile body: %v", ErrMalformed, err)
	}
	if profile.MethodID(w.Method).IsNull() {
		return nil, fmt.Errorf("%w: profile for null method", ErrMalformed)
	}
	if int(w.Count) != len(w.Entries) {
		return nil, fmt.Errorf("%w: declared %d entries, got %d", ErrMalformed, w.Count, len(w.Entries))
	}

	p := &profile.MethodProfile{
		Method:               profile.MethodID(w.Method),
		MethodStart:          w.MethodStart,
		CompiledWhenProfiled: w.Flags&flagCompiledWhenProfiled != 0,
		Partial:              w.Flags&flagPartial != 0,
		TotalSamples:         w.TotalSamples,
		Entries:              make([]*profile.Entry, 0, len(w.Entries)),
	}
	for i := range w.Entries {
		we := &w.Entries[i]
		if opts.CallGraphOnly && profile.Kind(we.Kind) != profile.KindCallGraph {
			continue
		}
		e, err := decodeEntry(p.Method, we)
		if err != nil {
			return nil, err
		}
		p.Entries = append(p.Entries, e)
	}
	return p, nil
}

func decodeEntry(m profile.MethodID, we *wireEntry) (*profile.Entry, error) {
	e := &profile.Entry{Method: m, PC: we.PC, Kind: profile.Kind(we.Kind)}
	switch e.Kind {
	case profile.KindBranch:
		if len(we.Counts) != 2 {
			return nil, fmt.Errorf("%w: branch entry at %d has %d counts", ErrMalformed, we.PC, len(we.Counts))
		}
		e.Branch = &profile.BranchData{Taken: we.Counts[0], NotTaken: we.Counts[1]}
	case profile.KindSwitch:
		if len(we.Counts) > profile.MaxSwitchTargets {
			return nil, fmt.Errorf("%w: switch entry at %d has %d targets", ErrMalformed, we.PC, len(we.Counts))
		}
		e.Switch = &profile.SwitchData{Counts: append([]uint32{}, we.Counts...)}
	case profile.KindCallGraph:
		if len(we.Receivers) > profile.MaxReceivers {
			return nil, fmt.Errorf("%w: call-graph entry at %d has %d receivers", ErrMalformed, we.PC, len(we.Receivers))
		}
		cg := &profile.CallGraphData{
			Receivers: make([]profile.ReceiverWeight, 0, len(we.Receivers)),
			Residue:   we.Residue,
		}
		for _, r := range we.Receivers {
			cg.Receivers = append(cg.Receivers, profile.ReceiverWeight{Class: profile.ClassID(r.Class), Weight: r.Weight})
		}
		e.CallGraph = cg
	default:
		return nil, fmt.Errorf("%w: unknown entry kind %d at %d", ErrMalformed, we.Kind, we.PC)
	}
	return e, nil
}
