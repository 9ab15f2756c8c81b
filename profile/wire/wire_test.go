package wire

import (
	"errors"
	"testing"

	"github.com/chazu/ipcache/profile"
)

func callerSamples(n int) []profile.CallerSample {
	out := make([]profile.CallerSample, n)
	for i := range out {
		out[i] = profile.CallerSample{Caller: profile.MethodID(0x1000 + i), PC: uint32(i), Weight: uint32(n - i)}
	}
	return out
}

func sampleProfile() *profile.MethodProfile {
	return &profile.MethodProfile{
		Method:               0xbeef,
		MethodStart:          0x7f0000,
		CompiledWhenProfiled: true,
		TotalSamples:         33,
		Entries: []*profile.Entry{
			{Method: 0xbeef, PC: 2, Kind: profile.KindBranch, Branch: &profile.BranchData{Taken: 9, NotTaken: 1}},
			{Method: 0xbeef, PC: 7, Kind: profile.KindSwitch, Switch: &profile.SwitchData{Counts: []uint32{4, 0, 2}}},
			{Method: 0xbeef, PC: 11, Kind: profile.KindCallGraph, CallGraph: &profile.CallGraphData{
				Receivers: []profile.ReceiverWeight{{Class: 0x10, Weight: 12}, {Class: 0x11, Weight: 3}},
				Residue:   2,
			}},
		},
	}
}

// ---------------------------------------------------------------------------
// Fanin
// ---------------------------------------------------------------------------

func TestFanin_RoundTripAllCallerCounts(t *testing.T) {
	for _, v := range []Version{VersionCounted, VersionSentinel} {
		for n := 0; n <= profile.MaxCallers+5; n++ {
			s := profile.BuildSummary(0x42, callerSamples(n))

			data, err := EncodeFaninVersion(s, v)
			if err != nil {
				t.Fatalf("v%d n=%d: EncodeFanin: %v", v, n, err)
			}
			got, err := DecodeFanin(data)
			if err != nil {
				t.Fatalf("v%d n=%d: DecodeFanin: %v", v, n, err)
			}
			if !got.Equal(s) {
				t.Errorf("v%d n=%d: round trip mismatch\n got  %+v\n want %+v", v, n, got, s)
			}
		}
	}
}

func TestFanin_FixedCapacityLayout(t *testing.T) {
	s := profile.BuildSummary(0x42, callerSamples(2))
	data, err := EncodeFanin(s)
	if err != nil {
		t.Fatalf("EncodeFanin: %v", err)
	}
	_, body, err := open(data, TagFanin)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var w wireFanin
	if err := cborDecMode.Unmarshal(body, &w); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(w.Callers) != profile.MaxCallers {
		t.Errorf("caller array length = %d, want %d", len(w.Callers), profile.MaxCallers)
	}
	if w.Callers[2].Method != 0 {
		t.Errorf("slot after last caller should hold the null sentinel, got %#x", w.Callers[2].Method)
	}
}

func TestFanin_CountIsAuthoritativeInCountedVersion(t *testing.T) {
	// Count says 1 even though the array holds two callers: the second is ignored
	// and its weight must then be accounted for in SamplesOther to pass Check.
	w := wireFanin{
		Callee:       1,
		CallerCount:  1,
		TotalSamples: 5,
		SamplesOther: 2,
		Callers:      []wireCaller{{Method: 9, Weight: 3}, {Method: 10, Weight: 2}},
	}
	data, err := seal(TagFanin, VersionCounted, &w)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	s, err := DecodeFanin(data)
	if err != nil {
		t.Fatalf("DecodeFanin: %v", err)
	}
	if s.NumCallers() != 1 {
		t.Errorf("NumCallers = %d, want 1", s.NumCallers())
	}
}

func TestFanin_RejectsDeclaredCountOverCap(t *testing.T) {
	w := wireFanin{
		Callee:      1,
		CallerCount: profile.MaxCallers + 1,
		Callers:     make([]wireCaller, profile.MaxCallers),
	}
	data, err := seal(TagFanin, VersionCounted, &w)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	_, err = DecodeFanin(data)
	if !errors.Is(err, ErrMalformed) || !errors.Is(err, profile.ErrTooManyCallers) {
		t.Errorf("DecodeFanin = %v, want ErrMalformed wrapping ErrTooManyCallers", err)
	}
}

func TestFanin_RejectsOversizedArray(t *testing.T) {
	w := wireFanin{Callee: 1, Callers: make([]wireCaller, profile.MaxCallers+2)}
	for i := range w.Callers {
		w.Callers[i] = wireCaller{Method: uint64(i + 1), Weight: 1}
		w.TotalSamples++
	}
	data, err := seal(TagFanin, VersionSentinel, &w)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := DecodeFanin(data); !errors.Is(err, profile.ErrTooManyCallers) {
		t.Errorf("DecodeFanin = %v, want ErrTooManyCallers", err)
	}
}

func TestFanin_RejectsUnbalancedTotals(t *testing.T) {
	w := wireFanin{Callee: 1, CallerCount: 1, TotalSamples: 100, Callers: []wireCaller{{Method: 2, Weight: 1}}}
	data, err := seal(TagFanin, VersionCounted, &w)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := DecodeFanin(data); !errors.Is(err, ErrMalformed) {
		t.Errorf("DecodeFanin = %v, want ErrMalformed", err)
	}
}

func TestFanin_RejectsGarbage(t *testing.T) {
	if _, err := DecodeFanin([]byte{0xff, 0x00, 0x13}); !errors.Is(err, ErrMalformed) {
		t.Errorf("DecodeFanin(garbage) = %v, want ErrMalformed", err)
	}
}

// ---------------------------------------------------------------------------
// Profiles
// ---------------------------------------------------------------------------

func TestProfile_RoundTrip(t *testing.T) {
	p := sampleProfile()
	data, err := EncodeProfile(p)
	if err != nil {
		t.Fatalf("EncodeProfile: %v", err)
	}
	got, err := DecodeProfile(data)
	if err != nil {
		t.Fatalf("DecodeProfile: %v", err)
	}

	if got.Method != p.Method || got.MethodStart != p.MethodStart ||
		got.CompiledWhenProfiled != p.CompiledWhenProfiled || got.Partial != p.Partial ||
		got.TotalSamples != p.TotalSamples {
		t.Errorf("header mismatch: got %+v", got)
	}
	if len(got.Entries) != len(p.Entries) {
		t.Fatalf("entries: got %d, want %d", len(got.Entries), len(p.Entries))
	}
	for i := range p.Entries {
		if !got.Entries[i].Equal(p.Entries[i]) {
			t.Errorf("entry %d: got %+v, want %+v", i, got.Entries[i], p.Entries[i])
		}
	}
}

func TestProfile_PartialFlag(t *testing.T) {
	p := sampleProfile()
	p.Partial = true
	p.CompiledWhenProfiled = false
	data, err := EncodeProfile(p)
	if err != nil {
		t.Fatalf("EncodeProfile: %v", err)
	}
	got, err := DecodeProfile(data)
	if err != nil {
		t.Fatalf("DecodeProfile: %v", err)
	}
	if !got.Partial || got.CompiledWhenProfiled {
		t.Errorf("flags: partial=%v compiled=%v", got.Partial, got.CompiledWhenProfiled)
	}
}

func TestProfile_DeterministicEncoding(t *testing.T) {
	a, err := EncodeProfile(sampleProfile())
	if err != nil {
		t.Fatal(err)
	}
	b, err := EncodeProfile(sampleProfile())
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Error("equal profiles encoded differently")
	}
}

func TestProfile_CallGraphOnly(t *testing.T) {
	data, err := EncodeProfile(sampleProfile())
	if err != nil {
		t.Fatalf("EncodeProfile: %v", err)
	}
	got, err := DecodeProfileWith(data, DecodeOptions{CallGraphOnly: true})
	if err != nil {
		t.Fatalf("DecodeProfileWith: %v", err)
	}
	if len(got.Entries) != 1 || got.Entries[0].Kind != profile.KindCallGraph {
		t.Errorf("CallGraphOnly kept %d entries", len(got.Entries))
	}
}

func TestTagsAreNotMixed(t *testing.T) {
	pdata, err := EncodeProfile(sampleProfile())
	if err != nil {
		t.Fatal(err)
	}
	fdata, err := EncodeFanin(profile.BuildSummary(1, callerSamples(3)))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := DecodeFanin(pdata); !errors.Is(err, ErrWrongTag) {
		t.Errorf("DecodeFanin(profile) = %v, want ErrWrongTag", err)
	}
	if _, err := DecodeProfile(fdata); !errors.Is(err, ErrWrongTag) {
		t.Errorf("DecodeProfile(fanin) = %v, want ErrWrongTag", err)
	}
	if tag, err := PeekTag(fdata); err != nil || tag != TagFanin {
		t.Errorf("PeekTag = %v, %v", tag, err)
	}
}

func TestProfile_RejectsCountMismatch(t *testing.T) {
	w := wireProfile{Method: 1, Count: 3, Entries: []wireEntry{{PC: 0, Kind: uint8(profile.KindBranch), Counts: []uint32{1, 1}}}}
	data, err := seal(TagProfile, CurrentVersion, &w)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeProfile(data); !errors.Is(err, ErrMalformed) {
		t.Errorf("DecodeProfile = %v, want ErrMalformed", err)
	}
}

func TestProfile_RejectsUnknownVersion(t *testing.T) {
	data, err := seal(TagProfile, Version(9), &wireProfile{Method: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeProfile(data); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("DecodeProfile = %v, want ErrUnsupportedVersion", err)
	}
}

func TestProfile_RejectsTooManyReceivers(t *testing.T) {
	w := wireProfile{Method: 1, Count: 1, Entries: []wireEntry{{
		PC:        4,
		Kind:      uint8(profile.KindCallGraph),
		Receivers: make([]wireReceiver, profile.MaxReceivers+1),
	}}}
	data, err := seal(TagProfile, CurrentVersion, &w)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeProfile(data); !errors.Is(err, ErrMalformed) {
		t.Errorf("DecodeProfile = %v, want ErrMalformed", err)
	}
}
