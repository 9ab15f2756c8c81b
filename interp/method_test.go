package interp

import "testing"

func TestSuccessors(t *testing.T) {
	m := &Method{ID: 1, Code: []Instruction{
		{Op: OpBranch, Targets: []uint32{3}},
		{Op: OpSwitch, Targets: []uint32{0, 2, 3}},
		{Op: OpGoto, Targets: []uint32{4}},
		{Op: OpInvoke},
		{Op: OpReturn},
	}}

	cases := []struct {
		pc   uint32
		want []uint32
	}{
		{0, []uint32{1, 3}},
		{1, []uint32{0, 2, 3}},
		{2, []uint32{4}},
		{3, []uint32{4}},
		{4, nil},
		{99, nil},
	}
	for _, tc := range cases {
		got := m.Successors(tc.pc)
		if len(got) != len(tc.want) {
			t.Errorf("Successors(%d) = %v, want %v", tc.pc, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("Successors(%d) = %v, want %v", tc.pc, got, tc.want)
				break
			}
		}
	}
}

func TestRuntimeRedefine(t *testing.T) {
	r := NewRuntime()
	r.DefineMethod(&Method{ID: 1, Start: 0x100})
	r.DefineMethod(&Method{ID: 1, Start: 0x200})

	m, ok := r.Method(1)
	if !ok || m.Start != 0x200 {
		t.Errorf("Method(1) = %+v, %v", m, ok)
	}
	if len(r.Methods()) != 1 {
		t.Errorf("Methods = %d, want 1", len(r.Methods()))
	}
}
