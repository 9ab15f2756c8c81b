package main

import (
	"context"
	"math/rand"
	"time"

	"github.com/chazu/ipcache/interp"
	"github.com/chazu/ipcache/profile"
)

// Method and class ids of the synthetic workload.
const (
	mainLoop profile.MethodID = 1
	area     profile.MethodID = 2
	classify profile.MethodID = 3

	shapeClass  profile.ClassID = 10
	circleClass profile.ClassID = 11
	squareClass profile.ClassID = 12
	triClass    profile.ClassID = 13
)

// workload drives a small interpreter: a loop that classifies shapes and
// calls area on each.
type workload struct {
	rt   *interp.Runtime
	prof *interp.Profiler
	rng  *rand.Rand
}

func newWorkload() *workload {
	rt := interp.NewRuntime()
	rt.DefineClass(&interp.ClassInfo{ID: shapeClass, Name: "Shape", Loader: "app"})
	rt.DefineClass(&interp.ClassInfo{ID: circleClass, Name: "Circle", Super: shapeClass, Loader: "app"})
	rt.DefineClass(&interp.ClassInfo{ID: squareClass, Name: "Square", Super: shapeClass, Loader: "app"})
	rt.DefineClass(&interp.ClassInfo{ID: triClass, Name: "Triangle", Super: shapeClass, Loader: "app"})

	//	0 branch -> 6
	//	1 invoke classify
	//	2 switch -> 3, 4, 5
	//	3 invoke area
	//	4 goto 0
	//	5 goto 0
	//	6 return
	rt.DefineMethod(&interp.Method{ID: mainLoop, Class: shapeClass, Name: "main", Start: 0x1000, Code: []interp.Instruction{
		{Op: interp.OpBranch, Targets: []uint32{6}},
		{Op: interp.OpInvoke},
		{Op: interp.OpSwitch, Targets: []uint32{3, 4, 5}},
		{Op: interp.OpInvoke},
		{Op: interp.OpGoto, Targets: []uint32{0}},
		{Op: interp.OpGoto, Targets: []uint32{0}},
		{Op: interp.OpReturn},
	}})
	rt.DefineMethod(&interp.Method{ID: area, Class: shapeClass, Name: "area", Start: 0x2000, Code: []interp.Instruction{
		{Op: interp.OpBranch, Targets: []uint32{2}},
		{Op: interp.OpReturn},
		{Op: interp.OpReturn},
	}})
	rt.DefineMethod(&interp.Method{ID: classify, Class: shapeClass, Name: "classify", Start: 0x3000, Code: []interp.Instruction{
		{Op: interp.OpReturn},
	}})

	prof := interp.NewProfiler()
	prof.OnHot = func(id profile.MethodID) {
		log.Infof("%s is hot, compiling", id)
		prof.MarkCompiled(id)
	}
	return &workload{rt: rt, prof: prof, rng: rand.New(rand.NewSource(1))}
}

// run executes the main loop n times.
func (w *workload) run(n int) {
	receivers := []profile.ClassID{circleClass, circleClass, squareClass, triClass}
	w.prof.RecordInvocation(mainLoop)
	for i := 0; i < n; i++ {
		w.prof.RecordBranch(mainLoop, 0, i == n-1)

		recv := receivers[w.rng.Intn(len(receivers))]
		w.prof.RecordCall(mainLoop, 1, recv, classify)
		w.prof.RecordInvocation(classify)

		kind := w.rng.Intn(3)
		w.prof.RecordSwitch(mainLoop, 2, kind)
		if kind == 0 {
			w.prof.RecordCall(mainLoop, 3, recv, area)
			w.prof.RecordInvocation(area)
			w.prof.RecordBranch(area, 0, recv == circleClass)
		}
	}
}

func (w *workload) loop(ctx context.Context, rounds int, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		w.run(rounds)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
