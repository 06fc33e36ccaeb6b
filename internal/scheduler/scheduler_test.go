package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/cbegin/loopgraph-go/internal/graph"
	"github.com/cbegin/loopgraph-go/internal/loop"
)

func registered(name string, n int) *loop.Loop {
	l := loop.New(name, name+".wav")
	l.SampleLength, l.TotalLength = n, n
	return l
}

type seqDef struct {
	name   string
	policy loop.PolicyFactory
	loops  []*loop.Loop
}

func buildState(t *testing.T, name string, defs ...seqDef) *loop.State {
	t.Helper()
	var seqs []*loop.Sequence
	for _, d := range defs {
		seq, err := loop.NewSequence(d.name, d.loops, d.policy)
		if err != nil {
			t.Fatalf("sequence %s: %v", d.name, err)
		}
		seqs = append(seqs, seq)
	}
	st, err := loop.NewState(name, seqs)
	if err != nil {
		t.Fatalf("state %s: %v", name, err)
	}
	if err := st.ComputeTriggerResolution(); err != nil {
		t.Fatalf("trigger resolution %s: %v", name, err)
	}
	return st
}

type recordSink struct{ batches []Batch }

func (r *recordSink) Send(b Batch) error {
	r.batches = append(r.batches, append(Batch(nil), b...))
	return nil
}

// threeStates is a fully connected graph One, Two, Three. chSustain is
// shared by One and Two; every loop is 1000 samples.
func threeStates(t *testing.T) (*graph.Graph, map[string]*loop.Loop) {
	t.Helper()
	loops := map[string]*loop.Loop{}
	for _, n := range []string{"chSustain", "lead1", "bass1", "drums1"} {
		loops[n] = registered(n, 1000)
	}
	one := buildState(t, "One",
		seqDef{"sustain", nil, []*loop.Loop{loops["chSustain"]}},
		seqDef{"lead", loop.Cyclic(), []*loop.Loop{loops["lead1"]}})
	two := buildState(t, "Two",
		seqDef{"sustain", nil, []*loop.Loop{loops["chSustain"]}},
		seqDef{"bass", loop.Cyclic(), []*loop.Loop{loops["bass1"]}})
	three := buildState(t, "Three",
		seqDef{"drums", nil, []*loop.Loop{loops["drums1"]}})
	g, err := graph.NewBuilder().AddState(one).AddState(two).AddState(three).FullyConnected().Build("One")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return g, loops
}

func newScheduler(t *testing.T, g *graph.Graph, opts Options) (*Scheduler, *recordSink) {
	t.Helper()
	sg, err := graph.New(g)
	if err != nil {
		t.Fatalf("state graph: %v", err)
	}
	sink := &recordSink{}
	s, err := New(sg, sink, opts)
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	if _, err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	return s, sink
}

func loopNames(ls []*loop.Loop) string {
	out := make([]string, len(ls))
	for i, l := range ls {
		out[i] = l.Name
	}
	return strings.Join(out, ",")
}

func TestStartEmitsInitialLoops(t *testing.T) {
	g, _ := threeStates(t)
	_, sink := newScheduler(t, g, Options{PreTrigger: 256})
	if len(sink.batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(sink.batches))
	}
	if got := sink.batches[0].String(); got != "start chSustain lead=0; start lead1 lead=0" {
		t.Fatalf("start batch = %q", got)
	}
}

func TestTriggerMarginBoundary(t *testing.T) {
	g, _ := threeStates(t)
	s, sink := newScheduler(t, g, Options{PreTrigger: 256})
	if err := s.Graph().SetStimulus(graph.Vector{0, 1, 0}); err != nil {
		t.Fatalf("stimulus: %v", err)
	}

	steps := []struct {
		elapsed    int
		transition bool
		pos        int
	}{
		{700, false, 700},
		{40, false, 740},
		{60, true, 0},
	}
	for i, step := range steps {
		d, err := s.Advance(step.elapsed)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if d.Transitioned != step.transition {
			t.Fatalf("step %d: transitioned = %v, want %v", i, d.Transitioned, step.transition)
		}
		if s.Position() != step.pos {
			t.Fatalf("step %d: position = %d, want %d", i, s.Position(), step.pos)
		}
	}
	if s.Pending().Name() != "Two" || s.Active().Name() != "Two" {
		t.Fatalf("active = %s pending = %s, want Two", s.Active().Name(), s.Pending().Name())
	}
	// one start batch plus exactly one transition batch
	if len(sink.batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(sink.batches))
	}
}

func TestEndToEndThreeStates(t *testing.T) {
	g, _ := threeStates(t)
	s, sink := newScheduler(t, g, Options{PreTrigger: 256})
	one := s.Active()

	if err := s.Graph().SetStimulus(graph.Vector{0, 1, 0}); err != nil {
		t.Fatalf("stimulus: %v", err)
	}
	d, err := s.Advance(500)
	if err != nil || d.Transitioned || len(d.Batch) != 0 {
		t.Fatalf("before trigger: diff %+v, err %v", d, err)
	}
	if s.Pending().Name() != "Two" {
		t.Fatalf("pending = %s, want Two", s.Pending().Name())
	}

	d, err = s.Advance(500)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !d.Transitioned || d.From != "One" || d.To != "Two" {
		t.Fatalf("diff = %+v, want One -> Two", d)
	}
	if got := loopNames(d.ToStop); got != "lead1" {
		t.Fatalf("to stop = %s, want lead1", got)
	}
	if got := loopNames(d.ToStart); got != "bass1" {
		t.Fatalf("to start = %s, want bass1", got)
	}
	last := sink.batches[len(sink.batches)-1]
	if got := last.String(); got != "stop lead1 lead=1000; start bass1 lead=1000" {
		t.Fatalf("batch = %q", got)
	}
	if one.Active() {
		t.Fatalf("state One still active")
	}
	for _, seq := range one.Sequences() {
		if _, err := seq.ActiveLoop(); !errors.Is(err, loop.ErrInvalidState) {
			t.Fatalf("sequence %s of One kept its active loop", seq.Name())
		}
	}
}

func TestSelfLoopKeepsStateAcrossTicks(t *testing.T) {
	g, _ := threeStates(t)
	s, sink := newScheduler(t, g, Options{PreTrigger: 256})
	one := s.Active()
	for i := 0; i < 50; i++ {
		d, err := s.Advance(333)
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if d.Transitioned {
			t.Fatalf("tick %d: transitioned on a self-loop", i)
		}
	}
	if s.Active() != one || !one.Active() {
		t.Fatalf("active state changed")
	}
	// single-loop sequences advance onto the same loop, so nothing is sent
	if len(sink.batches) != 1 {
		t.Fatalf("batches = %d, want only the start batch", len(sink.batches))
	}
}

func TestSequenceAdvanceWithoutReset(t *testing.T) {
	a, b := registered("A", 500), registered("B", 500)
	sus := registered("S", 1000)
	st := buildState(t, "Solo",
		seqDef{"lead", loop.Cyclic(), []*loop.Loop{a, b}},
		seqDef{"sustain", nil, []*loop.Loop{sus}})
	g, err := graph.NewBuilder().AddState(st).FullyConnected().Build("Solo")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	s, sink := newScheduler(t, g, Options{PreTrigger: 100})

	d, err := s.Advance(399)
	if err != nil || len(d.Advanced) != 0 {
		t.Fatalf("early advance: %+v %v", d, err)
	}
	d, err = s.Advance(1)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got := strings.Join(d.Advanced, ","); got != "lead" {
		t.Fatalf("advanced = %s, want lead", got)
	}
	if loopNames(d.ToStop) != "A" || loopNames(d.ToStart) != "B" {
		t.Fatalf("diff stop %s start %s", loopNames(d.ToStop), loopNames(d.ToStart))
	}
	if d.Batch[0].Lead != 1000 {
		t.Fatalf("lead = %d, want the trigger resolution 1000", d.Batch[0].Lead)
	}
	if s.Position() != 400 {
		t.Fatalf("position = %d, want 400", s.Position())
	}

	d, err = s.Advance(500)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got := strings.Join(d.Advanced, ","); got != "lead,sustain" {
		t.Fatalf("advanced = %s, want lead,sustain", got)
	}
	if loopNames(d.ToStop) != "B" || loopNames(d.ToStart) != "A" {
		t.Fatalf("diff stop %s start %s", loopNames(d.ToStop), loopNames(d.ToStart))
	}
	if len(sink.batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(sink.batches))
	}
}

func TestSetDifferenceOverManyTicks(t *testing.T) {
	g, _ := threeStates(t)
	s, sink := newScheduler(t, g, Options{PreTrigger: 128})

	playing := map[string]bool{}
	apply := func(b Batch) {
		for _, c := range b {
			if c.Kind == Stop {
				delete(playing, c.Loop)
			} else {
				playing[c.Loop] = true
			}
		}
	}
	apply(sink.batches[0])

	stims := []graph.Vector{{0, 1, 0}, {0, 0, 1}, {1, 0, 0}, {0.2, 0.5, 0.3}}
	for i := 0; i < 200; i++ {
		if i%9 == 0 {
			if err := s.Graph().SetStimulus(stims[(i/9)%len(stims)]); err != nil {
				t.Fatalf("stimulus: %v", err)
			}
		}
		d, err := s.Advance(211)
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		stop := map[string]bool{}
		for _, l := range d.ToStop {
			stop[l.Name] = true
		}
		for _, l := range d.ToStart {
			if stop[l.Name] {
				t.Fatalf("tick %d: %s both started and stopped", i, l.Name)
			}
		}
		apply(d.Batch)

		cur, err := s.Active().ActiveLoops()
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		want := map[string]bool{}
		for _, l := range cur {
			want[l.Name] = true
		}
		if fmt.Sprint(sortedKeys(playing)) != fmt.Sprint(sortedKeys(want)) {
			t.Fatalf("tick %d: playing %v, active state has %v", i, sortedKeys(playing), sortedKeys(want))
		}
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestFinishedUnknownLoopIsFatal(t *testing.T) {
	g, _ := threeStates(t)
	s, sink := newScheduler(t, g, Options{PreTrigger: 256})
	s.Accumulate(300)
	_, err := s.AdvanceFinished(100, []string{"lead1", "bass1"})
	if !errors.Is(err, loop.ErrConsistency) {
		t.Fatalf("err = %v, want ErrConsistency", err)
	}
	if s.Position() != 0 || len(sink.batches) != 1 {
		t.Fatalf("failed tick changed state: position %d, batches %d", s.Position(), len(sink.batches))
	}
}

func TestFinishedCommitsPendingTransition(t *testing.T) {
	g, _ := threeStates(t)
	s, _ := newScheduler(t, g, Options{PreTrigger: 256})
	if err := s.Graph().SetStimulus(graph.Vector{0, 0, 1}); err != nil {
		t.Fatalf("stimulus: %v", err)
	}
	d, err := s.AdvanceFinished(1000, []string{"lead1"})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !d.Transitioned || d.To != "Three" {
		t.Fatalf("diff = %+v, want transition to Three", d)
	}
	if loopNames(d.ToStop) != "chSustain,lead1" || loopNames(d.ToStart) != "drums1" {
		t.Fatalf("stop %s start %s", loopNames(d.ToStop), loopNames(d.ToStart))
	}

	if err := s.Graph().SetStimulus(graph.Vector{0, 0, 1}); err != nil {
		t.Fatalf("stimulus: %v", err)
	}
	d, err = s.AdvanceFinished(1000, []string{"drums1"})
	if err != nil || d.Transitioned || strings.Join(d.Advanced, ",") != "drums" {
		t.Fatalf("self-loop finish: %+v, %v", d, err)
	}
}

func TestPositionWrapKeepsSchedule(t *testing.T) {
	a, b := registered("A", 700), registered("B", 700)
	build := func() *graph.Graph {
		st := buildState(t, "Solo", seqDef{"lead", loop.Cyclic(), []*loop.Loop{a, b}})
		g, err := graph.NewBuilder().AddState(st).FullyConnected().Build("Solo")
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		return g
	}
	wrapped, ws := newScheduler(t, build(), Options{PreTrigger: 64, MaxPosition: 3000})
	plain, ps := newScheduler(t, build(), Options{PreTrigger: 64})

	for i := 0; i < 100; i++ {
		if _, err := wrapped.Advance(250); err != nil {
			t.Fatalf("wrapped tick %d: %v", i, err)
		}
		if _, err := plain.Advance(250); err != nil {
			t.Fatalf("plain tick %d: %v", i, err)
		}
		if wrapped.Position() > 3000+250 {
			t.Fatalf("tick %d: position %d not wrapped", i, wrapped.Position())
		}
	}
	if len(ws.batches) != len(ps.batches) {
		t.Fatalf("wrapped sent %d batches, plain %d", len(ws.batches), len(ps.batches))
	}
	for i := range ws.batches {
		if ws.batches[i].String() != ps.batches[i].String() {
			t.Fatalf("batch %d differs: %q vs %q", i, ws.batches[i], ps.batches[i])
		}
	}
}

// flakySink records batches unless fail is set.
type flakySink struct {
	recordSink
	fail error
}

func (f *flakySink) Send(b Batch) error {
	if f.fail != nil {
		return f.fail
	}
	return f.recordSink.Send(b)
}

func soloGraph(t *testing.T) *graph.Graph {
	t.Helper()
	st := buildState(t, "Solo",
		seqDef{"lead", loop.Cyclic(), []*loop.Loop{registered("A", 500), registered("B", 500)}},
		seqDef{"sustain", nil, []*loop.Loop{registered("S", 1000)}})
	g, err := graph.NewBuilder().AddState(st).FullyConnected().Build("Solo")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return g
}

func TestSinkErrorUndoesTick(t *testing.T) {
	boom := errors.New("backend gone")
	three := func(t *testing.T) *graph.Graph {
		g, _ := threeStates(t)
		return g
	}
	cases := []struct {
		name   string
		graph  func(*testing.T) *graph.Graph
		margin int
		stim   graph.Vector
		warm   int
		tick   func(*Scheduler) (Diff, error)
		retry  func(*Scheduler) (Diff, error)

		// after the rejected tick
		pending string
		pos     int
		loops   string
		// after the retry
		stop, start string
		active      string
		retryPos    int
	}{
		{
			name: "transition", graph: three, margin: 256, stim: graph.Vector{0, 1, 0}, warm: 500,
			tick:    func(s *Scheduler) (Diff, error) { return s.Advance(500) },
			retry:   func(s *Scheduler) (Diff, error) { return s.Update() },
			pending: "Two", pos: 500, loops: "chSustain,lead1",
			stop: "lead1", start: "bass1", active: "Two", retryPos: 0,
		},
		{
			name: "finished transition", graph: three, margin: 256, stim: graph.Vector{0, 0, 1},
			tick:    func(s *Scheduler) (Diff, error) { return s.AdvanceFinished(1000, []string{"lead1"}) },
			retry:   func(s *Scheduler) (Diff, error) { return s.AdvanceFinished(1000, []string{"lead1"}) },
			pending: "One", pos: 0, loops: "chSustain,lead1",
			stop: "chSustain,lead1", start: "drums1", active: "Three", retryPos: 0,
		},
		{
			name: "sequence advance", graph: soloGraph, margin: 100,
			tick:    func(s *Scheduler) (Diff, error) { return s.Advance(400) },
			retry:   func(s *Scheduler) (Diff, error) { return s.Update() },
			pending: "Solo", pos: 0, loops: "A,S",
			stop: "A", start: "B", active: "Solo", retryPos: 400,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sg, err := graph.New(tc.graph(t))
			if err != nil {
				t.Fatalf("state graph: %v", err)
			}
			sink := &flakySink{}
			s, err := New(sg, sink, Options{PreTrigger: tc.margin})
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			if _, err := s.Start(); err != nil {
				t.Fatalf("start: %v", err)
			}
			if tc.stim != nil {
				if err := sg.SetStimulus(tc.stim); err != nil {
					t.Fatalf("stimulus: %v", err)
				}
			}
			if tc.warm > 0 {
				if d, err := s.Advance(tc.warm); err != nil || !d.Empty() {
					t.Fatalf("warm up: %+v, %v", d, err)
				}
			}
			before := s.Active()

			sink.fail = boom
			if _, err := tc.tick(s); !errors.Is(err, boom) {
				t.Fatalf("err = %v, want sink error", err)
			}
			if s.Active() != before || !before.Active() {
				t.Fatalf("active = %s after rejected tick, want %s", s.Active().Name(), before.Name())
			}
			for _, st := range sg.States() {
				if st != before && st.Active() {
					t.Fatalf("%s left active after rejected tick", st.Name())
				}
			}
			if s.Pending().Name() != tc.pending {
				t.Fatalf("pending = %s, want %s", s.Pending().Name(), tc.pending)
			}
			if s.Position() != tc.pos {
				t.Fatalf("position = %d, want %d", s.Position(), tc.pos)
			}
			cur, err := s.Active().ActiveLoops()
			if err != nil || loopNames(cur) != tc.loops {
				t.Fatalf("loops = %s, %v; want %s", loopNames(cur), err, tc.loops)
			}
			if len(sink.batches) != 1 {
				t.Fatalf("batches = %d, want only the start batch", len(sink.batches))
			}

			sink.fail = nil
			d, err := tc.retry(s)
			if err != nil {
				t.Fatalf("retry: %v", err)
			}
			if loopNames(d.ToStop) != tc.stop || loopNames(d.ToStart) != tc.start {
				t.Fatalf("retry stop %s start %s, want stop %s start %s",
					loopNames(d.ToStop), loopNames(d.ToStart), tc.stop, tc.start)
			}
			if len(sink.batches) != 2 || sink.batches[1].String() != d.Batch.String() {
				t.Fatalf("retried batch not sent: %v", sink.batches)
			}
			if s.Active().Name() != tc.active || s.Position() != tc.retryPos {
				t.Fatalf("after retry: active %s position %d, want %s %d",
					s.Active().Name(), s.Position(), tc.active, tc.retryPos)
			}
		})
	}
}

func TestStartCanRetryAfterSinkError(t *testing.T) {
	g, _ := threeStates(t)
	sg, err := graph.New(g)
	if err != nil {
		t.Fatalf("state graph: %v", err)
	}
	sink := &flakySink{fail: errors.New("device busy")}
	s, err := New(sg, sink, Options{PreTrigger: 256})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := s.Start(); err == nil {
		t.Fatalf("start with failing sink succeeded")
	}
	if sg.Started() || s.Active().Active() {
		t.Fatalf("graph left started after failed start")
	}
	if _, err := s.Update(); !errors.Is(err, loop.ErrInvalidState) {
		t.Fatalf("update after failed start: err = %v, want ErrInvalidState", err)
	}

	sink.fail = nil
	if _, err := s.Start(); err != nil {
		t.Fatalf("retry start: %v", err)
	}
	if len(sink.batches) != 1 || sink.batches[0].String() != "start chSustain lead=0; start lead1 lead=0" {
		t.Fatalf("batches = %v", sink.batches)
	}
}

func TestRestartBeginsAtInitialState(t *testing.T) {
	g, _ := threeStates(t)
	s, sink := newScheduler(t, g, Options{PreTrigger: 256})
	if err := s.Graph().SetStimulus(graph.Vector{0, 1, 0}); err != nil {
		t.Fatalf("stimulus: %v", err)
	}
	if d, err := s.Advance(1000); err != nil || !d.Transitioned {
		t.Fatalf("advance: %+v, %v", d, err)
	}
	if _, err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	d, err := s.Start()
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if d.To != "One" || s.Active().Name() != "One" || s.Position() != 0 {
		t.Fatalf("restart: to %s active %s position %d, want One at 0", d.To, s.Active().Name(), s.Position())
	}
	if got := sink.batches[len(sink.batches)-1].String(); got != "start chSustain lead=0; start lead1 lead=0" {
		t.Fatalf("restart batch = %q", got)
	}
}

func TestNewRequiresRegisteredStates(t *testing.T) {
	seq, _ := loop.NewSequence("s", []*loop.Loop{loop.New("x", "x.wav")}, nil)
	st, _ := loop.NewState("Bare", []*loop.Sequence{seq})
	g, err := graph.NewBuilder().AddState(st).FullyConnected().Build("Bare")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	sg, err := graph.New(g)
	if err != nil {
		t.Fatalf("state graph: %v", err)
	}
	if _, err := New(sg, nil, Options{}); !errors.Is(err, loop.ErrRegistration) {
		t.Fatalf("err = %v, want ErrRegistration", err)
	}
}

func TestUpdateBeforeStart(t *testing.T) {
	g, _ := threeStates(t)
	sg, _ := graph.New(g)
	s, err := New(sg, nil, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := s.Update(); !errors.Is(err, loop.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
	if _, err := s.Advance(-1); !errors.Is(err, loop.ErrInvalidState) {
		t.Fatalf("negative elapsed: err = %v", err)
	}
}

func TestCrossed(t *testing.T) {
	s := &Scheduler{}
	cases := []struct {
		cur, next, first, period, want int
	}{
		{700, 740, 744, 1000, 0},
		{700, 744, 744, 1000, 1},
		{744, 800, 744, 1000, 0},
		{1700, 1800, 744, 1000, 2},
		{0, 10, -156, 100, 0},
		{0, 50, -156, 100, 3},
		{100, 100, 50, 100, 0},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d-%d", tc.cur, tc.next), func(t *testing.T) {
			if got := s.crossed(tc.cur, tc.next, tc.first, tc.period); got != tc.want {
				t.Fatalf("crossed = %d, want %d", got, tc.want)
			}
		})
	}
}
