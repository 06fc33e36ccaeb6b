package scheduler

import (
	"log/slog"
	"maps"
	"math"

	"github.com/cbegin/loopgraph-go/internal/graph"
	"github.com/cbegin/loopgraph-go/internal/loop"
)

// DefaultPreTrigger is one 4096-sample audio buffer.
const DefaultPreTrigger = 4096

type Options struct {
	// PreTrigger is how many samples ahead of a boundary decisions are
	// made, normally one audio buffer.
	PreTrigger int
	// MaxPosition bounds the position counter; it is shifted back once
	// exceeded. Zero means math.MaxInt32.
	MaxPosition int
	Logger      *slog.Logger
}

// Scheduler turns elapsed sample counts into start/stop batches for the
// active state of a StateGraph. It is not safe for concurrent use; call it
// once per tick from the host loop.
//
// Positions count samples since the last state transition. The active state
// may change only when the count crosses a point one margin before a
// multiple of its trigger resolution. Each sequence moves to its next loop
// when its current loop is one margin from its end.
type Scheduler struct {
	sg   *graph.StateGraph
	sink Sink
	opts Options
	log  *slog.Logger

	pos     int
	elapsed int
	// phase is where the active state's loops began, relative to pos.
	phase     int
	loopStart map[string]int // by sequence name
	started   bool
}

func New(sg *graph.StateGraph, sink Sink, opts Options) (*Scheduler, error) {
	if sg == nil {
		return nil, loop.Configf("", "scheduler needs a state graph")
	}
	if opts.PreTrigger <= 0 {
		opts.PreTrigger = DefaultPreTrigger
	}
	if opts.MaxPosition <= 0 {
		opts.MaxPosition = math.MaxInt32
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	for _, st := range sg.States() {
		if st.TriggerResolution() <= 0 {
			return nil, loop.Registrationf(st.Name(), nil, "state has no trigger resolution")
		}
	}
	if sink == nil {
		sink = SinkFunc(func(Batch) error { return nil })
	}
	return &Scheduler{
		sg:        sg,
		sink:      sink,
		opts:      opts,
		log:       opts.Logger,
		loopStart: make(map[string]int),
	}, nil
}

func (s *Scheduler) Graph() *graph.StateGraph { return s.sg }

// Position is the sample count since the last state transition.
func (s *Scheduler) Position() int { return s.pos }

func (s *Scheduler) Pending() *loop.State { return s.sg.Pending() }

func (s *Scheduler) Active() *loop.State { return s.sg.Active() }

func (s *Scheduler) PreTrigger() int { return s.opts.PreTrigger }

// Accumulate adds samples elapsed since the last tick. They are consumed by
// the next Update.
func (s *Scheduler) Accumulate(samples int) {
	if samples < 0 {
		s.log.Warn("ignoring negative sample count", "samples", samples)
		return
	}
	s.elapsed += samples
}

// AccumulateBuffers adds n whole buffers of PreTrigger samples.
func (s *Scheduler) AccumulateBuffers(n int) {
	s.Accumulate(n * s.opts.PreTrigger)
}

// Start activates the initial state and sends a start command for each of
// its loops with no lead. If the sink rejects the batch the graph is closed
// again and Start may be retried.
func (s *Scheduler) Start() (Diff, error) {
	if s.started {
		return Diff{}, loop.InvalidStatef(s.sg.Active().Name(), "scheduler already started")
	}
	if err := s.sg.Start(); err != nil {
		return Diff{}, err
	}
	cur, err := s.sg.Active().ActiveLoops()
	if err != nil {
		s.sg.Close()
		return Diff{}, err
	}
	s.started = true
	s.pos, s.elapsed, s.phase = 0, 0, 0
	s.resetLoopStarts()

	d := Diff{To: s.sg.Active().Name()}
	_, d.ToStart = diffLoops(nil, cur)
	d.Batch = buildBatch(nil, d.ToStart, 0)
	if err := s.sink.Send(d.Batch); err != nil {
		s.sg.Close()
		s.started = false
		return d, err
	}
	s.log.Info("scheduler started", "state", d.To, "loops", len(d.ToStart))
	return d, nil
}

// Stop stops every loop of the active state and deactivates it.
func (s *Scheduler) Stop() (Diff, error) {
	if !s.started {
		return Diff{}, nil
	}
	prev, err := s.sg.Active().ActiveLoops()
	if err != nil {
		return Diff{}, err
	}
	d := Diff{From: s.sg.Active().Name()}
	d.ToStop, _ = diffLoops(prev, nil)
	d.Batch = buildBatch(d.ToStop, nil, 0)
	s.sg.Close()
	s.started = false
	return d, s.sink.Send(d.Batch)
}

// Advance accumulates elapsed samples and reconciles.
func (s *Scheduler) Advance(elapsed int) (Diff, error) {
	if elapsed < 0 {
		return Diff{}, loop.InvalidStatef("", "negative elapsed sample count %d", elapsed)
	}
	s.elapsed += elapsed
	return s.Update()
}

// Update reconciles the samples accumulated since the last tick. A batch is
// sent only when a transition or a sequence advance changed what plays.
//
// A failed tick changes nothing: if the sink rejects the batch, the graph,
// positions and sequences are put back and the samples stay accumulated, so
// the next tick makes the same decision and sends the commands again.
func (s *Scheduler) Update() (Diff, error) {
	if !s.started {
		return Diff{}, loop.InvalidStatef("", "scheduler not started")
	}
	cp := s.checkpoint()
	d, err := s.update()
	if err != nil {
		s.rollback(cp)
	}
	return d, err
}

func (s *Scheduler) update() (Diff, error) {
	cur := s.pos
	next := cur + s.elapsed
	s.elapsed = 0

	active := s.sg.Active()
	cand, err := s.sg.ComputeNextCandidate()
	if err != nil {
		return Diff{}, err
	}
	s.sg.SetPending(cand)

	prev, err := active.ActiveLoops()
	if err != nil {
		return Diff{}, err
	}

	margin := s.opts.PreTrigger
	res := active.TriggerResolution()
	d := Diff{From: active.Name(), To: active.Name()}

	if cand != active {
		if k := s.crossed(cur, next, s.phase+res-margin, res); k > 0 {
			ok, err := s.sg.CommitAdvance()
			if err != nil {
				return Diff{}, err
			}
			if ok {
				boundary := s.phase + k*res
				d.Transitioned, d.To = true, cand.Name()
				s.enter(max(boundary-next, 0))
				return s.emit(d, prev)
			}
		}
	}

	for _, seq := range active.Sequences() {
		advanced, err := s.rollSequence(seq, cur, next, cand == active)
		if err != nil {
			return Diff{}, err
		}
		if advanced {
			d.Advanced = append(d.Advanced, seq.Name())
		}
	}
	s.setPosition(next)
	if len(d.Advanced) == 0 {
		return d, nil
	}
	return s.emit(d, prev)
}

// AdvanceFinished is the event driven form of Advance: finished names the
// loops the backend reports as having just played out. Every name must be
// playing in the active state; otherwise nothing changes and a consistency
// error is returned.
//
// If a transition is pending and a loop as long as the trigger resolution
// finished, the transition is committed. Otherwise the sequences owning the
// finished loops advance. On any error, including a rejected batch, nothing
// changes and the call may be repeated.
func (s *Scheduler) AdvanceFinished(elapsed int, finished []string) (Diff, error) {
	if !s.started {
		return Diff{}, loop.InvalidStatef("", "scheduler not started")
	}
	if elapsed < 0 {
		return Diff{}, loop.InvalidStatef("", "negative elapsed sample count %d", elapsed)
	}
	cp := s.checkpoint()
	d, err := s.advanceFinished(elapsed, finished)
	if err != nil {
		s.rollback(cp)
	}
	return d, err
}

func (s *Scheduler) advanceFinished(elapsed int, finished []string) (Diff, error) {
	active := s.sg.Active()
	var owners []*loop.Sequence
	var lengths []int
	seen := map[string]bool{}
	for _, name := range finished {
		seq, ok := active.SequenceOf(name)
		if !ok {
			return Diff{}, loop.Consistencyf(name, "finished loop is not playing in state %q", active.Name())
		}
		l, err := seq.ActiveLoop()
		if err != nil {
			return Diff{}, err
		}
		lengths = append(lengths, l.SampleLength)
		if !seen[seq.Name()] {
			seen[seq.Name()] = true
			owners = append(owners, seq)
		}
	}

	next := s.pos + s.elapsed + elapsed
	s.elapsed = 0

	cand, err := s.sg.ComputeNextCandidate()
	if err != nil {
		return Diff{}, err
	}
	s.sg.SetPending(cand)

	prev, err := active.ActiveLoops()
	if err != nil {
		return Diff{}, err
	}
	d := Diff{From: active.Name(), To: active.Name()}

	if cand != active {
		res := active.TriggerResolution()
		for _, n := range lengths {
			if n != res {
				continue
			}
			ok, err := s.sg.CommitAdvance()
			if err != nil {
				return Diff{}, err
			}
			if ok {
				d.Transitioned, d.To = true, cand.Name()
				s.enter(0)
				return s.emit(d, prev)
			}
			break
		}
		s.setPosition(next)
		return d, nil
	}

	for _, seq := range owners {
		if _, err := seq.AdvanceActiveLoop(); err != nil {
			return Diff{}, err
		}
		s.loopStart[seq.Name()] = next
		d.Advanced = append(d.Advanced, seq.Name())
	}
	s.setPosition(next)
	if len(d.Advanced) == 0 {
		return d, nil
	}
	return s.emit(d, prev)
}

// checkpoint is everything a tick may change.
type checkpoint struct {
	pos, elapsed, phase int
	loopStart           map[string]int
	graph               graph.Checkpoint
}

func (s *Scheduler) checkpoint() checkpoint {
	return checkpoint{
		pos:       s.pos,
		elapsed:   s.elapsed,
		phase:     s.phase,
		loopStart: maps.Clone(s.loopStart),
		graph:     s.sg.Checkpoint(),
	}
}

func (s *Scheduler) rollback(c checkpoint) {
	s.sg.Rollback(c.graph)
	s.pos, s.elapsed, s.phase = c.pos, c.elapsed, c.phase
	clear(s.loopStart)
	maps.Copy(s.loopStart, c.loopStart)
	s.log.Debug("tick undone", "state", s.sg.Active().Name(), "position", s.pos)
}

// rollSequence moves a sequence's loop start past every loop end crossed in
// (cur, next]. When advance is set the sequence also takes its next loop at
// each crossing; otherwise its current loop keeps repeating.
func (s *Scheduler) rollSequence(seq *loop.Sequence, cur, next int, advance bool) (bool, error) {
	l, err := seq.ActiveLoop()
	if err != nil {
		return false, err
	}
	start, ok := s.loopStart[seq.Name()]
	if !ok {
		start = s.phase
	}
	fired := false
	for l.SampleLength > 0 {
		trig := start + l.SampleLength - s.opts.PreTrigger
		if trig > next {
			break
		}
		if trig > cur {
			fired = true
		}
		start += l.SampleLength
		if advance && trig > cur {
			if l, err = seq.AdvanceActiveLoop(); err != nil {
				return false, err
			}
		}
	}
	s.loopStart[seq.Name()] = start
	return fired && advance, nil
}

// crossed returns the index k >= 1 of the last point first+(k-1)*period that
// lies in (cur, next], or 0 if none does.
func (s *Scheduler) crossed(cur, next, first, period int) int {
	if period <= 0 || next <= cur {
		return 0
	}
	before := floorDiv(cur-first, period)
	after := floorDiv(next-first, period)
	if after < 0 || after == before {
		return 0
	}
	return after + 1
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// enter resets positions after a transition. offset is how many samples
// from now the new state's loops begin.
func (s *Scheduler) enter(offset int) {
	s.pos = 0
	s.phase = offset
	s.resetLoopStarts()
}

func (s *Scheduler) resetLoopStarts() {
	clear(s.loopStart)
	for _, seq := range s.sg.Active().Sequences() {
		s.loopStart[seq.Name()] = s.phase
	}
}

// setPosition stores next, shifting every reference point back by the same
// amount once MaxPosition is exceeded.
func (s *Scheduler) setPosition(next int) {
	s.pos = next
	if next <= s.opts.MaxPosition {
		return
	}
	if res := s.sg.Active().TriggerResolution(); res > 0 {
		s.phase += floorDiv(next-s.phase, res) * res
	}
	shift := s.phase
	for _, start := range s.loopStart {
		shift = min(shift, start)
	}
	shift = min(shift, next)
	s.pos -= shift
	s.phase -= shift
	for name := range s.loopStart {
		s.loopStart[name] -= shift
	}
	s.log.Debug("position wrapped", "shift", shift, "position", s.pos)
}

func (s *Scheduler) emit(d Diff, prev []*loop.Loop) (Diff, error) {
	cur, err := s.sg.Active().ActiveLoops()
	if err != nil {
		return Diff{}, err
	}
	d.ToStop, d.ToStart = diffLoops(prev, cur)
	if d.Empty() {
		return d, nil
	}
	d.Batch = buildBatch(d.ToStop, d.ToStart, s.sg.Active().TriggerResolution())
	if d.Transitioned {
		s.log.Info("state transition", "from", d.From, "to", d.To, "stop", len(d.ToStop), "start", len(d.ToStart))
	} else {
		s.log.Debug("sequence advance", "state", d.To, "sequences", d.Advanced)
	}
	if err := s.sink.Send(d.Batch); err != nil {
		return d, err
	}
	return d, nil
}
