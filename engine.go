package loopgraph

import (
	"io/fs"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	intaudio "github.com/cbegin/loopgraph-go/internal/audio"
	intclip "github.com/cbegin/loopgraph-go/internal/clip"
	"github.com/cbegin/loopgraph-go/internal/config"
	intfx "github.com/cbegin/loopgraph-go/internal/effects"
	"github.com/cbegin/loopgraph-go/internal/graph"
	"github.com/cbegin/loopgraph-go/internal/input"
	"github.com/cbegin/loopgraph-go/internal/scheduler"
	"github.com/cbegin/loopgraph-go/internal/view"
)

// Event carries state changes and command batches from Watch().
type Event struct {
	Kind  int // EventStateActive, EventStatePending, EventStateInactive or EventBatch
	State string
	Batch scheduler.Batch
}

const (
	EventStateActive int = iota
	EventStatePending
	EventStateInactive
	EventBatch
)

type EngineOption func(*engineConfig)

type engineConfig struct {
	logger    *slog.Logger
	observers []graph.Observer
	sink      scheduler.Sink
	sampleTap func([]float32)
	clipFS    fs.FS
	output    bool
}

func defaultEngineConfig() engineConfig {
	return engineConfig{logger: slog.Default(), output: true}
}

func WithLogger(l *slog.Logger) EngineOption {
	return func(cfg *engineConfig) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// WithObserver adds an observer of state hooks next to the engine's board.
func WithObserver(o graph.Observer) EngineOption {
	return func(cfg *engineConfig) {
		cfg.observers = append(cfg.observers, o)
	}
}

// WithSink sends command batches to s instead of the built-in mixer. No
// audio output is opened and Update has nothing to measure, so the host
// drives the clock with Advance.
func WithSink(s scheduler.Sink) EngineOption {
	return func(cfg *engineConfig) {
		cfg.sink = s
		cfg.output = false
	}
}

// WithSampleTap installs a callback invoked with each mixed stereo buffer.
// The callback runs on the audio thread; keep work brief and non-blocking.
func WithSampleTap(tap func([]float32)) EngineOption {
	return func(cfg *engineConfig) {
		cfg.sampleTap = tap
	}
}

// WithClipFS reads clip files from fsys instead of the asset directory.
func WithClipFS(fsys fs.FS) EngineOption {
	return func(cfg *engineConfig) {
		cfg.clipFS = fsys
	}
}

// WithoutOutput keeps the mixer but never opens an output device. The host
// pulls audio with Process.
func WithoutOutput() EngineOption {
	return func(cfg *engineConfig) {
		cfg.output = false
	}
}

// Engine plays a state graph: it owns the clip registry, the scheduler and
// the mixer, and maps host key presses to stimulus.
type Engine struct {
	mu        sync.Mutex
	setup     *config.Setup
	log       *slog.Logger
	clips     *intclip.Registry
	bus       *intfx.Bus
	mixer     *intaudio.Mixer
	sg        *graph.StateGraph
	sched     *scheduler.Scheduler
	keys      *input.KeyMap
	board     *view.Board
	audio     *intaudio.Player
	output    bool
	sampleTap func([]float32)
	started   bool
	eventCh   chan Event
	eventChMu sync.Mutex
}

// tapSource feeds the output device and hands each buffer to the tap.
type tapSource struct {
	mixer     *intaudio.Mixer
	sampleTap func([]float32)
}

func (s *tapSource) Process(dst []float32) {
	s.mixer.Process(dst)
	if s.sampleTap != nil {
		s.sampleTap(dst)
	}
}

// hooks forwards state hooks to Watch().
type hooks struct{ e *Engine }

func (h hooks) StateActive(name string) {
	h.e.sendEvent(Event{Kind: EventStateActive, State: name})
}

func (h hooks) StatePending(name string) {
	h.e.sendEvent(Event{Kind: EventStatePending, State: name})
}

func (h hooks) StateInactive(name string) {
	h.e.sendEvent(Event{Kind: EventStateInactive, State: name})
}

// NewEngine registers every loop of setup and wires the scheduler to the
// mixer. Nothing plays until Start.
func NewEngine(setup *config.Setup, opts ...EngineOption) (*Engine, error) {
	if setup == nil {
		return nil, errors.New("setup is required")
	}
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	rate := setup.Audio.Freq

	clipOpts := []intclip.Option{intclip.WithLogger(cfg.logger)}
	if cfg.clipFS != nil {
		clipOpts = append(clipOpts, intclip.WithFS(cfg.clipFS))
	} else {
		clipOpts = append(clipOpts, intclip.WithDir(setup.AssetDir))
	}
	clips := intclip.New(rate, setup.Audio.Channels, clipOpts...)
	if err := clips.Bind(setup.States...); err != nil {
		return nil, err
	}

	e := &Engine{
		setup:     setup,
		log:       cfg.logger,
		clips:     clips,
		bus:       intfx.NewBus(rate),
		board:     view.NewBoard(setup.States),
		output:    cfg.output,
		sampleTap: cfg.sampleTap,
	}
	e.mixer = intaudio.NewMixer(clips, intaudio.WithMixerLogger(cfg.logger), intaudio.WithBus(e.bus))

	obs := append(graph.Observers{e.board, hooks{e}}, cfg.observers...)
	sg, err := graph.New(setup.Graph, graph.WithObserver(obs), graph.WithLogger(cfg.logger))
	if err != nil {
		return nil, err
	}
	e.sg = sg

	var sink scheduler.Sink = e.mixer
	if cfg.sink != nil {
		sink = cfg.sink
	}
	sched, err := scheduler.New(sg, scheduler.SinkFunc(func(b scheduler.Batch) error {
		if err := sink.Send(b); err != nil {
			return err
		}
		e.sendEvent(Event{Kind: EventBatch, Batch: b})
		return nil
	}), scheduler.Options{PreTrigger: setup.Audio.Buffer, Logger: cfg.logger})
	if err != nil {
		return nil, err
	}
	e.sched = sched

	keys, err := input.NewKeyMap(setup.Graph, setup.Keys)
	if err != nil {
		return nil, err
	}
	e.keys = keys
	return e, nil
}

// Start plays the initial state and, unless disabled, opens the output.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	if _, err := e.sched.Start(); err != nil {
		return err
	}
	if e.output {
		src := &tapSource{mixer: e.mixer, sampleTap: e.sampleTap}
		backend, err := intaudio.NewPlayer(e.setup.Audio.Freq, e.setup.Audio.Buffer, src)
		if err != nil {
			_, _ = e.sched.Stop()
			return errors.Wrap(err, "open audio output")
		}
		e.audio = backend
		e.audio.Play()
	}
	e.started = true
	return nil
}

// Stop stops every loop and closes the output device.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	_, err := e.sched.Stop()
	a := e.audio
	e.audio = nil
	e.started = false
	e.mu.Unlock()
	if a != nil {
		if cerr := a.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// PlayPause toggles the transport. While paused the scheduler sees no
// elapsed time.
func (e *Engine) PlayPause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mixer.Paused() {
		e.mixer.Resume()
		if e.audio != nil {
			e.audio.Play()
		}
		e.log.Info("resumed")
		return
	}
	e.mixer.Pause()
	if e.audio != nil {
		e.audio.Pause()
	}
	e.log.Info("paused")
}

func (e *Engine) Paused() bool { return e.mixer.Paused() }

// Update feeds the frames the mixer rendered since the last call to the
// scheduler. Hosts call it once per frame or tick.
func (e *Engine) Update() (scheduler.Diff, error) {
	return e.Advance(e.mixer.TakeFrames())
}

// Advance moves the scheduler clock by elapsed samples.
func (e *Engine) Advance(elapsed int) (scheduler.Diff, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return scheduler.Diff{}, nil
	}
	return e.sched.Advance(elapsed)
}

// Process renders the next interleaved stereo buffer. Only for engines
// created WithoutOutput; otherwise the output device pulls the mixer.
func (e *Engine) Process(dst []float32) {
	e.mixer.Process(dst)
	if e.sampleTap != nil {
		e.sampleTap(dst)
	}
}

// SetStimulus replaces the stimulus vector. The next candidate is picked on
// the next scheduler tick.
func (e *Engine) SetStimulus(v graph.Vector) error {
	return e.sg.SetStimulus(v)
}

// Select points the stimulus at a state.
func (e *Engine) Select(state string) error {
	v, ok := e.setup.Graph.TargetVector(state)
	if !ok {
		return errors.Errorf("no edge leads to state %q", state)
	}
	return e.sg.SetStimulus(v)
}

// HandleKey applies a host key press and reports what it did. Quit is left
// to the host.
func (e *Engine) HandleKey(r rune) (input.Action, error) {
	action, v := e.keys.Handle(r)
	switch action {
	case input.Stimulus:
		name, _ := e.keys.State(r)
		e.log.Debug("stimulus", "key", string(r), "state", name)
		return action, e.sg.SetStimulus(v)
	case input.PlayPause:
		e.PlayPause()
	}
	return action, nil
}

func (e *Engine) sendEvent(ev Event) {
	e.eventChMu.Lock()
	ch := e.eventCh
	e.eventChMu.Unlock()
	if ch != nil {
		select {
		case ch <- ev:
		default:
			// Channel full; drop event
		}
	}
}

// Watch returns a channel that receives engine events:
//   - EventStateActive, EventStatePending, EventStateInactive: a state hook fired (State set)
//   - EventBatch: a command batch went to the mixer (Batch set)
//
// The channel is buffered (cap 8); receive in a goroutine to avoid stalling
// the scheduler. Only the most recent Watch() channel receives events.
func (e *Engine) Watch() <-chan Event {
	ch := make(chan Event, 8)
	e.eventChMu.Lock()
	e.eventCh = ch
	e.eventChMu.Unlock()
	return ch
}

// Board returns the per-state display status.
func (e *Engine) Board() *view.Board { return e.board }

// Keys returns the stimulus keys and the state each selects.
func (e *Engine) Keys() *input.KeyMap { return e.keys }

func (e *Engine) Setup() *config.Setup { return e.setup }

// Active returns the name of the playing state.
func (e *Engine) Active() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st := e.sg.Active(); st != nil {
		return st.Name()
	}
	return ""
}

// Pending returns the name of the state queued for the next boundary.
func (e *Engine) Pending() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st := e.sg.Pending(); st != nil {
		return st.Name()
	}
	return ""
}

// Position returns the samples since the last transition.
func (e *Engine) Position() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sched.Position()
}

// Playing returns the loops the mixer is playing, sorted.
func (e *Engine) Playing() []string { return e.mixer.Playing() }

// SetMasterVolume sets runtime volume scalar. 1.0 is default.
func (e *Engine) SetMasterVolume(volume float64) {
	e.mixer.SetVolume(volume)
}

func (e *Engine) MasterVolume() float64 {
	return e.mixer.Volume()
}

// SetEQBand sets the gain for a master EQ band (0-4). 1.0 = unity.
// Band frequencies: 0=<200Hz, 1=200-800Hz, 2=800-2.5kHz, 3=2.5-8kHz, 4=>8kHz.
func (e *Engine) SetEQBand(band int, gain float32) {
	e.bus.EQ().SetGain(band, gain)
}

// EQBand returns the current gain for a master EQ band (0-4).
func (e *Engine) EQBand(band int) float32 {
	return e.bus.EQ().Gain(band)
}

// PlaybackPosition returns the current output position of the audio driver
// in samples. Returns 0 if no output is open.
func (e *Engine) PlaybackPosition() int64 {
	e.mu.Lock()
	a := e.audio
	e.mu.Unlock()
	if a == nil {
		return 0
	}
	return int64(a.Position().Seconds() * float64(e.setup.Audio.Freq))
}
