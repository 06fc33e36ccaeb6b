package audio

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cbegin/loopgraph-go/internal/clip"
	"github.com/cbegin/loopgraph-go/internal/effects"
	"github.com/cbegin/loopgraph-go/internal/loop"
	"github.com/cbegin/loopgraph-go/internal/scheduler"
)

// ClipSource looks up decoded clips by loop name.
type ClipSource interface {
	Clip(name string) (*clip.Clip, bool)
}

type voiceState int

const (
	voicePending voiceState = iota
	voiceStarting
	voiceLooping
	voiceStopping
	voiceTail
	voiceStopped
)

var voiceStateNames = [...]string{"pending", "starting", "looping", "stopping", "tail", "stopped"}

func (s voiceState) String() string { return voiceStateNames[s] }

type voice struct {
	clip   *clip.Clip
	state  voiceState
	lead   int
	gain   float32
	cursor int // head position
	ramp   int // fade progress
	tail   int // tail position
}

func aligned(pos int64, lead int) bool {
	return lead <= 0 || pos%int64(lead) == 0
}

// next renders one frame at global position pos and moves the state machine.
func (v *voice) next(pos int64) (float32, float32) {
	if v.state == voicePending {
		if !aligned(pos, v.lead) {
			return 0, 0
		}
		v.state, v.cursor, v.ramp = voiceStarting, 0, 0
	}
	if v.state == voiceStopping && aligned(pos, v.lead) {
		v.state, v.ramp, v.tail = voiceTail, 0, 0
	}

	head := v.clip.Head
	fade := v.clip.Fade
	var g float32 = 1
	switch v.state {
	case voiceStarting:
		if v.ramp >= fade {
			v.state = voiceLooping
		} else {
			g = float32(v.ramp) / float32(fade)
			v.ramp++
		}
	case voiceTail:
		if v.ramp >= fade {
			g = 0
		} else {
			g = 1 - float32(v.ramp)/float32(fade)
			v.ramp++
		}
	case voiceStopped:
		return 0, 0
	}

	var l, r float32
	if g > 0 {
		s := head[v.cursor]
		l, r = s[0]*g, s[1]*g
		v.cursor++
		if v.cursor >= len(head) {
			v.cursor = 0
		}
	}
	if v.state == voiceTail {
		if v.tail < len(v.clip.Tail) {
			s := v.clip.Tail[v.tail]
			l, r = l+s[0], r+s[1]
			v.tail++
		}
		if v.ramp >= fade && v.tail >= len(v.clip.Tail) {
			v.state = voiceStopped
		}
	}
	return l * v.gain, r * v.gain
}

// Mixer plays loops as commanded by the scheduler. Send may be called from
// any goroutine; Process runs on the audio goroutine and applies queued
// commands at the start of each buffer.
//
// A started loop waits for the global position to reach a multiple of the
// command's lead, fades in and repeats its head. A stopped loop keeps
// playing to the next lead boundary, then fades its head out while its tail
// plays.
type Mixer struct {
	clips ClipSource
	log   *slog.Logger
	bus   *effects.Bus

	mu    sync.Mutex
	queue scheduler.Batch

	// audio goroutine only
	pos    int64
	voices []*voice
	live   map[string]*voice

	frames atomic.Int64
	paused atomic.Bool
	volume atomic.Uint32

	snapMu sync.Mutex
	snap   []string
}

type MixerOption func(*Mixer)

func WithMixerLogger(l *slog.Logger) MixerOption {
	return func(m *Mixer) {
		if l != nil {
			m.log = l
		}
	}
}

// WithBus routes the mix through a master bus.
func WithBus(b *effects.Bus) MixerOption {
	return func(m *Mixer) { m.bus = b }
}

func NewMixer(clips ClipSource, opts ...MixerOption) *Mixer {
	m := &Mixer{
		clips: clips,
		log:   slog.Default(),
		live:  make(map[string]*voice),
	}
	m.volume.Store(math.Float32bits(1))
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Send queues a batch. Every loop must have a registered clip.
func (m *Mixer) Send(b scheduler.Batch) error {
	for _, c := range b {
		if _, ok := m.clips.Clip(c.Loop); !ok {
			return loop.Registrationf(c.Loop, nil, "no clip for %s command", c.Kind)
		}
	}
	m.mu.Lock()
	m.queue = append(m.queue, b...)
	m.mu.Unlock()
	return nil
}

func (m *Mixer) SetVolume(v float64) {
	m.volume.Store(math.Float32bits(float32(max(v, 0))))
}

func (m *Mixer) Volume() float64 {
	return float64(math.Float32frombits(m.volume.Load()))
}

// Pause silences output. Paused buffers do not advance the position and are
// not counted by TakeFrames.
func (m *Mixer) Pause()  { m.paused.Store(true) }
func (m *Mixer) Resume() { m.paused.Store(false) }

func (m *Mixer) Paused() bool { return m.paused.Load() }

// TakeFrames returns the frames rendered since the previous call.
func (m *Mixer) TakeFrames() int {
	return int(m.frames.Swap(0))
}

// Playing returns the loops started and not stopped as of the last buffer,
// sorted.
func (m *Mixer) Playing() []string {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	return append([]string(nil), m.snap...)
}

func (m *Mixer) apply(c scheduler.Command) {
	v := m.live[c.Loop]
	switch c.Kind {
	case scheduler.Start:
		if v != nil {
			switch v.state {
			case voiceStopping:
				v.state = voiceLooping
				return
			case voicePending, voiceStarting, voiceLooping:
				return
			}
		}
		cl, ok := m.clips.Clip(c.Loop)
		if !ok {
			m.log.Error("start of unknown clip", "loop", c.Loop)
			return
		}
		// a voice already ringing out keeps playing alongside the new one
		nv := &voice{clip: cl, state: voicePending, lead: c.Lead, gain: float32(c.Volume)}
		m.live[c.Loop] = nv
		m.voices = append(m.voices, nv)
	case scheduler.Stop:
		if v == nil {
			return
		}
		switch v.state {
		case voicePending:
			v.state = voiceStopped
			delete(m.live, c.Loop)
		case voiceStarting, voiceLooping:
			v.state, v.lead = voiceStopping, c.Lead
		}
	}
}

// Process renders interleaved stereo frames into dst.
func (m *Mixer) Process(dst []float32) {
	clear(dst)
	if m.paused.Load() {
		return
	}
	m.mu.Lock()
	queue := m.queue
	m.queue = nil
	m.mu.Unlock()
	for _, c := range queue {
		m.apply(c)
	}

	frames := len(dst) / 2
	for i := 0; i < frames; i++ {
		var l, r float32
		for _, v := range m.voices {
			vl, vr := v.next(m.pos)
			l += vl
			r += vr
		}
		dst[i*2], dst[i*2+1] = l, r
		m.pos++
	}

	kept := m.voices[:0]
	for _, v := range m.voices {
		if v.state != voiceStopped {
			kept = append(kept, v)
		}
	}
	clear(m.voices[len(kept):])
	m.voices = kept
	for name, v := range m.live {
		if v.state == voiceTail || v.state == voiceStopped {
			delete(m.live, name)
		}
	}

	vol := math.Float32frombits(m.volume.Load())
	if vol != 1 {
		for i := range dst {
			dst[i] *= vol
		}
	}
	if m.bus != nil {
		m.bus.Process(dst)
	}
	m.frames.Add(int64(frames))
	m.publish()
}

func (m *Mixer) publish() {
	names := make([]string, 0, len(m.live))
	for n, v := range m.live {
		if v.state != voiceStopping {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	m.snapMu.Lock()
	m.snap = names
	m.snapMu.Unlock()
}
