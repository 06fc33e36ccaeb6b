// Package clip loads loop audio into memory and resolves sample lengths.
package clip

import (
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/cbegin/loopgraph-go/internal/loop"
	"github.com/pkg/errors"
)

// Clip is a decoded loop: a head that repeats while the loop plays and an
// optional tail that rings out after it stops. Frames are stereo.
type Clip struct {
	Name   string
	Head   [][2]float32
	Tail   [][2]float32
	Fade   int // samples
	Volume float64
}

func (c *Clip) Len() int { return len(c.Head) }

// Registrar is the setup-time contract between the scheduler's loops and an
// audio backend.
type Registrar interface {
	RegisterLoop(name, head, tail string, fadeSamples int, volume float64) error
	SampleLength(name string, includeTail bool) (int, error)
}

// Registry decodes clip files and keeps them by loop name.
type Registry struct {
	rate     int
	channels int
	fsys     fs.FS
	log      *slog.Logger

	mu    sync.RWMutex
	clips map[string]*Clip
}

type Option func(*Registry)

// WithFS reads clip files from fsys instead of the working directory.
func WithFS(fsys fs.FS) Option {
	return func(r *Registry) { r.fsys = fsys }
}

// WithDir reads clip files relative to dir.
func WithDir(dir string) Option {
	return func(r *Registry) { r.fsys = os.DirFS(dir) }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// New returns a registry producing clips at rate. With one channel every
// clip is folded to mono, carried on both sides.
func New(rate, channels int, opts ...Option) *Registry {
	r := &Registry{
		rate:     rate,
		channels: channels,
		fsys:     os.DirFS("."),
		log:      slog.Default(),
		clips:    make(map[string]*Clip),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) SampleRate() int { return r.rate }

// RegisterLoop decodes head and tail. Registering a name twice is a no-op.
// A tail that cannot be opened is skipped; a head that cannot be decoded is
// a registration error.
func (r *Registry) RegisterLoop(name, head, tail string, fadeSamples int, volume float64) error {
	if r.has(name) {
		return nil
	}
	h, err := r.load(head)
	if err != nil {
		return loop.Registrationf(name, err, "loading head")
	}
	if len(h) == 0 {
		return loop.Registrationf(name, nil, "head %s is empty", head)
	}
	var t [][2]float32
	if tail != "" {
		if t, err = r.load(tail); err != nil {
			r.log.Warn("skipping tail", "loop", name, "file", tail, "err", err)
			t = nil
		}
	}
	return r.RegisterBuffer(name, h, t, fadeSamples, volume)
}

// RegisterBuffer registers already decoded frames.
func (r *Registry) RegisterBuffer(name string, head, tail [][2]float32, fadeSamples int, volume float64) error {
	if name == "" || len(head) == 0 {
		return loop.Registrationf(name, nil, "clip needs a name and a non-empty head")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clips[name]; ok {
		return nil
	}
	if fadeSamples < 0 {
		fadeSamples = 0
	}
	r.clips[name] = &Clip{Name: name, Head: head, Tail: tail, Fade: min(fadeSamples, len(head)), Volume: volume}
	r.log.Debug("registered clip", "loop", name, "head", len(head), "tail", len(tail))
	return nil
}

func (r *Registry) has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clips[name]
	return ok
}

func (r *Registry) load(path string) ([][2]float32, error) {
	f, err := r.fsys.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()
	buf, err := decode(f, path, r.rate)
	if err != nil {
		return nil, err
	}
	out := make([][2]float32, len(buf))
	for i, fr := range buf {
		if r.channels == 1 {
			m := float32((fr[0] + fr[1]) / 2)
			out[i] = [2]float32{m, m}
			continue
		}
		out[i] = [2]float32{float32(fr[0]), float32(fr[1])}
	}
	return out, nil
}

// SampleLength returns the head length, plus the tail when includeTail is set.
func (r *Registry) SampleLength(name string, includeTail bool) (int, error) {
	c, ok := r.Clip(name)
	if !ok {
		return 0, loop.Registrationf(name, nil, "clip not registered")
	}
	if includeTail {
		return len(c.Head) + len(c.Tail), nil
	}
	return len(c.Head), nil
}

func (r *Registry) Clip(name string) (*Clip, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clips[name]
	return c, ok
}

// Names returns the registered clip names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clips))
	for n := range r.clips {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Bind registers every loop of the given states with reg, stores the
// resolved lengths on the loops and computes each state's trigger
// resolution.
func Bind(reg Registrar, sampleRate int, states ...*loop.State) error {
	for _, st := range states {
		for _, l := range st.Loops() {
			if err := reg.RegisterLoop(l.Name, l.HeadFile, l.TailFile, l.FadeSamples(sampleRate), l.Volume); err != nil {
				return err
			}
			n, err := reg.SampleLength(l.Name, false)
			if err != nil {
				return err
			}
			total, err := reg.SampleLength(l.Name, true)
			if err != nil {
				return err
			}
			l.SampleLength, l.TotalLength = n, total
		}
		if err := st.ComputeTriggerResolution(); err != nil {
			return err
		}
	}
	return nil
}

// Bind registers the loops of states with r. See the Bind function.
func (r *Registry) Bind(states ...*loop.State) error {
	return Bind(r, r.rate, states...)
}
