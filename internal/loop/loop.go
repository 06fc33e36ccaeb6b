package loop

import "math/rand/v2"

const (
	DefaultFadeMS = 5
	DefaultVolume = 1.0
)

// Loop describes one clip. The head is the first pass of the audio, the
// optional tail is what rings out after the loop stops. Identity is Name.
type Loop struct {
	Name     string
	HeadFile string
	TailFile string
	FadeMS   int
	Volume   float64

	// Filled in once the clip is registered with the audio backend.
	SampleLength int // head samples
	TotalLength  int // head + tail samples
}

type Option func(*Loop)

func WithTail(file string) Option {
	return func(l *Loop) { l.TailFile = file }
}

func WithFade(ms int) Option {
	return func(l *Loop) { l.FadeMS = ms }
}

func WithVolume(vol float64) Option {
	return func(l *Loop) { l.Volume = vol }
}

func New(name, headFile string, opts ...Option) *Loop {
	l := &Loop{
		Name:     name,
		HeadFile: headFile,
		FadeMS:   DefaultFadeMS,
		Volume:   DefaultVolume,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.Volume < 0 {
		l.Volume = 0
	}
	return l
}

// Registered reports whether the backend has resolved the clip length.
func (l *Loop) Registered() bool { return l.SampleLength > 0 }

// FadeSamples converts the fade duration to samples at sampleRate.
func (l *Loop) FadeSamples(sampleRate int) int {
	return (sampleRate / 1000) * l.FadeMS
}

func (l *Loop) String() string { return l.Name }

// Policy picks indices into a sequence's loop list.
type Policy interface {
	Reset(n int)
	Next() int
}

// PolicyFactory builds a fresh policy each time a sequence activates.
type PolicyFactory func() Policy

type cyclic struct {
	n, i int
}

func (c *cyclic) Reset(n int) { c.n, c.i = n, 0 }

func (c *cyclic) Next() int {
	idx := c.i
	c.i = (c.i + 1) % c.n
	return idx
}

func (c *cyclic) clone() Policy {
	cp := *c
	return &cp
}

// Cyclic walks the list in order and wraps around.
func Cyclic() PolicyFactory {
	return func() Policy { return &cyclic{} }
}

type random struct {
	src *rand.Rand
	n   int
}

func (r *random) Reset(n int) { r.n = n }

func (r *random) Next() int {
	if r.src == nil {
		return rand.IntN(r.n)
	}
	return r.src.IntN(r.n)
}

// Random picks uniformly with replacement. A nil src uses the global source.
func Random(src *rand.Rand) PolicyFactory {
	return func() Policy { return &random{src: src} }
}

// PolicyByName maps the names used in graph definitions to factories.
func PolicyByName(name string, src *rand.Rand) (PolicyFactory, bool) {
	switch name {
	case "cyclic", "cycle":
		return Cyclic(), true
	case "", "random":
		return Random(src), true
	}
	return nil, false
}
