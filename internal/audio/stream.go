package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	ebitaudio "github.com/hajimehoshi/ebiten/v2/audio"
)

// SampleSource fills interleaved stereo float32 frames.
type SampleSource interface {
	Process(dst []float32)
}

// StreamReader adapts a SampleSource to the little endian float32 byte
// stream ebiten's player reads.
type StreamReader struct {
	mu     sync.Mutex
	source SampleSource
	buf    []float32
}

func NewStreamReader(source SampleSource) *StreamReader {
	return &StreamReader{source: source}
}

func (r *StreamReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	frames := len(p) / 8
	if frames == 0 {
		return 0, nil
	}
	need := frames * 2
	if cap(r.buf) < need {
		r.buf = make([]float32, need)
	}
	r.buf = r.buf[:need]
	r.source.Process(r.buf)
	for i, v := range r.buf {
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(v))
	}
	return frames * 8, nil
}

func (r *StreamReader) Close() error { return nil }

// Player streams a SampleSource to the default output device.
type Player struct {
	player *ebitaudio.Player
	reader io.ReadCloser
}

var (
	audioContextOnce sync.Once
	audioContext     *ebitaudio.Context
	audioSampleRate  int
)

// sharedAudioContext returns the process wide ebiten context; ebiten allows
// only one, at one sample rate.
func sharedAudioContext(sampleRate int) (*ebitaudio.Context, error) {
	audioContextOnce.Do(func() {
		audioSampleRate = sampleRate
		if c := ebitaudio.CurrentContext(); c != nil {
			audioContext = c
			audioSampleRate = c.SampleRate()
			return
		}
		audioContext = ebitaudio.NewContext(sampleRate)
	})
	if audioSampleRate != sampleRate {
		return nil, fmt.Errorf("audio context already initialized at %d Hz (requested %d Hz)", audioSampleRate, sampleRate)
	}
	return audioContext, nil
}

// NewPlayer opens an output stream. bufferFrames sets the device buffer;
// zero keeps ebiten's default.
func NewPlayer(sampleRate, bufferFrames int, source SampleSource) (*Player, error) {
	ctx, err := sharedAudioContext(sampleRate)
	if err != nil {
		return nil, err
	}
	reader := NewStreamReader(source)
	pl, err := ctx.NewPlayerF32(reader)
	if err != nil {
		return nil, err
	}
	if bufferFrames > 0 {
		pl.SetBufferSize(time.Duration(bufferFrames) * time.Second / time.Duration(sampleRate))
	}
	return &Player{player: pl, reader: reader}, nil
}

func (p *Player) Play()  { p.player.Play() }
func (p *Player) Pause() { p.player.Pause() }

func (p *Player) IsPlaying() bool { return p.player.IsPlaying() }

// Position is what the listener hears, behind what has been rendered.
func (p *Player) Position() time.Duration { return p.player.Position() }

func (p *Player) Close() error {
	p.player.Pause()
	if err := p.player.Close(); err != nil {
		return err
	}
	return p.reader.Close()
}
