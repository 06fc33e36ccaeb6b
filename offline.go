package loopgraph

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/cbegin/loopgraph-go/internal/config"
)

// Cue points the stimulus at a state once the render reaches At seconds.
type Cue struct {
	At    float64
	State string
}

// RenderOffline plays setup for the given duration without an output device
// and returns interleaved stereo samples. Audio is rendered one buffer at a
// time and the scheduler is advanced after each, as the output device would
// drive it. Cues take effect on the first buffer at or after their time.
func RenderOffline(setup *config.Setup, seconds float64, cues []Cue, opts ...EngineOption) ([]float32, error) {
	opts = append(append([]EngineOption(nil), opts...), WithoutOutput())
	e, err := NewEngine(setup, opts...)
	if err != nil {
		return nil, err
	}
	cues = append([]Cue(nil), cues...)
	sort.SliceStable(cues, func(i, j int) bool { return cues[i].At < cues[j].At })

	rate, buf := setup.Audio.Freq, setup.Audio.Buffer
	frames := int(float64(rate) * seconds)
	out := make([]float32, frames*2)
	if err := e.Start(); err != nil {
		return nil, err
	}
	next := 0
	for done := 0; done < frames; {
		for next < len(cues) && int(cues[next].At*float64(rate)) <= done {
			if err := e.Select(cues[next].State); err != nil {
				return nil, err
			}
			next++
		}
		n := min(buf, frames-done)
		e.Process(out[done*2 : (done+n)*2])
		if _, err := e.Update(); err != nil {
			return nil, err
		}
		done += n
	}
	return out, e.Stop()
}

func EncodeWAVFloat32LE(samples []float32, sampleRate int, channels int) []byte {
	dataSize := len(samples) * 4
	byteRate := sampleRate * channels * 4
	blockAlign := channels * 4
	chunkSize := 36 + dataSize
	out := make([]byte, 44+dataSize)
	copy(out[0:], []byte("RIFF"))
	binary.LittleEndian.PutUint32(out[4:], uint32(chunkSize))
	copy(out[8:], []byte("WAVE"))
	copy(out[12:], []byte("fmt "))
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 3)
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], 32)
	copy(out[36:], []byte("data"))
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[44+i*4:], math.Float32bits(s))
	}
	return out
}
