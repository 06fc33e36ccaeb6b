package effects

import (
	"math"
	"sync/atomic"
)

// Bands is the number of EQ bands.
const Bands = 5

// DefaultCrossovers split the spectrum at 200Hz, 800Hz, 2.5kHz and 8kHz.
var DefaultCrossovers = [Bands - 1]float64{200, 800, 2500, 8000}

// EQ is a crossover equalizer. Gains are float32 bit patterns so the audio
// goroutine reads them without locking.
type EQ struct {
	gains  [Bands]atomic.Uint32
	alphas [Bands - 1]float32
	lpL    [Bands - 1]float32
	lpR    [Bands - 1]float32
}

func NewEQ(sampleRate int, crossovers [Bands - 1]float64) *EQ {
	eq := &EQ{}
	dt := 1.0 / float64(sampleRate)
	for i, freq := range crossovers {
		rc := 1.0 / (2.0 * math.Pi * freq)
		eq.alphas[i] = float32(dt / (rc + dt))
	}
	for i := range eq.gains {
		eq.gains[i].Store(math.Float32bits(1))
	}
	return eq
}

// SetGain sets a band's linear gain; 1 is unity. Out of range bands are
// ignored.
func (eq *EQ) SetGain(band int, gain float32) {
	if band >= 0 && band < Bands {
		eq.gains[band].Store(math.Float32bits(max(gain, 0)))
	}
}

func (eq *EQ) Gain(band int) float32 {
	if band >= 0 && band < Bands {
		return math.Float32frombits(eq.gains[band].Load())
	}
	return 1
}

// Flat reports whether every band is at unity.
func (eq *EQ) Flat() bool {
	for i := range eq.gains {
		if math.Float32frombits(eq.gains[i].Load()) != 1 {
			return false
		}
	}
	return true
}

func (eq *EQ) Process(l, r float32) (float32, float32) {
	var outL, outR float32
	remL, remR := l, r
	for i := range eq.alphas {
		eq.lpL[i] += eq.alphas[i] * (remL - eq.lpL[i])
		eq.lpR[i] += eq.alphas[i] * (remR - eq.lpR[i])
		g := math.Float32frombits(eq.gains[i].Load())
		outL += eq.lpL[i] * g
		outR += eq.lpR[i] * g
		remL -= eq.lpL[i]
		remR -= eq.lpR[i]
	}
	g := math.Float32frombits(eq.gains[Bands-1].Load())
	return outL + remL*g, outR + remR*g
}

func (eq *EQ) Reset() {
	clear(eq.lpL[:])
	clear(eq.lpR[:])
}
