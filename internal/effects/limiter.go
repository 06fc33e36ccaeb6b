package effects

import "math"

// Limiter keeps the summed mix under a ceiling.
type Limiter struct {
	ceiling float32
	attack  float32
	release float32
	env     float32
}

// NewLimiter returns a limiter with the given ceiling in dBFS (e.g. -1).
// The envelope is linked across both channels so the stereo image holds.
func NewLimiter(sampleRate int, ceilingDB, attackMs, releaseMs float32) *Limiter {
	return &Limiter{
		ceiling: float32(math.Pow(10, float64(ceilingDB)/20)),
		attack:  coefficient(sampleRate, attackMs),
		release: coefficient(sampleRate, releaseMs),
	}
}

func coefficient(sampleRate int, ms float32) float32 {
	if ms <= 0 {
		return 1
	}
	return float32(1.0 - math.Exp(-1.0/(float64(ms)*float64(sampleRate)/1000.0)))
}

func (c *Limiter) Process(l, r float32) (float32, float32) {
	peak := max(abs32(l), abs32(r))
	if peak > c.env {
		c.env += c.attack * (peak - c.env)
	} else {
		c.env += c.release * (peak - c.env)
	}
	g := float32(1)
	if c.env > c.ceiling {
		g = c.ceiling / c.env
	}
	l, r = l*g, r*g
	// whatever the envelope has not caught yet is clipped
	return clamp(l, c.ceiling), clamp(r, c.ceiling)
}

func (c *Limiter) Reset() { c.env = 0 }

func abs32(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}

func clamp(x, limit float32) float32 {
	return min(max(x, -limit), limit)
}
