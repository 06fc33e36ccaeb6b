// Package effects holds the master stage of the loop mix.
package effects

// Effector processes one stereo frame.
type Effector interface {
	Process(l, r float32) (float32, float32)
	Reset()
}

// Chain applies effects in order.
type Chain struct {
	effects []Effector
}

func NewChain(effects ...Effector) *Chain {
	return &Chain{effects: effects}
}

func (c *Chain) Process(l, r float32) (float32, float32) {
	for _, e := range c.effects {
		l, r = e.Process(l, r)
	}
	return l, r
}

// ProcessBuffer runs the chain over interleaved stereo frames in place.
func (c *Chain) ProcessBuffer(dst []float32) {
	if len(c.effects) == 0 {
		return
	}
	for i := 0; i+1 < len(dst); i += 2 {
		dst[i], dst[i+1] = c.Process(dst[i], dst[i+1])
	}
}

func (c *Chain) Reset() {
	for _, e := range c.effects {
		e.Reset()
	}
}

func (c *Chain) Add(e Effector) {
	c.effects = append(c.effects, e)
}
