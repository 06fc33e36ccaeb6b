package effects

// Bus is the master stage: an EQ followed by a limiter.
type Bus struct {
	eq    *EQ
	chain *Chain
}

func NewBus(sampleRate int) *Bus {
	eq := NewEQ(sampleRate, DefaultCrossovers)
	return &Bus{
		eq:    eq,
		chain: NewChain(eq, NewLimiter(sampleRate, -1, 1, 80)),
	}
}

func (b *Bus) EQ() *EQ { return b.eq }

// Process filters interleaved stereo frames in place.
func (b *Bus) Process(dst []float32) { b.chain.ProcessBuffer(dst) }

func (b *Bus) Reset() { b.chain.Reset() }
