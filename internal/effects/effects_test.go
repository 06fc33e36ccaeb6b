package effects

import (
	"math"
	"testing"
)

func TestEQUnityGain(t *testing.T) {
	eq := NewEQ(44100, DefaultCrossovers)
	if !eq.Flat() {
		t.Fatalf("new EQ is not flat")
	}
	for i := 0; i < 1000; i++ {
		eq.Process(0.5, 0.5)
	}
	l, r := eq.Process(0.5, 0.5)
	if math.Abs(float64(l)-0.5) > 0.01 || math.Abs(float64(r)-0.5) > 0.01 {
		t.Errorf("expected ~0.5 with unity gains, got l=%f r=%f", l, r)
	}
}

func TestEQCutsLowBand(t *testing.T) {
	eq := NewEQ(44100, DefaultCrossovers)
	eq.SetGain(0, 0)
	eq.SetGain(9, 3)
	if eq.Gain(0) != 0 || eq.Gain(9) != 1 {
		t.Fatalf("gains = %v, %v", eq.Gain(0), eq.Gain(9))
	}
	// DC sits entirely in the lowest band
	var l float32
	for i := 0; i < 5000; i++ {
		l, _ = eq.Process(0.5, 0.5)
	}
	if math.Abs(float64(l)) > 0.01 {
		t.Errorf("expected DC removed, got %f", l)
	}
}

func TestLimiterHoldsCeiling(t *testing.T) {
	lim := NewLimiter(44100, -1, 1, 50)
	ceiling := float32(math.Pow(10, -1.0/20))
	for i := 0; i < 2000; i++ {
		l, r := lim.Process(1.8, -1.8)
		if l > ceiling+1e-6 || r < -ceiling-1e-6 {
			t.Fatalf("frame %d over ceiling: %f %f", i, l, r)
		}
	}
	lim.Reset()
	l, _ := lim.Process(0.2, 0.2)
	if math.Abs(float64(l)-0.2) > 1e-6 {
		t.Errorf("quiet input changed: %f", l)
	}
}

func TestBusProcessesInterleaved(t *testing.T) {
	b := NewBus(44100)
	buf := make([]float32, 2048)
	for i := range buf {
		buf[i] = 3
	}
	b.Process(buf)
	for i, v := range buf {
		if v > 1 {
			t.Fatalf("sample %d = %f, want limited", i, v)
		}
	}
}
