// Package view tracks how each state node should be drawn.
package view

import (
	"math"
	"sync"

	"github.com/cbegin/loopgraph-go/internal/loop"
)

type Status int

const (
	Off Status = iota
	Pending
	Playing
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Playing:
		return "playing"
	default:
		return "off"
	}
}

// RGBA returns the node colour: red when off, yellow when pending and
// green when playing.
func (s Status) RGBA() (r, g, b, a uint8) {
	switch s {
	case Pending:
		return 0xff, 0xff, 0x00, 0xff
	case Playing:
		return 0x00, 0xff, 0x00, 0xff
	default:
		return 0xff, 0x00, 0x00, 0xff
	}
}

type Node struct {
	Name   string
	Status Status
	X, Y   float64 // unit circle, see Layout
}

// Board records state hooks for drawing. It is safe for use from the
// scheduler and a render goroutine at once.
type Board struct {
	mu     sync.RWMutex
	nodes  []Node
	byName map[string]int
}

// NewBoard lays the states out in the given order.
func NewBoard(states []*loop.State) *Board {
	b := &Board{byName: make(map[string]int, len(states))}
	pts := Layout(len(states))
	for i, st := range states {
		b.nodes = append(b.nodes, Node{Name: st.Name(), X: pts[i][0], Y: pts[i][1]})
		b.byName[st.Name()] = i
	}
	return b
}

func (b *Board) set(name string, s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i, ok := b.byName[name]; ok {
		b.nodes[i].Status = s
	}
}

func (b *Board) StateActive(name string)   { b.set(name, Playing) }
func (b *Board) StatePending(name string)  { b.set(name, Pending) }
func (b *Board) StateInactive(name string) { b.set(name, Off) }

func (b *Board) Status(name string) Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i, ok := b.byName[name]; ok {
		return b.nodes[i].Status
	}
	return Off
}

// Snapshot returns the nodes in layout order.
func (b *Board) Snapshot() []Node {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Node(nil), b.nodes...)
}

// Layout places n points evenly on the unit circle, the first at the top,
// going clockwise in screen coordinates (y grows downward).
func Layout(n int) [][2]float64 {
	out := make([][2]float64, n)
	if n == 0 {
		return out
	}
	step := 2 * math.Pi / float64(n)
	for i := range out {
		th := float64(i)*step - math.Pi/2
		out[i] = [2]float64{math.Cos(th), math.Sin(th)}
	}
	return out
}
