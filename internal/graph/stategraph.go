package graph

import (
	"log/slog"
	"sync"

	"github.com/cbegin/loopgraph-go/internal/loop"
)

// StateGraph walks a Graph. It owns exactly one active state once started
// and a pending candidate that becomes active on the next CommitAdvance.
//
// Only the stimulus may be written from other goroutines; everything else
// belongs to the scheduler's goroutine.
type StateGraph struct {
	g *Graph

	mu   sync.Mutex
	stim Vector

	active  *loop.State
	pending *loop.State
	started bool

	obs Observer
	log *slog.Logger
}

type Option func(*StateGraph)

func WithObserver(o Observer) Option {
	return func(sg *StateGraph) {
		if o != nil {
			sg.obs = o
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(sg *StateGraph) {
		if l != nil {
			sg.log = l
		}
	}
}

// WithStimulus sets the starting stimulus instead of the vector that
// points at the initial state.
func WithStimulus(v Vector) Option {
	return func(sg *StateGraph) { sg.stim = v.Clone() }
}

func New(g *Graph, opts ...Option) (*StateGraph, error) {
	if g == nil || g.initial == nil {
		return nil, loop.Configf("", "graph has no initial state")
	}
	sg := &StateGraph{
		g:       g,
		active:  g.initial,
		pending: g.initial,
		obs:     NopObserver{},
		log:     slog.Default(),
	}
	if v, ok := g.TargetVector(g.initial.Name()); ok {
		sg.stim = v
	} else {
		sg.stim = make(Vector, g.dim)
	}
	for _, opt := range opts {
		opt(sg)
	}
	if len(sg.stim) != g.dim {
		return nil, loop.Configf("", "stimulus has dimension %d, want %d", len(sg.stim), g.dim)
	}
	return sg, nil
}

func (sg *StateGraph) Graph() *Graph { return sg.g }

func (sg *StateGraph) Dim() int { return sg.g.dim }

func (sg *StateGraph) States() []*loop.State { return sg.g.States() }

func (sg *StateGraph) Active() *loop.State { return sg.active }

func (sg *StateGraph) Pending() *loop.State { return sg.pending }

func (sg *StateGraph) Started() bool { return sg.started }

// Start activates the initial state.
func (sg *StateGraph) Start() error {
	if sg.started {
		return loop.InvalidStatef(sg.active.Name(), "state graph already started")
	}
	if err := sg.active.Activate(nil); err != nil {
		return err
	}
	sg.started = true
	sg.obs.StateActive(sg.active.Name())
	return nil
}

// Close deactivates the active state and rewinds to the initial state, so
// the next Start begins there again. The stimulus is kept.
func (sg *StateGraph) Close() {
	if !sg.started {
		return
	}
	if sg.pending != sg.active {
		sg.obs.StateInactive(sg.pending.Name())
	}
	sg.active.Deactivate()
	sg.started = false
	sg.obs.StateInactive(sg.active.Name())
	sg.active, sg.pending = sg.g.initial, sg.g.initial
}

// Checkpoint is a saved position in the walk: the active and pending states
// and the selection of every active sequence.
type Checkpoint struct {
	active, pending *loop.State
	mark            loop.StateMark
}

// Checkpoint saves the walk so that a tick can be undone with Rollback.
func (sg *StateGraph) Checkpoint() Checkpoint {
	return Checkpoint{active: sg.active, pending: sg.pending, mark: sg.active.Mark()}
}

// Rollback returns to c. If a transition was committed since, the new state
// is deactivated and the old one restored with the loops it was playing;
// hooks fire as they would for a transition back.
func (sg *StateGraph) Rollback(c Checkpoint) {
	if c.active == nil {
		return
	}
	cur := sg.active
	if cur == c.active {
		cur.Restore(c.mark)
		sg.SetPending(c.pending)
		return
	}
	cur.Deactivate()
	c.active.Restore(c.mark)
	sg.active = c.active
	sg.obs.StateInactive(cur.Name())
	sg.obs.StateActive(c.active.Name())
	// cur was pending as well and has just gone inactive
	sg.pending = c.pending
	if c.pending != c.active {
		sg.obs.StatePending(c.pending.Name())
	}
	sg.log.Debug("transition undone", "from", cur.Name(), "to", c.active.Name())
}

// SetStimulus replaces the stimulus. The last write before a tick wins.
func (sg *StateGraph) SetStimulus(v Vector) error {
	if len(v) != sg.g.dim {
		return loop.Configf("", "stimulus has dimension %d, want %d", len(v), sg.g.dim)
	}
	v = v.Clone()
	sg.mu.Lock()
	sg.stim = v
	sg.mu.Unlock()
	return nil
}

func (sg *StateGraph) Stimulus() Vector {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	return sg.stim.Clone()
}

// ComputeNextCandidate returns the target of the outgoing edge of the active
// state whose vector has the largest dot product with the stimulus. Ties go
// to the first edge in target name order. A state without outgoing edges is
// its own candidate.
func (sg *StateGraph) ComputeNextCandidate() (*loop.State, error) {
	stim := sg.Stimulus()
	var (
		best  *loop.State
		score float64
	)
	for _, e := range sg.g.out[sg.active] {
		d, err := Dot(stim, e.Vec)
		if err != nil {
			return nil, err
		}
		if best == nil || d > score {
			best, score = e.To, d
		}
	}
	if best == nil {
		return sg.active, nil
	}
	return best, nil
}

// SetPending records c as the next state and reports whether it changed.
// Hooks fire only on change: the old pending state goes inactive unless it
// is the active one, the new one goes pending unless it is the active one.
func (sg *StateGraph) SetPending(c *loop.State) bool {
	if c == nil || c == sg.pending {
		return false
	}
	old := sg.pending
	sg.pending = c
	if old != sg.active {
		sg.obs.StateInactive(old.Name())
	}
	if c != sg.active {
		sg.obs.StatePending(c.Name())
	}
	sg.log.Debug("pending state", "from", old.Name(), "to", c.Name())
	return true
}

// CommitAdvance makes the pending state active. A self-loop is a no-op. If
// the pending state fails to activate, the previous state is restored with
// the loops it was playing and no hooks fire.
func (sg *StateGraph) CommitAdvance() (bool, error) {
	if !sg.started {
		return false, loop.InvalidStatef(sg.active.Name(), "state graph not started")
	}
	if sg.pending == sg.active {
		return false, nil
	}
	prev, next := sg.active, sg.pending
	mark := prev.Mark()
	prev.Deactivate()
	if err := next.Activate(prev); err != nil {
		prev.Restore(mark)
		return false, err
	}
	sg.active = next
	sg.obs.StateInactive(prev.Name())
	sg.obs.StateActive(next.Name())
	return true, nil
}
