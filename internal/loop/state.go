package loop

import (
	"log/slog"
	"sort"
)

// State is a named bundle of sequences that play together. It is a node of
// the state graph and exclusively owns its sequences.
type State struct {
	name      string
	sequences map[string]*Sequence
	order     []string // sequence names, sorted

	active     bool
	triggerRes int
	log        *slog.Logger
}

// NewState builds a state. Sequence names must be unique within the state.
// Sequences must not be shared with other states; use Sequence.Clone.
func NewState(name string, seqs []*Sequence) (*State, error) {
	if name == "" {
		return nil, Configf("", "state name is required")
	}
	if len(seqs) == 0 {
		return nil, Configf(name, "state needs at least one sequence")
	}
	s := &State{
		name:      name,
		sequences: make(map[string]*Sequence, len(seqs)),
		log:       slog.Default(),
	}
	for _, seq := range seqs {
		if seq == nil {
			return nil, Configf(name, "nil sequence")
		}
		if _, dup := s.sequences[seq.Name()]; dup {
			return nil, Configf(name, "duplicate sequence %q", seq.Name())
		}
		s.sequences[seq.Name()] = seq
		s.order = append(s.order, seq.Name())
	}
	sort.Strings(s.order)
	return s, nil
}

func (s *State) Name() string   { return s.name }
func (s *State) String() string { return s.name }
func (s *State) Active() bool   { return s.active }

// SetLogger replaces the logger used for activation messages.
func (s *State) SetLogger(l *slog.Logger) {
	if l != nil {
		s.log = l
	}
}

// Sequences returns the owned sequences ordered by name.
func (s *State) Sequences() []*Sequence {
	out := make([]*Sequence, 0, len(s.order))
	for _, n := range s.order {
		out = append(out, s.sequences[n])
	}
	return out
}

// Sequence looks up an owned sequence.
func (s *State) Sequence(name string) (*Sequence, bool) {
	seq, ok := s.sequences[name]
	return seq, ok
}

// Loops returns every loop reachable from the state, duplicates removed,
// in sequence order.
func (s *State) Loops() []*Loop {
	seen := make(map[string]bool)
	var out []*Loop
	for _, seq := range s.Sequences() {
		for _, l := range seq.loops {
			if seen[l.Name] {
				continue
			}
			seen[l.Name] = true
			out = append(out, l)
		}
	}
	return out
}

// Activate activates every sequence. If one fails the ones already
// activated are deactivated before the error is returned.
func (s *State) Activate(prev *State) error {
	if s.active {
		return InvalidStatef(s.name, "state already active")
	}
	done := make([]*Sequence, 0, len(s.order))
	for _, seq := range s.Sequences() {
		if err := seq.Activate(); err != nil {
			for _, d := range done {
				d.Deactivate()
			}
			return err
		}
		done = append(done, seq)
	}
	s.active = true
	if prev == nil {
		s.log.Info("entering state", "state", s.name)
	} else {
		s.log.Info("changing state", "from", prev.name, "to", s.name)
	}
	return nil
}

// Deactivate deactivates every sequence. It never fails; a state that was
// not active is logged and left alone.
func (s *State) Deactivate() {
	if !s.active {
		s.log.Debug("deactivating inactive state", "state", s.name)
	}
	for _, seq := range s.Sequences() {
		seq.Deactivate()
	}
	s.active = false
}

// StateMark is a saved activation of a state and its sequences.
type StateMark struct {
	active bool
	seqs   map[string]Mark
}

// Mark saves whether the state is active and what each sequence selected.
func (s *State) Mark() StateMark {
	m := StateMark{active: s.active, seqs: make(map[string]Mark, len(s.order))}
	for name, seq := range s.sequences {
		m.seqs[name] = seq.Mark()
	}
	return m
}

// Restore puts back an activation saved by Mark without selecting loops
// again.
func (s *State) Restore(m StateMark) {
	for name, seq := range s.sequences {
		seq.Restore(m.seqs[name])
	}
	s.active = m.active
}

// ActiveLoops returns a snapshot of the loop each sequence is playing, in
// sequence name order.
func (s *State) ActiveLoops() ([]*Loop, error) {
	if !s.active {
		return nil, InvalidStatef(s.name, "active loops of inactive state")
	}
	out := make([]*Loop, 0, len(s.order))
	for _, seq := range s.Sequences() {
		l, err := seq.ActiveLoop()
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// Advance moves one sequence to its next loop.
func (s *State) Advance(seqName string) (*Loop, error) {
	if !s.active {
		return nil, InvalidStatef(s.name, "advancing inactive state")
	}
	seq, ok := s.sequences[seqName]
	if !ok {
		return nil, InvalidStatef(s.name, "no sequence %q", seqName)
	}
	return seq.AdvanceActiveLoop()
}

// AdvanceAll moves every sequence to its next loop.
func (s *State) AdvanceAll() error {
	if !s.active {
		return InvalidStatef(s.name, "advancing inactive state")
	}
	for _, seq := range s.Sequences() {
		if _, err := seq.AdvanceActiveLoop(); err != nil {
			return err
		}
	}
	return nil
}

// SequenceOf returns the sequence whose active loop is named loopName.
func (s *State) SequenceOf(loopName string) (*Sequence, bool) {
	if !s.active {
		return nil, false
	}
	for _, seq := range s.Sequences() {
		if seq.active != nil && seq.active.Name == loopName {
			return seq, true
		}
	}
	return nil, false
}

// ComputeTriggerResolution sets the trigger resolution to the longest head
// among all loops of the state. Every loop must be registered.
func (s *State) ComputeTriggerResolution() error {
	res := 0
	for _, l := range s.Loops() {
		if !l.Registered() {
			return Registrationf(l.Name, nil, "loop of state %q has no sample length", s.name)
		}
		if l.SampleLength > res {
			res = l.SampleLength
		}
	}
	s.triggerRes = res
	return nil
}

// TriggerResolution is zero until ComputeTriggerResolution succeeds.
func (s *State) TriggerResolution() int { return s.triggerRes }
