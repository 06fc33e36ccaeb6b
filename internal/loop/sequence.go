package loop

// Sequence is an ordered list of loops with a selection policy. It has an
// active loop only between Activate and Deactivate.
type Sequence struct {
	name      string
	loops     []*Loop
	newPolicy PolicyFactory

	policy Policy
	active *Loop
}

// NewSequence builds a sequence over loops. Duplicate entries are allowed and
// weight the selection. A nil policy means Random(nil).
func NewSequence(name string, loops []*Loop, policy PolicyFactory) (*Sequence, error) {
	if name == "" {
		return nil, Configf("", "sequence name is required")
	}
	if len(loops) == 0 {
		return nil, Configf(name, "sequence needs at least one loop")
	}
	for i, l := range loops {
		if l == nil {
			return nil, Configf(name, "loop %d is nil", i)
		}
	}
	if policy == nil {
		policy = Random(nil)
	}
	return &Sequence{
		name:      name,
		loops:     append([]*Loop(nil), loops...),
		newPolicy: policy,
	}, nil
}

func (s *Sequence) Name() string { return s.name }

// Loops returns the loop list in declaration order.
func (s *Sequence) Loops() []*Loop {
	return append([]*Loop(nil), s.loops...)
}

// Clone returns an inactive copy sharing the loop descriptors but with its
// own policy state.
func (s *Sequence) Clone() *Sequence {
	return &Sequence{
		name:      s.name,
		loops:     append([]*Loop(nil), s.loops...),
		newPolicy: s.newPolicy,
	}
}

func (s *Sequence) Active() bool { return s.active != nil }

// Activate resets the policy and selects the first active loop.
func (s *Sequence) Activate() error {
	if s.active != nil {
		return InvalidStatef(s.name, "sequence already active")
	}
	s.policy = s.newPolicy()
	s.policy.Reset(len(s.loops))
	s.active = s.loops[s.policy.Next()]
	return nil
}

// Deactivate clears the active loop. Safe to call on an inactive sequence.
func (s *Sequence) Deactivate() {
	s.active = nil
	s.policy = nil
}

// ActiveLoop returns the current loop. It is an error to ask an inactive
// sequence.
func (s *Sequence) ActiveLoop() (*Loop, error) {
	if s.active == nil {
		return nil, InvalidStatef(s.name, "sequence is not active")
	}
	return s.active, nil
}

// AdvanceActiveLoop asks the policy for the next loop and makes it active.
func (s *Sequence) AdvanceActiveLoop() (*Loop, error) {
	if s.active == nil {
		return nil, InvalidStatef(s.name, "advancing inactive sequence")
	}
	s.active = s.loops[s.policy.Next()]
	return s.active, nil
}

// Mark is a saved selection: the active loop and the policy position.
type Mark struct {
	active *Loop
	policy Policy
}

// Mark saves the current selection. Restoring it rewinds a cyclic policy;
// draws already taken from a random source stay taken.
func (s *Sequence) Mark() Mark {
	m := Mark{active: s.active, policy: s.policy}
	if c, ok := s.policy.(interface{ clone() Policy }); ok {
		m.policy = c.clone()
	}
	return m
}

// Restore puts back a selection saved by Mark, activating or deactivating
// the sequence as needed.
func (s *Sequence) Restore(m Mark) {
	s.active, s.policy = m.active, m.policy
	if c, ok := m.policy.(interface{ clone() Policy }); ok {
		s.policy = c.clone()
	}
}

func (s *Sequence) String() string { return s.name }
