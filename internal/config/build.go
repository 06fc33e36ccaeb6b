package config

import (
	"hash/fnv"
	"math/rand/v2"
	"unicode/utf8"

	"github.com/cbegin/loopgraph-go/internal/graph"
	"github.com/cbegin/loopgraph-go/internal/loop"
)

// Setup is a built definition: the loops, the states in declaration order
// and the graph over them. Loops are not registered yet.
type Setup struct {
	Audio    AudioSpec
	AssetDir string
	Graph    *graph.Graph
	States   []*loop.State
	Loops    map[string]*loop.Loop
	Keys     map[rune]string // key to state name
}

// Build validates a definition and constructs the model. Each state gets
// its own instance of every sequence it lists, so selection state is never
// shared; the loop descriptors are shared.
func Build(def *Definition) (*Setup, error) {
	if err := def.Audio.Validate(); err != nil {
		return nil, err
	}
	dir, err := def.AssetDir()
	if err != nil {
		return nil, err
	}
	s := &Setup{
		Audio:    def.Audio,
		AssetDir: dir,
		Loops:    make(map[string]*loop.Loop, len(def.Loops)),
		Keys:     make(map[rune]string),
	}

	for _, ld := range def.Loops {
		if ld.Name == "" || ld.Head == "" {
			return nil, loop.Configf(ld.Name, "loop needs a name and a head file")
		}
		if _, dup := s.Loops[ld.Name]; dup {
			return nil, loop.Configf(ld.Name, "duplicate loop")
		}
		var opts []loop.Option
		if ld.Tail != "" {
			opts = append(opts, loop.WithTail(ld.Tail))
		}
		if ld.FadeMS != nil {
			if *ld.FadeMS < 0 {
				return nil, loop.Configf(ld.Name, "negative fade_ms")
			}
			opts = append(opts, loop.WithFade(*ld.FadeMS))
		}
		if ld.Volume != nil {
			if *ld.Volume < 0 {
				return nil, loop.Configf(ld.Name, "negative volume")
			}
			opts = append(opts, loop.WithVolume(*ld.Volume))
		}
		s.Loops[ld.Name] = loop.New(ld.Name, ld.Head, opts...)
	}

	seqs := make(map[string]*loop.Sequence, len(def.Sequences))
	for _, sd := range def.Sequences {
		if _, dup := seqs[sd.Name]; dup {
			return nil, loop.Configf(sd.Name, "duplicate sequence")
		}
		loops := make([]*loop.Loop, 0, len(sd.Loops))
		for _, name := range sd.Loops {
			l, ok := s.Loops[name]
			if !ok {
				return nil, loop.Configf(sd.Name, "unknown loop %q", name)
			}
			loops = append(loops, l)
		}
		policy, ok := loop.PolicyByName(sd.Policy, source(def.Seed, sd.Name))
		if !ok {
			return nil, loop.Configf(sd.Name, "unknown policy %q", sd.Policy)
		}
		seq, err := loop.NewSequence(sd.Name, loops, policy)
		if err != nil {
			return nil, err
		}
		seqs[sd.Name] = seq
	}

	b := graph.NewBuilder()
	for i, std := range def.States {
		own := make([]*loop.Sequence, 0, len(std.Sequences))
		for _, name := range std.Sequences {
			seq, ok := seqs[name]
			if !ok {
				return nil, loop.Configf(std.Name, "unknown sequence %q", name)
			}
			own = append(own, seq.Clone())
		}
		st, err := loop.NewState(std.Name, own)
		if err != nil {
			return nil, err
		}
		s.States = append(s.States, st)
		b.AddState(st)

		key, err := stateKey(std, i)
		if err != nil {
			return nil, err
		}
		if key != 0 {
			if other, dup := s.Keys[key]; dup {
				return nil, loop.Configf(std.Name, "key %q already selects %q", key, other)
			}
			s.Keys[key] = std.Name
		}
	}
	if len(s.States) == 0 {
		return nil, loop.Configf("", "definition has no states")
	}

	if len(def.Edges) == 0 {
		b.FullyConnected()
	}
	for _, e := range def.Edges {
		b.AddEdge(e.From, e.To, graph.Vector(e.Vec))
	}
	initial := def.Initial
	if initial == "" {
		initial = s.States[0].Name()
	}
	if s.Graph, err = b.Build(initial); err != nil {
		return nil, err
	}
	return s, nil
}

// stateKey is the state's explicit key, or digits 1 to 9 by position.
func stateKey(std StateDef, i int) (rune, error) {
	if std.Key == "" {
		if i < 9 {
			return rune('1' + i), nil
		}
		return 0, nil
	}
	r, size := utf8.DecodeRuneInString(std.Key)
	if size != len(std.Key) {
		return 0, loop.Configf(std.Name, "key must be a single character, got %q", std.Key)
	}
	return r, nil
}

// source returns a seeded generator for a random sequence, or nil for the
// global one when seed is zero.
func source(seed uint64, name string) *rand.Rand {
	if seed == 0 {
		return nil
	}
	h := fnv.New64a()
	h.Write([]byte(name))
	return rand.New(rand.NewPCG(seed, h.Sum64()))
}
