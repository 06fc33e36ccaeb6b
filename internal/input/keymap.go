// Package input maps key presses to stimulus vectors and transport actions.
package input

import (
	"sort"

	"github.com/cbegin/loopgraph-go/internal/graph"
	"github.com/cbegin/loopgraph-go/internal/loop"
)

type Action int

const (
	None Action = iota
	Stimulus
	PlayPause
	Quit
)

// KeyEscape is the rune hosts report for the escape key.
const KeyEscape = '\x1b'

// KeyMap binds keys to the vectors that favour a state.
type KeyMap struct {
	stim  map[rune]graph.Vector
	names map[rune]string
}

// NewKeyMap resolves each key's state to the vector carried by edges into it.
func NewKeyMap(g *graph.Graph, keys map[rune]string) (*KeyMap, error) {
	k := &KeyMap{stim: make(map[rune]graph.Vector, len(keys)), names: make(map[rune]string, len(keys))}
	for r, name := range keys {
		switch r {
		case ' ', 'q', KeyEscape:
			return nil, loop.Configf(name, "key %q is reserved", r)
		}
		if _, ok := g.State(name); !ok {
			return nil, loop.Configf(name, "key %q selects unknown state", r)
		}
		v, ok := g.TargetVector(name)
		if !ok {
			return nil, loop.Configf(name, "no edge leads to the state of key %q", r)
		}
		k.stim[r] = v
		k.names[r] = name
	}
	return k, nil
}

// Handle returns the action for a key and, for Stimulus, the vector.
func (k *KeyMap) Handle(r rune) (Action, graph.Vector) {
	switch r {
	case ' ':
		return PlayPause, nil
	case 'q', KeyEscape:
		return Quit, nil
	}
	if v, ok := k.stim[r]; ok {
		return Stimulus, v.Clone()
	}
	return None, nil
}

// State returns the state a key selects.
func (k *KeyMap) State(r rune) (string, bool) {
	n, ok := k.names[r]
	return n, ok
}

// Keys returns the stimulus keys in order.
func (k *KeyMap) Keys() []rune {
	out := make([]rune, 0, len(k.stim))
	for r := range k.stim {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
