package input

import (
	"errors"
	"testing"

	"github.com/cbegin/loopgraph-go/internal/config"
	"github.com/cbegin/loopgraph-go/internal/graph"
	"github.com/cbegin/loopgraph-go/internal/loop"
)

func TestDigitKeysSelectStates(t *testing.T) {
	s, err := config.Build(config.Default())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	km, err := NewKeyMap(s.Graph, s.Keys)
	if err != nil {
		t.Fatalf("keymap: %v", err)
	}
	if got := string(km.Keys()); got != "12345" {
		t.Fatalf("keys = %q", got)
	}
	cases := []struct {
		key    rune
		action Action
		vec    graph.Vector
	}{
		{'2', Stimulus, graph.Vector{0, 1, 0, 0, 0}},
		{'5', Stimulus, graph.Vector{0, 0, 0, 0, 1}},
		{' ', PlayPause, nil},
		{KeyEscape, Quit, nil},
		{'q', Quit, nil},
		{'7', None, nil},
	}
	for _, tc := range cases {
		t.Run(string(tc.key), func(t *testing.T) {
			a, v := km.Handle(tc.key)
			if a != tc.action {
				t.Fatalf("action = %v, want %v", a, tc.action)
			}
			if tc.vec != nil && !v.Equal(tc.vec) {
				t.Fatalf("vector = %v, want %v", v, tc.vec)
			}
		})
	}
	if name, ok := km.State('3'); !ok || name != "Three" {
		t.Fatalf("State('3') = %q, %v", name, ok)
	}
}

func TestKeyMapRejects(t *testing.T) {
	s, err := config.Build(config.Default())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, keys := range []map[rune]string{
		{'1': "Six"},
		{' ': "One"},
	} {
		if _, err := NewKeyMap(s.Graph, keys); !errors.Is(err, loop.ErrConfiguration) {
			t.Fatalf("keys %v: err = %v, want ErrConfiguration", keys, err)
		}
	}
}
