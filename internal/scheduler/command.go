package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cbegin/loopgraph-go/internal/loop"
)

type Kind int

const (
	Stop Kind = iota
	Start
)

func (k Kind) String() string {
	switch k {
	case Stop:
		return "stop"
	case Start:
		return "start"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Command asks the backend to start or stop a loop. Lead is the grid, in
// samples, the backend should align the change to; zero means immediately.
type Command struct {
	Kind   Kind
	Loop   string
	Lead   int
	Volume float64
}

func (c Command) String() string {
	return fmt.Sprintf("%s %s lead=%d", c.Kind, c.Loop, c.Lead)
}

// Batch is the command list of one tick: stops first, then starts, each
// sorted by loop name.
type Batch []Command

func (b Batch) String() string {
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = c.String()
	}
	return strings.Join(parts, "; ")
}

// Sink receives each batch in one call.
type Sink interface {
	Send(Batch) error
}

type SinkFunc func(Batch) error

func (f SinkFunc) Send(b Batch) error { return f(b) }

// Diff describes what a tick changed.
type Diff struct {
	ToStop       []*loop.Loop
	ToStart      []*loop.Loop
	Transitioned bool
	From, To     string
	Advanced     []string // sequence names
	Batch        Batch
}

// Empty reports whether the tick produced no commands.
func (d Diff) Empty() bool { return len(d.ToStop) == 0 && len(d.ToStart) == 0 }

// diffLoops returns prev - cur and cur - prev by loop name, sorted by name.
func diffLoops(prev, cur []*loop.Loop) (toStop, toStart []*loop.Loop) {
	in := func(set []*loop.Loop) map[string]bool {
		m := make(map[string]bool, len(set))
		for _, l := range set {
			m[l.Name] = true
		}
		return m
	}
	prevNames, curNames := in(prev), in(cur)
	seen := map[string]bool{}
	for _, l := range prev {
		if !curNames[l.Name] && !seen[l.Name] {
			seen[l.Name] = true
			toStop = append(toStop, l)
		}
	}
	for _, l := range cur {
		if !prevNames[l.Name] && !seen[l.Name] {
			seen[l.Name] = true
			toStart = append(toStart, l)
		}
	}
	byName := func(ls []*loop.Loop) {
		sort.Slice(ls, func(i, j int) bool { return ls[i].Name < ls[j].Name })
	}
	byName(toStop)
	byName(toStart)
	return toStop, toStart
}

func buildBatch(toStop, toStart []*loop.Loop, lead int) Batch {
	b := make(Batch, 0, len(toStop)+len(toStart))
	for _, l := range toStop {
		b = append(b, Command{Kind: Stop, Loop: l.Name, Lead: lead, Volume: l.Volume})
	}
	for _, l := range toStart {
		b = append(b, Command{Kind: Start, Loop: l.Name, Lead: lead, Volume: l.Volume})
	}
	return b
}
