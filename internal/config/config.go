// Package config reads loop graph definitions and builds the runtime model
// from them.
package config

import (
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/go-homedir"

	"github.com/cbegin/loopgraph-go/internal/loop"
)

// AudioSpec describes the output stream.
type AudioSpec struct {
	Freq     int `toml:"freq"`
	Channels int `toml:"channels"`
	Buffer   int `toml:"buffer"` // frames per device buffer, also the pre-trigger margin
}

// DefaultAudio is 44.1kHz mono with 4096 frame buffers.
var DefaultAudio = AudioSpec{Freq: 44100, Channels: 1, Buffer: 4096}

func (a AudioSpec) Validate() error {
	switch {
	case a.Freq <= 0:
		return loop.Configf("audio", "freq must be positive, got %d", a.Freq)
	case a.Channels != 1 && a.Channels != 2:
		return loop.Configf("audio", "channels must be 1 or 2, got %d", a.Channels)
	case a.Buffer < 64 || a.Buffer&(a.Buffer-1) != 0:
		return loop.Configf("audio", "buffer must be a power of two of at least 64, got %d", a.Buffer)
	}
	return nil
}

type LoopDef struct {
	Name   string   `toml:"name"`
	Head   string   `toml:"head"`
	Tail   string   `toml:"tail"`
	FadeMS *int     `toml:"fade_ms"`
	Volume *float64 `toml:"volume"`
}

type SequenceDef struct {
	Name   string   `toml:"name"`
	Policy string   `toml:"policy"` // "cyclic" or "random"
	Loops  []string `toml:"loops"`
}

type StateDef struct {
	Name      string   `toml:"name"`
	Sequences []string `toml:"sequences"`
	Key       string   `toml:"key"`
}

type EdgeDef struct {
	From string    `toml:"from"`
	To   string    `toml:"to"`
	Vec  []float64 `toml:"vec"`
}

// Definition is the file form of a loop graph. Without edges the graph is
// fully connected with one-hot vectors over the state order.
type Definition struct {
	Audio     AudioSpec     `toml:"audio"`
	Assets    string        `toml:"assets"`
	Initial   string        `toml:"initial"`
	Seed      uint64        `toml:"seed"`
	Loops     []LoopDef     `toml:"loops"`
	Sequences []SequenceDef `toml:"sequences"`
	States    []StateDef    `toml:"states"`
	Edges     []EdgeDef     `toml:"edges"`
}

// Load reads a definition file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &loop.Error{Kind: loop.ErrConfiguration, Subject: path, Err: err}
	}
	return Parse(data)
}

// Resolve loads the definition at path, or Default when path is empty, and
// applies environment overrides.
func Resolve(path string, getenv func(string) string) (*Definition, error) {
	def := Default()
	if path != "" {
		var err error
		if def, err = Load(path); err != nil {
			return nil, err
		}
	}
	if err := def.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	return def, nil
}

// Parse decodes TOML. Keys the definition does not know are an error.
// Missing audio settings fall back to DefaultAudio.
func Parse(data []byte) (*Definition, error) {
	def := &Definition{Audio: DefaultAudio}
	md, err := toml.Decode(string(data), def)
	if err != nil {
		return nil, &loop.Error{Kind: loop.ErrConfiguration, Msg: "parsing definition", Err: err}
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, loop.Configf("", "unknown keys: %s", strings.Join(keys, ", "))
	}
	return def, nil
}

// ApplyEnv overrides settings from LOOPGRAPH_FREQ, LOOPGRAPH_BUFFER,
// LOOPGRAPH_ASSETS and LOOPGRAPH_SEED.
func (d *Definition) ApplyEnv(getenv func(string) string) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"LOOPGRAPH_FREQ", &d.Audio.Freq},
		{"LOOPGRAPH_BUFFER", &d.Audio.Buffer},
	}
	for _, e := range ints {
		v := getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return &loop.Error{Kind: loop.ErrConfiguration, Subject: e.key, Err: err}
		}
		*e.dst = n
	}
	if v := getenv("LOOPGRAPH_ASSETS"); v != "" {
		d.Assets = v
	}
	if v := getenv("LOOPGRAPH_SEED"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return &loop.Error{Kind: loop.ErrConfiguration, Subject: "LOOPGRAPH_SEED", Err: err}
		}
		d.Seed = n
	}
	return nil
}

// AssetDir is Assets with a leading ~ expanded; empty means the working
// directory.
func (d *Definition) AssetDir() (string, error) {
	if d.Assets == "" {
		return ".", nil
	}
	p, err := homedir.Expand(d.Assets)
	if err != nil {
		return "", &loop.Error{Kind: loop.ErrConfiguration, Subject: d.Assets, Err: err}
	}
	return p, nil
}

func intp(n int) *int { return &n }

// Default is the five state set: three lead variations over a shared
// sustain, bass and drum bed, a bed without lead and a sparse drum variant.
func Default() *Definition {
	withTail := func(name, head, tail string) LoopDef {
		return LoopDef{Name: name, Head: head, Tail: tail, FadeMS: intp(loop.DefaultFadeMS)}
	}
	plain := func(name, head string) LoopDef { return LoopDef{Name: name, Head: head} }
	return &Definition{
		Audio:   DefaultAudio,
		Initial: "One",
		Loops: []LoopDef{
			withTail("chSustain1", "chSustain1_head.wav", "chSustain1_tail.wav"),
			withTail("bass", "bass1_head.wav", "bass1_tail.wav"),
			withTail("drum1", "drum1_head.wav", "drum1_tail.wav"),
			plain("lead1", "lead1.wav"),
			withTail("lead2", "lead2_head.wav", "lead2_tail.wav"),
			plain("lead3", "lead3.wav"),
			plain("lead4", "lead4.wav"),
			plain("lead5", "lead5.wav"),
			plain("lead6", "lead6.wav"),
			plain("lead7", "lead7.wav"),
			plain("drum2", "drum2.wav"),
		},
		Sequences: []SequenceDef{
			{Name: "chSustain", Loops: []string{"chSustain1"}},
			{Name: "bass", Loops: []string{"bass"}},
			{Name: "drums", Loops: []string{"drum1"}},
			{Name: "lead12", Policy: "cyclic", Loops: []string{"lead1", "lead2"}},
			{Name: "lead34", Policy: "cyclic", Loops: []string{"lead3", "lead4"}},
			{Name: "lead567", Policy: "cyclic", Loops: []string{"lead5", "lead6", "lead7", "lead7"}},
			{Name: "drums2", Loops: []string{"drum2"}},
		},
		States: []StateDef{
			{Name: "One", Sequences: []string{"chSustain", "bass", "drums", "lead12"}},
			{Name: "Two", Sequences: []string{"chSustain", "bass", "drums", "lead34"}},
			{Name: "Three", Sequences: []string{"chSustain", "bass", "drums", "lead567"}},
			{Name: "Four", Sequences: []string{"bass", "drums"}},
			{Name: "Five", Sequences: []string{"bass", "drums2"}},
		},
	}
}
