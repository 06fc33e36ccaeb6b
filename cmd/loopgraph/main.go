package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/pkg/errors"

	"github.com/cbegin/loopgraph-go"
	"github.com/cbegin/loopgraph-go/internal/config"
	"github.com/cbegin/loopgraph-go/internal/input"
	"github.com/cbegin/loopgraph-go/internal/view"
)

const frameInterval = 16 * time.Millisecond

func main() {
	var (
		cfgPath = flag.String("config", "", "graph definition (TOML); empty plays the built-in five state set")
		assets  = flag.String("assets", "", "directory holding the loop clips")
		volume  = flag.Float64("volume", 1.0, "master volume scalar")
		logPath = flag.String("log", "", "write logs to this file")
		debug   = flag.Bool("debug", false, "log every scheduler tick")
		render  = flag.String("render", "", "render to this WAV file instead of playing")
		seconds = flag.Float64("seconds", 30, "with -render, length in seconds")
		cues    = flag.String("cues", "", "with -render, stimulus cues as seconds:state,...")
	)
	flag.Parse()

	logger, closeLog, err := newLogger(*logPath, *debug)
	if err != nil {
		log.Fatal(err)
	}
	defer closeLog()

	def, err := config.Resolve(*cfgPath, os.Getenv)
	if err != nil {
		log.Fatal(err)
	}
	if *assets != "" {
		def.Assets = *assets
	}
	setup, err := config.Build(def)
	if err != nil {
		log.Fatal(err)
	}

	if *render != "" {
		plan, err := parseCues(*cues)
		if err != nil {
			log.Fatal(err)
		}
		samples, err := loopgraph.RenderOffline(setup, *seconds, plan, loopgraph.WithLogger(logger))
		if err != nil {
			log.Fatal(err)
		}
		wav := loopgraph.EncodeWAVFloat32LE(samples, setup.Audio.Freq, 2)
		if err := os.WriteFile(*render, wav, 0o644); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("wrote %s (%.1fs)\n", *render, *seconds)
		return
	}

	if err := run(setup, logger, *volume); err != nil {
		log.Fatal(err)
	}
}

func newLogger(path string, debug bool) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	if path == "" {
		// the terminal belongs to the screen
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	l := slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
	return l, func() { _ = f.Close() }, nil
}

func parseCues(s string) ([]loopgraph.Cue, error) {
	var out []loopgraph.Cue
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		at, state, ok := strings.Cut(part, ":")
		if !ok {
			return nil, errors.Errorf("invalid cue %q (expected seconds:state)", part)
		}
		sec, err := strconv.ParseFloat(at, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid cue time %q", at)
		}
		out = append(out, loopgraph.Cue{At: sec, State: strings.TrimSpace(state)})
	}
	return out, nil
}

type host struct {
	screen tcell.Screen
	engine *loopgraph.Engine
	status string
}

func run(setup *config.Setup, logger *slog.Logger, volume float64) error {
	e, err := loopgraph.NewEngine(setup, loopgraph.WithLogger(logger))
	if err != nil {
		return err
	}
	e.SetMasterVolume(volume)

	screen, err := tcell.NewScreen()
	if err != nil {
		return err
	}
	if err := screen.Init(); err != nil {
		return err
	}
	defer screen.Fini()

	if err := e.Start(); err != nil {
		return err
	}
	defer e.Stop()

	h := &host{screen: screen, engine: e, status: "playing"}
	eventChan := make(chan tcell.Event, 100)
	go func() {
		for {
			ev := screen.PollEvent()
			if ev == nil {
				return
			}
			eventChan <- ev
		}
	}()

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	for {
		select {
		case ev := <-eventChan:
			switch ev := ev.(type) {
			case *tcell.EventKey:
				if ev.Key() == tcell.KeyCtrlC {
					return nil
				}
				r := ev.Rune()
				if ev.Key() == tcell.KeyEscape {
					r = input.KeyEscape
				} else if ev.Key() != tcell.KeyRune {
					continue
				}
				action, err := e.HandleKey(r)
				if err != nil {
					return err
				}
				switch action {
				case input.Quit:
					return nil
				case input.PlayPause:
					h.status = "playing"
					if e.Paused() {
						h.status = "paused"
					}
				case input.Stimulus:
					name, _ := e.Keys().State(r)
					h.status = "heading for " + name
				}
			case *tcell.EventResize:
				screen.Sync()
			}
		case <-ticker.C:
			if _, err := e.Update(); err != nil {
				return err
			}
			h.draw()
		}
	}
}

func (h *host) draw() {
	h.screen.Clear()
	e := h.engine
	keys := map[string]rune{}
	for _, r := range e.Keys().Keys() {
		name, _ := e.Keys().State(r)
		keys[name] = r
	}

	drawString(h.screen, 1, 0, "loopgraph", tcell.StyleDefault.Bold(true))
	for i, n := range e.Board().Snapshot() {
		r, g, b, _ := n.Status.RGBA()
		style := tcell.StyleDefault.Foreground(tcell.NewRGBColor(int32(r), int32(g), int32(b)))
		label := fmt.Sprintf("[%c] %-12s %s", keys[n.Name], n.Name, n.Status)
		if n.Status == view.Off {
			label = fmt.Sprintf("[%c] %-12s", keys[n.Name], n.Name)
		}
		drawString(h.screen, 2, 2+i, label, style)
	}
	y := 3 + len(e.Board().Snapshot())
	drawString(h.screen, 1, y, "loops: "+strings.Join(e.Playing(), " "), tcell.StyleDefault)
	drawString(h.screen, 1, y+1, "status: "+h.status, tcell.StyleDefault)
	drawString(h.screen, 1, y+3, "digits select a state, space play/pause, q or esc quit", tcell.StyleDefault.Dim(true))
	h.screen.Show()
}

func drawString(s tcell.Screen, x, y int, str string, style tcell.Style) {
	for _, r := range str {
		s.SetContent(x, y, r, nil, style)
		x++
	}
}
