package main

import (
	"flag"
	"fmt"
	"image/color"
	"log"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync/atomic"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/inpututil"
	"github.com/hajimehoshi/ebiten/v2/vector"

	"github.com/cbegin/loopgraph-go"
	"github.com/cbegin/loopgraph-go/internal/config"
	"github.com/cbegin/loopgraph-go/internal/input"
)

const (
	windowW = 720
	windowH = 720

	textScale = 2
	charW     = 7 * textScale
	lineH     = 14 * textScale

	nodeRadius = 48
)

var (
	bgColor     = color.RGBA{24, 24, 32, 255}
	edgeColor   = color.RGBA{64, 64, 80, 255}
	meterColor  = color.RGBA{0, 0, 128, 255}
	borderColor = color.RGBA{128, 128, 128, 255}
)

// meter holds the peak of the latest buffer. Tap runs on the audio thread.
type meter struct {
	peak atomic.Uint32
}

func (m *meter) Tap(samples []float32) {
	var p float32
	for _, s := range samples {
		p = max(p, float32(math.Abs(float64(s))))
	}
	m.peak.Store(math.Float32bits(p))
}

func (m *meter) Peak() float64 {
	return float64(math.Float32frombits(m.peak.Load()))
}

type game struct {
	engine    *loopgraph.Engine
	events    <-chan loopgraph.Event
	meter     *meter
	status    string
	keyOf     map[string]rune
	textCache map[string]*ebiten.Image
}

func newGame(setup *config.Setup, logger *slog.Logger) (*game, error) {
	m := &meter{}
	e, err := loopgraph.NewEngine(setup, loopgraph.WithLogger(logger), loopgraph.WithSampleTap(m.Tap))
	if err != nil {
		return nil, err
	}
	g := &game{
		engine:    e,
		events:    e.Watch(),
		meter:     m,
		status:    "Ready",
		keyOf:     map[string]rune{},
		textCache: make(map[string]*ebiten.Image, 64),
	}
	for _, r := range e.Keys().Keys() {
		name, _ := e.Keys().State(r)
		g.keyOf[name] = r
	}
	if err := e.Start(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *game) Update() error {
	var keys []rune
	keys = ebiten.AppendInputChars(keys)
	if inpututil.IsKeyJustPressed(ebiten.KeyEscape) {
		keys = append(keys, input.KeyEscape)
	}
	for _, r := range keys {
		action, err := g.engine.HandleKey(r)
		if err != nil {
			return err
		}
		switch action {
		case input.Quit:
			return ebiten.Termination
		case input.PlayPause:
			g.status = "Playing"
			if g.engine.Paused() {
				g.status = "Paused"
			}
		}
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyUp) {
		g.engine.SetMasterVolume(min(g.engine.MasterVolume()+0.1, 2))
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyDown) {
		g.engine.SetMasterVolume(g.engine.MasterVolume() - 0.1)
	}
	if _, err := g.engine.Update(); err != nil {
		return err
	}
	g.pollEvents()
	return nil
}

func (g *game) pollEvents() {
	for {
		select {
		case ev, ok := <-g.events:
			if !ok {
				return
			}
			switch ev.Kind {
			case loopgraph.EventStatePending:
				g.status = "Heading for " + ev.State
			case loopgraph.EventStateActive:
				g.status = "Playing " + ev.State
			}
		default:
			return
		}
	}
}

func (g *game) Draw(screen *ebiten.Image) {
	screen.Fill(bgColor)
	w, h := screen.Bounds().Dx(), screen.Bounds().Dy()
	cx, cy := float32(w)/2, float32(h)/2-20
	radius := float32(min(w, h))/2 - nodeRadius - 60

	nodes := g.engine.Board().Snapshot()
	at := make(map[string]int, len(nodes))
	for i, n := range nodes {
		at[n.Name] = i
	}
	topo := g.engine.Setup().Graph
	for _, st := range topo.Declared() {
		a := nodes[at[st.Name()]]
		for _, e := range topo.Out(st) {
			b := nodes[at[e.To.Name()]]
			vector.StrokeLine(screen, cx+radius*float32(a.X), cy+radius*float32(a.Y),
				cx+radius*float32(b.X), cy+radius*float32(b.Y), 2, edgeColor, true)
		}
	}
	for _, n := range nodes {
		x, y := cx+radius*float32(n.X), cy+radius*float32(n.Y)
		r, gr, b, a := n.Status.RGBA()
		vector.DrawFilledCircle(screen, x, y, nodeRadius, color.RGBA{r, gr, b, a}, true)
		vector.StrokeCircle(screen, x, y, nodeRadius, 2, borderColor, true)
		label := n.Name
		if k, ok := g.keyOf[n.Name]; ok {
			label = fmt.Sprintf("%c %s", k, n.Name)
		}
		g.drawText(screen, label, int(x)-len([]rune(label))*charW/2, int(y)-lineH/2)
	}

	g.drawMeter(screen, 16, h-lineH*2-24, w-32, 12)
	g.drawText(screen, fmt.Sprintf("%s  vol %.1f", g.status, g.engine.MasterVolume()), 16, h-lineH-8)
	if loops := g.engine.Playing(); len(loops) > 0 {
		g.drawText(screen, strings.Join(loops, " "), 16, 8)
	}
}

func (g *game) drawMeter(screen *ebiten.Image, x, y, w, h int) {
	ebitenutil.DrawRect(screen, float64(x), float64(y), float64(w), float64(h), color.Black)
	fill := math.Min(g.meter.Peak(), 1) * float64(w)
	ebitenutil.DrawRect(screen, float64(x), float64(y), fill, float64(h), meterColor)
}

func (g *game) drawText(screen *ebiten.Image, msg string, x int, y int) {
	if msg == "" {
		return
	}
	img := g.textCache[msg]
	if img == nil {
		img = ebiten.NewImage(max(1, len([]rune(msg))*7), 14)
		ebitenutil.DebugPrintAt(img, msg, 0, 0)
		if len(g.textCache) > 512 {
			g.textCache = make(map[string]*ebiten.Image, 64)
		}
		g.textCache[msg] = img
	}
	opS := &ebiten.DrawImageOptions{}
	opS.GeoM.Scale(textScale, textScale)
	opS.GeoM.Translate(float64(x+2), float64(y+2))
	opS.ColorScale.Scale(0, 0, 0, 1)
	screen.DrawImage(img, opS)
	op := &ebiten.DrawImageOptions{}
	op.GeoM.Scale(textScale, textScale)
	op.GeoM.Translate(float64(x), float64(y))
	screen.DrawImage(img, op)
}

func (g *game) Layout(outsideW, outsideH int) (int, int) {
	return outsideW, outsideH
}

func (g *game) Close() { _ = g.engine.Stop() }

func main() {
	var (
		cfgPath = flag.String("config", "", "graph definition (TOML); empty plays the built-in five state set")
		assets  = flag.String("assets", "", "directory holding the loop clips")
		debug   = flag.Bool("debug", false, "log every scheduler tick")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

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

	g, err := newGame(setup, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer g.Close()

	ebiten.SetWindowSize(windowW, windowH)
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)
	ebiten.SetWindowTitle("loopgraph")
	if err := ebiten.RunGame(g); err != nil {
		log.Fatal(err)
	}
}
