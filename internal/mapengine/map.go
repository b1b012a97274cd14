// Package mapengine is a headless map engine: layers stacked by z-index,
// event listeners, a viewport, vector tile loading and decoding, pixel
// hit-testing and style passes.
//
// It implements parcel.Map for the viewer sessions, which mirror the browser
// map on the server. Every method must be called on the engine's Loop.
package mapengine

import (
	"context"
	"errors"
	"slices"
	"sort"
	"time"

	"github.com/paulmach/orb/maptile"
	"go.uber.org/zap"

	"github.com/joeblew999/plat-cadastre/internal/parcel"
)

// Defaults.
const (
	DefaultMaxTileZoom  = maptile.Zoom(14)
	DefaultHitTolerance = 3.0 // pixels
	DefaultTileTimeout  = 10 * time.Second
)

var (
	ErrNilLayer    = errors.New("layer is nil")
	ErrLayerExists = errors.New("layer already attached")
)

// Options configures a [Map].
type Options struct {
	Size         parcel.Size
	View         View
	Loader       TileLoader        // default HTTPTileLoader
	Dispatcher   parcel.Dispatcher // required for tile loading
	Logger       *zap.Logger
	MaxTileZoom  maptile.Zoom
	HitTolerance float64
	TileTimeout  time.Duration
}

// RenderFunc observes the styles produced by a style pass.
type RenderFunc func(l *parcel.Layer, styles map[parcel.FeatureID]parcel.Style)

type listener struct {
	typ parcel.EventType
	fn  func(parcel.Event)
}

type layerState struct {
	layer   *parcel.Layer
	visible bool
	tiles   map[maptile.Tile][]*Feature
	loading map[maptile.Tile]uint64
	index   *featureIndex
	styles  map[parcel.FeatureID]parcel.Style
	dirty   bool
}

// Map is the headless engine.
type Map struct {
	opts Options
	log  *zap.Logger
	ctx  context.Context
	stop context.CancelFunc

	size   parcel.Size
	view   View
	layers []*layerState

	listeners map[parcel.ListenerKey]listener
	nextKey   parcel.ListenerKey

	loadGen   uint64
	pending   int
	rendering bool
	onRender  []RenderFunc
}

var _ parcel.Map = (*Map)(nil)

// New creates an engine. Close releases its in-flight tile loads.
func New(opts Options) *Map {
	if opts.Loader == nil {
		opts.Loader = HTTPTileLoader{}
	}
	if opts.MaxTileZoom == 0 {
		opts.MaxTileZoom = DefaultMaxTileZoom
	}
	if opts.HitTolerance <= 0 {
		opts.HitTolerance = DefaultHitTolerance
	}
	if opts.TileTimeout <= 0 {
		opts.TileTimeout = DefaultTileTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Map{
		opts:      opts,
		log:       log.Named("map"),
		ctx:       ctx,
		stop:      stop,
		size:      opts.Size,
		view:      opts.View,
		listeners: map[parcel.ListenerKey]listener{},
	}
}

// Close cancels in-flight tile loads.
func (m *Map) Close() { m.stop() }

// AddLayer implements parcel.Map. Layers without a style are kept for
// ordering only; they are neither loaded nor hit-tested.
func (m *Map) AddLayer(l *parcel.Layer) error {
	if l == nil {
		return ErrNilLayer
	}
	if m.state(l) != nil {
		return ErrLayerExists
	}
	ls := &layerState{
		layer:   l,
		visible: true,
		tiles:   map[maptile.Tile][]*Feature{},
		loading: map[maptile.Tile]uint64{},
		styles:  map[parcel.FeatureID]parcel.Style{},
	}
	m.layers = append(m.layers, ls)
	sort.SliceStable(m.layers, func(i, j int) bool {
		return m.layers[i].layer.ZIndex < m.layers[j].layer.ZIndex
	})
	m.log.Debug("layer added", zap.String("layer", l.Name), zap.Int("z", l.ZIndex))
	m.loadTiles(ls)
	return nil
}

// RemoveLayer implements parcel.Map.
func (m *Map) RemoveLayer(l *parcel.Layer) {
	m.layers = slices.DeleteFunc(m.layers, func(ls *layerState) bool {
		return ls.layer == l
	})
}

// Layers returns the attached layers, bottom first.
func (m *Map) Layers() []*parcel.Layer {
	out := make([]*parcel.Layer, len(m.layers))
	for i, ls := range m.layers {
		out[i] = ls.layer
	}
	return out
}

// LayerNamed returns the attached layer with the given name, or nil.
func (m *Map) LayerNamed(name string) *parcel.Layer {
	for _, ls := range m.layers {
		if ls.layer.Name == name {
			return ls.layer
		}
	}
	return nil
}

// SetVisible shows or hides a layer. Hidden layers are not hit-tested.
func (m *Map) SetVisible(l *parcel.Layer, visible bool) {
	if ls := m.state(l); ls != nil {
		ls.visible = visible
	}
}

// Visible reports whether l is attached and shown.
func (m *Map) Visible(l *parcel.Layer) bool {
	ls := m.state(l)
	return ls != nil && ls.visible
}

// On implements parcel.Map.
func (m *Map) On(t parcel.EventType, fn func(parcel.Event)) parcel.ListenerKey {
	m.nextKey++
	m.listeners[m.nextKey] = listener{typ: t, fn: fn}
	return m.nextKey
}

// Off implements parcel.Map.
func (m *Map) Off(key parcel.ListenerKey) {
	delete(m.listeners, key)
}

// ListenerCount returns the number of listeners registered for t.
func (m *Map) ListenerCount(t parcel.EventType) int {
	n := 0
	for _, l := range m.listeners {
		if l.typ == t {
			n++
		}
	}
	return n
}

// Size implements parcel.Map.
func (m *Map) Size() parcel.Size { return m.size }

// View returns the current view.
func (m *Map) View() View { return m.view }

// Resize changes the viewport size and loads any newly visible tiles.
func (m *Map) Resize(size parcel.Size) {
	if size == m.size {
		return
	}
	m.size = size
	m.reload()
}

// BeginMove signals the start of a pan or zoom.
func (m *Map) BeginMove() {
	m.emit(parcel.Event{Type: parcel.EventMoveStart})
}

// SetView moves the map. A changed view emits move-start first.
func (m *Map) SetView(v View) {
	if v == m.view {
		return
	}
	m.BeginMove()
	m.view = v
	m.reload()
}

// Click emits a click at px.
func (m *Map) Click(px parcel.Point) {
	m.emit(parcel.Event{Type: parcel.EventClick, Pixel: px})
}

// FeaturesAtPixel implements parcel.Map. Features split across tiles are
// reported once.
func (m *Map) FeaturesAtPixel(px parcel.Point, l *parcel.Layer) []parcel.Feature {
	ls := m.state(l)
	if ls == nil || !ls.visible {
		return nil
	}
	ll := m.view.LonLat(px, m.size)
	edge := m.view.LonLat(parcel.Point{X: px.X + m.opts.HitTolerance, Y: px.Y}, m.size)
	tol := edge[0] - ll[0]

	var out []parcel.Feature
	seen := map[parcel.FeatureID]bool{}
	for _, f := range ls.index.at(ll, tol) {
		if f.id != "" {
			if seen[f.id] {
				continue
			}
			seen[f.id] = true
		}
		out = append(out, f)
	}
	return out
}

// Restyle implements parcel.Map. Outside a pass it renders l at once;
// during a pass it marks l dirty and the running pass renders it again
// after finishing.
func (m *Map) Restyle(l *parcel.Layer) {
	ls := m.state(l)
	if ls == nil {
		return
	}
	ls.dirty = true
	if m.rendering {
		return
	}
	m.render()
}

// OnRender registers fn to observe every completed style pass.
func (m *Map) OnRender(fn RenderFunc) {
	m.onRender = append(m.onRender, fn)
}

// RenderedStyle returns the style the last pass gave feature id of l.
func (m *Map) RenderedStyle(l *parcel.Layer, id parcel.FeatureID) (parcel.Style, bool) {
	ls := m.state(l)
	if ls == nil {
		return parcel.Style{}, false
	}
	s, ok := ls.styles[id]
	return s, ok
}

// Features returns the loaded features of l in draw order.
func (m *Map) Features(l *parcel.Layer) []*Feature {
	ls := m.state(l)
	if ls == nil {
		return nil
	}
	return ls.features()
}

// Pending returns the number of tile loads in flight.
func (m *Map) Pending() int { return m.pending }

func (m *Map) state(l *parcel.Layer) *layerState {
	for _, ls := range m.layers {
		if ls.layer == l {
			return ls
		}
	}
	return nil
}

func (m *Map) emit(ev parcel.Event) {
	keys := make([]parcel.ListenerKey, 0, len(m.listeners))
	for k, l := range m.listeners {
		if l.typ == ev.Type {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		// a listener may remove another one
		if l, ok := m.listeners[k]; ok {
			l.fn(ev)
		}
	}
}

// render runs style passes until no layer is dirty.
func (m *Map) render() {
	m.rendering = true
	defer func() { m.rendering = false }()

	for {
		ls := m.nextDirty()
		if ls == nil {
			return
		}
		ls.dirty = false
		styles := make(map[parcel.FeatureID]parcel.Style, len(ls.styles))
		for _, f := range ls.features() {
			styles[f.id] = ls.layer.Style(f)
		}
		ls.styles = styles
		for _, fn := range m.onRender {
			fn(ls.layer, styles)
		}
	}
}

func (m *Map) nextDirty() *layerState {
	for _, ls := range m.layers {
		if ls.dirty && ls.layer.Style != nil {
			return ls
		}
		ls.dirty = false
	}
	return nil
}

func (ls *layerState) features() []*Feature {
	if ls.index == nil {
		return nil
	}
	var out []*Feature
	for _, fs := range ls.tiles {
		out = append(out, fs...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

// reindex rebuilds the hit-test index and draw order after tiles change.
func (ls *layerState) reindex() {
	keys := make([]maptile.Tile, 0, len(ls.tiles))
	for t := range ls.tiles {
		keys = append(keys, t)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
	var all []*Feature
	for _, t := range keys {
		for _, f := range ls.tiles[t] {
			f.order = len(all)
			all = append(all, f)
		}
	}
	ls.index = newFeatureIndex(all)
}
