package viewer

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/joeblew999/plat-cadastre/internal/mapengine"
	"github.com/joeblew999/plat-cadastre/internal/parcel"
	"github.com/joeblew999/plat-cadastre/internal/service"
)

// ErrSessionClosed is returned by session operations after Close.
var ErrSessionClosed = errors.New("viewer session closed")

// Session event resources.
const (
	EventSelection = "selection"
	EventDetail    = "detail"
	EventRender    = "render"
	EventLayers    = "layers"
)

// Session is one open viewer: a headless map on its own event loop with the
// parcel controller attached. Methods are safe for concurrent use; each runs
// on the loop.
type Session struct {
	id      string
	created time.Time
	log     *zap.Logger
	extent  orb.Bound

	loop       *mapengine.Loop
	engine     *mapengine.Map
	controller *parcel.Controller
	detail     *parcel.DetailFetcher
	bus        *service.EventBus
	cancel     context.CancelFunc

	// owned by the loop
	raster map[string]*parcel.Layer
	unsubs []func()

	active    atomic.Int64 // unix nanos of the last operation
	closeOnce sync.Once
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Created returns when the session was opened.
func (s *Session) Created() time.Time { return s.created }

// LastActive returns when the session last handled an operation.
func (s *Session) LastActive() time.Time { return time.Unix(0, s.active.Load()) }

// Events subscribes to the session's change notifications. Each event means
// "take a new snapshot"; the channel closes with the session.
func (s *Session) Events() (<-chan service.Event, func()) {
	return s.bus.Subscribe()
}

func (s *Session) do(ctx context.Context, fn func()) error {
	s.active.Store(time.Now().UnixNano())
	err := s.loop.Call(ctx, fn)
	if errors.Is(err, mapengine.ErrLoopStopped) {
		return ErrSessionClosed
	}
	return err
}

// Click forwards a map click at px.
func (s *Session) Click(ctx context.Context, px parcel.Point) error {
	return s.do(ctx, func() { s.engine.Click(px) })
}

// MoveStart signals that the user started panning or zooming.
func (s *Session) MoveStart(ctx context.Context) error {
	return s.do(ctx, func() { s.engine.BeginMove() })
}

// SetView moves the map, keeping the center inside the viewer extent.
func (s *Session) SetView(ctx context.Context, v mapengine.View) error {
	v.Center = clampPoint(v.Center, s.extent)
	return s.do(ctx, func() { s.engine.SetView(v) })
}

// Resize changes the viewport size.
func (s *Session) Resize(ctx context.Context, size parcel.Size) error {
	if size.Width <= 0 || size.Height <= 0 {
		return errors.New("viewport size must be positive")
	}
	return s.do(ctx, func() { s.engine.Resize(size) })
}

// ClosePopup hides the popup and clears the selection.
func (s *Session) ClosePopup(ctx context.Context) error {
	return s.do(ctx, func() { s.controller.Close() })
}

// SetLandCover shows or hides the land cover layer.
func (s *Session) SetLandCover(ctx context.Context, visible bool) error {
	return s.do(ctx, func() {
		if l := s.raster[service.LandCoverLayerID]; l != nil && s.engine.Visible(l) != visible {
			s.engine.SetVisible(l, visible)
			s.bus.Publish(service.Event{Resource: EventLayers, Action: "updated", ID: service.LandCoverLayerID})
		}
	})
}

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	ID        string
	Selection parcel.SelectionState
	Detail    parcel.DetailState
	View      mapengine.View
	Size      parcel.Size
	TileURL   string
	LandCover bool
	Layers    []string // attached layers, bottom first
	Loading   int      // tiles in flight

	// SelectedStyle is the style the last pass gave the selected parcel.
	SelectedStyle *parcel.Style
}

// Snapshot returns the current state.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.do(ctx, func() {
		snap = Snapshot{
			ID:        s.id,
			Selection: s.controller.Selection(),
			Detail:    s.controller.Detail(),
			View:      s.engine.View(),
			Size:      s.engine.Size(),
			TileURL:   s.controller.TileURL(),
			Loading:   s.engine.Pending(),
		}
		if l := s.raster[service.LandCoverLayerID]; l != nil {
			snap.LandCover = s.engine.Visible(l)
		}
		for _, l := range s.engine.Layers() {
			snap.Layers = append(snap.Layers, l.Name)
		}
		if l := s.controller.Layer(); l != nil && snap.Selection.Visible {
			if st, ok := s.engine.RenderedStyle(l, snap.Selection.FeatureID); ok {
				snap.SelectedStyle = &st
			}
		}
	})
	return snap, err
}

// Close tears the session down: the controller is unmounted, tile loads
// and fetches are cancelled, the loop stops and event channels close.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.loop.Call(ctx, func() {
			s.controller.Unmount()
			for _, unsub := range s.unsubs {
				unsub()
			}
			s.unsubs = nil
		}); err != nil && !errors.Is(err, mapengine.ErrLoopStopped) {
			s.log.Warn("session teardown timed out", zap.Error(err))
		}
		s.engine.Close()
		s.cancel()
		s.loop.Stop()
		<-s.loop.Done()
		s.bus.Close()
		s.log.Info("viewer session closed", zap.Duration("age", time.Since(s.created)))
	})
}

// mount runs on the loop: raster layers first, then the parcel controller.
func (s *Session) mount(ctx context.Context, layers []service.LayerConfig) {
	for _, cfg := range layers {
		if cfg.Kind == service.KindVector {
			continue
		}
		l := &parcel.Layer{Name: cfg.ID, URL: LayerURL(cfg), ZIndex: cfg.ZIndex}
		if err := s.engine.AddLayer(l); err != nil {
			s.log.Warn("adding layer", zap.String("layer", cfg.ID), zap.Error(err))
			continue
		}
		s.engine.SetVisible(l, cfg.DefaultVisible)
		s.raster[cfg.ID] = l
	}

	s.unsubs = append(s.unsubs,
		s.controller.Model().Subscribe(func(parcel.SelectionState) {
			s.bus.Publish(service.Event{Resource: EventSelection, Action: "updated"})
		}),
		s.detail.Subscribe(func(d parcel.DetailState) {
			s.bus.Publish(service.Event{Resource: EventDetail, Action: d.Status.String(), ID: string(d.FeatureID)})
		}),
	)
	s.engine.OnRender(func(l *parcel.Layer, _ map[parcel.FeatureID]parcel.Style) {
		if l == s.controller.Layer() {
			s.bus.Publish(service.Event{Resource: EventRender, Action: "updated", ID: l.Name})
		}
	})

	s.controller.SetMap(s.engine)
	s.controller.Mount(ctx)
}

// applyLayer runs on the loop when a layer configuration changes.
func (s *Session) applyLayer(cfg service.LayerConfig) {
	l := s.raster[cfg.ID]
	if l == nil {
		return
	}
	l.URL = LayerURL(cfg)
	s.engine.SetVisible(l, cfg.DefaultVisible)
	s.bus.Publish(service.Event{Resource: EventLayers, Action: "updated", ID: cfg.ID})
}

// LayerURL is the URL a browser map uses for the layer. WMS layers get
// their LAYERS parameter appended.
func LayerURL(cfg service.LayerConfig) string {
	if cfg.Kind != service.KindWMS || cfg.WMSLayers == "" {
		return cfg.URL
	}
	sep := "?"
	if strings.Contains(cfg.URL, "?") {
		sep = "&"
	}
	return cfg.URL + sep + "SERVICE=WMS&REQUEST=GetMap&TRANSPARENT=true&LAYERS=" + cfg.WMSLayers
}

func clampPoint(p orb.Point, b orb.Bound) orb.Point {
	if b.IsZero() {
		return p
	}
	return orb.Point{
		min(max(p[0], b.Min[0]), b.Max[0]),
		min(max(p[1], b.Min[1]), b.Max[1]),
	}
}

// SortedExtra returns the extra attributes ordered by key, with underscores
// in keys shown as spaces.
func SortedExtra(a *parcel.ParcelAttributes) []Attribute {
	if a == nil {
		return nil
	}
	out := make([]Attribute, 0, len(a.Extra))
	for k, v := range a.Extra {
		out = append(out, Attribute{Key: k, Label: strings.ReplaceAll(k, "_", " "), Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Attribute is one popup row.
type Attribute struct {
	Key   string
	Label string
	Value string
}
