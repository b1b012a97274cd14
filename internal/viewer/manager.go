// Package viewer keeps the server side of open map viewers. Each session
// mirrors a browser map with a headless engine and the parcel controller,
// so clicks, pans and popup state are decided on the server and streamed
// back over SSE.
package viewer

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/joeblew999/plat-cadastre/internal/mapengine"
	"github.com/joeblew999/plat-cadastre/internal/parcel"
	"github.com/joeblew999/plat-cadastre/internal/service"
)

var (
	ErrSessionNotFound = errors.New("viewer session not found")
	ErrTooManySessions = errors.New("too many viewer sessions")
)

// HomeView is where a new viewer opens.
var HomeView = mapengine.View{Center: orb.Point{16.41774, 46.20920}, Zoom: 16}

// CroatiaExtent bounds the viewer center.
var CroatiaExtent = orb.Bound{Min: orb.Point{13.2, 42.3}, Max: orb.Point{19.5, 46.6}}

// DefaultMaxSessions caps concurrent viewers.
const DefaultMaxSessions = 256

// Config configures a [Manager].
type Config struct {
	// CapabilitiesURL is the tegola capabilities document the parcel layer
	// is discovered from. Empty disables the parcel layer.
	CapabilitiesURL string
	// ParcelURL is the detail endpoint with an {id} placeholder.
	ParcelURL    string
	FetchTimeout time.Duration
	Client       *http.Client
	TileLoader   mapengine.TileLoader

	Layers *service.LayerService
	Bus    *service.EventBus // server-wide changes, optional

	Home        mapengine.View
	Extent      orb.Bound
	MaxSessions int
	Logger      *zap.Logger
}

// Manager owns the open sessions.
type Manager struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	stopForward func()
	forwardDone chan struct{}
}

// NewManager creates a manager. When cfg.Bus is set, layer changes are
// applied to every open session.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = parcel.DefaultFetchTimeout
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.TileLoader == nil {
		cfg.TileLoader = mapengine.HTTPTileLoader{Client: cfg.Client}
	}
	if cfg.Home == (mapengine.View{}) {
		cfg.Home = HomeView
	}
	if cfg.Extent.IsZero() {
		cfg.Extent = CroatiaExtent
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	m := &Manager{
		cfg:      cfg,
		log:      cfg.Logger.Named("viewer"),
		sessions: map[string]*Session{},
	}
	if cfg.Bus != nil {
		events, unsubscribe := cfg.Bus.Subscribe()
		m.stopForward = unsubscribe
		m.forwardDone = make(chan struct{})
		go m.forward(events)
	}
	return m
}

func (m *Manager) forward(events <-chan service.Event) {
	defer close(m.forwardDone)
	for ev := range events {
		if ev.Resource != "layers" || m.cfg.Layers == nil {
			continue
		}
		cfg, ok := m.cfg.Layers.Get(ev.ID)
		if !ok {
			continue
		}
		for _, s := range m.List() {
			s.loop.Post(func() { s.applyLayer(cfg) })
		}
	}
}

// Open starts a session with a viewport of the given size.
func (m *Manager) Open(ctx context.Context, size parcel.Size) (*Session, error) {
	if size.Width <= 0 || size.Height <= 0 {
		return nil, errors.New("viewport size must be positive")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	m.mu.Unlock()

	id := uuid.NewString()
	log := m.log.With(zap.String("session", id))
	runCtx, cancel := context.WithCancel(context.Background())

	loop := mapengine.NewLoop(log)
	go loop.Run(runCtx)

	var layers []service.LayerConfig
	palette := parcel.DefaultPalette()
	zIndex := parcel.ParcelLayerZIndex
	if m.cfg.Layers != nil {
		layers = m.cfg.Layers.List()
		if pl, ok := m.cfg.Layers.Get(service.ParcelLayerID); ok {
			if pl.Palette != nil {
				palette = *pl.Palette
			}
			zIndex = pl.ZIndex
		}
	}

	detail := parcel.NewDetailFetcher(parcel.DetailConfig{
		URLTemplate: m.cfg.ParcelURL,
		Client:      m.cfg.Client,
		Timeout:     m.cfg.FetchTimeout,
		Dispatcher:  loop,
		Logger:      log,
	})
	var disc parcel.Discoverer
	if m.cfg.CapabilitiesURL != "" {
		disc = parcel.NewDiscoverer(m.cfg.CapabilitiesURL, m.cfg.Client)
	}

	s := &Session{
		id:      id,
		created: time.Now(),
		log:     log,
		extent:  m.cfg.Extent,
		loop:    loop,
		engine: mapengine.New(mapengine.Options{
			Size:        size,
			View:        m.cfg.Home,
			Loader:      m.cfg.TileLoader,
			Dispatcher:  loop,
			Logger:      log,
			TileTimeout: m.cfg.FetchTimeout,
		}),
		controller: parcel.NewController(parcel.ControllerConfig{
			Discoverer: disc,
			Fetcher:    detail,
			Dispatcher: loop,
			Logger:     log,
			ZIndex:     zIndex,
			Palette:    &palette,
			Timeout:    m.cfg.FetchTimeout,
		}),
		detail: detail,
		bus:    service.NewEventBus(),
		cancel: cancel,
		raster: map[string]*parcel.Layer{},
	}

	if err := s.do(ctx, func() { s.mount(runCtx, layers) }); err != nil {
		s.Close()
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.Close()
		return nil, ErrSessionClosed
	}
	// Concurrent Opens may have filled the table while this one mounted.
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		s.Close()
		return nil, ErrTooManySessions
	}
	m.sessions[id] = s
	m.mu.Unlock()

	log.Info("viewer session opened", zap.Float64("width", size.Width), zap.Float64("height", size.Height))
	return s, nil
}

// Get returns an open session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// List returns the open sessions.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// MaxSessions returns the session limit.
func (m *Manager) MaxSessions() int { return m.cfg.MaxSessions }

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseSession closes and forgets a session.
func (m *Manager) CloseSession(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.Close()
	return nil
}

// CloseIdle closes sessions without activity for maxIdle and returns how
// many were closed.
func (m *Manager) CloseIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	n := 0
	for _, s := range m.List() {
		if s.LastActive().Before(cutoff) && m.CloseSession(s.ID()) == nil {
			n++
		}
	}
	return n
}

// Close closes every session and stops following the server bus.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := m.sessions
	m.sessions = map[string]*Session{}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	if m.stopForward != nil {
		m.stopForward()
		<-m.forwardDone
	}
}
