// Package server wires the cadastre services, the REST API, the tile
// endpoint and the viewer into one http.Handler.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"go.uber.org/zap"

	"github.com/joeblew999/plat-cadastre/internal/api"
	apiviewer "github.com/joeblew999/plat-cadastre/internal/api/viewer"
	"github.com/joeblew999/plat-cadastre/internal/db"
	"github.com/joeblew999/plat-cadastre/internal/humastar"
	"github.com/joeblew999/plat-cadastre/internal/parcel"
	"github.com/joeblew999/plat-cadastre/internal/service"
	"github.com/joeblew999/plat-cadastre/internal/templates"
	"github.com/joeblew999/plat-cadastre/internal/viewer"
)

// DefaultSessionIdle is how long a viewer may stay silent before it is closed.
const DefaultSessionIdle = 30 * time.Minute

// Config holds the server configuration.
type Config struct {
	Host    string
	Port    string
	DataDir string
	WebDir  string // optional template override directory

	// PublicURL is the server root as browsers reach it. Defaults to
	// http://host:port.
	PublicURL       string
	// CapabilitiesURL and ParcelURL point viewers at a tegola deployment.
	// They default to this server's own endpoints.
	CapabilitiesURL string
	ParcelURL       string
	FetchTimeout    time.Duration
	SessionIdle     time.Duration
	MaxSessions     int

	// InMemory keeps the parcel database in memory.
	InMemory      bool
	// ImportOnStart imports the GeoJSON sources when the database is empty.
	ImportOnStart bool

	Logger *zap.Logger
}

// Server is the cadastre HTTP server.
type Server struct {
	config   Config
	log      *zap.Logger
	mux      *http.ServeMux
	humaAPI  huma.API
	db       *sql.DB
	services *api.Services
	renderer *templates.Renderer
	viewers  *viewer.Manager

	stopReaper context.CancelFunc
	reaperDone chan struct{}
	closeOnce  sync.Once
}

// New creates the server. A database that cannot be opened leaves the
// parcel routes answering 503; everything else still works.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PublicURL == "" {
		host := cfg.Host
		if host == "" || host == "0.0.0.0" {
			host = "localhost"
		}
		cfg.PublicURL = fmt.Sprintf("http://%s:%s", host, cfg.Port)
	}
	cfg.PublicURL = strings.TrimSuffix(cfg.PublicURL, "/")
	if cfg.CapabilitiesURL == "" {
		cfg.CapabilitiesURL = "http://127.0.0.1:" + cfg.Port + "/api/v1/capabilities"
	}
	if cfg.ParcelURL == "" {
		cfg.ParcelURL = "http://127.0.0.1:" + cfg.Port + "/api/v1/parcels/{id}"
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = parcel.DefaultFetchTimeout
	}
	if cfg.SessionIdle <= 0 {
		cfg.SessionIdle = DefaultSessionIdle
	}
	log := cfg.Logger

	mux := http.NewServeMux()
	humaConfig := huma.DefaultConfig("plat-cadastre API", api.Version)
	humaConfig.Info.Description = "Cadastral parcel viewer: parcel tiles, parcel details, layer configuration and live viewer sessions."
	humaConfig.Servers = []*huma.Server{{URL: cfg.PublicURL, Description: "Cadastre server"}}
	// Disable $schema property in responses
	humaConfig.CreateHooks = []func(huma.Config) huma.Config{}
	humaConfig.Transformers = append(humaConfig.Transformers, humastar.LinkTransformer(api.Links()))
	humaAPI := humago.New(mux, humaConfig)

	dbCfg := db.Config{DataDir: cfg.DataDir}
	if cfg.InMemory {
		dbCfg.DataDir = ""
	}
	conn, err := db.Open(context.Background(), dbCfg)
	if err != nil {
		log.Warn("parcel database unavailable", zap.Error(err))
		conn = nil
	}

	bus := service.NewEventBus()
	services := &api.Services{
		Layer:     service.NewLayerService(cfg.DataDir, bus, log),
		Source:    service.NewSourceService(cfg.DataDir, log),
		Bus:       bus,
		PublicURL: cfg.PublicURL,
	}
	if conn != nil {
		services.Parcel = service.NewParcelService(conn, log)
		services.Tile = service.NewTileService(cfg.DataDir, services.Parcel, log)
	} else {
		services.Tile = service.NewTileService(cfg.DataDir, nil, log)
	}

	renderer, err := loadTemplates(cfg.WebDir, log)
	if err != nil {
		if conn != nil {
			conn.Close()
		}
		bus.Close()
		return nil, err
	}

	s := &Server{
		config:   cfg,
		log:      log,
		mux:      mux,
		humaAPI:  humaAPI,
		db:       conn,
		services: services,
		renderer: renderer,
		viewers: viewer.NewManager(viewer.Config{
			CapabilitiesURL: cfg.CapabilitiesURL,
			ParcelURL:       cfg.ParcelURL,
			FetchTimeout:    cfg.FetchTimeout,
			Layers:          services.Layer,
			Bus:             bus,
			MaxSessions:     cfg.MaxSessions,
			Logger:          log,
		}),
	}

	if cfg.ImportOnStart {
		s.importSources(context.Background())
	}
	s.routes()
	s.startReaper()
	return s, nil
}

func loadTemplates(webDir string, log *zap.Logger) (*templates.Renderer, error) {
	if webDir != "" {
		r, err := templates.NewDir(webDir)
		if err == nil {
			log.Info("loaded templates", zap.String("dir", webDir))
			return r, nil
		}
		log.Warn("template directory unusable, using embedded templates", zap.String("dir", webDir), zap.Error(err))
	}
	return templates.New()
}

// importSources fills an empty parcel database from the GeoJSON sources.
func (s *Server) importSources(ctx context.Context) {
	p := s.services.Parcel
	if p == nil {
		return
	}
	if _, total, err := p.List(ctx, 0, 1); err != nil || total > 0 {
		return
	}
	n, err := s.services.Source.ImportAll(ctx, p)
	if err != nil {
		s.log.Warn("importing sources", zap.Error(err))
		return
	}
	if n > 0 {
		s.services.Tile.Invalidate()
		s.log.Info("parcels imported", zap.Int("parcels", n))
	}
}

// startReaper closes idle viewer sessions in the background.
func (s *Server) startReaper() {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopReaper = cancel
	s.reaperDone = make(chan struct{})
	interval := max(s.config.SessionIdle/4, time.Second)
	go func() {
		defer close(s.reaperDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.viewers.CloseIdle(s.config.SessionIdle); n > 0 {
					s.log.Info("closed idle viewer sessions", zap.Int("sessions", n))
				}
			}
		}
	}()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// OpenAPI returns the OpenAPI document of the REST API.
func (s *Server) OpenAPI() *huma.OpenAPI {
	return s.humaAPI.OpenAPI()
}

// Viewers returns the viewer session manager.
func (s *Server) Viewers() *viewer.Manager {
	return s.viewers
}

// Close stops the viewers and releases the database and tile archive.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stopReaper()
		<-s.reaperDone
		s.viewers.Close()
		s.services.Bus.Close()
		err = s.services.Tile.Close()
		if s.db != nil {
			if cerr := s.db.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}

func (s *Server) routes() {
	// Huma REST API routes
	api.RegisterRoutes(s.humaAPI, s.services)
	api.NewInfoHandler(api.InfoConfig{
		DataDir:         s.config.DataDir,
		DB:              s.db != nil,
		CapabilitiesURL: s.config.CapabilitiesURL,
		ParcelURL:       s.config.ParcelURL,
		FetchTimeout:    s.config.FetchTimeout,
		MaxSessions:     s.viewers.MaxSessions(),
		Sessions:        s.viewers.Len,
	}).RegisterRoutes(s.humaAPI)

	// Viewer SSE routes using Huma + Datastar SDK
	viewerHandler := apiviewer.NewHandler(s.viewers, s.services.Layer, s.renderer, s.log)
	viewerHandler.RegisterRoutes(s.humaAPI)
	s.mux.HandleFunc("GET /viewer", viewerHandler.ServePage)

	// Binary vector tiles stay outside Huma
	api.NewTileHandler(s.services.Tile, s.log).Register(s.mux)

	s.mux.HandleFunc("/", s.handleRoot)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"service": "plat-cadastre",
		"status":  "running",
		"viewer":  s.config.PublicURL + "/viewer",
		"docs":    s.config.PublicURL + "/docs",
	})
}
