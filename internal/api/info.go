package api

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"
)

// Version is reported by /health and /api/v1/info.
const Version = "0.1.0"

// InfoConfig is what /api/v1/info reports about the running server.
type InfoConfig struct {
	DataDir         string
	DB              bool
	CapabilitiesURL string
	ParcelURL       string
	FetchTimeout    time.Duration
	MaxSessions     int
	// Sessions counts the open viewer sessions. Nil reports zero.
	Sessions func() int
}

// InfoHandler reports the server configuration.
type InfoHandler struct {
	cfg InfoConfig
}

func NewInfoHandler(cfg InfoConfig) *InfoHandler {
	return &InfoHandler{cfg: cfg}
}

func (h *InfoHandler) RegisterRoutes(api huma.API) {
	huma.Get(api, "/api/v1/info", h.GetInfo, huma.OperationTags("health"))
}

type InfoBody struct {
	Name            string   `json:"name" doc:"Service name"`
	Version         string   `json:"version" doc:"Service version"`
	DataDir         string   `json:"data_dir" doc:"Data directory path"`
	DB              bool     `json:"db" doc:"Whether the parcel database is available"`
	CapabilitiesURL string   `json:"capabilities_url,omitempty" doc:"Tegola capabilities document viewers discover the parcel tiles from"`
	ParcelURL       string   `json:"parcel_url,omitempty" doc:"Parcel detail endpoint template" example:"http://127.0.0.1:8086/api/v1/parcels/{id}"`
	Discovery       bool     `json:"discovery" doc:"Whether viewers run capability discovery"`
	FetchTimeout    string   `json:"fetch_timeout" doc:"Timeout for capability, detail and tile requests" example:"10s"`
	Sessions        int      `json:"sessions" doc:"Open viewer sessions"`
	MaxSessions     int      `json:"max_sessions,omitempty" doc:"Viewer session limit"`
	Features        []string `json:"features" doc:"Available features"`
}

func (h *InfoHandler) GetInfo(ctx context.Context, input *struct{}) (*struct{ Body InfoBody }, error) {
	body := InfoBody{
		Name:            "plat-cadastre",
		Version:         Version,
		DataDir:         h.cfg.DataDir,
		DB:              h.cfg.DB,
		CapabilitiesURL: h.cfg.CapabilitiesURL,
		ParcelURL:       h.cfg.ParcelURL,
		Discovery:       h.cfg.CapabilitiesURL != "",
		FetchTimeout:    h.cfg.FetchTimeout.String(),
		MaxSessions:     h.cfg.MaxSessions,
		Features:        []string{"mvt", "pmtiles", "viewer-sse"},
	}
	if h.cfg.Sessions != nil {
		body.Sessions = h.cfg.Sessions()
	}
	if h.cfg.DB {
		body.Features = append(body.Features, "duckdb", "parcel-detail")
	}
	if body.Discovery {
		body.Features = append(body.Features, "discovery")
	}
	return &struct{ Body InfoBody }{Body: body}, nil
}
