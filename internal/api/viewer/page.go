package viewer

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/joeblew999/plat-cadastre/internal/parcel"
	"github.com/joeblew999/plat-cadastre/internal/service"
	sessions "github.com/joeblew999/plat-cadastre/internal/viewer"
)

// DefaultViewport is the page size when the request does not give one.
var DefaultViewport = parcel.Size{Width: 1200, Height: 900}

// PageData is the data of the "viewer-page" template.
type PageData struct {
	Title         string
	Width, Height float64
	LandCover     bool
	Lon, Lat      float64
	Zoom          float64
	LayersJSON    string

	EventsURL    string
	ClickURL     string
	MoveStartURL string
	LandCoverURL string
}

// pageLayer is what the browser map needs to draw a layer.
type pageLayer struct {
	ID          string  `json:"id"`
	Kind        string  `json:"kind"`
	URL         string  `json:"url,omitempty"`
	ZIndex      int     `json:"zIndex"`
	Opacity     float64 `json:"opacity,omitempty"`
	Visible     bool    `json:"visible"`
	Attribution string  `json:"attribution,omitempty"`
}

// ServePage opens a session and renders the viewer page bound to it. The
// viewport can be given with the width and height query parameters.
func (h *Handler) ServePage(w http.ResponseWriter, r *http.Request) {
	if h.Renderer == nil {
		http.Error(w, "viewer templates not loaded", http.StatusServiceUnavailable)
		return
	}
	size := DefaultViewport
	if v, err := strconv.ParseFloat(r.URL.Query().Get("width"), 64); err == nil && v > 0 {
		size.Width = v
	}
	if v, err := strconv.ParseFloat(r.URL.Query().Get("height"), 64); err == nil && v > 0 {
		size.Height = v
	}

	s, err := h.manager.Open(r.Context(), size)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	snap, err := s.Snapshot(r.Context())
	if err != nil {
		h.manager.CloseSession(s.ID())
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	base := "/api/v1/viewer/" + s.ID()
	html, err := h.Render("viewer-page", PageData{
		Title:        "Cadastral parcels",
		Width:        snap.Size.Width,
		Height:       snap.Size.Height,
		LandCover:    snap.LandCover,
		Lon:          snap.View.Center[0],
		Lat:          snap.View.Center[1],
		Zoom:         snap.View.Zoom,
		LayersJSON:   h.layersJSON(snap.LandCover),
		EventsURL:    base + "/events",
		ClickURL:     base + "/click",
		MoveStartURL: base + "/movestart",
		LandCoverURL: base + "/landcover",
	})
	if err != nil {
		h.log.Error("rendering viewer page", zap.Error(err))
		h.manager.CloseSession(s.ID())
		http.Error(w, "rendering viewer page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(html))
}

func (h *Handler) layersJSON(landCover bool) string {
	var out []pageLayer
	if h.layers != nil {
		for _, l := range h.layers.List() {
			visible := l.DefaultVisible
			if l.ID == service.LandCoverLayerID {
				visible = landCover
			}
			out = append(out, pageLayer{
				ID:          l.ID,
				Kind:        l.Kind,
				URL:         sessions.LayerURL(l),
				ZIndex:      l.ZIndex,
				Opacity:     l.Opacity,
				Visible:     visible,
				Attribution: l.Attribution,
			})
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "[]"
	}
	return string(data)
}
