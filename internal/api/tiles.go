package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/joeblew999/plat-cadastre/internal/service"
)

// TileSource is the tile lookup behind [TileHandler].
type TileSource interface {
	Tile(ctx context.Context, mapName string, z, x, y uint32) ([]byte, error)
}

// TileHandler serves gzipped vector tiles at /tiles/{map}/{z}/{x}/{y}.mvt.
// Tiles are binary, so this sits on the mux next to the Huma API.
type TileHandler struct {
	tiles TileSource
	log   *zap.Logger
}

func NewTileHandler(tiles TileSource, log *zap.Logger) *TileHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &TileHandler{tiles: tiles, log: log.Named("tiles")}
}

// Register mounts the handler on mux.
func (h *TileHandler) Register(mux *http.ServeMux) {
	mux.Handle("GET /tiles/{map}/{z}/{x}/{y}", h)
	mux.Handle("OPTIONS /tiles/{map}/{z}/{x}/{y}", h)
}

func (h *TileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	z, errZ := strconv.ParseUint(r.PathValue("z"), 10, 32)
	x, errX := strconv.ParseUint(r.PathValue("x"), 10, 32)
	yName, ok := strings.CutSuffix(r.PathValue("y"), ".mvt")
	if !ok {
		yName, ok = strings.CutSuffix(yName, ".pbf")
	}
	y, errY := strconv.ParseUint(yName, 10, 32)
	if !ok || errZ != nil || errX != nil || errY != nil {
		http.Error(w, "tile path must be /tiles/{map}/{z}/{x}/{y}.mvt", http.StatusBadRequest)
		return
	}

	data, err := h.tiles.Tile(r.Context(), r.PathValue("map"), uint32(z), uint32(x), uint32(y))
	switch {
	case errors.Is(err, service.ErrUnknownMap):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, service.ErrTileOutOfRange):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		h.log.Error("serving tile", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "tile unavailable", http.StatusInternalServerError)
		return
	}
	if data == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.mapbox-vector-tile")
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}
