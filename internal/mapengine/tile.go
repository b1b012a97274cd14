package mapengine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/maptile"

	"github.com/joeblew999/plat-cadastre/internal/parcel"
)

// TileLoader fetches the encoded tile behind a URL. A nil slice with a nil
// error is an empty tile.
type TileLoader interface {
	LoadTile(ctx context.Context, url string) ([]byte, error)
}

// TileLoaderFunc adapts a function to [TileLoader].
type TileLoaderFunc func(ctx context.Context, url string) ([]byte, error)

// LoadTile implements TileLoader.
func (f TileLoaderFunc) LoadTile(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

// HTTPTileLoader loads tiles over HTTP.
type HTTPTileLoader struct {
	Client *http.Client
}

// LoadTile implements TileLoader. 204 and 404 are treated as empty tiles.
func (h HTTPTileLoader) LoadTile(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building tile request: %w", err)
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching tile: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("fetching tile %s: %s", url, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading tile: %w", err)
	}
	return data, nil
}

// TileURL expands a {z}/{x}/{y} URL template.
func TileURL(template string, t maptile.Tile) string {
	return strings.NewReplacer(
		"{z}", strconv.FormatUint(uint64(t.Z), 10),
		"{x}", strconv.FormatUint(uint64(t.X), 10),
		"{y}", strconv.FormatUint(uint64(t.Y), 10),
	).Replace(template)
}

// Feature is a vector tile feature in lon/lat.
type Feature struct {
	id       parcel.FeatureID
	props    map[string]any
	geometry orb.Geometry
	bound    orb.Bound
	tile     maptile.Tile
	order    int
}

// ID implements parcel.Feature.
func (f *Feature) ID() parcel.FeatureID { return f.id }

// Properties implements parcel.Feature.
func (f *Feature) Properties() map[string]any { return f.props }

// Geometry returns the feature geometry in lon/lat.
func (f *Feature) Geometry() orb.Geometry { return f.geometry }

var gzipMagic = []byte{0x1f, 0x8b}

// decodeTile decodes an MVT tile, gzipped or raw, into lon/lat features. When
// the tile has a layer called name only that layer is used; otherwise all of
// them are.
func decodeTile(data []byte, t maptile.Tile, name string) ([]*Feature, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var (
		layers mvt.Layers
		err    error
	)
	if bytes.HasPrefix(data, gzipMagic) {
		layers, err = mvt.UnmarshalGzipped(data)
	} else {
		layers, err = mvt.Unmarshal(data)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding tile %v: %w", t, err)
	}
	for _, l := range layers {
		if l.Name == name {
			layers = mvt.Layers{l}
			break
		}
	}
	layers.ProjectToWGS84(t)

	var out []*Feature
	for _, l := range layers {
		for _, f := range l.Features {
			if f.Geometry == nil {
				continue
			}
			id, ok := parcel.ParseFeatureID(f.ID)
			if !ok {
				id, _ = parcel.ParseFeatureID(f.Properties["id"])
			}
			out = append(out, &Feature{
				id:       id,
				props:    f.Properties,
				geometry: f.Geometry,
				bound:    f.Geometry.Bound(),
				tile:     t,
			})
		}
	}
	return out, nil
}
