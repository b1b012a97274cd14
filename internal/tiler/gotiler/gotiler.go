// Package gotiler generates parcel vector tiles in pure Go with paulmach/orb.
//
// It backs both the build-tiles command, which writes a PMTiles archive, and
// the tile service, which encodes single tiles on demand when no archive
// exists.
package gotiler

import (
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"

	"github.com/joeblew999/plat-cadastre/internal/pmtiles"
	"github.com/joeblew999/plat-cadastre/internal/tiler"
)

// MaxZoom is the deepest zoom generated; viewers overzoom beyond it.
const MaxZoom = 14

// GoTiler implements tiler.Tiler.
type GoTiler struct {
	Progress tiler.ProgressFunc
}

var _ tiler.Tiler = (*GoTiler)(nil)

// New creates a GoTiler.
func New() *GoTiler { return &GoTiler{} }

// Name returns the engine name.
func (g *GoTiler) Name() string { return "go" }

// Available is always true.
func (g *GoTiler) Available() bool { return true }

// Tile converts a GeoJSON feature collection file to a PMTiles archive.
func (g *GoTiler) Tile(inputPath, outputPath string, cfg tiler.TileConfig) error {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("reading geojson: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return fmt.Errorf("parsing geojson: %w", err)
	}

	cfg = normalize(cfg)
	var tiles []pmtiles.Tile
	for z := cfg.MinZoom; z <= cfg.MaxZoom; z++ {
		zt, err := TileZoom(fc.Features, maptile.Zoom(z), cfg.Layer)
		if err != nil {
			return err
		}
		tiles = append(tiles, zt...)
		g.report(10+80*(z-cfg.MinZoom+1)/(cfg.MaxZoom-cfg.MinZoom+1), fmt.Sprintf("zoom %d: %d tiles", z, len(zt)))
	}

	err = pmtiles.WriteFile(outputPath, tiles, pmtiles.ArchiveOptions{
		Name:            cfg.Layer,
		TileType:        pmtiles.Mvt,
		TileCompression: pmtiles.Gzip,
		MinZoom:         uint8(cfg.MinZoom),
		MaxZoom:         uint8(cfg.MaxZoom),
		Metadata: map[string]any{
			"format":        "pbf",
			"vector_layers": []map[string]any{{"id": cfg.Layer}},
		},
	})
	if err != nil {
		return fmt.Errorf("writing %s: %w", outputPath, err)
	}
	g.report(100, fmt.Sprintf("%d tiles written", len(tiles)))
	return nil
}

func (g *GoTiler) report(pct int, status string) {
	if g.Progress != nil {
		g.Progress(pct, status)
	}
}

func normalize(cfg tiler.TileConfig) tiler.TileConfig {
	if cfg.Layer == "" {
		cfg.Layer = "cadastral_parcels"
	}
	if cfg.MinZoom < 0 {
		cfg.MinZoom = 0
	}
	if cfg.MaxZoom <= 0 || cfg.MaxZoom > MaxZoom {
		cfg.MaxZoom = MaxZoom
	}
	if cfg.MinZoom > cfg.MaxZoom {
		cfg.MinZoom = cfg.MaxZoom
	}
	return cfg
}

// TileZoom encodes every non-empty tile of zoom z.
func TileZoom(features []*geojson.Feature, z maptile.Zoom, layer string) ([]pmtiles.Tile, error) {
	byTile := map[maptile.Tile][]*geojson.Feature{}
	for _, f := range features {
		if f.Geometry == nil {
			continue
		}
		for _, t := range TilesInBound(f.Geometry.Bound(), z) {
			byTile[t] = append(byTile[t], f)
		}
	}

	var out []pmtiles.Tile
	for t, fs := range byTile {
		data, err := EncodeTile(t, fs, layer)
		if err != nil {
			return nil, err
		}
		if data != nil {
			out = append(out, pmtiles.Tile{Z: uint8(t.Z), X: t.X, Y: t.Y, Data: data})
		}
	}
	return out, nil
}

// EncodeTile builds a gzipped MVT tile holding the parts of features inside
// t. It returns nil when nothing remains after clipping.
func EncodeTile(t maptile.Tile, features []*geojson.Feature, layer string) ([]byte, error) {
	bound := t.Bound()
	fc := geojson.NewFeatureCollection()
	for _, f := range features {
		if f.Geometry == nil || !intersects(f.Geometry, bound) {
			continue
		}
		// clip and projection mutate geometry in place
		clone := geojson.NewFeature(orb.Clone(f.Geometry))
		clone.ID = f.ID
		for k, v := range f.Properties {
			clone.Properties[k] = v
		}
		fc.Append(clone)
	}
	if len(fc.Features) == 0 {
		return nil, nil
	}

	l := mvt.NewLayer(layer, fc)
	if eps := simplifyEpsilon(t.Z); eps > 0 {
		l.Simplify(simplify.DouglasPeucker(eps))
	}
	l.Clip(bound)
	l.ProjectToTile(t)
	l.RemoveEmpty(0.5, 0.5)
	if len(l.Features) == 0 {
		return nil, nil
	}

	data, err := mvt.MarshalGzipped(mvt.Layers{l})
	if err != nil {
		return nil, fmt.Errorf("encoding tile %d/%d/%d: %w", t.Z, t.X, t.Y, err)
	}
	return data, nil
}

// intersects refines the bounding box test for polygons: a polygon whose
// box overlaps the tile but whose area misses it is skipped.
func intersects(g orb.Geometry, b orb.Bound) bool {
	if !g.Bound().Intersects(b) {
		return false
	}
	switch g := g.(type) {
	case orb.Polygon:
		if len(g) == 0 {
			return false
		}
		for _, p := range g[0] {
			if b.Contains(p) {
				return true
			}
		}
		corners := []orb.Point{b.Min, {b.Max[0], b.Min[1]}, b.Max, {b.Min[0], b.Max[1]}, b.Center()}
		for _, c := range corners {
			if planar.PolygonContains(g, c) {
				return true
			}
		}
		return false
	case orb.MultiPolygon:
		for _, p := range g {
			if intersects(p, b) {
				return true
			}
		}
		return false
	}
	return true
}

// TilesInBound lists the tiles of zoom z overlapping b.
func TilesInBound(b orb.Bound, z maptile.Zoom) []maptile.Tile {
	lo := maptile.At(orb.Point{b.Min[0], b.Max[1]}, z)
	hi := maptile.At(orb.Point{b.Max[0], b.Min[1]}, z)

	var tiles []maptile.Tile
	for x := lo.X; x <= hi.X; x++ {
		for y := lo.Y; y <= hi.Y; y++ {
			tiles = append(tiles, maptile.New(x, y, z))
		}
	}
	return tiles
}

// simplifyEpsilon is the Douglas-Peucker tolerance in degrees. Parcels are
// tens of meters across, so detail is kept from zoom 13 on.
func simplifyEpsilon(z maptile.Zoom) float64 {
	switch {
	case z >= 13:
		return 0
	case z >= 10:
		return 0.00001
	case z >= 6:
		return 0.0001
	}
	return 0.0005
}
