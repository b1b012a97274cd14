// Package tiler turns parcel GeoJSON into a PMTiles archive of vector tiles.
package tiler

import (
	"errors"
	"fmt"
)

// TileConfig controls archive generation.
type TileConfig struct {
	Layer   string // layer name inside each tile
	MinZoom int
	MaxZoom int
}

// ProgressFunc receives a percentage and a status line.
type ProgressFunc func(progress int, status string)

// Tiler is a tile generation engine.
type Tiler interface {
	Name() string
	Available() bool
	Tile(inputPath, outputPath string, cfg TileConfig) error
}

// ErrNoTiler is returned by Select when no engine can run.
var ErrNoTiler = errors.New("no tile engine available")

// Select returns the engine called name, or the first available one when
// name is empty.
func Select(name string, engines ...Tiler) (Tiler, error) {
	for _, t := range engines {
		if name != "" && t.Name() != name {
			continue
		}
		if !t.Available() {
			if name != "" {
				return nil, fmt.Errorf("tile engine %q is not available", name)
			}
			continue
		}
		return t, nil
	}
	if name != "" {
		return nil, fmt.Errorf("unknown tile engine %q", name)
	}
	return nil, ErrNoTiler
}
