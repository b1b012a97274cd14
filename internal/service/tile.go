package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/joeblew999/plat-cadastre/internal/parcel"
	"github.com/joeblew999/plat-cadastre/internal/pmtiles"
	"github.com/joeblew999/plat-cadastre/internal/tiler/gotiler"
)

var (
	ErrUnknownMap     = errors.New("unknown map")
	ErrTileOutOfRange = errors.New("tile coordinates out of range")
)

// MaxTileZoom is the deepest zoom the tile endpoint accepts.
const MaxTileZoom = 22

const tileCacheSize = 4096

// FeatureSource provides parcel features for on-demand tile encoding.
type FeatureSource interface {
	Features(ctx context.Context, b orb.Bound) ([]*geojson.Feature, error)
}

type tileKey struct {
	z, x, y uint32
}

// TileService serves the cadastral_parcels vector tiles. A prebuilt archive
// tiles/cadastral_parcels.pmtiles is used when present; otherwise tiles are
// encoded from the parcel store on first request and cached.
type TileService struct {
	tilesDir string
	source   FeatureSource
	log      *zap.Logger

	mu      sync.Mutex
	archive *pmtiles.Reader
	opened  bool
	cache   map[tileKey][]byte

	group singleflight.Group
}

// NewTileService creates a tile service over dataDir/tiles.
func NewTileService(dataDir string, source FeatureSource, log *zap.Logger) *TileService {
	if log == nil {
		log = zap.NewNop()
	}
	return &TileService{
		tilesDir: filepath.Join(dataDir, "tiles"),
		source:   source,
		log:      log.Named("tiles"),
		cache:    map[tileKey][]byte{},
	}
}

// TilesDir returns the path to the tiles directory.
func (s *TileService) TilesDir() string {
	return s.tilesDir
}

// ArchivePath returns where the archive of the parcel map lives.
func (s *TileService) ArchivePath() string {
	return filepath.Join(s.tilesDir, parcel.CadastralMapName+".pmtiles")
}

// List returns the PMTiles archives in the tiles directory.
func (s *TileService) List() ([]TileFile, error) {
	entries, err := os.ReadDir(s.tilesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []TileFile{}, nil
		}
		return nil, err
	}
	files := []TileFile{}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".pmtiles" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, TileFile{Name: e.Name(), Size: formatSize(info.Size())})
	}
	return files, nil
}

// Capabilities describes the maps served here in the tegola shape the
// viewer discovers its tile URL from. baseURL is the public server root.
func (s *TileService) Capabilities(baseURL string) parcel.Capabilities {
	base := strings.TrimSuffix(baseURL, "/")
	return parcel.Capabilities{Maps: []parcel.CapabilityMap{{
		Name:  parcel.CadastralMapName,
		Tiles: []string{base + "/tiles/" + parcel.CadastralMapName + "/{z}/{x}/{y}.mvt"},
	}}}
}

// Tile returns the gzipped MVT tile z/x/y of mapName, or nil for an empty
// tile.
func (s *TileService) Tile(ctx context.Context, mapName string, z, x, y uint32) ([]byte, error) {
	if mapName != parcel.CadastralMapName {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMap, mapName)
	}
	if z > MaxTileZoom || x >= 1<<z || y >= 1<<z {
		return nil, fmt.Errorf("%w: %d/%d/%d", ErrTileOutOfRange, z, x, y)
	}

	if rd := s.openArchive(); rd != nil {
		data, ok, err := rd.Tile(uint8(z), x, y)
		if err != nil || !ok {
			return nil, err
		}
		return data, nil
	}

	key := tileKey{z, x, y}
	s.mu.Lock()
	data, ok := s.cache[key]
	s.mu.Unlock()
	if ok {
		return data, nil
	}

	v, err, _ := s.group.Do(fmt.Sprintf("%d/%d/%d", z, x, y), func() (any, error) {
		return s.encode(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (s *TileService) encode(ctx context.Context, key tileKey) ([]byte, error) {
	if s.source == nil {
		return nil, nil
	}
	t := maptile.New(key.x, key.y, maptile.Zoom(key.z))
	features, err := s.source.Features(ctx, t.Bound())
	if err != nil {
		return nil, fmt.Errorf("loading parcels for tile: %w", err)
	}
	data, err := gotiler.EncodeTile(t, features, parcel.CadastralMapName)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if len(s.cache) >= tileCacheSize {
		clear(s.cache)
	}
	s.cache[key] = data
	s.mu.Unlock()
	s.log.Debug("tile encoded",
		zap.Uint32("z", key.z), zap.Uint32("x", key.x), zap.Uint32("y", key.y),
		zap.Int("features", len(features)), zap.Int("bytes", len(data)))
	return data, nil
}

// openArchive opens the archive once; a missing archive is remembered until
// Invalidate.
func (s *TileService) openArchive() *pmtiles.Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return s.archive
	}
	s.opened = true
	rd, err := pmtiles.Open(s.ArchivePath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("ignoring unreadable tile archive", zap.String("path", s.ArchivePath()), zap.Error(err))
		}
		return nil
	}
	s.log.Info("serving tiles from archive", zap.String("path", s.ArchivePath()))
	s.archive = rd
	return rd
}

// Invalidate drops cached tiles and the open archive, after an import or a
// rebuilt archive.
func (s *TileService) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.cache)
	if s.archive != nil {
		s.archive.Close()
		s.archive = nil
	}
	s.opened = false
}

// Close releases the archive.
func (s *TileService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.archive == nil {
		return nil
	}
	err := s.archive.Close()
	s.archive = nil
	return err
}

// formatSize returns a human-readable file size.
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
