package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// SourceService manages the GeoJSON parcel sources in <data-dir>/sources.
type SourceService struct {
	sourcesDir string
	log        *zap.Logger
}

// NewSourceService creates a source service.
func NewSourceService(dataDir string, log *zap.Logger) *SourceService {
	if log == nil {
		log = zap.NewNop()
	}
	return &SourceService{
		sourcesDir: filepath.Join(dataDir, "sources"),
		log:        log.Named("sources"),
	}
}

// SourcesDir returns the path to the sources directory.
func (s *SourceService) SourcesDir() string {
	return s.sourcesDir
}

// List returns the GeoJSON files in the sources directory, sorted by name.
func (s *SourceService) List() ([]SourceFile, error) {
	entries, err := os.ReadDir(s.sourcesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []SourceFile{}, nil
		}
		return nil, err
	}

	files := []SourceFile{}
	for _, e := range entries {
		if e.IsDir() || !isGeoJSON(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, SourceFile{Name: e.Name(), Size: formatSize(info.Size())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Path returns the full path of a listed source.
func (s *SourceService) Path(name string) string {
	return filepath.Join(s.sourcesDir, filepath.Base(name))
}

// Importer stores parcels read from a GeoJSON file.
type Importer interface {
	ImportFile(ctx context.Context, path string) (imported, skipped int, err error)
}

// ImportAll imports every source into dst and returns the number of parcels
// stored. A failing file is logged and skipped.
func (s *SourceService) ImportAll(ctx context.Context, dst Importer) (int, error) {
	files, err := s.List()
	if err != nil {
		return 0, fmt.Errorf("listing sources: %w", err)
	}
	total := 0
	for _, f := range files {
		n, skipped, err := dst.ImportFile(ctx, s.Path(f.Name))
		if err != nil {
			s.log.Warn("source import failed", zap.String("file", f.Name), zap.Error(err))
			continue
		}
		s.log.Info("source imported", zap.String("file", f.Name), zap.Int("parcels", n), zap.Int("skipped", skipped))
		total += n
	}
	return total, ctx.Err()
}

func isGeoJSON(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".geojson", ".json":
		return true
	}
	return false
}
