package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/joeblew999/plat-cadastre/internal/parcel"
)

// ErrLayerNotFound is returned for an unknown layer id.
var ErrLayerNotFound = errors.New("layer not found")

// Default layer ids.
const (
	BaseLayerID      = "osm"
	LandCoverLayerID = "land_cover"
	ParcelLayerID    = parcel.CadastralMapName
)

// DefaultLayers is the stack a fresh data directory starts with: an
// OpenStreetMap base, the CORINE 2018 land cover and the parcels on top.
func DefaultLayers() []LayerConfig {
	palette := parcel.DefaultPalette()
	return []LayerConfig{
		{
			ID:             BaseLayerID,
			Name:           "OpenStreetMap",
			Kind:           KindXYZ,
			URL:            "https://tile.openstreetmap.org/{z}/{x}/{y}.png",
			ZIndex:         0,
			Opacity:        1,
			DefaultVisible: true,
			Attribution:    "© OpenStreetMap contributors",
		},
		{
			ID:             LandCoverLayerID,
			Name:           "Land cover (CORINE 2018)",
			Kind:           KindWMS,
			URL:            "https://image.discomap.eea.europa.eu/arcgis/services/Corine/CLC2018_WM/MapServer/WMSServer",
			WMSLayers:      "13",
			ZIndex:         1,
			Opacity:        0.7,
			DefaultVisible: true,
			Attribution:    "© European Environment Agency",
		},
		{
			ID:             ParcelLayerID,
			Name:           "Cadastral parcels",
			Kind:           KindVector,
			ZIndex:         2,
			Opacity:        1,
			DefaultVisible: true,
			Selectable:     true,
			Palette:        &palette,
		},
	}
}

// LayerService manages the viewer layer configurations, persisted in
// <data-dir>/layers.json.
type LayerService struct {
	dataDir string
	bus     *EventBus
	log     *zap.Logger

	mu     sync.RWMutex
	layers map[string]LayerConfig
}

// NewLayerService loads the layers of dataDir, seeding DefaultLayers when
// none are stored. Changes are published on bus when it is not nil.
func NewLayerService(dataDir string, bus *EventBus, log *zap.Logger) *LayerService {
	if log == nil {
		log = zap.NewNop()
	}
	s := &LayerService{
		dataDir: dataDir,
		bus:     bus,
		log:     log.Named("layers"),
		layers:  make(map[string]LayerConfig),
	}
	if err := s.loadFromDisk(); err != nil || len(s.layers) == 0 {
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("ignoring unreadable layer config", zap.String("path", s.configFile()), zap.Error(err))
		}
		s.seed()
	}
	return s
}

func (s *LayerService) seed() {
	s.layers = make(map[string]LayerConfig)
	for _, l := range DefaultLayers() {
		s.layers[l.ID] = l
	}
}

// List returns every layer ordered by z-index, bottom first.
func (s *LayerService) List() []LayerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]LayerConfig, 0, len(s.layers))
	for _, l := range s.layers {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ZIndex != out[j].ZIndex {
			return out[i].ZIndex < out[j].ZIndex
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns a layer by id.
func (s *LayerService) Get(id string) (LayerConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.layers[id]
	return l, ok
}

// Create adds a layer. The id is derived from the name when empty.
func (s *LayerService) Create(layer LayerConfig) (LayerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if layer.ID == "" {
		layer.ID = generateID(layer.Name)
	}
	if layer.ID == "" {
		return LayerConfig{}, errors.New("layer needs an id or a name")
	}
	if _, exists := s.layers[layer.ID]; exists {
		return LayerConfig{}, fmt.Errorf("layer with ID %q already exists", layer.ID)
	}
	s.layers[layer.ID] = layer
	if err := s.saveToDisk(); err != nil {
		delete(s.layers, layer.ID)
		return LayerConfig{}, err
	}
	s.publish("created", layer.ID)
	return layer, nil
}

// Update replaces the layer with the given id.
func (s *LayerService) Update(id string, layer LayerConfig) (LayerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.layers[id]
	if !exists {
		return LayerConfig{}, fmt.Errorf("%w: %q", ErrLayerNotFound, id)
	}
	layer.ID = id
	s.layers[id] = layer
	if err := s.saveToDisk(); err != nil {
		s.layers[id] = prev
		return LayerConfig{}, err
	}
	s.publish("updated", id)
	return layer, nil
}

func (s *LayerService) publish(action, id string) {
	s.log.Info("layer "+action, zap.String("layer", id))
	if s.bus != nil {
		s.bus.Publish(Event{Resource: "layers", Action: action, ID: id})
	}
}

func (s *LayerService) configFile() string {
	return filepath.Join(s.dataDir, "layers.json")
}

func (s *LayerService) loadFromDisk() error {
	data, err := os.ReadFile(s.configFile())
	if err != nil {
		return err
	}
	var layers map[string]LayerConfig
	if err := json.Unmarshal(data, &layers); err != nil {
		return err
	}
	for id, l := range layers {
		l.ID = id
		layers[id] = l
	}
	s.layers = layers
	return nil
}

func (s *LayerService) saveToDisk() error {
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.layers, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.configFile(), data, 0o644)
}

// generateID creates a URL-safe id from a name.
func generateID(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.ReplaceAll(name, " ", "_")) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
