package service

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayerServiceSeedsDefaults(t *testing.T) {
	s := NewLayerService(t.TempDir(), nil, nil)
	layers := s.List()
	require.Len(t, layers, 3)
	assert.Equal(t, BaseLayerID, layers[0].ID)
	assert.Equal(t, LandCoverLayerID, layers[1].ID)
	assert.Equal(t, ParcelLayerID, layers[2].ID)

	lc, ok := s.Get(LandCoverLayerID)
	require.True(t, ok)
	assert.Equal(t, KindWMS, lc.Kind)
	assert.Equal(t, "13", lc.WMSLayers)
	assert.Equal(t, 0.7, lc.Opacity)

	p, ok := s.Get(ParcelLayerID)
	require.True(t, ok)
	assert.True(t, p.Selectable)
	require.NotNil(t, p.Palette)
	assert.Equal(t, "#4ECDC4", p.Palette.Default.Stroke)
}

func TestLayerServiceUpdatePersistsAndPublishes(t *testing.T) {
	dir := t.TempDir()
	bus := NewEventBus()
	defer bus.Close()
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	s := NewLayerService(dir, bus, nil)
	lc, _ := s.Get(LandCoverLayerID)
	lc.Opacity = 0.4
	lc.ID = "ignored"
	got, err := s.Update(LandCoverLayerID, lc)
	require.NoError(t, err)
	assert.Equal(t, LandCoverLayerID, got.ID)

	select {
	case e := <-events:
		assert.Equal(t, Event{Resource: "layers", Action: "updated", ID: LandCoverLayerID}, e)
	default:
		t.Fatal("no event published")
	}

	reloaded := NewLayerService(dir, nil, nil)
	lc, ok := reloaded.Get(LandCoverLayerID)
	require.True(t, ok)
	assert.Equal(t, 0.4, lc.Opacity)

	_, err = s.Update("missing", lc)
	assert.ErrorIs(t, err, ErrLayerNotFound)
}

func TestLayerServiceCreate(t *testing.T) {
	s := NewLayerService(t.TempDir(), nil, nil)
	l, err := s.Create(LayerConfig{Name: "Flood Zones!", Kind: KindWMS, ZIndex: 3})
	require.NoError(t, err)
	assert.Equal(t, "flood_zones", l.ID)
	assert.Len(t, s.List(), 4)

	_, err = s.Create(LayerConfig{Name: "Flood Zones", Kind: KindWMS})
	assert.Error(t, err)
	_, err = s.Create(LayerConfig{Name: "!!", Kind: KindWMS})
	assert.Error(t, err)
}

func TestLayerServiceReseedsUnreadableConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "layers.json"), []byte("{nope"), 0o644))
	s := NewLayerService(dir, nil, nil)
	assert.Len(t, s.List(), 3)
}
