package gotiler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeblew999/plat-cadastre/internal/pmtiles"
	"github.com/joeblew999/plat-cadastre/internal/tiler"
)

var center = orb.Point{16.41774, 46.20920}

func parcelFeature(id int, c orb.Point) *geojson.Feature {
	const h = 0.0004
	f := geojson.NewFeature(orb.Polygon{orb.Ring{
		{c[0] - h, c[1] - h}, {c[0] + h, c[1] - h}, {c[0] + h, c[1] + h}, {c[0] - h, c[1] + h}, {c[0] - h, c[1] - h},
	}})
	f.ID = id
	f.Properties["parcel_number"] = "1234/5"
	return f
}

func TestEncodeTileKeepsIDsAndProperties(t *testing.T) {
	tile := maptile.At(center, 14)
	f := parcelFeature(42, center)
	before := orb.Clone(f.Geometry)

	data, err := EncodeTile(tile, []*geojson.Feature{f}, "cadastral_parcels")
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, before, f.Geometry, "source geometry is not mutated")

	layers, err := mvt.UnmarshalGzipped(data)
	require.NoError(t, err)
	require.Len(t, layers, 1)
	assert.Equal(t, "cadastral_parcels", layers[0].Name)
	require.Len(t, layers[0].Features, 1)
	assert.EqualValues(t, 42, layers[0].Features[0].ID)
	assert.Equal(t, "1234/5", layers[0].Features[0].Properties["parcel_number"])
}

func TestEncodeTileSkipsFeaturesOutsideTile(t *testing.T) {
	tile := maptile.At(center, 14)
	far := parcelFeature(1, orb.Point{center[0] + 1, center[1]})
	data, err := EncodeTile(tile, []*geojson.Feature{far}, "p")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestTilesInBound(t *testing.T) {
	b := orb.Bound{Min: orb.Point{16.40, 46.20}, Max: orb.Point{16.43, 46.22}}
	tiles := TilesInBound(b, 14)
	assert.Contains(t, tiles, maptile.At(b.Min, 14))
	assert.Contains(t, tiles, maptile.At(b.Max, 14))
	assert.Len(t, TilesInBound(b, 0), 1)
}

func TestGoTilerWritesArchive(t *testing.T) {
	dir := t.TempDir()
	fc := geojson.NewFeatureCollection()
	fc.Append(parcelFeature(42, center))
	fc.Append(parcelFeature(43, orb.Point{center[0] + 0.002, center[1]}))
	raw, err := fc.MarshalJSON()
	require.NoError(t, err)
	in := filepath.Join(dir, "parcels.geojson")
	require.NoError(t, os.WriteFile(in, raw, 0o644))

	var progress []int
	g := &GoTiler{Progress: func(p int, _ string) { progress = append(progress, p) }}
	out := filepath.Join(dir, "cadastral_parcels.pmtiles")
	require.NoError(t, g.Tile(in, out, tiler.TileConfig{Layer: "cadastral_parcels", MinZoom: 12, MaxZoom: 14}))
	assert.Equal(t, 100, progress[len(progress)-1])

	rd, err := pmtiles.Open(out)
	require.NoError(t, err)
	defer rd.Close()
	assert.Equal(t, uint8(12), rd.Header().MinZoom)

	home := maptile.At(center, 14)
	data, ok, err := rd.Tile(14, home.X, home.Y)
	require.NoError(t, err)
	require.True(t, ok)
	layers, err := mvt.UnmarshalGzipped(data)
	require.NoError(t, err)
	assert.NotEmpty(t, layers[0].Features)
}

func TestGoTilerRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "bad.geojson")
	require.NoError(t, os.WriteFile(in, []byte("{"), 0o644))
	assert.Error(t, New().Tile(in, filepath.Join(dir, "out.pmtiles"), tiler.TileConfig{}))
	assert.Error(t, New().Tile(filepath.Join(dir, "missing"), filepath.Join(dir, "out.pmtiles"), tiler.TileConfig{}))
}
