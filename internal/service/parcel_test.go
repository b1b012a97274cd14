package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeblew999/plat-cadastre/internal/db"
)

var home = orb.Point{16.41774, 46.20920}

func square(c orb.Point, h float64) orb.Polygon {
	return orb.Polygon{orb.Ring{
		{c[0] - h, c[1] - h}, {c[0] + h, c[1] - h}, {c[0] + h, c[1] + h}, {c[0] - h, c[1] + h}, {c[0] - h, c[1] - h},
	}}
}

func parcelCollection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	a := geojson.NewFeature(square(home, 0.0004))
	a.ID = 42
	a.Properties["parcel_number"] = "1234/5"
	a.Properties["area"] = 812.5
	a.Properties["land_use"] = "orchard"
	a.Properties["layer"] = "cadastral_parcels"
	fc.Append(a)

	b := geojson.NewFeature(square(orb.Point{home[0] + 0.002, home[1]}, 0.0004))
	b.Properties["id"] = "HR-43"
	b.Properties["parcel_number"] = "1235"
	fc.Append(b)

	fc.Append(geojson.NewFeature(square(home, 0.001))) // no id
	return fc
}

func newParcels(t *testing.T) *ParcelService {
	t.Helper()
	conn, err := db.Open(context.Background(), db.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewParcelService(conn, nil)
}

func TestParcelFromFeature(t *testing.T) {
	fc := parcelCollection()

	p, err := ParcelFromFeature(fc.Features[0])
	require.NoError(t, err)
	assert.Equal(t, Parcel{
		ID:           "42",
		ParcelNumber: "1234/5",
		Area:         "812.5",
		Properties:   map[string]string{"land_use": "orchard"},
	}, p)

	p, err = ParcelFromFeature(fc.Features[1])
	require.NoError(t, err)
	assert.Equal(t, "HR-43", p.ID)

	_, err = ParcelFromFeature(fc.Features[2])
	assert.Error(t, err)

	unnumbered := geojson.NewFeature(square(home, 0.0004))
	unnumbered.ID = 7
	p, err = ParcelFromFeature(unnumbered)
	require.NoError(t, err)
	assert.Equal(t, "7", p.ParcelNumber)
}

func TestParcelImportAndGet(t *testing.T) {
	ctx := context.Background()
	s := newParcels(t)

	imported, skipped, err := s.Import(ctx, parcelCollection())
	require.NoError(t, err)
	assert.Equal(t, 2, imported)
	assert.Equal(t, 1, skipped)

	p, err := s.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "1234/5", p.ParcelNumber)
	assert.Equal(t, "812.5", p.Area)
	assert.Equal(t, map[string]any{
		"parcel_number": "1234/5",
		"area":          "812.5",
		"land_use":      "orchard",
	}, p.DetailProperties())

	_, err = s.Get(ctx, "404")
	assert.ErrorIs(t, err, ErrParcelNotFound)

	// re-import replaces rows
	imported, _, err = s.Import(ctx, parcelCollection())
	require.NoError(t, err)
	assert.Equal(t, 2, imported)
	_, total, err := s.List(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestParcelList(t *testing.T) {
	ctx := context.Background()
	s := newParcels(t)
	_, _, err := s.Import(ctx, parcelCollection())
	require.NoError(t, err)

	page, total, err := s.List(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, page, 1)
	assert.Equal(t, "42", page[0].ID)

	page, _, err = s.List(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "HR-43", page[0].ID)

	page, _, err = s.List(ctx, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestParcelFeaturesInBound(t *testing.T) {
	ctx := context.Background()
	s := newParcels(t)
	_, _, err := s.Import(ctx, parcelCollection())
	require.NoError(t, err)

	near := orb.Bound{Min: orb.Point{home[0] - 0.0001, home[1] - 0.0001}, Max: orb.Point{home[0] + 0.0001, home[1] + 0.0001}}
	fs, err := s.Features(ctx, near)
	require.NoError(t, err)
	require.Len(t, fs, 1)
	assert.Equal(t, uint64(42), fs[0].ID)
	assert.Equal(t, "42", fs[0].Properties["id"])
	assert.Equal(t, "orchard", fs[0].Properties["land_use"])
	assert.Equal(t, square(home, 0.0004), fs[0].Geometry)

	wide := orb.Bound{Min: orb.Point{16, 46}, Max: orb.Point{17, 47}}
	fs, err = s.Features(ctx, wide)
	require.NoError(t, err)
	require.Len(t, fs, 2)
	assert.Nil(t, fs[1].ID, "non-numeric ids stay out of the tile id")
	assert.Equal(t, "HR-43", fs[1].Properties["id"])

	b, ok, err := s.Bound(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, home[0]-0.0004, b.Min[0], 1e-9)
	assert.InDelta(t, home[0]+0.0024, b.Max[0], 1e-9)
}

func TestParcelBoundEmpty(t *testing.T) {
	_, ok, err := newParcels(t).Bound(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParcelImportFile(t *testing.T) {
	ctx := context.Background()
	s := newParcels(t)
	raw, err := parcelCollection().MarshalJSON()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "parcels.geojson")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	n, _, err := s.ImportFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, _, err = s.ImportFile(ctx, filepath.Join(t.TempDir(), "missing.geojson"))
	assert.Error(t, err)
}
