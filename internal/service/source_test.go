package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceListAndImportAll(t *testing.T) {
	dir := t.TempDir()
	src := NewSourceService(dir, nil)

	files, err := src.List()
	require.NoError(t, err)
	assert.Empty(t, files)

	require.NoError(t, os.MkdirAll(src.SourcesDir(), 0o755))
	raw, err := parcelCollection().MarshalJSON()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(src.SourcesDir(), "b.geojson"), raw, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src.SourcesDir(), "a.json"), []byte("not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src.SourcesDir(), "notes.txt"), []byte("x"), 0o644))

	files, err = src.List()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.json", files[0].Name)
	assert.Equal(t, "b.geojson", files[1].Name)

	parcels := newParcels(t)
	n, err := src.ImportAll(context.Background(), parcels)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "the broken file is skipped")

	assert.Equal(t, filepath.Join(src.SourcesDir(), "b.geojson"), src.Path("../b.geojson"))
}
