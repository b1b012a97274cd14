package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigPath(t *testing.T) {
	assert.Empty(t, Config{}.Path())
	assert.Equal(t, filepath.Join("data", "duckdb", "cadastre.duckdb"), Config{DataDir: "data"}.Path())
	assert.Equal(t, filepath.Join("data", "duckdb", "x.duckdb"), Config{DataDir: "data", DBName: "x"}.Path())
}

func TestOpenAppliesSchema(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(ctx, db), "migrations are repeatable")

	var n int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT count(*) FROM parcels").Scan(&n))
	assert.Zero(t, n)
}
