// Package db opens the DuckDB store that holds parcel attributes.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/marcboeker/go-duckdb"
)

// Config holds database configuration. An empty DataDir opens an in-memory
// database.
type Config struct {
	DataDir string
	DBName  string
}

// Path returns the database file, or "" for an in-memory database.
func (c Config) Path() string {
	if c.DataDir == "" {
		return ""
	}
	name := c.DBName
	if name == "" {
		name = "cadastre"
	}
	return filepath.Join(c.DataDir, "duckdb", name+".duckdb")
}

// Open opens a database and applies the schema.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	path := cfg.Path()
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating duckdb directory: %w", err)
		}
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("opening duckdb: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS parcels (
		id            VARCHAR PRIMARY KEY,
		parcel_number VARCHAR NOT NULL DEFAULT '',
		area          VARCHAR NOT NULL DEFAULT '',
		properties    VARCHAR NOT NULL DEFAULT '{}',
		geom_wkt      VARCHAR NOT NULL,
		min_lon       DOUBLE NOT NULL,
		min_lat       DOUBLE NOT NULL,
		max_lon       DOUBLE NOT NULL,
		max_lat       DOUBLE NOT NULL
	)`,
}

// Migrate creates the tables the services use.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating schema: %w", err)
		}
	}
	return nil
}
