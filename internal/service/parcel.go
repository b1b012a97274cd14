package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/joeblew999/plat-cadastre/internal/parcel"
)

// ErrParcelNotFound is returned when no parcel has the requested id.
var ErrParcelNotFound = errors.New("parcel not found")

// ParcelService stores parcel attributes and geometry in DuckDB.
type ParcelService struct {
	db  *sql.DB
	log *zap.Logger
}

// NewParcelService creates a parcel service on an opened database.
func NewParcelService(db *sql.DB, log *zap.Logger) *ParcelService {
	if log == nil {
		log = zap.NewNop()
	}
	return &ParcelService{db: db, log: log.Named("parcels")}
}

// ParcelFromFeature extracts the stored fields of a GeoJSON parcel. The id
// comes from the feature id, or an "id" property when the feature has none.
// A parcel without a number is numbered by its id.
func ParcelFromFeature(f *geojson.Feature) (Parcel, error) {
	id, ok := parcel.ParseFeatureID(f.ID)
	if !ok {
		id, ok = parcel.ParseFeatureID(f.Properties["id"])
	}
	if !ok {
		return Parcel{}, errors.New("feature has no usable id")
	}
	p := Parcel{ID: string(id)}
	for k, v := range f.Properties {
		switch k {
		case "id", "geometry", "layer":
		case "parcel_number":
			p.ParcelNumber = parcel.FormatValue(v)
		case "area":
			p.Area = parcel.FormatValue(v)
		default:
			if p.Properties == nil {
				p.Properties = map[string]string{}
			}
			p.Properties[k] = parcel.FormatValue(v)
		}
	}
	if p.ParcelNumber == "" {
		p.ParcelNumber = p.ID
	}
	return p, nil
}

// Import upserts the parcels of fc. Features without an id or geometry are
// skipped and counted in skipped.
func (s *ParcelService) Import(ctx context.Context, fc *geojson.FeatureCollection) (imported, skipped int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("starting import: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO parcels
		(id, parcel_number, area, properties, geom_wkt, min_lon, min_lat, max_lon, max_lat)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, 0, fmt.Errorf("preparing import: %w", err)
	}
	defer stmt.Close()

	for i, f := range fc.Features {
		p, perr := ParcelFromFeature(f)
		if perr != nil || f.Geometry == nil {
			s.log.Warn("skipping feature", zap.Int("index", i), zap.Error(perr))
			skipped++
			continue
		}
		props, err := json.Marshal(p.Properties)
		if err != nil {
			return 0, 0, fmt.Errorf("parcel %s: %w", p.ID, err)
		}
		b := f.Geometry.Bound()
		if _, err := stmt.ExecContext(ctx,
			p.ID, p.ParcelNumber, p.Area, string(props), wkt.MarshalString(f.Geometry),
			b.Min[0], b.Min[1], b.Max[0], b.Max[1],
		); err != nil {
			return 0, 0, fmt.Errorf("storing parcel %s: %w", p.ID, err)
		}
		imported++
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("committing import: %w", err)
	}
	s.log.Info("parcels imported", zap.Int("imported", imported), zap.Int("skipped", skipped))
	return imported, skipped, nil
}

// ImportFile imports a GeoJSON feature collection file.
func (s *ParcelService) ImportFile(ctx context.Context, path string) (imported, skipped int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("reading %s: %w", path, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	return s.Import(ctx, fc)
}

// Get returns the parcel with the given id.
func (s *ParcelService) Get(ctx context.Context, id string) (Parcel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, parcel_number, area, properties FROM parcels WHERE id = ?`, id)
	p, err := scanParcel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Parcel{}, ErrParcelNotFound
	}
	return p, err
}

// List returns a page of parcels ordered by id, and the total count.
func (s *ParcelService) List(ctx context.Context, offset, limit int) ([]Parcel, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM parcels`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting parcels: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, parcel_number, area, properties FROM parcels ORDER BY id LIMIT %d OFFSET %d`,
		max(limit, 0), max(offset, 0)))
	if err != nil {
		return nil, 0, fmt.Errorf("listing parcels: %w", err)
	}
	defer rows.Close()

	parcels := []Parcel{}
	for rows.Next() {
		p, err := scanParcel(rows)
		if err != nil {
			return nil, 0, err
		}
		parcels = append(parcels, p)
	}
	return parcels, total, rows.Err()
}

// Features returns the parcels whose bounding box overlaps b as GeoJSON
// features with their id set, ready for tile encoding.
func (s *ParcelService) Features(ctx context.Context, b orb.Bound) ([]*geojson.Feature, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parcel_number, area, properties, geom_wkt FROM parcels
		WHERE max_lon >= ? AND min_lon <= ? AND max_lat >= ? AND min_lat <= ?
		ORDER BY id`,
		b.Min[0], b.Max[0], b.Min[1], b.Max[1])
	if err != nil {
		return nil, fmt.Errorf("querying parcels: %w", err)
	}
	defer rows.Close()

	var out []*geojson.Feature
	for rows.Next() {
		var (
			p     Parcel
			props string
			geom  string
		)
		if err := rows.Scan(&p.ID, &p.ParcelNumber, &p.Area, &props, &geom); err != nil {
			return nil, fmt.Errorf("scanning parcel: %w", err)
		}
		g, err := wkt.Unmarshal(geom)
		if err != nil {
			return nil, fmt.Errorf("parcel %s geometry: %w", p.ID, err)
		}
		if err := json.Unmarshal([]byte(props), &p.Properties); err != nil {
			return nil, fmt.Errorf("parcel %s properties: %w", p.ID, err)
		}
		out = append(out, p.Feature(g))
	}
	return out, rows.Err()
}

// Bound returns the extent of all parcels; ok is false when there are none.
func (s *ParcelService) Bound(ctx context.Context) (b orb.Bound, ok bool, err error) {
	var minLon, minLat, maxLon, maxLat sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT min(min_lon), min(min_lat), max(max_lon), max(max_lat) FROM parcels`,
	).Scan(&minLon, &minLat, &maxLon, &maxLat)
	if err != nil {
		return orb.Bound{}, false, fmt.Errorf("parcel extent: %w", err)
	}
	if !minLon.Valid {
		return orb.Bound{}, false, nil
	}
	return orb.Bound{
		Min: orb.Point{minLon.Float64, minLat.Float64},
		Max: orb.Point{maxLon.Float64, maxLat.Float64},
	}, true, nil
}

// Feature builds the tile feature of p with geometry g. MVT feature ids are
// unsigned integers, so other ids travel in the "id" property only.
func (p Parcel) Feature(g orb.Geometry) *geojson.Feature {
	f := geojson.NewFeature(g)
	if v, err := strconv.ParseUint(p.ID, 10, 64); err == nil && strconv.FormatUint(v, 10) == p.ID {
		f.ID = v
	}
	f.Properties["id"] = p.ID
	f.Properties["parcel_number"] = p.ParcelNumber
	f.Properties["area"] = p.Area
	for k, v := range p.Properties {
		f.Properties[k] = v
	}
	return f
}

// DetailProperties is the property set served as the parcel detail.
func (p Parcel) DetailProperties() map[string]any {
	out := map[string]any{
		"parcel_number": p.ParcelNumber,
		"area":          p.Area,
	}
	for k, v := range p.Properties {
		out[k] = v
	}
	return out
}

type scanner interface {
	Scan(dest ...any) error
}

func scanParcel(sc scanner) (Parcel, error) {
	var (
		p     Parcel
		props string
	)
	if err := sc.Scan(&p.ID, &p.ParcelNumber, &p.Area, &props); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Parcel{}, err
		}
		return Parcel{}, fmt.Errorf("scanning parcel: %w", err)
	}
	if err := json.Unmarshal([]byte(props), &p.Properties); err != nil {
		return Parcel{}, fmt.Errorf("parcel %s properties: %w", p.ID, err)
	}
	return p, nil
}
