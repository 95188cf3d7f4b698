package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	_ "modernc.org/sqlite"
)

// ErrNoSnapshot is returned by Latest when nothing has been saved yet.
var ErrNoSnapshot = errors.New("store: no snapshot saved")

// Store persists engine snapshots in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates the database file and its directory when needed, then applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path must be provided")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	//1.- SQLite serialises writers anyway; one connection avoids SQLITE_BUSY between pooled handles.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	if err := createSchemas(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schemas: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func createSchemas(ctx context.Context, db *sql.DB) error {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tick INTEGER NOT NULL,
			saved_at DATETIME NOT NULL,
			gamma REAL NOT NULL,
			flow_coefficient REAL NOT NULL,
			creation_threshold REAL NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS fluid_types (
			snapshot_id INTEGER NOT NULL,
			type_id INTEGER NOT NULL,
			viscosity REAL NOT NULL,
			vacuum_specific_volume REAL NOT NULL,
			critical_pressure REAL NOT NULL,
			saturation_gamma REAL NOT NULL,
			PRIMARY KEY (snapshot_id, type_id),
			FOREIGN KEY (snapshot_id) REFERENCES snapshots(id)
		);`,
		`CREATE TABLE IF NOT EXISTS containers (
			snapshot_id INTEGER NOT NULL,
			container_id INTEGER NOT NULL,
			max_volume REAL NOT NULL,
			max_pressure REAL NOT NULL,
			volume REAL NOT NULL,
			pressure REAL NOT NULL,
			phase TEXT NOT NULL,
			PRIMARY KEY (snapshot_id, container_id),
			FOREIGN KEY (snapshot_id) REFERENCES snapshots(id)
		);`,
		`CREATE TABLE IF NOT EXISTS container_masses (
			snapshot_id INTEGER NOT NULL,
			container_id INTEGER NOT NULL,
			type_id INTEGER NOT NULL,
			mass REAL NOT NULL,
			PRIMARY KEY (snapshot_id, container_id, type_id),
			FOREIGN KEY (snapshot_id) REFERENCES snapshots(id)
		);`,
		`CREATE TABLE IF NOT EXISTS pipes (
			snapshot_id INTEGER NOT NULL,
			pipe_id INTEGER NOT NULL,
			alpha INTEGER NOT NULL,
			beta INTEGER NOT NULL,
			radius REAL NOT NULL,
			length REAL NOT NULL,
			static_resistance REAL NOT NULL,
			dynamic_resistance REAL NOT NULL,
			flow_factor REAL NOT NULL,
			PRIMARY KEY (snapshot_id, pipe_id),
			FOREIGN KEY (snapshot_id) REFERENCES snapshots(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_tick ON snapshots(tick);`,
	}
	for _, query := range schemas {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// number stores non-finite values as text because SQLite turns NaN into NULL.
type number float64

func (r number) Value() (driver.Value, error) {
	v := float64(r)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	}
	return v, nil
}

func (r *number) Scan(src any) error {
	switch v := src.(type) {
	case float64:
		*r = number(v)
	case int64:
		*r = number(v)
	case string:
		return r.parse(v)
	case []byte:
		return r.parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into a float column", src)
	}
	return nil
}

func (r *number) parse(raw string) error {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("float column: %w", err)
	}
	*r = number(v)
	return nil
}
