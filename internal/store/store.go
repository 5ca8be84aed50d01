// Package store keeps a SQLite history of sensor calibrations.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sweeney/hall-sensor/internal/logic"
)

// Memory opens a private in-memory database.
const Memory = ":memory:"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS calibrations (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	sensor_id     INTEGER NOT NULL,
	baseline_mv   INTEGER NOT NULL,
	threshold_mv  INTEGER NOT NULL,
	hysteresis_mv INTEGER NOT NULL,
	source        TEXT NOT NULL DEFAULT '',
	recorded_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_calibrations_sensor ON calibrations (sensor_id, recorded_at);
`

// Record is one stored calibration.
type Record struct {
	ID          int64
	SensorID    int
	Calibration logic.Calibration
	Source      string
	RecordedAt  time.Time
}

// Store is a calibration history backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is empty: %w", logic.ErrConfiguration)
	}
	if path != Memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection keeps an in-memory database alive and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// RecordCalibration appends a calibration result.
func (s *Store) RecordCalibration(ctx context.Context, sensorID int, c logic.Calibration, source string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO calibrations (sensor_id, baseline_mv, threshold_mv, hysteresis_mv, source, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sensorID, c.BaselineMV, c.ThresholdMV, c.HysteresisMV, source, at.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record calibration: %w", err)
	}
	return res.LastInsertId()
}

// ListCalibrations returns records newest first. A negative sensorID lists
// every sensor; limit <= 0 means no limit.
func (s *Store) ListCalibrations(ctx context.Context, sensorID int, limit int) ([]Record, error) {
	query := `SELECT id, sensor_id, baseline_mv, threshold_mv, hysteresis_mv, source, recorded_at FROM calibrations`
	var args []any
	if sensorID >= 0 {
		query += ` WHERE sensor_id = ?`
		args = append(args, sensorID)
	}
	query += ` ORDER BY recorded_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list calibrations: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r  Record
			ns int64
		)
		if err := rows.Scan(&r.ID, &r.SensorID, &r.Calibration.BaselineMV, &r.Calibration.ThresholdMV,
			&r.Calibration.HysteresisMV, &r.Source, &ns); err != nil {
			return nil, fmt.Errorf("failed to scan calibration: %w", err)
		}
		r.RecordedAt = time.Unix(0, ns).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list calibrations: %w", err)
	}
	return out, nil
}

// Latest returns the most recent calibration for a sensor. ok is false when
// the sensor has none.
func (s *Store) Latest(ctx context.Context, sensorID int) (Record, bool, error) {
	recs, err := s.ListCalibrations(ctx, sensorID, 1)
	if err != nil || len(recs) == 0 {
		return Record{}, false, err
	}
	return recs[0], true, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
