package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"peakalign/internal/geo"
	"peakalign/internal/queue"
)

// Store wraps SQLite-backed persistence for locations, alignment events and
// job records.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS locations (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            name TEXT NOT NULL,
            lat REAL NOT NULL,
            lon REAL NOT NULL,
            elevation_m REAL NOT NULL,
            bearing_deg REAL NOT NULL,
            elev_angle_deg REAL NOT NULL,
            distance_m REAL NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS alignment_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            location_id INTEGER NOT NULL,
            event_date TEXT NOT NULL,
            body TEXT NOT NULL,
            phase TEXT NOT NULL,
            event_time TIMESTAMP NOT NULL,
            azimuth_deg REAL NOT NULL,
            elevation_deg REAL NOT NULL,
            azimuth_err_deg REAL NOT NULL,
            elevation_err_deg REAL NOT NULL,
            combined_err_deg REAL NOT NULL,
            accuracy TEXT NOT NULL,
            score REAL NOT NULL,
            moon_phase_deg REAL,
            moon_illumination REAL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            UNIQUE(location_id, event_date, body, phase)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_alignment_events_location ON alignment_events(location_id, event_date);`,
		`CREATE TABLE IF NOT EXISTS computation_jobs (
            id TEXT PRIMARY KEY,
            kind TEXT NOT NULL,
            location_id INTEGER,
            year_start INTEGER,
            year_end INTEGER,
            operation TEXT,
            params_json TEXT,
            priority TEXT NOT NULL,
            dedup_key TEXT NOT NULL,
            status TEXT NOT NULL,
            retries INTEGER DEFAULT 0,
            max_retries INTEGER DEFAULT 0,
            last_error TEXT,
            enqueued_at TIMESTAMP,
            started_at TIMESTAMP,
            finished_at TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_computation_jobs_status ON computation_jobs(status);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Location is an observer point plus the three derived fields. The derived
// fields are written together on every save; SaveLocation refuses a record
// whose derived geometry was never computed.
type Location struct {
	ID        int64       `json:"id"`
	Name      string      `json:"name"`
	Point     geo.Point   `json:"point"`
	Derived   geo.Derived `json:"derived"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// SaveLocation inserts or updates a location. A zero ID inserts and the
// assigned ID is returned. Derived fields must come out of geo.Derive for
// the current coordinates.
func (s *Store) SaveLocation(loc Location) (int64, error) {
	if loc.Derived == (geo.Derived{}) {
		return 0, errors.New("location derived geometry not computed")
	}
	if loc.ID == 0 {
		res, err := s.DB.Exec(
			`INSERT INTO locations (name, lat, lon, elevation_m, bearing_deg, elev_angle_deg, distance_m)
             VALUES (?, ?, ?, ?, ?, ?, ?);`,
			loc.Name, loc.Point.Lat, loc.Point.Lon, loc.Point.Elev,
			loc.Derived.BearingDeg, loc.Derived.ElevAngleDeg, loc.Derived.DistanceM)
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	}
	_, err := s.DB.Exec(
		`UPDATE locations SET name=?, lat=?, lon=?, elevation_m=?, bearing_deg=?, elev_angle_deg=?,
            distance_m=?, updated_at=CURRENT_TIMESTAMP WHERE id=?;`,
		loc.Name, loc.Point.Lat, loc.Point.Lon, loc.Point.Elev,
		loc.Derived.BearingDeg, loc.Derived.ElevAngleDeg, loc.Derived.DistanceM, loc.ID)
	return loc.ID, err
}

// GetLocation loads one location.
func (s *Store) GetLocation(id int64) (Location, error) {
	row := s.DB.QueryRow(
		`SELECT id, name, lat, lon, elevation_m, bearing_deg, elev_angle_deg, distance_m, created_at, updated_at
         FROM locations WHERE id=?;`, id)
	var loc Location
	err := row.Scan(&loc.ID, &loc.Name, &loc.Point.Lat, &loc.Point.Lon, &loc.Point.Elev,
		&loc.Derived.BearingDeg, &loc.Derived.ElevAngleDeg, &loc.Derived.DistanceM,
		&loc.CreatedAt, &loc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Location{}, fmt.Errorf("location %d: %w", id, ErrNotFound)
	}
	return loc, err
}

// ListLocations returns all locations ordered by id.
func (s *Store) ListLocations() ([]Location, error) {
	rows, err := s.DB.Query(
		`SELECT id, name, lat, lon, elevation_m, bearing_deg, elev_angle_deg, distance_m, created_at, updated_at
         FROM locations ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locs []Location
	for rows.Next() {
		var loc Location
		if err := rows.Scan(&loc.ID, &loc.Name, &loc.Point.Lat, &loc.Point.Lon, &loc.Point.Elev,
			&loc.Derived.BearingDeg, &loc.Derived.ElevAngleDeg, &loc.Derived.DistanceM,
			&loc.CreatedAt, &loc.UpdatedAt); err != nil {
			return nil, err
		}
		locs = append(locs, loc)
	}
	return locs, rows.Err()
}

// DeleteLocation removes a location and its events.
func (s *Store) DeleteLocation(id int64) error {
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM alignment_events WHERE location_id=?;`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM locations WHERE id=?;`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveJobRecord implements queue.Store.
func (s *Store) SaveJobRecord(job queue.Job) error {
	paramsJSON, _ := json.Marshal(job.Params)
	_, err := s.DB.Exec(
		`INSERT OR REPLACE INTO computation_jobs
            (id, kind, location_id, year_start, year_end, operation, params_json, priority,
             dedup_key, status, retries, max_retries, last_error, enqueued_at, started_at, finished_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		job.ID, string(job.Kind), job.LocationID, job.YearStart, job.YearEnd,
		job.Operation, string(paramsJSON), job.Priority.String(), job.DedupKey,
		string(job.Status), job.Retries, job.MaxRetries, job.LastError,
		nullableTime(job.EnqueuedAt), nullableTime(job.StartedAt), nullableTime(job.FinishedAt))
	return err
}

// DeleteJobRecord implements queue.Store.
func (s *Store) DeleteJobRecord(id string) error {
	_, err := s.DB.Exec(`DELETE FROM computation_jobs WHERE id=?;`, id)
	return err
}

// PendingJobRecords loads queued and running jobs for restore after a
// restart.
func (s *Store) PendingJobRecords() ([]queue.Job, error) {
	rows, err := s.DB.Query(
		`SELECT id, kind, location_id, year_start, year_end, operation, params_json, priority,
                dedup_key, status, retries, max_retries, last_error, enqueued_at, started_at, finished_at
         FROM computation_jobs WHERE status IN ('queued', 'running') ORDER BY enqueued_at;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []queue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(rows *sql.Rows) (queue.Job, error) {
	var (
		job                            queue.Job
		kind, priority, status         string
		operation, paramsJSON, lastErr sql.NullString
		enqueued, started, finished    sql.NullTime
	)
	if err := rows.Scan(&job.ID, &kind, &job.LocationID, &job.YearStart, &job.YearEnd,
		&operation, &paramsJSON, &priority, &job.DedupKey, &status,
		&job.Retries, &job.MaxRetries, &lastErr, &enqueued, &started, &finished); err != nil {
		return queue.Job{}, err
	}
	job.Kind = queue.Kind(kind)
	job.Status = queue.Status(status)
	if p, err := queue.ParsePriority(priority); err == nil {
		job.Priority = p
	}
	job.Operation = operation.String
	job.LastError = lastErr.String
	if paramsJSON.Valid && paramsJSON.String != "" && paramsJSON.String != "null" {
		_ = json.Unmarshal([]byte(paramsJSON.String), &job.Params)
	}
	if enqueued.Valid {
		job.EnqueuedAt = enqueued.Time
	}
	if started.Valid {
		job.StartedAt = started.Time
	}
	if finished.Valid {
		job.FinishedAt = finished.Time
	}
	return job, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
