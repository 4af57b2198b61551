package storage

import (
	"database/sql"
	"fmt"
	"time"

	"peakalign/internal/ephemeris"
	"peakalign/internal/search"
)

// EventRecord is a persisted alignment event.
type EventRecord struct {
	ID         int64        `json:"id"`
	LocationID int64        `json:"location_id"`
	Date       string       `json:"date"`
	Event      search.Event `json:"event"`
}

// ReplaceAlignmentEvents overwrites every event for the location inside the
// date range with the given set, in one transaction. Rerunning a job for the
// same range is therefore idempotent, and edited geometry supersedes old
// events instead of appending next to them.
func (s *Store) ReplaceAlignmentEvents(locationID int64, from, to time.Time, events []search.Event) error {
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM alignment_events WHERE location_id=? AND event_date >= ? AND event_date <= ?;`,
		locationID, from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02")); err != nil {
		return fmt.Errorf("delete existing events: %w", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO alignment_events
            (location_id, event_date, body, phase, event_time, azimuth_deg, elevation_deg,
             azimuth_err_deg, elevation_err_deg, combined_err_deg, accuracy, score,
             moon_phase_deg, moon_illumination)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		var moonPhase, moonIllum any
		if ev.Body == ephemeris.BodyMoon {
			moonPhase, moonIllum = ev.MoonPhaseDeg, ev.MoonIllumFrac
		}
		if _, err := stmt.Exec(locationID, ev.Date(), string(ev.Body), string(ev.Phase),
			ev.Time.UTC(), ev.AzimuthDeg, ev.ElevationDeg,
			ev.AzimuthErrDeg, ev.ElevationErrDeg, ev.CombinedErrDeg,
			string(ev.Accuracy), ev.Score, moonPhase, moonIllum); err != nil {
			return fmt.Errorf("insert event %s %s %s: %w", ev.Date(), ev.Body, ev.Phase, err)
		}
	}
	return tx.Commit()
}

// EventsForLocation returns events in the date range ordered by time.
func (s *Store) EventsForLocation(locationID int64, from, to time.Time) ([]EventRecord, error) {
	rows, err := s.DB.Query(
		`SELECT id, location_id, event_date, body, phase, event_time, azimuth_deg, elevation_deg,
                azimuth_err_deg, elevation_err_deg, combined_err_deg, accuracy, score,
                moon_phase_deg, moon_illumination
         FROM alignment_events
         WHERE location_id=? AND event_date >= ? AND event_date <= ?
         ORDER BY event_time;`,
		locationID, from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []EventRecord
	for rows.Next() {
		var (
			rec                  EventRecord
			body, phase, acc     string
			moonPhase, moonIllum sql.NullFloat64
		)
		if err := rows.Scan(&rec.ID, &rec.LocationID, &rec.Date, &body, &phase,
			&rec.Event.Time, &rec.Event.AzimuthDeg, &rec.Event.ElevationDeg,
			&rec.Event.AzimuthErrDeg, &rec.Event.ElevationErrDeg, &rec.Event.CombinedErrDeg,
			&acc, &rec.Event.Score, &moonPhase, &moonIllum); err != nil {
			return nil, err
		}
		rec.Event.Body = ephemeris.Body(body)
		rec.Event.Phase = search.Phase(phase)
		rec.Event.Accuracy = search.Accuracy(acc)
		rec.Event.MoonPhaseDeg = moonPhase.Float64
		rec.Event.MoonIllumFrac = moonIllum.Float64
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Materializer converts search output into durable records, enforcing the
// at-most-one-event-per-(date, body, phase) invariant before writing.
type Materializer struct {
	store *Store
}

// NewMaterializer wraps a store.
func NewMaterializer(store *Store) *Materializer {
	return &Materializer{store: store}
}

// Materialize persists the events for a year range with replace semantics
// and returns how many records were written.
func (m *Materializer) Materialize(locationID int64, yearStart, yearEnd int, events []search.Event) (int, error) {
	best := bestPerSlot(events)
	from := time.Date(yearStart, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(yearEnd, 12, 31, 0, 0, 0, 0, time.UTC)
	if err := m.store.ReplaceAlignmentEvents(locationID, from, to, best); err != nil {
		return 0, err
	}
	return len(best), nil
}

// bestPerSlot keeps the lowest-error event per (date, body, phase). The
// search already deduplicates within a day's window; this guards the
// database invariant against any upstream change.
func bestPerSlot(events []search.Event) []search.Event {
	type slot struct {
		date  string
		body  ephemeris.Body
		phase search.Phase
	}
	chosen := make(map[slot]int)
	var out []search.Event
	for _, ev := range events {
		k := slot{date: ev.Date(), body: ev.Body, phase: ev.Phase}
		if i, ok := chosen[k]; ok {
			if ev.CombinedErrDeg < out[i].CombinedErrDeg {
				out[i] = ev
			}
			continue
		}
		chosen[k] = len(out)
		out = append(out, ev)
	}
	return out
}
