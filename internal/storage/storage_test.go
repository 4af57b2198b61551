package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"peakalign/internal/ephemeris"
	"peakalign/internal/geo"
	"peakalign/internal/queue"
	"peakalign/internal/search"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "peakalign.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testLocation() Location {
	point := geo.Point{Lat: 46.0, Lon: 7.75, Elev: 1600}
	target := geo.Point{Lat: 45.9766, Lon: 7.6585, Elev: 4478}
	derived, _ := geo.Derive(point, target)
	return Location{Name: "Riffelsee", Point: point, Derived: derived}
}

func TestSaveAndLoadLocation(t *testing.T) {
	s := newTestStore(t)
	loc := testLocation()
	id, err := s.SaveLocation(loc)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected assigned id")
	}

	got, err := s.GetLocation(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != loc.Name || got.Point != loc.Point || got.Derived != loc.Derived {
		t.Fatalf("roundtrip mismatch: %+v vs %+v", got, loc)
	}
}

func TestSaveLocationRejectsMissingDerivedGeometry(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SaveLocation(Location{Name: "bad", Point: geo.Point{Lat: 46, Lon: 7}})
	if err == nil {
		t.Fatalf("expected rejection of location without derived fields")
	}
}

func TestGetLocationNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetLocation(12345); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func sampleEvents(year int) []search.Event {
	return []search.Event{
		{
			Body:           ephemeris.BodySun,
			Phase:          search.PhaseRising,
			Time:           time.Date(year, 2, 10, 7, 31, 12, 0, time.UTC),
			AzimuthDeg:     110.2,
			ElevationDeg:   1.3,
			AzimuthErrDeg:  0.2,
			ElevationErrDeg: 0.1,
			CombinedErrDeg: 0.3,
			Accuracy:       search.AccuracyPerfect,
			Score:          0.4,
		},
		{
			Body:            ephemeris.BodyMoon,
			Phase:           search.PhaseSetting,
			Time:            time.Date(year, 2, 10, 19, 2, 44, 0, time.UTC),
			AzimuthDeg:      250.0,
			ElevationDeg:    1.0,
			AzimuthErrDeg:   1.2,
			ElevationErrDeg: 0.5,
			CombinedErrDeg:  1.7,
			Accuracy:        search.AccuracyGood,
			Score:           2.3,
			MoonPhaseDeg:    40,
			MoonIllumFrac:   0.88,
		},
	}
}

func TestReplaceAlignmentEventsIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.SaveLocation(testLocation())
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := s.ReplaceAlignmentEvents(id, from, to, sampleEvents(2025)); err != nil {
			t.Fatalf("replace %d: %v", i, err)
		}
	}

	recs, err := s.EventsForLocation(id, from, to)
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 events after reruns, got %d", len(recs))
	}
	if recs[1].Event.MoonIllumFrac != 0.88 {
		t.Fatalf("moon fields lost: %+v", recs[1].Event)
	}
}

func TestReplaceIsScopedToDateRange(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.SaveLocation(testLocation())

	writeYear := func(year int) {
		from := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
		to := time.Date(year, 12, 31, 0, 0, 0, 0, time.UTC)
		if err := s.ReplaceAlignmentEvents(id, from, to, sampleEvents(year)); err != nil {
			t.Fatalf("replace %d: %v", year, err)
		}
	}
	writeYear(2024)
	writeYear(2025)

	// Rewriting 2025 with nothing must leave 2024 alone.
	if err := s.ReplaceAlignmentEvents(id,
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC), nil); err != nil {
		t.Fatalf("replace with empty: %v", err)
	}

	all, err := s.EventsForLocation(id,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected only 2024 events to survive, got %d", len(all))
	}
	for _, rec := range all {
		if rec.Event.Time.Year() != 2024 {
			t.Fatalf("unexpected event year %d", rec.Event.Time.Year())
		}
	}
}

func TestMaterializerKeepsBestPerSlot(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.SaveLocation(testLocation())
	m := NewMaterializer(s)

	at := time.Date(2025, 6, 1, 5, 0, 0, 0, time.UTC)
	dupes := []search.Event{
		{Body: ephemeris.BodySun, Phase: search.PhaseRising, Time: at,
			CombinedErrDeg: 1.5, Accuracy: search.AccuracyGood},
		{Body: ephemeris.BodySun, Phase: search.PhaseRising, Time: at.Add(10 * time.Minute),
			CombinedErrDeg: 0.3, Accuracy: search.AccuracyPerfect},
		{Body: ephemeris.BodySun, Phase: search.PhaseSetting, Time: at.Add(12 * time.Hour),
			CombinedErrDeg: 2.1, Accuracy: search.AccuracyFair},
	}
	n, err := m.Materialize(id, 2025, 2025, dupes)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 records (best rise + set), got %d", n)
	}

	recs, err := s.EventsForLocation(id,
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, rec := range recs {
		if rec.Event.Phase == search.PhaseRising && rec.Event.CombinedErrDeg != 0.3 {
			t.Fatalf("kept the wrong rising event: %+v", rec.Event)
		}
	}
}

func TestJobRecordRoundtrip(t *testing.T) {
	s := newTestStore(t)
	job := queue.NewRecompute(4, 2025, 2026, queue.PriorityHigh)
	job.ID = "job-1"
	job.Status = queue.StatusQueued
	job.MaxRetries = 3
	job.EnqueuedAt = time.Now().UTC().Truncate(time.Second)

	if err := s.SaveJobRecord(job); err != nil {
		t.Fatalf("save job: %v", err)
	}
	// Transition and overwrite.
	job.Status = queue.StatusRunning
	job.StartedAt = time.Now().UTC().Truncate(time.Second)
	if err := s.SaveJobRecord(job); err != nil {
		t.Fatalf("save running job: %v", err)
	}

	pending, err := s.PendingJobRecords()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one pending record, got %d", len(pending))
	}
	got := pending[0]
	if got.ID != job.ID || got.Kind != queue.KindRecompute || got.Priority != queue.PriorityHigh ||
		got.DedupKey != job.DedupKey || got.Status != queue.StatusRunning ||
		got.LocationID != 4 || got.YearStart != 2025 || got.YearEnd != 2026 {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}

	// Terminal records drop out of the pending set.
	job.Status = queue.StatusSucceeded
	job.FinishedAt = time.Now().UTC()
	if err := s.SaveJobRecord(job); err != nil {
		t.Fatalf("save done job: %v", err)
	}
	pending, _ = s.PendingJobRecords()
	if len(pending) != 0 {
		t.Fatalf("expected no pending records, got %d", len(pending))
	}

	if err := s.DeleteJobRecord(job.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
