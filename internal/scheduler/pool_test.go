package scheduler

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"peakalign/internal/ephemeris"
	"peakalign/internal/geo"
	"peakalign/internal/queue"
	"peakalign/internal/search"
	"peakalign/internal/storage"
)

// alignedProvider reports the location's exact bearing and elevation angle
// at 08:00 UTC every day, drifting linearly away from it around that time.
type alignedProvider struct {
	bearingDeg float64
	elevDeg    float64
}

func (p *alignedProvider) Position(ctx context.Context, body ephemeris.Body, t time.Time, observer geo.Point) (ephemeris.Position, error) {
	align := time.Date(t.Year(), t.Month(), t.Day(), 8, 0, 0, 0, time.UTC)
	offset := t.Sub(align).Minutes()
	return ephemeris.Position{
		AzimuthDeg:   p.bearingDeg + offset*0.1,
		ElevationDeg: p.elevDeg,
	}, nil
}

// blockingProvider parks every call until its context is cancelled and
// signals the first call so tests know the job is underway.
type blockingProvider struct {
	once    sync.Once
	started chan struct{}
}

func newBlockingProvider() *blockingProvider {
	return &blockingProvider{started: make(chan struct{})}
}

func (p *blockingProvider) Position(ctx context.Context, body ephemeris.Body, t time.Time, observer geo.Point) (ephemeris.Position, error) {
	p.once.Do(func() { close(p.started) })
	<-ctx.Done()
	return ephemeris.Position{}, ctx.Err()
}

// belowHorizonProvider never produces an admissible candidate.
type belowHorizonProvider struct{}

func (belowHorizonProvider) Position(ctx context.Context, body ephemeris.Body, t time.Time, observer geo.Point) (ephemeris.Position, error) {
	return ephemeris.Position{AzimuthDeg: 100, ElevationDeg: -30}, nil
}

func testSearchConfig() search.Config {
	cfg := search.DefaultConfig()
	cfg.CoarseStep = 10 * time.Minute
	cfg.FineStep = time.Minute
	return cfg
}

// eastFacingLocation looks at a peak roughly 100 degrees from north, inside
// the rise-side feasibility band at this latitude.
func eastFacingLocation(t *testing.T, s *storage.Store) storage.Location {
	t.Helper()
	observer := geo.Point{Lat: 46.0, Lon: 7.5, Elev: 1000}
	peak := geo.Point{Lat: 45.97, Lon: 7.75, Elev: 4000}
	derived, err := geo.Derive(observer, peak)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	loc := storage.Location{Name: "east ridge", Point: observer, Derived: derived}
	id, err := s.SaveLocation(loc)
	if err != nil {
		t.Fatalf("save location: %v", err)
	}
	loc.ID = id
	return loc
}

func newTestPool(t *testing.T, provider ephemeris.Provider, maxRetries int) (*Pool, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "pool.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	q := queue.New(maxRetries, store, nil)
	engine := search.NewEngine(provider, testSearchConfig(), nil)
	pool := New(context.Background(), 2, q, store, engine, nil, nil, 24*time.Hour)
	t.Cleanup(pool.Stop)
	return pool, store
}

func waitForResult(t *testing.T, ch <-chan Result, jobID string) Result {
	t.Helper()
	deadline := time.After(30 * time.Second)
	for {
		select {
		case res, ok := <-ch:
			if !ok {
				t.Fatalf("subscription closed while waiting for %s", jobID)
			}
			if res.Job.ID == jobID {
				return res
			}
		case <-deadline:
			t.Fatalf("timed out waiting for job %s", jobID)
		}
	}
}

func TestPoolExecutesRecomputeEndToEnd(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "pool.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	loc := eastFacingLocation(t, store)

	provider := &alignedProvider{
		bearingDeg: loc.Derived.BearingDeg,
		elevDeg:    loc.Derived.ElevAngleDeg,
	}
	q := queue.New(1, store, nil)
	engine := search.NewEngine(provider, testSearchConfig(), nil)
	pool := New(context.Background(), 2, q, store, engine, nil, nil, 24*time.Hour)
	t.Cleanup(pool.Stop)

	results, unsub := pool.Subscribe()
	defer unsub()

	id, err := pool.EnqueueLocationRecompute(loc.ID, 2025, 2025, queue.PriorityHigh)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res := waitForResult(t, results, id)
	if res.Job.Status != queue.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s (err %q)", res.Job.Status, res.Error)
	}
	written, _ := res.Meta["events_written"].(int)
	if written == 0 {
		t.Fatalf("expected events written, meta %+v", res.Meta)
	}

	recs, err := store.EventsForLocation(loc.ID,
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(recs) != written {
		t.Fatalf("meta says %d events, store has %d", written, len(recs))
	}
	for _, rec := range recs {
		if rec.Event.Accuracy != search.AccuracyPerfect {
			t.Fatalf("provider aligns exactly, expected perfect, got %s", rec.Event.Accuracy)
		}
	}
}

func TestPoolCancelMarksJobTerminalWithoutRetry(t *testing.T) {
	provider := newBlockingProvider()
	pool, store := newTestPool(t, provider, 5)
	loc := eastFacingLocation(t, store)

	results, unsub := pool.Subscribe()
	defer unsub()

	id, err := pool.EnqueueLocationRecompute(loc.ID, 2025, 2025, queue.PriorityHigh)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-provider.started:
	case <-time.After(10 * time.Second):
		t.Fatalf("job never started")
	}
	if !pool.Cancel(id) {
		t.Fatalf("expected Cancel to find the running job")
	}

	res := waitForResult(t, results, id)
	if res.Job.Status != queue.StatusFailed {
		t.Fatalf("expected terminal failed, got %s", res.Job.Status)
	}
	if res.Job.Retries != 0 {
		t.Fatalf("cancellation must not consume retries, got %d", res.Job.Retries)
	}
	if !strings.Contains(res.Job.LastError, "cancelled") {
		t.Fatalf("expected cancellation in last error, got %q", res.Job.LastError)
	}
}

func TestPoolFailsJobForMissingLocation(t *testing.T) {
	pool, _ := newTestPool(t, belowHorizonProvider{}, 5)

	results, unsub := pool.Subscribe()
	defer unsub()

	id, err := pool.EnqueueLocationRecompute(999, 2025, 2025, queue.PriorityMedium)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	res := waitForResult(t, results, id)
	if res.Job.Status != queue.StatusFailed {
		t.Fatalf("expected failed, got %s", res.Job.Status)
	}
	if res.Job.Retries != 0 {
		t.Fatalf("missing location is not retryable, got %d retries", res.Job.Retries)
	}
}

func TestYearlyGenerationEnqueuesPerLocation(t *testing.T) {
	pool, store := newTestPool(t, belowHorizonProvider{}, 0)
	first := eastFacingLocation(t, store)

	observer := geo.Point{Lat: 46.2, Lon: 7.4, Elev: 900}
	peak := geo.Point{Lat: 46.17, Lon: 7.65, Elev: 3500}
	derived, _ := geo.Derive(observer, peak)
	secondID, err := store.SaveLocation(storage.Location{Name: "south ridge", Point: observer, Derived: derived})
	if err != nil {
		t.Fatalf("save second location: %v", err)
	}

	results, unsub := pool.Subscribe()
	defer unsub()

	id, err := pool.EnqueueMaintenance(OpYearlyGeneration, map[string]any{"years_ahead": float64(1)}, queue.PriorityLow)
	if err != nil {
		t.Fatalf("enqueue maintenance: %v", err)
	}
	res := waitForResult(t, results, id)
	if res.Job.Status != queue.StatusSucceeded {
		t.Fatalf("maintenance failed: %q", res.Error)
	}
	if n, _ := res.Meta["locations"].(int); n != 2 {
		t.Fatalf("expected 2 locations enqueued, got %v", res.Meta["locations"])
	}

	// The fanned-out recomputes complete too, against both locations.
	seen := map[int64]bool{}
	deadline := time.After(60 * time.Second)
	for len(seen) < 2 {
		select {
		case r := <-results:
			if r.Job.Kind == queue.KindRecompute {
				if r.Job.Status != queue.StatusSucceeded {
					t.Fatalf("recompute for %d failed: %q", r.Job.LocationID, r.Error)
				}
				seen[r.Job.LocationID] = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for fanned-out recomputes, saw %v", seen)
		}
	}
	if !seen[first.ID] || !seen[secondID] {
		t.Fatalf("expected recomputes for both locations, saw %v", seen)
	}
}

func TestCleanFailedMaintenance(t *testing.T) {
	pool, store := newTestPool(t, belowHorizonProvider{}, 0)
	_ = store

	results, unsub := pool.Subscribe()
	defer unsub()

	// Produce one terminal failure, then purge with zero retention.
	failedID, err := pool.EnqueueLocationRecompute(42, 2025, 2025, queue.PriorityMedium)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	res := waitForResult(t, results, failedID)
	if res.Job.Status != queue.StatusFailed {
		t.Fatalf("setup: expected failed job, got %s", res.Job.Status)
	}

	cleanID, err := pool.EnqueueMaintenance(OpCleanFailed, map[string]any{"retention_days": float64(0)}, queue.PriorityLow)
	if err != nil {
		t.Fatalf("enqueue clean: %v", err)
	}
	cleanRes := waitForResult(t, results, cleanID)
	if cleanRes.Job.Status != queue.StatusSucceeded {
		t.Fatalf("clean failed: %q", cleanRes.Error)
	}
	if removed, _ := cleanRes.Meta["removed"].(int); removed != 1 {
		t.Fatalf("expected 1 purged job, got %v", cleanRes.Meta["removed"])
	}
}

func TestTriggerFiresImmediately(t *testing.T) {
	pool, _ := newTestPool(t, belowHorizonProvider{}, 0)

	results, unsub := pool.Subscribe()
	defer unsub()

	trig := NewTrigger(pool, time.Hour, 2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go trig.Run(ctx)

	deadline := time.After(30 * time.Second)
	for {
		select {
		case res := <-results:
			if res.Job.Kind == queue.KindMaintenance && res.Job.Operation == OpYearlyGeneration {
				if res.Job.Status != queue.StatusSucceeded {
					t.Fatalf("trigger job failed: %q", res.Error)
				}
				return
			}
		case <-deadline:
			t.Fatalf("trigger never fired")
		}
	}
}
