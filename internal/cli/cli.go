// Package cli wires the command line surface to the store, queue and
// worker pool.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"peakalign/internal/config"
	"peakalign/internal/geo"
	"peakalign/internal/metrics"
	"peakalign/internal/queue"
	"peakalign/internal/scheduler"
	"peakalign/internal/search"
	"peakalign/internal/server"
	"peakalign/internal/storage"
	"peakalign/internal/watcher"
)

type serveFunc func(ctx context.Context, addr string, r *Root) error

// Root holds the shared components every subcommand runs against.
type Root struct {
	cfg     *config.Config
	log     *slog.Logger
	store   *storage.Store
	queue   *queue.Queue
	pool    *scheduler.Pool
	metrics *metrics.Metrics
	serveFn serveFunc
}

// NewRoot builds the command root over already-constructed components.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store,
	q *queue.Queue, pool *scheduler.Pool, mets *metrics.Metrics) *Root {
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{
		cfg:     cfg,
		log:     logger,
		store:   store,
		queue:   q,
		pool:    pool,
		metrics: mets,
		serveFn: defaultServe,
	}
}

func (r *Root) peak() geo.Point {
	return geo.Point{
		Lat:  r.cfg.Target.Lat,
		Lon:  r.cfg.Target.Lon,
		Elev: r.cfg.Target.ElevM,
	}
}

func (r *Root) yearsAhead() int {
	if r.cfg.Trigger.YearsAhead < 1 {
		return 1
	}
	return r.cfg.Trigger.YearsAhead
}

// SearchConfig maps user settings onto the engine defaults. Zero values keep
// the default.
func SearchConfig(cfg *config.Config) search.Config {
	sc := search.DefaultConfig()
	if cfg.Search.CoarseStepSeconds > 0 {
		sc.CoarseStep = time.Duration(cfg.Search.CoarseStepSeconds) * time.Second
	}
	if cfg.Search.FineStepSeconds > 0 {
		sc.FineStep = time.Duration(cfg.Search.FineStepSeconds) * time.Second
	}
	if cfg.Search.MaxErrorDeg > 0 {
		sc.MaxErrorDeg = cfg.Search.MaxErrorDeg
	}
	if cfg.Search.FeasibilityMarginDeg > 0 {
		sc.FeasibilityMarginDeg = cfg.Search.FeasibilityMarginDeg
	}
	if cfg.Search.ProviderRetries > 0 {
		sc.ProviderRetries = cfg.Search.ProviderRetries
	}
	return sc
}

// enqueueAndWait submits a recompute job and blocks until the pool reports
// its result. The subscription opens before the enqueue so a fast worker
// cannot finish unseen.
func (r *Root) enqueueAndWait(ctx context.Context, locationID int64, yearStart, yearEnd int, priority queue.Priority) error {
	resCh, unsubscribe := r.pool.Subscribe()
	defer unsubscribe()

	jobID, err := r.pool.EnqueueLocationRecompute(locationID, yearStart, yearEnd, priority)
	if err != nil {
		return err
	}
	fmt.Printf("Job %s queued (location %d, years %d-%d)\n", jobID, locationID, yearStart, yearEnd)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return fmt.Errorf("worker pool shut down before job %s finished", jobID)
			}
			if res.Job.ID != jobID {
				continue
			}
			if res.Error != "" {
				return fmt.Errorf("job %s failed: %s", jobID, res.Error)
			}
			fmt.Printf("Job %s complete\n", jobID)
			if n, ok := res.Meta["events_written"]; ok {
				fmt.Printf("  Events written: %v\n", n)
			}
			if n, ok := res.Meta["days_evaluated"]; ok {
				fmt.Printf("  Days evaluated: %v\n", n)
			}
			if n, ok := res.Meta["days_skipped"]; ok {
				fmt.Printf("  Days skipped:   %v\n", n)
			}
			return nil
		}
	}
}

// defaultServe runs the long-lived service: restore interrupted jobs, start
// the import watcher and the periodic trigger, then serve HTTP until a
// signal arrives.
func defaultServe(ctx context.Context, addr string, r *Root) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pending, err := r.store.PendingJobRecords()
	if err != nil {
		r.log.Warn("could not load interrupted jobs", "error", err)
	} else if restored := r.queue.Restore(pending); restored > 0 {
		r.log.Info("restored interrupted jobs", "count", restored)
	}

	if dir := r.cfg.Paths.ImportDir; dir != "" {
		w, err := watcher.New(dir, r.store, r.pool, r.peak(), r.yearsAhead(), r.log)
		if err != nil {
			return fmt.Errorf("import watcher: %w", err)
		}
		if err := w.Start(); err != nil {
			return fmt.Errorf("import watcher: %w", err)
		}
		defer w.Stop()
		r.log.Info("watching import directory", "dir", dir)
	}

	if r.cfg.Trigger.Enabled {
		interval := time.Duration(r.cfg.Trigger.CheckIntervalHours) * time.Hour
		trig := scheduler.NewTrigger(r.pool, interval, r.yearsAhead(), r.log)
		go trig.Run(ctx)
	}

	srv := server.NewServer(addr, r.store, r.queue, r.pool, r.metrics, r.peak(), r.yearsAhead(), r.log)
	return srv.Start(ctx)
}
