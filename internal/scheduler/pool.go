// Package scheduler runs the worker pool that drains the job queue and
// executes recompute and maintenance jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"peakalign/internal/logging"
	"peakalign/internal/metrics"
	"peakalign/internal/queue"
	"peakalign/internal/search"
	"peakalign/internal/storage"
)

// Result captures the outcome of an executed job for subscribers.
type Result struct {
	Job   queue.Job      `json:"job"`
	Error string         `json:"error,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// Pool orchestrates job dispatch across workers. Every worker blocks on the
// queue, so an idle pool costs nothing.
type Pool struct {
	queue        *queue.Queue
	store        *storage.Store
	engine       *search.Engine
	materializer *storage.Materializer
	metrics      *metrics.Metrics
	log          *slog.Logger
	retention    time.Duration

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once

	mu        sync.Mutex
	running   map[string]context.CancelFunc
	subs      map[int]chan Result
	nextSubID int
}

// New creates a pool and starts its workers.
func New(ctx context.Context, workers int, q *queue.Queue, store *storage.Store,
	engine *search.Engine, mets *metrics.Metrics, logger *slog.Logger, retention time.Duration) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		queue:        q,
		store:        store,
		engine:       engine,
		materializer: storage.NewMaterializer(store),
		metrics:      mets,
		log:          logger,
		retention:    retention,
		cancel:       cancel,
		running:      make(map[string]context.CancelFunc),
		subs:         make(map[int]chan Result),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	return p
}

// EnqueueLocationRecompute submits a recompute job for a location and year
// range. Returns the job id, which may belong to an already-pending job with
// the same intent.
func (p *Pool) EnqueueLocationRecompute(locationID int64, yearStart, yearEnd int, priority queue.Priority) (string, error) {
	id, err := p.queue.Enqueue(queue.NewRecompute(locationID, yearStart, yearEnd, priority))
	if err == nil && p.metrics != nil {
		p.metrics.JobsEnqueued.WithLabelValues(priority.String()).Inc()
	}
	p.updateDepthGauges()
	return id, err
}

// EnqueueMaintenance submits a maintenance job.
func (p *Pool) EnqueueMaintenance(operation string, params map[string]any, priority queue.Priority) (string, error) {
	id, err := p.queue.Enqueue(queue.NewMaintenance(operation, params, priority))
	if err == nil && p.metrics != nil {
		p.metrics.JobsEnqueued.WithLabelValues(priority.String()).Inc()
	}
	p.updateDepthGauges()
	return id, err
}

// Cancel aborts a running job cooperatively. Returns false when the job is
// not currently executing.
func (p *Pool) Cancel(jobID string) bool {
	p.mu.Lock()
	cancel, ok := p.running[jobID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Stop signals workers to exit and waits for in-flight jobs to unwind.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.queue.Close()
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		p.execute(ctx, job)
	}
}

func (p *Pool) execute(poolCtx context.Context, job queue.Job) {
	jobCtx, cancel := context.WithCancel(poolCtx)
	p.mu.Lock()
	p.running[job.ID] = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.running, job.ID)
		p.mu.Unlock()
	}()

	if p.metrics != nil {
		p.metrics.WorkersBusy.Inc()
		defer p.metrics.WorkersBusy.Dec()
	}

	start := time.Now()
	logging.LogJobStart(p.log, string(job.Kind), job.ID, job.LocationID, job.Params)

	var (
		meta map[string]any
		err  error
	)
	switch job.Kind {
	case queue.KindRecompute:
		meta, err = p.executeRecompute(jobCtx, job)
	case queue.KindMaintenance:
		meta, err = p.executeMaintenance(jobCtx, job)
	default:
		err = fmt.Errorf("unknown job kind %q", job.Kind)
	}
	duration := time.Since(start)

	// A pool shutdown is not a job failure: the mirror keeps the job as
	// running and Restore requeues it on the next start.
	if poolCtx.Err() != nil && errors.Is(err, context.Canceled) {
		p.log.Info("job interrupted by shutdown", "id", job.ID)
		return
	}

	// A per-job cancel surfaces as context.Canceled from deep in the
	// search; translate it so the queue marks the job terminal without
	// consuming a retry.
	if errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%w: %v", queue.ErrJobCancelled, err)
	}

	if err != nil {
		logging.LogJobError(p.log, string(job.Kind), job.ID, duration, err, job.Params)
		if failErr := p.queue.Fail(job.ID, err); failErr != nil {
			p.log.Warn("failed to record job failure", "id", job.ID, "error", failErr)
		}
	} else {
		logging.LogJobComplete(p.log, string(job.Kind), job.ID, duration, meta)
		if compErr := p.queue.Complete(job.ID); compErr != nil {
			p.log.Warn("failed to record job completion", "id", job.ID, "error", compErr)
		}
	}

	if p.metrics != nil {
		p.metrics.JobDuration.Observe(duration.Seconds())
		status := "succeeded"
		if err != nil {
			status = "failed"
		}
		p.metrics.JobsCompleted.WithLabelValues(status).Inc()
	}
	p.updateDepthGauges()

	final, _ := p.queue.Get(job.ID)
	res := Result{Job: final, Meta: meta}
	if err != nil {
		res.Error = err.Error()
	}
	p.broadcast(res)
}

func (p *Pool) executeRecompute(ctx context.Context, job queue.Job) (map[string]any, error) {
	loc, err := p.store.GetLocation(job.LocationID)
	if errors.Is(err, storage.ErrNotFound) {
		// Location deleted while the job sat in the queue. Nothing to
		// compute and nothing to retry.
		return nil, fmt.Errorf("%w: location %d no longer exists", queue.ErrJobCancelled, job.LocationID)
	}
	if err != nil {
		return nil, fmt.Errorf("load location %d: %w", job.LocationID, err)
	}

	target := search.Target{
		Observer:     loc.Point,
		BearingDeg:   loc.Derived.BearingDeg,
		ElevAngleDeg: loc.Derived.ElevAngleDeg,
		DistanceM:    loc.Derived.DistanceM,
	}

	events, summary, err := p.engine.SearchYearRange(ctx, target, job.YearStart, job.YearEnd)
	if err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.DaysEvaluated.Add(float64(summary.DaysEvaluated))
		p.metrics.DaysSkipped.Add(float64(summary.DaysSkipped))
		p.metrics.ProviderFailures.Add(float64(summary.DaysFailed))
	}
	if summary.AllFailed() {
		return nil, fmt.Errorf("position provider failed for all %d evaluated days", summary.DaysEvaluated)
	}

	written, err := p.materializer.Materialize(loc.ID, job.YearStart, job.YearEnd, events)
	if err != nil {
		return nil, fmt.Errorf("materialize events: %w", err)
	}
	if p.metrics != nil {
		p.metrics.EventsMaterialized.Add(float64(written))
	}

	meta := map[string]any{
		"location":       loc.Name,
		"events_written": written,
		"days_evaluated": summary.DaysEvaluated,
		"days_skipped":   summary.DaysSkipped,
		"days_failed":    summary.DaysFailed,
	}
	logging.LogSearchSummary(p.log, job.ID, loc.ID, meta)
	if len(summary.Warnings) > 0 {
		p.log.Warn("search completed with warnings",
			"job_id", job.ID, "count", len(summary.Warnings), "first", summary.Warnings[0])
	}
	return meta, nil
}

func (p *Pool) executeMaintenance(ctx context.Context, job queue.Job) (map[string]any, error) {
	switch job.Operation {
	case OpCleanFailed:
		retention := p.retention
		if days, ok := job.Params["retention_days"].(float64); ok {
			retention = time.Duration(days) * 24 * time.Hour
		}
		removed := p.queue.CleanFailedOlderThan(retention)
		return map[string]any{"removed": removed}, nil

	case OpYearlyGeneration:
		yearsAhead := 1
		if v, ok := job.Params["years_ahead"].(float64); ok && v > 0 {
			yearsAhead = int(v)
		}
		return p.runYearlyGeneration(ctx, yearsAhead)

	default:
		return nil, fmt.Errorf("unknown maintenance operation %q", job.Operation)
	}
}

// Maintenance operation names.
const (
	OpCleanFailed      = "clean-failed"
	OpYearlyGeneration = "yearly-generation"
)

// runYearlyGeneration enqueues a low-priority recompute covering the coming
// years for every stored location. The queue's dedup keys make this cheap to
// run repeatedly.
func (p *Pool) runYearlyGeneration(ctx context.Context, yearsAhead int) (map[string]any, error) {
	locs, err := p.store.ListLocations()
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	yearStart := time.Now().UTC().Year()
	yearEnd := yearStart + yearsAhead
	enqueued := 0
	for _, loc := range locs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := p.EnqueueLocationRecompute(loc.ID, yearStart, yearEnd, queue.PriorityLow); err != nil {
			return nil, fmt.Errorf("enqueue recompute for location %d: %w", loc.ID, err)
		}
		enqueued++
	}
	return map[string]any{
		"locations":  enqueued,
		"year_start": yearStart,
		"year_end":   yearEnd,
	}, nil
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pool) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func (p *Pool) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}

func (p *Pool) updateDepthGauges() {
	if p.metrics == nil {
		return
	}
	s := p.queue.Stats()
	p.metrics.QueueDepth.WithLabelValues("queued").Set(float64(s.QueuedCount))
	p.metrics.QueueDepth.WithLabelValues("running").Set(float64(s.RunningCount))
}
