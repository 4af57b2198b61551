package scheduler

import (
	"context"
	"time"

	"log/slog"

	"peakalign/internal/queue"
)

// Trigger periodically enqueues the yearly-generation maintenance job so
// every location always has events precomputed for the coming years. Dedup
// in the queue makes overlapping fires harmless.
type Trigger struct {
	pool       *Pool
	interval   time.Duration
	yearsAhead int
	log        *slog.Logger
}

// NewTrigger builds a trigger. interval below one minute is clamped, so a
// misconfigured config file cannot spin the queue.
func NewTrigger(pool *Pool, interval time.Duration, yearsAhead int, logger *slog.Logger) *Trigger {
	if interval < time.Minute {
		interval = time.Minute
	}
	if yearsAhead < 1 {
		yearsAhead = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{pool: pool, interval: interval, yearsAhead: yearsAhead, log: logger}
}

// Run fires once immediately, then on every tick until the context ends.
func (t *Trigger) Run(ctx context.Context) {
	t.fire()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.fire()
		}
	}
}

func (t *Trigger) fire() {
	params := map[string]any{"years_ahead": float64(t.yearsAhead)}
	id, err := t.pool.EnqueueMaintenance(OpYearlyGeneration, params, queue.PriorityLow)
	if err != nil {
		t.log.Error("failed to enqueue yearly generation", "error", err)
		return
	}
	t.log.Debug("yearly generation scheduled", "job_id", id, "years_ahead", t.yearsAhead)

	// nil params: the pool applies its configured retention.
	if _, err := t.pool.EnqueueMaintenance(OpCleanFailed, nil, queue.PriorityLow); err != nil {
		t.log.Error("failed to enqueue failed-job cleanup", "error", err)
	}
}
