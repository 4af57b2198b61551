package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority orders jobs in the queue. Higher values dequeue first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// String implements fmt.Stringer.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// ParsePriority converts the wire form back to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "high":
		return PriorityHigh, nil
	case "medium":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	}
	return PriorityLow, fmt.Errorf("unknown priority %q", s)
}

// Status is a job lifecycle state. Queued and running are non-terminal.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a status will not change on its own.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Kind selects the worker code path for a job.
type Kind string

const (
	KindRecompute   Kind = "recompute"
	KindMaintenance Kind = "maintenance"
)

// ErrJobCancelled marks a cooperative abort. Cancelled jobs go terminal and
// are never retried automatically.
var ErrJobCancelled = errors.New("job cancelled")

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = errors.New("queue closed")

// Job is one unit of work: recompute alignments for a location over a year
// range, or run a maintenance operation.
type Job struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	LocationID int64          `json:"location_id,omitempty"`
	YearStart  int            `json:"year_start,omitempty"`
	YearEnd    int            `json:"year_end,omitempty"`
	Operation  string         `json:"operation,omitempty"` // maintenance only
	Params     map[string]any `json:"params,omitempty"`
	Priority   Priority       `json:"priority"`
	DedupKey   string         `json:"dedup_key"`
	Status     Status         `json:"status"`
	Retries    int            `json:"retries"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	StartedAt  time.Time      `json:"started_at,omitzero"`
	FinishedAt time.Time      `json:"finished_at,omitzero"`
}

// NewRecompute builds a recompute job with its canonical dedup key, so two
// enqueues for the same location and year range collapse into one.
func NewRecompute(locationID int64, yearStart, yearEnd int, priority Priority) Job {
	return Job{
		Kind:       KindRecompute,
		LocationID: locationID,
		YearStart:  yearStart,
		YearEnd:    yearEnd,
		Priority:   priority,
		DedupKey:   fmt.Sprintf("recompute:%d:%d-%d", locationID, yearStart, yearEnd),
	}
}

// NewMaintenance builds a maintenance job keyed by operation name.
func NewMaintenance(operation string, params map[string]any, priority Priority) Job {
	return Job{
		Kind:      KindMaintenance,
		Operation: operation,
		Params:    params,
		Priority:  priority,
		DedupKey:  "maintenance:" + operation,
	}
}

// Store mirrors job state to durable storage. The in-process queue remains
// the source of truth; the mirror exists for restarts and dashboards.
type Store interface {
	SaveJobRecord(job Job) error
	DeleteJobRecord(id string) error
}

// Stats is a point-in-time snapshot; taking one never drains the queue.
type Stats struct {
	QueuedCount    int `json:"queued"`
	RunningCount   int `json:"running"`
	SucceededCount int `json:"succeeded"`
	FailedCount    int `json:"failed"`
}

// Filter narrows List output. Zero values match everything.
type Filter struct {
	Status     Status
	Kind       Kind
	LocationID int64
	Limit      int
}

// Queue is a priority, deduplicating, retryable in-memory job queue. One
// mutex guards every transition so the dedup and single-owner invariants
// hold under concurrent workers.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	heap    jobHeap
	jobs    map[string]*Job
	pending map[string]string // dedup key -> id, non-terminal jobs only
	seq     uint64

	maxRetries int
	store      Store
	log        *slog.Logger
	closed     bool
}

// New creates a queue. store may be nil (tests, ephemeral runs).
func New(maxRetries int, store Store, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	q := &Queue{
		jobs:       make(map[string]*Job),
		pending:    make(map[string]string),
		maxRetries: maxRetries,
		store:      store,
		log:        log,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a job, or returns the id of an existing non-terminal job with
// the same dedup key. Idempotent by design: location edits may fire repeated
// enqueues in quick succession.
func (q *Queue) Enqueue(job Job) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	if job.DedupKey == "" {
		return "", errors.New("job missing dedup key")
	}

	if id, ok := q.pending[job.DedupKey]; ok {
		return id, nil
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = StatusQueued
	job.EnqueuedAt = time.Now().UTC()
	if job.MaxRetries == 0 {
		job.MaxRetries = q.maxRetries
	}

	j := job
	q.jobs[j.ID] = &j
	q.pending[j.DedupKey] = j.ID
	q.push(&j)
	q.persist(&j)
	q.cond.Signal()

	q.log.Debug("job enqueued", "id", j.ID, "kind", string(j.Kind),
		"priority", j.Priority.String(), "dedup_key", j.DedupKey)
	return j.ID, nil
}

// Dequeue blocks until a queued job is available, the context is done, or
// the queue closes, then atomically claims the highest-priority oldest job
// for the caller. No two callers ever receive the same job.
func (q *Queue) Dequeue(ctx context.Context) (Job, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}
		if q.closed {
			return Job{}, ErrClosed
		}
		if len(q.heap) > 0 {
			j := q.pop()
			// Entries for jobs cancelled while queued stay in the heap
			// and get skipped here.
			if j.Status != StatusQueued {
				continue
			}
			j.Status = StatusRunning
			j.StartedAt = time.Now().UTC()
			q.persist(j)
			return *j, nil
		}
		q.cond.Wait()
	}
}

// Complete marks a running job succeeded.
func (q *Queue) Complete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("unknown job %s", id)
	}
	if j.Status != StatusRunning {
		return fmt.Errorf("job %s is %s, not running", id, j.Status)
	}
	j.Status = StatusSucceeded
	j.FinishedAt = time.Now().UTC()
	j.LastError = ""
	delete(q.pending, j.DedupKey)
	q.persist(j)
	return nil
}

// Fail records a failure. Below the retry bound the job is re-enqueued at
// its original priority; at the bound, or on cancellation, it goes terminal
// with the last error retained for inspection.
func (q *Queue) Fail(id string, jobErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("unknown job %s", id)
	}
	if j.Status != StatusRunning {
		return fmt.Errorf("job %s is %s, not running", id, j.Status)
	}
	if jobErr != nil {
		j.LastError = jobErr.Error()
	}

	if !errors.Is(jobErr, ErrJobCancelled) && j.Retries < j.MaxRetries {
		j.Retries++
		j.Status = StatusQueued
		j.EnqueuedAt = time.Now().UTC()
		j.StartedAt = time.Time{}
		q.push(j)
		q.persist(j)
		q.cond.Signal()
		q.log.Warn("job failed, re-enqueued", "id", j.ID,
			"retry", j.Retries, "max_retries", j.MaxRetries, "error", j.LastError)
		return nil
	}

	j.Status = StatusFailed
	j.FinishedAt = time.Now().UTC()
	delete(q.pending, j.DedupKey)
	q.persist(j)
	q.log.Error("job failed terminally", "id", j.ID,
		"retries", j.Retries, "error", j.LastError)
	return nil
}

// CancelQueued aborts a job that has not started yet. Running jobs are
// cancelled through their worker's context instead.
func (q *Queue) CancelQueued(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("unknown job %s", id)
	}
	if j.Status != StatusQueued {
		return fmt.Errorf("job %s is %s, not queued", id, j.Status)
	}
	j.Status = StatusFailed
	j.LastError = ErrJobCancelled.Error()
	j.FinishedAt = time.Now().UTC()
	delete(q.pending, j.DedupKey)
	q.persist(j)
	return nil
}

// Requeue resets a terminal failed job to queued for a manual retry.
func (q *Queue) Requeue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("unknown job %s", id)
	}
	if j.Status != StatusFailed {
		return fmt.Errorf("job %s is %s, not failed", id, j.Status)
	}
	if existing, ok := q.pending[j.DedupKey]; ok {
		return fmt.Errorf("job %s already pending for dedup key %s", existing, j.DedupKey)
	}
	j.Status = StatusQueued
	j.Retries++
	j.EnqueuedAt = time.Now().UTC()
	j.StartedAt = time.Time{}
	j.FinishedAt = time.Time{}
	q.pending[j.DedupKey] = j.ID
	q.push(j)
	q.persist(j)
	q.cond.Signal()
	return nil
}

// Restore re-registers jobs recovered from the store after a restart.
// Running jobs are requeued: their worker did not survive the process.
func (q *Queue) Restore(jobs []Job) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	restored := 0
	for _, job := range jobs {
		if job.Status.Terminal() || job.ID == "" || job.DedupKey == "" {
			continue
		}
		if _, ok := q.pending[job.DedupKey]; ok {
			continue
		}
		j := job
		j.Status = StatusQueued
		j.StartedAt = time.Time{}
		q.jobs[j.ID] = &j
		q.pending[j.DedupKey] = j.ID
		q.push(&j)
		q.persist(&j)
		restored++
	}
	if restored > 0 {
		q.cond.Broadcast()
	}
	return restored
}

// Get returns a snapshot of a job.
func (q *Queue) Get(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// List returns snapshots matching the filter, newest first.
func (q *Queue) List(f Filter) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Job
	for _, j := range q.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Kind != "" && j.Kind != f.Kind {
			continue
		}
		if f.LocationID != 0 && j.LocationID != f.LocationID {
			continue
		}
		out = append(out, *j)
	}
	sortJobsNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Stats returns the snapshot counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	for _, j := range q.jobs {
		switch j.Status {
		case StatusQueued:
			s.QueuedCount++
		case StatusRunning:
			s.RunningCount++
		case StatusSucceeded:
			s.SucceededCount++
		case StatusFailed:
			s.FailedCount++
		}
	}
	return s
}

// CleanFailedOlderThan purges terminal failed jobs older than the retention
// window. Bookkeeping only; nothing is retried.
func (q *Queue) CleanFailedOlderThan(retention time.Duration) int {
	cutoff := time.Now().UTC().Add(-retention)
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for id, j := range q.jobs {
		if j.Status != StatusFailed || j.FinishedAt.IsZero() || !j.FinishedAt.Before(cutoff) {
			continue
		}
		delete(q.jobs, id)
		if q.store != nil {
			if err := q.store.DeleteJobRecord(id); err != nil {
				q.log.Warn("failed to delete job record", "id", id, "error", err)
			}
		}
		removed++
	}
	return removed
}

// Close wakes all blocked Dequeue callers with ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// persist mirrors a transition to the store; queue state stays authoritative
// even if the mirror write fails.
func (q *Queue) persist(j *Job) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveJobRecord(*j); err != nil {
		q.log.Warn("failed to persist job record", "id", j.ID, "error", err)
	}
}

func sortJobsNewestFirst(jobs []Job) {
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].EnqueuedAt.After(jobs[k].EnqueuedAt)
	})
}
