// Package queue defines the background job contract: named jobs with
// at-least-once delivery, idempotent enqueueing by job id, delayed and
// repeatable jobs, and cooperative removal of not-yet-started jobs.
//
// Two implementations exist: the in-memory queue in this package's inmem
// subpackage for tests and single-node runs, and the Pulse-backed queue in
// features/queue/pulse for production.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// DefaultAttempts bounds delivery attempts per job.
	DefaultAttempts = 3
	// DefaultBackoff is the base delay between delivery attempts.
	DefaultBackoff = time.Second
	// DefaultConcurrency is the worker pool size when unset.
	DefaultConcurrency = 5
)

// CronParser parses 6-field cron patterns with a leading seconds field. The
// seconds field is optional so 5-field patterns keep working.
var CronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

type (
	// Job is one unit of background work.
	Job struct {
		// ID is the idempotency key. Enqueueing a second job with the same
		// id while the first is pending or running is a no-op.
		ID string `json:"id"`
		// Name routes the job to the worker pool registered for it.
		Name string `json:"name"`
		// Payload is the JSON-encoded job argument.
		Payload json.RawMessage `json:"payload"`
		// Attempt is the 1-based delivery attempt.
		Attempt int `json:"attempt"`
		// EnqueuedAt is when the job was first added.
		EnqueuedAt time.Time `json:"enqueuedAt"`
	}

	// Options tunes a single enqueue.
	Options struct {
		// JobID sets the idempotency key; a random one is assigned when
		// empty.
		JobID string
		// Delay defers the first delivery.
		Delay time.Duration
		// Attempts overrides DefaultAttempts when positive.
		Attempts int
		// Backoff overrides DefaultBackoff when positive.
		Backoff time.Duration
	}

	// JobState is a job's place in its lifecycle as reported by GetJob.
	JobState string

	// JobInfo is the bookkeeping view of a job. Progress is the completion
	// percentage last reported through UpdateProgress.
	JobInfo struct {
		ID       string   `json:"id"`
		Name     string   `json:"name"`
		State    JobState `json:"state"`
		Attempt  int      `json:"attempt"`
		Progress int      `json:"progress"`
	}

	// Handler processes one job delivery. A non-nil error triggers redelivery
	// until the job's attempts are exhausted.
	Handler func(ctx context.Context, job Job) error

	// Repeatable produces the job enqueued on each firing of a schedule.
	// It runs at fire time so payloads carry fresh data.
	Repeatable func() (name string, payload json.RawMessage, opts Options)

	// Queue is the background job service.
	Queue interface {
		// Enqueue adds a job and returns its id. Duplicate job ids are
		// dropped without error.
		Enqueue(ctx context.Context, name string, payload json.RawMessage, opts Options) (string, error)

		// Worker consumes jobs with the given name until ctx is canceled.
		// concurrency bounds parallel handler invocations; values below one
		// use DefaultConcurrency.
		Worker(ctx context.Context, name string, concurrency int, h Handler) error

		// UpsertRepeatable registers or replaces the schedule under key.
		// spec is a cron pattern accepted by CronParser; tz an optional
		// IANA zone, UTC when empty.
		UpsertRepeatable(ctx context.Context, key, spec, tz string, r Repeatable) error

		// RemoveRepeatable unregisters the schedule under key. Removing an
		// unknown key is a no-op.
		RemoveRepeatable(ctx context.Context, key string) error

		// GetJob reports the job's lifecycle state and progress. Unknown or
		// expired job ids return ErrJobNotFound.
		GetJob(ctx context.Context, id string) (*JobInfo, error)

		// UpdateProgress records the job's completion percentage.
		// Observability only; failures never affect the job itself.
		UpdateProgress(ctx context.Context, id string, progress int) error

		// RemoveJob marks the job id so pending deliveries are discarded.
		// Jobs already handed to a worker are unaffected.
		RemoveJob(ctx context.Context, id string) error

		// Close stops schedules and releases resources.
		Close(ctx context.Context) error
	}
)

// Job lifecycle states.
const (
	StatePending   JobState = "pending"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateRemoved   JobState = "removed"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// ErrJobNotFound is returned by GetJob and UpdateProgress for unknown job
// ids.
var ErrJobNotFound = errors.New("job not found")

// ParseSpec validates a cron pattern with an optional timezone, returning the
// schedule used to compute firings.
func ParseSpec(spec, tz string) (cron.Schedule, error) {
	if tz != "" {
		spec = "CRON_TZ=" + tz + " " + spec
	}
	return CronParser.Parse(spec)
}
