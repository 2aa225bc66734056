// Package inmem provides a process-local queue implementation. Delivery
// guarantees match the production Pulse queue closely enough for tests:
// at-least-once delivery with bounded redelivery, idempotent job ids, and
// tombstoned removal of pending jobs.
package inmem

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/loomhq/loom/runtime/queue"
)

type envelope struct {
	job      queue.Job
	attempts int
	backoff  time.Duration
}

// Queue implements queue.Queue in memory.
type Queue struct {
	mu      sync.Mutex
	chans   map[string]chan envelope
	jobs    map[string]*queue.JobInfo
	removed map[string]bool
	entries map[string]cron.EntryID
	cron    *cron.Cron
	closed  bool
}

var _ queue.Queue = (*Queue)(nil)

// New constructs an empty queue and starts its schedule loop.
func New() *Queue {
	q := &Queue{
		chans:   make(map[string]chan envelope),
		jobs:    make(map[string]*queue.JobInfo),
		removed: make(map[string]bool),
		entries: make(map[string]cron.EntryID),
		cron:    cron.New(cron.WithParser(queue.CronParser)),
	}
	q.cron.Start()
	return q
}

// Enqueue adds a job, dropping duplicates by job id.
func (q *Queue) Enqueue(_ context.Context, name string, payload json.RawMessage, opts queue.Options) (string, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", queue.ErrClosed
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := q.jobs[id]; ok {
		q.mu.Unlock()
		return id, nil
	}
	q.jobs[id] = &queue.JobInfo{ID: id, Name: name, State: queue.StatePending, Attempt: 1}
	ch := q.channel(name)
	q.mu.Unlock()

	env := envelope{
		job: queue.Job{
			ID:         id,
			Name:       name,
			Payload:    payload,
			Attempt:    1,
			EnqueuedAt: time.Now(),
		},
		attempts: opts.Attempts,
		backoff:  opts.Backoff,
	}
	if env.attempts <= 0 {
		env.attempts = queue.DefaultAttempts
	}
	if env.backoff <= 0 {
		env.backoff = queue.DefaultBackoff
	}

	if opts.Delay > 0 {
		time.AfterFunc(opts.Delay, func() { q.push(ch, env) })
		return id, nil
	}
	q.push(ch, env)
	return id, nil
}

// Worker consumes jobs with the given name until ctx is canceled.
func (q *Queue) Worker(ctx context.Context, name string, concurrency int, h queue.Handler) error {
	if concurrency < 1 {
		concurrency = queue.DefaultConcurrency
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return queue.ErrClosed
	}
	ch := q.channel(name)
	q.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case env, ok := <-ch:
					if !ok {
						return
					}
					q.handle(ctx, ch, env, h)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (q *Queue) handle(ctx context.Context, ch chan envelope, env envelope, h queue.Handler) {
	q.mu.Lock()
	tombstoned := q.removed[env.job.ID]
	if !tombstoned {
		q.setState(env.job.ID, queue.StateActive, env.job.Attempt)
	}
	q.mu.Unlock()
	if tombstoned {
		return
	}
	err := h(ctx, env.job)
	q.mu.Lock()
	defer q.mu.Unlock()
	if err == nil {
		q.setState(env.job.ID, queue.StateCompleted, env.job.Attempt)
		return
	}
	if env.job.Attempt < env.attempts {
		q.setState(env.job.ID, queue.StatePending, env.job.Attempt)
		retry := env
		retry.job.Attempt++
		delay := env.backoff * time.Duration(1<<(env.job.Attempt-1))
		time.AfterFunc(delay, func() { q.push(ch, retry) })
		return
	}
	q.setState(env.job.ID, queue.StateFailed, env.job.Attempt)
}

// setState must be called with the lock held.
func (q *Queue) setState(id string, state queue.JobState, attempt int) {
	if info, ok := q.jobs[id]; ok {
		info.State = state
		info.Attempt = attempt
	}
}

// UpsertRepeatable registers or replaces the schedule under key.
func (q *Queue) UpsertRepeatable(ctx context.Context, key, spec, tz string, r queue.Repeatable) error {
	if _, err := queue.ParseSpec(spec, tz); err != nil {
		return err
	}
	full := spec
	if tz != "" {
		full = "CRON_TZ=" + tz + " " + spec
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	if id, ok := q.entries[key]; ok {
		q.cron.Remove(id)
	}
	id, err := q.cron.AddFunc(full, func() {
		name, payload, opts := r()
		_, _ = q.Enqueue(ctx, name, payload, opts)
	})
	if err != nil {
		return err
	}
	q.entries[key] = id
	return nil
}

// RemoveRepeatable unregisters the schedule under key.
func (q *Queue) RemoveRepeatable(_ context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if id, ok := q.entries[key]; ok {
		q.cron.Remove(id)
		delete(q.entries, key)
	}
	return nil
}

// GetJob reports the job's lifecycle state and progress.
func (q *Queue) GetJob(_ context.Context, id string) (*queue.JobInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	info, ok := q.jobs[id]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	copied := *info
	return &copied, nil
}

// UpdateProgress records the job's completion percentage.
func (q *Queue) UpdateProgress(_ context.Context, id string, progress int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	info, ok := q.jobs[id]
	if !ok {
		return queue.ErrJobNotFound
	}
	info.Progress = progress
	return nil
}

// RemoveJob tombstones the job id so pending deliveries are discarded.
func (q *Queue) RemoveJob(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed[id] = true
	if info, ok := q.jobs[id]; ok {
		info.State = queue.StateRemoved
	}
	return nil
}

// Close stops the schedule loop and rejects further operations.
func (q *Queue) Close(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.cron.Stop()
	return nil
}

// channel must be called with the lock held.
func (q *Queue) channel(name string) chan envelope {
	ch, ok := q.chans[name]
	if !ok {
		ch = make(chan envelope, 1024)
		q.chans[name] = ch
	}
	return ch
}

// push drops the job when the queue has been closed underneath a timer.
func (q *Queue) push(ch chan envelope, env envelope) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return
	}
	select {
	case ch <- env:
	default:
	}
}
