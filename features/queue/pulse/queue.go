// Package pulse implements the job queue over Pulse streams. Each job name
// maps to one stream; worker pools are Pulse consumer groups, which gives
// atomic hand-off and at-least-once delivery. Idempotent job ids and removal
// tombstones use plain Redis keys next to the streams.
package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"goa.design/clue/log"

	clientspulse "github.com/loomhq/loom/features/pulse"
	"github.com/loomhq/loom/runtime/queue"
)

const (
	// jobKeyTTL bounds how long idempotency and tombstone keys live.
	jobKeyTTL = 24 * time.Hour
	// completedRetention and failedRetention bound the job history lists.
	completedRetention = 1000
	failedRetention    = 5000
)

type (
	// Options configures the Pulse queue.
	Options struct {
		// Client is the Pulse client used for streams. Required.
		Client clientspulse.Client
		// Redis is the Redis connection used for idempotency keys,
		// tombstones and history lists. Required.
		Redis *redis.Client
		// Prefix namespaces all keys and stream names. Defaults to "loom".
		Prefix string
	}

	// Queue implements queue.Queue over Pulse streams.
	Queue struct {
		client clientspulse.Client
		redis  *redis.Client
		prefix string

		mu      sync.Mutex
		entries map[string]cron.EntryID
		cron    *cron.Cron
		closed  bool
	}

	// message is the wire form of one job delivery.
	message struct {
		queue.Job
		// Attempts and BackoffMs carry the enqueue-time retry settings so
		// redelivery does not need external state.
		Attempts  int   `json:"attempts"`
		BackoffMs int64 `json:"backoffMs"`
	}
)

var _ queue.Queue = (*Queue)(nil)

// New constructs a Pulse-backed queue and starts its schedule loop.
func New(opts Options) (*Queue, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("pulse client is required")
	}
	if opts.Redis == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "loom"
	}
	q := &Queue{
		client:  opts.Client,
		redis:   opts.Redis,
		prefix:  prefix,
		entries: make(map[string]cron.EntryID),
		cron:    cron.New(cron.WithParser(queue.CronParser)),
	}
	q.cron.Start()
	return q, nil
}

// Enqueue adds a job to the stream for its name, dropping duplicates by id.
func (q *Queue) Enqueue(ctx context.Context, name string, payload json.RawMessage, opts queue.Options) (string, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", queue.ErrClosed
	}
	q.mu.Unlock()

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	// SETNX makes concurrent enqueues of the same job id collapse to one.
	ok, err := q.redis.SetNX(ctx, q.key("job", id), 1, jobKeyTTL).Result()
	if err != nil {
		return "", fmt.Errorf("queue enqueue: %w", err)
	}
	if !ok {
		return id, nil
	}
	q.setState(ctx, id, name, queue.StatePending, 1)

	msg := message{
		Job: queue.Job{
			ID:         id,
			Name:       name,
			Payload:    payload,
			Attempt:    1,
			EnqueuedAt: time.Now().UTC(),
		},
		Attempts:  opts.Attempts,
		BackoffMs: opts.Backoff.Milliseconds(),
	}
	if msg.Attempts <= 0 {
		msg.Attempts = queue.DefaultAttempts
	}
	if msg.BackoffMs <= 0 {
		msg.BackoffMs = queue.DefaultBackoff.Milliseconds()
	}

	if opts.Delay > 0 {
		time.AfterFunc(opts.Delay, func() {
			if err := q.publish(context.WithoutCancel(ctx), msg); err != nil {
				log.Errorf(ctx, err, "delayed job %s not published", id)
			}
		})
		return id, nil
	}
	if err := q.publish(ctx, msg); err != nil {
		return "", err
	}
	return id, nil
}

// Worker consumes jobs with the given name until ctx is canceled. All
// workers of one name share a consumer group, so each job is handed to
// exactly one of them.
func (q *Queue) Worker(ctx context.Context, name string, concurrency int, h queue.Handler) error {
	if concurrency < 1 {
		concurrency = queue.DefaultConcurrency
	}
	str, err := q.client.Stream(q.streamName(name))
	if err != nil {
		return err
	}
	sink, err := str.NewSink(ctx, q.prefix+"-workers")
	if err != nil {
		return err
	}
	defer sink.Close(context.Background())

	ch := sink.Subscribe()
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-ch:
					if !ok {
						return
					}
					q.handle(ctx, h, evt.Payload)
					if err := sink.Ack(ctx, evt); err != nil && ctx.Err() == nil {
						log.Errorf(ctx, err, "job ack failed")
					}
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (q *Queue) handle(ctx context.Context, h queue.Handler, payload []byte) {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Errorf(ctx, err, "malformed job payload dropped")
		return
	}
	removed, err := q.redis.Exists(ctx, q.key("removed", msg.ID)).Result()
	if err == nil && removed > 0 {
		return
	}
	q.setState(ctx, msg.ID, msg.Name, queue.StateActive, msg.Attempt)

	if err := h(ctx, msg.Job); err != nil {
		log.Errorf(ctx, err, "job %s attempt %d failed", msg.ID, msg.Attempt)
		if msg.Attempt < msg.Attempts {
			q.setState(ctx, msg.ID, msg.Name, queue.StatePending, msg.Attempt)
			retry := msg
			retry.Attempt++
			delay := time.Duration(msg.BackoffMs) * time.Millisecond * time.Duration(1<<(msg.Attempt-1))
			time.AfterFunc(delay, func() {
				bg := context.WithoutCancel(ctx)
				if err := q.publish(bg, retry); err != nil {
					log.Errorf(bg, err, "job %s retry not published", msg.ID)
				}
			})
			return
		}
		q.setState(ctx, msg.ID, msg.Name, queue.StateFailed, msg.Attempt)
		q.record(ctx, q.key("failed"), msg, failedRetention)
		return
	}
	q.setState(ctx, msg.ID, msg.Name, queue.StateCompleted, msg.Attempt)
	q.record(ctx, q.key("completed"), msg, completedRetention)
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
		bg := context.WithoutCancel(ctx)
		if _, err := q.Enqueue(bg, name, payload, opts); err != nil {
			log.Errorf(bg, err, "repeatable %s not enqueued", key)
		}
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

// GetJob reports the job's lifecycle state and progress from the
// bookkeeping hash written alongside the stream entries.
func (q *Queue) GetJob(ctx context.Context, id string) (*queue.JobInfo, error) {
	fields, err := q.redis.HGetAll(ctx, q.key("state", id)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, queue.ErrJobNotFound
	}
	info := &queue.JobInfo{
		ID:    id,
		Name:  fields["name"],
		State: queue.JobState(fields["state"]),
	}
	info.Attempt, _ = strconv.Atoi(fields["attempt"])
	info.Progress, _ = strconv.Atoi(fields["progress"])
	return info, nil
}

// UpdateProgress records the job's completion percentage.
func (q *Queue) UpdateProgress(ctx context.Context, id string, progress int) error {
	key := q.key("state", id)
	exists, err := q.redis.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("queue update progress: %w", err)
	}
	if exists == 0 {
		return queue.ErrJobNotFound
	}
	if err := q.redis.HSet(ctx, key, "progress", progress).Err(); err != nil {
		return fmt.Errorf("queue update progress: %w", err)
	}
	return nil
}

// RemoveJob tombstones the job id so pending deliveries are discarded.
func (q *Queue) RemoveJob(ctx context.Context, id string) error {
	if err := q.redis.Set(ctx, q.key("removed", id), 1, jobKeyTTL).Err(); err != nil {
		return fmt.Errorf("queue remove job: %w", err)
	}
	q.setState(ctx, id, "", queue.StateRemoved, 0)
	return nil
}

// setState writes the bookkeeping hash behind GetJob. Best effort, a write
// failure never affects the job.
func (q *Queue) setState(ctx context.Context, id, name string, state queue.JobState, attempt int) {
	key := q.key("state", id)
	fields := map[string]any{"state": string(state)}
	if name != "" {
		fields["name"] = name
	}
	if attempt > 0 {
		fields["attempt"] = attempt
	}
	pipe := q.redis.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, jobKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
		log.Debugf(ctx, "job state not recorded: %v", err)
	}
}

// Close stops the schedule loop.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.cron.Stop()
	return q.client.Close(ctx)
}

func (q *Queue) publish(ctx context.Context, msg message) error {
	str, err := q.client.Stream(q.streamName(msg.Name))
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := str.Add(ctx, msg.Name, payload); err != nil {
		return fmt.Errorf("queue publish: %w", err)
	}
	return nil
}

// record appends a bounded history entry for observability.
func (q *Queue) record(ctx context.Context, key string, msg message, keep int64) {
	entry, err := json.Marshal(map[string]any{
		"id":         msg.ID,
		"name":       msg.Name,
		"attempt":    msg.Attempt,
		"finishedAt": time.Now().UTC(),
	})
	if err != nil {
		return
	}
	pipe := q.redis.Pipeline()
	pipe.LPush(ctx, key, entry)
	pipe.LTrim(ctx, key, 0, keep-1)
	if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
		log.Debugf(ctx, "job history not recorded: %v", err)
	}
}

func (q *Queue) streamName(job string) string {
	return q.prefix + ":jobs:" + job
}

func (q *Queue) key(parts ...string) string {
	key := q.prefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}
