package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/inkwell-pm/inkwell/internal/fault"
	"github.com/inkwell-pm/inkwell/internal/telemetry"
)

const (
	defaultNamespace    = "inkwell:jobs"
	defaultDedupWindow  = 10 * time.Minute
	defaultPollInterval = 500 * time.Millisecond
	defaultLeaseTTL     = 30 * time.Second

	// jobRetention bounds how long job data outlives its enqueue; it must
	// exceed the longest possible dwell in the delayed zset.
	jobRetention  = 24 * time.Hour
	deadRetention = 7 * 24 * time.Hour

	// settleTimeout bounds the bookkeeping writes after a handler returns,
	// which must complete even when the runner context is already cancelled.
	settleTimeout = 5 * time.Second

	jobsScope = "github.com/inkwell-pm/inkwell/jobs"
)

// Handler processes one job. It must be idempotent: after a crash mid-run the
// job is delivered again. The context carries the queue's deadline and is
// cancelled on shutdown; partial progress must be committed atomically or not
// at all.
type Handler func(ctx context.Context, job *Job) error

// Option configures a Runner.
type Option func(*Runner)

// WithNamespace sets the Redis key prefix. Defaults to "inkwell:jobs".
func WithNamespace(ns string) Option {
	return func(r *Runner) {
		if ns != "" {
			r.namespace = ns
		}
	}
}

// WithLogger sets the runner's logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithDedupWindow sets how long an enqueue key suppresses duplicates.
func WithDedupWindow(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.dedupWindow = d
		}
	}
}

// WithPollInterval sets the wait granularity of workers and the delayed-job
// promoter. Lowered in tests.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.poll = d
		}
	}
}

// WithLeaseTTL sets how long a worker's lease on an active job lives between
// heartbeats. The reaper treats an active job without a lease as abandoned.
func WithLeaseTTL(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.leaseTTL = d
		}
	}
}

// Runner pulls jobs from registered queues and drives their handlers.
// Enqueue works before Start and from processes that never call Start.
type Runner struct {
	client      *redis.Client
	logger      *zap.Logger
	namespace   string
	dedupWindow time.Duration
	poll        time.Duration
	leaseTTL    time.Duration
	origin      string

	mu      sync.Mutex
	queues  map[string]*queue
	started bool
	cancel  context.CancelFunc

	wg sync.WaitGroup

	completed metric.Int64Counter
	duration  metric.Float64Histogram
}

type queue struct {
	name    string
	cfg     Config
	handler Handler
}

// New creates a Runner on an existing Redis client. The runner does not own
// the client and will not close it.
func New(client *redis.Client, opts ...Option) *Runner {
	r := &Runner{
		client:      client,
		logger:      zap.NewNop(),
		namespace:   defaultNamespace,
		dedupWindow: defaultDedupWindow,
		poll:        defaultPollInterval,
		leaseTTL:    defaultLeaseTTL,
		origin:      uuid.NewString(),
		queues:      make(map[string]*queue),
	}
	for _, opt := range opts {
		opt(r)
	}

	m := telemetry.Meter(jobsScope)
	r.completed, _ = m.Int64Counter("pm.jobs.completed",
		metric.WithDescription("Jobs settled, by queue and outcome"),
	)
	r.duration, _ = m.Float64Histogram("pm.jobs.duration",
		metric.WithDescription("Handler duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	return r
}

// Register binds a handler to a queue. Zero Config fields fall back to the
// queue's defaults. Must be called before Start.
func (r *Runner) Register(name string, cfg Config, handler Handler) error {
	if name == "" {
		return fmt.Errorf("queue name required")
	}
	if handler == nil {
		return fmt.Errorf("queue %s: handler required", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("queue %s: runner already started", name)
	}
	if _, dup := r.queues[name]; dup {
		return fmt.Errorf("queue %s: already registered", name)
	}
	r.queues[name] = &queue{name: name, cfg: cfg.withDefaults(name), handler: handler}
	return nil
}

// Enqueue adds a job. A non-empty key collapses duplicate enqueues of the
// same (queue, key) within the dedup window: the duplicate returns the
// winning job's id with deduped=true.
func (r *Runner) Enqueue(ctx context.Context, queueName, key string, payload any) (string, bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", false, fault.Wrap(fault.KindValidation, err, "job payload not serializable")
	}

	id := uuid.NewString()
	if key != "" {
		won, err := r.client.SetNX(ctx, r.dedupKey(queueName, key), id, r.dedupWindow).Result()
		if err != nil {
			return "", false, fault.Upstream(err, "enqueue %s: dedup check", queueName)
		}
		if !won {
			existing, err := r.client.Get(ctx, r.dedupKey(queueName, key)).Result()
			if err == nil && existing != "" {
				return existing, true, nil
			}
			// The winner's dedup key expired between SETNX and GET; treat
			// this enqueue as fresh.
		}
	}

	job := &Job{
		ID:         id,
		Queue:      queueName,
		Key:        key,
		Payload:    data,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := r.storeJob(ctx, job, jobRetention); err != nil {
		return "", false, err
	}
	if err := r.client.LPush(ctx, r.waitingKey(queueName), id).Err(); err != nil {
		return "", false, fault.Upstream(err, "enqueue %s", queueName)
	}
	return id, false, nil
}

// Start launches workers, the delayed-job promoter, and the lease reaper for
// every registered queue. It returns immediately; Close drains.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("runner already started")
	}
	r.started = true
	ctx, r.cancel = context.WithCancel(ctx)
	queues := make([]*queue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.mu.Unlock()

	for _, q := range queues {
		for i := 0; i < q.cfg.Concurrency; i++ {
			r.wg.Add(1)
			go r.worker(ctx, q)
		}
		r.wg.Add(2)
		go r.promoter(ctx, q)
		go r.reaper(ctx, q)
	}
	r.logger.Info("job runner started", zap.Int("queues", len(queues)))
	return nil
}

// Close cancels all handler contexts and waits for in-flight jobs to settle.
func (r *Runner) Close() error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	return nil
}

// ── Key layout ──────────────────────────────────────────────────────────────

func (r *Runner) waitingKey(q string) string { return r.namespace + ":" + q + ":waiting" }
func (r *Runner) activeKey(q string) string  { return r.namespace + ":" + q + ":active" }
func (r *Runner) delayedKey(q string) string { return r.namespace + ":" + q + ":delayed" }
func (r *Runner) deadKey(q string) string    { return r.namespace + ":" + q + ":dead" }
func (r *Runner) jobKey(id string) string    { return r.namespace + ":job:" + id }
func (r *Runner) leaseKey(id string) string  { return r.namespace + ":lease:" + id }
func (r *Runner) dedupKey(q, key string) string {
	return r.namespace + ":dedup:" + q + ":" + key
}

// ── Job data ────────────────────────────────────────────────────────────────

func (r *Runner) storeJob(ctx context.Context, job *Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fault.Internal(err)
	}
	if err := r.client.Set(ctx, r.jobKey(job.ID), data, ttl).Err(); err != nil {
		return fault.Upstream(err, "persisting job %s", job.ID)
	}
	return nil
}

// loadJob returns nil, nil when the job data has expired.
func (r *Runner) loadJob(ctx context.Context, id string) (*Job, error) {
	data, err := r.client.Get(ctx, r.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Upstream(err, "loading job %s", id)
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fault.Internal(err)
	}
	return &j, nil
}

// ── Worker loop ─────────────────────────────────────────────────────────────

func (r *Runner) worker(ctx context.Context, q *queue) {
	defer r.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		id, err := r.client.BLMove(ctx, r.waitingKey(q.name), r.activeKey(q.name), "RIGHT", "LEFT", r.poll).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("queue pull failed", zap.String("queue", q.name), zap.Error(err))
			select {
			case <-time.After(r.poll):
			case <-ctx.Done():
				return
			}
			continue
		}
		r.runJob(ctx, q, id)
	}
}

func (r *Runner) runJob(ctx context.Context, q *queue, id string) {
	// Bookkeeping must survive shutdown cancellation.
	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer scancel()

	// Take the lease before anything else so the reaper leaves this job
	// alone while the handler runs.
	if err := r.client.Set(sctx, r.leaseKey(id), r.origin, r.leaseTTL).Err(); err != nil {
		r.logger.Warn("lease acquisition failed, requeueing", zap.String("jobId", id), zap.Error(err))
		r.requeueFront(sctx, q.name, id)
		return
	}

	job, err := r.loadJob(sctx, id)
	if err != nil || job == nil {
		if err != nil {
			r.logger.Warn("job data unreadable, dropping", zap.String("jobId", id), zap.Error(err))
		}
		r.client.LRem(sctx, r.activeKey(q.name), 1, id)
		r.client.Del(sctx, r.leaseKey(id))
		return
	}

	job.Attempt++
	if err := r.storeJob(sctx, job, jobRetention); err != nil {
		r.logger.Warn("attempt bump failed, requeueing", zap.String("jobId", id), zap.Error(err))
		r.requeueFront(sctx, q.name, id)
		r.client.Del(sctx, r.leaseKey(id))
		return
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	go r.heartbeat(hbCtx, id)

	jobCtx, jobCancel := context.WithTimeout(ctx, q.cfg.Deadline)
	start := time.Now()
	herr := r.invoke(jobCtx, q.handler, job)
	elapsed := time.Since(start)
	jobCancel()
	hbCancel()

	r.settle(ctx, q, job, herr, elapsed)
}

// invoke runs the handler and converts panics into errors.
func (r *Runner) invoke(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("handler panic: %v", v)
			r.logger.Error("job handler panicked",
				zap.String("jobId", job.ID),
				zap.String("queue", job.Queue),
				zap.Any("panic", v),
				zap.Stack("stack"),
			)
		}
	}()
	return h(ctx, job)
}

// settle records the outcome of one attempt and moves the job to its next
// home: gone on success, the delayed zset on retry, the dead list on fatal
// or exhausted attempts, or back to waiting on shutdown.
func (r *Runner) settle(ctx context.Context, q *queue, job *Job, herr error, elapsed time.Duration) {
	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer scancel()

	status := "done"
	switch {
	case herr == nil:
		r.client.Del(sctx, r.jobKey(job.ID))

	case ctx.Err() != nil && errors.Is(herr, context.Canceled):
		// Shutdown interrupted the handler; give the attempt back and put
		// the job at the consuming end so it runs first after restart.
		status = "requeued"
		job.Attempt--
		if err := r.storeJob(sctx, job, jobRetention); err == nil {
			r.client.RPush(sctx, r.waitingKey(q.name), job.ID)
		}

	case r.isDead(job, q.cfg, herr):
		status = "dead"
		job.LastError = herr.Error()
		if err := r.storeJob(sctx, job, deadRetention); err == nil {
			r.client.LPush(sctx, r.deadKey(q.name), job.ID)
		}

	default:
		status = "retry"
		job.LastError = herr.Error()
		delay := retryDelay(q.cfg, job.Attempt)
		due := float64(time.Now().Add(delay).UnixMilli())
		if err := r.storeJob(sctx, job, jobRetention); err == nil {
			r.client.ZAdd(sctx, r.delayedKey(q.name), redis.Z{Score: due, Member: job.ID})
		}
	}

	r.client.LRem(sctx, r.activeKey(q.name), 1, job.ID)
	r.client.Del(sctx, r.leaseKey(job.ID))

	fields := []zap.Field{
		zap.String("jobId", job.ID),
		zap.String("queue", q.name),
		zap.String("status", status),
		zap.Int("attempt", job.Attempt),
		zap.Int64("durationMs", elapsed.Milliseconds()),
	}
	if herr != nil {
		fields = append(fields, zap.Error(herr))
	}
	switch status {
	case "done":
		r.logger.Info("job completed", fields...)
	case "dead":
		r.logger.Error("job dead-lettered", fields...)
	default:
		r.logger.Warn("job "+status, fields...)
	}

	attrs := metric.WithAttributes(
		attribute.String("queue", q.name),
		attribute.String("status", status),
	)
	r.completed.Add(sctx, 1, attrs)
	r.duration.Record(sctx, float64(elapsed.Milliseconds()), metric.WithAttributes(attribute.String("queue", q.name)))
}

// isDead reports whether the failure ends the job: an explicit Fatal, a
// deterministic fault kind, or an exhausted attempt budget. Unkinded errors
// (raw network failures, panics) count as transient.
func (r *Runner) isDead(job *Job, cfg Config, err error) bool {
	if IsFatal(err) {
		return true
	}
	var fe *fault.Error
	if errors.As(err, &fe) && !fault.Retryable(err) {
		return true
	}
	return job.Attempt >= cfg.MaxAttempts
}

// retryDelay is base·2^(attempt-1) capped at max, with ±25% jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.BaseBackoff
	for i := 1; i < attempt && d < cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > cfg.MaxBackoff {
		d = cfg.MaxBackoff
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}

// requeueFront puts an id back at the consuming end of the waiting list.
func (r *Runner) requeueFront(ctx context.Context, queueName, id string) {
	r.client.LRem(ctx, r.activeKey(queueName), 1, id)
	r.client.RPush(ctx, r.waitingKey(queueName), id)
}

// heartbeat extends the lease while the handler runs.
func (r *Runner) heartbeat(ctx context.Context, id string) {
	t := time.NewTicker(r.leaseTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.client.PExpire(ctx, r.leaseKey(id), r.leaseTTL).Err(); err != nil && ctx.Err() == nil {
				r.logger.Warn("lease heartbeat failed", zap.String("jobId", id), zap.Error(err))
			}
		}
	}
}

// ── Delayed-job promoter ────────────────────────────────────────────────────

func (r *Runner) promoter(ctx context.Context, q *queue) {
	defer r.wg.Done()
	t := time.NewTicker(r.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.promoteDue(ctx, q.name)
		}
	}
}

// promoteDue moves due delayed jobs back onto the waiting list. ZRem is the
// arbiter when several promoters race: only the caller that removed the
// member pushes it.
func (r *Runner) promoteDue(ctx context.Context, queueName string) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := r.client.ZRangeByScore(ctx, r.delayedKey(queueName), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: 100,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("promote scan failed", zap.String("queue", queueName), zap.Error(err))
		}
		return
	}
	for _, id := range ids {
		removed, err := r.client.ZRem(ctx, r.delayedKey(queueName), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := r.client.LPush(ctx, r.waitingKey(queueName), id).Err(); err != nil {
			r.logger.Warn("promote push failed", zap.String("jobId", id), zap.Error(err))
		}
	}
}

// ── Lease reaper ────────────────────────────────────────────────────────────

func (r *Runner) reaper(ctx context.Context, q *queue) {
	defer r.wg.Done()
	interval := r.leaseTTL / 2
	if interval < r.poll {
		interval = r.poll
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.reapAbandoned(ctx, q.name)
		}
	}
}

// reapAbandoned requeues active jobs whose lease expired, i.e. whose worker
// died without settling. LRem is the arbiter against a concurrent settle.
func (r *Runner) reapAbandoned(ctx context.Context, queueName string) {
	ids, err := r.client.LRange(ctx, r.activeKey(queueName), 0, -1).Result()
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("reap scan failed", zap.String("queue", queueName), zap.Error(err))
		}
		return
	}
	for _, id := range ids {
		n, err := r.client.Exists(ctx, r.leaseKey(id)).Result()
		if err != nil || n > 0 {
			continue
		}
		removed, err := r.client.LRem(ctx, r.activeKey(queueName), 1, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		r.logger.Warn("requeueing abandoned job", zap.String("jobId", id), zap.String("queue", queueName))
		if err := r.client.RPush(ctx, r.waitingKey(queueName), id).Err(); err != nil {
			r.logger.Error("abandoned job requeue failed", zap.String("jobId", id), zap.Error(err))
		}
	}
}

// ── Introspection ───────────────────────────────────────────────────────────

// Depths is a point-in-time census of one queue.
type Depths struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Dead    int64 `json:"dead"`
}

// QueueDepths reports how many jobs sit in each state of a queue.
func (r *Runner) QueueDepths(ctx context.Context, queueName string) (Depths, error) {
	var d Depths
	var err error
	if d.Waiting, err = r.client.LLen(ctx, r.waitingKey(queueName)).Result(); err != nil {
		return d, fault.Upstream(err, "queue depths %s", queueName)
	}
	if d.Active, err = r.client.LLen(ctx, r.activeKey(queueName)).Result(); err != nil {
		return d, fault.Upstream(err, "queue depths %s", queueName)
	}
	if d.Delayed, err = r.client.ZCard(ctx, r.delayedKey(queueName)).Result(); err != nil {
		return d, fault.Upstream(err, "queue depths %s", queueName)
	}
	if d.Dead, err = r.client.LLen(ctx, r.deadKey(queueName)).Result(); err != nil {
		return d, fault.Upstream(err, "queue depths %s", queueName)
	}
	return d, nil
}

// DeadLetters returns up to limit dead jobs, newest first. Jobs whose data
// has aged out are skipped.
func (r *Runner) DeadLetters(ctx context.Context, queueName string, limit int64) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := r.client.LRange(ctx, r.deadKey(queueName), 0, limit-1).Result()
	if err != nil {
		return nil, fault.Upstream(err, "dead letters %s", queueName)
	}
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := r.loadJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			out = append(out, job)
		}
	}
	return out, nil
}
