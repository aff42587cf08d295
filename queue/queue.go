package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	list "github.com/bahlo/generic-list-go"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/isdmx/datarun/config"
	"github.com/isdmx/datarun/dataset"
	"github.com/isdmx/datarun/mount"
	"github.com/isdmx/datarun/sandbox"
	"github.com/isdmx/datarun/store"
)

// Queue errors
var (
	ErrClosed         = errors.New("queue is stopped")
	ErrAlreadyStarted = errors.New("queue already started")
	// ErrJobPanicked wraps a panic recovered from a job.
	ErrJobPanicked = errors.New("job panicked")
)

// Config sizes the worker pool and result retention
type Config struct {
	Workers int
	// ResultTTL drops terminal jobs this long after they finish. Zero keeps
	// them for the life of the process.
	ResultTTL     time.Duration
	PruneInterval time.Duration
}

// ConfigFrom extracts the queue settings from the application config
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Workers:       cfg.Sandbox.MaxConcurrency,
		ResultTTL:     cfg.Queue.ResultTTL,
		PruneInterval: cfg.Queue.PruneInterval,
	}
}

type pendingJob struct {
	id   string
	plan *sandbox.Plan
}

// Queue accepts jobs, runs them on a fixed pool of workers in submission
// order and records every outcome in a store.Store.
type Queue struct {
	logger   *zap.Logger
	cfg      Config
	store    *store.Store
	executor sandbox.SandboxExecutor
	metrics  *metrics
	newID    func() string
	now      func() time.Time

	mu      sync.Mutex
	cond    *sync.Cond
	pending *list.List[pendingJob]
	started bool
	closed  bool

	wg sync.WaitGroup
	// runCtx is handed to every Execute call. It is only canceled when Stop
	// gives up waiting.
	runCtx    context.Context
	cancelRun context.CancelFunc
	janitor   context.CancelFunc
}

// Option defines a functional option for Queue
type Option func(*Queue)

// WithIDGenerator replaces uuid.NewString as the job id source
func WithIDGenerator(newID func() string) Option {
	return func(q *Queue) {
		q.newID = newID
	}
}

// WithClock sets the time source used by the result janitor
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// New creates a Queue. Metrics are registered on reg when it is non-nil.
func New(logger *zap.Logger, cfg Config, st *store.Store, executor sandbox.SandboxExecutor, reg prometheus.Registerer, opts ...Option) (*Queue, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive, got: %d", cfg.Workers)
	}
	if cfg.ResultTTL > 0 && cfg.PruneInterval <= 0 {
		return nil, fmt.Errorf("prune interval must be positive when a result TTL is set")
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	q := &Queue{
		logger:    logger.Named("queue"),
		cfg:       cfg,
		store:     st,
		executor:  executor,
		metrics:   newMetrics(reg),
		newID:     uuid.NewString,
		now:       time.Now,
		pending:   list.New[pendingJob](),
		runCtx:    runCtx,
		cancelRun: cancelRun,
	}
	q.cond = sync.NewCond(&q.mu)

	for _, opt := range opts {
		opt(q)
	}

	return q, nil
}

// Submit validates req and records a job for it without waiting for
// execution. A request missing datasets or code is rejected with an error
// wrapping sandbox.ErrInvalidRequest and no job is created. Any other
// problem found while resolving datasets produces a job that is already
// FAILED and never runs.
func (q *Queue) Submit(_ context.Context, req sandbox.ExecuteRequest) (store.Job, error) {
	if err := checkStructure(req); err != nil {
		return store.Job{}, err
	}

	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return store.Job{}, ErrClosed
	}

	id := q.newID()
	logger := q.logger.With(zap.String("job_id", id))

	plan, err := q.executor.Prepare(req)
	if err != nil {
		kind := Classify(err)
		job, createErr := q.store.CreateFailed(id, req, kind, err.Error())
		if createErr != nil {
			return store.Job{}, createErr
		}
		q.metrics.submitted.WithLabelValues("rejected").Inc()
		q.metrics.observeFinished(store.StatusFailed, kind)
		logger.Info("job rejected", zap.String("kind", string(kind)), zap.Error(err))
		return job, nil
	}

	job, err := q.store.Create(id, req)
	if err != nil {
		return store.Job{}, err
	}

	q.mu.Lock()
	q.pending.PushBack(pendingJob{id: id, plan: plan})
	q.metrics.queueDepth.Set(float64(q.pending.Len()))
	q.cond.Signal()
	q.mu.Unlock()

	q.metrics.submitted.WithLabelValues("queued").Inc()
	logger.Info("job queued",
		zap.Strings("datasets", mount.NormalizeIDs(req.DatasetIDs)),
		zap.Int("mounts", plan.MountCount()),
		zap.Duration("timeout", plan.Timeout))
	return job, nil
}

// Get returns a snapshot of a job
func (q *Queue) Get(id string) (store.Job, error) {
	return q.store.Get(id)
}

// Result returns the result of a SUCCEEDED job; see store.Store.Result
func (q *Queue) Result(id string) (sandbox.ExecuteResult, error) {
	return q.store.Result(id)
}

// Stats counts jobs per status
func (q *Queue) Stats() map[store.Status]int {
	return q.store.Stats()
}

// Start launches the workers and, when a result TTL is set, the janitor
func (q *Queue) Start(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return ErrAlreadyStarted
	}
	if q.closed {
		return ErrClosed
	}
	q.started = true

	for i := range q.cfg.Workers {
		q.wg.Add(1)
		go q.worker(i)
	}

	if q.cfg.ResultTTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		q.janitor = cancel
		q.wg.Add(1)
		go q.runJanitor(ctx)
	}

	q.logger.Info("queue started", zap.Int("workers", q.cfg.Workers), zap.Duration("result_ttl", q.cfg.ResultTTL))
	return nil
}

// Stop refuses new submissions and waits for running jobs to finish. Jobs
// still waiting in the queue stay QUEUED. If ctx ends first, running jobs
// are aborted and ctx's error is returned.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	left := q.pending.Len()
	janitor := q.janitor
	q.cond.Broadcast()
	q.mu.Unlock()

	if janitor != nil {
		janitor()
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancelRun()
		q.logger.Info("queue stopped", zap.Int("left_queued", left))
		return nil
	case <-ctx.Done():
		q.cancelRun()
		q.logger.Warn("queue stop deadline reached, running jobs aborted")
		return ctx.Err()
	}
}

// next blocks until a job is available or the queue is stopped
func (q *Queue) next() (pendingJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.pending.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return pendingJob{}, false
	}
	item := q.pending.Remove(q.pending.Front())
	q.metrics.queueDepth.Set(float64(q.pending.Len()))
	return item, true
}

func (q *Queue) worker(n int) {
	defer q.wg.Done()
	logger := q.logger.With(zap.Int("worker", n))
	logger.Debug("worker started")

	for {
		item, ok := q.next()
		if !ok {
			logger.Debug("worker stopped")
			return
		}
		q.run(logger, item)
	}
}

// run executes one claimed job. A panic inside the executor fails the job and
// leaves the worker alive.
func (q *Queue) run(logger *zap.Logger, item pendingJob) {
	logger = logger.With(zap.String("job_id", item.id))

	if _, ok := q.store.Claim(item.id); !ok {
		logger.Debug("job already claimed, skipping")
		return
	}

	q.metrics.running.Inc()
	defer q.metrics.running.Dec()
	start := time.Now()
	logger.Info("job started")

	var (
		result sandbox.ExecuteResult
		err    error
		pc     panics.Catcher
	)
	pc.Try(func() {
		result, err = q.executor.Execute(q.runCtx, item.plan)
	})
	if recovered := pc.Recovered(); recovered != nil {
		err = fmt.Errorf("%w: %w", ErrJobPanicked, recovered.AsError())
		logger.Error("job panicked", zap.Any("panic", recovered.Value), zap.ByteString("stack", recovered.Stack))
	}

	q.metrics.duration.Observe(time.Since(start).Seconds())

	if err != nil {
		kind := Classify(err)
		if failErr := q.store.Fail(item.id, kind, err.Error()); failErr != nil {
			logger.Error("failed to record job failure", zap.Error(failErr))
			return
		}
		q.metrics.observeFinished(store.StatusFailed, kind)
		logger.Warn("job failed", zap.String("kind", string(kind)), zap.Error(err))
		return
	}

	if completeErr := q.store.Complete(item.id, result); completeErr != nil {
		logger.Error("failed to record job result", zap.Error(completeErr))
		return
	}
	q.metrics.observeFinished(store.StatusSucceeded, "")
	logger.Info("job succeeded",
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("stdout_truncated", result.StdoutTruncated),
		zap.Bool("stderr_truncated", result.StderrTruncated),
		zap.Duration("duration", result.Duration))
}

func (q *Queue) runJanitor(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.prune()
		}
	}
}

func (q *Queue) prune() int {
	removed := q.store.Prune(q.now().Add(-q.cfg.ResultTTL))
	if removed > 0 {
		q.logger.Debug("pruned finished jobs", zap.Int("count", removed))
	}
	return removed
}

// checkStructure rejects requests that cannot describe a job at all
func checkStructure(req sandbox.ExecuteRequest) error {
	if len(mount.NormalizeIDs(req.DatasetIDs)) == 0 {
		return fmt.Errorf("%w: at least one dataset id is required", sandbox.ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Code) == "" {
		return fmt.Errorf("%w: code is required", sandbox.ErrInvalidRequest)
	}
	return nil
}

// Classify maps an engine error to the failure kind recorded on a job
func Classify(err error) store.Kind {
	switch {
	case errors.Is(err, dataset.ErrInvalidIdentifier):
		return store.KindInvalidIdentifier
	case errors.Is(err, dataset.ErrPathEscape):
		return store.KindPathEscape
	case errors.Is(err, dataset.ErrNotFound):
		return store.KindNotFound
	case errors.Is(err, sandbox.ErrInvalidRequest):
		return store.KindInvalidRequest
	case errors.Is(err, sandbox.ErrExecutionTimeout):
		return store.KindExecutionTimeout
	case errors.Is(err, sandbox.ErrProvision):
		return store.KindProvisionError
	default:
		return store.KindInternalError
	}
}
