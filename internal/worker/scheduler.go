package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/chess-ingest/internal/config"
	apperrors "github.com/chess-ingest/internal/errors"
	"github.com/chess-ingest/internal/job"
	"github.com/chess-ingest/internal/logging"
	"github.com/chess-ingest/internal/models"
	"github.com/chess-ingest/internal/service"
	"github.com/chess-ingest/internal/storage"
	"github.com/chess-ingest/internal/types"
	"github.com/google/uuid"
)

// Outcome is the result of one RunOnce
type Outcome string

const (
	// OutcomeIdle means no job was eligible
	OutcomeIdle Outcome = "idle"
	// OutcomeSucceeded means the job completed
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeRetried means the attempt failed and the job was requeued
	OutcomeRetried Outcome = "retried"
	// OutcomeFailed means the job failed terminally
	OutcomeFailed Outcome = "failed"
	// OutcomeLeftLeased means the store failed; the reaper requeues the job
	OutcomeLeftLeased Outcome = "left_leased"
	// OutcomeLeaseLost means the lease expired and was reaped mid-run
	OutcomeLeaseLost Outcome = "lease_lost"
)

// Success reports whether the run left nothing to report as a failure
func (o Outcome) Success() bool {
	return o == OutcomeIdle || o == OutcomeSucceeded
}

// Scheduler leases jobs and runs them through their handlers
type Scheduler struct {
	store    *storage.Store
	registry *job.Registry
	planner  *service.RefreshPlanner
	rawStore storage.RawStore
	monitor  *service.RunMonitor
	cfg      config.WorkerConfig
	leaseTTL time.Duration
	workerID string
	now      func() time.Time

	mu        sync.RWMutex
	running   bool
	lastPoll  time.Time
	processed map[Outcome]int64
}

// SchedulerConfig holds the collaborators of a scheduler
type SchedulerConfig struct {
	Store    *storage.Store
	Registry *job.Registry
	Planner  *service.RefreshPlanner // optional; Run skips planning without it
	RawStore storage.RawStore        // optional; rejected payloads are dropped without it
	Monitor  *service.RunMonitor     // optional
	Worker   config.WorkerConfig
	LeaseTTL time.Duration
	WorkerID string           // default: hostname plus a random suffix
	Now      func() time.Time // default: time.Now
}

// NewScheduler creates a scheduler
func NewScheduler(cfg *SchedulerConfig) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("handler registry cannot be nil")
	}

	workerCfg := cfg.Worker
	if workerCfg.PollInterval <= 0 {
		workerCfg.PollInterval = 5 * time.Second
	}
	if workerCfg.MaxIdleBackoff < workerCfg.PollInterval {
		workerCfg.MaxIdleBackoff = workerCfg.PollInterval
	}
	if workerCfg.Concurrency <= 0 {
		workerCfg.Concurrency = 1
	}

	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = 10 * time.Minute
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	rawStore := cfg.RawStore
	if rawStore == nil {
		rawStore = storage.NoopRawStore{}
	}

	monitor := cfg.Monitor
	if monitor == nil {
		monitor = service.NewRunMonitor()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Scheduler{
		store:     cfg.Store,
		registry:  cfg.Registry,
		planner:   cfg.Planner,
		rawStore:  rawStore,
		monitor:   monitor,
		cfg:       workerCfg,
		leaseTTL:  leaseTTL,
		workerID:  workerID,
		now:       now,
		processed: make(map[Outcome]int64),
	}, nil
}

// WorkerID returns the lease token prefix of this scheduler
func (s *Scheduler) WorkerID() string {
	return s.workerID
}

// Monitor returns the run monitor
func (s *Scheduler) Monitor() *service.RunMonitor {
	return s.monitor
}

// RunOnce leases and processes at most one job. The error is non-nil only
// when the store failed.
func (s *Scheduler) RunOnce(ctx context.Context) (Outcome, error) {
	return s.runOnce(ctx, s.workerID)
}

func (s *Scheduler) runOnce(ctx context.Context, workerID string) (Outcome, error) {
	s.mu.Lock()
	s.lastPoll = s.now()
	s.mu.Unlock()

	leased, err := s.store.Jobs.Lease(ctx, workerID, s.now())
	if err != nil {
		if errors.Is(err, storage.ErrNoJob) {
			return OutcomeIdle, nil
		}
		return OutcomeIdle, err
	}

	start := time.Now()
	outcome, err := s.process(ctx, leased)

	s.monitor.Record(leased.Type, string(outcome), time.Since(start))
	s.mu.Lock()
	s.processed[outcome]++
	s.mu.Unlock()

	return outcome, err
}

// process runs a leased job to one of its outcomes
func (s *Scheduler) process(ctx context.Context, j *models.Job) (Outcome, error) {
	log := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"job_id":   j.ID,
		"job_type": j.Type,
		"platform": j.Platform,
		"username": j.Scope.Account,
		"attempt":  j.Attempts + 1,
	})
	ctx = logging.WithLogger(ctx, log)

	handler, err := s.registry.For(j.Type)
	if err != nil {
		return s.fail(ctx, j, nil, nil, apperrors.NewValidationError("unknown job type", err))
	}

	var (
		done    bool
		fetched *job.Fetched
	)
	err = safeCall(func() error {
		var err error
		done, err = handler.Prepare(ctx, j, s.now())
		if err != nil || done {
			return err
		}
		fetched, err = handler.Fetch(ctx, j)
		return err
	})
	if err != nil {
		return s.fail(ctx, j, handler, fetched, err)
	}

	now := s.now()
	err = safeCall(func() error {
		return s.store.DB.WithTx(ctx, func(ctx context.Context) error {
			var followUps []models.EnqueueRequest
			if !done {
				var err error
				followUps, err = handler.Apply(ctx, j, fetched, now)
				if err != nil {
					return err
				}
			}

			if err := s.store.Jobs.Complete(ctx, j, now); err != nil {
				return err
			}
			for _, req := range followUps {
				if _, err := s.store.Jobs.Enqueue(ctx, req, now); err != nil {
					return err
				}
			}
			if entry := fetched.CacheEntry(); entry != nil {
				return s.store.Cache.Put(ctx, entry, now)
			}
			return nil
		})
	})
	if err != nil {
		return s.fail(ctx, j, handler, fetched, err)
	}

	if done {
		log.Info("Nothing left to do, job completed")
	} else {
		log.Info("Job succeeded")
	}
	return OutcomeSucceeded, nil
}

// fail classifies err and records the failed attempt. Store failures leave
// the job leased so the reaper retries the whole unit later.
func (s *Scheduler) fail(ctx context.Context, j *models.Job, handler job.Handler, fetched *job.Fetched, err error) (Outcome, error) {
	log := logging.FromContext(ctx)

	if errors.Is(err, storage.ErrLeaseLost) {
		log.Warn("Lease lost before the job finished")
		return OutcomeLeaseLost, nil
	}

	classified := *apperrors.Classify(err, types.ErrorPersistence)
	catErr := &classified
	if catErr.Kind == types.ErrorPersistence {
		log.WithError(err).Error("Store error, leaving job leased")
		return OutcomeLeftLeased, err
	}

	// the attempt is recorded even when the run was cancelled mid-fetch
	ctx = context.WithoutCancel(ctx)

	if catErr.Kind == types.ErrorValidation {
		if body := fetched.Body(); len(body) > 0 {
			key := fmt.Sprintf("%s/%s/%d-%s.json", j.Platform, j.Type, j.ID, fetched.Response.Checksum)
			ref, putErr := s.rawStore.Put(ctx, key, body)
			if putErr != nil {
				log.WithError(putErr).Warn("Failed to store rejected payload")
			}
			catErr.PayloadRef = ref
		}
	}

	now := s.now()
	cause := catErr.Error()
	var outcome models.FailureOutcome
	txErr := s.store.DB.WithTx(ctx, func(ctx context.Context) error {
		var err error
		switch catErr.Kind {
		case types.ErrorRateLimited:
			outcome, err = s.store.Jobs.Fail(ctx, j, cause, true, catErr.RetryAfter, now)
		case types.ErrorTransientNetwork:
			outcome, err = s.store.Jobs.Fail(ctx, j, cause, false, catErr.RetryAfter, now)
		default:
			outcome = models.FailureOutcome{Status: types.JobStatusFailed, Terminal: true}
			err = s.store.Jobs.FailTerminal(ctx, j, cause, now)
		}
		if err != nil {
			return err
		}

		if handler == nil {
			return nil
		}
		return handler.OnFailure(ctx, j, job.Failure{Err: catErr, Terminal: outcome.Terminal, Now: now})
	})
	if txErr != nil {
		if errors.Is(txErr, storage.ErrLeaseLost) {
			log.Warn("Lease lost before the failure was recorded")
			return OutcomeLeaseLost, nil
		}
		log.WithError(txErr).Error("Failed to record job failure, leaving job leased")
		return OutcomeLeftLeased, txErr
	}

	log = log.WithError(catErr).WithField("error_kind", catErr.Kind)
	if outcome.Terminal {
		log.Warn("Job failed")
		return OutcomeFailed, nil
	}
	log.WithField("available_at", outcome.AvailableAt).Info("Job requeued")
	return OutcomeRetried, nil
}

// safeCall turns a handler panic into a transient failure
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.WithField("stack", string(debug.Stack())).Errorf("Handler panicked: %v", r)
			err = &apperrors.CategorizedError{
				Kind:    types.ErrorTransientNetwork,
				Code:    "HANDLER_PANIC",
				Message: fmt.Sprintf("handler panicked: %v", r),
			}
		}
	}()
	return fn()
}

// Reap requeues jobs whose lease outlived the lease TTL
func (s *Scheduler) Reap(ctx context.Context) (int64, error) {
	n, err := s.store.Jobs.ReapExpired(ctx, s.leaseTTL, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.FromContext(ctx).WithField("jobs", n).Warn("Requeued jobs with expired leases")
	}
	return n, nil
}

// Run polls for jobs with the configured number of pollers, reaping and
// planning on their own tickers, until ctx is cancelled. Jobs in flight
// finish before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler %s is already running", s.workerID)
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"worker_id":   s.workerID,
		"concurrency": s.cfg.Concurrency,
	}).Info("Scheduler started")

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			s.pollLoop(ctx, id)
		}(fmt.Sprintf("%s-%d", s.workerID, i))
	}

	if s.cfg.ReapInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.tick(ctx, s.cfg.ReapInterval, func(ctx context.Context) error {
				_, err := s.Reap(ctx)
				return err
			})
		}()
	}

	if s.planner != nil && s.cfg.PlanInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.tick(ctx, s.cfg.PlanInterval, func(ctx context.Context) error {
				_, err := s.planner.Sweep(ctx, s.now())
				return err
			})
		}()
	}

	wg.Wait()
	logging.FromContext(ctx).WithField("worker_id", s.workerID).Info("Scheduler stopped")
	return nil
}

// pollLoop runs jobs back to back and backs off while the queue is empty
func (s *Scheduler) pollLoop(ctx context.Context, workerID string) {
	delay := s.cfg.PollInterval
	for {
		if ctx.Err() != nil {
			return
		}

		outcome, err := s.runOnce(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			logging.FromContext(ctx).WithError(err).WithField("worker_id", workerID).Error("Poll failed")
		}
		if err == nil && outcome != OutcomeIdle {
			delay = s.cfg.PollInterval
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		delay *= 2
		if delay > s.cfg.MaxIdleBackoff {
			delay = s.cfg.MaxIdleBackoff
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logging.FromContext(ctx).WithError(err).Warn("Periodic task failed")
			}
		}
	}
}

// SchedulerStatus is the state of a scheduler for the admin API
type SchedulerStatus struct {
	WorkerID  string            `json:"workerId"`
	Running   bool              `json:"running"`
	LastPoll  time.Time         `json:"lastPoll"`
	Processed map[Outcome]int64 `json:"processed"`
}

// GetStatus returns the current status of the scheduler
func (s *Scheduler) GetStatus() *SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	processed := make(map[Outcome]int64, len(s.processed))
	for k, v := range s.processed {
		processed[k] = v
	}
	return &SchedulerStatus{
		WorkerID:  s.workerID,
		Running:   s.running,
		LastPoll:  s.lastPoll,
		Processed: processed,
	}
}
