package rotation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	tperrors "github.com/trustplane/trustplane/internal/errors"
	"github.com/trustplane/trustplane/internal/events"
	"github.com/trustplane/trustplane/internal/logging"
	"github.com/trustplane/trustplane/pkg/secretstore"
)

const (
	// DefaultHistoryLimit is how many finished runs are kept per path.
	DefaultHistoryLimit = 10
	// DefaultStuckThreshold is how long a job may run before the sweeper
	// flags it.
	DefaultStuckThreshold = time.Hour
)

// Scheduler owns rotation jobs: recurring schedules, ad-hoc runs,
// per-path exclusion, history, and the stuck-job sweeper.
type Scheduler struct {
	store      secretstore.Store
	logger     *logging.Logger
	bus        *events.Bus
	generators map[SecretType]Generator

	historyLimit   int
	stuckThreshold time.Duration
	sweepInterval  time.Duration

	cron *cron.Cron

	mu      sync.Mutex
	jobs    map[string]*Job
	entries map[string]cron.EntryID
	running map[string]bool
	history map[string][]*Job
	timers  []*time.Timer

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithGenerator registers the material generator for a secret type.
func WithGenerator(secretType SecretType, g Generator) SchedulerOption {
	return func(s *Scheduler) { s.generators[secretType] = g }
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger *logging.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger.WithComponent("rotation") }
}

// WithSchedulerEventBus publishes rotation lifecycle events to the bus.
func WithSchedulerEventBus(bus *events.Bus) SchedulerOption {
	return func(s *Scheduler) { s.bus = bus }
}

// WithHistoryLimit bounds per-path run history.
func WithHistoryLimit(limit int) SchedulerOption {
	return func(s *Scheduler) {
		if limit > 0 {
			s.historyLimit = limit
		}
	}
}

// WithStuckThreshold sets how long a run may take before it is flagged.
func WithStuckThreshold(threshold time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if threshold > 0 {
			s.stuckThreshold = threshold
		}
	}
}

// WithSweepInterval sets how often the stuck sweeper runs.
func WithSweepInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if interval > 0 {
			s.sweepInterval = interval
		}
	}
}

// NewScheduler creates a scheduler rotating secrets in the given store.
func NewScheduler(store secretstore.Store, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:          store,
		logger:         logging.New(false, false).WithComponent("rotation"),
		generators:     make(map[SecretType]Generator),
		historyLimit:   DefaultHistoryLimit,
		stuckThreshold: DefaultStuckThreshold,
		sweepInterval:  5 * time.Minute,
		cron:           cron.New(),
		jobs:           make(map[string]*Job),
		entries:        make(map[string]cron.EntryID),
		running:        make(map[string]bool),
		history:        make(map[string][]*Job),
		stop:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the cron runner and the stuck-job sweeper.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the cron runner, the sweeper, and pending grace-period
// purges. Running jobs are not interrupted.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.cron.Stop().Done()
	s.wg.Wait()

	s.mu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	s.mu.Unlock()
}

// Schedule registers a recurring rotation for path and returns the job
// ID. The first run happens after one full interval.
func (s *Scheduler) Schedule(path string, secretType SecretType, policy Policy) (string, error) {
	if path == "" {
		return "", tperrors.ValidationError{Field: "path", Message: "path is required"}
	}
	if err := validStrategy(policy.Strategy); err != nil {
		return "", err
	}
	spec, err := policy.Interval.cronSpec()
	if err != nil {
		return "", err
	}
	if _, ok := s.generators[secretType]; !ok {
		return "", tperrors.ConfigError{
			Field:      "rotation",
			Value:      string(secretType),
			Message:    "no generator registered for secret type",
			Suggestion: "Register one with WithGenerator",
		}
	}

	job := &Job{
		ID:        uuid.NewString(),
		Path:      path,
		Type:      secretType,
		Policy:    policy,
		Status:    StatusScheduled,
		CreatedAt: time.Now().UTC(),
	}

	entryID, err := s.cron.AddFunc(spec, func() { s.tick(job.ID) })
	if err != nil {
		return "", fmt.Errorf("failed to register schedule: %w", err)
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.entries[job.ID] = entryID
	s.mu.Unlock()

	s.logger.Info("Scheduled %s rotation of %s (%s)", secretType, path, policy.Interval)
	s.publish(events.Event{
		Type: events.TypeRotationScheduled, Subject: path, Source: "rotation", Success: true,
		Metadata: map[string]interface{}{"job_id": job.ID, "interval": string(policy.Interval)},
	})
	return job.ID, nil
}

// tick runs one scheduled occurrence.
func (s *Scheduler) tick(jobID string) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status == StatusCancelled {
		s.mu.Unlock()
		return
	}
	if job.Policy.RequireApproval {
		s.mu.Unlock()
		s.logger.Warn("Rotation of %s requires approval, skipping automatic run", job.Path)
		return
	}
	s.mu.Unlock()

	if err := s.execute(context.Background(), job, true); err != nil {
		s.logger.Error("Scheduled rotation of %s failed: %v", job.Path, err)
	}
}

// RotateNow rotates path synchronously and returns the finished job.
func (s *Scheduler) RotateNow(ctx context.Context, path string, secretType SecretType, strategy Strategy) (*Job, error) {
	if err := validStrategy(strategy); err != nil {
		return nil, err
	}
	if _, ok := s.generators[secretType]; !ok {
		return nil, tperrors.ConfigError{
			Field:      "rotation",
			Value:      string(secretType),
			Message:    "no generator registered for secret type",
			Suggestion: "Register one with WithGenerator",
		}
	}

	job := &Job{
		ID:        uuid.NewString(),
		Path:      path,
		Type:      secretType,
		Policy:    Policy{Strategy: strategy},
		Status:    StatusScheduled,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	err := s.execute(ctx, job, false)
	if err != nil {
		// A run refused before acquiring the per-path slot never reaches
		// finish; close the record out so it cannot linger as a
		// cancellable scheduled job.
		s.mu.Lock()
		if job.Status == StatusScheduled {
			job.Status = StatusFailed
			job.Error = err.Error()
			job.CompletedAt = time.Now().UTC()
		}
		s.mu.Unlock()
	}
	return s.Status(job.ID), err
}

// Cancel cancels a job. Only jobs still in the scheduled state can be
// cancelled; a running job finishes.
func (s *Scheduler) Cancel(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return tperrors.NotFoundError{Resource: "rotation job", Path: jobID}
	}
	if job.Status != StatusScheduled {
		return tperrors.ValidationError{
			Field:   "status",
			Value:   string(job.Status),
			Message: "only scheduled jobs can be cancelled",
		}
	}
	job.Status = StatusCancelled
	if entryID, ok := s.entries[jobID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, jobID)
	}

	s.logger.Info("Cancelled rotation of %s", job.Path)
	s.publish(events.Event{
		Type: events.TypeRotationCancelled, Subject: job.Path, Source: "rotation", Success: true,
		Metadata: map[string]interface{}{"job_id": jobID},
	})
	return nil
}

// Status returns a snapshot of the job, or nil if unknown.
func (s *Scheduler) Status(jobID string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	return job.snapshot()
}

// History returns finished runs for path, newest first, bounded by the
// history limit.
func (s *Scheduler) History(path string) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := s.history[path]
	out := make([]*Job, len(runs))
	for i, job := range runs {
		out[len(runs)-1-i] = job.snapshot()
	}
	return out
}

// Sweep flags running jobs that have exceeded the stuck threshold. Jobs
// are never killed; the flag raises an event and a log line once.
func (s *Scheduler) Sweep() {
	cutoff := time.Now().Add(-s.stuckThreshold)

	s.mu.Lock()
	var flagged []*Job
	for _, job := range s.jobs {
		if job.Status == StatusRunning && !job.Stuck && job.StartedAt.Before(cutoff) {
			job.Stuck = true
			flagged = append(flagged, job.snapshot())
		}
	}
	s.mu.Unlock()

	for _, job := range flagged {
		s.logger.Warn("Rotation of %s has been running since %s, flagging as stuck",
			job.Path, job.StartedAt.Format(time.RFC3339))
		s.publish(events.Event{
			Type: events.TypeRotationStuck, Subject: job.Path, Source: "rotation", Success: false,
			Metadata: map[string]interface{}{"job_id": job.ID, "started_at": job.StartedAt},
		})
	}
}

func (s *Scheduler) publish(event events.Event) {
	if s.bus != nil {
		s.bus.Publish(event)
	}
}

func validStrategy(strategy Strategy) error {
	switch strategy {
	case StrategyImmediate, StrategyBlueGreen, StrategyGradual, "":
		return nil
	default:
		return tperrors.ValidationError{
			Field:      "strategy",
			Value:      string(strategy),
			Message:    "unknown rotation strategy",
			Suggestion: "Use one of: immediate, blue-green, gradual",
		}
	}
}
