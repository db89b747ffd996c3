package rotation

import (
	"context"
	"fmt"
	"time"

	tperrors "github.com/trustplane/trustplane/internal/errors"
	"github.com/trustplane/trustplane/internal/events"
	"github.com/trustplane/trustplane/pkg/secretstore"
)

// stagingSuffix and previousSuffix name the side records used by the
// blue-green strategy.
const (
	stagingSuffix  = "-staging"
	previousSuffix = "-previous"
)

// previousValueField holds the old material inside the record during a
// gradual rotation's grace window.
const previousValueField = "previous_value"

// execute runs one rotation. recurring controls whether the job record
// returns to the scheduled state afterwards so the next tick can reuse
// it.
func (s *Scheduler) execute(ctx context.Context, job *Job, recurring bool) error {
	if err := s.acquirePath(job.Path); err != nil {
		return err
	}
	defer s.releasePath(job.Path)

	s.mu.Lock()
	job.Status = StatusRunning
	job.StartedAt = time.Now().UTC()
	job.Stuck = false
	job.Error = ""
	s.mu.Unlock()

	rotationsStarted.WithLabelValues(string(job.Type)).Inc()
	s.publish(events.Event{
		Type: events.TypeRotationStarted, Subject: job.Path, Source: "rotation", Success: true,
		Metadata: map[string]interface{}{"job_id": job.ID, "type": string(job.Type)},
	})

	err := s.rotate(ctx, job)
	s.finish(job, recurring, err)
	return err
}

func (s *Scheduler) rotate(ctx context.Context, job *Job) error {
	generator := s.generators[job.Type]
	if generator == nil {
		return tperrors.ConfigError{
			Field:   "rotation",
			Value:   string(job.Type),
			Message: "no generator registered for secret type",
		}
	}

	old, err := s.store.Get(ctx, job.Path)
	if err != nil {
		return fmt.Errorf("failed to read current secret: %w", err)
	}
	if old != nil {
		s.mu.Lock()
		job.OldVersion = old.Version
		s.mu.Unlock()
	}

	value, err := generator.Generate(ctx, job)
	if err != nil {
		return err
	}
	if value == nil {
		// Delegated generators persist their own material.
		return nil
	}

	switch job.Policy.Strategy {
	case StrategyBlueGreen:
		err = s.applyBlueGreen(ctx, job, old, value)
	case StrategyGradual:
		err = s.applyGradual(ctx, job, old, value)
	default:
		_, err = s.store.Put(ctx, job.Path, value, nil)
	}
	if err != nil {
		return err
	}

	// The job only completes once the new material is durably stored and
	// readable again.
	stored, err := s.store.Get(ctx, job.Path)
	if err != nil {
		return fmt.Errorf("failed to re-read rotated secret: %w", err)
	}
	if stored == nil {
		return fmt.Errorf("rotated secret %s is not readable after write", job.Path)
	}
	s.mu.Lock()
	job.NewVersion = stored.Version
	s.mu.Unlock()
	return nil
}

// applyBlueGreen stages the new material beside the live record,
// verifies the staged copy, then switches the live record. The old
// value stays available under the previous record for the grace period.
func (s *Scheduler) applyBlueGreen(ctx context.Context, job *Job, old *secretstore.SecretRecord, value map[string]interface{}) error {
	stagePath := job.Path + stagingSuffix
	if _, err := s.store.Put(ctx, stagePath, value, nil); err != nil {
		return fmt.Errorf("failed to stage new secret: %w", err)
	}
	staged, err := s.store.Get(ctx, stagePath)
	if err != nil || staged == nil {
		return fmt.Errorf("staged secret %s is not readable: %v", stagePath, err)
	}

	if old != nil {
		if _, err := s.store.Put(ctx, job.Path+previousSuffix, old.Value, nil); err != nil {
			return fmt.Errorf("failed to retain previous secret: %w", err)
		}
	}
	if _, err := s.store.Put(ctx, job.Path, value, nil); err != nil {
		return fmt.Errorf("failed to switch to new secret: %w", err)
	}
	if err := s.store.Delete(ctx, stagePath); err != nil {
		s.logger.Warn("Could not remove staging record %s: %v", stagePath, err)
	}

	if old != nil {
		s.afterGrace(job.Policy.GracePeriod, func() {
			purgeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.store.Delete(purgeCtx, job.Path+previousSuffix); err != nil {
				s.logger.Warn("Could not purge previous secret for %s: %v", job.Path, err)
			}
		})
	}
	return nil
}

// applyGradual writes the new value with the old one retained in-record,
// then strips it after the grace window.
func (s *Scheduler) applyGradual(ctx context.Context, job *Job, old *secretstore.SecretRecord, value map[string]interface{}) error {
	if old != nil {
		value[previousValueField] = old.Value
	}
	if _, err := s.store.Put(ctx, job.Path, value, nil); err != nil {
		return err
	}
	if old == nil {
		return nil
	}

	s.afterGrace(job.Policy.GracePeriod, func() {
		purgeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		record, err := s.store.Get(purgeCtx, job.Path)
		if err != nil || record == nil {
			s.logger.Warn("Could not re-read %s to purge previous value: %v", job.Path, err)
			return
		}
		if _, ok := record.Value[previousValueField]; !ok {
			return
		}
		delete(record.Value, previousValueField)
		if _, err := s.store.Put(purgeCtx, job.Path, record.Value, nil); err != nil {
			s.logger.Warn("Could not purge previous value for %s: %v", job.Path, err)
		}
	})
	return nil
}

// afterGrace runs fn once the grace period elapses. A zero grace runs it
// immediately.
func (s *Scheduler) afterGrace(grace time.Duration, fn func()) {
	if grace <= 0 {
		fn()
		return
	}
	timer := time.AfterFunc(grace, fn)
	s.mu.Lock()
	s.timers = append(s.timers, timer)
	s.mu.Unlock()
}

func (s *Scheduler) finish(job *Job, recurring bool, runErr error) {
	now := time.Now().UTC()

	s.mu.Lock()
	job.CompletedAt = now
	if runErr != nil {
		job.Status = StatusFailed
		job.Error = runErr.Error()
	} else {
		job.Status = StatusCompleted
	}
	duration := now.Sub(job.StartedAt)
	snapshot := job.snapshot()

	s.history[job.Path] = append(s.history[job.Path], snapshot)
	if n := len(s.history[job.Path]); n > s.historyLimit {
		s.history[job.Path] = s.history[job.Path][n-s.historyLimit:]
	}
	if recurring && job.Status != StatusCancelled {
		// The schedule lives on; the record goes back to waiting.
		job.Status = StatusScheduled
	}
	s.mu.Unlock()

	rotationDuration.WithLabelValues(string(job.Type)).Observe(duration.Seconds())
	if runErr != nil {
		rotationsFailed.WithLabelValues(string(job.Type)).Inc()
		s.logger.Error("Rotation of %s failed after %s: %v", job.Path, duration.Round(time.Millisecond), runErr)
		s.publish(events.Event{
			Type: events.TypeRotationFailed, Subject: job.Path, Source: "rotation",
			Success: false, Error: runErr.Error(),
			Metadata: map[string]interface{}{"job_id": job.ID, "type": string(job.Type)},
		})
		return
	}

	rotationsCompleted.WithLabelValues(string(job.Type)).Inc()
	s.logger.Info("Rotated %s in %s (version %d -> %d)",
		job.Path, duration.Round(time.Millisecond), snapshot.OldVersion, snapshot.NewVersion)
	s.publish(events.Event{
		Type: events.TypeRotationCompleted, Subject: job.Path, Source: "rotation", Success: true,
		Metadata: map[string]interface{}{
			"job_id":      job.ID,
			"type":        string(job.Type),
			"old_version": snapshot.OldVersion,
			"new_version": snapshot.NewVersion,
		},
	})
}

// acquirePath takes the per-path rotation slot. At most one rotation
// runs per path; unrelated paths proceed in parallel.
func (s *Scheduler) acquirePath(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[path] {
		return tperrors.ValidationError{
			Field:   "path",
			Value:   path,
			Message: "a rotation is already running for this path",
		}
	}
	s.running[path] = true
	return nil
}

func (s *Scheduler) releasePath(path string) {
	s.mu.Lock()
	delete(s.running, path)
	s.mu.Unlock()
}
