// Package rotation schedules and executes secret rotation. Each path
// carries a policy naming the secret type, rotation interval, and
// cutover strategy; the scheduler enforces at-most-one running rotation
// per path while rotating unrelated paths in parallel.
package rotation

import (
	"time"

	tperrors "github.com/trustplane/trustplane/internal/errors"
)

// Status is the lifecycle state of a rotation job.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"

	// StatusRollback is reserved for a future rollback executor. No code
	// path sets it today.
	StatusRollback Status = "rollback"
)

// SecretType selects the material generator for a rotation.
type SecretType string

const (
	TypeDatabaseCredential SecretType = "database-credential"
	TypeAPIKey             SecretType = "api-key"
	TypeCertificate        SecretType = "certificate"
	TypeEncryptionKey      SecretType = "encryption-key"
	TypeSigningSecret      SecretType = "signing-secret"
)

// Strategy controls how new material replaces old.
type Strategy string

const (
	// StrategyImmediate overwrites the secret in place.
	StrategyImmediate Strategy = "immediate"
	// StrategyBlueGreen stages the new material alongside the old,
	// verifies it, then switches the live record. The old material is
	// retained for the grace period.
	StrategyBlueGreen Strategy = "blue-green"
	// StrategyGradual writes the new value with the previous one kept
	// in-record for the grace window, then purges it.
	StrategyGradual Strategy = "gradual"
)

// Interval is a recurring rotation cadence.
type Interval string

const (
	IntervalDaily     Interval = "daily"
	IntervalWeekly    Interval = "weekly"
	IntervalMonthly   Interval = "monthly"
	IntervalQuarterly Interval = "quarterly"
)

// cronSpec maps an interval to a cron schedule. Fixed-duration specs so
// a missed tick never compounds into a burst.
func (i Interval) cronSpec() (string, error) {
	switch i {
	case IntervalDaily:
		return "@every 24h", nil
	case IntervalWeekly:
		return "@every 168h", nil
	case IntervalMonthly:
		return "@every 720h", nil
	case IntervalQuarterly:
		return "@every 2160h", nil
	default:
		return "", tperrors.ValidationError{
			Field:      "interval",
			Value:      string(i),
			Message:    "unknown rotation interval",
			Suggestion: "Use one of: daily, weekly, monthly, quarterly",
		}
	}
}

// Policy describes how and how often a path rotates.
type Policy struct {
	Interval        Interval      `json:"interval"`
	GracePeriod     time.Duration `json:"grace_period"`
	Strategy        Strategy      `json:"strategy"`
	RequireApproval bool          `json:"require_approval"`
}

// Job is one rotation, scheduled or ad hoc. Recurring schedules reuse
// the job record across runs; History keeps per-run snapshots.
type Job struct {
	ID     string     `json:"id"`
	Path   string     `json:"path"`
	Type   SecretType `json:"type"`
	Policy Policy     `json:"policy"`
	Status Status     `json:"status"`

	// Stuck is set by the sweeper when the job has been running past the
	// stuck threshold. The job is never killed automatically.
	Stuck bool `json:"stuck,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	OldVersion int    `json:"old_version,omitempty"`
	NewVersion int    `json:"new_version,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (j *Job) snapshot() *Job {
	copied := *j
	return &copied
}
