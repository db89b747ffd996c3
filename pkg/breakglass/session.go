package breakglass

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of an emergency session.
type SessionStatus string

const (
	StatusPending SessionStatus = "pending"
	StatusActive  SessionStatus = "active"
	StatusExpired SessionStatus = "expired"
	StatusRevoked SessionStatus = "revoked"
)

// Approval is one approver's decision on a pending session.
type Approval struct {
	Approver  string    `json:"approver"`
	Approved  bool      `json:"approved"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ActionRecord is one executed (or refused) emergency action. Records
// are kept regardless of outcome.
type ActionRecord struct {
	Type      ActionType `json:"type"`
	Resource  string     `json:"resource"`
	Executor  string     `json:"executor"`
	Success   bool       `json:"success"`
	Error     string     `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Session is one emergency access grant.
type Session struct {
	ID            string        `json:"id"`
	ProcedureID   string        `json:"procedure_id"`
	Initiator     string        `json:"initiator"`
	Justification string        `json:"justification"`
	Urgency       string        `json:"urgency,omitempty"`
	Status        SessionStatus `json:"status"`

	Approvals []Approval     `json:"approvals,omitempty"`
	Actions   []ActionRecord `json:"actions,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`

	// AuditTrail is the in-session log, one line per state change or
	// action. The audit recorder keeps the durable copy.
	AuditTrail []string `json:"audit_trail,omitempty"`
}

func (s *Session) appendAudit(format string, args ...interface{}) {
	line := fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
	s.AuditTrail = append(s.AuditTrail, line)
}

// approvalCount counts distinct approvers that approved.
func (s *Session) approvalCount() int {
	seen := make(map[string]bool)
	for _, a := range s.Approvals {
		if a.Approved {
			seen[a.Approver] = true
		}
	}
	return len(seen)
}

func (s *Session) snapshot() *Session {
	copied := *s
	copied.Approvals = append([]Approval(nil), s.Approvals...)
	copied.Actions = append([]ActionRecord(nil), s.Actions...)
	copied.AuditTrail = append([]string(nil), s.AuditTrail...)
	return &copied
}
