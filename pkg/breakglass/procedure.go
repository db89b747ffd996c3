// Package breakglass implements controlled emergency access. A
// procedure defines what an emergency session may do and how many
// approvals it needs; sessions move through
// pending -> active -> expired/revoked with every transition and action
// published to the event bus for auditing and notification.
package breakglass

import (
	"path"
	"time"

	tperrors "github.com/trustplane/trustplane/internal/errors"
)

// ActionType is an emergency action kind. Only allow-listed kinds can
// run inside a session.
type ActionType string

const (
	ActionRevealSecret       ActionType = "reveal-secret"
	ActionEmergencyDecrypt   ActionType = "emergency-decrypt"
	ActionGrantAccess        ActionType = "grant-access"
	ActionBypassPolicy       ActionType = "bypass-policy"
	ActionSuspendRotation    ActionType = "suspend-rotation"
	ActionOverrideExpiration ActionType = "override-expiration"
)

var knownActionTypes = map[ActionType]bool{
	ActionRevealSecret:       true,
	ActionEmergencyDecrypt:   true,
	ActionGrantAccess:        true,
	ActionBypassPolicy:       true,
	ActionSuspendRotation:    true,
	ActionOverrideExpiration: true,
}

// ActionRule allow-lists one action kind against a resource pattern. An
// empty pattern matches any resource; otherwise path.Match glob rules
// apply to each path segment.
type ActionRule struct {
	Type            ActionType `json:"type"`
	ResourcePattern string     `json:"resource_pattern,omitempty"`
}

func (r ActionRule) matches(actionType ActionType, resource string) bool {
	if r.Type != actionType {
		return false
	}
	if r.ResourcePattern == "" || r.ResourcePattern == "*" {
		return true
	}
	ok, err := path.Match(r.ResourcePattern, resource)
	return err == nil && ok
}

// Procedure is a pre-approved emergency playbook.
type Procedure struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	AllowedActions    []ActionRule  `json:"allowed_actions"`
	RequiredApprovals int           `json:"required_approvals"`
	TimeLimit         time.Duration `json:"time_limit"`
	EmergencyContacts []string      `json:"emergency_contacts,omitempty"`
}

// Allows reports whether the procedure permits actionType on resource.
func (p *Procedure) Allows(actionType ActionType, resource string) bool {
	for _, rule := range p.AllowedActions {
		if rule.matches(actionType, resource) {
			return true
		}
	}
	return false
}

// Validate checks the procedure definition.
func (p *Procedure) Validate() error {
	if p.ID == "" {
		return tperrors.ValidationError{Field: "id", Message: "procedure id is required"}
	}
	if p.TimeLimit <= 0 {
		return tperrors.ValidationError{
			Field:      "timeLimit",
			Message:    "procedure time limit must be positive",
			Suggestion: "Emergency sessions must always expire",
		}
	}
	if p.RequiredApprovals < 0 {
		return tperrors.ValidationError{Field: "requiredApprovals", Message: "approvals cannot be negative"}
	}
	if len(p.AllowedActions) == 0 {
		return tperrors.ValidationError{
			Field:      "allowedActions",
			Message:    "procedure allows no actions",
			Suggestion: "List at least one action rule",
		}
	}
	for _, rule := range p.AllowedActions {
		if !knownActionTypes[rule.Type] {
			return tperrors.ValidationError{
				Field:      "allowedActions",
				Value:      string(rule.Type),
				Message:    "unknown action type",
				Suggestion: "Use one of: reveal-secret, emergency-decrypt, grant-access, bypass-policy, suspend-rotation, override-expiration",
			}
		}
	}
	return nil
}
