package breakglass

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	tperrors "github.com/trustplane/trustplane/internal/errors"
	"github.com/trustplane/trustplane/internal/events"
	"github.com/trustplane/trustplane/internal/logging"
)

// DefaultMonitorInterval is how often the expiry monitor sweeps.
const DefaultMonitorInterval = 30 * time.Second

// ActionExecutor performs one emergency action kind. The returned map
// is handed back to the caller (revealed values, decrypted payloads).
type ActionExecutor interface {
	Execute(ctx context.Context, session *Session, resource string, params map[string]interface{}) (map[string]interface{}, error)
}

// Controller owns break-glass procedures and sessions.
type Controller struct {
	logger    *logging.Logger
	bus       *events.Bus
	executors map[ActionType]ActionExecutor

	mu         sync.Mutex
	procedures map[string]*Procedure
	sessions   map[string]*Session
	// order preserves session creation order for history.
	order []string

	monitorInterval time.Duration
	stopOnce        sync.Once
	stop            chan struct{}
	wg              sync.WaitGroup
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithControllerLogger sets the logger.
func WithControllerLogger(logger *logging.Logger) ControllerOption {
	return func(c *Controller) { c.logger = logger.WithComponent("breakglass") }
}

// WithControllerEventBus publishes session lifecycle events to the bus.
func WithControllerEventBus(bus *events.Bus) ControllerOption {
	return func(c *Controller) { c.bus = bus }
}

// WithMonitorInterval sets the expiry sweep interval.
func WithMonitorInterval(interval time.Duration) ControllerOption {
	return func(c *Controller) {
		if interval > 0 {
			c.monitorInterval = interval
		}
	}
}

// WithActionExecutor registers the executor for an action kind.
func WithActionExecutor(actionType ActionType, executor ActionExecutor) ControllerOption {
	return func(c *Controller) { c.executors[actionType] = executor }
}

// NewController creates an empty controller.
func NewController(opts ...ControllerOption) *Controller {
	c := &Controller{
		logger:          logging.New(false, false).WithComponent("breakglass"),
		executors:       make(map[ActionType]ActionExecutor),
		procedures:      make(map[string]*Procedure),
		sessions:        make(map[string]*Session),
		monitorInterval: DefaultMonitorInterval,
		stop:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterProcedure installs a procedure. Re-registering an ID replaces
// it for future sessions.
func (c *Controller) RegisterProcedure(p *Procedure) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.procedures[p.ID] = p
	c.mu.Unlock()
	c.logger.Info("Registered break-glass procedure %s (%d approvals, limit %s)",
		p.ID, p.RequiredApprovals, p.TimeLimit)
	return nil
}

// Initiate opens an emergency session under the named procedure. A
// justification is mandatory. Procedures requiring zero approvals
// activate immediately.
func (c *Controller) Initiate(procedureID, initiator, justification, urgency string) (*Session, error) {
	if justification == "" {
		return nil, tperrors.ValidationError{
			Field:      "justification",
			Message:    "a justification is required to open an emergency session",
			Suggestion: "State why normal access is insufficient",
		}
	}
	if initiator == "" {
		return nil, tperrors.ValidationError{Field: "initiator", Message: "initiator is required"}
	}

	c.mu.Lock()
	procedure, ok := c.procedures[procedureID]
	if !ok {
		c.mu.Unlock()
		return nil, tperrors.NotFoundError{Resource: "break-glass procedure", Path: procedureID}
	}

	session := &Session{
		ID:            uuid.NewString(),
		ProcedureID:   procedureID,
		Initiator:     initiator,
		Justification: justification,
		Urgency:       urgency,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	session.appendAudit("initiated by %s: %s", initiator, justification)
	c.sessions[session.ID] = session
	c.order = append(c.order, session.ID)

	activate := procedure.RequiredApprovals == 0
	if activate {
		c.activateLocked(session, procedure)
	}
	snapshot := session.snapshot()
	c.mu.Unlock()

	c.logger.Warn("Break-glass session %s initiated by %s under %s", session.ID, initiator, procedureID)
	c.publishTransition(events.TypeBreakGlassInitiated, snapshot, initiator, "")
	if activate {
		c.publishTransition(events.TypeBreakGlassActivated, snapshot, initiator, "")
	}
	return snapshot, nil
}

// Approve records one approver's decision. A single denial revokes the
// session immediately; the Nth approval activates it.
func (c *Controller) Approve(sessionID, approver string, approved bool, comment string) (*Session, error) {
	c.mu.Lock()
	session, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return nil, tperrors.NotFoundError{Resource: "break-glass session", Path: sessionID}
	}
	if session.Status != StatusPending {
		c.mu.Unlock()
		return nil, tperrors.ValidationError{
			Field:   "status",
			Value:   string(session.Status),
			Message: "only pending sessions can be approved or denied",
		}
	}
	if approver == session.Initiator {
		c.mu.Unlock()
		return nil, tperrors.ValidationError{
			Field:   "approver",
			Value:   approver,
			Message: "the initiator cannot approve their own session",
		}
	}

	procedure := c.procedures[session.ProcedureID]
	session.Approvals = append(session.Approvals, Approval{
		Approver:  approver,
		Approved:  approved,
		Comment:   comment,
		Timestamp: time.Now().UTC(),
	})

	var transition events.Type
	if !approved {
		session.Status = StatusRevoked
		session.appendAudit("denied by %s: %s", approver, comment)
		transition = events.TypeBreakGlassDenied
	} else {
		session.appendAudit("approved by %s (%d/%d)", approver, session.approvalCount(), procedure.RequiredApprovals)
		transition = events.TypeBreakGlassApproved
		if session.approvalCount() >= procedure.RequiredApprovals {
			c.activateLocked(session, procedure)
		}
	}
	activated := session.Status == StatusActive
	snapshot := session.snapshot()
	c.mu.Unlock()

	c.publishTransition(transition, snapshot, approver, comment)
	switch {
	case !approved:
		c.logger.Warn("Break-glass session %s denied by %s, revoked", sessionID, approver)
	case activated:
		c.logger.Warn("Break-glass session %s activated, expires %s",
			sessionID, snapshot.ExpiresAt.Format(time.RFC3339))
		c.publishTransition(events.TypeBreakGlassActivated, snapshot, approver, "")
	}
	return snapshot, nil
}

// Revoke terminates a pending or active session.
func (c *Controller) Revoke(sessionID, revoker, reason string) error {
	c.mu.Lock()
	session, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return tperrors.NotFoundError{Resource: "break-glass session", Path: sessionID}
	}
	if session.Status != StatusPending && session.Status != StatusActive {
		c.mu.Unlock()
		return tperrors.ValidationError{
			Field:   "status",
			Value:   string(session.Status),
			Message: "session is already closed",
		}
	}
	session.Status = StatusRevoked
	session.appendAudit("revoked by %s: %s", revoker, reason)
	snapshot := session.snapshot()
	c.mu.Unlock()

	c.logger.Warn("Break-glass session %s revoked by %s", sessionID, revoker)
	c.publishTransition(events.TypeBreakGlassRevoked, snapshot, revoker, reason)
	return nil
}

// ExecuteAction runs one emergency action inside an active session. The
// outcome is recorded on the session and published regardless of
// success.
func (c *Controller) ExecuteAction(ctx context.Context, sessionID, executor string, actionType ActionType, resource string, params map[string]interface{}) (map[string]interface{}, error) {
	c.mu.Lock()
	session, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return nil, tperrors.NotFoundError{Resource: "break-glass session", Path: sessionID}
	}
	if session.Status == StatusActive && !session.ExpiresAt.IsZero() && time.Now().After(session.ExpiresAt) {
		// The monitor has not swept yet; close it here.
		c.expireLocked(session)
	}
	if session.Status != StatusActive {
		c.mu.Unlock()
		return nil, tperrors.AuthError{
			Backend: "breakglass",
			Message: "session is not active",
		}
	}
	procedure := c.procedures[session.ProcedureID]
	allowed := procedure != nil && procedure.Allows(actionType, resource)
	impl := c.executors[actionType]
	snapshot := session.snapshot()
	c.mu.Unlock()

	var result map[string]interface{}
	var err error
	switch {
	case !allowed:
		err = tperrors.AuthError{
			Backend: "breakglass",
			Message: string(actionType) + " on " + resource + " is not allowed by the procedure",
		}
	case impl == nil:
		err = tperrors.ConfigError{
			Field:   "breakglass",
			Value:   string(actionType),
			Message: "no executor registered for action type",
		}
	default:
		result, err = impl.Execute(ctx, snapshot, resource, params)
	}

	record := ActionRecord{
		Type:      actionType,
		Resource:  resource,
		Executor:  executor,
		Success:   err == nil,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		record.Error = err.Error()
	}

	c.mu.Lock()
	session.Actions = append(session.Actions, record)
	session.appendAudit("action %s on %s by %s: success=%t", actionType, resource, executor, err == nil)
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(events.Event{
			Type:    events.TypeBreakGlassAction,
			Subject: sessionID,
			Actor:   executor,
			Source:  "breakglass",
			Success: err == nil,
			Error:   record.Error,
			Metadata: map[string]interface{}{
				"action":   string(actionType),
				"resource": resource,
			},
		})
	}
	if err != nil {
		c.logger.Error("Break-glass action %s on %s failed: %v", actionType, resource, err)
		return nil, err
	}
	c.logger.Warn("Break-glass action %s on %s executed by %s", actionType, resource, executor)
	return result, nil
}

// RestoreSession installs a previously exported session, for callers
// that persist sessions between process invocations. The session's
// procedure must already be registered.
func (c *Controller) RestoreSession(session *Session) error {
	if session == nil || session.ID == "" {
		return tperrors.ValidationError{Field: "session", Message: "session with an id is required"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.procedures[session.ProcedureID]; !ok {
		return tperrors.NotFoundError{Resource: "break-glass procedure", Path: session.ProcedureID}
	}
	if _, exists := c.sessions[session.ID]; !exists {
		c.order = append(c.order, session.ID)
	}
	c.sessions[session.ID] = session.snapshot()
	return nil
}

// Session returns a snapshot of one session.
func (c *Controller) Session(sessionID string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, ok := c.sessions[sessionID]
	if !ok {
		return nil, tperrors.NotFoundError{Resource: "break-glass session", Path: sessionID}
	}
	return session.snapshot(), nil
}

// ActiveSessions returns snapshots of all currently active sessions.
func (c *Controller) ActiveSessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	var active []*Session
	for _, id := range c.order {
		if s := c.sessions[id]; s.Status == StatusActive {
			active = append(active, s.snapshot())
		}
	}
	return active
}

// SessionHistory returns up to limit sessions, newest first.
func (c *Controller) SessionHistory(limit int) []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Session
	for i := len(c.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, c.sessions[c.order[i]].snapshot())
	}
	return out
}

// StartMonitor launches the expiry sweeper.
func (c *Controller) StartMonitor() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.monitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.SweepExpired()
			case <-c.stop:
				return
			}
		}
	}()
}

// StopMonitor halts the sweeper.
func (c *Controller) StopMonitor() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

// SweepExpired closes active sessions whose time limit has passed.
func (c *Controller) SweepExpired() {
	now := time.Now()

	c.mu.Lock()
	var expired []*Session
	for _, session := range c.sessions {
		if session.Status == StatusActive && now.After(session.ExpiresAt) {
			c.expireLocked(session)
			expired = append(expired, session.snapshot())
		}
	}
	c.mu.Unlock()

	for _, snapshot := range expired {
		c.logger.Warn("Break-glass session %s expired", snapshot.ID)
		c.publishTransition(events.TypeBreakGlassExpired, snapshot, "", "")
	}
}

func (c *Controller) activateLocked(session *Session, procedure *Procedure) {
	now := time.Now().UTC()
	session.Status = StatusActive
	session.ActivatedAt = now
	session.ExpiresAt = now.Add(procedure.TimeLimit)
	session.appendAudit("activated, expires %s", session.ExpiresAt.Format(time.RFC3339))
}

func (c *Controller) expireLocked(session *Session) {
	session.Status = StatusExpired
	session.appendAudit("expired at time limit")
}

func (c *Controller) publishTransition(eventType events.Type, session *Session, actor, detail string) {
	if c.bus == nil {
		return
	}
	metadata := map[string]interface{}{
		"procedure_id": session.ProcedureID,
		"status":       string(session.Status),
	}
	if detail != "" {
		metadata["detail"] = detail
	}
	if contacts := c.contactsFor(session.ProcedureID); len(contacts) > 0 {
		metadata["emergency_contacts"] = contacts
	}
	c.bus.Publish(events.Event{
		Type:     eventType,
		Subject:  session.ID,
		Actor:    actor,
		Source:   "breakglass",
		Success:  true,
		Metadata: metadata,
	})
}

func (c *Controller) contactsFor(procedureID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.procedures[procedureID]; ok {
		return p.EmergencyContacts
	}
	return nil
}
