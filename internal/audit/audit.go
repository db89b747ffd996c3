// Package audit records security-relevant events to an append-only log
// and raises incident reports for failures that need operator attention
// (authentication failures, integrity violations, break-glass activity,
// failed rotations).
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trustplane/trustplane/internal/events"
)

const (
	incidentDirName = "incidents"
	auditLogName    = "audit.log"
)

// Report represents a security incident report.
type Report struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Type        string                 `json:"type"`
	Severity    string                 `json:"severity"` // critical, high, medium, low
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Details     map[string]interface{} `json:"details,omitempty"`

	AffectedResources []string `json:"affected_resources,omitempty"`

	Status          string     `json:"status"` // open, investigating, resolved
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
}

// Recorder persists audit entries and incident reports under a base
// directory. Safe for concurrent use.
type Recorder struct {
	incidentDir string
	auditPath   string
	mu          sync.Mutex
}

// NewRecorder creates a recorder rooted at baseDir.
func NewRecorder(baseDir string) *Recorder {
	if baseDir == "" {
		baseDir = ".trustplane"
	}
	return &Recorder{
		incidentDir: filepath.Join(baseDir, incidentDirName),
		auditPath:   filepath.Join(baseDir, auditLogName),
	}
}

// auditLine is the JSON shape of one audit log entry.
type auditLine struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Subject   string                 `json:"subject"`
	Actor     string                 `json:"actor,omitempty"`
	Source    string                 `json:"source,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Record appends one event to the audit log. Errors are returned but
// callers typically treat audit-write failures as non-fatal warnings.
func (r *Recorder) Record(event events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.auditPath), 0700); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}

	f, err := os.OpenFile(r.auditPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	line := auditLine{
		ID:        event.ID,
		Timestamp: event.Timestamp,
		Type:      string(event.Type),
		Subject:   event.Subject,
		Actor:     event.Actor,
		Source:    event.Source,
		Success:   event.Success,
		Error:     event.Error,
		Metadata:  event.Metadata,
	}
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// Handler returns an event-bus handler that records every event and opens
// incident reports for security-relevant failures.
func (r *Recorder) Handler() events.Handler {
	return func(event events.Event) {
		if err := r.Record(event); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to write audit log: %v\n", err)
		}
		if severity, title := classify(event); severity != "" {
			details := map[string]interface{}{"event_id": event.ID}
			for k, v := range event.Metadata {
				details[k] = v
			}
			if event.Error != "" {
				details["error"] = event.Error
			}
			if _, err := r.CreateReport(string(event.Type), severity, title, event.Subject, details); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to create incident report: %v\n", err)
			}
		}
	}
}

// classify decides whether an event warrants an incident report.
func classify(event events.Event) (severity, title string) {
	switch event.Type {
	case events.TypeAuthFailed:
		return "high", "Backend authentication failure"
	case events.TypeRotationFailed:
		return "medium", "Secret rotation failed"
	case events.TypeRotationStuck:
		return "medium", "Rotation job stuck in running state"
	case events.TypeBreakGlassActivated:
		return "critical", "Break-glass session activated"
	case events.TypeBreakGlassDenied:
		return "high", "Break-glass request denied"
	case events.TypeBreakGlassAction:
		if !event.Success {
			return "high", "Break-glass action failed"
		}
		return "high", "Break-glass action executed"
	}
	return "", ""
}

// CreateReport creates and persists a new incident report.
func (r *Recorder) CreateReport(incidentType, severity, title, resource string, details map[string]interface{}) (*Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.incidentDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create incident directory: %w", err)
	}

	report := &Report{
		ID:          fmt.Sprintf("INC-%s-%s", time.Now().UTC().Format("20060102"), uuid.NewString()[:8]),
		Timestamp:   time.Now().UTC(),
		Type:        incidentType,
		Severity:    severity,
		Title:       title,
		Description: resource,
		Details:     details,
		Status:      "open",
	}
	if resource != "" {
		report.AffectedResources = []string{resource}
	}

	if err := r.saveReportLocked(report); err != nil {
		return nil, err
	}
	return report, nil
}

func (r *Recorder) saveReportLocked(report *Report) error {
	path := filepath.Join(r.incidentDir, report.ID+".json")
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// LoadReport loads an incident report by ID.
func (r *Recorder) LoadReport(id string) (*Report, error) {
	path := filepath.Join(r.incidentDir, id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("incident not found: %s", id)
		}
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse report: %w", err)
	}
	return &report, nil
}

// ListReports returns all incident reports, newest first.
func (r *Recorder) ListReports() ([]*Report, error) {
	if _, err := os.Stat(r.incidentDir); os.IsNotExist(err) {
		return []*Report{}, nil
	}
	files, err := os.ReadDir(r.incidentDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read incident directory: %w", err)
	}

	var reports []*Report
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		report, err := r.LoadReport(strings.TrimSuffix(file.Name(), ".json"))
		if err != nil {
			continue
		}
		reports = append(reports, report)
	}
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Timestamp.After(reports[j].Timestamp)
	})
	return reports, nil
}
