package events

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

type Kind string

const (
	KindIntegrationEvent Kind = "integration-event"
	KindHealthAlert      Kind = "health-alert"
	KindSessionInit      Kind = "session-init"
)

// Source identifies the upstream system that pushed a webhook.
type Source string

const (
	SourceCRM        Source = "crm"
	SourceAutomation Source = "automation"
)

// ParseSource reports whether s names a known webhook source.
func ParseSource(s string) (Source, bool) {
	switch Source(s) {
	case SourceCRM, SourceAutomation:
		return Source(s), true
	}
	return "", false
}

type Severity string

const (
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityRecovered Severity = "recovered"
)

// Status is the per-integration value carried in a health alert.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Event is a real-time update pushed to dashboard clients. Which fields are
// set depends on Kind.
type Event struct {
	Kind       Kind              `json:"kind"`
	Timestamp  time.Time         `json:"timestamp"`
	Source     Source            `json:"source,omitempty"`
	Body       map[string]any    `json:"body,omitempty"`
	ReceivedAt *time.Time        `json:"receivedAt,omitempty"`
	Flags      map[string]bool   `json:"flags,omitempty"`
	Statuses   map[string]Status `json:"statuses,omitempty"`
	Severity   Severity          `json:"severity,omitempty"`
	Type       string            `json:"type,omitempty"`
	Message    string            `json:"message,omitempty"`
}

// Broadcaster sends events to connected clients.
// Holders may keep a nil Broadcaster and check before use.
type Broadcaster interface {
	Broadcast(e Event)
}

// NewSessionInit builds the event sent to a client right after it connects.
func NewSessionInit(flags map[string]bool, at time.Time) Event {
	return Event{
		Kind:      KindSessionInit,
		Timestamp: at.UTC(),
		Flags:     maps.Clone(flags),
	}
}

// NewIntegrationEvent wraps a webhook payload. The payload is copied and the
// receipt time is merged into it under "receivedAt".
func NewIntegrationEvent(source Source, payload map[string]any, at time.Time) Event {
	at = at.UTC()
	body := make(map[string]any, len(payload)+1)
	maps.Copy(body, payload)
	body["receivedAt"] = at.Format(time.RFC3339Nano)
	return Event{
		Kind:       KindIntegrationEvent,
		Timestamp:  at,
		Source:     source,
		Body:       body,
		ReceivedAt: &at,
	}
}

// NewHealthAlert reports that at least one probed integration is degraded.
func NewHealthAlert(statuses map[string]Status, at time.Time) Event {
	return Event{
		Kind:      KindHealthAlert,
		Timestamp: at.UTC(),
		Statuses:  maps.Clone(statuses),
		Severity:  SeverityWarning,
		Type:      "sync_failure",
		Message:   "Data sync partially failed. " + describeStatuses(statuses),
	}
}

// NewRecoveryAlert reports that every probed integration is healthy again.
func NewRecoveryAlert(statuses map[string]Status, at time.Time) Event {
	return Event{
		Kind:      KindHealthAlert,
		Timestamp: at.UTC(),
		Statuses:  maps.Clone(statuses),
		Severity:  SeverityRecovered,
		Type:      "sync_recovered",
		Message:   "Data sync recovered. " + describeStatuses(statuses),
	}
}

// NewCriticalAlert reports a failure of the probing code itself.
func NewCriticalAlert(reason string, at time.Time) Event {
	return Event{
		Kind:      KindHealthAlert,
		Timestamp: at.UTC(),
		Severity:  SeverityCritical,
		Type:      "sync_error",
		Message:   fmt.Sprintf("Critical failure during health probe: %s", reason),
	}
}

func describeStatuses(statuses map[string]Status) string {
	parts := make([]string, 0, len(statuses))
	for _, name := range slices.Sorted(maps.Keys(statuses)) {
		parts = append(parts, fmt.Sprintf("%s: %s", name, statuses[name]))
	}
	return strings.Join(parts, ", ")
}
