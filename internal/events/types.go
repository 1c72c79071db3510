// Package events is the in-process pub/sub bus. Zone changes and tracing
// changes flow through it to the per-host reconcile workers, and ruleset
// outcomes flow out of it to the history recorder.
package events

import "time"

// EventType identifies the category of event.
type EventType string

const (
	// EventZoneChanged fires when a zone's rules, forwards or membership change.
	EventZoneChanged EventType = "zone.changed"
	// EventTracingChanged fires when a host's trace settings change.
	EventTracingChanged EventType = "tracing.changed"

	EventRulesetApplied EventType = "ruleset.applied"
	EventRulesetFailed  EventType = "ruleset.failed"
)

// Event is the core message passed through the event bus.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"`
	Data      interface{} `json:"data"`
}

// ZoneChangedData is the payload for EventZoneChanged. An empty HostID means
// every host.
type ZoneChangedData struct {
	HostID string `json:"host_id,omitempty"`
	Zone   string `json:"zone"`
}

// TracingChangedData is the payload for EventTracingChanged.
type TracingChangedData struct {
	HostID  string `json:"host_id"`
	Enabled bool   `json:"enabled"`
}

// RulesetData is the payload for EventRulesetApplied and EventRulesetFailed.
type RulesetData struct {
	HostID   string        `json:"host_id"`
	Rules    int           `json:"rules"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}
