package registry

import (
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"time"
)

// Status is a component's lifecycle state.
type Status string

const (
	StatusRegistered   Status = "REGISTERED"
	StatusReady        Status = "READY"
	StatusDegraded     Status = "DEGRADED"
	StatusUnhealthy    Status = "UNHEALTHY"
	StatusUnregistered Status = "UNREGISTERED"
)

// Live reports whether a record in this state holds a token that blocks
// takeover by another registrant. An UNHEALTHY record keeps its token
// until the unhealthy timeout expires it.
func (s Status) Live() bool {
	switch s {
	case StatusRegistered, StatusReady, StatusDegraded, StatusUnhealthy:
		return true
	}
	return false
}

// Discoverable reports whether the state belongs in capability lookups.
func (s Status) Discoverable() bool {
	return s == StatusReady || s == StatusDegraded
}

// Event topics.
const (
	TopicRegistered = "tekton.registration.completed"
	TopicRemoved    = "tekton.registration.removed"
	TopicReady      = "tekton.health.ready"
	TopicDegraded   = "tekton.health.degraded"
	TopicUnhealthy  = "tekton.health.unhealthy"
	TopicHeartbeat  = "tekton.health.heartbeat"
)

// Removal reasons.
const (
	ReasonUnregistered = "unregistered"
	ReasonExpired      = "expired"
)

// SchemaVersion is the current layout of ComponentRecord.Metadata.
const SchemaVersion = 1

// HealthMetrics is the last numeric snapshot a component reported.
// CPU, Memory and ErrorRate are fractions in [0,1].
type HealthMetrics struct {
	UptimeSeconds float64            `json:"uptime_seconds"`
	CPU           float64            `json:"cpu"`
	Memory        float64            `json:"memory"`
	ErrorRate     float64            `json:"error_rate"`
	Extra         map[string]float64 `json:"extra,omitempty"`
}

func (m HealthMetrics) clone() HealthMetrics {
	if m.Extra != nil {
		m.Extra = maps.Clone(m.Extra)
	}
	return m
}

// ComponentRecord is the registry's view of one component.
type ComponentRecord struct {
	ID            string         `json:"component_id"`
	Name          string         `json:"name"`
	Version       string         `json:"version"`
	Type          string         `json:"component_type"`
	Endpoint      string         `json:"endpoint"`
	Capabilities  []string       `json:"capabilities"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	SchemaVersion int            `json:"schema_version"`

	Token string `json:"token,omitempty"`

	Status          Status        `json:"status"`
	RegisteredAt    time.Time     `json:"registered_at"`
	LastHeartbeatAt time.Time     `json:"last_heartbeat_at"`
	UnregisteredAt  time.Time     `json:"unregistered_at,omitempty"`
	Metrics         HealthMetrics `json:"health_metrics"`

	// Revision increases on every committed change, across all records.
	Revision uint64 `json:"revision"`
}

// Clone returns a deep copy.
func (r ComponentRecord) Clone() ComponentRecord {
	r.Capabilities = slices.Clone(r.Capabilities)
	if r.Metadata != nil {
		r.Metadata = maps.Clone(r.Metadata)
	}
	r.Metrics = r.Metrics.clone()
	return r
}

// Public returns a deep copy without the token.
func (r ComponentRecord) Public() ComponentRecord {
	c := r.Clone()
	c.Token = ""
	return c
}

// HasCapability reports whether the record advertises capability.
func (r ComponentRecord) HasCapability(capability string) bool {
	return slices.Contains(r.Capabilities, capability)
}

// RegisterRequest carries the fields a component supplies on registration.
type RegisterRequest struct {
	ID            string         `json:"component_id"`
	Name          string         `json:"name"`
	Version       string         `json:"version"`
	Type          string         `json:"component_type"`
	Endpoint      string         `json:"endpoint"`
	Capabilities  []string       `json:"capabilities"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	SchemaVersion int            `json:"schema_version,omitempty"`

	// Token is the caller's current token, required to replace a live
	// registration.
	Token string `json:"token,omitempty"`
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// ValidateID checks that id is usable as a record key and as a single
// bus subject token.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid component id %q", id)
	}
	return nil
}

// Validate checks a registration request.
func (r RegisterRequest) Validate() error {
	if err := ValidateID(r.ID); err != nil {
		return err
	}
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if r.SchemaVersion < 0 || r.SchemaVersion > SchemaVersion {
		return fmt.Errorf("unsupported schema version %d", r.SchemaVersion)
	}
	for _, c := range r.Capabilities {
		if c == "" {
			return fmt.Errorf("empty capability")
		}
	}
	return nil
}

// Event is the payload of every registry event.
type Event struct {
	Topic  string          `json:"topic"`
	Record ComponentRecord `json:"record"`

	// Previous is the status before this change, empty for new records.
	Previous Status `json:"previous,omitempty"`

	// Reason explains removals and status transitions.
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Marshal serializes an event to JSON.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent deserializes an event from JSON.
func UnmarshalEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Filter narrows record listings. Zero fields match everything.
type Filter struct {
	Status     Status `json:"status,omitempty"`
	Type       string `json:"component_type,omitempty"`
	Capability string `json:"capability,omitempty"`
}

// MatchesFilter checks if a record matches the filter criteria.
func MatchesFilter(rec ComponentRecord, filter *Filter) bool {
	if filter == nil {
		return true
	}
	if filter.Status != "" && rec.Status != filter.Status {
		return false
	}
	if filter.Type != "" && rec.Type != filter.Type {
		return false
	}
	if filter.Capability != "" && !rec.HasCapability(filter.Capability) {
		return false
	}
	return true
}

// dedupe keeps the first occurrence of each capability.
func dedupe(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}
