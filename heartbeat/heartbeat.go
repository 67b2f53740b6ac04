package heartbeat

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/tekton/hermes/errors"
	"github.com/tekton/hermes/registry"
)

// Common errors.
var (
	ErrAlreadyStarted = stderrors.New("heartbeat already started")
	ErrNotStarted     = stderrors.New("heartbeat not started")
	ErrInvalidConfig  = stderrors.New("invalid configuration")
)

// SubjectPrefix is the subject prefix for heartbeats sent over the bus.
const SubjectPrefix = "tekton.heartbeat."

// Subject returns the bus subject for a component's heartbeats.
func Subject(componentID string) string {
	return SubjectPrefix + componentID
}

// SelfDegraded is the Snapshot.Status a component sends to report itself
// degraded regardless of its numbers.
const SelfDegraded = "degraded"

// Snapshot is the status a component reports with each heartbeat.
type Snapshot struct {
	// Status is optional; SelfDegraded forces DEGRADED.
	Status string `json:"status,omitempty"`

	registry.HealthMetrics
}

// Ack acknowledges an accepted heartbeat.
type Ack struct {
	ComponentID string          `json:"component_id"`
	Status      registry.Status `json:"status"`
	ReceivedAt  time.Time       `json:"received_at"`

	// IntervalMS is the heartbeat interval the monitor expects.
	IntervalMS int64 `json:"interval_ms"`
}

// Message is a heartbeat carried over the bus.
type Message struct {
	ComponentID string   `json:"component_id"`
	Token       string   `json:"token"`
	Snapshot    Snapshot `json:"snapshot"`
}

// Marshal serializes a heartbeat message to JSON.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal deserializes a heartbeat message from JSON.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Reply is the Listener's response to a bus heartbeat: exactly one of Ack
// and Error is set.
type Reply struct {
	Ack   *Ack          `json:"ack,omitempty"`
	Error *errors.Error `json:"error,omitempty"`
}

// Thresholds decide when reported numbers mean DEGRADED. Values are
// fractions in [0,1]; a zero threshold is ignored.
type Thresholds struct {
	MaxCPU       float64
	MaxMemory    float64
	MaxErrorRate float64
}

// DefaultThresholds returns the built-in degraded thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{MaxCPU: 0.90, MaxMemory: 0.90, MaxErrorRate: 0.05}
}

// Evaluate maps a snapshot to READY or DEGRADED. The reason names every
// limit that was crossed.
func (t Thresholds) Evaluate(s Snapshot) (registry.Status, string) {
	var reasons []string
	if strings.EqualFold(s.Status, SelfDegraded) {
		reasons = append(reasons, "self-reported")
	}
	check := func(name string, value, limit float64) {
		if limit > 0 && value >= limit {
			reasons = append(reasons, fmt.Sprintf("%s %.2f >= %.2f", name, value, limit))
		}
	}
	check("cpu", s.CPU, t.MaxCPU)
	check("memory", s.Memory, t.MaxMemory)
	check("error_rate", s.ErrorRate, t.MaxErrorRate)

	if len(reasons) > 0 {
		return registry.StatusDegraded, strings.Join(reasons, "; ")
	}
	return registry.StatusReady, ""
}
