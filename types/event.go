package types

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a published event.
type EventType string

// Context preservation events
const (
	EventContextPreserved         EventType = "context.preserved"
	EventContextPreservationFailed EventType = "context.preservation.failed"
	EventContextRestored          EventType = "context.restored"
	EventContextRestorationFailed EventType = "context.restoration.failed"
	EventContextRollback          EventType = "context.rollback"
)

// Handoff lifecycle events
const (
	EventHandoffInitiated EventType = "handoff.initiated"
	EventHandoffCompleted EventType = "handoff.completed"
	EventHandoffFailed    EventType = "handoff.failed"
)

// Tool execution events
const (
	EventToolExecutionStarted   EventType = "tool.execution.started"
	EventToolExecutionCompleted EventType = "tool.execution.completed"
	EventToolExecutionFailed    EventType = "tool.execution.failed"
)

// Peer connection signaling events
const (
	EventSDPOffer        EventType = "webrtc.sdp-offer"
	EventSDPAnswer       EventType = "webrtc.sdp-answer"
	EventICECandidate    EventType = "webrtc.ice-candidate"
	EventConnectionState EventType = "webrtc.connection-state"
)

// Swarm session events
const (
	EventTaskVetoed        EventType = "swarm.task.vetoed"
	EventPerformanceMetric EventType = "performance.metric"
)

// Event is the envelope carried by the bus. Payload holds one of the typed
// payload structs below for declared event types; unmodeled events may carry
// any JSON-serializable value.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Target    string         `json:"target,omitempty"`
	Payload   any            `json:"payload"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewEvent builds an event envelope with a fresh id and current timestamp.
func NewEvent(eventType EventType, source string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Payload:   payload,
	}
}

// ContextPayload accompanies context.* events.
type ContextPayload struct {
	HandoffID string        `json:"handoff_id"`
	Size      int           `json:"size,omitempty"`
	Checksum  string        `json:"checksum,omitempty"`
	Latency   time.Duration `json:"latency,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// HandoffPayload accompanies handoff.* events.
type HandoffPayload struct {
	HandoffID     string        `json:"handoff_id"`
	SourceAgentID string        `json:"source_agent_id"`
	TargetAgentID string        `json:"target_agent_id"`
	TaskID        string        `json:"task_id"`
	Priority      string        `json:"priority,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// ToolExecutionPayload accompanies tool.execution.* events.
type ToolExecutionPayload struct {
	ToolName string        `json:"tool_name"`
	AgentID  string        `json:"agent_id"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// SignalPayload accompanies webrtc.* events. SDP and Candidate are opaque to
// the session layer; an external relay forwards them verbatim.
type SignalPayload struct {
	SessionID string `json:"session_id"`
	PeerID    string `json:"peer_id"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	State     string `json:"state,omitempty"`
}

// VetoPayload accompanies swarm.task.vetoed events.
type VetoPayload struct {
	SessionID   string `json:"session_id"`
	TaskID      string `json:"task_id"`
	VetoID      string `json:"veto_id"`
	RequestedBy string `json:"requested_by"`
	Reason      string `json:"reason,omitempty"`
	Upheld      bool   `json:"upheld"`
}

// MetricPayload accompanies performance.metric events.
type MetricPayload struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}
