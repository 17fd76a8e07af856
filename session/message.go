package session

import (
	"encoding/json"
	"time"
)

// A2AProtocolVersion is advertised in handshake responses.
const A2AProtocolVersion = "1.0"

// MessageType tags a routed session message.
type MessageType string

const (
	MessageTask    MessageType = "task"
	MessageVeto    MessageType = "veto"
	MessageA2A     MessageType = "a2a"
	MessageHandoff MessageType = "handoff"
	MessageState   MessageType = "state"
)

// Message is the transient envelope routed between participants. It is
// never persisted.
type Message struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	From      string          `json:"from"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage builds a message with the current timestamp and a marshaled
// payload.
func NewMessage(t MessageType, sessionID, from string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Type:      t,
		SessionID: sessionID,
		From:      from,
		Payload:   data,
		Timestamp: time.Now(),
	}, nil
}

// Task message actions.
const (
	TaskAdded     = "added"
	TaskCompleted = "completed"
	TaskRemoved   = "removed"
)

// TaskPayload mutates the session's active task set.
type TaskPayload struct {
	Action string `json:"action"`
	Task   Task   `json:"task"`
}

// VetoPayload requests a veto against an active task.
type VetoPayload struct {
	VetoID string `json:"veto_id,omitempty"`
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// A2A message actions.
const (
	A2ARequest  = "request"
	A2AResponse = "response"
)

// A2APayload negotiates capabilities between agents.
type A2APayload struct {
	Action          string   `json:"action"`
	AgentID         string   `json:"agent_id,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
	ProtocolVersion string   `json:"protocol_version,omitempty"`
}

// Handoff message actions.
const (
	HandoffInitiate  = "initiate"
	HandoffAck       = "ack"
	HandoffCompleted = "completed"
	HandoffFailed    = "failed"
)

// HandoffMessagePayload bridges session messages to the handoff engine.
type HandoffMessagePayload struct {
	Action        string `json:"action"`
	HandoffID     string `json:"handoff_id,omitempty"`
	SourceAgentID string `json:"source_agent_id,omitempty"`
	TargetAgentID string `json:"target_agent_id,omitempty"`
	TaskID        string `json:"task_id,omitempty"`
	Priority      string `json:"priority,omitempty"`
	Context       any    `json:"context,omitempty"`
	Error         string `json:"error,omitempty"`
}

// StatePayload merges shared state. Entries win last-writer-wins on the
// carrying message's timestamp.
type StatePayload struct {
	Full    bool           `json:"full"`
	Entries map[string]any `json:"entries"`
}
