// Package handoff implements task handoff between agents: context
// preservation with integrity checking, the handoff lifecycle state machine,
// and the decision/retry/fallback execution engine.
package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmlink/internal/compress"
	"github.com/BaSui01/swarmlink/types"
)

// Priority orders handoffs and selects the compression quality.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Status is the lifecycle state of a handoff.
type Status string

const (
	StatusPending      Status = "pending"
	StatusTransferring Status = "transferring"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// validTransitions keeps status changes monotonic.
var validTransitions = map[Status][]Status{
	StatusPending:      {StatusTransferring, StatusFailed, StatusCancelled},
	StatusTransferring: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CompressionQuality maps a priority to a DEFLATE level. High priority
// trades compression ratio for transfer speed.
func CompressionQuality(priority Priority) int {
	switch priority {
	case PriorityHigh:
		return 6
	case PriorityMedium:
		return 8
	case PriorityLow:
		return 9
	default:
		return 8
	}
}

// Handoff is the record owned by the machine until the handoff reaches a
// terminal state. The record is removed on completion, cancellation, or
// rollback.
type Handoff struct {
	ID             string     `json:"id"`
	SourceAgentID  string     `json:"source_agent_id"`
	TargetAgentID  string     `json:"target_agent_id"`
	TaskID         string     `json:"task_id"`
	Priority       Priority   `json:"priority"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	Status         Status     `json:"status"`
	Progress       int        `json:"progress"`
	CompressedSize int        `json:"compressed_size"`
	Checksum       string     `json:"checksum"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	compressed []byte
}

// Request describes a handoff to initiate.
type Request struct {
	SourceAgentID string
	TargetAgentID string
	TaskID        string
	Priority      Priority
	Deadline      *time.Time
	Context       any
}

// Result reports an initiated handoff.
type Result struct {
	Success        bool          `json:"success"`
	HandoffID      string        `json:"handoff_id"`
	CompressedSize int           `json:"compressed_size"`
	TransferTime   time.Duration `json:"transfer_time"`
}

// StatusInfo is a point-in-time view of a handoff.
type StatusInfo struct {
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Machine owns the handoff lifecycle. All mutations of the handoff table go
// through its methods.
type Machine struct {
	mu       sync.RWMutex
	handoffs map[string]*Handoff
	store    *ContextStore
	sink     EventSink
	logger   *zap.Logger
}

// NewMachine creates a handoff state machine over the given context store.
func NewMachine(store *ContextStore, sink EventSink, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		handoffs: make(map[string]*Handoff),
		store:    store,
		sink:     sink,
		logger:   logger.With(zap.String("component", "handoff_machine")),
	}
}

// InitiateHandoff preserves and compresses the task context and moves the
// handoff from pending to transferring. Identical requests always yield
// distinct handoff ids.
func (m *Machine) InitiateHandoff(ctx context.Context, req Request) (*Result, error) {
	if req.SourceAgentID == "" || req.TargetAgentID == "" {
		return nil, types.NewError(types.ErrValidation, "source and target agent ids are required")
	}
	if req.TaskID == "" {
		return nil, types.NewError(types.ErrValidation, "task id is required")
	}

	start := time.Now()

	// Salted id: identical source/target/task inputs never collide.
	id := fmt.Sprintf("ho_%s_%s_%s", req.SourceAgentID, req.TargetAgentID, uuid.NewString()[:8])

	h := &Handoff{
		ID:            id,
		SourceAgentID: req.SourceAgentID,
		TargetAgentID: req.TargetAgentID,
		TaskID:        req.TaskID,
		Priority:      req.Priority,
		Deadline:      req.Deadline,
		Status:        StatusPending,
		CreatedAt:     start,
		UpdatedAt:     start,
	}

	m.mu.Lock()
	m.handoffs[id] = h
	m.mu.Unlock()

	if err := m.store.PreserveContext(ctx, id, req.Context); err != nil {
		m.fail(id, err)
		return nil, err
	}
	if err := m.setProgress(id, 25); err != nil {
		return nil, err
	}

	blob, err := json.Marshal(req.Context)
	if err != nil {
		serr := types.NewError(types.ErrSerialization, "failed to serialize context").
			WithResource(id).WithCause(err)
		m.fail(id, serr)
		return nil, serr
	}

	compressed, err := compress.Compress(blob, CompressionQuality(req.Priority))
	if err != nil {
		cerr := types.NewError(types.ErrCompressionFailed, "failed to compress context").
			WithResource(id).WithCause(err)
		m.fail(id, cerr)
		return nil, cerr
	}

	// Cancellation may have removed the record while we were compressing.
	if err := m.attach(id, compressed, checksum(compressed)); err != nil {
		return nil, err
	}
	if err := m.transition(id, StatusTransferring); err != nil {
		return nil, err
	}
	if err := m.setProgress(id, 50); err != nil {
		return nil, err
	}

	m.emit(types.NewEvent(types.EventHandoffInitiated, "handoff_machine", types.HandoffPayload{
		HandoffID:     id,
		SourceAgentID: req.SourceAgentID,
		TargetAgentID: req.TargetAgentID,
		TaskID:        req.TaskID,
		Priority:      string(req.Priority),
	}))

	m.logger.Info("handoff initiated",
		zap.String("handoff_id", id),
		zap.String("source", req.SourceAgentID),
		zap.String("target", req.TargetAgentID),
		zap.Int("compressed_size", len(compressed)),
	)

	return &Result{
		Success:        true,
		HandoffID:      id,
		CompressedSize: len(compressed),
		TransferTime:   time.Since(start),
	}, nil
}

// CompleteHandoff decompresses and returns the handed-off context. Only the
// target agent may complete, and completion is single-use: the record and
// its preserved context are removed.
func (m *Machine) CompleteHandoff(ctx context.Context, handoffID, callerAgentID string) (any, error) {
	m.mu.Lock()
	h, ok := m.handoffs[handoffID]
	if !ok {
		m.mu.Unlock()
		return nil, types.NewError(types.ErrNotFound, "handoff not found").WithResource(handoffID)
	}
	if h.TargetAgentID != callerAgentID {
		m.mu.Unlock()
		return nil, types.NewErrorf(types.ErrCallerMismatch,
			"agent %q is not the handoff target", callerAgentID).WithResource(handoffID)
	}
	compressed := h.compressed
	payload := types.HandoffPayload{
		HandoffID:     h.ID,
		SourceAgentID: h.SourceAgentID,
		TargetAgentID: h.TargetAgentID,
		TaskID:        h.TaskID,
		Priority:      string(h.Priority),
		Duration:      time.Since(h.CreatedAt),
	}
	m.mu.Unlock()

	blob, err := compress.Decompress(compressed)
	if err != nil {
		derr := types.NewError(types.ErrCompressionFailed, "failed to decompress context").
			WithResource(handoffID).WithCause(err)
		m.fail(handoffID, derr)
		return nil, derr
	}

	var restored any
	if err := json.Unmarshal(blob, &restored); err != nil {
		serr := types.NewError(types.ErrSerialization, "failed to deserialize context").
			WithResource(handoffID).WithCause(err)
		m.fail(handoffID, serr)
		return nil, serr
	}

	if err := m.transition(handoffID, StatusCompleted); err != nil {
		return nil, err
	}

	m.mu.Lock()
	delete(m.handoffs, handoffID)
	m.mu.Unlock()

	m.store.Discard(ctx, handoffID)

	m.emit(types.NewEvent(types.EventHandoffCompleted, "handoff_machine", payload))
	m.logger.Info("handoff completed",
		zap.String("handoff_id", handoffID),
		zap.String("caller", callerAgentID),
	)
	return restored, nil
}

// GetHandoffStatus returns a snapshot of the handoff, with progress clamped
// into [0,100]. The second return value is false for unknown ids.
func (m *Machine) GetHandoffStatus(handoffID string) (StatusInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.handoffs[handoffID]
	if !ok {
		return StatusInfo{}, false
	}
	return StatusInfo{
		Status:    h.Status,
		Progress:  clampProgress(h.Progress),
		Timestamp: h.UpdatedAt,
		Error:     h.Error,
	}, true
}

// UpdateProgress records transfer progress, clamped into [0,100].
func (m *Machine) UpdateProgress(handoffID string, progress int) error {
	return m.setProgress(handoffID, progress)
}

// CancelHandoff removes the handoff and rolls back its preserved context.
// It reports whether the handoff existed.
func (m *Machine) CancelHandoff(ctx context.Context, handoffID string) bool {
	m.mu.Lock()
	_, ok := m.handoffs[handoffID]
	delete(m.handoffs, handoffID)
	m.mu.Unlock()

	if err := m.store.RollbackContext(ctx, handoffID); err != nil {
		m.logger.Warn("rollback during cancel failed",
			zap.String("handoff_id", handoffID),
			zap.Error(err),
		)
	}
	if ok {
		m.logger.Info("handoff cancelled", zap.String("handoff_id", handoffID))
	}
	return ok
}

// ActiveHandoffs returns the ids of all non-terminal handoffs.
func (m *Machine) ActiveHandoffs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.handoffs))
	for id := range m.handoffs {
		ids = append(ids, id)
	}
	return ids
}

// transition validates and applies a status change. Unknown ids abort with
// not found so a concurrent cancel never corrupts state.
func (m *Machine) transition(handoffID string, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handoffs[handoffID]
	if !ok {
		return types.NewError(types.ErrNotFound, "handoff not found").WithResource(handoffID)
	}
	for _, allowed := range validTransitions[h.Status] {
		if allowed == to {
			h.Status = to
			h.UpdatedAt = time.Now()
			return nil
		}
	}
	return types.NewErrorf(types.ErrValidation,
		"invalid transition %s -> %s", h.Status, to).WithResource(handoffID)
}

func (m *Machine) setProgress(handoffID string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handoffs[handoffID]
	if !ok {
		return types.NewError(types.ErrNotFound, "handoff not found").WithResource(handoffID)
	}
	h.Progress = clampProgress(progress)
	h.UpdatedAt = time.Now()
	return nil
}

func (m *Machine) attach(handoffID string, compressed []byte, sum string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handoffs[handoffID]
	if !ok {
		return types.NewError(types.ErrNotFound, "handoff not found").WithResource(handoffID)
	}
	h.compressed = compressed
	h.CompressedSize = len(compressed)
	h.Checksum = sum
	h.UpdatedAt = time.Now()
	return nil
}

// fail marks the handoff failed if it still exists and emits handoff.failed.
func (m *Machine) fail(handoffID string, cause error) {
	m.mu.Lock()
	h, ok := m.handoffs[handoffID]
	var payload types.HandoffPayload
	if ok {
		h.Status = StatusFailed
		h.Error = cause.Error()
		h.UpdatedAt = time.Now()
		payload = types.HandoffPayload{
			HandoffID:     h.ID,
			SourceAgentID: h.SourceAgentID,
			TargetAgentID: h.TargetAgentID,
			TaskID:        h.TaskID,
			Error:         cause.Error(),
		}
	}
	m.mu.Unlock()

	if ok {
		m.emit(types.NewEvent(types.EventHandoffFailed, "handoff_machine", payload))
	}
}

func (m *Machine) emit(event types.Event) {
	if err := m.sink.Emit(event); err != nil {
		m.logger.Warn("failed to emit event",
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
	}
}

func clampProgress(progress int) int {
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}
