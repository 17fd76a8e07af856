package handoff

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmlink/types"
)

// EventSink receives lifecycle events from handoff components. *bus.Bus
// satisfies it via Emit.
type EventSink interface {
	Emit(event types.Event) error
}

// PreservedContext is a serialized task context held for an in-flight
// handoff. It exists exactly as long as its handoff is neither completed nor
// rolled back.
type PreservedContext struct {
	HandoffID string    `json:"handoff_id"`
	Blob      []byte    `json:"blob"`
	Checksum  string    `json:"checksum"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// StoreBackend persists preserved contexts. The in-memory backend bounds the
// store by recency and expiry; the Redis backend shares contexts across
// processes.
type StoreBackend interface {
	Put(ctx context.Context, rec PreservedContext) error
	Get(ctx context.Context, handoffID string) (PreservedContext, bool, error)
	Delete(ctx context.Context, handoffID string) (bool, error)
	Stats(ctx context.Context) (BackendStats, error)
}

// BackendStats aggregates store capacity numbers.
type BackendStats struct {
	Count     int           `json:"count"`
	TotalSize int64         `json:"total_size"`
	OldestAge time.Duration `json:"oldest_age"`
}

// ContextStore serializes, checksums, and stores opaque task contexts keyed
// by handoff id. It is the sole owner of serialized blobs.
type ContextStore struct {
	backend StoreBackend
	sink    EventSink
	logger  *zap.Logger
}

// NewContextStore creates a context store over the given backend.
func NewContextStore(backend StoreBackend, sink EventSink, logger *zap.Logger) *ContextStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextStore{
		backend: backend,
		sink:    sink,
		logger:  logger.With(zap.String("component", "context_store")),
	}
}

// PreserveContext serializes and stores taskContext under handoffID. Cyclic
// values are a hard failure. Emits context.preserved on success and
// context.preservation.failed on any failure.
func (s *ContextStore) PreserveContext(ctx context.Context, handoffID string, taskContext any) error {
	blob, err := json.Marshal(taskContext)
	if err != nil {
		// encoding/json reports unsupported and cyclic values here.
		s.emitFailure(types.EventContextPreservationFailed, handoffID, err)
		return types.NewError(types.ErrSerialization, "failed to serialize context").
			WithResource(handoffID).WithCause(err)
	}

	rec := PreservedContext{
		HandoffID: handoffID,
		Blob:      blob,
		Checksum:  checksum(blob),
		Size:      len(blob),
		CreatedAt: time.Now(),
	}

	if err := s.backend.Put(ctx, rec); err != nil {
		s.emitFailure(types.EventContextPreservationFailed, handoffID, err)
		return types.NewError(types.ErrPreservationFailed, "failed to preserve context").
			WithResource(handoffID).WithCause(err)
	}

	s.emit(types.NewEvent(types.EventContextPreserved, "context_store", types.ContextPayload{
		HandoffID: handoffID,
		Size:      rec.Size,
		Checksum:  rec.Checksum,
	}))

	s.logger.Debug("context preserved",
		zap.String("handoff_id", handoffID),
		zap.Int("size", rec.Size),
	)
	return nil
}

// RestoreContext validates and deserializes the context stored under
// handoffID. A checksum mismatch is always a hard integrity error.
func (s *ContextStore) RestoreContext(ctx context.Context, handoffID string) (any, error) {
	start := time.Now()

	rec, ok, err := s.backend.Get(ctx, handoffID)
	if err != nil {
		s.emitFailure(types.EventContextRestorationFailed, handoffID, err)
		return nil, types.NewError(types.ErrTransient, "failed to read preserved context").
			WithResource(handoffID).WithCause(err).WithRetryable(true)
	}
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "context not found").WithResource(handoffID)
	}

	if checksum(rec.Blob) != rec.Checksum {
		s.emitFailure(types.EventContextRestorationFailed, handoffID, nil)
		return nil, types.NewError(types.ErrIntegrity, "context checksum mismatch").WithResource(handoffID)
	}

	var restored any
	if err := json.Unmarshal(rec.Blob, &restored); err != nil {
		s.emitFailure(types.EventContextRestorationFailed, handoffID, err)
		return nil, types.NewError(types.ErrSerialization, "failed to deserialize context").
			WithResource(handoffID).WithCause(err)
	}

	s.emit(types.NewEvent(types.EventContextRestored, "context_store", types.ContextPayload{
		HandoffID: handoffID,
		Size:      rec.Size,
		Latency:   time.Since(start),
	}))
	return restored, nil
}

// RollbackContext discards the preserved context for handoffID. It is
// idempotent on absence and always emits context.rollback; a failure to emit
// surfaces as a rollback error.
func (s *ContextStore) RollbackContext(ctx context.Context, handoffID string) error {
	existed, err := s.backend.Delete(ctx, handoffID)
	if err != nil {
		return types.NewError(types.ErrRollbackFailed, "failed to rollback context").
			WithResource(handoffID).WithCause(err)
	}

	event := types.NewEvent(types.EventContextRollback, "context_store", types.ContextPayload{
		HandoffID: handoffID,
	})
	if err := s.sink.Emit(event); err != nil {
		return types.NewError(types.ErrRollbackFailed, "failed to rollback context").
			WithResource(handoffID).WithCause(err)
	}

	s.logger.Debug("context rolled back",
		zap.String("handoff_id", handoffID),
		zap.Bool("existed", existed),
	)
	return nil
}

// Discard removes a preserved context after successful completion, without
// the rollback event. Absence is not an error.
func (s *ContextStore) Discard(ctx context.Context, handoffID string) {
	if _, err := s.backend.Delete(ctx, handoffID); err != nil {
		s.logger.Warn("failed to discard preserved context",
			zap.String("handoff_id", handoffID),
			zap.Error(err),
		)
	}
}

// Stats reports aggregate count/size/age for capacity planning.
func (s *ContextStore) Stats(ctx context.Context) (BackendStats, error) {
	return s.backend.Stats(ctx)
}

func (s *ContextStore) emit(event types.Event) {
	if err := s.sink.Emit(event); err != nil {
		s.logger.Warn("failed to emit event",
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
	}
}

func (s *ContextStore) emitFailure(eventType types.EventType, handoffID string, cause error) {
	payload := types.ContextPayload{HandoffID: handoffID}
	if cause != nil {
		payload.Error = cause.Error()
	}
	s.emit(types.NewEvent(eventType, "context_store", payload))
}

func checksum(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}
