package handoff

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmlink/types"
)

// recordingSink collects emitted events; failOn makes Emit fail for one
// event type.
type recordingSink struct {
	mu     sync.Mutex
	events []types.Event
	failOn types.EventType
}

func (s *recordingSink) Emit(event types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != "" && event.Type == s.failOn {
		return errors.New("sink unavailable")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) byType(t types.EventType) []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestStore(sink EventSink) *ContextStore {
	return NewContextStore(NewMemoryBackend(MemoryBackendConfig{MaxEntries: 16}), sink, zap.NewNop())
}

func TestContextStore_PreserveAndRestore(t *testing.T) {
	sink := &recordingSink{}
	store := newTestStore(sink)
	ctx := context.Background()

	original := map[string]any{
		"task":  "summarize",
		"depth": float64(2),
		"tags":  []any{"a", "b"},
	}
	require.NoError(t, store.PreserveContext(ctx, "ho_1", original))

	restored, err := store.RestoreContext(ctx, "ho_1")
	require.NoError(t, err)
	assert.Equal(t, original, restored)

	assert.Len(t, sink.byType(types.EventContextPreserved), 1)
	assert.Len(t, sink.byType(types.EventContextRestored), 1)
}

func TestContextStore_RestoreMissing(t *testing.T) {
	store := newTestStore(&recordingSink{})

	_, err := store.RestoreContext(context.Background(), "ho_missing")
	require.Error(t, err)
	assert.True(t, types.IsNotFound(err))
}

func TestContextStore_CyclicContextFailsPreservation(t *testing.T) {
	sink := &recordingSink{}
	store := newTestStore(sink)

	cyclic := map[string]any{}
	cyclic["self"] = cyclic

	err := store.PreserveContext(context.Background(), "ho_cycle", cyclic)
	require.Error(t, err)
	assert.Equal(t, types.ErrSerialization, types.CodeOf(err))
	assert.Len(t, sink.byType(types.EventContextPreservationFailed), 1)
	assert.Empty(t, sink.byType(types.EventContextPreserved))
}

func TestContextStore_ChecksumMismatchIsIntegrityError(t *testing.T) {
	sink := &recordingSink{}
	backend := NewMemoryBackend(MemoryBackendConfig{MaxEntries: 4})
	store := NewContextStore(backend, sink, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, store.PreserveContext(ctx, "ho_corrupt", "data"))

	// Corrupt the stored blob behind the store's back.
	rec, ok, err := backend.Get(ctx, "ho_corrupt")
	require.NoError(t, err)
	require.True(t, ok)
	rec.Blob = []byte(`"tampered"`)
	require.NoError(t, backend.Put(ctx, rec))

	_, err = store.RestoreContext(ctx, "ho_corrupt")
	require.Error(t, err)
	assert.True(t, types.IsIntegrity(err))
	assert.Len(t, sink.byType(types.EventContextRestorationFailed), 1)
}

func TestContextStore_RollbackIsIdempotent(t *testing.T) {
	sink := &recordingSink{}
	store := newTestStore(sink)
	ctx := context.Background()

	require.NoError(t, store.PreserveContext(ctx, "ho_rb", "data"))
	require.NoError(t, store.RollbackContext(ctx, "ho_rb"))

	_, err := store.RestoreContext(ctx, "ho_rb")
	assert.True(t, types.IsNotFound(err))

	// Absent context still rolls back cleanly and still emits the event.
	require.NoError(t, store.RollbackContext(ctx, "ho_rb"))
	assert.Len(t, sink.byType(types.EventContextRollback), 2)
}

func TestContextStore_RollbackEmitFailureSurfaces(t *testing.T) {
	sink := &recordingSink{failOn: types.EventContextRollback}
	store := newTestStore(sink)
	ctx := context.Background()

	require.NoError(t, store.PreserveContext(ctx, "ho_rbfail", "data"))

	err := store.RollbackContext(ctx, "ho_rbfail")
	require.Error(t, err)
	assert.Equal(t, types.ErrRollbackFailed, types.CodeOf(err))
	assert.Contains(t, err.Error(), "failed to rollback context")
}

func TestContextStore_DiscardSkipsRollbackEvent(t *testing.T) {
	sink := &recordingSink{}
	store := newTestStore(sink)
	ctx := context.Background()

	require.NoError(t, store.PreserveContext(ctx, "ho_done", "data"))
	store.Discard(ctx, "ho_done")

	_, err := store.RestoreContext(ctx, "ho_done")
	assert.True(t, types.IsNotFound(err))
	assert.Empty(t, sink.byType(types.EventContextRollback))
}

func TestContextStore_Stats(t *testing.T) {
	store := newTestStore(&recordingSink{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.PreserveContext(ctx, fmt.Sprintf("ho_%d", i), map[string]any{"n": i}))
	}

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Count)
	assert.Positive(t, stats.TotalSize)
}

func TestMemoryBackend_LRUEviction(t *testing.T) {
	backend := NewMemoryBackend(MemoryBackendConfig{MaxEntries: 2})
	ctx := context.Background()

	put := func(id string) {
		require.NoError(t, backend.Put(ctx, PreservedContext{
			HandoffID: id,
			Blob:      []byte("{}"),
			CreatedAt: time.Now(),
		}))
	}

	put("a")
	put("b")

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok, err := backend.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	put("c")

	_, ok, _ = backend.Get(ctx, "a")
	assert.True(t, ok)
	_, ok, _ = backend.Get(ctx, "b")
	assert.False(t, ok)
	_, ok, _ = backend.Get(ctx, "c")
	assert.True(t, ok)
}

func TestMemoryBackend_TTLExpiryOnRead(t *testing.T) {
	backend := NewMemoryBackend(MemoryBackendConfig{MaxEntries: 4, TTL: 10 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, backend.Put(ctx, PreservedContext{
		HandoffID: "short",
		Blob:      []byte("{}"),
		CreatedAt: time.Now(),
	}))

	_, ok, err := backend.Get(ctx, "short")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, ok, err = backend.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok, "expired record should be gone")

	stats, err := backend.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Count)
}

func TestMemoryBackend_DeleteReportsExistence(t *testing.T) {
	backend := NewMemoryBackend(MemoryBackendConfig{MaxEntries: 4})
	ctx := context.Background()

	require.NoError(t, backend.Put(ctx, PreservedContext{HandoffID: "x", Blob: []byte("{}"), CreatedAt: time.Now()}))

	existed, err := backend.Delete(ctx, "x")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = backend.Delete(ctx, "x")
	require.NoError(t, err)
	assert.False(t, existed)
}
