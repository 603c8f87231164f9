package checkpoint

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryKV is an in-memory KV for tests.
type memoryKV struct {
	mu   sync.Mutex
	data map[string][]byte
	puts int
}

func newMemoryKV() *memoryKV {
	return &memoryKV{data: make(map[string][]byte)}
}

func (kv *memoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	v, ok := kv.data[key]
	return v, ok, nil
}

func (kv *memoryKV) Put(_ context.Context, key string, value []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.data[key] = value
	kv.puts++
	return nil
}

func TestLoadMissingCheckpoint(t *testing.T) {
	m := NewManager(newMemoryKV(), "group-1", "scada")

	_, found, err := m.Load(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCommitAndLoad(t *testing.T) {
	kv := newMemoryKV()
	m := NewManager(kv, "group-1", "scada")
	ctx := context.Background()

	require.NoError(t, m.Commit(ctx, 0, 42))

	cp, found, err := m.Load(ctx, 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(42), cp.CommittedOffset)
	assert.Equal(t, 0, cp.PartitionID)
	assert.False(t, cp.CommittedAtUTC.IsZero())
}

func TestCommitIsMonotonic(t *testing.T) {
	kv := newMemoryKV()
	m := NewManager(kv, "group-1", "scada")
	ctx := context.Background()

	require.NoError(t, m.Commit(ctx, 0, 10))
	require.NoError(t, m.Commit(ctx, 0, 20))

	// Regressions and duplicates are no-ops, never errors
	require.NoError(t, m.Commit(ctx, 0, 5))
	require.NoError(t, m.Commit(ctx, 0, 20))

	cp, found, err := m.Load(ctx, 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(20), cp.CommittedOffset)
	assert.Equal(t, 2, kv.puts)
}

func TestCommitMonotonicAfterReload(t *testing.T) {
	kv := newMemoryKV()
	ctx := context.Background()

	m1 := NewManager(kv, "group-1", "scada")
	require.NoError(t, m1.Commit(ctx, 3, 100))

	// Fresh manager (restart): Load primes the guard, stale commit is a
	// no-op.
	m2 := NewManager(kv, "group-1", "scada")
	cp, found, err := m2.Load(ctx, 3)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(100), cp.CommittedOffset)

	require.NoError(t, m2.Commit(ctx, 3, 50))
	cp, _, _ = m2.Load(ctx, 3)
	assert.Equal(t, uint64(100), cp.CommittedOffset)
}

func TestPartitionsAreIndependent(t *testing.T) {
	m := NewManager(newMemoryKV(), "group-1", "scada")
	ctx := context.Background()

	require.NoError(t, m.Commit(ctx, 0, 10))
	require.NoError(t, m.Commit(ctx, 1, 99))

	cp0, _, _ := m.Load(ctx, 0)
	cp1, _, _ := m.Load(ctx, 1)
	assert.Equal(t, uint64(10), cp0.CommittedOffset)
	assert.Equal(t, uint64(99), cp1.CommittedOffset)

	last, ok := m.LastCommitted(1)
	require.True(t, ok)
	assert.Equal(t, uint64(99), last)
}

func TestGroupsAreIsolated(t *testing.T) {
	kv := newMemoryKV()
	ctx := context.Background()

	mA := NewManager(kv, "group-a", "scada")
	mB := NewManager(kv, "group-b", "scada")

	require.NoError(t, mA.Commit(ctx, 0, 7))

	_, found, err := mB.Load(ctx, 0)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEveryRecordPolicy(t *testing.T) {
	p := EveryRecord{}
	assert.True(t, p.ShouldCommit(0, 0))
	assert.True(t, p.ShouldCommit(1, time.Hour))
}

func TestBatchedPolicy(t *testing.T) {
	p := Batched{MaxRecords: 10, MaxInterval: time.Minute}

	assert.False(t, p.ShouldCommit(5, time.Second))
	assert.True(t, p.ShouldCommit(10, time.Second))
	assert.True(t, p.ShouldCommit(5, time.Minute))

	// Zero values disable triggers
	recordsOnly := Batched{MaxRecords: 2}
	assert.False(t, recordsOnly.ShouldCommit(1, time.Hour))
	assert.True(t, recordsOnly.ShouldCommit(2, 0))
}
