package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamsink/checkpoint"
	"github.com/c360/streamsink/docstore"
	"github.com/c360/streamsink/docstore/pebbledoc"
	"github.com/c360/streamsink/errors"
	"github.com/c360/streamsink/metric"
	"github.com/c360/streamsink/pkg/retry"
	"github.com/c360/streamsink/sink"
	"github.com/c360/streamsink/stream"
)

// sliceSource replays a fixed set of records, then reports drained.
type sliceSource struct {
	records []Record
	next    int
	closed  bool
}

func (s *sliceSource) Next(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if s.next >= len(s.records) {
		return Record{}, ErrSourceDrained
	}
	r := s.records[s.next]
	s.next++
	return r, nil
}

func (s *sliceSource) Close() error {
	s.closed = true
	return nil
}

// memoryKV is an in-memory checkpoint store.
type memoryKV struct {
	mu   sync.Mutex
	data map[string][]byte
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
	return nil
}

func scadaDescriptor(t *testing.T) stream.Descriptor {
	t.Helper()
	desc, err := stream.Lookup(stream.TypeSCADA)
	require.NoError(t, err)
	return desc
}

func newTestContainer(t *testing.T, desc stream.Descriptor) docstore.Container {
	t.Helper()
	store, err := pebbledoc.Open(pebbledoc.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	db, err := store.EnsureDatabase(context.Background(), "telemetry")
	require.NoError(t, err)
	c, err := db.EnsureContainer(context.Background(), docstore.ContainerProperties{
		Name:             desc.Collection,
		PartitionKeyPath: desc.PartitionKeyPath,
	})
	require.NoError(t, err)
	return c
}

func fastRetry(attempts int) retry.Config {
	return retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRunDrainsSourceAndCommits(t *testing.T) {
	desc := scadaDescriptor(t)
	container := newTestContainer(t, desc)
	kv := newMemoryKV()
	mgr := checkpoint.NewManager(kv, "grp", string(desc.Type))

	source := &sliceSource{records: []Record{
		{Payload: []byte(`{"id":"e1","MachineID":"M1","temperature":42.0}`), Offset: 10},
		{Payload: []byte(`{"id":"e2","MachineID":"M1","temperature":43.5}`), Offset: 11},
		{Payload: []byte(`{"id":"e3","MachineID":"M2","temperature":39.0}`), Offset: 12},
	}}

	c := NewConsumer(desc, 0, source, sink.New(container), mgr)
	require.NoError(t, c.Run(context.Background()))

	n, err := container.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	offset, ok := mgr.LastCommitted(0)
	require.True(t, ok)
	assert.Equal(t, uint64(12), offset)

	status, ok := c.Status().Get()
	require.True(t, ok)
	assert.Equal(t, PhaseReleased, status.Phase)
	assert.Equal(t, uint64(3), status.Received)
	assert.Equal(t, uint64(3), status.Sunk)
	assert.Zero(t, status.Skipped)
	assert.True(t, source.closed)
}

func TestRunSkipsInvalidRecordsButAdvancesCheckpoint(t *testing.T) {
	desc := scadaDescriptor(t)
	container := newTestContainer(t, desc)
	mgr := checkpoint.NewManager(newMemoryKV(), "grp", string(desc.Type))

	source := &sliceSource{records: []Record{
		{Payload: []byte(`{"id":"e1","MachineID":"M1"}`), Offset: 1},
		{Payload: []byte(`not json`), Offset: 2},
		{Payload: []byte(`{"id":"e2","temperature":7}`), Offset: 3}, // missing MachineID
		{Payload: []byte(`{"id":"e3","MachineID":"M1"}`), Offset: 4},
	}}

	c := NewConsumer(desc, 0, source, sink.New(container), mgr)
	require.NoError(t, c.Run(context.Background()))

	n, err := container.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Skipped offsets are committed so they are not replayed.
	offset, ok := mgr.LastCommitted(0)
	require.True(t, ok)
	assert.Equal(t, uint64(4), offset)

	status, ok := c.Status().Get()
	require.True(t, ok)
	assert.Equal(t, uint64(2), status.Skipped)
	assert.Equal(t, uint64(2), status.Sunk)
}

func TestRunCountsThroughputMetrics(t *testing.T) {
	desc := scadaDescriptor(t)
	container := newTestContainer(t, desc)
	mgr := checkpoint.NewManager(newMemoryKV(), "grp", string(desc.Type))
	met := metric.NewMetrics()

	source := &sliceSource{records: []Record{
		{Payload: []byte(`{"id":"e1","MachineID":"M1"}`), Offset: 1},
		{Payload: []byte(`not json`), Offset: 2},
		{Payload: []byte(`{"id":"e2","MachineID":"M2"}`), Offset: 3},
	}}

	c := NewConsumer(desc, 0, source, sink.New(container), mgr, WithMetrics(met))
	require.NoError(t, c.Run(context.Background()))

	received := met.RecordsReceived.WithLabelValues("scada", "0")
	assert.Equal(t, 3.0, promtestutil.ToFloat64(received))

	// Every persisted record shows up in the throughput counter.
	sunk := met.RecordsSunk.WithLabelValues("scada", "0")
	assert.Equal(t, 2.0, promtestutil.ToFloat64(sunk))

	skipped := met.RecordsSkipped.WithLabelValues("scada", "invalid")
	assert.Equal(t, 1.0, promtestutil.ToFloat64(skipped))
}

func TestRunRedeliveryIsIdempotent(t *testing.T) {
	desc := scadaDescriptor(t)
	container := newTestContainer(t, desc)
	mgr := checkpoint.NewManager(newMemoryKV(), "grp", string(desc.Type))

	// The same logical record delivered twice under one id.
	source := &sliceSource{records: []Record{
		{Payload: []byte(`{"id":"e1","MachineID":"M1","temperature":42.0}`), Offset: 1},
		{Payload: []byte(`{"id":"e1","MachineID":"M1","temperature":42.0}`), Offset: 2},
	}}

	c := NewConsumer(desc, 0, source, sink.New(container), mgr)
	require.NoError(t, c.Run(context.Background()))

	n, err := container.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// failingContainer always rejects upserts with a transient error.
type failingContainer struct {
	docstore.Container
}

func (f *failingContainer) Upsert(context.Context, docstore.Document) error {
	return errors.WrapTransient(errors.ErrStoreUnavailable, "fake", "Upsert", "refuse")
}

func TestRunFaultsOnExhaustedSink(t *testing.T) {
	desc := scadaDescriptor(t)
	container := &failingContainer{Container: newTestContainer(t, desc)}
	mgr := checkpoint.NewManager(newMemoryKV(), "grp", string(desc.Type))

	source := &sliceSource{records: []Record{
		{Payload: []byte(`{"id":"e1","MachineID":"M1"}`), Offset: 1},
	}}

	c := NewConsumer(desc, 0, source,
		sink.New(container, sink.WithRetryConfig(fastRetry(3))), mgr)

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))

	// Nothing committed: the record replays after restart.
	_, ok := mgr.LastCommitted(0)
	assert.False(t, ok)

	status, ok := c.Status().Get()
	require.True(t, ok)
	assert.Equal(t, PhaseFaulted, status.Phase)
	assert.NotEmpty(t, status.Fault)
	assert.True(t, source.closed)
}

func TestRunReleasesOnCancel(t *testing.T) {
	desc := scadaDescriptor(t)
	container := newTestContainer(t, desc)
	mgr := checkpoint.NewManager(newMemoryKV(), "grp", string(desc.Type))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	source := &sliceSource{records: []Record{
		{Payload: []byte(`{"id":"e1","MachineID":"M1"}`), Offset: 1},
	}}

	c := NewConsumer(desc, 0, source, sink.New(container), mgr)
	require.NoError(t, c.Run(ctx))

	status, ok := c.Status().Get()
	require.True(t, ok)
	assert.Equal(t, PhaseReleased, status.Phase)
	assert.Zero(t, status.Received)
}

func TestBatchedPolicyCommitsOnce(t *testing.T) {
	desc := scadaDescriptor(t)
	container := newTestContainer(t, desc)
	kv := newMemoryKV()
	mgr := checkpoint.NewManager(kv, "grp", string(desc.Type))

	source := &sliceSource{records: []Record{
		{Payload: []byte(`{"id":"e1","MachineID":"M1"}`), Offset: 1},
		{Payload: []byte(`{"id":"e2","MachineID":"M1"}`), Offset: 2},
		{Payload: []byte(`{"id":"e3","MachineID":"M1"}`), Offset: 3},
	}}

	c := NewConsumer(desc, 0, source, sink.New(container), mgr,
		WithCheckpointPolicy(checkpoint.Batched{MaxRecords: 10, MaxInterval: time.Hour}))
	require.NoError(t, c.Run(context.Background()))

	// Only the final drain commit, covering the last offset.
	offset, ok := mgr.LastCommitted(0)
	require.True(t, ok)
	assert.Equal(t, uint64(3), offset)
	assert.Len(t, kv.data, 1)
}

func TestParseStartPosition(t *testing.T) {
	pos, err := ParseStartPosition("earliest")
	require.NoError(t, err)
	assert.Equal(t, StartEarliest, pos)

	pos, err = ParseStartPosition("latest")
	require.NoError(t, err)
	assert.Equal(t, StartLatest, pos)

	_, err = ParseStartPosition("yesterday")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
