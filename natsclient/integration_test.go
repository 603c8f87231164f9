package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_StreamRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	ts := NewTestServer(t)

	_, err := ts.Client.EnsureStream(ctx, "telemetry", []string{"scada-events.>"})
	require.NoError(t, err)

	// Publish into two partitions
	require.NoError(t, ts.Client.Publish(ctx, PartitionSubject("scada-events", 0), []byte(`{"id":"a"}`)))
	require.NoError(t, ts.Client.Publish(ctx, PartitionSubject("scada-events", 1), []byte(`{"id":"b"}`)))
	require.NoError(t, ts.Client.Publish(ctx, PartitionSubject("scada-events", 0), []byte(`{"id":"c"}`)))

	consumer, err := ts.Client.PartitionConsumer(ctx, "telemetry",
		PartitionSubject("scada-events", 0), "test-p0", FromEarliest())
	require.NoError(t, err)

	// Only partition 0 messages arrive, in order
	batch, err := consumer.Fetch(2, jetstream.FetchMaxWait(5*time.Second))
	require.NoError(t, err)

	var got []string
	for msg := range batch.Messages() {
		got = append(got, string(msg.Data()))
	}
	require.Len(t, got, 2)
	assert.Equal(t, `{"id":"a"}`, got[0])
	assert.Equal(t, `{"id":"c"}`, got[1])
}

func TestIntegration_ResumeAfterSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	ts := NewTestServer(t)

	_, err := ts.Client.EnsureStream(ctx, "telemetry", []string{"plc-events.>"})
	require.NoError(t, err)

	subject := PartitionSubject("plc-events", 0)
	for _, payload := range []string{"one", "two", "three"} {
		require.NoError(t, ts.Client.Publish(ctx, subject, []byte(payload)))
	}

	// Read the first message and note its stream sequence
	first, err := ts.Client.PartitionConsumer(ctx, "telemetry", subject, "first", FromEarliest())
	require.NoError(t, err)
	batch, err := first.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
	require.NoError(t, err)

	var seq uint64
	for msg := range batch.Messages() {
		meta, metaErr := msg.Metadata()
		require.NoError(t, metaErr)
		seq = meta.Sequence.Stream
	}
	require.NotZero(t, seq)

	// A consumer resuming after that sequence sees only the remainder
	resumed, err := ts.Client.PartitionConsumer(ctx, "telemetry", subject, "resumed", ResumeAfter(seq))
	require.NoError(t, err)
	batch, err = resumed.Fetch(2, jetstream.FetchMaxWait(5*time.Second))
	require.NoError(t, err)

	var got []string
	for msg := range batch.Messages() {
		got = append(got, string(msg.Data()))
	}
	assert.Equal(t, []string{"two", "three"}, got)
}

func TestIntegration_ConsumerRepositionOnRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	ts := NewTestServer(t)

	_, err := ts.Client.EnsureStream(ctx, "telemetry", []string{"gps-events.>"})
	require.NoError(t, err)

	subject := PartitionSubject("gps-events", 0)
	name := "grp-gps-p0"

	// First boot: no checkpoint, so the consumer starts at the tail.
	_, err = ts.Client.PartitionConsumer(ctx, "telemetry", subject, name, FromLatest())
	require.NoError(t, err)

	for _, payload := range []string{"one", "two", "three"} {
		require.NoError(t, ts.Client.Publish(ctx, subject, []byte(payload)))
	}

	// Warm restart under the same name, now resuming from a committed
	// checkpoint with a different deliver policy. The stale consumer
	// must not get in the way.
	resumed, err := ts.Client.PartitionConsumer(ctx, "telemetry", subject, name, ResumeAfter(2))
	require.NoError(t, err)

	batch, err := resumed.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
	require.NoError(t, err)
	var got []string
	for msg := range batch.Messages() {
		got = append(got, string(msg.Data()))
	}
	assert.Equal(t, []string{"three"}, got)
}

func TestIntegration_UncheckpointedMessageRedelivered(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	ts := NewTestServer(t)

	_, err := ts.Client.EnsureStream(ctx, "mcp-requests", []string{"mcp-requests.>"})
	require.NoError(t, err)

	subject := PartitionSubject("mcp-requests", 0)
	require.NoError(t, ts.Client.Publish(ctx, subject, []byte("reg-1")))
	require.NoError(t, ts.Client.Publish(ctx, subject, []byte("reg-2")))

	name := "grp-registry"
	first, err := ts.Client.PartitionConsumer(ctx, "mcp-requests", subject, name, FromEarliest())
	require.NoError(t, err)

	// Fetch one message but crash before processing it.
	batch, err := first.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
	require.NoError(t, err)
	for msg := range batch.Messages() {
		assert.Equal(t, "reg-1", string(msg.Data()))
	}

	// Restart with the same name and an identical position. Progress is
	// tracked only by checkpoints, so the unprocessed message comes back.
	second, err := ts.Client.PartitionConsumer(ctx, "mcp-requests", subject, name, FromEarliest())
	require.NoError(t, err)

	batch, err = second.Fetch(2, jetstream.FetchMaxWait(5*time.Second))
	require.NoError(t, err)
	var got []string
	for msg := range batch.Messages() {
		got = append(got, string(msg.Data()))
	}
	assert.Equal(t, []string{"reg-1", "reg-2"}, got)
}

func TestIntegration_KVStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	ts := NewTestServer(t)

	bucket, err := ts.Client.EnsureKeyValue(ctx, "checkpoints", 0)
	require.NoError(t, err)
	kv := ts.Client.NewKVStore(bucket)

	_, found, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, kv.Put(ctx, "group.scada.p0", []byte(`{"offset":42}`)))
	value, found, err := kv.Get(ctx, "group.scada.p0")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"offset":42}`, string(value))

	// Create-only semantics for lease claims
	won, err := kv.Create(ctx, "lease.p0", []byte("instance-a"))
	require.NoError(t, err)
	assert.True(t, won)

	won, err = kv.Create(ctx, "lease.p0", []byte("instance-b"))
	require.NoError(t, err)
	assert.False(t, won)

	require.NoError(t, kv.Delete(ctx, "lease.p0"))
	won, err = kv.Create(ctx, "lease.p0", []byte("instance-b"))
	require.NoError(t, err)
	assert.True(t, won)

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Contains(t, keys, "group.scada.p0")
}
