// Package checkpoint persists per-partition progress markers. One checkpoint
// exists per (consumer group, partition); its committed offset is
// monotonically non-decreasing. A crash may leave the checkpoint behind the
// true last-processed offset (causing redelivery, which idempotent writes
// absorb) but never ahead of an uncommitted write: callers commit only after
// the sink acknowledges.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/streamsink/errors"
	"github.com/c360/streamsink/metric"
)

// Checkpoint marks durably-committed progress on one partition.
type Checkpoint struct {
	PartitionID     int       `json:"partition_id"`
	CommittedOffset uint64    `json:"committed_offset"`
	CommittedAtUTC  time.Time `json:"committed_at_utc"`
}

// KV is the storage surface the manager needs. The production implementation
// is a NATS KV bucket; tests use an in-memory fake.
type KV interface {
	// Get returns the value for key. found is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Put stores the value for key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error
}

// Manager reads and commits checkpoints for one consumer group and stream.
// State is partitioned by partition id, so concurrent partition tasks never
// contend on the same entry.
type Manager struct {
	kv     KV
	group  string
	stream string
	logger *slog.Logger

	metrics *metric.Metrics

	mu        sync.Mutex
	lastKnown map[int]uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics counts checkpoint commits on the given metrics.
func WithMetrics(met *metric.Metrics) Option {
	return func(m *Manager) {
		m.metrics = met
	}
}

// NewManager creates a Manager for one (group, stream) pair.
func NewManager(kv KV, group, stream string, opts ...Option) *Manager {
	m := &Manager{
		kv:        kv,
		group:     group,
		stream:    stream,
		logger:    slog.Default(),
		lastKnown: make(map[int]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) key(partition int) string {
	return fmt.Sprintf("%s.%s.p%d", m.group, m.stream, partition)
}

// Load returns the checkpoint for a partition. found is false when the
// partition has never been checkpointed, in which case consumption starts at
// the configured starting position.
func (m *Manager) Load(ctx context.Context, partition int) (Checkpoint, bool, error) {
	raw, found, err := m.kv.Get(ctx, m.key(partition))
	if err != nil {
		return Checkpoint{}, false, errors.WrapTransient(err, "Manager", "Load", "read checkpoint")
	}
	if !found {
		return Checkpoint{}, false, nil
	}

	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}, false, errors.WrapFatal(err, "Manager", "Load", "decode checkpoint")
	}

	m.mu.Lock()
	if cp.CommittedOffset > m.lastKnown[partition] {
		m.lastKnown[partition] = cp.CommittedOffset
	}
	m.mu.Unlock()

	return cp, true, nil
}

// Commit persists offset as the committed position for a partition. Commits
// are monotonic: an offset at or below the last committed one is a no-op,
// never an error (redelivered records after a rebalance land here).
func (m *Manager) Commit(ctx context.Context, partition int, offset uint64) error {
	m.mu.Lock()
	if last, ok := m.lastKnown[partition]; ok && offset <= last {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	cp := Checkpoint{
		PartitionID:     partition,
		CommittedOffset: offset,
		CommittedAtUTC:  time.Now().UTC(),
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return errors.WrapInvalid(err, "Manager", "Commit", "encode checkpoint")
	}

	if err := m.kv.Put(ctx, m.key(partition), raw); err != nil {
		return errors.WrapTransient(err, "Manager", "Commit", "write checkpoint")
	}

	m.mu.Lock()
	if offset > m.lastKnown[partition] {
		m.lastKnown[partition] = offset
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.CheckpointCommits.WithLabelValues(m.stream, fmt.Sprintf("%d", partition)).Inc()
	}
	return nil
}

// LastCommitted returns the last offset this manager committed or loaded for
// a partition, if any.
func (m *Manager) LastCommitted(partition int) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	offset, ok := m.lastKnown[partition]
	return offset, ok
}
