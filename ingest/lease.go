package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/streamsink/stream"
)

// LeaseKV is the slice of KV operations partition claiming needs.
// Create must be create-only so exactly one instance wins a key.
type LeaseKV interface {
	Create(ctx context.Context, key string, value []byte) (bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Claimer acquires exclusive partition leases for one consumer group.
// Leases live in a TTL bucket: a holder that stops refreshing loses the
// claim and another instance picks the partition up.
type Claimer struct {
	kv         LeaseKV
	group      string
	instanceID string
	logger     *slog.Logger
}

// NewClaimer creates a claimer identified by instanceID within a group.
func NewClaimer(kv LeaseKV, group, instanceID string, logger *slog.Logger) *Claimer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Claimer{kv: kv, group: group, instanceID: instanceID, logger: logger}
}

func (c *Claimer) key(st stream.Type, partition int) string {
	return fmt.Sprintf("%s.%s.p%d", c.group, st, partition)
}

// Claim attempts to acquire a partition. Returns nil and false when
// another instance already holds it.
func (c *Claimer) Claim(ctx context.Context, st stream.Type, partition int) (*Lease, bool, error) {
	key := c.key(st, partition)

	won, err := c.kv.Create(ctx, key, []byte(c.instanceID))
	if err != nil {
		return nil, false, fmt.Errorf("claim %s: %w", key, err)
	}
	if !won {
		return nil, false, nil
	}

	c.logger.Debug("claimed partition", "key", key, "instance", c.instanceID)

	return &Lease{claimer: c, key: key}, true, nil
}

// Lease is a held partition claim.
type Lease struct {
	claimer *Claimer
	key     string
}

// KeepAlive refreshes the lease until the context is cancelled. Each
// refresh rewrites the key, resetting its TTL clock.
func (l *Lease) KeepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.claimer.kv.Put(ctx, l.key, []byte(l.claimer.instanceID)); err != nil {
				if ctx.Err() != nil {
					return
				}
				l.claimer.logger.Warn("lease refresh failed", "key", l.key, "error", err)
			}
		}
	}
}

// Release gives the partition up so another instance can claim it
// immediately instead of waiting for the TTL to lapse.
func (l *Lease) Release(ctx context.Context) error {
	if err := l.claimer.kv.Delete(ctx, l.key); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	l.claimer.logger.Debug("released partition", "key", l.key)
	return nil
}
