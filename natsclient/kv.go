package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/streamsink/errors"
)

// EnsureKeyValue gets or creates a KV bucket. A zero ttl means entries
// never expire; lease buckets pass a ttl so abandoned claims lapse.
func (c *Client) EnsureKeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	kv, err := js.KeyValue(ctx, bucket)
	if err == nil {
		c.logger.Debugf("Using existing KV bucket %s", bucket)
		return kv, nil
	}

	cfg := jetstream.KeyValueConfig{
		Bucket:  bucket,
		Storage: jetstream.FileStorage,
		TTL:     ttl,
	}

	kv, err = js.CreateKeyValue(ctx, cfg)
	if err != nil {
		// Another instance may have created the bucket between the
		// lookup and the create.
		if stderrors.Is(err, jetstream.ErrBucketExists) {
			kv, err = js.KeyValue(ctx, bucket)
			if err != nil {
				return nil, errors.WrapTransient(err, "Client", "EnsureKeyValue",
					fmt.Sprintf("access existing bucket %s", bucket))
			}
			return kv, nil
		}
		return nil, errors.WrapTransient(err, "Client", "EnsureKeyValue",
			fmt.Sprintf("create bucket %s", bucket))
	}

	c.logger.Printf("Created KV bucket %s", bucket)

	return kv, nil
}

// KVStore wraps a KV bucket with the narrow operations the pipeline
// needs: last-writer-wins puts for checkpoints and presence records,
// create-only writes for partition claims.
type KVStore struct {
	bucket  jetstream.KeyValue
	timeout time.Duration
	logger  Logger
}

// NewKVStore creates a KV store backed by the given bucket
func (c *Client) NewKVStore(bucket jetstream.KeyValue) *KVStore {
	return &KVStore{
		bucket:  bucket,
		timeout: 5 * time.Second,
		logger:  c.logger,
	}
}

func (s *KVStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {}
}

// Get retrieves a value. The second return reports whether the key exists.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	entry, err := s.bucket.Get(ctx, key)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return entry.Value(), true, nil
}

// Put creates or updates a key, last writer wins
func (s *KVStore) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	if _, err := s.bucket.Put(ctx, key, value); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

// Create writes a key only if it does not already exist. Returns true
// when the write won, false when another writer holds the key.
func (s *KVStore) Create(ctx context.Context, key string, value []byte) (bool, error) {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	if _, err := s.bucket.Create(ctx, key, value); err != nil {
		if stderrors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("kv create %s: %w", key, err)
	}
	return true, nil
}

// Delete removes a key
func (s *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	if err := s.bucket.Delete(ctx, key); err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// Keys lists all keys in the bucket. Returns an empty slice for an
// empty bucket.
func (s *KVStore) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv keys: %w", err)
	}
	return keys, nil
}
