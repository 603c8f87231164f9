// Package provision ensures the document store carries the schema a stream
// descriptor requires before any record is consumed: the database, the
// container with its partition key, and the descriptor's composite indexes.
// All operations are idempotent and safe under concurrent provisioners.
package provision

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/streamsink/docstore"
	"github.com/c360/streamsink/errors"
	"github.com/c360/streamsink/metric"
	"github.com/c360/streamsink/pkg/retry"
	"github.com/c360/streamsink/stream"
)

// Provisioner ensures store schema for stream descriptors.
type Provisioner struct {
	store    docstore.Store
	database string
	logger   *slog.Logger
	metrics  *metric.Metrics
	retryCfg retry.Config
	timeout  time.Duration
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provisioner) {
		p.logger = logger
	}
}

// WithMetrics records provisioning operations on the given metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(p *Provisioner) {
		p.metrics = m
	}
}

// WithRetryConfig overrides the retry profile for transient store failures.
func WithRetryConfig(cfg retry.Config) Option {
	return func(p *Provisioner) {
		p.retryCfg = cfg
	}
}

// WithOperationTimeout bounds each individual store operation.
func WithOperationTimeout(d time.Duration) Option {
	return func(p *Provisioner) {
		p.timeout = d
	}
}

// New creates a Provisioner targeting one database of a store.
func New(store docstore.Store, database string, opts ...Option) *Provisioner {
	p := &Provisioner{
		store:    store,
		database: database,
		logger:   slog.Default(),
		retryCfg: retry.Provisioning(),
		timeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ensure makes the store ready for the descriptor and returns the container
// the sink will write into. Transient store failures are retried with
// backoff; a partition-key mismatch or exhausted retries is fatal and the
// caller must not start consumption.
func (p *Provisioner) Ensure(ctx context.Context, desc stream.Descriptor) (docstore.Container, error) {
	log := p.logger.With("stream", string(desc.Type), "database", p.database, "container", desc.Collection)

	log.Info("Ensuring database exists")
	db, err := p.ensureDatabase(ctx)
	if err != nil {
		p.recordOp("ensure_database", err)
		return nil, errors.WrapFatal(err, "Provisioner", "Ensure", "ensure database")
	}
	p.recordOp("ensure_database", nil)

	log.Info("Ensuring container exists", "partition_key", desc.PartitionKeyPath)
	container, err := p.ensureContainer(ctx, db, desc)
	if err != nil {
		p.recordOp("ensure_container", err)
		if errors.IsFatal(err) {
			return nil, err
		}
		return nil, errors.WrapFatal(err, "Provisioner", "Ensure", "ensure container")
	}
	p.recordOp("ensure_container", nil)

	log.Info("Ensuring composite indexes")
	added, err := p.ensureCompositeIndexes(ctx, container, desc)
	if err != nil {
		p.recordOp("ensure_indexes", err)
		return nil, errors.WrapFatal(err, "Provisioner", "Ensure", "ensure composite indexes")
	}
	p.recordOp("ensure_indexes", nil)

	if added > 0 {
		log.Info("Composite indexes added", "count", added)
	} else {
		log.Info("Composite indexes already present")
	}

	return container, nil
}

// EnsureAll provisions every descriptor in sequence and returns the ready
// containers keyed by stream type.
func (p *Provisioner) EnsureAll(ctx context.Context, descs []stream.Descriptor) (map[stream.Type]docstore.Container, error) {
	containers := make(map[stream.Type]docstore.Container, len(descs))
	for _, desc := range descs {
		c, err := p.Ensure(ctx, desc)
		if err != nil {
			return nil, err
		}
		containers[desc.Type] = c
	}
	return containers, nil
}

func (p *Provisioner) ensureDatabase(ctx context.Context) (docstore.Database, error) {
	return retry.DoWithResult(ctx, p.retryCfg, func() (docstore.Database, error) {
		opCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		db, err := p.store.EnsureDatabase(opCtx, p.database)
		return db, p.classify(err)
	})
}

func (p *Provisioner) ensureContainer(ctx context.Context, db docstore.Database, desc stream.Descriptor) (docstore.Container, error) {
	props := docstore.ContainerProperties{
		Name:             desc.Collection,
		PartitionKeyPath: desc.PartitionKeyPath,
	}
	return retry.DoWithResult(ctx, p.retryCfg, func() (docstore.Container, error) {
		opCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		c, err := db.EnsureContainer(opCtx, props)
		return c, p.classify(err)
	})
}

// ensureCompositeIndexes computes the set difference between the
// descriptor's required indexes and the container's current policy and
// appends only what is missing. The read-modify-write races with concurrent
// provisioners; last writer wins, which is acceptable because the operation
// is additive and idempotent.
func (p *Provisioner) ensureCompositeIndexes(ctx context.Context, c docstore.Container, desc stream.Descriptor) (int, error) {
	return retry.DoWithResult(ctx, p.retryCfg, func() (int, error) {
		opCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		props, err := c.Properties(opCtx)
		if err != nil {
			return 0, p.classify(err)
		}

		policy := props.IndexingPolicy
		added := 0
		for _, required := range desc.RequiredCompositeIndexes {
			if policy.HasComposite(required) {
				continue
			}
			policy.CompositeIndexes = append(policy.CompositeIndexes, required)
			added++
		}
		if added == 0 {
			return 0, nil
		}

		if err := c.ReplaceIndexingPolicy(opCtx, policy); err != nil {
			return 0, p.classify(err)
		}
		return added, nil
	})
}

// classify marks fatal errors non-retryable so the retry loop stops
// immediately instead of grinding on a configuration mismatch.
func (p *Provisioner) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.IsFatal(err) || errors.IsInvalid(err) {
		return retry.NonRetryable(err)
	}
	return err
}

func (p *Provisioner) recordOp(operation string, err error) {
	if p.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.metrics.ProvisioningOps.WithLabelValues(operation, status).Inc()
}
