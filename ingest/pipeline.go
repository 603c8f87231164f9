package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/streamsink/checkpoint"
	"github.com/c360/streamsink/docstore"
	"github.com/c360/streamsink/errors"
	"github.com/c360/streamsink/metric"
	"github.com/c360/streamsink/natsclient"
	"github.com/c360/streamsink/provision"
	"github.com/c360/streamsink/sink"
	"github.com/c360/streamsink/stream"
)

// StartPosition selects where consumption begins for a partition with
// no committed checkpoint.
type StartPosition string

// Supported start positions.
const (
	StartEarliest StartPosition = "earliest"
	StartLatest   StartPosition = "latest"
)

// ParseStartPosition validates a start position string.
func ParseStartPosition(s string) (StartPosition, error) {
	switch StartPosition(s) {
	case StartEarliest:
		return StartEarliest, nil
	case StartLatest:
		return StartLatest, nil
	default:
		return "", errors.WrapInvalid(
			fmt.Errorf("unknown start position %q", s),
			"Pipeline", "ParseStartPosition", "parse start position")
	}
}

// PipelineConfig carries the settings the pipeline needs to claim and
// run partitions.
type PipelineConfig struct {
	Group            string
	InstanceID       string
	Partitions       int
	Start            StartPosition
	Database         string
	CheckpointBucket string
	LeaseBucket      string
	LeaseTTL         time.Duration
	LeaseRefresh     time.Duration
	Policy           checkpoint.Policy
}

// Pipeline provisions schemas and runs one consumer per claimed
// partition for each selected stream type.
type Pipeline struct {
	client  *natsclient.Client
	store   docstore.Store
	descs   []stream.Descriptor
	cfg     PipelineConfig
	logger  *slog.Logger
	metrics *metric.Metrics

	claimer *Claimer
	launch  func(ctx, runCtx context.Context, tgt partitionTarget, lease *Lease) error

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	faults  chan error
	started bool

	cmu       sync.Mutex
	consumers []*Consumer
}

// partitionTarget is one partition the pipeline wants to own, with the
// checkpoint manager and sink already built for its stream.
type partitionTarget struct {
	desc      stream.Descriptor
	partition int
	mgr       *checkpoint.Manager
	snk       *sink.Sink
}

// PipelineOption configures a Pipeline
type PipelineOption func(*Pipeline)

// WithPipelineLogger sets the pipeline logger
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = logger }
}

// WithPipelineMetrics wires pipeline and consumer metrics
func WithPipelineMetrics(m *metric.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// NewPipeline creates a pipeline over an established NATS connection
// and an open document store.
func NewPipeline(
	client *natsclient.Client,
	store docstore.Store,
	descs []stream.Descriptor,
	cfg PipelineConfig,
	opts ...PipelineOption,
) *Pipeline {
	p := &Pipeline{
		client: client,
		store:  store,
		descs:  descs,
		cfg:    cfg,
		logger: slog.Default(),
		faults: make(chan error, len(descs)*cfg.Partitions),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cfg.Policy == nil {
		p.cfg.Policy = checkpoint.EveryRecord{}
	}
	if p.cfg.LeaseTTL <= 0 {
		p.cfg.LeaseTTL = 30 * time.Second
	}
	if p.cfg.LeaseRefresh <= 0 {
		p.cfg.LeaseRefresh = p.cfg.LeaseTTL / 3
	}
	p.launch = p.launchPartition
	return p
}

// Start provisions target schemas, claims partitions, and launches the
// consume loops. It returns once every claimed partition is running,
// which is the point where the process is ready.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted,
			"Pipeline", "Start", "check state")
	}

	provOpts := []provision.Option{provision.WithLogger(p.logger)}
	if p.metrics != nil {
		provOpts = append(provOpts, provision.WithMetrics(p.metrics))
	}
	prov := provision.New(p.store, p.cfg.Database, provOpts...)

	ckptBucket, err := p.client.EnsureKeyValue(ctx, p.cfg.CheckpointBucket, 0)
	if err != nil {
		return errors.Wrap(err, "Pipeline", "Start", "ensure checkpoint bucket")
	}
	leaseBucket, err := p.client.EnsureKeyValue(ctx, p.cfg.LeaseBucket, p.cfg.LeaseTTL)
	if err != nil {
		return errors.Wrap(err, "Pipeline", "Start", "ensure lease bucket")
	}

	ckptKV := p.client.NewKVStore(ckptBucket)
	p.claimer = NewClaimer(p.client.NewKVStore(leaseBucket), p.cfg.Group, p.cfg.InstanceID, p.logger)

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	var pending []partitionTarget
	for _, desc := range p.descs {
		container, err := prov.Ensure(ctx, desc)
		if err != nil {
			cancel()
			return errors.Wrap(err, "Pipeline", "Start",
				fmt.Sprintf("provision %s", desc.Type))
		}

		if _, err := p.client.EnsureStream(ctx, desc.Topic, []string{desc.Topic + ".>"}); err != nil {
			cancel()
			return errors.Wrap(err, "Pipeline", "Start",
				fmt.Sprintf("ensure stream %s", desc.Topic))
		}

		ckptOpts := []checkpoint.Option{checkpoint.WithLogger(p.logger)}
		sinkOpts := []sink.Option{sink.WithLogger(p.logger)}
		if p.metrics != nil {
			ckptOpts = append(ckptOpts, checkpoint.WithMetrics(p.metrics))
			sinkOpts = append(sinkOpts, sink.WithMetrics(p.metrics, string(desc.Type)))
		}

		mgr := checkpoint.NewManager(ckptKV, p.cfg.Group, string(desc.Type), ckptOpts...)
		snk := sink.New(container, sinkOpts...)

		for partition := 0; partition < p.cfg.Partitions; partition++ {
			tgt := partitionTarget{desc: desc, partition: partition, mgr: mgr, snk: snk}
			won, err := p.tryClaim(ctx, runCtx, tgt)
			if err != nil {
				cancel()
				return err
			}
			if !won {
				pending = append(pending, tgt)
			}
		}
	}

	if len(pending) > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.reclaimLoop(runCtx, pending)
		}()
	}

	p.started = true
	p.logger.Info("pipeline started",
		"streams", len(p.descs),
		"partitions", p.cfg.Partitions,
		"group", p.cfg.Group,
	)
	return nil
}

// tryClaim attempts to take one partition and, when the claim wins,
// launches its consumer. Losing the claim is not an error; another
// instance in the group owns the partition. A launch failure releases
// the lease so the partition can be claimed again.
func (p *Pipeline) tryClaim(ctx, runCtx context.Context, tgt partitionTarget) (bool, error) {
	lease, won, err := p.claimer.Claim(ctx, tgt.desc.Type, tgt.partition)
	if err != nil {
		return false, errors.Wrap(err, "Pipeline", "tryClaim",
			fmt.Sprintf("claim %s partition %d", tgt.desc.Type, tgt.partition))
	}
	if !won {
		p.logger.Debug("partition held elsewhere",
			"stream", string(tgt.desc.Type), "partition", tgt.partition)
		return false, nil
	}

	if err := p.launch(ctx, runCtx, tgt, lease); err != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lease.Release(releaseCtx)
		return false, err
	}
	return true, nil
}

// reclaimLoop retries partitions whose lease was held elsewhere at
// startup. A crashed holder's lease expires after the bucket TTL, at
// which point the claim succeeds and the partition's consumer starts
// on this instance. The loop exits once every partition is owned.
func (p *Pipeline) reclaimLoop(runCtx context.Context, pending []partitionTarget) {
	ticker := time.NewTicker(p.cfg.LeaseTTL)
	defer ticker.Stop()

	for len(pending) > 0 {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
		}

		remaining := pending[:0]
		for _, tgt := range pending {
			won, err := p.tryClaim(runCtx, runCtx, tgt)
			if err != nil {
				p.logger.Warn("partition claim retry failed",
					"stream", string(tgt.desc.Type),
					"partition", tgt.partition,
					"error", err)
				remaining = append(remaining, tgt)
				continue
			}
			if !won {
				remaining = append(remaining, tgt)
				continue
			}
			p.logger.Info("partition claimed after lease expiry",
				"stream", string(tgt.desc.Type), "partition", tgt.partition)
		}
		pending = remaining
	}
}

// launchPartition starts the consumer and lease refresh for an owned
// partition.
func (p *Pipeline) launchPartition(ctx, runCtx context.Context, tgt partitionTarget, lease *Lease) error {
	pos, err := p.resolvePosition(ctx, tgt.mgr, tgt.partition)
	if err != nil {
		return err
	}

	consumerName := fmt.Sprintf("%s-%s-p%d", p.cfg.Group, tgt.desc.Type, tgt.partition)
	jsConsumer, err := p.client.PartitionConsumer(ctx, tgt.desc.Topic,
		natsclient.PartitionSubject(tgt.desc.Topic, tgt.partition), consumerName, pos)
	if err != nil {
		return errors.Wrap(err, "Pipeline", "launchPartition",
			fmt.Sprintf("create consumer for %s partition %d", tgt.desc.Type, tgt.partition))
	}

	consumerOpts := []ConsumerOption{
		WithLogger(p.logger),
		WithCheckpointPolicy(p.cfg.Policy),
	}
	if p.metrics != nil {
		consumerOpts = append(consumerOpts, WithMetrics(p.metrics))
	}
	consumer := NewConsumer(tgt.desc, tgt.partition,
		NewJetStreamSource(jsConsumer), tgt.snk, tgt.mgr, consumerOpts...)

	p.cmu.Lock()
	p.consumers = append(p.consumers, consumer)
	p.cmu.Unlock()

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		lease.KeepAlive(runCtx, p.cfg.LeaseRefresh)
	}()
	go func() {
		defer p.wg.Done()
		if err := consumer.Run(runCtx); err != nil {
			p.faults <- err
		}
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			p.logger.Warn("lease release failed", "error", err)
		}
	}()

	return nil
}

// resolvePosition picks the consumer start: resume after the committed
// checkpoint when one exists, otherwise the configured start position.
func (p *Pipeline) resolvePosition(ctx context.Context, mgr *checkpoint.Manager, partition int) (natsclient.ConsumerPosition, error) {
	ckpt, found, err := mgr.Load(ctx, partition)
	if err != nil {
		return natsclient.ConsumerPosition{}, errors.Wrap(err, "Pipeline", "resolvePosition", "load checkpoint")
	}
	if found {
		return natsclient.ResumeAfter(ckpt.CommittedOffset), nil
	}
	if p.cfg.Start == StartLatest {
		return natsclient.FromLatest(), nil
	}
	return natsclient.FromEarliest(), nil
}

// Faults exposes fatal partition errors as they occur.
func (p *Pipeline) Faults() <-chan error {
	return p.faults
}

// Statuses returns the latest snapshot of every claimed partition.
func (p *Pipeline) Statuses() []Status {
	p.cmu.Lock()
	defer p.cmu.Unlock()

	statuses := make([]Status, 0, len(p.consumers))
	for _, c := range p.consumers {
		if s, ok := c.Status().Get(); ok {
			statuses = append(statuses, s)
		}
	}
	return statuses
}

// Stop cancels all consumers and waits up to timeout for them to finish
// their in-flight record, commit, and release their partitions.
func (p *Pipeline) Stop(timeout time.Duration) error {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("pipeline stopped")
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("consumers still running after %v", timeout),
			"Pipeline", "Stop", "wait for consumers")
	}
}

