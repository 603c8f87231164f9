// Package ingest runs the per-partition consume loop: read raw records
// from a partition source, decode and validate them, upsert them into
// the document store, and commit checkpoints strictly after the write
// they cover.
package ingest

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/streamsink/checkpoint"
	"github.com/c360/streamsink/decode"
	"github.com/c360/streamsink/errors"
	"github.com/c360/streamsink/metric"
	"github.com/c360/streamsink/pkg/mailbox"
	"github.com/c360/streamsink/sink"
	"github.com/c360/streamsink/stream"
)

// Phase is the lifecycle state of a partition consumer.
type Phase int

// Partition phases. The numeric values are exported on the
// partition_state gauge.
const (
	PhaseUnclaimed Phase = iota
	PhaseClaimed
	PhaseReceiving
	PhaseCheckpointing
	PhaseFaulted
	PhaseReleased
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseUnclaimed:
		return "unclaimed"
	case PhaseClaimed:
		return "claimed"
	case PhaseReceiving:
		return "receiving"
	case PhaseCheckpointing:
		return "checkpointing"
	case PhaseFaulted:
		return "faulted"
	case PhaseReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Status is a snapshot of a partition consumer's progress, published to
// a mailbox after every transition so health endpoints can read it
// without touching the consume loop.
type Status struct {
	Stream     stream.Type
	Partition  int
	Phase      Phase
	Received   uint64
	Sunk       uint64
	Skipped    uint64
	LastOffset uint64
	FaultedAt  time.Time
	Fault      string
}

// Consumer processes one partition of one stream type. It is not safe
// for concurrent use; Run is called once per claimed partition.
type Consumer struct {
	desc      stream.Descriptor
	partition int

	source  Source
	decoder *decode.TelemetryDecoder
	sink    *sink.Sink
	ckpt    *checkpoint.Manager
	policy  checkpoint.Policy

	logger  *slog.Logger
	metrics *metric.Metrics
	status  *mailbox.Mailbox[Status]

	recordsSinceCommit int
	lastCommit         time.Time
	snapshot           Status
}

// ConsumerOption configures a Consumer
type ConsumerOption func(*Consumer)

// WithLogger sets the consumer logger
func WithLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = logger }
}

// WithMetrics wires the consumer's counters and gauges
func WithMetrics(m *metric.Metrics) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

// WithCheckpointPolicy overrides the default commit-every-record policy
func WithCheckpointPolicy(p checkpoint.Policy) ConsumerOption {
	return func(c *Consumer) { c.policy = p }
}

// NewConsumer creates a consumer for one partition. The source must be
// positioned by the caller, either at the committed checkpoint or at
// the configured start position when no checkpoint exists.
func NewConsumer(
	desc stream.Descriptor,
	partition int,
	source Source,
	snk *sink.Sink,
	ckpt *checkpoint.Manager,
	opts ...ConsumerOption,
) *Consumer {
	c := &Consumer{
		desc:      desc,
		partition: partition,
		source:    source,
		decoder:   decode.NewTelemetryDecoder(desc.PartitionKeyField()),
		sink:      snk,
		ckpt:      ckpt,
		policy:    checkpoint.EveryRecord{},
		logger:    slog.Default(),
		status:    mailbox.New[Status](),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.With(
		"stream", string(desc.Type),
		"partition", partition,
	)
	c.snapshot = Status{Stream: desc.Type, Partition: partition, Phase: PhaseUnclaimed}
	c.publish()

	return c
}

// Status returns the mailbox carrying the latest consumer snapshot.
func (c *Consumer) Status() *mailbox.Mailbox[Status] {
	return c.status
}

func (c *Consumer) setPhase(p Phase) {
	c.snapshot.Phase = p
	c.publish()
	if c.metrics != nil {
		c.metrics.PartitionState.WithLabelValues(
			string(c.desc.Type), fmt.Sprintf("%d", c.partition),
		).Set(float64(p))
	}
}

func (c *Consumer) publish() {
	c.status.Put(c.snapshot)
}

// Run consumes the partition until the context is cancelled or a fatal
// error occurs. On cancellation the record in flight is finished, a
// final checkpoint is committed, and the partition is released. A fatal
// error faults the partition and is returned.
func (c *Consumer) Run(ctx context.Context) error {
	c.setPhase(PhaseClaimed)
	c.logger.Info("partition claimed")

	c.lastCommit = time.Now()
	c.setPhase(PhaseReceiving)

	for {
		record, err := c.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, ErrSourceDrained) {
				return c.release(err)
			}
			return c.fault(errors.Wrap(err, "Consumer", "Run", "read partition"))
		}

		if err := c.process(ctx, record); err != nil {
			return c.fault(err)
		}

		if ctx.Err() != nil {
			return c.release(ctx.Err())
		}
	}
}

// process handles one record end to end. Permanently invalid records
// are counted, logged, and skipped; their offsets still advance the
// checkpoint so they are not replayed on restart.
func (c *Consumer) process(ctx context.Context, record Record) error {
	start := time.Now()

	c.snapshot.Received++
	c.snapshot.LastOffset = record.Offset
	c.publish()
	c.countReceived()
	c.logger.Debug("record received", "offset", record.Offset, "bytes", len(record.Payload))

	event, err := c.decoder.Decode(record.Payload, c.partition, record.Offset)
	switch {
	case err == nil:
		if werr := c.sink.Write(ctx, event); werr != nil {
			if errors.IsInvalid(werr) {
				c.skip(record.Offset, werr)
				break
			}
			return werr
		}
		c.snapshot.Sunk++
		c.publish()
		c.countSunk()
	case errors.IsInvalid(err):
		c.skip(record.Offset, err)
	default:
		return err
	}

	c.observeDuration(start)

	c.recordsSinceCommit++
	c.gaugeLag()

	if c.policy.ShouldCommit(c.recordsSinceCommit, time.Since(c.lastCommit)) {
		if err := c.commit(ctx, record.Offset); err != nil {
			return err
		}
	}

	return nil
}

func (c *Consumer) commit(ctx context.Context, offset uint64) error {
	c.setPhase(PhaseCheckpointing)
	defer c.setPhase(PhaseReceiving)

	if err := c.ckpt.Commit(ctx, c.partition, offset); err != nil {
		return errors.WrapTransient(err, "Consumer", "commit", "commit checkpoint")
	}

	c.recordsSinceCommit = 0
	c.lastCommit = time.Now()
	c.gaugeLag()

	return nil
}

// release finishes the partition cleanly: commit whatever offset the
// last processed record reached, then mark the partition released.
func (c *Consumer) release(cause error) error {
	c.logger.Info("releasing partition", "cause", fmt.Sprint(cause))

	if c.recordsSinceCommit > 0 {
		// Shutdown path, use a fresh short-lived context since the
		// run context is already cancelled.
		commitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.ckpt.Commit(commitCtx, c.partition, c.snapshot.LastOffset); err != nil {
			c.logger.Error("final checkpoint failed", "error", err)
		}
	}

	if err := c.source.Close(); err != nil {
		c.logger.Error("source close failed", "error", err)
	}

	c.setPhase(PhaseReleased)
	c.logger.Info("partition released",
		"received", c.snapshot.Received,
		"sunk", c.snapshot.Sunk,
		"skipped", c.snapshot.Skipped,
	)
	return nil
}

// fault marks the partition faulted and surfaces the error. The
// checkpoint is left at the last committed offset so a restart replays
// from a safe point.
func (c *Consumer) fault(err error) error {
	c.snapshot.Fault = err.Error()
	c.snapshot.FaultedAt = time.Now()
	c.setPhase(PhaseFaulted)

	_ = c.source.Close()

	c.logger.Error("partition faulted", "error", err, "offset", c.snapshot.LastOffset)
	if c.metrics != nil {
		c.metrics.ErrorsTotal.WithLabelValues("consumer", errors.Classify(err).String()).Inc()
	}
	return err
}

func (c *Consumer) skip(offset uint64, err error) {
	c.snapshot.Skipped++
	c.publish()
	c.logger.Warn("skipping invalid record",
		"offset", offset,
		"error", err,
	)
	if c.metrics != nil {
		c.metrics.RecordsSkipped.WithLabelValues(
			string(c.desc.Type), errors.Classify(err).String(),
		).Inc()
	}
}

func (c *Consumer) countReceived() {
	if c.metrics != nil {
		c.metrics.RecordsReceived.WithLabelValues(
			string(c.desc.Type), fmt.Sprintf("%d", c.partition),
		).Inc()
	}
}

func (c *Consumer) countSunk() {
	if c.metrics != nil {
		c.metrics.RecordsSunk.WithLabelValues(
			string(c.desc.Type), fmt.Sprintf("%d", c.partition),
		).Inc()
	}
}

func (c *Consumer) gaugeLag() {
	if c.metrics != nil {
		c.metrics.CheckpointLag.WithLabelValues(
			string(c.desc.Type), fmt.Sprintf("%d", c.partition),
		).Set(float64(c.recordsSinceCommit))
	}
}

func (c *Consumer) observeDuration(start time.Time) {
	if c.metrics != nil {
		c.metrics.ProcessingDuration.WithLabelValues(
			string(c.desc.Type), "process",
		).Observe(time.Since(start).Seconds())
	}
}
