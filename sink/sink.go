// Package sink persists decoded events into a document store container with
// upsert semantics keyed by record id. Writing the same event twice leaves
// exactly one stored document, which is what makes at-least-once delivery
// safe to replay.
package sink

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/streamsink/decode"
	"github.com/c360/streamsink/docstore"
	"github.com/c360/streamsink/errors"
	"github.com/c360/streamsink/metric"
	"github.com/c360/streamsink/pkg/retry"
)

// Sink writes decoded events into one container.
type Sink struct {
	container docstore.Container
	stream    string
	logger    *slog.Logger
	metrics   *metric.Metrics
	retryCfg  retry.Config
	timeout   time.Duration
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) {
		s.logger = logger
	}
}

// WithMetrics records sink activity on the given metrics under the stream
// label.
func WithMetrics(m *metric.Metrics, stream string) Option {
	return func(s *Sink) {
		s.metrics = m
		s.stream = stream
	}
}

// WithRetryConfig overrides the bounded retry profile for transient write
// failures.
func WithRetryConfig(cfg retry.Config) Option {
	return func(s *Sink) {
		s.retryCfg = cfg
	}
}

// WithWriteTimeout bounds each individual store write attempt.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Sink) {
		s.timeout = d
	}
}

// New creates a Sink writing into container.
func New(container docstore.Container, opts ...Option) *Sink {
	s := &Sink{
		container: container,
		logger:    slog.Default(),
		retryCfg:  retry.Sink(),
		timeout:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write upserts the event's document. Transient failures (timeouts,
// throttling) are retried with exponential backoff up to the configured
// bound; exhausting the bound returns a fatal error so the owning partition
// consumer faults instead of advancing its checkpoint. Invalid events fail
// immediately without retrying.
func (s *Sink) Write(ctx context.Context, event decode.Event) error {
	doc := event.Document()

	attempt := 0
	err := retry.Do(ctx, s.retryCfg, func() error {
		attempt++
		if attempt > 1 {
			s.countRetry()
			s.logger.Warn("Retrying sink write",
				"record_id", event.RecordID,
				"partition", event.SourcePartition,
				"attempt", attempt)
		}

		opCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		werr := s.container.Upsert(opCtx, doc)
		if werr == nil {
			return nil
		}
		if errors.IsInvalid(werr) || errors.IsFatal(werr) {
			return retry.NonRetryable(werr)
		}
		return werr
	})
	if err == nil {
		return nil
	}

	if retry.IsNonRetryable(err) {
		return err
	}

	// Retries exhausted: escalate so the partition halts rather than
	// advancing past an unpersisted record.
	s.logger.Error("Sink write failed after retries",
		"record_id", event.RecordID,
		"partition", event.SourcePartition,
		"error", err)
	return errors.WrapFatal(errors.ErrMaxRetriesExceeded, "Sink", "Write",
		"upsert record "+event.RecordID+": "+err.Error())
}

func (s *Sink) countRetry() {
	if s.metrics != nil {
		s.metrics.SinkRetries.WithLabelValues(s.stream).Inc()
	}
}
