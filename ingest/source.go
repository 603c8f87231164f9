package ingest

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/streamsink/errors"
)

// ErrSourceDrained is returned by bounded sources when no further
// records will arrive. Live broker sources never return it.
var ErrSourceDrained = stderrors.New("source drained")

// Record is one raw event as read from a partition, before decoding.
type Record struct {
	Payload []byte
	Offset  uint64
}

// Source yields records from a single partition in offset order. Next
// blocks until a record arrives, the context is cancelled, or the
// source fails.
type Source interface {
	Next(ctx context.Context) (Record, error)
	Close() error
}

// jetstreamSource adapts a JetStream pull consumer to the Source
// interface, fetching in small batches and replaying them one record
// at a time.
type jetstreamSource struct {
	consumer  jetstream.Consumer
	batchSize int
	maxWait   time.Duration
	pending   []jetstream.Msg
}

// NewJetStreamSource wraps a pull consumer created for one partition
// subject.
func NewJetStreamSource(consumer jetstream.Consumer) Source {
	return &jetstreamSource{
		consumer:  consumer,
		batchSize: 64,
		maxWait:   time.Second,
	}
}

func (s *jetstreamSource) Next(ctx context.Context) (Record, error) {
	for len(s.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}

		batch, err := s.consumer.Fetch(s.batchSize, jetstream.FetchMaxWait(s.maxWait))
		if err != nil {
			if stderrors.Is(err, jetstream.ErrNoMessages) {
				continue
			}
			return Record{}, errors.WrapTransient(err, "jetstreamSource", "Next", "fetch batch")
		}
		for msg := range batch.Messages() {
			s.pending = append(s.pending, msg)
		}
		if err := batch.Error(); err != nil {
			return Record{}, errors.WrapTransient(err, "jetstreamSource", "Next", "read batch")
		}
	}

	msg := s.pending[0]
	s.pending = s.pending[1:]

	meta, err := msg.Metadata()
	if err != nil {
		return Record{}, errors.WrapInvalid(err, "jetstreamSource", "Next", "read metadata")
	}

	return Record{Payload: msg.Data(), Offset: meta.Sequence.Stream}, nil
}

func (s *jetstreamSource) Close() error {
	s.pending = nil
	return nil
}
