package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/streamsink/errors"
)

// PartitionSubject returns the JetStream subject carrying one partition of
// a topic, e.g. "scada-events.p3".
func PartitionSubject(topic string, partition int) string {
	return fmt.Sprintf("%s.p%d", topic, partition)
}

// ConsumerPosition describes where a partition consumer starts reading
// when it has no committed checkpoint, or the exact resume sequence when
// it does.
type ConsumerPosition struct {
	Deliver       jetstream.DeliverPolicy
	StartSequence uint64
}

// ResumeAfter positions a consumer at the first message after the given
// stream sequence.
func ResumeAfter(sequence uint64) ConsumerPosition {
	return ConsumerPosition{
		Deliver:       jetstream.DeliverByStartSequencePolicy,
		StartSequence: sequence + 1,
	}
}

// FromEarliest positions a consumer at the oldest retained message.
func FromEarliest() ConsumerPosition {
	return ConsumerPosition{Deliver: jetstream.DeliverAllPolicy}
}

// FromLatest positions a consumer so that only messages published after
// creation are delivered.
func FromLatest() ConsumerPosition {
	return ConsumerPosition{Deliver: jetstream.DeliverNewPolicy}
}

// EnsureStream creates the named stream if it does not exist, or updates
// its subject set if it does. Streams are file-backed with limits-based
// retention so consumers replay at their own pace.
func (c *Client) EnsureStream(ctx context.Context, name string, subjects []string) (jetstream.Stream, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	cfg := jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	}

	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "EnsureStream",
			fmt.Sprintf("create stream %s", name))
	}

	c.logger.Debugf("Ensured stream %s with subjects %v", name, subjects)

	return stream, nil
}

// PartitionConsumer creates a consumer filtered to a single partition
// subject, positioned exactly where the caller says. Delivery order
// within the subject follows stream order. Acknowledgement is disabled:
// progress is tracked by the caller's own checkpoints, so redelivery
// after restart is governed entirely by the supplied position.
//
// A leftover consumer under the same name is deleted first. Updating it
// in place would be wrong twice over: JetStream refuses deliver-policy
// changes on update, and an update with an unchanged config keeps the
// old delivered cursor, losing any message fetched but not checkpointed
// before the previous process died.
func (c *Client) PartitionConsumer(
	ctx context.Context,
	streamName, subject, name string,
	pos ConsumerPosition,
) (jetstream.Consumer, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	if err := js.DeleteConsumer(ctx, streamName, name); err != nil &&
		!stderrors.Is(err, jetstream.ErrConsumerNotFound) {
		return nil, errors.WrapTransient(err, "Client", "PartitionConsumer",
			fmt.Sprintf("delete stale consumer %s", name))
	}

	cfg := jetstream.ConsumerConfig{
		Name:              name,
		FilterSubject:     subject,
		DeliverPolicy:     pos.Deliver,
		AckPolicy:         jetstream.AckNonePolicy,
		InactiveThreshold: 5 * time.Minute,
	}
	if pos.Deliver == jetstream.DeliverByStartSequencePolicy {
		cfg.OptStartSeq = pos.StartSequence
	}

	consumer, err := js.CreateConsumer(ctx, streamName, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "PartitionConsumer",
			fmt.Sprintf("create consumer %s for %s", name, subject))
	}

	c.logger.Debugf("Created consumer %s on %s/%s (deliver=%v start=%d)",
		name, streamName, subject, pos.Deliver, pos.StartSequence)

	return consumer, nil
}
