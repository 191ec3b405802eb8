package consumer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"order-worker/internal/dispatch"
	"order-worker/internal/instrumentation"
)

// sequenceHeader is the record header carrying the engine's WAL sequence.
const sequenceHeader = "sequence"

// Config holds the consumer group settings.
type Config struct {
	Brokers  []string
	Topic    string
	GroupID  string
	ClientID string
}

// Consumer owns the subscription to the event stream. Each assigned
// partition gets its own sequential claim loop: the next record is not
// pulled until the current one's projections are durably applied and the
// offset marked. Partitions proceed concurrently and independently.
type Consumer struct {
	group      sarama.ConsumerGroup
	topic      string
	dispatcher *dispatch.Dispatcher
	metrics    *instrumentation.Metrics
	log        zerolog.Logger
	ready      atomic.Bool
}

// New creates a consumer group member for the engine event topic. The client
// id gets a random instance suffix so replicas are distinguishable in broker
// logs and quota accounting.
func New(cfg Config, dispatcher *dispatch.Dispatcher, metrics *instrumentation.Metrics, log zerolog.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V3_6_0_0
	config.ClientID = fmt.Sprintf("%s-%s", cfg.ClientID, uuid.NewString()[:8])
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return &Consumer{
		group:      group,
		topic:      cfg.Topic,
		dispatcher: dispatcher,
		metrics:    metrics,
		log:        log.With().Str("component", "consumer").Str("topic", cfg.Topic).Logger(),
	}, nil
}

// Run consumes until the context is cancelled or a fatal dispatch error
// stops partition progress. A fatal error is returned without committing the
// failed envelope, so it is redelivered after restart.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info().Msg("consumer starting")

	go c.drainErrors(ctx)

	for {
		// Consume blocks for the lifetime of one group session and returns
		// on rebalance; the loop rejoins with the next generation.
		err := c.group.Consume(ctx, []string{c.topic}, c)
		if err != nil {
			// Cancellation is the requested stop, not a failure.
			if errors.Is(err, sarama.ErrClosedConsumerGroup) || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("consumer session failed: %w", err)
		}
		if ctx.Err() != nil {
			c.log.Info().Msg("consumer stopping")
			return nil
		}
	}
}

// Ready reports whether a group session is established and claims are being
// served. Exposed through the readiness endpoint.
func (c *Consumer) Ready() bool {
	return c.ready.Load()
}

// Close releases the stream subscription.
func (c *Consumer) Close() error {
	c.log.Info().Msg("consumer closing")
	return c.group.Close()
}

// Setup runs at the start of a group session, before claims are consumed.
func (c *Consumer) Setup(session sarama.ConsumerGroupSession) error {
	c.log.Info().
		Str("member_id", session.MemberID()).
		Int32("generation", session.GenerationID()).
		Msg("group session established")
	c.ready.Store(true)
	return nil
}

// Cleanup runs at the end of a group session, after all claim loops exit.
func (c *Consumer) Cleanup(session sarama.ConsumerGroupSession) error {
	c.ready.Store(false)
	return nil
}

// ConsumeClaim processes one partition sequentially. The offset is marked
// only after the dispatcher reports the envelope applied or skipped; a fatal
// error aborts the session with the offset unmarked.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	log := c.log.With().Int32("partition", claim.Partition()).Logger()

	// The session context only stops pulling. The in-flight envelope is
	// dispatched on a detached context so a shutdown or rebalance cannot
	// abort it between projection steps.
	applyCtx := context.WithoutCancel(session.Context())

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			if !msg.Timestamp.IsZero() {
				c.metrics.RecordConsumerLag(float64(time.Since(msg.Timestamp).Milliseconds()))
			}

			start := time.Now()
			outcome, err := c.dispatcher.Dispatch(applyCtx, dispatch.Message{
				Value:     msg.Value,
				Sequence:  sequenceFromHeaders(msg.Headers),
				Partition: msg.Partition,
				Offset:    msg.Offset,
			})
			c.metrics.RecordApplyDuration(float64(time.Since(start).Milliseconds()))

			if err != nil {
				// Do not mark: the envelope stays uncommitted and is
				// redelivered once the cause is resolved.
				log.Error().
					Err(err).
					Int64("offset", msg.Offset).
					Msg("stopping partition on fatal envelope")
				return fmt.Errorf("partition %d offset %d: %w", msg.Partition, msg.Offset, err)
			}

			session.MarkMessage(msg, "")

			if outcome == dispatch.OutcomeSkipped {
				log.Debug().Int64("offset", msg.Offset).Msg("record acknowledged as skipped")
			}

		case <-session.Context().Done():
			return nil
		}
	}
}

// drainErrors logs asynchronous consumer group errors (broker hiccups,
// rebalance noise) without affecting claim processing.
func (c *Consumer) drainErrors(ctx context.Context) {
	for {
		select {
		case err, ok := <-c.group.Errors():
			if !ok {
				return
			}
			c.log.Warn().Err(err).Msg("consumer group error")
		case <-ctx.Done():
			return
		}
	}
}

// sequenceFromHeaders extracts the WAL sequence header; zero when absent or
// unparsable.
func sequenceFromHeaders(headers []*sarama.RecordHeader) int64 {
	for _, h := range headers {
		if h == nil || string(h.Key) != sequenceHeader {
			continue
		}
		seq, err := strconv.ParseInt(string(h.Value), 10, 64)
		if err != nil {
			return 0
		}
		return seq
	}
	return 0
}
