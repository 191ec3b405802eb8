package dispatch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"order-worker/internal/event"
	"order-worker/internal/instrumentation"
	"order-worker/internal/projection"
)

// Outcome classifies how an envelope was handled.
type Outcome int

const (
	// OutcomeApplied means the projections were durably written; the offset
	// is safe to commit.
	OutcomeApplied Outcome = iota

	// OutcomeSkipped means the envelope was acknowledged without mutation:
	// malformed bytes, an unknown event kind, or a replayed sequence. Skips
	// are never fatal and never retried.
	OutcomeSkipped
)

// Message is one raw stream record handed to the dispatcher.
type Message struct {
	Value []byte

	// Sequence is the engine WAL sequence carried in the record header;
	// zero when the header is absent.
	Sequence int64

	Partition int32
	Offset    int64
}

// Dispatcher decodes envelopes, routes them by event kind to the projector,
// and decides the commit/skip policy. A non-nil error is fatal for the
// envelope: the caller must not commit its offset, and redelivery after
// restart is the only retry mechanism.
type Dispatcher struct {
	projector *projection.Projector
	metrics   *instrumentation.Metrics
	log       zerolog.Logger
}

// NewDispatcher creates a dispatcher over the given projector.
func NewDispatcher(projector *projection.Projector, metrics *instrumentation.Metrics, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		projector: projector,
		metrics:   metrics,
		log:       log.With().Str("component", "dispatch").Logger(),
	}
}

// Dispatch processes one envelope end to end: decode, dedup, route, apply,
// checkpoint.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) (Outcome, error) {
	env, err := event.DecodeEnvelope(msg.Value)
	if err != nil {
		// Malformed bytes can never succeed on retry.
		d.log.Error().
			Err(err).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("undecodable envelope, skipping")
		d.metrics.RecordEnvelope("invalid", "skipped")
		return OutcomeSkipped, nil
	}

	log := d.log.With().
		Str("event_type", string(env.Type)).
		Str("symbol", env.Symbol).
		Int64("sequence", msg.Sequence).
		Int32("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()

	if !env.Type.Known() {
		// The raw type stays in the log only; producers control it, so it
		// must not become a metric label.
		log.Warn().Msg("unknown event type, acknowledging without mutation")
		d.metrics.RecordEnvelope("unknown", "unknown")
		return OutcomeSkipped, nil
	}

	// Sequence dedup: the header carries the engine's per-symbol WAL
	// sequence. Anything at or below the checkpoint has already been applied.
	if msg.Sequence > 0 {
		last, err := d.projector.LastApplied(ctx, env.Symbol)
		if err != nil {
			d.metrics.RecordStoreError("orders", "get_last_sequence")
			return 0, err
		}
		if msg.Sequence <= last {
			log.Info().Int64("last_applied", last).Msg("replayed envelope, skipping")
			d.metrics.RecordEnvelope(string(env.Type), "duplicate")
			return OutcomeSkipped, nil
		}
	}

	outcome, err := d.route(ctx, env, msg.Sequence)
	if err != nil {
		log.Error().Err(err).Msg("envelope processing failed")
		d.metrics.RecordEnvelope(string(env.Type), "failed")
		return 0, err
	}
	if outcome == OutcomeSkipped {
		d.metrics.RecordEnvelope(string(env.Type), "skipped")
		return OutcomeSkipped, nil
	}

	if msg.Sequence > 0 {
		if err := d.projector.Checkpoint(ctx, env.Symbol, msg.Sequence); err != nil {
			log.Error().Err(err).Msg("checkpoint failed")
			d.metrics.RecordStoreError("cursors", "set_last_sequence")
			d.metrics.RecordEnvelope(string(env.Type), "failed")
			return 0, err
		}
	}

	log.Debug().Msg("envelope applied")
	d.metrics.RecordEnvelope(string(env.Type), "applied")
	return OutcomeApplied, nil
}

// route decodes the typed payload and invokes the projection operations for
// the event kind.
func (d *Dispatcher) route(ctx context.Context, env *event.Envelope, seq int64) (Outcome, error) {
	switch env.Type {
	case event.TypeOrderAccepted, event.TypeOrderRejected:
		payload, err := env.DecodeOrderStatus()
		if err != nil {
			return d.skipUndecodable(env, err), nil
		}
		return OutcomeApplied, d.projector.ApplyAccepted(ctx, payload, seq)

	case event.TypeTradeExecuted:
		payload, err := env.DecodeTrade()
		if err != nil {
			return d.skipUndecodable(env, err), nil
		}
		return OutcomeApplied, d.applyTrade(ctx, payload, seq)

	case event.TypeOrderReduced:
		payload, err := env.DecodeOrderReduced()
		if err != nil {
			return d.skipUndecodable(env, err), nil
		}
		return OutcomeApplied, d.projector.ApplyReduced(ctx, payload, seq)

	case event.TypeOrderCancelled:
		payload, err := env.DecodeOrderStatus()
		if err != nil {
			return d.skipUndecodable(env, err), nil
		}
		return OutcomeApplied, d.projector.ApplyCancelled(ctx, payload, seq)
	}

	return 0, fmt.Errorf("unroutable event type %q", env.Type)
}

// applyTrade runs the three projections of a TRADE_EXECUTED envelope in
// order: record the trade, fill the buy side, fill the sell side. A failure
// after a prior step succeeded is surfaced as fatal rather than retried from
// scratch; the per-row sequence guards and the trade id dedup make the
// eventual redelivery converge instead of double-applying.
func (d *Dispatcher) applyTrade(ctx context.Context, payload *event.TradeEvent, seq int64) error {
	if err := d.projector.RecordTrade(ctx, payload, seq); err != nil {
		return fmt.Errorf("trade %s: record step: %w", payload.TradeID, err)
	}
	if err := d.projector.ApplyTradeExecuted(ctx, payload.BuyOrderID, payload.Price, payload.Quantity, seq); err != nil {
		return fmt.Errorf("trade %s: buy side step: %w", payload.TradeID, err)
	}
	if err := d.projector.ApplyTradeExecuted(ctx, payload.SellOrderID, payload.Price, payload.Quantity, seq); err != nil {
		return fmt.Errorf("trade %s: sell side step: %w", payload.TradeID, err)
	}
	return nil
}

func (d *Dispatcher) skipUndecodable(env *event.Envelope, err error) Outcome {
	d.log.Error().
		Err(err).
		Str("event_type", string(env.Type)).
		Str("symbol", env.Symbol).
		Msg("undecodable payload, skipping")
	return OutcomeSkipped
}
