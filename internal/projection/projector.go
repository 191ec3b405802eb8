package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"order-worker/internal/event"
)

// ErrNegativeRemaining signals a fill that would drive remaining quantity
// below zero: a double-applied fill or a corrupted event. Never clamped,
// always surfaced.
var ErrNegativeRemaining = errors.New("negative remaining quantity")

// Projector applies engine events to the order and trade read models. One
// operation per event kind; every mutation is guarded by the stream sequence
// persisted on the row, so redelivered events converge instead of
// double-applying.
type Projector struct {
	orders OrderRepository
	trades TradeRepository
	log    zerolog.Logger
}

// NewProjector creates a projector over the given store ports.
func NewProjector(orders OrderRepository, trades TradeRepository, log zerolog.Logger) *Projector {
	return &Projector{
		orders: orders,
		trades: trades,
		log:    log.With().Str("component", "projection").Logger(),
	}
}

// ApplyAccepted creates the order row from an ORDER_ACCEPTED or
// ORDER_REJECTED payload; the two share one shape, distinguished by the
// reported status. All numeric fields mirror engine-reported state at
// acceptance time. A duplicate id means the event was redelivered; the row
// already converged, so it is a no-op.
func (p *Projector) ApplyAccepted(ctx context.Context, ev *event.OrderStatusEvent, seq int64) error {
	now := time.Now().UTC()

	order := &Order{
		ID:                ev.OrderID,
		Symbol:            ev.Symbol,
		Side:              ev.Side,
		Type:              ev.Type,
		UserID:            ev.UserID,
		Price:             ev.Price,
		Quantity:          ev.Quantity,
		FilledQuantity:    ev.FilledQuantity,
		CancelledQuantity: ev.CancelledQuantity,
		RemainingQuantity: ev.RemainingQuantity,
		ExecutedValue:     ev.ExecutedValue,
		AveragePrice:      decimal.NewFromInt(ev.AveragePrice),
		Status:            ev.Status,
		StatusMessage:     ev.StatusMessage,
		GatewayTimestamp:  ev.GatewayTimestamp,
		ClientTimestamp:   ev.ClientTimestamp,
		EngineTimestamp:   ev.EngineTimestamp,
		CreatedAt:         now,
		UpdatedAt:         now,
		LastSequence:      seq,
	}

	if err := p.orders.Create(ctx, order); err != nil {
		if errors.Is(err, ErrOrderExists) {
			p.log.Warn().
				Str("order_id", ev.OrderID).
				Int64("sequence", seq).
				Msg("duplicate order acceptance, skipping")
			return nil
		}
		return fmt.Errorf("failed to create order %s: %w", ev.OrderID, err)
	}

	p.log.Info().
		Str("order_id", ev.OrderID).
		Str("symbol", ev.Symbol).
		Str("status", string(ev.Status)).
		Msg("order created")

	return nil
}

// ApplyTradeExecuted applies one side of a trade to an order: adds the fill
// to filled quantity and executed value, recomputes the average price, and
// moves the status to FILLED or PARTIAL_FILLED. The five fields are written
// atomically relative to the row.
func (p *Projector) ApplyTradeExecuted(ctx context.Context, orderID string, execPrice, execQuantity, seq int64) error {
	order, err := p.orders.GetByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to get order %s for fill: %w", orderID, err)
	}

	// Replayed fill: already reflected in this row.
	if order.LastSequence >= seq {
		p.log.Debug().
			Str("order_id", orderID).
			Int64("sequence", seq).
			Int64("last_sequence", order.LastSequence).
			Msg("fill already applied, skipping")
		return nil
	}

	remaining := order.RemainingQuantity - execQuantity
	if remaining < 0 {
		return fmt.Errorf("%w: order_id=%s remaining=%d fill=%d",
			ErrNegativeRemaining, orderID, order.RemainingQuantity, execQuantity)
	}

	executedValue := order.ExecutedValue + execPrice*execQuantity
	filled := order.FilledQuantity + execQuantity
	averagePrice := decimal.NewFromInt(executedValue).Div(decimal.NewFromInt(filled))

	status := event.OrderStatusPartialFilled
	if remaining == 0 {
		status = event.OrderStatusFilled
	}

	if _, err := p.orders.Update(ctx, orderID, OrderUpdate{
		ExecutedValue:     int64Ptr(executedValue),
		FilledQuantity:    int64Ptr(filled),
		RemainingQuantity: int64Ptr(remaining),
		AveragePrice:      decimalPtr(averagePrice),
		Status:            statusPtr(status),
		LastSequence:      int64Ptr(seq),
		UpdatedAt:         time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("failed to apply fill to order %s: %w", orderID, err)
	}

	p.log.Info().
		Str("order_id", orderID).
		Int64("fill_quantity", execQuantity).
		Int64("fill_price", execPrice).
		Str("status", string(status)).
		Msg("fill applied")

	return nil
}

// ApplyReduced overwrites remaining and cancelled quantity with the
// event-supplied absolute values. The engine recomputed these
// authoritatively; they are not deltas. Status is left unchanged.
func (p *Projector) ApplyReduced(ctx context.Context, ev *event.OrderReducedEvent, seq int64) error {
	orderID := ev.Order.OrderID

	order, err := p.orders.GetByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to get order %s for reduction: %w", orderID, err)
	}

	if order.LastSequence >= seq {
		p.log.Debug().
			Str("order_id", orderID).
			Int64("sequence", seq).
			Msg("reduction already applied, skipping")
		return nil
	}

	if _, err := p.orders.Update(ctx, orderID, OrderUpdate{
		RemainingQuantity: int64Ptr(ev.NewRemainingQuantity),
		CancelledQuantity: int64Ptr(ev.NewCancelledQuantity),
		LastSequence:      int64Ptr(seq),
		UpdatedAt:         time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("failed to reduce order %s: %w", orderID, err)
	}

	p.log.Info().
		Str("order_id", orderID).
		Int64("remaining_quantity", ev.NewRemainingQuantity).
		Int64("cancelled_quantity", ev.NewCancelledQuantity).
		Msg("order reduced")

	return nil
}

// ApplyCancelled sets the supplied remaining and cancelled quantities and
// moves the order to CANCELLED. Terminal: the store layer rejects any later
// mutation of this row.
func (p *Projector) ApplyCancelled(ctx context.Context, ev *event.OrderStatusEvent, seq int64) error {
	order, err := p.orders.GetByID(ctx, ev.OrderID)
	if err != nil {
		return fmt.Errorf("failed to get order %s for cancellation: %w", ev.OrderID, err)
	}

	if order.LastSequence >= seq {
		p.log.Debug().
			Str("order_id", ev.OrderID).
			Int64("sequence", seq).
			Msg("cancellation already applied, skipping")
		return nil
	}

	if _, err := p.orders.Update(ctx, ev.OrderID, OrderUpdate{
		RemainingQuantity: int64Ptr(ev.RemainingQuantity),
		CancelledQuantity: int64Ptr(ev.CancelledQuantity),
		Status:            statusPtr(event.OrderStatusCancelled),
		LastSequence:      int64Ptr(seq),
		UpdatedAt:         time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", ev.OrderID, err)
	}

	p.log.Info().
		Str("order_id", ev.OrderID).
		Int64("cancelled_quantity", ev.CancelledQuantity).
		Msg("order cancelled")

	return nil
}

// RecordTrade creates the immutable trade row linking both participant
// orders. Both orders must already exist: the resting side from an earlier
// acceptance, the aggressor from the same batch. A replay with identical
// facts is a no-op inside the port.
func (p *Projector) RecordTrade(ctx context.Context, ev *event.TradeEvent, seq int64) error {
	if _, err := p.orders.GetByID(ctx, ev.BuyOrderID); err != nil {
		return fmt.Errorf("failed to get buy order %s for trade %s: %w", ev.BuyOrderID, ev.TradeID, err)
	}
	if _, err := p.orders.GetByID(ctx, ev.SellOrderID); err != nil {
		return fmt.Errorf("failed to get sell order %s for trade %s: %w", ev.SellOrderID, ev.TradeID, err)
	}

	trade := &Trade{
		ID:            ev.TradeID,
		Symbol:        ev.Symbol,
		TradeSequence: ev.TradeSequence,
		Price:         ev.Price,
		Quantity:      ev.Quantity,
		IsBuyerMaker:  ev.IsBuyerMaker,
		BuyOrderID:    ev.BuyOrderID,
		SellOrderID:   ev.SellOrderID,
		BuyerID:       ev.BuyerID,
		SellerID:      ev.SellerID,
		ExecutedAt:    ev.Timestamp,
		CreatedAt:     time.Now().UTC(),
		Sequence:      seq,
	}

	if err := p.trades.Create(ctx, trade); err != nil {
		return fmt.Errorf("failed to record trade %s: %w", ev.TradeID, err)
	}

	p.log.Info().
		Str("trade_id", ev.TradeID).
		Str("symbol", ev.Symbol).
		Int64("price", ev.Price).
		Int64("quantity", ev.Quantity).
		Msg("trade recorded")

	return nil
}

// LastApplied returns the last stream sequence checkpointed for a symbol.
// The order repository is the source of truth: Checkpoint advances the trade
// cursor first, so after a crash between the two writes the order cursor is
// the lower one and the envelope is replayed, where the per-row guards make
// reapplication safe.
func (p *Projector) LastApplied(ctx context.Context, symbol string) (int64, error) {
	seq, err := p.orders.GetLastSequence(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("failed to get last sequence for %s: %w", symbol, err)
	}
	return seq, nil
}

// Checkpoint records that all projections for the envelope with the given
// sequence have been durably applied. Trade cursor first, then order cursor.
func (p *Projector) Checkpoint(ctx context.Context, symbol string, seq int64) error {
	if err := p.trades.SetLastSequence(ctx, symbol, seq); err != nil {
		return fmt.Errorf("failed to advance trade sequence: %w", err)
	}
	if err := p.orders.SetLastSequence(ctx, symbol, seq); err != nil {
		return fmt.Errorf("failed to advance order sequence: %w", err)
	}
	return nil
}
