package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"order-worker/internal/event"
	"order-worker/internal/instrumentation"
	"order-worker/internal/projection"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *projection.MemoryOrderRepository, *projection.MemoryTradeRepository) {
	t.Helper()
	orders := projection.NewMemoryOrderRepository()
	trades := projection.NewMemoryTradeRepository()
	projector := projection.NewProjector(orders, trades, zerolog.Nop())
	metrics := instrumentation.NewMetricsWith(prometheus.NewRegistry())
	return NewDispatcher(projector, metrics, zerolog.Nop()), orders, trades
}

func envelopeBytes(t *testing.T, typ event.Type, symbol string, payload any) []byte {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	raw, err := json.Marshal(map[string]any{
		"event_type": typ,
		"symbol":     symbol,
		"data":       json.RawMessage(data),
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw
}

func acceptedPayload(orderID string, quantity int64) *event.OrderStatusEvent {
	return &event.OrderStatusEvent{
		OrderID:           orderID,
		UserID:            "user-1",
		Symbol:            "BTC-USDT",
		Status:            event.OrderStatusOpen,
		Side:              event.SideBuy,
		Type:              event.OrderTypeLimit,
		Price:             50000,
		Quantity:          quantity,
		RemainingQuantity: quantity,
		EngineTimestamp:   time.Now().UTC(),
	}
}

func dispatchAccepted(t *testing.T, d *Dispatcher, orderID string, quantity, seq int64) {
	t.Helper()
	raw := envelopeBytes(t, event.TypeOrderAccepted, "BTC-USDT", acceptedPayload(orderID, quantity))
	outcome, err := d.Dispatch(context.Background(), Message{Value: raw, Sequence: seq})
	if err != nil {
		t.Fatalf("dispatch acceptance: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("outcome = %v, want applied", outcome)
	}
}

func TestDispatcher_OrderAccepted(t *testing.T) {
	ctx := context.Background()
	d, orders, _ := newTestDispatcher(t)

	dispatchAccepted(t, d, "order-1", 100, 1)

	order, err := orders.GetByID(ctx, "order-1")
	if err != nil {
		t.Fatalf("order was not projected: %v", err)
	}
	if order.Status != event.OrderStatusOpen {
		t.Errorf("Status = %q", order.Status)
	}

	// Checkpoint advanced.
	seq, _ := orders.GetLastSequence(ctx, "BTC-USDT")
	if seq != 1 {
		t.Errorf("checkpoint = %d, want 1", seq)
	}
}

func TestDispatcher_TradeExecuted(t *testing.T) {
	ctx := context.Background()
	d, orders, trades := newTestDispatcher(t)

	dispatchAccepted(t, d, "order-1", 100, 1)
	dispatchAccepted(t, d, "order-2", 40, 2)

	trade := &event.TradeEvent{
		TradeID:     "trade-1",
		Symbol:      "BTC-USDT",
		Price:       50000,
		Quantity:    40,
		BuyerID:     "user-1",
		SellerID:    "user-2",
		BuyOrderID:  "order-1",
		SellOrderID: "order-2",
		Timestamp:   time.Now().UTC(),
	}
	raw := envelopeBytes(t, event.TypeTradeExecuted, "BTC-USDT", trade)

	outcome, err := d.Dispatch(ctx, Message{Value: raw, Sequence: 3})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("outcome = %v, want applied", outcome)
	}

	if _, err := trades.GetByID(ctx, "trade-1"); err != nil {
		t.Errorf("trade was not recorded: %v", err)
	}

	buy, _ := orders.GetByID(ctx, "order-1")
	sell, _ := orders.GetByID(ctx, "order-2")
	if buy.FilledQuantity != 40 || buy.Status != event.OrderStatusPartialFilled {
		t.Errorf("buy side: filled %d status %s", buy.FilledQuantity, buy.Status)
	}
	if sell.FilledQuantity != 40 || sell.Status != event.OrderStatusFilled {
		t.Errorf("sell side: filled %d status %s", sell.FilledQuantity, sell.Status)
	}
}

func TestDispatcher_OrderCancelled(t *testing.T) {
	ctx := context.Background()
	d, orders, _ := newTestDispatcher(t)

	dispatchAccepted(t, d, "order-1", 100, 1)

	cancel := acceptedPayload("order-1", 100)
	cancel.Status = event.OrderStatusCancelled
	cancel.RemainingQuantity = 0
	cancel.CancelledQuantity = 100
	raw := envelopeBytes(t, event.TypeOrderCancelled, "BTC-USDT", cancel)

	outcome, err := d.Dispatch(ctx, Message{Value: raw, Sequence: 2})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("outcome = %v, want applied", outcome)
	}

	order, _ := orders.GetByID(ctx, "order-1")
	if order.Status != event.OrderStatusCancelled {
		t.Errorf("Status = %q, want CANCELLED", order.Status)
	}
}

func TestDispatcher_OrderReduced(t *testing.T) {
	ctx := context.Background()
	d, orders, _ := newTestDispatcher(t)

	dispatchAccepted(t, d, "order-1", 100, 1)

	reduced := &event.OrderReducedEvent{
		Order:                *acceptedPayload("order-1", 100),
		OldRemainingQuantity: 100,
		NewRemainingQuantity: 70,
		NewCancelledQuantity: 30,
	}
	raw := envelopeBytes(t, event.TypeOrderReduced, "BTC-USDT", reduced)

	if _, err := d.Dispatch(ctx, Message{Value: raw, Sequence: 2}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	order, _ := orders.GetByID(ctx, "order-1")
	if order.RemainingQuantity != 70 || order.CancelledQuantity != 30 {
		t.Errorf("remaining %d cancelled %d, want 70/30", order.RemainingQuantity, order.CancelledQuantity)
	}
}

func TestDispatcher_SkipPolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("undecodable envelope is acknowledged", func(t *testing.T) {
		d, _, _ := newTestDispatcher(t)

		outcome, err := d.Dispatch(ctx, Message{Value: []byte(`{"event_type":`)})
		if err != nil {
			t.Fatalf("decode failure must not be fatal: %v", err)
		}
		if outcome != OutcomeSkipped {
			t.Errorf("outcome = %v, want skipped", outcome)
		}
	})

	t.Run("unknown event type is acknowledged", func(t *testing.T) {
		orders := projection.NewMemoryOrderRepository()
		trades := projection.NewMemoryTradeRepository()
		projector := projection.NewProjector(orders, trades, zerolog.Nop())
		metrics := instrumentation.NewMetricsWith(prometheus.NewRegistry())
		d := NewDispatcher(projector, metrics, zerolog.Nop())

		raw := envelopeBytes(t, "BOOK_SNAPSHOT", "BTC-USDT", map[string]any{})
		outcome, err := d.Dispatch(ctx, Message{Value: raw})
		if err != nil {
			t.Fatalf("unknown type must not be fatal: %v", err)
		}
		if outcome != OutcomeSkipped {
			t.Errorf("outcome = %v, want skipped", outcome)
		}

		// The producer-controlled type string must not leak into the metric
		// labels; unknown types count under a fixed label.
		if got := testutil.ToFloat64(metrics.EnvelopesTotal.WithLabelValues("unknown", "unknown")); got != 1 {
			t.Errorf(`envelopes{unknown,unknown} = %v, want 1`, got)
		}
		if got := testutil.ToFloat64(metrics.EnvelopesTotal.WithLabelValues("BOOK_SNAPSHOT", "unknown")); got != 0 {
			t.Errorf("raw event type leaked into metric labels (count %v)", got)
		}
	})

	t.Run("undecodable payload is acknowledged", func(t *testing.T) {
		d, _, _ := newTestDispatcher(t)

		// Envelope is fine, payload is missing required fields.
		raw := envelopeBytes(t, event.TypeTradeExecuted, "BTC-USDT", map[string]any{"trade_id": ""})
		outcome, err := d.Dispatch(ctx, Message{Value: raw})
		if err != nil {
			t.Fatalf("payload decode failure must not be fatal: %v", err)
		}
		if outcome != OutcomeSkipped {
			t.Errorf("outcome = %v, want skipped", outcome)
		}
	})

	t.Run("replayed sequence is acknowledged without reapplying", func(t *testing.T) {
		d, orders, _ := newTestDispatcher(t)

		dispatchAccepted(t, d, "order-1", 100, 5)

		// Redelivery of the same record after a rebalance.
		raw := envelopeBytes(t, event.TypeOrderAccepted, "BTC-USDT", acceptedPayload("order-1", 100))
		outcome, err := d.Dispatch(ctx, Message{Value: raw, Sequence: 5})
		if err != nil {
			t.Fatalf("replay must not be fatal: %v", err)
		}
		if outcome != OutcomeSkipped {
			t.Errorf("outcome = %v, want skipped", outcome)
		}

		seq, _ := orders.GetLastSequence(context.Background(), "BTC-USDT")
		if seq != 5 {
			t.Errorf("checkpoint = %d, want 5", seq)
		}
	})
}

func TestDispatcher_FatalErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("fill for unknown order", func(t *testing.T) {
		d, _, _ := newTestDispatcher(t)

		trade := &event.TradeEvent{
			TradeID:     "trade-1",
			Symbol:      "BTC-USDT",
			Price:       50000,
			Quantity:    40,
			BuyerID:     "user-1",
			SellerID:    "user-2",
			BuyOrderID:  "ghost",
			SellOrderID: "ghost-2",
			Timestamp:   time.Now().UTC(),
		}
		raw := envelopeBytes(t, event.TypeTradeExecuted, "BTC-USDT", trade)

		_, err := d.Dispatch(ctx, Message{Value: raw, Sequence: 1})
		if !errors.Is(err, projection.ErrOrderNotFound) {
			t.Errorf("err = %v, want ErrOrderNotFound", err)
		}
	})

	t.Run("overfill", func(t *testing.T) {
		d, orders, _ := newTestDispatcher(t)

		dispatchAccepted(t, d, "order-1", 100, 1)
		dispatchAccepted(t, d, "order-2", 500, 2)

		trade := &event.TradeEvent{
			TradeID:     "trade-1",
			Symbol:      "BTC-USDT",
			Price:       50000,
			Quantity:    300,
			BuyerID:     "user-1",
			SellerID:    "user-2",
			BuyOrderID:  "order-1",
			SellOrderID: "order-2",
			Timestamp:   time.Now().UTC(),
		}
		raw := envelopeBytes(t, event.TypeTradeExecuted, "BTC-USDT", trade)

		_, err := d.Dispatch(ctx, Message{Value: raw, Sequence: 3})
		if !errors.Is(err, projection.ErrNegativeRemaining) {
			t.Fatalf("err = %v, want ErrNegativeRemaining", err)
		}

		// The checkpoint must not advance past the failed envelope.
		seq, _ := orders.GetLastSequence(ctx, "BTC-USDT")
		if seq != 2 {
			t.Errorf("checkpoint = %d, want 2", seq)
		}
	})
}
