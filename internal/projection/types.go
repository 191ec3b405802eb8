package projection

import (
	"time"

	"github.com/shopspring/decimal"

	"order-worker/internal/event"
)

// Order is the projected read model for an order. One row per order ever
// accepted or rejected by the engine; mutated only by fill, reduction and
// cancellation events, never deleted.
type Order struct {
	ID     string          `json:"id"`
	Symbol string          `json:"symbol"`
	Side   event.Side      `json:"side"`
	Type   event.OrderType `json:"type"`
	UserID string          `json:"user_id"`

	// Price is the limit price in minimum units; zero for MARKET orders.
	Price int64 `json:"price"`

	Quantity          int64 `json:"quantity"`
	FilledQuantity    int64 `json:"filled_quantity"`
	CancelledQuantity int64 `json:"cancelled_quantity"`
	RemainingQuantity int64 `json:"remaining_quantity"`

	// ExecutedValue accumulates price*quantity over fills; AveragePrice is
	// ExecutedValue/FilledQuantity whenever FilledQuantity > 0.
	ExecutedValue int64           `json:"executed_value"`
	AveragePrice  decimal.Decimal `json:"average_price"`

	Status        event.OrderStatus `json:"status"`
	StatusMessage string            `json:"status_message,omitempty"`

	// Set once at creation from the acceptance/rejection event.
	GatewayTimestamp *time.Time `json:"gateway_timestamp,omitempty"`
	ClientTimestamp  *time.Time `json:"client_timestamp,omitempty"`
	EngineTimestamp  time.Time  `json:"engine_timestamp"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// LastSequence is the stream sequence of the last event applied to this
	// order; replayed events with an equal or lower sequence are no-ops.
	LastSequence int64 `json:"last_sequence"`
}

// Trade is the projected read model for a matched fill. Immutable after
// creation; every trade causes exactly two order mutations, one per side.
type Trade struct {
	ID            string `json:"id"`
	Symbol        string `json:"symbol"`
	TradeSequence int64  `json:"trade_sequence"`
	Price         int64  `json:"price"`
	Quantity      int64  `json:"quantity"`
	IsBuyerMaker  bool   `json:"is_buyer_maker"`

	BuyOrderID  string `json:"buy_order_id"`
	SellOrderID string `json:"sell_order_id"`
	BuyerID     string `json:"buyer_id"`
	SellerID    string `json:"seller_id"`

	ExecutedAt time.Time `json:"executed_at"`
	CreatedAt  time.Time `json:"created_at"`

	// Sequence is the stream sequence of the TRADE_EXECUTED envelope.
	Sequence int64 `json:"sequence"`
}

// OrderUpdate is a partial update applied to an order row. Nil fields are
// left untouched. All set fields are written atomically relative to the row.
type OrderUpdate struct {
	Status            *event.OrderStatus
	StatusMessage     *string
	FilledQuantity    *int64
	CancelledQuantity *int64
	RemainingQuantity *int64
	ExecutedValue     *int64
	AveragePrice      *decimal.Decimal
	LastSequence      *int64
	UpdatedAt         time.Time
}

// Apply copies the set fields of an update onto the order.
func (o *Order) Apply(update OrderUpdate) {
	if update.Status != nil {
		o.Status = *update.Status
	}
	if update.StatusMessage != nil {
		o.StatusMessage = *update.StatusMessage
	}
	if update.FilledQuantity != nil {
		o.FilledQuantity = *update.FilledQuantity
	}
	if update.CancelledQuantity != nil {
		o.CancelledQuantity = *update.CancelledQuantity
	}
	if update.RemainingQuantity != nil {
		o.RemainingQuantity = *update.RemainingQuantity
	}
	if update.ExecutedValue != nil {
		o.ExecutedValue = *update.ExecutedValue
	}
	if update.AveragePrice != nil {
		o.AveragePrice = *update.AveragePrice
	}
	if update.LastSequence != nil {
		o.LastSequence = *update.LastSequence
	}
	if !update.UpdatedAt.IsZero() {
		o.UpdatedAt = update.UpdatedAt
	}
}

// Equal reports whether two trades carry the same economic facts. CreatedAt
// and the stream sequence are bookkeeping, not facts.
func (t *Trade) Equal(other *Trade) bool {
	if t == nil || other == nil {
		return t == other
	}

	return t.ID == other.ID &&
		t.Symbol == other.Symbol &&
		t.TradeSequence == other.TradeSequence &&
		t.Price == other.Price &&
		t.Quantity == other.Quantity &&
		t.IsBuyerMaker == other.IsBuyerMaker &&
		t.BuyOrderID == other.BuyOrderID &&
		t.SellOrderID == other.SellOrderID &&
		t.BuyerID == other.BuyerID &&
		t.SellerID == other.SellerID &&
		t.ExecutedAt.Equal(other.ExecutedAt)
}

func int64Ptr(v int64) *int64                          { return &v }
func statusPtr(s event.OrderStatus) *event.OrderStatus { return &s }
func decimalPtr(d decimal.Decimal) *decimal.Decimal    { return &d }
