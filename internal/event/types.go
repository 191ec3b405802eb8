package event

import (
	"fmt"
	"time"
)

// Type identifies the kind of engine event carried by an envelope.
type Type string

const (
	TypeOrderAccepted  Type = "ORDER_ACCEPTED"
	TypeOrderRejected  Type = "ORDER_REJECTED"
	TypeTradeExecuted  Type = "TRADE_EXECUTED"
	TypeOrderReduced   Type = "ORDER_REDUCED"
	TypeOrderCancelled Type = "ORDER_CANCELLED"
)

// Known reports whether the type is one the projector understands.
// Unknown types still decode at the envelope level; the dispatcher
// acknowledges them without mutation.
func (t Type) Known() bool {
	switch t {
	case TypeOrderAccepted, TypeOrderRejected, TypeTradeExecuted, TypeOrderReduced, TypeOrderCancelled:
		return true
	}
	return false
}

// Side represents order side (buy/sell)
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) IsValid() bool {
	return s == SideBuy || s == SideSell
}

// ParseSide converts a wire string to a Side, failing on unknown values.
func ParseSide(s string) (Side, error) {
	side := Side(s)
	if !side.IsValid() {
		return "", fmt.Errorf("unknown side %q", s)
	}
	return side, nil
}

// OrderType represents how an order executes against the book.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

func (t OrderType) IsValid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
		return true
	}
	return false
}

// ParseOrderType converts a wire string to an OrderType, failing on unknown values.
func ParseOrderType(s string) (OrderType, error) {
	typ := OrderType(s)
	if !typ.IsValid() {
		return "", fmt.Errorf("unknown order type %q", s)
	}
	return typ, nil
}

// OrderStatus represents the engine-reported lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending       OrderStatus = "PENDING"
	OrderStatusOpen          OrderStatus = "OPEN"
	OrderStatusPartialFilled OrderStatus = "PARTIAL_FILLED"
	OrderStatusFilled        OrderStatus = "FILLED"
	OrderStatusCancelled     OrderStatus = "CANCELLED"
	OrderStatusRejected      OrderStatus = "REJECTED"
	OrderStatusExpired       OrderStatus = "EXPIRED"
)

func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusPending, OrderStatusOpen, OrderStatusPartialFilled, OrderStatusFilled,
		OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further mutation.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// ParseOrderStatus converts a wire string to an OrderStatus, failing on unknown values.
func ParseOrderStatus(s string) (OrderStatus, error) {
	status := OrderStatus(s)
	if !status.IsValid() {
		return "", fmt.Errorf("unknown order status %q", s)
	}
	return status, nil
}

// OrderStatusEvent is the payload shared by ORDER_ACCEPTED, ORDER_REJECTED
// and ORDER_CANCELLED envelopes. The engine reports absolute state, not
// deltas; the projector mirrors these fields rather than recomputing them.
type OrderStatusEvent struct {
	OrderID       string      `json:"order_id"`
	UserID        string      `json:"user_id"`
	Symbol        string      `json:"symbol"`
	Status        OrderStatus `json:"status"`
	StatusMessage string      `json:"status_message,omitempty"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`

	// Prices and quantities are integers in minimum units.
	Price         int64 `json:"price"`
	ExecutedValue int64 `json:"executed_value"`
	AveragePrice  int64 `json:"average_price"`

	Quantity          int64 `json:"quantity"`
	FilledQuantity    int64 `json:"filled_quantity"`
	RemainingQuantity int64 `json:"remaining_quantity"`
	CancelledQuantity int64 `json:"cancelled_quantity"`

	GatewayTimestamp *time.Time `json:"gateway_timestamp,omitempty"`
	ClientTimestamp  *time.Time `json:"client_timestamp,omitempty"`
	EngineTimestamp  time.Time  `json:"engine_timestamp"`
}

// TradeEvent is the payload of a TRADE_EXECUTED envelope. One trade touches
// two orders: the buy side and the sell side.
type TradeEvent struct {
	TradeID       string    `json:"trade_id"`
	Symbol        string    `json:"symbol"`
	TradeSequence int64     `json:"trade_sequence"`
	Price         int64     `json:"price"`
	Quantity      int64     `json:"quantity"`
	BuyerID       string    `json:"buyer_id"`
	SellerID      string    `json:"seller_id"`
	BuyOrderID    string    `json:"buy_order_id"`
	SellOrderID   string    `json:"sell_order_id"`
	IsBuyerMaker  bool      `json:"is_buyer_maker"`
	Timestamp     time.Time `json:"timestamp"`
}

// OrderReducedEvent is the payload of an ORDER_REDUCED envelope. The engine
// recomputes quantities authoritatively (stop adjustments, expiry trims) and
// ships both the old and new absolute values.
type OrderReducedEvent struct {
	Order OrderStatusEvent `json:"order"`

	OldQuantity          int64 `json:"old_quantity"`
	NewQuantity          int64 `json:"new_quantity"`
	OldRemainingQuantity int64 `json:"old_remaining_quantity"`
	NewRemainingQuantity int64 `json:"new_remaining_quantity"`
	OldCancelledQuantity int64 `json:"old_cancelled_quantity"`
	NewCancelledQuantity int64 `json:"new_cancelled_quantity"`
}
