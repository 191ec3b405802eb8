package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecode marks malformed envelope or payload bytes. A decode failure can
// never succeed on retry; callers acknowledge and skip.
var ErrDecode = errors.New("decode failed")

// Envelope is the outer event wrapper consumed from the stream. Data stays
// opaque until the dispatcher routes on Type; an unrecognized Type is not a
// decode failure.
type Envelope struct {
	Type   Type            `json:"event_type"`
	Symbol string          `json:"symbol"`
	UserID string          `json:"user_id"`
	Data   json.RawMessage `json:"data"`
}

// DecodeEnvelope parses the raw record value into an Envelope.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty envelope", ErrDecode)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrDecode, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: envelope missing event_type", ErrDecode)
	}

	return &env, nil
}

// DecodeOrderStatus interprets the envelope data as an OrderStatusEvent.
func (e *Envelope) DecodeOrderStatus() (*OrderStatusEvent, error) {
	var payload OrderStatusEvent
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return nil, fmt.Errorf("%w: order status payload: %v", ErrDecode, err)
	}

	if payload.OrderID == "" {
		return nil, fmt.Errorf("%w: order status payload missing order_id", ErrDecode)
	}
	if payload.Symbol == "" {
		return nil, fmt.Errorf("%w: order status payload missing symbol", ErrDecode)
	}
	if payload.UserID == "" {
		return nil, fmt.Errorf("%w: order status payload missing user_id", ErrDecode)
	}
	if !payload.Side.IsValid() {
		return nil, fmt.Errorf("%w: order status payload has invalid side %q", ErrDecode, payload.Side)
	}
	if !payload.Type.IsValid() {
		return nil, fmt.Errorf("%w: order status payload has invalid type %q", ErrDecode, payload.Type)
	}
	if !payload.Status.IsValid() {
		return nil, fmt.Errorf("%w: order status payload has invalid status %q", ErrDecode, payload.Status)
	}
	if payload.Quantity <= 0 {
		return nil, fmt.Errorf("%w: order status payload quantity must be positive", ErrDecode)
	}

	return &payload, nil
}

// DecodeTrade interprets the envelope data as a TradeEvent.
func (e *Envelope) DecodeTrade() (*TradeEvent, error) {
	var payload TradeEvent
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return nil, fmt.Errorf("%w: trade payload: %v", ErrDecode, err)
	}

	if payload.TradeID == "" {
		return nil, fmt.Errorf("%w: trade payload missing trade_id", ErrDecode)
	}
	if payload.Symbol == "" {
		return nil, fmt.Errorf("%w: trade payload missing symbol", ErrDecode)
	}
	if payload.BuyOrderID == "" || payload.SellOrderID == "" {
		return nil, fmt.Errorf("%w: trade payload missing order references", ErrDecode)
	}
	if payload.BuyerID == "" || payload.SellerID == "" {
		return nil, fmt.Errorf("%w: trade payload missing user references", ErrDecode)
	}
	if payload.Price <= 0 {
		return nil, fmt.Errorf("%w: trade payload price must be positive", ErrDecode)
	}
	if payload.Quantity <= 0 {
		return nil, fmt.Errorf("%w: trade payload quantity must be positive", ErrDecode)
	}

	return &payload, nil
}

// DecodeOrderReduced interprets the envelope data as an OrderReducedEvent.
func (e *Envelope) DecodeOrderReduced() (*OrderReducedEvent, error) {
	var payload OrderReducedEvent
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return nil, fmt.Errorf("%w: order reduced payload: %v", ErrDecode, err)
	}

	if payload.Order.OrderID == "" {
		return nil, fmt.Errorf("%w: order reduced payload missing order_id", ErrDecode)
	}
	if payload.NewRemainingQuantity < 0 {
		return nil, fmt.Errorf("%w: order reduced payload has negative remaining quantity", ErrDecode)
	}
	if payload.NewCancelledQuantity < 0 {
		return nil, fmt.Errorf("%w: order reduced payload has negative cancelled quantity", ErrDecode)
	}

	return &payload, nil
}
