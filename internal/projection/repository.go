package projection

import (
	"context"
	"errors"
)

var (
	// ErrOrderNotFound signals a fill/reduce/cancel for an order the store has
	// never seen; the acceptance event was lost or reordered.
	ErrOrderNotFound = errors.New("order not found")

	// ErrOrderExists signals a duplicate creation, the intended detector of
	// redelivered ORDER_ACCEPTED events.
	ErrOrderExists = errors.New("order already exists")

	// ErrOrderClosed signals a mutation against an order in a terminal status
	// (FILLED, CANCELLED, REJECTED, EXPIRED).
	ErrOrderClosed = errors.New("order is closed")

	ErrTradeNotFound = errors.New("trade not found")

	// ErrTradeConflict signals a trade id reused with different economic facts.
	// An identical replay is a silent no-op instead.
	ErrTradeConflict = errors.New("trade conflict")

	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSequenceRegression signals an attempt to move a symbol cursor backwards.
	ErrSequenceRegression = errors.New("sequence regression")
)

// OrderRepository is the store port for order rows. Implementations must
// support concurrent writers with read-modify-write consistency per row;
// cross-order transactions are not required.
type OrderRepository interface {
	// Create inserts a new order row. Returns ErrOrderExists if the id is taken.
	Create(ctx context.Context, order *Order) error

	// GetByID retrieves an order row by id.
	GetByID(ctx context.Context, orderID string) (*Order, error)

	// Update applies a partial update to an order row, atomically relative to
	// that row. Returns ErrOrderNotFound if the id is unknown and
	// ErrOrderClosed if the stored status is terminal.
	Update(ctx context.Context, orderID string, update OrderUpdate) (*Order, error)

	// ListByUser retrieves orders for a user, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error)

	// ListBySymbol retrieves orders for a symbol, newest first.
	ListBySymbol(ctx context.Context, symbol string, limit int) ([]*Order, error)

	// GetLastSequence returns the last applied stream sequence for a symbol.
	GetLastSequence(ctx context.Context, symbol string) (int64, error)

	// SetLastSequence advances the last applied stream sequence for a symbol.
	SetLastSequence(ctx context.Context, symbol string, sequence int64) error
}

// TradeRepository is the store port for trade rows. Trades are immutable;
// there is no update operation.
type TradeRepository interface {
	// Create inserts a trade row. A replay carrying identical facts is a
	// no-op; the same id with different facts returns ErrTradeConflict.
	Create(ctx context.Context, trade *Trade) error

	// GetByID retrieves a trade row by id.
	GetByID(ctx context.Context, tradeID string) (*Trade, error)

	// ListBySymbol retrieves trades for a symbol ordered by sequence.
	// fromSequence filters to trades with sequence >= fromSequence when > 0.
	ListBySymbol(ctx context.Context, symbol string, fromSequence int64, limit int) ([]*Trade, error)

	// ListByOrder retrieves trades touching an order, either side.
	ListByOrder(ctx context.Context, orderID string, limit int) ([]*Trade, error)

	// GetLastSequence returns the last applied stream sequence for a symbol.
	GetLastSequence(ctx context.Context, symbol string) (int64, error)

	// SetLastSequence advances the last applied stream sequence for a symbol.
	SetLastSequence(ctx context.Context, symbol string, sequence int64) error
}
