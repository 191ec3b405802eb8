package projection

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryOrderRepository is an in-memory implementation of OrderRepository.
// The default store backend, and the test double for the projector.
type MemoryOrderRepository struct {
	mu sync.RWMutex

	// Primary storage: order id -> Order
	orders map[string]*Order

	// Indexes for list queries
	byUser   map[string][]*Order
	bySymbol map[string][]*Order

	// Last applied stream sequence per symbol
	lastSequence map[string]int64
}

// NewMemoryOrderRepository creates a new in-memory order repository.
func NewMemoryOrderRepository() *MemoryOrderRepository {
	return &MemoryOrderRepository{
		orders:       make(map[string]*Order),
		byUser:       make(map[string][]*Order),
		bySymbol:     make(map[string][]*Order),
		lastSequence: make(map[string]int64),
	}
}

// Create inserts a new order row.
func (r *MemoryOrderRepository) Create(ctx context.Context, order *Order) error {
	if order == nil || order.ID == "" {
		return ErrInvalidArgument
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[order.ID]; exists {
		return fmt.Errorf("%w: order_id=%s", ErrOrderExists, order.ID)
	}

	cp := cloneOrder(order)
	r.orders[cp.ID] = cp
	r.byUser[cp.UserID] = append(r.byUser[cp.UserID], cp)
	r.bySymbol[cp.Symbol] = append(r.bySymbol[cp.Symbol], cp)

	return nil
}

// GetByID retrieves an order row by id.
func (r *MemoryOrderRepository) GetByID(ctx context.Context, orderID string) (*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, exists := r.orders[orderID]
	if !exists {
		return nil, fmt.Errorf("%w: order_id=%s", ErrOrderNotFound, orderID)
	}

	return cloneOrder(order), nil
}

// Update applies a partial update to an order row. The read-modify-write
// happens under the lock, which is the per-row consistency the projector
// relies on. Rows in a terminal status reject all updates.
func (r *MemoryOrderRepository) Update(ctx context.Context, orderID string, update OrderUpdate) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, exists := r.orders[orderID]
	if !exists {
		return nil, fmt.Errorf("%w: order_id=%s", ErrOrderNotFound, orderID)
	}
	if order.Status.Terminal() {
		return nil, fmt.Errorf("%w: order_id=%s status=%s", ErrOrderClosed, orderID, order.Status)
	}

	order.Apply(update)

	return cloneOrder(order), nil
}

// ListByUser retrieves orders for a user, newest first.
func (r *MemoryOrderRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return collectOrders(r.byUser[userID], limit), nil
}

// ListBySymbol retrieves orders for a symbol, newest first.
func (r *MemoryOrderRepository) ListBySymbol(ctx context.Context, symbol string, limit int) ([]*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return collectOrders(r.bySymbol[symbol], limit), nil
}

// GetLastSequence returns the last applied stream sequence for a symbol.
func (r *MemoryOrderRepository) GetLastSequence(ctx context.Context, symbol string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.lastSequence[symbol], nil
}

// SetLastSequence advances the last applied stream sequence for a symbol.
func (r *MemoryOrderRepository) SetLastSequence(ctx context.Context, symbol string, sequence int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.lastSequence[symbol]
	if sequence < current {
		return fmt.Errorf("%w: symbol=%s current=%d new=%d", ErrSequenceRegression, symbol, current, sequence)
	}

	r.lastSequence[symbol] = sequence
	return nil
}

// MemoryTradeRepository is an in-memory implementation of TradeRepository.
type MemoryTradeRepository struct {
	mu sync.RWMutex

	// Primary storage: trade id -> Trade
	trades map[string]*Trade

	// Indexes for list queries
	bySymbol map[string][]*Trade // sorted by sequence
	byOrder  map[string][]*Trade // both buy and sell side

	// Last applied stream sequence per symbol
	lastSequence map[string]int64
}

// NewMemoryTradeRepository creates a new in-memory trade repository.
func NewMemoryTradeRepository() *MemoryTradeRepository {
	return &MemoryTradeRepository{
		trades:       make(map[string]*Trade),
		bySymbol:     make(map[string][]*Trade),
		byOrder:      make(map[string][]*Trade),
		lastSequence: make(map[string]int64),
	}
}

// Create inserts a trade row. Replays with identical facts converge to a
// no-op; a reused id with different facts is a conflict.
func (r *MemoryTradeRepository) Create(ctx context.Context, trade *Trade) error {
	if trade == nil || trade.ID == "" {
		return ErrInvalidArgument
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cp := cloneTrade(trade)

	if existing, exists := r.trades[cp.ID]; exists {
		if existing.Equal(cp) {
			return nil
		}
		return fmt.Errorf("%w: trade_id=%s", ErrTradeConflict, cp.ID)
	}

	r.trades[cp.ID] = cp

	r.bySymbol[cp.Symbol] = append(r.bySymbol[cp.Symbol], cp)
	sort.Slice(r.bySymbol[cp.Symbol], func(i, j int) bool {
		return r.bySymbol[cp.Symbol][i].Sequence < r.bySymbol[cp.Symbol][j].Sequence
	})

	r.byOrder[cp.BuyOrderID] = append(r.byOrder[cp.BuyOrderID], cp)
	r.byOrder[cp.SellOrderID] = append(r.byOrder[cp.SellOrderID], cp)

	return nil
}

// GetByID retrieves a trade row by id.
func (r *MemoryTradeRepository) GetByID(ctx context.Context, tradeID string) (*Trade, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	trade, exists := r.trades[tradeID]
	if !exists {
		return nil, fmt.Errorf("%w: trade_id=%s", ErrTradeNotFound, tradeID)
	}

	return cloneTrade(trade), nil
}

// ListBySymbol retrieves trades for a symbol ordered by sequence.
func (r *MemoryTradeRepository) ListBySymbol(ctx context.Context, symbol string, fromSequence int64, limit int) ([]*Trade, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	trades := r.bySymbol[symbol]

	var filtered []*Trade
	if fromSequence > 0 {
		for _, trade := range trades {
			if trade.Sequence >= fromSequence {
				filtered = append(filtered, trade)
			}
		}
	} else {
		filtered = trades
	}

	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}

	return cloneTrades(filtered), nil
}

// ListByOrder retrieves trades touching an order, either side.
func (r *MemoryTradeRepository) ListByOrder(ctx context.Context, orderID string, limit int) ([]*Trade, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	trades := r.byOrder[orderID]
	if limit > 0 && len(trades) > limit {
		trades = trades[:limit]
	}

	return cloneTrades(trades), nil
}

// GetLastSequence returns the last applied stream sequence for a symbol.
func (r *MemoryTradeRepository) GetLastSequence(ctx context.Context, symbol string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.lastSequence[symbol], nil
}

// SetLastSequence advances the last applied stream sequence for a symbol.
func (r *MemoryTradeRepository) SetLastSequence(ctx context.Context, symbol string, sequence int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.lastSequence[symbol]
	if sequence < current {
		return fmt.Errorf("%w: symbol=%s current=%d new=%d", ErrSequenceRegression, symbol, current, sequence)
	}

	r.lastSequence[symbol] = sequence
	return nil
}

func collectOrders(orders []*Order, limit int) []*Order {
	out := make([]*Order, 0, len(orders))
	for i := len(orders) - 1; i >= 0; i-- { // newest first
		out = append(out, cloneOrder(orders[i]))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func cloneOrder(in *Order) *Order {
	if in == nil {
		return nil
	}
	cp := *in
	return &cp
}

func cloneTrade(in *Trade) *Trade {
	if in == nil {
		return nil
	}
	cp := *in
	return &cp
}

func cloneTrades(in []*Trade) []*Trade {
	out := make([]*Trade, 0, len(in))
	for _, v := range in {
		out = append(out, cloneTrade(v))
	}
	return out
}
