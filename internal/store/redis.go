// Package store provides the Redis-backed implementations of the projection
// store ports. Rows are JSON blobs keyed by id; read-modify-write goes
// through WATCH-based optimistic transactions, giving the per-row consistency
// the projector requires without cross-row coordination.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"order-worker/internal/projection"
)

const (
	orderKeyPrefix       = "order:"
	orderUserIndexPrefix = "orders:user:"
	orderSymIndexPrefix  = "orders:symbol:"
	orderCursorPrefix    = "orders:cursor:"

	tradeKeyPrefix        = "trade:"
	tradeSymIndexPrefix   = "trades:symbol:"
	tradeOrderIndexPrefix = "trades:order:"
	tradeCursorPrefix     = "trades:cursor:"
)

// maxTxRetries bounds optimistic transaction retries under contention.
const maxTxRetries = 5

var errTxRetriesExhausted = errors.New("optimistic transaction retries exhausted")

// NewClient connects to Redis and verifies the connection.
func NewClient(redisURL, password string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if password != "" {
		opt.Password = password
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return client, nil
}

// RedisOrderRepository implements projection.OrderRepository on Redis.
type RedisOrderRepository struct {
	client *redis.Client
}

// NewRedisOrderRepository creates an order repository over the given client.
func NewRedisOrderRepository(client *redis.Client) *RedisOrderRepository {
	return &RedisOrderRepository{client: client}
}

// Create inserts a new order row.
func (r *RedisOrderRepository) Create(ctx context.Context, order *projection.Order) error {
	if order == nil || order.ID == "" {
		return projection.ErrInvalidArgument
	}

	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("failed to marshal order %s: %w", order.ID, err)
	}

	set, err := r.client.SetNX(ctx, orderKeyPrefix+order.ID, data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis SETNX failed for order %s: %w", order.ID, err)
	}

	// Sorted-set index writes keyed by id are idempotent and issued on the
	// duplicate path too, so a crash between the row write and the index
	// write heals on redelivery.
	score := float64(order.CreatedAt.UnixNano())
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, orderUserIndexPrefix+order.UserID, redis.Z{Score: score, Member: order.ID})
		pipe.ZAdd(ctx, orderSymIndexPrefix+order.Symbol, redis.Z{Score: score, Member: order.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis index write failed for order %s: %w", order.ID, err)
	}

	if !set {
		return fmt.Errorf("%w: order_id=%s", projection.ErrOrderExists, order.ID)
	}
	return nil
}

// GetByID retrieves an order row by id.
func (r *RedisOrderRepository) GetByID(ctx context.Context, orderID string) (*projection.Order, error) {
	data, err := r.client.Get(ctx, orderKeyPrefix+orderID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: order_id=%s", projection.ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed for order %s: %w", orderID, err)
	}

	var order projection.Order
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order %s: %w", orderID, err)
	}

	return &order, nil
}

// Update applies a partial update through a WATCH transaction: the row is
// re-read inside the transaction and the write aborts if a concurrent writer
// touched it first. Rows in a terminal status reject all updates.
func (r *RedisOrderRepository) Update(ctx context.Context, orderID string, update projection.OrderUpdate) (*projection.Order, error) {
	key := orderKeyPrefix + orderID
	var updated *projection.Order

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: order_id=%s", projection.ErrOrderNotFound, orderID)
		}
		if err != nil {
			return fmt.Errorf("redis GET failed for order %s: %w", orderID, err)
		}

		var order projection.Order
		if err := json.Unmarshal(data, &order); err != nil {
			return fmt.Errorf("failed to unmarshal order %s: %w", orderID, err)
		}
		if order.Status.Terminal() {
			return fmt.Errorf("%w: order_id=%s status=%s", projection.ErrOrderClosed, orderID, order.Status)
		}

		order.Apply(update)

		out, err := json.Marshal(&order)
		if err != nil {
			return fmt.Errorf("failed to marshal order %s: %w", orderID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		if err != nil {
			return err
		}

		updated = &order
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue // contended, retry against the fresh row
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}

	return nil, fmt.Errorf("%w: order_id=%s", errTxRetriesExhausted, orderID)
}

// ListByUser retrieves orders for a user, newest first.
func (r *RedisOrderRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*projection.Order, error) {
	return r.listOrders(ctx, orderUserIndexPrefix+userID, limit)
}

// ListBySymbol retrieves orders for a symbol, newest first.
func (r *RedisOrderRepository) ListBySymbol(ctx context.Context, symbol string, limit int) ([]*projection.Order, error) {
	return r.listOrders(ctx, orderSymIndexPrefix+symbol, limit)
}

func (r *RedisOrderRepository) listOrders(ctx context.Context, indexKey string, limit int) ([]*projection.Order, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	// Scored by creation time; reverse range gives newest first.
	ids, err := r.client.ZRevRange(ctx, indexKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZREVRANGE failed for %s: %w", indexKey, err)
	}

	orders := make([]*projection.Order, 0, len(ids))
	for _, id := range ids {
		order, err := r.GetByID(ctx, id)
		if errors.Is(err, projection.ErrOrderNotFound) {
			continue // index entry raced a missing row
		}
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}

	return orders, nil
}

// GetLastSequence returns the last applied stream sequence for a symbol.
func (r *RedisOrderRepository) GetLastSequence(ctx context.Context, symbol string) (int64, error) {
	return getCursor(ctx, r.client, orderCursorPrefix+symbol)
}

// SetLastSequence advances the last applied stream sequence for a symbol.
func (r *RedisOrderRepository) SetLastSequence(ctx context.Context, symbol string, sequence int64) error {
	return setCursor(ctx, r.client, orderCursorPrefix+symbol, symbol, sequence)
}

// RedisTradeRepository implements projection.TradeRepository on Redis.
type RedisTradeRepository struct {
	client *redis.Client
}

// NewRedisTradeRepository creates a trade repository over the given client.
func NewRedisTradeRepository(client *redis.Client) *RedisTradeRepository {
	return &RedisTradeRepository{client: client}
}

// Create inserts a trade row. Replays with identical facts converge to a
// no-op; a reused id with different facts is a conflict.
func (r *RedisTradeRepository) Create(ctx context.Context, trade *projection.Trade) error {
	if trade == nil || trade.ID == "" {
		return projection.ErrInvalidArgument
	}

	data, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("failed to marshal trade %s: %w", trade.ID, err)
	}

	set, err := r.client.SetNX(ctx, tradeKeyPrefix+trade.ID, data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis SETNX failed for trade %s: %w", trade.ID, err)
	}
	if !set {
		existing, err := r.GetByID(ctx, trade.ID)
		if err != nil {
			return err
		}
		if !existing.Equal(trade) {
			return fmt.Errorf("%w: trade_id=%s", projection.ErrTradeConflict, trade.ID)
		}
		// Identical replay falls through to the index writes: a crash after
		// the row write left them missing, and re-adding is idempotent.
	}

	score := float64(trade.Sequence)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, tradeSymIndexPrefix+trade.Symbol, redis.Z{Score: score, Member: trade.ID})
		pipe.ZAdd(ctx, tradeOrderIndexPrefix+trade.BuyOrderID, redis.Z{Score: score, Member: trade.ID})
		pipe.ZAdd(ctx, tradeOrderIndexPrefix+trade.SellOrderID, redis.Z{Score: score, Member: trade.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis index write failed for trade %s: %w", trade.ID, err)
	}

	return nil
}

// GetByID retrieves a trade row by id.
func (r *RedisTradeRepository) GetByID(ctx context.Context, tradeID string) (*projection.Trade, error) {
	data, err := r.client.Get(ctx, tradeKeyPrefix+tradeID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: trade_id=%s", projection.ErrTradeNotFound, tradeID)
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed for trade %s: %w", tradeID, err)
	}

	var trade projection.Trade
	if err := json.Unmarshal(data, &trade); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trade %s: %w", tradeID, err)
	}

	return &trade, nil
}

// ListBySymbol retrieves trades for a symbol ordered by sequence.
func (r *RedisTradeRepository) ListBySymbol(ctx context.Context, symbol string, fromSequence int64, limit int) ([]*projection.Trade, error) {
	min := "-inf"
	if fromSequence > 0 {
		min = strconv.FormatInt(fromSequence, 10)
	}

	opt := &redis.ZRangeBy{Min: min, Max: "+inf"}
	if limit > 0 {
		opt.Count = int64(limit)
	}

	ids, err := r.client.ZRangeByScore(ctx, tradeSymIndexPrefix+symbol, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZRANGEBYSCORE failed for symbol %s: %w", symbol, err)
	}

	return r.collect(ctx, ids)
}

// ListByOrder retrieves trades touching an order, either side.
func (r *RedisTradeRepository) ListByOrder(ctx context.Context, orderID string, limit int) ([]*projection.Trade, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	// Scored by sequence; the plain range gives execution order.
	ids, err := r.client.ZRange(ctx, tradeOrderIndexPrefix+orderID, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZRANGE failed for order %s: %w", orderID, err)
	}

	return r.collect(ctx, ids)
}

func (r *RedisTradeRepository) collect(ctx context.Context, ids []string) ([]*projection.Trade, error) {
	trades := make([]*projection.Trade, 0, len(ids))
	for _, id := range ids {
		trade, err := r.GetByID(ctx, id)
		if errors.Is(err, projection.ErrTradeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, nil
}

// GetLastSequence returns the last applied stream sequence for a symbol.
func (r *RedisTradeRepository) GetLastSequence(ctx context.Context, symbol string) (int64, error) {
	return getCursor(ctx, r.client, tradeCursorPrefix+symbol)
}

// SetLastSequence advances the last applied stream sequence for a symbol.
func (r *RedisTradeRepository) SetLastSequence(ctx context.Context, symbol string, sequence int64) error {
	return setCursor(ctx, r.client, tradeCursorPrefix+symbol, symbol, sequence)
}

func getCursor(ctx context.Context, client *redis.Client, key string) (int64, error) {
	val, err := client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis GET failed for cursor %s: %w", key, err)
	}

	seq, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt cursor %s: %w", key, err)
	}

	return seq, nil
}

func setCursor(ctx context.Context, client *redis.Client, key, symbol string, sequence int64) error {
	txn := func(tx *redis.Tx) error {
		current := int64(0)
		val, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis GET failed for cursor %s: %w", key, err)
		}
		if err == nil {
			current, err = strconv.ParseInt(val, 10, 64)
			if err != nil {
				return fmt.Errorf("corrupt cursor %s: %w", key, err)
			}
		}

		if sequence < current {
			return fmt.Errorf("%w: symbol=%s current=%d new=%d",
				projection.ErrSequenceRegression, symbol, current, sequence)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, strconv.FormatInt(sequence, 10), 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return fmt.Errorf("%w: cursor %s", errTxRetriesExhausted, key)
}
