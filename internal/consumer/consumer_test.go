package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"order-worker/internal/dispatch"
	"order-worker/internal/event"
	"order-worker/internal/instrumentation"
	"order-worker/internal/projection"
)

// fakeSession records marked offsets; the claim loop under test must mark
// only what the dispatcher applied or skipped.
type fakeSession struct {
	ctx context.Context

	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32                                               { return nil }
func (s *fakeSession) MemberID() string                                                         { return "test-member" }
func (s *fakeSession) GenerationID() int32                                                      { return 1 }
func (s *fakeSession) MarkOffset(topic string, partition int32, offset int64, metadata string)  {}
func (s *fakeSession) Commit()                                                                  {}
func (s *fakeSession) ResetOffset(topic string, partition int32, offset int64, metadata string) {}
func (s *fakeSession) Context() context.Context                                                 { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

func (s *fakeSession) markedOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...)
}

// fakeGroup stands in for a broker-backed consumer group. Consume blocks
// until the context ends and then returns whatever a real session would.
type fakeGroup struct {
	consumeErr error
	errs       chan error
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	<-ctx.Done()
	return g.consumeErr
}
func (g *fakeGroup) Errors() <-chan error                 { return g.errs }
func (g *fakeGroup) Close() error                         { return nil }
func (g *fakeGroup) Pause(partitions map[string][]int32)  {}
func (g *fakeGroup) Resume(partitions map[string][]int32) {}
func (g *fakeGroup) PauseAll()                            {}
func (g *fakeGroup) ResumeAll()                           {}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "engine-events" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func newClaimConsumer() *Consumer {
	orders := projection.NewMemoryOrderRepository()
	trades := projection.NewMemoryTradeRepository()
	projector := projection.NewProjector(orders, trades, zerolog.Nop())
	metrics := instrumentation.NewMetricsWith(prometheus.NewRegistry())
	return &Consumer{
		topic:      "engine-events",
		dispatcher: dispatch.NewDispatcher(projector, metrics, zerolog.Nop()),
		metrics:    metrics,
		log:        zerolog.Nop(),
	}
}

func acceptedRecord(t *testing.T, orderID string, offset, seq int64) *sarama.ConsumerMessage {
	t.Helper()
	payload, err := json.Marshal(&event.OrderStatusEvent{
		OrderID:           orderID,
		UserID:            "user-1",
		Symbol:            "BTC-USDT",
		Status:            event.OrderStatusOpen,
		Side:              event.SideBuy,
		Type:              event.OrderTypeLimit,
		Price:             50000,
		Quantity:          100,
		RemainingQuantity: 100,
		EngineTimestamp:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	value, err := json.Marshal(map[string]any{
		"event_type": event.TypeOrderAccepted,
		"symbol":     "BTC-USDT",
		"data":       json.RawMessage(payload),
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return &sarama.ConsumerMessage{
		Topic:     "engine-events",
		Value:     value,
		Offset:    offset,
		Timestamp: time.Now(),
		Headers: []*sarama.RecordHeader{
			{Key: []byte("sequence"), Value: []byte(strconv.FormatInt(seq, 10))},
		},
	}
}

func tradeRecord(t *testing.T, buyOrderID, sellOrderID string, offset, seq int64) *sarama.ConsumerMessage {
	t.Helper()
	payload, err := json.Marshal(&event.TradeEvent{
		TradeID:     "trade-1",
		Symbol:      "BTC-USDT",
		Price:       50000,
		Quantity:    10,
		BuyerID:     "user-1",
		SellerID:    "user-2",
		BuyOrderID:  buyOrderID,
		SellOrderID: sellOrderID,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	value, err := json.Marshal(map[string]any{
		"event_type": event.TypeTradeExecuted,
		"symbol":     "BTC-USDT",
		"data":       json.RawMessage(payload),
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return &sarama.ConsumerMessage{
		Topic:     "engine-events",
		Value:     value,
		Offset:    offset,
		Timestamp: time.Now(),
		Headers: []*sarama.RecordHeader{
			{Key: []byte("sequence"), Value: []byte(strconv.FormatInt(seq, 10))},
		},
	}
}

func TestRun_GracefulShutdown(t *testing.T) {
	tests := []struct {
		name       string
		consumeErr error
	}{
		{"session ends clean", nil},
		{"session surfaces the cancellation", context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClaimConsumer()
			c.group = &fakeGroup{consumeErr: tt.consumeErr, errs: make(chan error)}

			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				time.Sleep(10 * time.Millisecond)
				cancel()
			}()

			if err := c.Run(ctx); err != nil {
				t.Fatalf("Run on shutdown = %v, want nil", err)
			}
		})
	}
}

// cancellingOrderRepo tears the session down in the middle of an apply, the
// way a rebalance or SIGTERM lands while a record is being projected.
type cancellingOrderRepo struct {
	projection.OrderRepository
	cancel context.CancelFunc
	once   sync.Once
}

func (r *cancellingOrderRepo) Create(ctx context.Context, order *projection.Order) error {
	r.once.Do(r.cancel)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("store call aborted: %w", err)
	}
	return r.OrderRepository.Create(ctx, order)
}

func TestConsumeClaim_FinishesInFlightOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orders := projection.NewMemoryOrderRepository()
	repo := &cancellingOrderRepo{OrderRepository: orders, cancel: cancel}
	trades := projection.NewMemoryTradeRepository()
	projector := projection.NewProjector(repo, trades, zerolog.Nop())
	metrics := instrumentation.NewMetricsWith(prometheus.NewRegistry())
	c := &Consumer{
		topic:      "engine-events",
		dispatcher: dispatch.NewDispatcher(projector, metrics, zerolog.Nop()),
		metrics:    metrics,
		log:        zerolog.Nop(),
	}

	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- acceptedRecord(t, "order-1", 10, 1)

	if err := c.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}

	// The cancellation arrived mid-apply; the envelope must still have
	// completed and been marked before the loop stopped.
	marked := session.markedOffsets()
	if len(marked) != 1 || marked[0] != 10 {
		t.Fatalf("marked %v, want offset 10", marked)
	}
	if _, err := orders.GetByID(context.Background(), "order-1"); err != nil {
		t.Errorf("in-flight order was not projected: %v", err)
	}
}

func TestConsumeClaim_CommitPolicy(t *testing.T) {
	t.Run("applied and skipped records are marked", func(t *testing.T) {
		c := newClaimConsumer()
		session := &fakeSession{ctx: context.Background()}
		claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 3)}

		claim.messages <- acceptedRecord(t, "order-1", 10, 1)
		claim.messages <- &sarama.ConsumerMessage{Value: []byte(`{"event_type":`), Offset: 11}
		claim.messages <- acceptedRecord(t, "order-2", 12, 2)
		close(claim.messages)

		if err := c.ConsumeClaim(session, claim); err != nil {
			t.Fatalf("ConsumeClaim: %v", err)
		}

		marked := session.markedOffsets()
		if len(marked) != 3 {
			t.Fatalf("marked %v, want offsets 10, 11, 12", marked)
		}
	})

	t.Run("fatal record stops the claim unmarked", func(t *testing.T) {
		c := newClaimConsumer()
		session := &fakeSession{ctx: context.Background()}
		claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 2)}

		claim.messages <- acceptedRecord(t, "order-1", 10, 1)
		// Trade referencing an order that was never accepted.
		claim.messages <- tradeRecord(t, "order-1", "ghost", 11, 2)
		close(claim.messages)

		err := c.ConsumeClaim(session, claim)
		if err == nil {
			t.Fatal("fatal dispatch error must abort the claim")
		}

		marked := session.markedOffsets()
		if len(marked) != 1 || marked[0] != 10 {
			t.Errorf("marked %v, want only offset 10", marked)
		}
	})

	t.Run("context cancellation stops the loop", func(t *testing.T) {
		c := newClaimConsumer()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		session := &fakeSession{ctx: ctx}
		claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage)}

		if err := c.ConsumeClaim(session, claim); err != nil {
			t.Fatalf("ConsumeClaim after cancel: %v", err)
		}
	})
}

func TestSequenceFromHeaders(t *testing.T) {
	tests := []struct {
		name    string
		headers []*sarama.RecordHeader
		want    int64
	}{
		{
			name:    "no headers",
			headers: nil,
			want:    0,
		},
		{
			name: "sequence present",
			headers: []*sarama.RecordHeader{
				{Key: []byte("sequence"), Value: []byte("42")},
			},
			want: 42,
		},
		{
			name: "other headers ignored",
			headers: []*sarama.RecordHeader{
				{Key: []byte("trace_id"), Value: []byte("abc")},
				{Key: []byte("sequence"), Value: []byte("7")},
			},
			want: 7,
		},
		{
			name: "unparsable value",
			headers: []*sarama.RecordHeader{
				{Key: []byte("sequence"), Value: []byte("not-a-number")},
			},
			want: 0,
		},
		{
			name: "nil entry skipped",
			headers: []*sarama.RecordHeader{
				nil,
				{Key: []byte("sequence"), Value: []byte("3")},
			},
			want: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sequenceFromHeaders(tt.headers); got != tt.want {
				t.Errorf("sequenceFromHeaders() = %d, want %d", got, tt.want)
			}
		})
	}
}
