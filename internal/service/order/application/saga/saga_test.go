// internal/service/order/application/saga/saga_test.go
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"hanghae/internal/pkg/outbox"
	"hanghae/internal/service/order/domain"
	"hanghae/internal/service/order/port"

	"go.opentelemetry.io/otel"
)

type fakeGuard struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{keys: make(map[string]bool)}
}

func (g *fakeGuard) Acquire(ctx context.Context, consumer, correlationID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := consumer + "/" + correlationID
	if g.keys[key] {
		return false, nil
	}
	g.keys[key] = true
	return true, nil
}

func (g *fakeGuard) Release(ctx context.Context, consumer, correlationID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, consumer+"/"+correlationID)
	return nil
}

func (g *fakeGuard) held() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.keys)
}

// fakeInventory 维护每个商品的可用量，deductErr 可注入系统性错误。
type fakeInventory struct {
	mu        sync.Mutex
	available map[string]int64
	deductErr map[string]error
	deducts   int
}

func newFakeInventory(available map[string]int64) *fakeInventory {
	return &fakeInventory{available: available, deductErr: make(map[string]error)}
}

func (f *fakeInventory) DeductStock(ctx context.Context, productID string, qty int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deductErr[productID]; err != nil {
		return err
	}
	have := f.available[productID]
	if have < qty {
		return &port.InsufficientStockError{ProductID: productID, Requested: qty, Available: have}
	}
	f.available[productID] = have - qty
	f.deducts++
	return nil
}

func (f *fakeInventory) RestockInventory(ctx context.Context, productID string, qty int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available[productID] += qty
	return nil
}

func (f *fakeInventory) availableOf(productID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available[productID]
}

type publishedEvent struct {
	aggregateID string
	eventType   string
	payload     any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *fakePublisher) Publish(ctx context.Context, aggregateType, aggregateID, eventType string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{aggregateID: aggregateID, eventType: eventType, payload: payload})
	return nil
}

type fakeOrderRepo struct {
	mu     sync.Mutex
	orders map[string]*domain.Order
	events []domain.Event
}

func newFakeOrderRepo() *fakeOrderRepo {
	return &fakeOrderRepo{orders: make(map[string]*domain.Order)}
}

func (r *fakeOrderRepo) Create(ctx context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *order
	r.orders[order.ID] = &cp
	return nil
}

func (r *fakeOrderRepo) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, errors.New("order not found")
	}
	cp := *o
	return &cp, nil
}

func (r *fakeOrderRepo) SaveWithEvents(ctx context.Context, order *domain.Order, events ...domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *order
	r.orders[order.ID] = &cp
	r.events = append(r.events, events...)
	return nil
}

func outboxEvent(t *testing.T, eventType, aggregateID string, payload any) *outbox.OutboxEvent {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return &outbox.OutboxEvent{
		ID:            1,
		AggregateType: domain.AggregateTypeOrder,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
	}
}

func paymentEvent(t *testing.T, orderID string, lines ...domain.OrderLine) *outbox.OutboxEvent {
	t.Helper()
	return outboxEvent(t, domain.EventTypePaymentCompleted, orderID, &domain.PaymentCompletedEvent{
		OrderID: orderID,
		UserID:  "u1",
		Lines:   lines,
		PaidAt:  time.Now(),
	})
}

func TestPaymentCompletedDeductsAllLines(t *testing.T) {
	guard := newFakeGuard()
	inventory := newFakeInventory(map[string]int64{"p-a": 10, "p-b": 10})
	publisher := &fakePublisher{}
	h := NewPaymentCompletedHandler(guard, inventory, publisher, otel.Tracer("test"))

	ev := paymentEvent(t, "o1",
		domain.OrderLine{ProductID: "p-b", Quantity: 4},
		domain.OrderLine{ProductID: "p-a", Quantity: 3},
	)
	if !h.Handle(context.Background(), ev) {
		t.Fatal("handler should ack")
	}
	if got := inventory.availableOf("p-a"); got != 7 {
		t.Fatalf("p-a available: want 7, got %d", got)
	}
	if got := inventory.availableOf("p-b"); got != 6 {
		t.Fatalf("p-b available: want 6, got %d", got)
	}
	if len(publisher.events) != 0 {
		t.Fatalf("no compensation expected, got %v", publisher.events)
	}
}

func TestPaymentCompletedIsIdempotent(t *testing.T) {
	guard := newFakeGuard()
	inventory := newFakeInventory(map[string]int64{"p-a": 10})
	h := NewPaymentCompletedHandler(guard, inventory, &fakePublisher{}, otel.Tracer("test"))

	ev := paymentEvent(t, "o1", domain.OrderLine{ProductID: "p-a", Quantity: 3})
	if !h.Handle(context.Background(), ev) {
		t.Fatal("first delivery should ack")
	}
	if !h.Handle(context.Background(), ev) {
		t.Fatal("duplicate delivery should ack without side effects")
	}

	if got := inventory.availableOf("p-a"); got != 7 {
		t.Fatalf("stock deducted more than once: available %d", got)
	}
	if guard.held() != 1 {
		t.Fatalf("want exactly one idempotency key, got %d", guard.held())
	}
}

func TestPaymentCompletedPartialShortage(t *testing.T) {
	guard := newFakeGuard()
	inventory := newFakeInventory(map[string]int64{"p-a": 10, "p-b": 4})
	publisher := &fakePublisher{}
	h := NewPaymentCompletedHandler(guard, inventory, publisher, otel.Tracer("test"))

	ev := paymentEvent(t, "o1",
		domain.OrderLine{ProductID: "p-b", Quantity: 10},
		domain.OrderLine{ProductID: "p-a", Quantity: 5},
	)
	// 缺口是预期业务结果：发布补偿事件并确认消费
	if !h.Handle(context.Background(), ev) {
		t.Fatal("shortage should still ack the event")
	}

	// 扣减按 productID 排序：p-a 成功后才轮到 p-b
	if got := inventory.availableOf("p-a"); got != 5 {
		t.Fatalf("p-a should be deducted before shortage: available %d", got)
	}
	if got := inventory.availableOf("p-b"); got != 4 {
		t.Fatalf("p-b must be untouched: available %d", got)
	}

	if len(publisher.events) != 1 {
		t.Fatalf("want one compensation event, got %d", len(publisher.events))
	}
	pub := publisher.events[0]
	if pub.eventType != domain.EventTypeInventoryInsufficient || pub.aggregateID != "o1" {
		t.Fatalf("unexpected compensation event: %+v", pub)
	}
	shortage := pub.payload.(*domain.InventoryInsufficientEvent)
	if shortage.ProductID != "p-b" || shortage.Requested != 10 || shortage.Available != 4 {
		t.Fatalf("shortage detail: %+v", shortage)
	}
	if len(shortage.DeductedLines) != 1 || shortage.DeductedLines[0].ProductID != "p-a" {
		t.Fatalf("deducted lines must list p-a: %+v", shortage.DeductedLines)
	}
}

func TestPaymentCompletedSystemErrorRollsBack(t *testing.T) {
	guard := newFakeGuard()
	inventory := newFakeInventory(map[string]int64{"p-a": 10, "p-b": 10})
	inventory.deductErr["p-b"] = errors.New("db connection lost")
	h := NewPaymentCompletedHandler(guard, inventory, &fakePublisher{}, otel.Tracer("test"))

	ev := paymentEvent(t, "o1",
		domain.OrderLine{ProductID: "p-a", Quantity: 3},
		domain.OrderLine{ProductID: "p-b", Quantity: 3},
	)
	if h.Handle(context.Background(), ev) {
		t.Fatal("system error must not ack")
	}
	// 标记被释放，已扣减的行被归还，重投从干净状态开始
	if guard.held() != 0 {
		t.Fatalf("guard must be released on system error, held %d", guard.held())
	}
	if got := inventory.availableOf("p-a"); got != 10 {
		t.Fatalf("p-a must be restocked after rollback: available %d", got)
	}
}

func TestOrderCancelledRestocksListedLines(t *testing.T) {
	guard := newFakeGuard()
	inventory := newFakeInventory(map[string]int64{"p-a": 2})
	h := NewOrderCancelledHandler(guard, inventory, otel.Tracer("test"))

	ev := outboxEvent(t, domain.EventTypeOrderCancelled, "o1", &domain.OrderCancelledEvent{
		OrderID:      "o1",
		Reason:       "inventory_insufficient",
		RestockLines: []domain.OrderLine{{ProductID: "p-a", Quantity: 5}},
		CancelledAt:  time.Now(),
	})
	if !h.Handle(context.Background(), ev) {
		t.Fatal("handler should ack")
	}
	if got := inventory.availableOf("p-a"); got != 7 {
		t.Fatalf("want 7 after restock, got %d", got)
	}

	// 重复投递不会再次归还
	if !h.Handle(context.Background(), ev) {
		t.Fatal("duplicate delivery should ack")
	}
	if got := inventory.availableOf("p-a"); got != 7 {
		t.Fatalf("duplicate delivery restocked again: %d", got)
	}
}

func TestOrderCancelledWithoutRestockLines(t *testing.T) {
	guard := newFakeGuard()
	inventory := newFakeInventory(map[string]int64{})
	h := NewOrderCancelledHandler(guard, inventory, otel.Tracer("test"))

	ev := outboxEvent(t, domain.EventTypeOrderCancelled, "o1", &domain.OrderCancelledEvent{
		OrderID:     "o1",
		Reason:      "user_requested",
		CancelledAt: time.Now(),
	})
	if !h.Handle(context.Background(), ev) {
		t.Fatal("handler should ack")
	}
	if guard.held() != 0 {
		t.Fatal("no idempotency key needed when there is nothing to restock")
	}
}

func TestInventoryInsufficientCancelsOrder(t *testing.T) {
	guard := newFakeGuard()
	repo := newFakeOrderRepo()
	order, err := domain.NewOrder("o1", "u1", []domain.OrderLine{
		{ProductID: "p-a", Quantity: 5},
		{ProductID: "p-b", Quantity: 10},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := order.MarkAsPendingPayment(); err != nil {
		t.Fatal(err)
	}
	if err := order.Pay(); err != nil {
		t.Fatal(err)
	}
	if err := repo.Create(context.Background(), order); err != nil {
		t.Fatal(err)
	}

	h := NewInventoryInsufficientHandler(guard, repo, otel.Tracer("test"))
	ev := outboxEvent(t, domain.EventTypeInventoryInsufficient, "o1", &domain.InventoryInsufficientEvent{
		OrderID:       "o1",
		ProductID:     "p-b",
		Requested:     10,
		Available:     4,
		DeductedLines: []domain.OrderLine{{ProductID: "p-a", Quantity: 5}},
		At:            time.Now(),
	})
	if !h.Handle(context.Background(), ev) {
		t.Fatal("handler should ack")
	}

	saved, err := repo.FindByID(context.Background(), "o1")
	if err != nil {
		t.Fatal(err)
	}
	if saved.State != domain.StateCancelled {
		t.Fatalf("want CANCELLED, got %s", saved.State)
	}

	if len(repo.events) != 1 || repo.events[0].Type != domain.EventTypeOrderCancelled {
		t.Fatalf("want one OrderCancelled event, got %+v", repo.events)
	}
	cancelled := repo.events[0].Payload.(*domain.OrderCancelledEvent)
	if cancelled.Reason != "inventory_insufficient" {
		t.Fatalf("reason: %s", cancelled.Reason)
	}
	if len(cancelled.RestockLines) != 1 || cancelled.RestockLines[0].ProductID != "p-a" {
		t.Fatalf("restock lines must carry the deducted lines: %+v", cancelled.RestockLines)
	}

	// 重复投递：订单已取消，直接确认且不再写事件
	if !h.Handle(context.Background(), ev) {
		t.Fatal("duplicate delivery should ack")
	}
	if len(repo.events) != 1 {
		t.Fatalf("duplicate delivery produced extra events: %d", len(repo.events))
	}
}
