// internal/service/inventory/application/ledger_test.go
package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"hanghae/internal/service/inventory/domain"

	"go.opentelemetry.io/otel"
)

// fakeStockRepo 用互斥锁模拟行锁语义：同一时刻只有一个事务在执行，
// 事务内的修改先暂存，fn 返回 nil 才提交。
type fakeStockRepo struct {
	mu           sync.Mutex
	units        map[string]*domain.StockUnit
	reservations map[string]*domain.Reservation
}

func newFakeStockRepo() *fakeStockRepo {
	return &fakeStockRepo{
		units:        make(map[string]*domain.StockUnit),
		reservations: make(map[string]*domain.Reservation),
	}
}

func (r *fakeStockRepo) CreateStockUnit(ctx context.Context, unit *domain.StockUnit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *unit
	r.units[unit.ProductID] = &cp
	return nil
}

func (r *fakeStockRepo) FindStockUnit(ctx context.Context, productID string) (*domain.StockUnit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	unit, ok := r.units[productID]
	if !ok {
		return nil, &domain.Error{Kind: domain.KindNotFound, ProductID: productID}
	}
	cp := *unit
	return &cp, nil
}

func (r *fakeStockRepo) InTx(ctx context.Context, fn func(tx domain.TxStockRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &fakeTx{
		repo:         r,
		units:        make(map[string]*domain.StockUnit),
		reservations: make(map[string]*domain.Reservation),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type fakeTx struct {
	repo         *fakeStockRepo
	units        map[string]*domain.StockUnit
	reservations map[string]*domain.Reservation
}

func (t *fakeTx) commit() {
	for id, u := range t.units {
		t.repo.units[id] = u
	}
	for id, r := range t.reservations {
		t.repo.reservations[id] = r
	}
}

func (t *fakeTx) LockStockUnit(ctx context.Context, productID string) (*domain.StockUnit, error) {
	if u, ok := t.units[productID]; ok {
		return u, nil
	}
	u, ok := t.repo.units[productID]
	if !ok {
		return nil, &domain.Error{Kind: domain.KindNotFound, ProductID: productID}
	}
	cp := *u
	return &cp, nil
}

func (t *fakeTx) SaveStockUnit(ctx context.Context, unit *domain.StockUnit) error {
	unit.Version++
	cp := *unit
	t.units[unit.ProductID] = &cp
	return nil
}

func (t *fakeTx) CreateReservation(ctx context.Context, r *domain.Reservation) error {
	cp := *r
	t.reservations[r.ID] = &cp
	return nil
}

func (t *fakeTx) LockReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	if r, ok := t.reservations[id]; ok {
		return r, nil
	}
	r, ok := t.repo.reservations[id]
	if !ok {
		return nil, &domain.Error{Kind: domain.KindNotFound, ReservationID: id}
	}
	cp := *r
	return &cp, nil
}

func (t *fakeTx) SaveReservation(ctx context.Context, r *domain.Reservation) error {
	cp := *r
	t.reservations[r.ID] = &cp
	return nil
}

func (t *fakeTx) FindExpiredReservations(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error) {
	var due []*domain.Reservation
	for _, r := range t.repo.reservations {
		if r.Status == domain.StatusReserved && r.IsExpired(now) {
			cp := *r
			due = append(due, &cp)
			if len(due) >= limit {
				break
			}
		}
	}
	return due, nil
}

func newTestLedger(t *testing.T, ttl time.Duration) (*InventoryLedger, *fakeStockRepo) {
	t.Helper()
	repo := newFakeStockRepo()
	return NewInventoryLedger(repo, ttl, otel.Tracer("test")), repo
}

func mustStock(t *testing.T, ledger *InventoryLedger, productID string) *domain.StockUnit {
	t.Helper()
	unit, err := ledger.GetStockUnit(context.Background(), productID)
	if err != nil {
		t.Fatalf("GetStockUnit(%s): %v", productID, err)
	}
	return unit
}

func TestReserveConfirmRoundTrip(t *testing.T) {
	ledger, _ := newTestLedger(t, time.Hour)
	ctx := context.Background()
	if err := ledger.OnboardProduct(ctx, "p1", 100); err != nil {
		t.Fatal(err)
	}

	res, err := ledger.Reserve(ctx, "p1", "order-1", 30)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	unit := mustStock(t, ledger, "p1")
	if unit.OnHandQuantity != 100 || unit.ReservedQuantity != 30 || unit.Available() != 70 {
		t.Fatalf("after reserve: onHand=%d reserved=%d", unit.OnHandQuantity, unit.ReservedQuantity)
	}

	if _, err := ledger.ConfirmReservation(ctx, res.ID); err != nil {
		t.Fatalf("ConfirmReservation: %v", err)
	}
	unit = mustStock(t, ledger, "p1")
	if unit.OnHandQuantity != 70 || unit.ReservedQuantity != 0 {
		t.Fatalf("after confirm: onHand=%d reserved=%d", unit.OnHandQuantity, unit.ReservedQuantity)
	}

	// 重复确认被状态机拒绝，不会二次扣减
	if _, err := ledger.ConfirmReservation(ctx, res.ID); !domain.IsKind(err, domain.KindInvalidState) {
		t.Fatalf("double confirm: want InvalidState, got %v", err)
	}
	unit = mustStock(t, ledger, "p1")
	if unit.OnHandQuantity != 70 {
		t.Fatalf("double confirm changed stock: onHand=%d", unit.OnHandQuantity)
	}
}

func TestReserveCancelRestoresAvailability(t *testing.T) {
	ledger, _ := newTestLedger(t, time.Hour)
	ctx := context.Background()
	if err := ledger.OnboardProduct(ctx, "p1", 10); err != nil {
		t.Fatal(err)
	}

	res, err := ledger.Reserve(ctx, "p1", "order-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	// 全部预占后再预占应失败
	if _, err := ledger.Reserve(ctx, "p1", "order-2", 1); !domain.IsKind(err, domain.KindInsufficientStock) {
		t.Fatalf("want InsufficientStock, got %v", err)
	}

	if _, err := ledger.CancelReservation(ctx, res.ID); err != nil {
		t.Fatal(err)
	}
	unit := mustStock(t, ledger, "p1")
	if unit.OnHandQuantity != 10 || unit.ReservedQuantity != 0 {
		t.Fatalf("after cancel: onHand=%d reserved=%d", unit.OnHandQuantity, unit.ReservedQuantity)
	}
}

func TestInsufficientStockCarriesContext(t *testing.T) {
	ledger, _ := newTestLedger(t, time.Hour)
	ctx := context.Background()
	if err := ledger.OnboardProduct(ctx, "p1", 3); err != nil {
		t.Fatal(err)
	}

	_, err := ledger.Reserve(ctx, "p1", "order-1", 5)
	e, ok := domain.AsError(err)
	if !ok || e.Kind != domain.KindInsufficientStock {
		t.Fatalf("want structured InsufficientStock, got %v", err)
	}
	if e.ProductID != "p1" || e.Requested != 5 || e.Available != 3 {
		t.Fatalf("error context: %+v", e)
	}
}

func TestConcurrentDeductDrainsToZero(t *testing.T) {
	ledger, _ := newTestLedger(t, time.Hour)
	ctx := context.Background()
	if err := ledger.OnboardProduct(ctx, "p1", 100); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.DeductStock(ctx, "p1", 10); err != nil {
				t.Errorf("DeductStock: %v", err)
			}
		}()
	}
	wg.Wait()

	unit := mustStock(t, ledger, "p1")
	if unit.OnHandQuantity != 0 {
		t.Fatalf("want 0 on hand, got %d", unit.OnHandQuantity)
	}
}

func TestConcurrentDeductOversubscribed(t *testing.T) {
	ledger, _ := newTestLedger(t, time.Hour)
	ctx := context.Background()
	if err := ledger.OnboardProduct(ctx, "p1", 50); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, rejected := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.DeductStock(ctx, "p1", 10)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case domain.IsKind(err, domain.KindInsufficientStock):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 5 || rejected != 5 {
		t.Fatalf("want 5 ok / 5 insufficient, got %d / %d", succeeded, rejected)
	}
	if unit := mustStock(t, ledger, "p1"); unit.OnHandQuantity != 0 {
		t.Fatalf("want 0 on hand, got %d", unit.OnHandQuantity)
	}
}

func TestDeductRestockRoundTrip(t *testing.T) {
	ledger, _ := newTestLedger(t, time.Hour)
	ctx := context.Background()
	if err := ledger.OnboardProduct(ctx, "p1", 20); err != nil {
		t.Fatal(err)
	}

	if _, err := ledger.DeductStock(ctx, "p1", 15); err != nil {
		t.Fatal(err)
	}
	if _, err := ledger.RestockInventory(ctx, "p1", 15); err != nil {
		t.Fatal(err)
	}
	if unit := mustStock(t, ledger, "p1"); unit.OnHandQuantity != 20 {
		t.Fatalf("want 20 on hand, got %d", unit.OnHandQuantity)
	}
}

func TestExpireDueReservations(t *testing.T) {
	// TTL 为负使预占立刻过期
	ledger, _ := newTestLedger(t, -time.Second)
	ctx := context.Background()
	if err := ledger.OnboardProduct(ctx, "p1", 10); err != nil {
		t.Fatal(err)
	}

	if _, err := ledger.Reserve(ctx, "p1", "order-1", 4); err != nil {
		t.Fatal(err)
	}
	if _, err := ledger.Reserve(ctx, "p1", "order-2", 3); err != nil {
		t.Fatal(err)
	}

	released, err := ledger.ExpireDueReservations(ctx, time.Now(), 100)
	if err != nil {
		t.Fatal(err)
	}
	if released != 2 {
		t.Fatalf("want 2 released, got %d", released)
	}
	unit := mustStock(t, ledger, "p1")
	if unit.ReservedQuantity != 0 || unit.OnHandQuantity != 10 {
		t.Fatalf("after sweep: onHand=%d reserved=%d", unit.OnHandQuantity, unit.ReservedQuantity)
	}

	// 过期的预占不能再被确认
	res, err := ledger.Reserve(ctx, "p1", "order-3", 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ledger.ConfirmReservation(ctx, res.ID); !domain.IsKind(err, domain.KindReservationExpired) {
		t.Fatalf("want ReservationExpired, got %v", err)
	}
}
