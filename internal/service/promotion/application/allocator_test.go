// internal/service/promotion/application/allocator_test.go
package application

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hanghae/internal/service/promotion/domain"

	"go.opentelemetry.io/otel"
)

// fakeAllocationStore 用互斥锁重现 Lua 脚本的原子语义。
type fakeAllocationStore struct {
	mu     sync.Mutex
	totals map[string]int64
	issued map[string]map[string]bool
	calls  int64 // TryAllocate 调用计数，用于验证售罄快速路径
}

func newFakeAllocationStore() *fakeAllocationStore {
	return &fakeAllocationStore{
		totals: make(map[string]int64),
		issued: make(map[string]map[string]bool),
	}
}

func (s *fakeAllocationStore) TryAllocate(ctx context.Context, couponID, userID string) (domain.AllocationOutcome, error) {
	atomic.AddInt64(&s.calls, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.issued[couponID]
	if set == nil {
		set = make(map[string]bool)
		s.issued[couponID] = set
	}
	if set[userID] {
		return domain.OutcomeAlreadyIssued, nil
	}
	if int64(len(set)) >= s.totals[couponID] {
		return domain.OutcomeSoldOut, nil
	}
	set[userID] = true
	return domain.OutcomeAllocated, nil
}

func (s *fakeAllocationStore) Release(ctx context.Context, couponID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.issued[couponID], userID)
	return nil
}

func (s *fakeAllocationStore) PrepareCoupon(ctx context.Context, couponID string, totalQuantity int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totals[couponID] = totalQuantity
	s.issued[couponID] = make(map[string]bool)
	return nil
}

func (s *fakeAllocationStore) Remaining(ctx context.Context, couponID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals[couponID] - int64(len(s.issued[couponID])), nil
}

type fakeCouponRepo struct {
	mu      sync.Mutex
	coupons map[string]*domain.Coupon
}

func newFakeCouponRepo() *fakeCouponRepo {
	return &fakeCouponRepo{coupons: make(map[string]*domain.Coupon)}
}

func (r *fakeCouponRepo) Create(ctx context.Context, coupon *domain.Coupon) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *coupon
	r.coupons[coupon.ID] = &cp
	return nil
}

func (r *fakeCouponRepo) FindByID(ctx context.Context, id string) (*domain.Coupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.coupons[id]
	if !ok {
		return nil, domain.ErrCouponNotFound
	}
	cp := *c
	return &cp, nil
}

type fakeAllocationRecordRepo struct {
	mu      sync.Mutex
	records map[string]bool // couponID/userID
}

func newFakeAllocationRecordRepo() *fakeAllocationRecordRepo {
	return &fakeAllocationRecordRepo{records: make(map[string]bool)}
}

func (r *fakeAllocationRecordRepo) Create(ctx context.Context, record *domain.AllocationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.CouponID+"/"+record.UserID] = true
	return nil
}

func (r *fakeAllocationRecordRepo) CountByCoupon(ctx context.Context, couponID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for key := range r.records {
		if len(key) > len(couponID) && key[:len(couponID)] == couponID {
			n++
		}
	}
	return n, nil
}

type passRuleEngine struct{}

func (passRuleEngine) Evaluate(rule string, fact domain.Fact) (bool, error) { return true, nil }

type denyRuleEngine struct{}

func (denyRuleEngine) Evaluate(rule string, fact domain.Fact) (bool, error) { return false, nil }

func newTestAllocator(t *testing.T, rules domain.RuleEngine) (*CouponAllocator, *fakeAllocationStore, *fakeAllocationRecordRepo) {
	t.Helper()
	store := newFakeAllocationStore()
	allocRepo := newFakeAllocationRecordRepo()
	allocator := NewCouponAllocator(newFakeCouponRepo(), allocRepo, store, rules, otel.Tracer("test"))
	return allocator, store, allocRepo
}

func createCoupon(t *testing.T, a *CouponAllocator, id string, total int64, rule string) {
	t.Helper()
	err := a.CreateCoupon(context.Background(), &domain.Coupon{
		ID:              id,
		Name:            id,
		TotalQuantity:   total,
		EligibilityRule: rule,
	})
	if err != nil {
		t.Fatalf("CreateCoupon: %v", err)
	}
}

func runConcurrentAllocations(t *testing.T, a *CouponAllocator, couponID string, users int) map[domain.AllocationOutcome]int {
	t.Helper()
	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := make(map[domain.AllocationOutcome]int)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			outcome, err := a.Allocate(context.Background(), couponID, domain.Fact{UserID: userID})
			if err != nil {
				t.Errorf("Allocate(%s): %v", userID, err)
				return
			}
			mu.Lock()
			outcomes[outcome]++
			mu.Unlock()
		}(fmt.Sprintf("user-%d", i))
	}
	wg.Wait()
	return outcomes
}

func TestAllocateExactQuantity(t *testing.T) {
	allocator, _, allocRepo := newTestAllocator(t, passRuleEngine{})
	createCoupon(t, allocator, "c1", 10, "")

	outcomes := runConcurrentAllocations(t, allocator, "c1", 20)
	if outcomes[domain.OutcomeAllocated] != 10 || outcomes[domain.OutcomeSoldOut] != 10 {
		t.Fatalf("want 10 allocated / 10 sold out, got %v", outcomes)
	}

	allocator.Wait()
	count, err := allocRepo.CountByCoupon(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 10 {
		t.Fatalf("want 10 persisted records, got %d", count)
	}
}

func TestAllocateHighContention(t *testing.T) {
	allocator, _, _ := newTestAllocator(t, passRuleEngine{})
	createCoupon(t, allocator, "c1", 100, "")

	outcomes := runConcurrentAllocations(t, allocator, "c1", 1000)
	if outcomes[domain.OutcomeAllocated] != 100 {
		t.Fatalf("want exactly 100 allocated, got %d", outcomes[domain.OutcomeAllocated])
	}
	if outcomes[domain.OutcomeSoldOut] != 900 {
		t.Fatalf("want 900 sold out, got %d", outcomes[domain.OutcomeSoldOut])
	}
	allocator.Wait()
}

func TestAllocateSameUserOnlyOnce(t *testing.T) {
	allocator, _, _ := newTestAllocator(t, passRuleEngine{})
	createCoupon(t, allocator, "c1", 1000, "")

	var wg sync.WaitGroup
	var allocated, duplicate int64
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := allocator.Allocate(context.Background(), "c1", domain.Fact{UserID: "user-1"})
			if err != nil {
				t.Errorf("Allocate: %v", err)
				return
			}
			switch outcome {
			case domain.OutcomeAllocated:
				atomic.AddInt64(&allocated, 1)
			case domain.OutcomeAlreadyIssued:
				atomic.AddInt64(&duplicate, 1)
			}
		}()
	}
	wg.Wait()
	allocator.Wait()

	if allocated != 1 || duplicate != 99 {
		t.Fatalf("want 1 allocated / 99 duplicates, got %d / %d", allocated, duplicate)
	}
}

func TestSoldOutFastPathSkipsStore(t *testing.T) {
	allocator, store, _ := newTestAllocator(t, passRuleEngine{})
	createCoupon(t, allocator, "c1", 1, "")

	ctx := context.Background()
	if outcome, _ := allocator.Allocate(ctx, "c1", domain.Fact{UserID: "u1"}); outcome != domain.OutcomeAllocated {
		t.Fatalf("first allocation should succeed, got %v", outcome)
	}
	if outcome, _ := allocator.Allocate(ctx, "c1", domain.Fact{UserID: "u2"}); outcome != domain.OutcomeSoldOut {
		t.Fatalf("second allocation should be sold out, got %v", outcome)
	}

	callsBefore := atomic.LoadInt64(&store.calls)
	for i := 0; i < 10; i++ {
		outcome, err := allocator.Allocate(ctx, "c1", domain.Fact{UserID: fmt.Sprintf("late-%d", i)})
		if err != nil || outcome != domain.OutcomeSoldOut {
			t.Fatalf("fast path: outcome=%v err=%v", outcome, err)
		}
	}
	if got := atomic.LoadInt64(&store.calls); got != callsBefore {
		t.Fatalf("sold-out fast path hit the store: calls %d -> %d", callsBefore, got)
	}
	allocator.Wait()
}

func TestAllocateRejectsIneligibleUser(t *testing.T) {
	allocator, _, _ := newTestAllocator(t, denyRuleEngine{})
	createCoupon(t, allocator, "c1", 10, `is_vip`)

	_, err := allocator.Allocate(context.Background(), "c1", domain.Fact{UserID: "u1"})
	if err != domain.ErrNotEligible {
		t.Fatalf("want ErrNotEligible, got %v", err)
	}
}

func TestAllocateRejectsInactiveCoupon(t *testing.T) {
	allocator, _, _ := newTestAllocator(t, passRuleEngine{})
	err := allocator.CreateCoupon(context.Background(), &domain.Coupon{
		ID:            "expired",
		TotalQuantity: 10,
		ValidTo:       time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = allocator.Allocate(context.Background(), "expired", domain.Fact{UserID: "u1"})
	if err != domain.ErrCouponInactive {
		t.Fatalf("want ErrCouponInactive, got %v", err)
	}
}
