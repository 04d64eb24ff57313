// internal/service/promotion/application/queue_worker_test.go
package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"hanghae/internal/service/promotion/domain"

	"go.opentelemetry.io/otel"
)

// blockingStore 在 gate 打开前挂住所有 TryAllocate 调用，
// 用来让消费协程停在处理中，使入队容量的断言变得确定。
type blockingStore struct {
	*fakeAllocationStore
	gate    chan struct{}
	started chan struct{}
}

func (s *blockingStore) TryAllocate(ctx context.Context, couponID, userID string) (domain.AllocationOutcome, error) {
	select {
	case s.started <- struct{}{}:
	default:
	}
	<-s.gate
	return s.fakeAllocationStore.TryAllocate(ctx, couponID, userID)
}

// fakeIssuanceRepo 复刻 gorm 的语义：Update 对不存在的行静默空转
// （WHERE 不命中、RowsAffected 为 0、无错误），丢失的更新单独计数。
type fakeIssuanceRepo struct {
	mu            sync.Mutex
	records       map[string]*domain.IssuanceRecord
	createDelay   time.Duration
	missedUpdates int
}

func newFakeIssuanceRepo() *fakeIssuanceRepo {
	return &fakeIssuanceRepo{records: make(map[string]*domain.IssuanceRecord)}
}

func (r *fakeIssuanceRepo) Create(ctx context.Context, record *domain.IssuanceRecord) error {
	if r.createDelay > 0 {
		time.Sleep(r.createDelay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *record
	r.records[record.ID] = &cp
	return nil
}

func (r *fakeIssuanceRepo) Update(ctx context.Context, record *domain.IssuanceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[record.ID]; !ok {
		r.missedUpdates++
		return nil
	}
	cp := *record
	r.records[record.ID] = &cp
	return nil
}

func (r *fakeIssuanceRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
	return nil
}

func (r *fakeIssuanceRepo) recordCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *fakeIssuanceRepo) lostUpdates() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.missedUpdates
}

func (r *fakeIssuanceRepo) countByStatus(status domain.IssuanceStatus) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.Status == status {
			n++
		}
	}
	return n
}

func TestQueueAdmissionBoundedByCapacity(t *testing.T) {
	store := &blockingStore{
		fakeAllocationStore: newFakeAllocationStore(),
		gate:                make(chan struct{}),
		started:             make(chan struct{}, 1),
	}
	issuanceRepo := newFakeIssuanceRepo()
	allocator := NewCouponAllocator(newFakeCouponRepo(), newFakeAllocationRecordRepo(), store, passRuleEngine{}, otel.Tracer("test"))
	worker := NewCouponQueueWorker(allocator, issuanceRepo, 0)
	defer worker.Stop()

	ctx := context.Background()
	createCoupon(t, allocator, "c1", 10, "")
	// 剩余 10 + 松弛 0 = 容量 10
	if err := worker.RegisterCoupon(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	// 第一个请求被消费协程取走并卡在分配步骤上，此后队列容量稳定为 10
	if _, err := worker.Enqueue(ctx, "c1", domain.Fact{UserID: "user-blocked"}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-store.started:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never started processing")
	}

	admitted, rejected := 0, 0
	for i := 0; i < 20; i++ {
		_, err := worker.Enqueue(ctx, "c1", domain.Fact{UserID: fmt.Sprintf("user-%d", i)})
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, domain.ErrQueueFull):
			rejected++
		default:
			t.Fatalf("unexpected enqueue error: %v", err)
		}
	}
	if admitted != 10 || rejected != 10 {
		t.Fatalf("want 10 admitted / 10 rejected, got %d / %d", admitted, rejected)
	}

	// 放开闸门，等待全部请求走到终态
	close(store.gate)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		done := issuanceRepo.countByStatus(domain.IssuanceCompleted) + issuanceRepo.countByStatus(domain.IssuanceFailed)
		if done == 11 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// 总量 10：被卡住的请求 + 10 个入队请求中恰好 10 个成功，1 个售罄失败
	if got := issuanceRepo.countByStatus(domain.IssuanceCompleted); got != 10 {
		t.Fatalf("want 10 completed, got %d", got)
	}
	if got := issuanceRepo.countByStatus(domain.IssuanceFailed); got != 1 {
		t.Fatalf("want 1 failed, got %d", got)
	}
	// 被拒绝的 10 个请求不留下任何记录
	if got := issuanceRepo.recordCount(); got != 11 {
		t.Fatalf("want 11 records total, got %d", got)
	}
	allocator.Wait()
}

func TestEnqueuePersistsRecordBeforeAdmission(t *testing.T) {
	issuanceRepo := newFakeIssuanceRepo()
	issuanceRepo.createDelay = 20 * time.Millisecond
	allocator, _, _ := newTestAllocator(t, passRuleEngine{})
	worker := NewCouponQueueWorker(allocator, issuanceRepo, 0)
	defer worker.Stop()

	ctx := context.Background()
	createCoupon(t, allocator, "c1", 5, "")
	if err := worker.RegisterCoupon(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	// Waiting 记录插入慢于消费协程的第一次状态更新时，
	// 入队先于落库会让两次更新都打在不存在的行上，记录永远停在 WAITING
	id, err := worker.Enqueue(ctx, "c1", domain.Fact{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if issuanceRepo.countByStatus(domain.IssuanceCompleted) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := issuanceRepo.countByStatus(domain.IssuanceCompleted); got != 1 {
		t.Fatalf("issuance %s never reached a terminal state", id)
	}
	if got := issuanceRepo.lostUpdates(); got != 0 {
		t.Fatalf("%d status updates hit a not-yet-created row", got)
	}
	allocator.Wait()
}

func TestEnqueueRejectsIneligibleBeforeAdmission(t *testing.T) {
	allocator, _, _ := newTestAllocator(t, denyRuleEngine{})
	issuanceRepo := newFakeIssuanceRepo()
	worker := NewCouponQueueWorker(allocator, issuanceRepo, 0)
	defer worker.Stop()

	ctx := context.Background()
	createCoupon(t, allocator, "vip-only", 10, "is_vip")
	if err := worker.RegisterCoupon(ctx, "vip-only"); err != nil {
		t.Fatal(err)
	}

	if _, err := worker.Enqueue(ctx, "vip-only", domain.Fact{UserID: "u1"}); !errors.Is(err, domain.ErrNotEligible) {
		t.Fatalf("want ErrNotEligible, got %v", err)
	}
	// 被拒绝的请求不产生任何发放记录
	if got := issuanceRepo.recordCount(); got != 0 {
		t.Fatalf("rejected request must leave no issuance record, got %d", got)
	}
}

func TestEnqueueUnregisteredCoupon(t *testing.T) {
	allocator, _, _ := newTestAllocator(t, passRuleEngine{})
	worker := NewCouponQueueWorker(allocator, newFakeIssuanceRepo(), 0)
	defer worker.Stop()

	if _, err := worker.Enqueue(context.Background(), "nope", domain.Fact{UserID: "u1"}); err == nil {
		t.Fatal("enqueue on unregistered coupon should fail")
	}
}
