// internal/service/promotion/application/queue_worker.go
package application

import (
	"context"
	"sync"
	"time"

	"hanghae/internal/pkg/logger"
	"hanghae/internal/pkg/metrics"
	"hanghae/internal/service/promotion/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const issuanceTimeout = 10 * time.Second

// issueRequest 是排队中的一次发放请求。
type issueRequest struct {
	record *domain.IssuanceRecord
	fact   domain.Fact
}

// couponQueue 是单个优惠券的有界入队通道与消费协程。
type couponQueue struct {
	requests chan issueRequest
}

// CouponQueueWorker 为每个优惠券维护一条有界接纳队列。
// 队列容量按 剩余名额+松弛量 计算：注定失败的请求在入队时就被拒绝，
// 而不是排到队尾才发现售罄。每个券由单个消费协程顺序排空，
// 发放压力被整形为对分配存储的串行访问。
type CouponQueueWorker struct {
	allocator    *CouponAllocator
	issuanceRepo domain.IssuanceRepository
	queueSlack   int64

	mu     sync.RWMutex
	queues map[string]*couponQueue

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewCouponQueueWorker 创建队列工作器。slack 是容量松弛量，
// 用来吸纳"排队中但最终会失败"的边界请求。
func NewCouponQueueWorker(allocator *CouponAllocator, issuanceRepo domain.IssuanceRepository, slack int64) *CouponQueueWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &CouponQueueWorker{
		allocator:    allocator,
		issuanceRepo: issuanceRepo,
		queueSlack:   slack,
		queues:       make(map[string]*couponQueue),
		baseCtx:      ctx,
		cancel:       cancel,
	}
}

// RegisterCoupon 为一个优惠券开启排队发放。容量取注册时的剩余名额加松弛量，
// 之后不再调整。重复注册是幂等的。
func (w *CouponQueueWorker) RegisterCoupon(ctx context.Context, couponID string) error {
	w.mu.RLock()
	_, exists := w.queues[couponID]
	w.mu.RUnlock()
	if exists {
		return nil
	}

	remaining, err := w.allocator.Remaining(ctx, couponID)
	if err != nil {
		return errors.Wrapf(err, "failed to size intake queue for coupon %s", couponID)
	}
	capacity := remaining + w.queueSlack
	if capacity < 1 {
		capacity = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.queues[couponID]; exists {
		return nil
	}
	q := &couponQueue{requests: make(chan issueRequest, capacity)}
	w.queues[couponID] = q

	w.wg.Add(1)
	go w.consume(couponID, q)

	logger.Ctx(ctx).Info().
		Str("coupon_id", couponID).
		Int64("queue_capacity", capacity).
		Msg("✅ 优惠券排队发放已开启")
	return nil
}

// Enqueue 尝试把一次发放请求放入队列。
// 队列已满时立即返回 domain.ErrQueueFull，不阻塞调用方。
// 成功入队返回 Waiting 状态的发放记录 ID，调用方可据此轮询终态。
func (w *CouponQueueWorker) Enqueue(ctx context.Context, couponID string, fact domain.Fact) (string, error) {
	w.mu.RLock()
	q, ok := w.queues[couponID]
	w.mu.RUnlock()
	if !ok {
		return "", errors.Errorf("coupon %s is not registered for queued issuance", couponID)
	}

	// 资格不符的请求在入队前就拒绝，不占用队列容量
	if err := w.allocator.CheckEligibility(ctx, couponID, fact); err != nil {
		return "", err
	}

	record := &domain.IssuanceRecord{
		ID:        uuid.NewString(),
		CouponID:  couponID,
		UserID:    fact.UserID,
		Status:    domain.IssuanceWaiting,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	// Waiting 记录必须先于入队落库：消费协程取到请求后立刻更新状态，
	// 先入队会让状态更新与插入赛跑，更新落在一条还不存在的行上
	if err := w.issuanceRepo.Create(ctx, record); err != nil {
		return "", errors.Wrapf(err, "failed to persist waiting record for coupon %s", couponID)
	}

	select {
	case q.requests <- issueRequest{record: record, fact: fact}:
	default:
		metrics.QueueRejections.Inc()
		if err := w.issuanceRepo.Delete(ctx, record.ID); err != nil {
			logger.Ctx(ctx).Error().Err(err).
				Str("issuance_id", record.ID).
				Msg("⚠️ 入队被拒后清理 Waiting 记录失败")
		}
		return "", domain.ErrQueueFull
	}
	return record.ID, nil
}

// consume 是单个优惠券的消费协程，顺序排空队列。
func (w *CouponQueueWorker) consume(couponID string, q *couponQueue) {
	defer w.wg.Done()
	for {
		select {
		case <-w.baseCtx.Done():
			return
		case req := <-q.requests:
			w.process(couponID, req)
		}
	}
}

func (w *CouponQueueWorker) process(couponID string, req issueRequest) {
	ctx, cancel := context.WithTimeout(w.baseCtx, issuanceTimeout)
	defer cancel()

	record := req.record
	record.MarkProcessing()
	if err := w.issuanceRepo.Update(ctx, record); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("issuance_id", record.ID).
			Msg("⚠️ 发放记录状态更新失败，继续处理")
	}

	outcome, err := w.allocator.Allocate(ctx, couponID, req.fact)
	switch {
	case err != nil:
		record.Fail("error")
		logger.Ctx(ctx).Error().Err(err).
			Str("coupon_id", couponID).
			Str("user_id", req.fact.UserID).
			Msg("🚨 排队发放执行失败")
	case outcome == domain.OutcomeAllocated:
		record.Complete()
	default:
		record.Fail(outcome.String())
	}

	if err := w.issuanceRepo.Update(ctx, record); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("issuance_id", record.ID).
			Msg("🚨 发放终态落库失败")
	}
}

// Stop 停止所有消费协程并等待退出。队列中尚未处理的请求保持 Waiting 状态。
func (w *CouponQueueWorker) Stop() {
	w.cancel()
	w.wg.Wait()
}
