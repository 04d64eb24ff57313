// internal/service/promotion/application/allocator.go
package application

import (
	"context"
	"sync"
	"time"

	"hanghae/internal/pkg/logger"
	"hanghae/internal/pkg/metrics"
	"hanghae/internal/service/promotion/domain"
	"hanghae/internal/service/promotion/port"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const recordPersistTimeout = 5 * time.Second

// CouponAllocator 是限量优惠券分配的核心业务用例。
// 原子性完全由 port.AllocationStore 承担；这一层负责资格校验、
// 售罄快速路径和成功分配的异步落库。
type CouponAllocator struct {
	couponRepo domain.CouponRepository
	allocRepo  domain.AllocationRecordRepository
	store      port.AllocationStore
	rules      domain.RuleEngine
	tracer     trace.Tracer

	// soldOut 是进程内的售罄快速路径：一旦某券确认售罄，
	// 后续请求不再访问 Redis。只是优化，不是正确性来源，
	// 多实例之间不同步也没有关系。
	soldOut sync.Map // couponID → struct{}

	wg sync.WaitGroup
}

// NewCouponAllocator 创建优惠券分配器。
func NewCouponAllocator(
	couponRepo domain.CouponRepository,
	allocRepo domain.AllocationRecordRepository,
	store port.AllocationStore,
	rules domain.RuleEngine,
	tracer trace.Tracer,
) *CouponAllocator {
	return &CouponAllocator{
		couponRepo: couponRepo,
		allocRepo:  allocRepo,
		store:      store,
		rules:      rules,
		tracer:     tracer,
	}
}

// Allocate 为一个用户尝试领取一张限量优惠券。
// AlreadyIssued / SoldOut 是预期业务结果，通过 outcome 返回而不是 error。
func (a *CouponAllocator) Allocate(ctx context.Context, couponID string, fact domain.Fact) (domain.AllocationOutcome, error) {
	ctx, span := a.tracer.Start(ctx, "allocator.Allocate")
	defer span.End()

	span.SetAttributes(
		attribute.String("coupon.id", couponID),
		attribute.String("user.id", fact.UserID),
	)

	// 1. 售罄快速路径：已知售罄的券直接拒绝，不访问任何存储
	if _, done := a.soldOut.Load(couponID); done {
		metrics.CouponAllocations.WithLabelValues(domain.OutcomeSoldOut.String()).Inc()
		return domain.OutcomeSoldOut, nil
	}

	// 2. 校验券的存在性、有效期和资格规则
	if err := a.CheckEligibility(ctx, couponID, fact); err != nil {
		span.RecordError(err)
		return 0, err
	}

	// 3. 原子分配步骤
	outcome, err := a.store.TryAllocate(ctx, couponID, fact.UserID)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.String("allocation.outcome", outcome.String()))
	metrics.CouponAllocations.WithLabelValues(outcome.String()).Inc()

	switch outcome {
	case domain.OutcomeSoldOut:
		a.soldOut.Store(couponID, struct{}{})
		logger.Ctx(ctx).Info().
			Str("coupon_id", couponID).
			Msg("ℹ️ 优惠券已售罄，进入快速拒绝路径")
	case domain.OutcomeAllocated:
		// 4. 异步落库，不阻塞领取路径。权威状态在 Redis，
		//    落库失败只影响镜像记录，重放时唯一键冲突视为成功。
		a.wg.Add(1)
		go a.persistRecord(couponID, fact.UserID)
	}

	return outcome, nil
}

// CheckEligibility 校验券的存在性、有效期和资格规则。
// 排队发放在入队前调用它，让注定失败的请求不占用队列容量。
func (a *CouponAllocator) CheckEligibility(ctx context.Context, couponID string, fact domain.Fact) error {
	coupon, err := a.couponRepo.FindByID(ctx, couponID)
	if err != nil {
		return err
	}
	if !coupon.IsActive(time.Now()) {
		return domain.ErrCouponInactive
	}
	if coupon.EligibilityRule != "" {
		passed, err := a.rules.Evaluate(coupon.EligibilityRule, fact)
		if err != nil {
			return err
		}
		if !passed {
			return domain.ErrNotEligible
		}
	}
	return nil
}

func (a *CouponAllocator) persistRecord(couponID, userID string) {
	defer a.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), recordPersistTimeout)
	defer cancel()

	record := &domain.AllocationRecord{
		CouponID:    couponID,
		UserID:      userID,
		AllocatedAt: time.Now(),
	}
	if err := a.allocRepo.Create(ctx, record); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("coupon_id", couponID).
			Str("user_id", userID).
			Msg("🚨 分配记录落库失败，Redis 中的权威状态不受影响")
	}
}

// CreateCoupon 创建优惠券定义并初始化分配存储。
func (a *CouponAllocator) CreateCoupon(ctx context.Context, coupon *domain.Coupon) error {
	ctx, span := a.tracer.Start(ctx, "allocator.CreateCoupon")
	defer span.End()

	span.SetAttributes(
		attribute.String("coupon.id", coupon.ID),
		attribute.Int64("coupon.total_quantity", coupon.TotalQuantity),
	)

	if err := a.couponRepo.Create(ctx, coupon); err != nil {
		span.RecordError(err)
		return err
	}
	if err := a.store.PrepareCoupon(ctx, coupon.ID, coupon.TotalQuantity); err != nil {
		span.RecordError(err)
		return err
	}
	a.soldOut.Delete(coupon.ID)

	logger.Ctx(ctx).Info().
		Str("coupon_id", coupon.ID).
		Int64("total_quantity", coupon.TotalQuantity).
		Msg("✅ 优惠券已创建并完成分配存储初始化")
	return nil
}

// Remaining 返回券的剩余名额。
func (a *CouponAllocator) Remaining(ctx context.Context, couponID string) (int64, error) {
	return a.store.Remaining(ctx, couponID)
}

// Wait 等待所有在途的异步落库完成，用于优雅关闭和测试。
func (a *CouponAllocator) Wait() {
	a.wg.Wait()
}
