// internal/service/promotion/domain/coupon.go
package domain

import (
	"errors"
	"time"
)

var (
	ErrCouponNotFound = errors.New("coupon not found")
	ErrCouponInactive = errors.New("coupon is outside its validity window")
	// ErrQueueFull 是入队时的预期业务结果：队列容量已满，请求被立即拒绝。
	ErrQueueFull = errors.New("coupon intake queue is full")
	ErrNotEligible = errors.New("user is not eligible for this coupon")
)

// Coupon 是限量优惠券的定义。issuedCount 只增不减，
// 且在任何并发下都不会超过 TotalQuantity——这由分配器的原子步骤保证，
// 数据库中的计数只是异步落库的镜像。
type Coupon struct {
	ID            string
	Name          string
	TotalQuantity int64
	ValidFrom     time.Time
	ValidTo       time.Time
	// EligibilityRule 是可选的 CEL 表达式，例如 `is_vip || member_days >= 30`。
	// 为空表示无门槛。
	EligibilityRule string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsActive 检查优惠券是否在有效期内。
func (c *Coupon) IsActive(now time.Time) bool {
	if !c.ValidFrom.IsZero() && now.Before(c.ValidFrom) {
		return false
	}
	if !c.ValidTo.IsZero() && now.After(c.ValidTo) {
		return false
	}
	return true
}

// AllocationRecord 是一次成功分配的持久化记录，(CouponID, UserID) 唯一。
type AllocationRecord struct {
	CouponID    string
	UserID      string
	AllocatedAt time.Time
}

// AllocationOutcome 是分配尝试的业务结果。
// AlreadyIssued 和 SoldOut 是预期结果，不是错误。
type AllocationOutcome int

const (
	OutcomeAllocated AllocationOutcome = iota + 1
	OutcomeAlreadyIssued
	OutcomeSoldOut
)

func (o AllocationOutcome) String() string {
	switch o {
	case OutcomeAllocated:
		return "allocated"
	case OutcomeAlreadyIssued:
		return "already_issued"
	case OutcomeSoldOut:
		return "sold_out"
	default:
		return "unknown"
	}
}
