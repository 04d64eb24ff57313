// internal/service/promotion/domain/repository.go
package domain

import "context"

// CouponRepository 定义了优惠券定义的持久化接口。
type CouponRepository interface {
	Create(ctx context.Context, coupon *Coupon) error
	FindByID(ctx context.Context, id string) (*Coupon, error)
}

// AllocationRecordRepository 持久化成功的分配记录。
// Create 对 (couponID, userID) 重复插入必须是幂等的（唯一键冲突视为成功），
// 因为分配器的异步落库可能因进程重启而重放。
type AllocationRecordRepository interface {
	Create(ctx context.Context, record *AllocationRecord) error
	CountByCoupon(ctx context.Context, couponID string) (int64, error)
}

// IssuanceRepository 持久化排队发放请求的终态。
// Update 按 ID 定位已有行；Delete 用于入队被拒后清理刚插入的 Waiting 行。
type IssuanceRepository interface {
	Create(ctx context.Context, record *IssuanceRecord) error
	Update(ctx context.Context, record *IssuanceRecord) error
	Delete(ctx context.Context, id string) error
}

// Fact 是资格规则评估的输入。
type Fact struct {
	UserID     string `json:"user_id"`
	IsVIP      bool   `json:"is_vip"`
	MemberDays int64  `json:"member_days"`
}

// RuleEngine 评估优惠券的资格规则，由基础设施层（CEL）实现。
type RuleEngine interface {
	Evaluate(rule string, fact Fact) (bool, error)
}
