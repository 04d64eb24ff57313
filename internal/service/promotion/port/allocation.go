// internal/service/promotion/port/allocation.go
package port

import (
	"context"

	"hanghae/internal/service/promotion/domain"
)

// AllocationStore 是精确限量分配的出站端口，由 Redis Lua 适配器实现。
// TryAllocate 必须把"成员判断 + 计数自增"作为一个不可分割的原子步骤执行：
// 这是 issuedCount 永不超发、单用户永不重复领取的唯一保证。
type AllocationStore interface {
	TryAllocate(ctx context.Context, couponID, userID string) (domain.AllocationOutcome, error)

	// Release 是 TryAllocate 的补偿：移除成员并归还一个名额。
	Release(ctx context.Context, couponID, userID string) error

	// PrepareCoupon 初始化（或重置）一个优惠券的计数器与成员集合。
	PrepareCoupon(ctx context.Context, couponID string, totalQuantity int64) error

	// Remaining 返回当前剩余名额，用于队列容量计算。
	Remaining(ctx context.Context, couponID string) (int64, error)
}
