// internal/service/order/domain/repository.go
package domain

import "context"

// OrderRepository 定义了订单聚合的持久化接口。
// 它位于领域层，但由基础设施层实现。
type OrderRepository interface {
	Create(ctx context.Context, order *Order) error
	FindByID(ctx context.Context, id string) (*Order, error)

	// SaveWithEvents 在同一个本地事务中保存订单状态并把事件写入 outbox。
	// 状态变更和事件要么一起提交，要么一起回滚。
	SaveWithEvents(ctx context.Context, order *Order, events ...Event) error
}
