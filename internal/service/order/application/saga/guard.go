// internal/service/order/application/saga/guard.go
package saga

import "context"

// Guard 是 saga handler 依赖的幂等标记能力，由 idempotency.Guard 实现。
type Guard interface {
	Acquire(ctx context.Context, consumer, correlationID string) (bool, error)
	Release(ctx context.Context, consumer, correlationID string) error
}
