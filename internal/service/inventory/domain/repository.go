// internal/service/inventory/domain/repository.go
package domain

import (
	"context"
	"time"
)

// StockRepository 定义了库存聚合的持久化接口。
// 位于领域层，由基础设施层实现。
type StockRepository interface {
	// CreateStockUnit 在商品上架时创建库存行。
	CreateStockUnit(ctx context.Context, unit *StockUnit) error

	// FindStockUnit 无锁读取，仅用于查询展示。
	FindStockUnit(ctx context.Context, productID string) (*StockUnit, error)

	// InTx 在一个数据库事务中执行 fn。fn 返回错误时整个事务回滚，
	// 保证任何失败都不留下半写状态。
	InTx(ctx context.Context, fn func(tx TxStockRepository) error) error
}

// TxStockRepository 是绑定到单个事务的仓储视图。
// LockStockUnit 获取行锁（SELECT ... FOR UPDATE），配合 SaveStockUnit
// 的版本检查，同一库存行上的并发变更被完全串行化。
type TxStockRepository interface {
	LockStockUnit(ctx context.Context, productID string) (*StockUnit, error)
	// SaveStockUnit 带版本检查地写回。版本不匹配返回 OptimisticLockConflict。
	SaveStockUnit(ctx context.Context, unit *StockUnit) error

	CreateReservation(ctx context.Context, r *Reservation) error
	// LockReservation 对预占单加行锁，防止并发 confirm/cancel 双重应用。
	LockReservation(ctx context.Context, id string) (*Reservation, error)
	SaveReservation(ctx context.Context, r *Reservation) error

	// FindExpiredReservations 返回已过期但仍处于 Reserved 状态的预占单。
	FindExpiredReservations(ctx context.Context, now time.Time, limit int) ([]*Reservation, error)
}
