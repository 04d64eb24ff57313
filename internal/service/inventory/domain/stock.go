// internal/service/inventory/domain/stock.go
package domain

import "time"

// StockUnit 是库存聚合根。不变式：
// OnHandQuantity >= 0, ReservedQuantity >= 0, Available() >= 0。
// 所有变更必须经过 InventoryLedger 的加锁流程，实体方法只做状态守卫。
type StockUnit struct {
	ProductID        string
	OnHandQuantity   int64
	ReservedQuantity int64
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Available 返回可售数量 = 在库 - 预占。
func (s *StockUnit) Available() int64 {
	return s.OnHandQuantity - s.ReservedQuantity
}

// Reserve 增加预占量。可售量不足时返回 InsufficientStock。
func (s *StockUnit) Reserve(qty int64) error {
	if s.Available() < qty {
		return NewInsufficientStock(s.ProductID, qty, s.Available())
	}
	s.ReservedQuantity += qty
	return nil
}

// ReleaseReservation 归还预占量（取消/过期），只减 reserved，不动 onHand。
func (s *StockUnit) ReleaseReservation(qty int64) {
	s.ReservedQuantity -= qty
	if s.ReservedQuantity < 0 {
		// 不变式被破坏只可能是编程错误，钳回 0 并由上层告警
		s.ReservedQuantity = 0
	}
}

// CommitReservation 确认预占：onHand 与 reserved 同时扣减。
func (s *StockUnit) CommitReservation(qty int64) {
	s.OnHandQuantity -= qty
	s.ReservedQuantity -= qty
}

// Deduct 是无预占的直接扣减路径（支付 saga 使用）。
// 同样受 available 约束，不能吃掉他人的预占量。
func (s *StockUnit) Deduct(qty int64) error {
	if s.Available() < qty {
		return NewInsufficientStock(s.ProductID, qty, s.Available())
	}
	s.OnHandQuantity -= qty
	return nil
}

// Restock 无条件增加在库量（补偿回滚、采购入库）。
func (s *StockUnit) Restock(qty int64) {
	s.OnHandQuantity += qty
}
