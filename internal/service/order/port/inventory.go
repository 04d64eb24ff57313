// internal/service/order/port/inventory.go
package port

import (
	"context"
	"errors"
	"fmt"
)

// InsufficientStockError 是库存端口的预期业务失败：
// 可用量不足以满足请求。携带缺口明细供补偿事件使用。
type InsufficientStockError struct {
	ProductID string
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

// AsInsufficientStock 判断错误链中是否存在库存不足。
func AsInsufficientStock(err error) (*InsufficientStockError, bool) {
	var target *InsufficientStockError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// InventoryService 是订单 saga 消费的库存能力端口。
// 两个操作都必须在库存侧是原子的。
type InventoryService interface {
	DeductStock(ctx context.Context, productID string, qty int64) error
	RestockInventory(ctx context.Context, productID string, qty int64) error
}
