// internal/service/order/infrastructure/inventory_adapter.go
package infrastructure

import (
	"context"

	invapp "hanghae/internal/service/inventory/application"
	invdomain "hanghae/internal/service/inventory/domain"
	"hanghae/internal/service/order/port"
)

// LedgerInventoryAdapter 把库存账本适配到订单侧的 port.InventoryService。
// 账本的结构化错误在这里翻译成端口错误，订单 saga 不感知库存服务的领域类型。
type LedgerInventoryAdapter struct {
	ledger *invapp.InventoryLedger
}

func NewLedgerInventoryAdapter(ledger *invapp.InventoryLedger) *LedgerInventoryAdapter {
	return &LedgerInventoryAdapter{ledger: ledger}
}

func (a *LedgerInventoryAdapter) DeductStock(ctx context.Context, productID string, qty int64) error {
	_, err := a.ledger.DeductStock(ctx, productID, qty)
	if err == nil {
		return nil
	}
	if e, ok := invdomain.AsError(err); ok && e.Kind == invdomain.KindInsufficientStock {
		return &port.InsufficientStockError{
			ProductID: e.ProductID,
			Requested: e.Requested,
			Available: e.Available,
		}
	}
	return err
}

func (a *LedgerInventoryAdapter) RestockInventory(ctx context.Context, productID string, qty int64) error {
	_, err := a.ledger.RestockInventory(ctx, productID, qty)
	return err
}
