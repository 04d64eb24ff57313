// internal/service/order/domain/event.go
package domain

import "time"

// AggregateTypeOrder 是订单聚合在 outbox 中的类型标识。
// 同一订单的事件共享 (aggregateType, aggregateID)，由 relay 保证顺序投递。
const AggregateTypeOrder = "order"

const (
	EventTypePaymentCompleted      = "PaymentCompleted"
	EventTypeOrderCancelled        = "OrderCancelled"
	EventTypeInventoryInsufficient = "InventoryInsufficient"
)

// Event 是一条待发布的领域事件，与订单状态变更在同一事务中写入 outbox。
type Event struct {
	Type    string
	Payload any
}

// PaymentCompletedEvent 在订单支付成功时发布，驱动库存直扣。
type PaymentCompletedEvent struct {
	OrderID string      `json:"orderId"`
	UserID  string      `json:"userId"`
	Lines   []OrderLine `json:"lines"`
	PaidAt  time.Time   `json:"paidAt"`
}

// OrderCancelledEvent 在订单取消时发布。
// RestockLines 是需要归还库存的行：用户在支付前取消时为空，
// 库存不足补偿时只包含已经扣减成功的行。
type OrderCancelledEvent struct {
	OrderID      string      `json:"orderId"`
	UserID       string      `json:"userId"`
	Reason       string      `json:"reason"`
	RestockLines []OrderLine `json:"restockLines,omitempty"`
	CancelledAt  time.Time   `json:"cancelledAt"`
}

// InventoryInsufficientEvent 在支付后扣减库存发现不足时发布，
// 携带缺口明细与已扣减的行，驱动订单取消与补偿。
type InventoryInsufficientEvent struct {
	OrderID       string      `json:"orderId"`
	ProductID     string      `json:"productId"`
	Requested     int64       `json:"requested"`
	Available     int64       `json:"available"`
	DeductedLines []OrderLine `json:"deductedLines,omitempty"`
	At            time.Time   `json:"at"`
}
