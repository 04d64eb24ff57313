// internal/service/order/domain/order.go
package domain

import (
	"errors"
	"time"
)

// OrderLine 是订单中的一个商品行。
type OrderLine struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
}

// Order 是订单聚合的根实体
type Order struct {
	ID        string
	UserID    string
	Lines     []OrderLine
	State     State
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewOrder 创建一个新的订单实例
func NewOrder(id, userID string, lines []OrderLine) (*Order, error) {
	if id == "" || userID == "" || len(lines) == 0 {
		return nil, errors.New("cannot create order with empty required fields")
	}
	for _, line := range lines {
		if line.ProductID == "" || line.Quantity <= 0 {
			return nil, errors.New("order line requires productId and positive quantity")
		}
	}

	return &Order{
		ID:        id,
		UserID:    userID,
		Lines:     lines,
		State:     StateCreated,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}, nil
}

// MarkAsPendingPayment 将订单状态更新为等待支付
// 这个方法只负责状态流转，不负责调用外部服务
func (o *Order) MarkAsPendingPayment() error {
	if o.State != StateCreated {
		return errors.New("order can only be marked as pending payment from created state")
	}
	o.State = StatePendingPayment
	o.UpdatedAt = time.Now()
	return nil
}

// Pay 支付订单
func (o *Order) Pay() error {
	if o.State != StatePendingPayment {
		return errors.New("only pending payment orders can be paid")
	}
	o.State = StatePaid
	o.UpdatedAt = time.Now()
	return nil
}

// Cancel 取消订单。待支付订单可由用户取消；
// 已支付订单只在库存不足的补偿路径上取消，退款由支付侧驱动。
func (o *Order) Cancel() error {
	if o.State != StatePendingPayment && o.State != StatePaid {
		return errors.New("only pending payment or paid orders can be cancelled")
	}
	o.State = StateCancelled
	o.UpdatedAt = time.Now()
	return nil
}

// MarkAsFailed 将订单标记为失败
func (o *Order) MarkAsFailed() {
	o.State = StateFailed
	o.UpdatedAt = time.Now()
}
