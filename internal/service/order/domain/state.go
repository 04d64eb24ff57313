// internal/service/order/domain/state.go
package domain

// State 定义了订单的生命周期状态
type State string

const (
	StateCreated        State = "CREATED"         // 订单已在系统中记录，但未经验证
	StatePendingPayment State = "PENDING_PAYMENT" // 等待用户支付
	StatePaid           State = "PAID"            // 已支付
	StateCancelled      State = "CANCELLED"       // 已取消 (用户主动或库存补偿)
	StateFailed         State = "FAILED"          // 订单处理失败
)
