// internal/service/order/application/service.go
package application

import (
	"context"
	"errors"
	"time"

	"hanghae/internal/pkg/logger"
	"hanghae/internal/service/order/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OrderService 定义了订单服务提供的所有业务用例。
// 凡是产生领域事件的用例，订单状态和事件都通过 SaveWithEvents
// 在同一个事务中落库，由 outbox relay 异步投递。
type OrderService struct {
	orderRepo domain.OrderRepository
	tracer    trace.Tracer
}

// NewOrderService 创建一个新的订单服务实例
func NewOrderService(repo domain.OrderRepository, tracer trace.Tracer) *OrderService {
	return &OrderService{
		orderRepo: repo,
		tracer:    tracer,
	}
}

// CreateOrder 创建订单并直接进入待支付状态。
func (s *OrderService) CreateOrder(ctx context.Context, userID string, lines []domain.OrderLine) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "service.CreateOrder")
	defer span.End()

	order, err := domain.NewOrder(uuid.NewString(), userID, lines)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := order.MarkAsPendingPayment(); err != nil {
		return nil, err
	}
	if err := s.orderRepo.Create(ctx, order); err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("user.id", userID),
		attribute.Int("lines", len(lines)),
	)
	logger.Ctx(ctx).Info().
		Str("order_id", order.ID).
		Str("user_id", userID).
		Msg("✅ 订单已创建，等待支付")
	return order, nil
}

// GetOrder 读取订单快照。
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.orderRepo.FindByID(ctx, orderID)
}

// MarkOrderPaid 记录支付成功：订单转为 PAID，
// 并在同一事务中写入 PaymentCompleted 事件驱动库存扣减。
func (s *OrderService) MarkOrderPaid(ctx context.Context, orderID string) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "service.MarkOrderPaid")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	order, err := s.orderRepo.FindByID(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := order.Pay(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	event := &domain.PaymentCompletedEvent{
		OrderID: order.ID,
		UserID:  order.UserID,
		Lines:   order.Lines,
		PaidAt:  time.Now(),
	}
	err = s.orderRepo.SaveWithEvents(ctx, order, domain.Event{
		Type:    domain.EventTypePaymentCompleted,
		Payload: event,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	logger.Ctx(ctx).Info().
		Str("order_id", order.ID).
		Msg("✅ 订单支付完成，扣减事件已写入 outbox")
	return order, nil
}

// CancelOrder 是用户主动取消：只允许待支付订单，
// 此时还没有任何库存被扣减，OrderCancelled 事件不携带归还行。
func (s *OrderService) CancelOrder(ctx context.Context, orderID, reason string) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "service.CancelOrder")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", orderID),
		attribute.String("reason", reason),
	)

	order, err := s.orderRepo.FindByID(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if order.State != domain.StatePendingPayment {
		// 已支付订单只能由库存补偿路径取消，那条路径会处理归还
		err := errors.New("only pending payment orders can be cancelled by the user")
		span.RecordError(err)
		return nil, err
	}
	if err := order.Cancel(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	event := &domain.OrderCancelledEvent{
		OrderID:     order.ID,
		UserID:      order.UserID,
		Reason:      reason,
		CancelledAt: time.Now(),
	}
	err = s.orderRepo.SaveWithEvents(ctx, order, domain.Event{
		Type:    domain.EventTypeOrderCancelled,
		Payload: event,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	logger.Ctx(ctx).Info().
		Str("order_id", order.ID).
		Str("reason", reason).
		Msg("✅ 订单已取消")
	return order, nil
}
