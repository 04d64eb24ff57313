// internal/service/order/application/saga/inventory_insufficient.go
package saga

import (
	"context"
	"encoding/json"
	"time"

	"hanghae/internal/pkg/logger"
	"hanghae/internal/pkg/outbox"
	"hanghae/internal/service/order/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InventoryInsufficientHandler 消费 InventoryInsufficient 事件：
// 取消订单并发布 OrderCancelled，把已扣减的行作为待归还库存带出去。
// 订单状态变更和补偿事件在同一事务中落库。
type InventoryInsufficientHandler struct {
	guard     Guard
	orderRepo domain.OrderRepository
	tracer    trace.Tracer
}

func NewInventoryInsufficientHandler(guard Guard, orderRepo domain.OrderRepository, tracer trace.Tracer) *InventoryInsufficientHandler {
	return &InventoryInsufficientHandler{
		guard:     guard,
		orderRepo: orderRepo,
		tracer:    tracer,
	}
}

func (h *InventoryInsufficientHandler) Name() string {
	return "saga.inventory-insufficient"
}

func (h *InventoryInsufficientHandler) Handle(ctx context.Context, event *outbox.OutboxEvent) bool {
	ctx, span := h.tracer.Start(ctx, "saga.InventoryInsufficient")
	defer span.End()

	var payload domain.InventoryInsufficientEvent
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		logger.Ctx(ctx).Error().Err(err).Uint64("event_id", event.ID).
			Msg("🚨 InventoryInsufficient 事件反序列化失败，跳过")
		return true
	}
	span.SetAttributes(
		attribute.String("order.id", payload.OrderID),
		attribute.String("product.id", payload.ProductID),
	)

	acquired, err := h.guard.Acquire(ctx, h.Name(), payload.OrderID)
	if err != nil {
		span.RecordError(err)
		return false
	}
	if !acquired {
		span.AddEvent("already applied, acknowledging duplicate")
		return true
	}

	order, err := h.orderRepo.FindByID(ctx, payload.OrderID)
	if err != nil {
		span.RecordError(err)
		h.release(ctx, payload.OrderID)
		return false
	}

	if order.State == domain.StateCancelled {
		span.AddEvent("order already cancelled")
		return true
	}
	if err := order.Cancel(); err != nil {
		// 状态机拒绝意味着订单走到了补偿无法处理的状态，重试无意义
		logger.Ctx(ctx).Error().Err(err).
			Str("order_id", order.ID).
			Str("state", string(order.State)).
			Msg("🚨 库存不足补偿无法取消订单，需要人工介入")
		return true
	}

	cancelled := &domain.OrderCancelledEvent{
		OrderID:      order.ID,
		UserID:       order.UserID,
		Reason:       "inventory_insufficient",
		RestockLines: payload.DeductedLines,
		CancelledAt:  time.Now(),
	}
	err = h.orderRepo.SaveWithEvents(ctx, order, domain.Event{
		Type:    domain.EventTypeOrderCancelled,
		Payload: cancelled,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to cancel order")
		h.release(ctx, payload.OrderID)
		return false
	}

	logger.Ctx(ctx).Warn().
		Str("order_id", order.ID).
		Str("product_id", payload.ProductID).
		Msg("⚠️ 订单因库存不足被取消，补偿事件已写入")
	return true
}

func (h *InventoryInsufficientHandler) release(ctx context.Context, orderID string) {
	if err := h.guard.Release(ctx, h.Name(), orderID); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("order_id", orderID).
			Msg("🚨 幂等标记回滚失败，事件重投将被误判为重复")
	}
}
