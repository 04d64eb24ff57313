// internal/service/order/application/saga/order_cancelled.go
package saga

import (
	"context"
	"encoding/json"

	"hanghae/internal/pkg/logger"
	"hanghae/internal/pkg/outbox"
	"hanghae/internal/service/order/domain"
	"hanghae/internal/service/order/port"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OrderCancelledHandler 消费 OrderCancelled 事件，归还事件中指明的库存行。
// RestockLines 为空（支付前取消）时没有任何库存动作，直接确认。
type OrderCancelledHandler struct {
	guard     Guard
	inventory port.InventoryService
	tracer    trace.Tracer
}

func NewOrderCancelledHandler(guard Guard, inventory port.InventoryService, tracer trace.Tracer) *OrderCancelledHandler {
	return &OrderCancelledHandler{
		guard:     guard,
		inventory: inventory,
		tracer:    tracer,
	}
}

func (h *OrderCancelledHandler) Name() string {
	return "saga.order-cancelled"
}

func (h *OrderCancelledHandler) Handle(ctx context.Context, event *outbox.OutboxEvent) bool {
	ctx, span := h.tracer.Start(ctx, "saga.OrderCancelled")
	defer span.End()

	var payload domain.OrderCancelledEvent
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		logger.Ctx(ctx).Error().Err(err).Uint64("event_id", event.ID).
			Msg("🚨 OrderCancelled 事件反序列化失败，跳过")
		return true
	}
	span.SetAttributes(
		attribute.String("order.id", payload.OrderID),
		attribute.String("reason", payload.Reason),
		attribute.Int("restock_lines", len(payload.RestockLines)),
	)

	if len(payload.RestockLines) == 0 {
		return true
	}

	acquired, err := h.guard.Acquire(ctx, h.Name(), payload.OrderID)
	if err != nil {
		span.RecordError(err)
		return false
	}
	if !acquired {
		span.AddEvent("already applied, acknowledging duplicate")
		return true
	}

	for i, line := range payload.RestockLines {
		if err := h.inventory.RestockInventory(ctx, line.ProductID, line.Quantity); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "restock failed")
			if relErr := h.guard.Release(ctx, h.Name(), payload.OrderID); relErr != nil {
				logger.Ctx(ctx).Error().Err(relErr).Str("order_id", payload.OrderID).
					Msg("🚨 幂等标记回滚失败，事件重投将被误判为重复")
			}
			// 已归还的行在重投时会再次归还。Restock 是无条件加库存，
			// 这里靠幂等标记的成功路径避免重复，失败路径接受多还而不是少还。
			logger.Ctx(ctx).Error().Err(err).
				Str("order_id", payload.OrderID).
				Int("restocked_before_failure", i).
				Msg("🚨 取消补偿中断，等待重投")
			return false
		}
	}

	logger.Ctx(ctx).Info().
		Str("order_id", payload.OrderID).
		Int("lines", len(payload.RestockLines)).
		Msg("✅ 订单取消补偿完成，库存已归还")
	return true
}
