// internal/service/order/application/saga/payment_completed.go
package saga

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"hanghae/internal/pkg/logger"
	"hanghae/internal/pkg/outbox"
	"hanghae/internal/service/order/domain"
	"hanghae/internal/service/order/port"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PaymentCompletedHandler 消费 PaymentCompleted 事件，逐行直扣库存。
// 库存不足是预期业务结果：发布 InventoryInsufficient 补偿事件并确认消费，
// 而不是让 relay 重试。系统性错误才返回 false 触发重投。
type PaymentCompletedHandler struct {
	guard     Guard
	inventory port.InventoryService
	publisher outbox.Publisher
	tracer    trace.Tracer
}

func NewPaymentCompletedHandler(
	guard Guard,
	inventory port.InventoryService,
	publisher outbox.Publisher,
	tracer trace.Tracer,
) *PaymentCompletedHandler {
	return &PaymentCompletedHandler{
		guard:     guard,
		inventory: inventory,
		publisher: publisher,
		tracer:    tracer,
	}
}

func (h *PaymentCompletedHandler) Name() string {
	return "saga.payment-completed"
}

func (h *PaymentCompletedHandler) Handle(ctx context.Context, event *outbox.OutboxEvent) bool {
	ctx, span := h.tracer.Start(ctx, "saga.PaymentCompleted")
	defer span.End()

	var payload domain.PaymentCompletedEvent
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		// 损坏的事件重试也不会变好，确认掉并报警
		logger.Ctx(ctx).Error().Err(err).Uint64("event_id", event.ID).
			Msg("🚨 PaymentCompleted 事件反序列化失败，跳过")
		return true
	}
	span.SetAttributes(
		attribute.String("order.id", payload.OrderID),
		attribute.Int("lines", len(payload.Lines)),
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

	// 固定扣减顺序：并发 saga 对同一组商品行加锁的次序一致，避免死锁
	lines := make([]domain.OrderLine, len(payload.Lines))
	copy(lines, payload.Lines)
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })

	var deducted []domain.OrderLine
	for _, line := range lines {
		err := h.inventory.DeductStock(ctx, line.ProductID, line.Quantity)
		if err == nil {
			deducted = append(deducted, line)
			continue
		}

		if shortage, ok := port.AsInsufficientStock(err); ok {
			span.AddEvent("inventory insufficient", trace.WithAttributes(
				attribute.String("product.id", shortage.ProductID),
				attribute.Int64("requested", shortage.Requested),
				attribute.Int64("available", shortage.Available),
			))
			return h.publishShortage(ctx, span, &payload, shortage, deducted)
		}

		// 系统性错误：释放幂等标记，交给 relay 重投。
		// 已扣减的行会在重投时再次扣减，库存端口的扣减必须
		// 配合这里的补偿事件承受 at-least-once 语义。
		span.RecordError(err)
		span.SetStatus(codes.Error, "stock deduction failed")
		if relErr := h.guard.Release(ctx, h.Name(), payload.OrderID); relErr != nil {
			logger.Ctx(ctx).Error().Err(relErr).Str("order_id", payload.OrderID).
				Msg("🚨 幂等标记回滚失败，事件重投将被误判为重复")
		}
		// 已扣减的行立即归还，使重投从干净状态开始
		h.restockDeducted(ctx, payload.OrderID, deducted)
		return false
	}

	logger.Ctx(ctx).Info().
		Str("order_id", payload.OrderID).
		Int("lines", len(lines)).
		Msg("✅ 支付完成，库存扣减成功")
	return true
}

// publishShortage 发布 InventoryInsufficient 并确认当前事件。
func (h *PaymentCompletedHandler) publishShortage(
	ctx context.Context,
	span trace.Span,
	payload *domain.PaymentCompletedEvent,
	shortage *port.InsufficientStockError,
	deducted []domain.OrderLine,
) bool {
	event := &domain.InventoryInsufficientEvent{
		OrderID:       payload.OrderID,
		ProductID:     shortage.ProductID,
		Requested:     shortage.Requested,
		Available:     shortage.Available,
		DeductedLines: deducted,
		At:            time.Now(),
	}
	err := h.publisher.Publish(ctx, domain.AggregateTypeOrder, payload.OrderID,
		domain.EventTypeInventoryInsufficient, event)
	if err != nil {
		// 补偿事件没发出去就不能确认消费，释放标记等待重投
		span.RecordError(err)
		if relErr := h.guard.Release(ctx, h.Name(), payload.OrderID); relErr != nil {
			logger.Ctx(ctx).Error().Err(relErr).Str("order_id", payload.OrderID).
				Msg("🚨 幂等标记回滚失败")
		}
		h.restockDeducted(ctx, payload.OrderID, deducted)
		return false
	}

	logger.Ctx(ctx).Warn().
		Str("order_id", payload.OrderID).
		Str("product_id", shortage.ProductID).
		Int64("requested", shortage.Requested).
		Int64("available", shortage.Available).
		Msg("⚠️ 支付后库存不足，已发布补偿事件")
	return true
}

func (h *PaymentCompletedHandler) restockDeducted(ctx context.Context, orderID string, deducted []domain.OrderLine) {
	for _, line := range deducted {
		if err := h.inventory.RestockInventory(ctx, line.ProductID, line.Quantity); err != nil {
			logger.Ctx(ctx).Error().Err(err).
				Str("order_id", orderID).
				Str("product_id", line.ProductID).
				Int64("quantity", line.Quantity).
				Msg("🚨 扣减回滚失败，库存需要人工核对")
		}
	}
}
