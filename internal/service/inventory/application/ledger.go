// internal/service/inventory/application/ledger.go
package application

import (
	"context"
	"time"

	"hanghae/internal/pkg/logger"
	"hanghae/internal/pkg/metrics"
	"hanghae/internal/service/inventory/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InventoryLedger 是库存账本的应用服务，StockUnit/Reservation 的唯一写入方。
// 每个变更操作都在仓储事务内、持有库存行锁的前提下完成，
// 对同一库存行的并发调用表现为一个一致的全序。
//
// 减库存有两条独立路径：reserve→confirm（下单占用）和 deductStock
// （支付 saga 直扣）。两者对同一行持同一把锁，互相安全；但同一笔逻辑
// 订单只应选择其中一条路径，由外围订单流程保证，账本不做裁决。
type InventoryLedger struct {
	repo           domain.StockRepository
	reservationTTL time.Duration
	tracer         trace.Tracer
}

func NewInventoryLedger(repo domain.StockRepository, reservationTTL time.Duration, tracer trace.Tracer) *InventoryLedger {
	return &InventoryLedger{
		repo:           repo,
		reservationTTL: reservationTTL,
		tracer:         tracer,
	}
}

// OnboardProduct 在商品上架时创建库存行。
func (l *InventoryLedger) OnboardProduct(ctx context.Context, productID string, initialQty int64) error {
	return l.repo.CreateStockUnit(ctx, &domain.StockUnit{
		ProductID:      productID,
		OnHandQuantity: initialQty,
	})
}

// GetStockUnit 无锁读取当前库存快照。
func (l *InventoryLedger) GetStockUnit(ctx context.Context, productID string) (*domain.StockUnit, error) {
	return l.repo.FindStockUnit(ctx, productID)
}

// Reserve 预占库存：available 足够时创建 Reservation 并增加 reserved。
func (l *InventoryLedger) Reserve(ctx context.Context, productID, holderID string, qty int64) (*domain.Reservation, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Reserve")
	defer span.End()
	span.SetAttributes(
		attribute.String("product.id", productID),
		attribute.String("holder.id", holderID),
		attribute.Int64("quantity", qty),
	)

	var reservation *domain.Reservation
	err := l.repo.InTx(ctx, func(tx domain.TxStockRepository) error {
		unit, err := tx.LockStockUnit(ctx, productID)
		if err != nil {
			return err
		}
		if err := unit.Reserve(qty); err != nil {
			return err
		}

		reservation = domain.NewReservation(uuid.New().String(), productID, holderID, qty, l.reservationTTL)
		if err := tx.CreateReservation(ctx, reservation); err != nil {
			return err
		}
		return tx.SaveStockUnit(ctx, unit)
	})
	if err != nil {
		l.recordFailure(ctx, span, "reserve", err)
		return nil, err
	}

	metrics.StockOperations.WithLabelValues("reserve", "ok").Inc()
	span.AddEvent("stock reserved")
	return reservation, nil
}

// ConfirmReservation 确认预占：onHand 和 reserved 同时扣减，预占转终态。
// 重复确认会收到 InvalidState，不会二次扣减。
func (l *InventoryLedger) ConfirmReservation(ctx context.Context, reservationID string) (*domain.StockUnit, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.ConfirmReservation")
	defer span.End()
	span.SetAttributes(attribute.String("reservation.id", reservationID))

	var result *domain.StockUnit
	err := l.repo.InTx(ctx, func(tx domain.TxStockRepository) error {
		reservation, err := tx.LockReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		// 锁序固定：先预占单后库存行，与 cancel/expire 一致，避免死锁
		unit, err := tx.LockStockUnit(ctx, reservation.ProductID)
		if err != nil {
			return err
		}

		if err := reservation.Confirm(time.Now()); err != nil {
			return err
		}
		unit.CommitReservation(reservation.Quantity)

		if err := tx.SaveReservation(ctx, reservation); err != nil {
			return err
		}
		if err := tx.SaveStockUnit(ctx, unit); err != nil {
			return err
		}
		result = unit
		return nil
	})
	if err != nil {
		l.recordFailure(ctx, span, "confirm", err)
		return nil, err
	}

	metrics.StockOperations.WithLabelValues("confirm", "ok").Inc()
	return result, nil
}

// CancelReservation 取消预占：只归还 reserved，不动 onHand。
func (l *InventoryLedger) CancelReservation(ctx context.Context, reservationID string) (*domain.StockUnit, error) {
	return l.releaseReservation(ctx, reservationID, false)
}

func (l *InventoryLedger) releaseReservation(ctx context.Context, reservationID string, expire bool) (*domain.StockUnit, error) {
	op := "cancel"
	if expire {
		op = "expire"
	}
	ctx, span := l.tracer.Start(ctx, "ledger.ReleaseReservation")
	defer span.End()
	span.SetAttributes(
		attribute.String("reservation.id", reservationID),
		attribute.String("op", op),
	)

	var result *domain.StockUnit
	err := l.repo.InTx(ctx, func(tx domain.TxStockRepository) error {
		reservation, err := tx.LockReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		unit, err := tx.LockStockUnit(ctx, reservation.ProductID)
		if err != nil {
			return err
		}

		now := time.Now()
		if expire {
			err = reservation.Expire(now)
		} else {
			err = reservation.Cancel(now)
		}
		if err != nil {
			return err
		}
		unit.ReleaseReservation(reservation.Quantity)

		if err := tx.SaveReservation(ctx, reservation); err != nil {
			return err
		}
		if err := tx.SaveStockUnit(ctx, unit); err != nil {
			return err
		}
		result = unit
		return nil
	})
	if err != nil {
		l.recordFailure(ctx, span, op, err)
		return nil, err
	}

	metrics.StockOperations.WithLabelValues(op, "ok").Inc()
	return result, nil
}

// DeductStock 无预占直扣：available 足够时只减 onHand。
func (l *InventoryLedger) DeductStock(ctx context.Context, productID string, qty int64) (*domain.StockUnit, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.DeductStock")
	defer span.End()
	span.SetAttributes(
		attribute.String("product.id", productID),
		attribute.Int64("quantity", qty),
	)

	var result *domain.StockUnit
	err := l.repo.InTx(ctx, func(tx domain.TxStockRepository) error {
		unit, err := tx.LockStockUnit(ctx, productID)
		if err != nil {
			return err
		}
		if err := unit.Deduct(qty); err != nil {
			return err
		}
		if err := tx.SaveStockUnit(ctx, unit); err != nil {
			return err
		}
		result = unit
		return nil
	})
	if err != nil {
		l.recordFailure(ctx, span, "deduct", err)
		return nil, err
	}

	metrics.StockOperations.WithLabelValues("deduct", "ok").Inc()
	return result, nil
}

// RestockInventory 无条件增加在库量，用于补偿回滚与采购入库。
func (l *InventoryLedger) RestockInventory(ctx context.Context, productID string, qty int64) (*domain.StockUnit, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.RestockInventory")
	defer span.End()
	span.SetAttributes(
		attribute.String("product.id", productID),
		attribute.Int64("quantity", qty),
	)

	var result *domain.StockUnit
	err := l.repo.InTx(ctx, func(tx domain.TxStockRepository) error {
		unit, err := tx.LockStockUnit(ctx, productID)
		if err != nil {
			return err
		}
		unit.Restock(qty)
		if err := tx.SaveStockUnit(ctx, unit); err != nil {
			return err
		}
		result = unit
		return nil
	})
	if err != nil {
		l.recordFailure(ctx, span, "restock", err)
		return nil, err
	}

	metrics.StockOperations.WithLabelValues("restock", "ok").Inc()
	return result, nil
}

// ExpireDueReservations 找出所有过期未确认的预占并逐个释放，
// 效果与显式取消完全相同。返回释放的数量。
func (l *InventoryLedger) ExpireDueReservations(ctx context.Context, now time.Time, limit int) (int, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.ExpireDueReservations")
	defer span.End()

	var due []*domain.Reservation
	err := l.repo.InTx(ctx, func(tx domain.TxStockRepository) error {
		var err error
		due, err = tx.FindExpiredReservations(ctx, now, limit)
		return err
	})
	if err != nil {
		return 0, err
	}

	released := 0
	for _, r := range due {
		if _, err := l.releaseReservation(ctx, r.ID, true); err != nil {
			// 与并发的 confirm/cancel 竞争属于正常情况，记录后继续
			if !domain.IsKind(err, domain.KindInvalidState) {
				logger.Ctx(ctx).Error().Err(err).Str("reservation_id", r.ID).Msg("failed to expire reservation")
			}
			continue
		}
		released++
		metrics.ExpiredReservations.Inc()
	}

	span.SetAttributes(attribute.Int("released", released))
	return released, nil
}

func (l *InventoryLedger) recordFailure(ctx context.Context, span trace.Span, op string, err error) {
	if kindErr, ok := domain.AsError(err); ok {
		switch kindErr.Kind {
		case domain.KindInsufficientStock, domain.KindReservationExpired, domain.KindInvalidState:
			// 预期业务结果，不是系统故障
			metrics.StockOperations.WithLabelValues(op, string(kindErr.Kind)).Inc()
			span.AddEvent("rejected", trace.WithAttributes(attribute.String("kind", string(kindErr.Kind))))
			return
		case domain.KindOptimisticLockConflict:
			metrics.LockConflicts.Inc()
		}
	}
	metrics.StockOperations.WithLabelValues(op, "error").Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	logger.Ctx(ctx).Error().Err(err).Str("op", op).Msg("inventory ledger operation failed")
}
