// internal/service/inventory/infrastructure/gorm_repository.go
package infrastructure

import (
	"context"
	"time"

	"hanghae/internal/service/inventory/domain"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStockRepository 是 domain.StockRepository 的 MySQL 实现。
// 悲观锁（SELECT ... FOR UPDATE）串行化同一库存行上的并发事务；
// 版本列在写回时二次校验，防御锁外路径造成的丢失更新。
type GormStockRepository struct {
	db *gorm.DB
}

func NewGormStockRepository(db *gorm.DB) *GormStockRepository {
	return &GormStockRepository{db: db}
}

func (r *GormStockRepository) CreateStockUnit(ctx context.Context, unit *domain.StockUnit) error {
	model := &StockUnitModel{
		ProductID:        unit.ProductID,
		OnHandQuantity:   unit.OnHandQuantity,
		ReservedQuantity: unit.ReservedQuantity,
		Version:          unit.Version,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return errors.Wrapf(err, "failed to create stock unit %s", unit.ProductID)
	}
	return nil
}

func (r *GormStockRepository) FindStockUnit(ctx context.Context, productID string) (*domain.StockUnit, error) {
	var model StockUnitModel
	err := r.db.WithContext(ctx).Where("product_id = ?", productID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &domain.Error{Kind: domain.KindNotFound, ProductID: productID}
		}
		return nil, errors.Wrapf(err, "failed to find stock unit %s", productID)
	}
	return toDomainStockUnit(&model), nil
}

func (r *GormStockRepository) InTx(ctx context.Context, fn func(tx domain.TxStockRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&txStockRepository{tx: tx})
	})
}

// txStockRepository 是绑定到单个事务的仓储视图。
type txStockRepository struct {
	tx *gorm.DB
}

func (t *txStockRepository) LockStockUnit(ctx context.Context, productID string) (*domain.StockUnit, error) {
	var model StockUnitModel
	err := t.tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("product_id = ?", productID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &domain.Error{Kind: domain.KindNotFound, ProductID: productID}
		}
		return nil, errors.Wrapf(err, "failed to lock stock unit %s", productID)
	}
	return toDomainStockUnit(&model), nil
}

func (t *txStockRepository) SaveStockUnit(ctx context.Context, unit *domain.StockUnit) error {
	// 带版本条件的更新：行锁之下版本必然匹配，
	// RowsAffected == 0 说明有路径绕过了锁，直接报冲突而不是静默覆盖。
	res := t.tx.WithContext(ctx).Model(&StockUnitModel{}).
		Where("product_id = ? AND version = ?", unit.ProductID, unit.Version).
		Updates(map[string]interface{}{
			"on_hand_quantity":  unit.OnHandQuantity,
			"reserved_quantity": unit.ReservedQuantity,
			"version":           unit.Version + 1,
		})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "failed to save stock unit %s", unit.ProductID)
	}
	if res.RowsAffected == 0 {
		return &domain.Error{Kind: domain.KindOptimisticLockConflict, ProductID: unit.ProductID}
	}
	unit.Version++
	return nil
}

func (t *txStockRepository) CreateReservation(ctx context.Context, r *domain.Reservation) error {
	if err := t.tx.WithContext(ctx).Create(fromDomainReservation(r)).Error; err != nil {
		return errors.Wrapf(err, "failed to create reservation %s", r.ID)
	}
	return nil
}

func (t *txStockRepository) LockReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	var model ReservationModel
	err := t.tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &domain.Error{Kind: domain.KindNotFound, ReservationID: id}
		}
		return nil, errors.Wrapf(err, "failed to lock reservation %s", id)
	}
	return toDomainReservation(&model), nil
}

func (t *txStockRepository) SaveReservation(ctx context.Context, r *domain.Reservation) error {
	err := t.tx.WithContext(ctx).Model(&ReservationModel{}).
		Where("id = ?", r.ID).
		Updates(map[string]interface{}{
			"status":     string(r.Status),
			"updated_at": r.UpdatedAt,
		}).Error
	if err != nil {
		return errors.Wrapf(err, "failed to save reservation %s", r.ID)
	}
	return nil
}

func (t *txStockRepository) FindExpiredReservations(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error) {
	var models []*ReservationModel
	err := t.tx.WithContext(ctx).
		Where("status = ? AND expires_at < ?", string(domain.StatusReserved), now).
		Order("expires_at asc").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to find expired reservations")
	}

	reservations := make([]*domain.Reservation, len(models))
	for i, m := range models {
		reservations[i] = toDomainReservation(m)
	}
	return reservations, nil
}
