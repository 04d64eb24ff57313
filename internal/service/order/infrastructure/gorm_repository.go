// internal/service/order/infrastructure/gorm_repository.go
package infrastructure

import (
	"context"
	"encoding/json"
	"time"

	"hanghae/internal/pkg/outbox"
	"hanghae/internal/service/order/domain"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// OrderModel 对应数据库中的 orders 表。商品行序列化为 JSON 列，
// 订单聚合总是整体读写，不需要独立的行表。
type OrderModel struct {
	ID        string `gorm:"primaryKey;size:36"`
	UserID    string `gorm:"size:64;index"`
	Lines     []byte `gorm:"type:json"`
	State     string `gorm:"size:24"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (OrderModel) TableName() string {
	return "orders"
}

func toDomainOrder(m *OrderModel) (*domain.Order, error) {
	var lines []domain.OrderLine
	if err := json.Unmarshal(m.Lines, &lines); err != nil {
		return nil, errors.Wrapf(err, "corrupted order lines for order %s", m.ID)
	}
	return &domain.Order{
		ID:        m.ID,
		UserID:    m.UserID,
		Lines:     lines,
		State:     domain.State(m.State),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}, nil
}

func fromDomainOrder(o *domain.Order) (*OrderModel, error) {
	lines, err := json.Marshal(o.Lines)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal order lines for order %s", o.ID)
	}
	return &OrderModel{
		ID:     o.ID,
		UserID: o.UserID,
		Lines:  lines,
		State:  string(o.State),
	}, nil
}

// GormOrderRepository 是 domain.OrderRepository 的 GORM 实现。
type GormOrderRepository struct {
	db *gorm.DB
}

func NewGormOrderRepository(db *gorm.DB) *GormOrderRepository {
	return &GormOrderRepository{db: db}
}

func (r *GormOrderRepository) Create(ctx context.Context, order *domain.Order) error {
	model, err := fromDomainOrder(order)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return errors.Wrapf(err, "failed to create order %s", order.ID)
	}
	return nil
}

func (r *GormOrderRepository) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	var model OrderModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Errorf("order %s not found", id)
		}
		return nil, errors.Wrapf(err, "failed to find order %s", id)
	}
	return toDomainOrder(&model)
}

// SaveWithEvents 把订单状态更新和事件插入放进同一个事务。
// outbox relay 看到事件时，对应的状态变更必然已经提交。
func (r *GormOrderRepository) SaveWithEvents(ctx context.Context, order *domain.Order, events ...domain.Event) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&OrderModel{}).
			Where("id = ?", order.ID).
			Updates(map[string]interface{}{
				"state":      string(order.State),
				"updated_at": time.Now(),
			}).Error
		if err != nil {
			return errors.Wrapf(err, "failed to update order %s", order.ID)
		}

		for _, event := range events {
			if err := outbox.PublishInTx(tx, domain.AggregateTypeOrder, order.ID, event.Type, event.Payload); err != nil {
				return err
			}
		}
		return nil
	})
}
