// internal/pkg/outbox/gorm_store.go
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// OutboxEventModel 对应数据库中的 outbox_events 表。
type OutboxEventModel struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	AggregateType string `gorm:"size:64;index:idx_outbox_aggregate,priority:1"`
	AggregateID   string `gorm:"size:64;index:idx_outbox_aggregate,priority:2"`
	EventType     string `gorm:"size:128"`
	Payload       []byte `gorm:"type:json"`
	Status        string `gorm:"size:16;index"`
	RetryCount    int
	LastError     string `gorm:"type:text"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (OutboxEventModel) TableName() string {
	return "outbox_events"
}

func toDomainEvent(m *OutboxEventModel) *OutboxEvent {
	return &OutboxEvent{
		ID:            m.ID,
		AggregateType: m.AggregateType,
		AggregateID:   m.AggregateID,
		EventType:     m.EventType,
		Payload:       json.RawMessage(m.Payload),
		Status:        Status(m.Status),
		RetryCount:    m.RetryCount,
		LastError:     m.LastError,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

// PublishInTx 在调用方的事务中插入一条 outbox 事件。
// 业务行和事件行一起提交或一起回滚，这是 outbox 模式的全部要点。
func PublishInTx(tx *gorm.DB, aggregateType, aggregateID, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal payload for event %s", eventType)
	}
	model := &OutboxEventModel{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
		Status:        string(StatusPending),
	}
	if err := tx.Create(model).Error; err != nil {
		return errors.Wrapf(err, "failed to insert outbox event %s for aggregate %s", eventType, aggregateID)
	}
	return nil
}

// GormPublisher 以独立事务发布事件，供没有自己事务上下文的调用方使用
// （例如 saga handler 发出补偿事件：此时没有需要绑定的业务行）。
type GormPublisher struct {
	db *gorm.DB
}

func NewGormPublisher(db *gorm.DB) *GormPublisher {
	return &GormPublisher{db: db}
}

func (p *GormPublisher) Publish(ctx context.Context, aggregateType, aggregateID, eventType string, payload any) error {
	return PublishInTx(p.db.WithContext(ctx), aggregateType, aggregateID, eventType, payload)
}

// GormStore 是 Store 的 MySQL 实现，只被 relay 使用。
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) FetchDue(ctx context.Context, batch int, staleAfter time.Duration) ([]*OutboxEvent, error) {
	var models []*OutboxEventModel
	staleBefore := time.Now().Add(-staleAfter)
	// 聚合内更早的事件若仍停在处理窗口内（PROCESSING 且未过期），
	// 整个聚合的后续事件都要跳过。relay 在标记 PROCESSING 后崩溃重启时，
	// 没有这条排除规则，队首后面的事件会先行投递，聚合内乱序。
	err := s.db.WithContext(ctx).
		Table("outbox_events AS o").
		Where("o.status = ? OR (o.status = ? AND o.updated_at < ?)",
			string(StatusPending), string(StatusProcessing), staleBefore).
		Where("NOT EXISTS (SELECT 1 FROM outbox_events AS prior"+
			" WHERE prior.aggregate_type = o.aggregate_type"+
			" AND prior.aggregate_id = o.aggregate_id"+
			" AND prior.id < o.id"+
			" AND prior.status = ? AND prior.updated_at >= ?)",
			string(StatusProcessing), staleBefore).
		Order("o.id asc").
		Limit(batch).
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch due outbox events")
	}

	events := make([]*OutboxEvent, len(models))
	for i, m := range models {
		events[i] = toDomainEvent(m)
	}
	return events, nil
}

func (s *GormStore) MarkProcessing(ctx context.Context, id uint64) error {
	return s.updateStatus(ctx, id, map[string]interface{}{"status": string(StatusProcessing)})
}

func (s *GormStore) MarkSent(ctx context.Context, id uint64) error {
	return s.updateStatus(ctx, id, map[string]interface{}{"status": string(StatusSent), "last_error": ""})
}

func (s *GormStore) MarkRetry(ctx context.Context, id uint64, lastError string) error {
	return s.updateStatus(ctx, id, map[string]interface{}{
		"status":      string(StatusPending),
		"retry_count": gorm.Expr("retry_count + 1"),
		"last_error":  lastError,
	})
}

func (s *GormStore) MarkFailed(ctx context.Context, id uint64, lastError string) error {
	return s.updateStatus(ctx, id, map[string]interface{}{
		"status":     string(StatusFailed),
		"last_error": lastError,
	})
}

func (s *GormStore) updateStatus(ctx context.Context, id uint64, fields map[string]interface{}) error {
	err := s.db.WithContext(ctx).Model(&OutboxEventModel{}).Where("id = ?", id).Updates(fields).Error
	return errors.Wrapf(err, "failed to update outbox event %d", id)
}
