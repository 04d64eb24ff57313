// internal/pkg/outbox/event.go
package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Status 是 outbox 事件的投递状态。
// 状态只向前推进；唯一的回退是有界重试时从 PROCESSING 回到 PENDING。
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusFailed     Status = "FAILED"
)

// OutboxEvent 与触发它的业务状态变更在同一个本地事务中写入，
// 之后只由 relay 修改。
type OutboxEvent struct {
	ID            uint64
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
	Status        Status
	RetryCount    int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Handler 消费一个 outbox 事件。返回 false 表示处理失败，
// relay 会按重试预算再次投递，因此实现必须是幂等的。
type Handler interface {
	Name() string
	Handle(ctx context.Context, event *OutboxEvent) bool
}

// Registry 维护 eventType 到 handler 的有序映射。
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]Handler)}
}

// Register 为一个事件类型追加 handler，注册顺序即调用顺序。
func (r *Registry) Register(eventType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = append(r.handlers[eventType], h)
}

// HandlersFor 返回某事件类型的全部 handler。
func (r *Registry) HandlersFor(eventType string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[eventType]
}

// Store 是 relay 使用的持久化端口。
type Store interface {
	// FetchDue 按 id 升序返回待投递事件：PENDING 的，
	// 以及停留在 PROCESSING 超过 staleAfter 的（relay 崩溃后的遗留）。
	FetchDue(ctx context.Context, batch int, staleAfter time.Duration) ([]*OutboxEvent, error)
	MarkProcessing(ctx context.Context, id uint64) error
	MarkSent(ctx context.Context, id uint64) error
	// MarkRetry 将事件退回 PENDING 并累加 retry_count。
	MarkRetry(ctx context.Context, id uint64, lastError string) error
	MarkFailed(ctx context.Context, id uint64, lastError string) error
}

// Publisher 是业务侧的发布端口。实现必须保证事件写入
// 与调用方的业务变更一起提交（或由调用方通过 PublishInTx 显式绑定事务）。
type Publisher interface {
	Publish(ctx context.Context, aggregateType, aggregateID, eventType string, payload any) error
}
