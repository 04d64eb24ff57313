// internal/pkg/outbox/relay.go
package outbox

import (
	"context"
	"fmt"
	"time"

	"hanghae/internal/pkg/logger"
	"hanghae/internal/pkg/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Alerter 在事件耗尽重试预算后收到通知（运维告警通道）。
type Alerter interface {
	Alert(ctx context.Context, event *OutboxEvent, reason string)
}

// DeadLetterSink 接收终态失败的事件（如 Kafka 死信 topic）。
type DeadLetterSink interface {
	SendDeadLetter(ctx context.Context, event *OutboxEvent, reason string) error
}

// RelayOptions 控制轮询与重试行为。
type RelayOptions struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	StaleAfter   time.Duration
	// Concurrency 限制同时处理的聚合数量；同一聚合内始终串行。
	Concurrency int
}

// Relay 周期性扫描 outbox 表，把待投递事件分发给注册的 handler。
// 投递语义是 at-least-once：消费方必须自行幂等。
// 同一 aggregateID 的事件严格按创建顺序投递；不同聚合之间不保证顺序。
type Relay struct {
	store    Store
	registry *Registry
	dlt      DeadLetterSink // 可为 nil
	alerter  Alerter        // 可为 nil
	opts     RelayOptions
	tracer   trace.Tracer
}

func NewRelay(store Store, registry *Registry, dlt DeadLetterSink, alerter Alerter, opts RelayOptions) *Relay {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Relay{
		store:    store,
		registry: registry,
		dlt:      dlt,
		alerter:  alerter,
		opts:     opts,
		tracer:   otel.Tracer("outbox-relay"),
	}
}

// Start 阻塞运行轮询循环，直到 ctx 取消。
// 调用方需保证集群内同一时刻只有一个 relay 在跑（分布式锁选主）。
func (r *Relay) Start(ctx context.Context) {
	logger.Ctx(ctx).Info().
		Dur("poll_interval", r.opts.PollInterval).
		Int("max_retries", r.opts.MaxRetries).
		Msg("✅ Outbox relay started.")

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("🛑 Outbox relay shutting down.")
			return
		case <-ticker.C:
			if _, err := r.ProcessBatch(ctx); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("outbox relay batch failed")
			}
		}
	}
}

// ProcessBatch 处理一批待投递事件，返回本批处理的事件数。
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	events, err := r.store.FetchDue(ctx, r.opts.BatchSize, r.opts.StaleAfter)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	// 按聚合分组，保持组内的创建顺序。
	// 组间并发投递，组内串行，且组内一旦失败则跳过后续事件，
	// 这样同一聚合的事件永远不会乱序到达。
	var order []string
	groups := make(map[string][]*OutboxEvent)
	for _, ev := range events {
		key := ev.AggregateType + "/" + ev.AggregateID
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], ev)
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for _, key := range order {
		aggregate := groups[key]
		g.Go(func() error {
			for _, ev := range aggregate {
				if !r.dispatch(groupCtx, ev) {
					// 组内顺序保证：前一个事件未投递成功，后面的不能先行
					break
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return len(events), err
	}
	return len(events), nil
}

// dispatch 投递单个事件，返回是否成功（含终态失败，终态失败不阻塞后续——
// 注意：终态失败意味着该事件已被移交死信通道，组内顺序对它不再有意义）。
func (r *Relay) dispatch(ctx context.Context, ev *OutboxEvent) bool {
	ctx, span := r.tracer.Start(ctx, "outbox.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("outbox.event_type", ev.EventType),
		attribute.String("outbox.aggregate_id", ev.AggregateID),
		attribute.Int("outbox.retry_count", ev.RetryCount),
	)

	if err := r.store.MarkProcessing(ctx, ev.ID); err != nil {
		logger.Ctx(ctx).Error().Err(err).Uint64("event_id", ev.ID).Msg("failed to mark event processing")
		return false
	}

	handlers := r.registry.HandlersFor(ev.EventType)
	if len(handlers) == 0 {
		// 没有消费者的事件直接视为已投递，避免永远占住队首
		logger.Ctx(ctx).Warn().Str("event_type", ev.EventType).Msg("no handler registered for event type")
		r.markSent(ctx, ev)
		return true
	}

	for _, h := range handlers {
		if ok := r.invoke(ctx, h, ev); !ok {
			return r.handleFailure(ctx, ev, fmt.Sprintf("handler %s rejected event", h.Name()))
		}
	}

	r.markSent(ctx, ev)
	return true
}

// invoke 带 panic 边界地调用 handler。
func (r *Relay) invoke(ctx context.Context, h Handler, ev *OutboxEvent) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Ctx(ctx).Error().
				Str("handler", h.Name()).
				Uint64("event_id", ev.ID).
				Interface("panic", rec).
				Msg("🚨 handler panicked")
			ok = false
		}
	}()
	return h.Handle(ctx, ev)
}

func (r *Relay) markSent(ctx context.Context, ev *OutboxEvent) {
	if err := r.store.MarkSent(ctx, ev.ID); err != nil {
		logger.Ctx(ctx).Error().Err(err).Uint64("event_id", ev.ID).Msg("failed to mark event sent")
		return
	}
	metrics.OutboxDeliveries.WithLabelValues("sent").Inc()
}

// handleFailure 决定重试或进入终态。返回值含义同 dispatch。
func (r *Relay) handleFailure(ctx context.Context, ev *OutboxEvent, reason string) bool {
	if ev.RetryCount+1 < r.opts.MaxRetries {
		if err := r.store.MarkRetry(ctx, ev.ID, reason); err != nil {
			logger.Ctx(ctx).Error().Err(err).Uint64("event_id", ev.ID).Msg("failed to mark event for retry")
		}
		metrics.OutboxDeliveries.WithLabelValues("retried").Inc()
		return false
	}

	// 重试预算耗尽：标记 FAILED，送死信通道并告警，绝不静默丢弃
	if err := r.store.MarkFailed(ctx, ev.ID, reason); err != nil {
		logger.Ctx(ctx).Error().Err(err).Uint64("event_id", ev.ID).Msg("failed to mark event failed")
		return false
	}
	metrics.OutboxDeliveries.WithLabelValues("failed").Inc()

	if r.dlt != nil {
		if err := r.dlt.SendDeadLetter(ctx, ev, reason); err != nil {
			logger.Ctx(ctx).Error().Err(err).Uint64("event_id", ev.ID).Msg("🚨 failed to forward event to dead letter sink")
		}
	}
	if r.alerter != nil {
		r.alerter.Alert(ctx, ev, reason)
	}
	logger.Ctx(ctx).Error().
		Uint64("event_id", ev.ID).
		Str("event_type", ev.EventType).
		Str("aggregate_id", ev.AggregateID).
		Str("reason", reason).
		Msg("🚨 outbox event exhausted retries and was marked FAILED")
	return true
}
