// internal/pkg/outbox/kafka.go
package outbox

import (
	"context"
	"encoding/json"

	"hanghae/internal/pkg/logger"
	"hanghae/internal/pkg/mq"

	"github.com/segmentio/kafka-go"
)

// KafkaDeadLetterSink 把终态失败的事件转发到死信 topic。
type KafkaDeadLetterSink struct {
	writer *kafka.Writer
}

func NewKafkaDeadLetterSink(writer *kafka.Writer) *KafkaDeadLetterSink {
	return &KafkaDeadLetterSink{writer: writer}
}

func (s *KafkaDeadLetterSink) SendDeadLetter(ctx context.Context, event *OutboxEvent, reason string) error {
	msg := kafka.Message{
		Key:   []byte(event.AggregateID),
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: mq.HeaderOriginalTopic, Value: []byte("outbox:" + event.EventType)},
			{Key: mq.HeaderExceptionMessage, Value: []byte(reason)},
		},
	}
	mq.InjectTraceContext(ctx, &msg.Headers)
	return s.writer.WriteMessages(ctx, msg)
}

// envelope 是镜像到 Kafka 的统一消息格式，供模块外的消费者订阅。
type envelope struct {
	EventID       uint64          `json:"eventId"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	EventType     string          `json:"eventType"`
	Payload       json.RawMessage `json:"payload"`
}

// KafkaMirrorHandler 把 outbox 事件镜像发布到集成事件 topic。
// 消息 key 是 aggregateID，配合 Hash balancer 保证同一聚合落在同一分区。
type KafkaMirrorHandler struct {
	writer *kafka.Writer
}

func NewKafkaMirrorHandler(writer *kafka.Writer) *KafkaMirrorHandler {
	return &KafkaMirrorHandler{writer: writer}
}

func (h *KafkaMirrorHandler) Name() string { return "kafka-mirror" }

func (h *KafkaMirrorHandler) Handle(ctx context.Context, event *OutboxEvent) bool {
	data, err := json.Marshal(envelope{
		EventID:       event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       event.Payload,
	})
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Uint64("event_id", event.ID).Msg("failed to marshal mirror envelope")
		return false
	}

	if err := mq.ProduceMessage(ctx, h.writer, []byte(event.AggregateID), data); err != nil {
		logger.Ctx(ctx).Error().Err(err).Uint64("event_id", event.ID).Msg("failed to mirror event to kafka")
		return false
	}
	return true
}
