package audit

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/quantumbridge/pkg/idgen"
	"github.com/wyfcoding/quantumbridge/pkg/logger"
	"github.com/wyfcoding/quantumbridge/pkg/mq"
)

// Recorder 审计记录器。事件落库并异步投递到 Kafka。
// Kafka 投递失败只记录日志，不影响业务流程。
type Recorder struct {
	db       *gorm.DB
	producer *mq.KafkaProducer
	topic    string
}

// NewRecorder 创建审计记录器，db 与 producer 均可为 nil
func NewRecorder(db *gorm.DB, producer *mq.KafkaProducer, topic string) *Recorder {
	return &Recorder{db: db, producer: producer, topic: topic}
}

// NewEvent 构造审计事件
func NewEvent(eventType, entityType, entityID, actor string, detail any) *Event {
	var detailJSON string
	if detail != nil {
		if data, err := json.Marshal(detail); err == nil {
			detailJSON = string(data)
		}
	}
	return &Event{
		EventID:    idgen.WithPrefix("AE-"),
		EventType:  eventType,
		Severity:   SeverityInfo,
		EntityID:   entityID,
		EntityType: entityType,
		Actor:      actor,
		Detail:     detailJSON,
		OccurredAt: time.Now(),
	}
}

// Critical 将事件升级为紧急级别，用于密钥泄露等需要立即响应的事件
func (e *Event) Critical() *Event {
	e.Severity = SeverityCritical
	return e
}

// Record 落库并投递审计事件，落库失败只告警
func (r *Recorder) Record(ctx context.Context, event *Event) {
	if r.db != nil {
		if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
			logger.Warn(ctx, "audit event persist failed", "event_id", event.EventID, "event_type", event.EventType, "error", err)
		}
	}
	r.Publish(ctx, event)
}

// RecordTx 在给定事务中落库审计事件
func (r *Recorder) RecordTx(tx *gorm.DB, event *Event) error {
	return tx.Create(event).Error
}

// Publish 异步投递审计事件到 Kafka，失败只告警
func (r *Recorder) Publish(ctx context.Context, event *Event) {
	if r.producer == nil {
		return
	}
	if err := r.producer.SendMessage(ctx, r.topic, event.EntityID, event); err != nil {
		logger.Warn(ctx, "audit event publish failed", "event_id", event.EventID, "event_type", event.EventType, "error", err)
	}
}
