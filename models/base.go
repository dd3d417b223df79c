package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/branchstock_backend/config"
	"bitbucket.org/mmdatafocus/branchstock_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StockEventRecord is the transactional outbox for outbound stock events.
// Rows are written inside the caller's DB transaction and published to
// Pub/Sub asynchronously by the outbox dispatcher after commit.
type StockEventRecord struct {
	ID            int                `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	BusinessId    string             `gorm:"size:64;not null;index" json:"business_id"`
	EventType     string             `gorm:"size:64;not null;index" json:"event_type"`
	ReferenceId   int                `json:"reference_id"`
	ReferenceType StockReferenceType `gorm:"type:enum('OR','TR','ADJ','IMP')" json:"reference_type"`
	Payload       []byte             `gorm:"type:blob" json:"payload"`
	OccurredAt    time.Time          `gorm:"index;not null" json:"occurred_at"`

	// Publish metadata (publish happens after commit via dispatcher).
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`

	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// PublishStockEvent writes the event record inside the caller's DB transaction
// but does NOT publish to Pub/Sub; the dispatcher picks it up after commit.
func PublishStockEvent(ctx context.Context, db *gorm.DB, businessId string, eventType string, refId int, refType StockReferenceType, payload interface{}) error {

	var payloadInByte []byte
	var err error
	if payload != nil {
		payloadInByte, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}

	record := StockEventRecord{
		BusinessId:    businessId,
		EventType:     eventType,
		ReferenceId:   refId,
		ReferenceType: refType,
		Payload:       payloadInByte,
		OccurredAt:    time.Now().UTC(),
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return db.Create(&record).Error
}

func ConvertToStockEventMessage(record StockEventRecord) config.StockEventMessage {
	return config.StockEventMessage{
		ID:            record.ID,
		BusinessId:    record.BusinessId,
		EventType:     record.EventType,
		ReferenceId:   record.ReferenceId,
		ReferenceType: string(record.ReferenceType),
		Payload:       record.Payload,
		OccurredAt:    record.OccurredAt,
		CorrelationId: record.CorrelationId,
	}
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func actorIdFromContext(ctx context.Context) int {
	if ctx == nil {
		return 0
	}
	actorId, _ := utils.GetActorIdFromContext(ctx)
	return actorId
}
