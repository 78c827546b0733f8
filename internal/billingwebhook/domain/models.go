// Package domain contains the billing webhook models. Events arrive from the
// payment provider at least once; the eventId column is the dedup key that
// makes replays harmless.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status is the processing state of a received event.
type Status string

const (
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
	StatusIgnored   Status = "ignored"
)

// Event types the processor understands.
const (
	EventOrderPaid            = "order.paid"
	EventOrderRefunded        = "order.refunded"
	EventSubscriptionChanged  = "subscription.changed"
	EventSubscriptionCanceled = "subscription.canceled"
)

var (
	ErrInvalidPayload = errors.New("invalid_webhook_payload")
	ErrInvalidEvent   = errors.New("invalid_webhook_event")
)

// WebhookEvent is the durable record of one received provider event.
type WebhookEvent struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	Provider    string         `gorm:"type:text;not null"`
	EventID     string         `gorm:"type:text;not null;uniqueIndex"`
	EventType   string         `gorm:"type:text;not null"`
	Payload     datatypes.JSON `gorm:"type:jsonb"`
	Status      Status         `gorm:"type:text;not null;index"`
	LastError   string         `gorm:"type:text"`
	ReceivedAt  time.Time      `gorm:"not null"`
	ProcessedAt *time.Time
}

// TableName sets the database table name.
func (WebhookEvent) TableName() string { return "webhook_events" }

// EventPayload is the provider's event envelope.
type EventPayload struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// EventData is the part of the envelope our handlers read.
type EventData struct {
	UserID  snowflake.ID `json:"userId"`
	Credits int64        `json:"credits"`
	OrderID string       `json:"orderId"`
	Tier    string       `json:"tier"`
}

// ProcessResult reports what ingestion did with an event.
type ProcessResult struct {
	Duplicate bool
	Status    Status
}

// Service ingests and reconciles provider webhook events.
type Service interface {
	// ProcessEvent stores and handles one event. Replays of an already
	// stored eventId return Duplicate without re-running the handler.
	ProcessEvent(ctx context.Context, provider string, payload []byte) (*ProcessResult, error)

	// ReprocessFailed retries events whose handler failed, returning how
	// many were retried.
	ReprocessFailed(ctx context.Context, limit int) (int, error)
}
