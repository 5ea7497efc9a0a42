// Package events implements domain events and their RabbitMQ transport
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/promo-platform/pkg/money"
)

// Bonus lifecycle events
const (
	EventBonusAwarded         = "bonus.awarded"
	EventBonusRequirementsMet = "bonus.requirements_met"
	EventBonusConverted       = "bonus.converted"
	EventBonusForfeited       = "bonus.forfeited"
	EventBonusExpired         = "bonus.expired"
	EventBonusCancelled       = "bonus.cancelled"
)

// Upstream trigger events
const (
	EventDepositCompleted  = "deposit.completed"
	EventPurchaseCompleted = "purchase.completed"
	EventActionCompleted   = "action.completed"
	EventActivityRecorded  = "activity.recorded"
)

// Exchange and queue names
const (
	ExchangeBonus    = "bonus.events"
	ExchangePayments = "payments.events"
	ExchangeActivity = "activity.events"

	QueueBonusTriggers = "bonus.triggers"
)

// SourceBonusService tags events emitted by this service
const SourceBonusService = "bonus-service"

// Event represents a domain event
type Event struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	AggregateID string                 `json:"aggregate_id"`
	Timestamp   time.Time              `json:"timestamp"`
	Version     int                    `json:"version"`
	Data        map[string]interface{} `json:"data"`
	Metadata    map[string]string      `json:"metadata"`
}

// NewEvent creates a new event
func NewEvent(eventType, source, aggregateID string, data map[string]interface{}) *Event {
	return &Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		Source:      source,
		AggregateID: aggregateID,
		Timestamp:   time.Now().UTC(),
		Version:     1,
		Data:        data,
		Metadata:    make(map[string]string),
	}
}

// Decode unmarshals the event data into v
func (e *Event) Decode(v interface{}) error {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("failed to encode %s data: %w", e.Type, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode %s data: %w", e.Type, err)
	}
	return nil
}

// BonusData for bonus lifecycle events
type BonusData struct {
	BonusID      string
	TenantID     string
	UserID       string
	WalletID     string
	TemplateID   string
	TemplateCode string
	Type         string
	Status       string

	Amount         *money.Amount
	ForfeitedValue *money.Amount

	TurnoverRequired string
	TurnoverProgress string
	Reason           string
	Metadata         map[string]interface{}
}

// NewBonusEvent creates bonus event. Optional fields are omitted when empty.
func NewBonusEvent(eventType string, b BonusData) *Event {
	data := map[string]interface{}{
		"bonusId":    b.BonusID,
		"tenantId":   b.TenantID,
		"userId":     b.UserID,
		"templateId": b.TemplateID,
		"type":       b.Type,
		"status":     b.Status,
	}
	if b.TemplateCode != "" {
		data["templateCode"] = b.TemplateCode
	}
	if b.WalletID != "" {
		data["walletId"] = b.WalletID
	}
	if b.Amount != nil {
		data["amount"] = b.Amount.StringValue()
		data["currency"] = string(b.Amount.Currency())
	}
	if b.ForfeitedValue != nil {
		data["forfeitedValue"] = b.ForfeitedValue.StringValue()
		data["currency"] = string(b.ForfeitedValue.Currency())
	}
	if b.TurnoverRequired != "" {
		data["turnoverRequired"] = b.TurnoverRequired
	}
	if b.TurnoverProgress != "" {
		data["turnoverProgress"] = b.TurnoverProgress
	}
	if b.Reason != "" {
		data["reason"] = b.Reason
	}
	if len(b.Metadata) > 0 {
		data["metadata"] = b.Metadata
	}

	event := NewEvent(eventType, SourceBonusService, b.BonusID, data)
	if b.TenantID != "" {
		event.Metadata["tenant_id"] = b.TenantID
	}
	return event
}
