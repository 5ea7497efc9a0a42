package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promo-platform/pkg/money"
)

func TestNewBonusEventPayload(t *testing.T) {
	forfeited := money.MustNew("25", money.EUR)
	event := NewBonusEvent(EventBonusExpired, BonusData{
		BonusID:        "b-1",
		TenantID:       "t-1",
		UserID:         "u-1",
		TemplateID:     "tpl-1",
		Type:           "reload",
		Status:         "expired",
		ForfeitedValue: &forfeited,
		Reason:         "expired",
	})

	assert.Equal(t, EventBonusExpired, event.Type)
	assert.Equal(t, SourceBonusService, event.Source)
	assert.Equal(t, "b-1", event.AggregateID)
	assert.Equal(t, "t-1", event.Metadata["tenant_id"])
	assert.NotEmpty(t, event.ID)

	assert.Equal(t, "b-1", event.Data["bonusId"])
	assert.Equal(t, "u-1", event.Data["userId"])
	assert.Equal(t, "25.00", event.Data["forfeitedValue"])
	assert.Equal(t, "EUR", event.Data["currency"])
	assert.Equal(t, "expired", event.Data["reason"])
	assert.NotContains(t, event.Data, "walletId")
	assert.NotContains(t, event.Data, "amount")
}

func TestEventDecode(t *testing.T) {
	event := NewEvent(EventActivityRecorded, "activity-service", "u-1", map[string]interface{}{
		"transactionId": "tx-9",
		"amount":        "15.5",
		"category":      "sports",
	})

	var payload struct {
		TransactionID string `json:"transactionId"`
		Amount        string `json:"amount"`
		Category      string `json:"category"`
	}
	require.NoError(t, event.Decode(&payload))
	assert.Equal(t, "tx-9", payload.TransactionID)
	assert.Equal(t, "15.5", payload.Amount)
	assert.Equal(t, "sports", payload.Category)
}

func TestEventDecodeTypeMismatch(t *testing.T) {
	event := NewEvent(EventDepositCompleted, "payments", "u-1", map[string]interface{}{
		"isFirstDeposit": "yes",
	})

	var payload struct {
		IsFirstDeposit bool `json:"isFirstDeposit"`
	}
	assert.Error(t, event.Decode(&payload))
}
