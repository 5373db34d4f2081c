package repository

import (
	"time"

	"github.com/nimasrn/support-desk/internal/model"
)

type DeliveryAttemptEntity struct {
	ID                int64     `db:"id"                  gorm:"primaryKey;autoIncrement;column:id"`
	MessageID         string    `db:"message_id"          gorm:"column:message_id;type:varchar(36);not null;index"`
	Status            string    `db:"status"              gorm:"column:status;not null;index"`
	Provider          string    `db:"provider"            gorm:"column:provider"`
	ProviderMessageID string    `db:"provider_message_id" gorm:"column:provider_message_id"`
	Error             string    `db:"error"               gorm:"column:error;type:text"`
	AttemptedAt       time.Time `db:"attempted_at"        gorm:"column:attempted_at;autoCreateTime"`
}

func (DeliveryAttemptEntity) TableName() string {
	return "delivery_attempts"
}

func toDeliveryAttemptEntity(m *model.DeliveryAttempt) *DeliveryAttemptEntity {
	if m == nil {
		return nil
	}
	return &DeliveryAttemptEntity{
		ID:                m.ID,
		MessageID:         m.MessageID,
		Status:            string(m.Status),
		Provider:          m.Provider,
		ProviderMessageID: m.ProviderMessageID,
		Error:             m.Error,
		AttemptedAt:       m.AttemptedAt,
	}
}

func toDeliveryAttemptModel(e *DeliveryAttemptEntity) *model.DeliveryAttempt {
	if e == nil {
		return nil
	}
	return &model.DeliveryAttempt{
		ID:                e.ID,
		MessageID:         e.MessageID,
		Status:            model.DeliveryStatus(e.Status),
		Provider:          e.Provider,
		ProviderMessageID: e.ProviderMessageID,
		Error:             e.Error,
		AttemptedAt:       e.AttemptedAt,
	}
}
