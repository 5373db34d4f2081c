package model

import "time"

type DeliveryStatus string

const (
	DeliveryStatusSent   DeliveryStatus = "sent"
	DeliveryStatusFailed DeliveryStatus = "failed"
)

// DeliveryAttempt records one try at sending an admin reply by email.
type DeliveryAttempt struct {
	ID                int64          `json:"id"`
	MessageID         string         `json:"message_id"`
	Status            DeliveryStatus `json:"status"`
	Provider          string         `json:"provider,omitempty"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Error             string         `json:"error,omitempty"`
	AttemptedAt       time.Time      `json:"attempted_at"`
}
