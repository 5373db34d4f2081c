package repository

import (
	"time"

	"github.com/nimasrn/support-desk/internal/model"
)

type MessageEntity struct {
	ID             string    `db:"id"               gorm:"primaryKey;type:varchar(36);column:id"`
	Name           string    `db:"name"             gorm:"column:name;not null"`
	Email          string    `db:"email"            gorm:"column:email;not null;index"`
	Subject        string    `db:"subject"          gorm:"column:subject;not null"`
	Body           string    `db:"message"          gorm:"column:message;type:text;not null"`
	Status         string    `db:"status"           gorm:"column:status;not null;index"`
	TicketNumber   string    `db:"ticket_number"    gorm:"column:ticket_number;index"`
	ThreadID       *string   `db:"thread_id"        gorm:"column:thread_id;type:varchar(36);index"`
	ParentID       *string   `db:"parent_id"        gorm:"column:parent_id;type:varchar(36);index"`
	IsAdminReply   bool      `db:"is_admin_reply"   gorm:"column:is_admin_reply;not null"`
	SentViaEmail   bool      `db:"sent_via_email"   gorm:"column:sent_via_email;not null"`
	EmailMessageID string    `db:"email_message_id" gorm:"column:email_message_id;index"`
	CreatedAt      time.Time `db:"created_at"       gorm:"column:created_at;autoCreateTime;index"`
}

func (MessageEntity) TableName() string {
	return "support_messages"
}

func toMessageEntity(m *model.Message) *MessageEntity {
	if m == nil {
		return nil
	}
	return &MessageEntity{
		ID:             m.ID,
		Name:           m.Name,
		Email:          model.NormalizeEmail(m.Email),
		Subject:        m.Subject,
		Body:           m.Body,
		Status:         string(m.Status),
		TicketNumber:   m.TicketNumber,
		ThreadID:       m.ThreadID,
		ParentID:       m.ParentID,
		IsAdminReply:   m.IsAdminReply,
		SentViaEmail:   m.SentViaEmail,
		EmailMessageID: m.EmailMessageID,
		CreatedAt:      m.CreatedAt,
	}
}

func toMessageModel(e *MessageEntity) *model.Message {
	if e == nil {
		return nil
	}
	status := model.MessageStatus(e.Status)
	if status == "" {
		status = model.MessageStatusPending
	}
	return &model.Message{
		ID:             e.ID,
		Name:           e.Name,
		Email:          e.Email,
		Subject:        e.Subject,
		Body:           e.Body,
		Status:         status,
		TicketNumber:   e.TicketNumber,
		ThreadID:       e.ThreadID,
		ParentID:       e.ParentID,
		IsAdminReply:   e.IsAdminReply,
		SentViaEmail:   e.SentViaEmail,
		EmailMessageID: e.EmailMessageID,
		CreatedAt:      e.CreatedAt,
	}
}

func toMessageModels(entities []*MessageEntity) []*model.Message {
	if entities == nil {
		return nil
	}
	models := make([]*model.Message, len(entities))
	for i, e := range entities {
		models[i] = toMessageModel(e)
	}
	return models
}
