package model

import (
	"errors"
	"net/mail"
	"strings"
	"time"
)

// MessageStatus is the lifecycle state of a support message.
type MessageStatus string

const (
	MessageStatusPending    MessageStatus = "pending"
	MessageStatusInProgress MessageStatus = "in_progress"
	MessageStatusReplied    MessageStatus = "replied"
	MessageStatusResolved   MessageStatus = "resolved"
)

var MessageStatuses = []MessageStatus{
	MessageStatusPending,
	MessageStatusInProgress,
	MessageStatusReplied,
	MessageStatusResolved,
}

func (s MessageStatus) Valid() bool {
	for _, v := range MessageStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Message is one entry of a support conversation: a customer submission,
// an inbound email or an admin reply.
type Message struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Email          string        `json:"email"`
	Subject        string        `json:"subject"`
	Body           string        `json:"message"`
	Status         MessageStatus `json:"status"`
	TicketNumber   string        `json:"ticket_number,omitempty"`
	ThreadID       *string       `json:"thread_id"`
	ParentID       *string       `json:"parent_id"`
	IsAdminReply   bool          `json:"is_admin_reply"`
	SentViaEmail   bool          `json:"sent_via_email"`
	EmailMessageID string        `json:"email_message_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ThreadKey is the id of the conversation the message belongs to. A root that
// was never replied to has no thread id yet and keys the thread with its own id.
func (m *Message) ThreadKey() string {
	if m.ThreadID != nil && *m.ThreadID != "" {
		return *m.ThreadID
	}
	return m.ID
}

func (m *Message) IsRoot() bool {
	return m.ParentID == nil
}

// NormalizeEmail lower-cases and trims an address so sender matching is exact.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MessageCreateRequest is a direct submission of a new conversation.
type MessageCreateRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Subject string `json:"subject"`
	Body    string `json:"message"`
}

func (p MessageCreateRequest) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(p.Email) == "" {
		return errors.New("email is required")
	}
	if _, err := mail.ParseAddress(p.Email); err != nil {
		return errors.New("email is invalid")
	}
	if strings.TrimSpace(p.Subject) == "" {
		return errors.New("subject is required")
	}
	if strings.TrimSpace(p.Body) == "" {
		return errors.New("message is required")
	}
	return nil
}

// MessageFilter controls List queries.
type MessageFilter struct {
	Statuses []MessageStatus // IN (...)
	Search   *string         // case-insensitive match on name, email or subject
	Email    *string         // equals, normalized
	From     *time.Time
	To       *time.Time
	Limit    int  // default 50, max 1000
	Offset   int  // for pagination
	Desc     bool // order by created_at
}

// StatusCounts is the per-status breakdown shown on the admin dashboard.
type StatusCounts struct {
	Total      int64 `json:"total"`
	Pending    int64 `json:"pending"`
	InProgress int64 `json:"in_progress"`
	Replied    int64 `json:"replied"`
	Resolved   int64 `json:"resolved"`
}
