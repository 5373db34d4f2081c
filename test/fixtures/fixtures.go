package fixtures

import (
	"github.com/nimasrn/support-desk/internal/model"
)

const (
	CustomerEmail   = "jane.doe@example.com"
	CustomerName    = "Jane Doe"
	InboundAddress  = "inbound@support.example.com"
	SupportFrom     = "support@example.com"
	DefaultProvider = "primary"
)

var TestCreateRequest = model.MessageCreateRequest{
	Name:    CustomerName,
	Email:   CustomerEmail,
	Subject: "Cannot access my invoice",
	Body:    "The invoice page shows an error since yesterday.",
}

// NewInboundEmail builds a webhook payload as the provider posts it.
func NewInboundEmail(from, subject, text, providerID string) model.InboundEmail {
	in := model.InboundEmail{
		From:    model.InboundAddress{Address: from, Name: CustomerName},
		Subject: subject,
		Text:    text,
		Headers: map[string]any{},
	}
	if providerID != "" {
		in.Headers["Message-ID"] = providerID
	}
	return in
}

// InboundWebhookBody is a raw provider payload with array-valued headers.
const InboundWebhookBody = `{
  "from": {"address": "Jane.Doe@Example.com", "name": "Jane Doe"},
  "subject": "Re: Cannot access my invoice #SUP-1001",
  "text": "Still broken, see attached screenshot.",
  "html": "<p>Still broken, see attached screenshot.</p>",
  "headers": {"message-id": ["<inbound-1@mail.example.com>"], "x-mailer": "test"}
}`
