package model

import (
	"errors"
	"strings"
)

type InboundAddress struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// InboundEmail is the payload the email provider posts for a received message.
type InboundEmail struct {
	From    InboundAddress `json:"from"`
	Subject string         `json:"subject"`
	Text    string         `json:"text"`
	HTML    string         `json:"html"`
	Headers map[string]any `json:"headers"`
}

// Header looks a header up case-insensitively. Providers send repeated
// headers as arrays, in which case the first value wins.
func (e InboundEmail) Header(name string) string {
	for k, v := range e.Headers {
		if !strings.EqualFold(k, name) {
			continue
		}
		switch val := v.(type) {
		case string:
			return strings.TrimSpace(val)
		case []any:
			if len(val) > 0 {
				if s, ok := val[0].(string); ok {
					return strings.TrimSpace(s)
				}
			}
		}
	}
	return ""
}

// MessageID is the provider's message id of the inbound email.
func (e InboundEmail) MessageID() string {
	return e.Header("message-id")
}

// SenderName falls back to the local part of the address when the display
// name is missing.
func (e InboundEmail) SenderName() string {
	if name := strings.TrimSpace(e.From.Name); name != "" {
		return name
	}
	addr := strings.TrimSpace(e.From.Address)
	if i := strings.Index(addr, "@"); i >= 0 {
		return addr[:i]
	}
	return addr
}

func (e InboundEmail) Validate() error {
	if strings.TrimSpace(e.From.Address) == "" {
		return errors.New("sender address is required")
	}
	if strings.TrimSpace(e.Text) == "" {
		return errors.New("message body is required")
	}
	return nil
}
