package gateway

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

var replyHTML = template.Must(template.New("reply").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Subject}}</title></head>
<body style="font-family: Arial, sans-serif; color: #222; max-width: 640px; margin: 0 auto;">
  <div style="background: #f4f6f8; padding: 12px 16px; border-radius: 4px;">
    <strong>{{.Brand}}</strong>{{if .TicketNumber}} &middot; Ticket #{{.TicketNumber}}{{end}}
  </div>
  <p>Hi {{.UserName}},</p>
  <div>{{.Body}}</div>
  <p style="color: #666; font-size: 12px;">Reply to this email to continue the conversation.
  Please keep the ticket number in the subject.</p>
  <p style="color: #999; font-size: 11px;">&copy; {{.Year}} {{.Brand}}</p>
</body>
</html>
`))

// ReplyTemplateData is what an admin reply email is rendered from. Message is
// markdown written by the admin.
type ReplyTemplateData struct {
	UserName     string
	Subject      string
	Message      string
	TicketNumber string
	Brand        string
	Year         int
}

// RenderReply returns the HTML and plain text bodies of a reply email.
func RenderReply(data ReplyTemplateData) (string, string, error) {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(data.Message), &body); err != nil {
		return "", "", fmt.Errorf("render markdown: %w", err)
	}

	var out bytes.Buffer
	err := replyHTML.Execute(&out, struct {
		ReplyTemplateData
		Body template.HTML
	}{data, template.HTML(body.String())})
	if err != nil {
		return "", "", fmt.Errorf("render reply template: %w", err)
	}

	return out.String(), renderText(data), nil
}

func renderText(data ReplyTemplateData) string {
	var b strings.Builder
	if data.TicketNumber != "" {
		fmt.Fprintf(&b, "Ticket #%s\n\n", data.TicketNumber)
	}
	fmt.Fprintf(&b, "Hi %s,\n\n", data.UserName)
	b.WriteString(strings.TrimSpace(data.Message))
	b.WriteString("\n\nReply to this email to continue the conversation.\n")
	fmt.Fprintf(&b, "\n(c) %d %s\n", data.Year, data.Brand)
	return b.String()
}
