package services

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"
	"github.com/google/uuid"
	"github.com/nimasrn/support-desk/internal/model"
	"github.com/nimasrn/support-desk/internal/repository"
	"github.com/nimasrn/support-desk/internal/ticket"
	"github.com/nimasrn/support-desk/pkg/logger"
	"github.com/nimasrn/support-desk/pkg/prom"
)

var inboundBaseURL, _ = url.Parse("https://inbound.invalid/")

type InboundStore interface {
	ThreadLookup
	Create(ctx context.Context, msg *model.Message) (*model.Message, error)
	FindByEmailMessageID(ctx context.Context, emailMessageID string) (*model.Message, error)
	BackfillThreadID(ctx context.Context, id string, threadID string) error
}

// InboundService records emails posted by the provider's inbound webhook and
// attaches them to the right conversation.
type InboundService struct {
	store       InboundStore
	resolver    *ThreadResolver
	tickets     TicketAllocator
	deduplicate bool
	now         func() time.Time
}

func NewInboundService(store InboundStore, deduplicate bool) *InboundService {
	return &InboundService{
		store:       store,
		resolver:    NewThreadResolver(store),
		deduplicate: deduplicate,
		now:         time.Now,
	}
}

// WithTickets makes new conversations started by email get a root ticket number.
func (s *InboundService) WithTickets(t TicketAllocator) *InboundService {
	s.tickets = t
	return s
}

func (s *InboundService) Ingest(ctx context.Context, in model.InboundEmail) (*model.Message, error) {
	if strings.TrimSpace(in.Text) == "" && strings.TrimSpace(in.HTML) != "" {
		in.Text = htmlToText(in.HTML)
	}
	if err := in.Validate(); err != nil {
		return nil, invalidPayload(err.Error())
	}

	providerID := in.MessageID()
	if s.deduplicate && providerID != "" {
		existing, err := s.store.FindByEmailMessageID(ctx, providerID)
		if err == nil {
			logger.Info("inbound email already recorded", "message_id", existing.ID, "email_message_id", providerID)
			prom.IncInboundMessage("duplicate")
			return existing, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, storeFailure("find by provider id", err)
		}
	}

	token := ticket.ExtractToken(in.Subject)
	res, err := s.resolver.Resolve(ctx, Candidate{TicketToken: token, SenderEmail: in.From.Address})
	if err != nil {
		return nil, err
	}

	subject := strings.TrimSpace(in.Subject)
	if subject == "" {
		subject = "Re: " + defaultSubject
	}

	msg := &model.Message{
		ID:             uuid.NewString(),
		Name:           in.SenderName(),
		Email:          in.From.Address,
		Subject:        subject,
		Body:           strings.TrimSpace(in.Text),
		Status:         model.MessageStatusPending,
		ThreadID:       res.ThreadID,
		ParentID:       res.ParentID,
		SentViaEmail:   true,
		EmailMessageID: providerID,
		CreatedAt:      s.now(),
	}
	// only a token that matched a thread is kept
	if res.Path == PathTicket {
		msg.TicketNumber = token
	}
	if res.IsNew() {
		id := msg.ID
		msg.ThreadID = &id
		if s.tickets != nil {
			t, err := s.tickets.NextRootTicket(ctx)
			if err != nil {
				return nil, storeFailure("allocate root ticket", err)
			}
			msg.TicketNumber = t
		}
	}

	created, err := s.store.Create(ctx, msg)
	if err != nil {
		return nil, storeFailure("insert inbound message", err)
	}

	if anchor := res.Anchor; anchor != nil && anchor.ThreadID == nil {
		if err := s.store.BackfillThreadID(ctx, anchor.ID, *res.ThreadID); err != nil {
			logger.Warn("failed to backfill thread id", "message_id", anchor.ID, "thread_id", *res.ThreadID, "error", err)
		}
	}

	logger.Info("inbound email recorded", "message_id", created.ID, "thread_id", created.ThreadKey(), "path", res.Path, "from", created.Email)
	prom.IncInboundMessage(res.Path)
	return created, nil
}

// htmlToText extracts the readable text of an html-only email body.
func htmlToText(html string) string {
	article, err := readability.FromReader(strings.NewReader(html), inboundBaseURL)
	if err != nil {
		logger.Warn("failed to parse html body", "error", err)
		return ""
	}
	var buf bytes.Buffer
	if err := article.RenderText(&buf); err != nil {
		logger.Warn("failed to render html body", "error", err)
		return ""
	}
	return strings.TrimSpace(buf.String())
}
