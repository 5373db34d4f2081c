package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	gateway "github.com/nimasrn/support-desk/internal/gateways"
	"github.com/nimasrn/support-desk/internal/model"
	"github.com/nimasrn/support-desk/internal/repository"
	"github.com/nimasrn/support-desk/internal/ticket"
	"github.com/nimasrn/support-desk/pkg/logger"
	"github.com/nimasrn/support-desk/pkg/prom"
)

const defaultSubject = "Support Request"

var (
	errMailerDisabled = errors.New("email delivery is not configured")
	replySuffix       = regexp.MustCompile(`-R\d+$`)
)

type ReplyStore interface {
	ThreadLookup
	Create(ctx context.Context, msg *model.Message) (*model.Message, error)
	CountAdminReplies(ctx context.Context, threadID string) (int64, error)
	UpdateStatus(ctx context.Context, id string, status model.MessageStatus) error
	BackfillThreadID(ctx context.Context, id string, threadID string) error
	SetEmailMessageID(ctx context.Context, id string, emailMessageID string) error
}

type Mailer interface {
	Send(ctx context.Context, email *gateway.Email) (*gateway.SendResult, error)
}

type DeliveryRecorder interface {
	Create(ctx context.Context, attempt *model.DeliveryAttempt) (*model.DeliveryAttempt, error)
}

type RetryPublisher interface {
	PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error)
}

type TicketAllocator interface {
	NextRootTicket(ctx context.Context) (string, error)
	NextReplySequence(ctx context.Context, threadID string, storedReplies int64) (int64, error)
	ReleaseReplySequence(ctx context.Context, threadID string, seq int64) (bool, error)
}

type DispatcherOptions struct {
	Brand            string
	ReplyTo          string
	DefaultAdminName string
	Timeout          time.Duration
}

// ReplyDispatcher turns an admin reply into a threaded message and emails it
// to the customer. Once the reply is stored, nothing that goes wrong with
// delivery is reported as an error.
type ReplyDispatcher struct {
	store    ReplyStore
	resolver *ThreadResolver
	tickets  TicketAllocator
	mailer   Mailer
	attempts DeliveryRecorder
	retries  RetryPublisher
	opts     DispatcherOptions
	now      func() time.Time
}

func NewReplyDispatcher(store ReplyStore, mailer Mailer, opts DispatcherOptions) *ReplyDispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.DefaultAdminName == "" {
		opts.DefaultAdminName = "Admin"
	}
	return &ReplyDispatcher{
		store:    store,
		resolver: NewThreadResolver(store),
		mailer:   mailer,
		opts:     opts,
		now:      time.Now,
	}
}

func (d *ReplyDispatcher) WithTickets(t TicketAllocator) *ReplyDispatcher {
	d.tickets = t
	return d
}

func (d *ReplyDispatcher) WithDeliveryRecorder(r DeliveryRecorder) *ReplyDispatcher {
	d.attempts = r
	return d
}

func (d *ReplyDispatcher) WithRetryPublisher(p RetryPublisher) *ReplyDispatcher {
	d.retries = p
	return d
}

func (d *ReplyDispatcher) Reply(ctx context.Context, req model.ReplyRequest) (*model.ReplyResult, error) {
	body := strings.TrimSpace(req.Body)
	if body == "" {
		return nil, invalidPayload("reply message is required")
	}
	if strings.TrimSpace(req.TargetID) == "" {
		return nil, invalidPayload("target message id is required")
	}
	status := req.Status
	if status == "" {
		status = model.MessageStatusReplied
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	res, err := d.resolver.Resolve(ctx, Candidate{TargetID: req.TargetID})
	if err != nil {
		return nil, err
	}
	target := res.Anchor
	threadID := *res.ThreadID

	root := d.threadRoot(ctx, target, threadID)
	rootTicket := rootTicketOf(root, target)

	ticketNumber, seq, err := d.nextReplyTicket(ctx, threadID, rootTicket)
	if err != nil {
		return nil, err
	}

	adminName := strings.TrimSpace(req.AdminName)
	if adminName == "" {
		adminName = d.opts.DefaultAdminName
	}

	reply, err := d.store.Create(ctx, &model.Message{
		Name:         adminName,
		Email:        target.Email,
		Subject:      replySubject(target.Subject),
		Body:         body,
		Status:       status,
		TicketNumber: ticketNumber,
		ThreadID:     res.ThreadID,
		ParentID:     res.ParentID,
		IsAdminReply: true,
		SentViaEmail: true,
		CreatedAt:    d.now(),
	})
	if err != nil {
		d.releaseReplyTicket(ctx, threadID, seq)
		return nil, storeFailure("insert reply", err)
	}

	d.backfill(ctx, target, threadID)
	if root != nil && root.ID != target.ID {
		d.backfill(ctx, root, threadID)
	}

	if err := d.store.UpdateStatus(ctx, target.ID, status); err != nil {
		logger.Error("failed to update target status", "message_id", target.ID, "status", status, "error", err)
	}

	result := &model.ReplyResult{Reply: reply, DeliveredTo: target.Email}
	if err := d.deliver(ctx, reply, target, rootTicket); err != nil {
		result.DeliveryError = err.Error()
		prom.IncReply("failed")
		d.scheduleRetry(ctx, reply, err)
		return result, nil
	}

	result.Delivered = true
	prom.IncReply("delivered")
	return result, nil
}

// Redeliver retries the email of a stored admin reply. A reply that already
// carries a provider message id counts as delivered.
func (d *ReplyDispatcher) Redeliver(ctx context.Context, replyID string) error {
	reply, err := d.store.FindByID(ctx, replyID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return storeFailure("find reply", err)
	}
	if !reply.IsAdminReply {
		return invalidPayload("message is not an admin reply")
	}
	if reply.EmailMessageID != "" {
		logger.Info("reply already delivered", "message_id", reply.ID, "provider_message_id", reply.EmailMessageID)
		return nil
	}

	var parent *model.Message
	if reply.ParentID != nil {
		parent, err = d.store.FindByID(ctx, *reply.ParentID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return storeFailure("find parent", err)
		}
	}

	rootTicket := replySuffix.ReplaceAllString(reply.TicketNumber, "")
	if err := d.deliver(ctx, reply, parent, rootTicket); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailure, err)
	}
	prom.IncReply("redelivered")
	return nil
}

func (d *ReplyDispatcher) threadRoot(ctx context.Context, target *model.Message, threadID string) *model.Message {
	if target.ID == threadID {
		return target
	}
	root, err := d.store.FindByID(ctx, threadID)
	if err != nil {
		logger.Warn("thread root not found, using target", "thread_id", threadID, "target_id", target.ID, "error", err)
		return nil
	}
	return root
}

func rootTicketOf(root, target *model.Message) string {
	if root != nil && root.TicketNumber != "" {
		return root.TicketNumber
	}
	if target.TicketNumber != "" {
		return target.TicketNumber
	}
	if len(target.ID) > 8 {
		return target.ID[:8]
	}
	return target.ID
}

// nextReplyTicket returns the reply ticket and the sequence number it was
// issued from, or 0 when it was derived from the stored count.
func (d *ReplyDispatcher) nextReplyTicket(ctx context.Context, threadID, rootTicket string) (string, int64, error) {
	count, err := d.store.CountAdminReplies(ctx, threadID)
	if err != nil {
		return "", 0, storeFailure("count replies", err)
	}
	if d.tickets == nil {
		return ticket.ReplyTicketNumber(rootTicket, count), 0, nil
	}
	seq, err := d.tickets.NextReplySequence(ctx, threadID, count)
	if err != nil {
		logger.Warn("reply sequence unavailable, using stored count", "thread_id", threadID, "error", err)
		return ticket.ReplyTicketNumber(rootTicket, count), 0, nil
	}
	return ticket.ReplyTicketNumber(rootTicket, seq-1), seq, nil
}

func (d *ReplyDispatcher) releaseReplyTicket(ctx context.Context, threadID string, seq int64) {
	if d.tickets == nil || seq == 0 {
		return
	}
	released, err := d.tickets.ReleaseReplySequence(ctx, threadID, seq)
	if err != nil {
		logger.Error("failed to release reply sequence", "thread_id", threadID, "seq", seq, "error", err)
		return
	}
	if !released {
		logger.Warn("reply sequence already advanced, number skipped", "thread_id", threadID, "seq", seq)
	}
}

func (d *ReplyDispatcher) backfill(ctx context.Context, msg *model.Message, threadID string) {
	if msg.ThreadID != nil {
		return
	}
	if err := d.store.BackfillThreadID(ctx, msg.ID, threadID); err != nil {
		logger.Warn("failed to backfill thread id", "message_id", msg.ID, "thread_id", threadID, "error", err)
	}
}

func (d *ReplyDispatcher) deliver(ctx context.Context, reply, parent *model.Message, rootTicket string) error {
	if d.mailer == nil {
		return errMailerDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	toName := ""
	inReplyTo := ""
	if parent != nil {
		inReplyTo = parent.EmailMessageID
		if !parent.IsAdminReply {
			toName = parent.Name
		}
	}
	greeting := toName
	if greeting == "" {
		greeting = "there"
	}

	subject := withTicketToken(reply.Subject, rootTicket)
	html, text, err := gateway.RenderReply(gateway.ReplyTemplateData{
		UserName:     greeting,
		Subject:      subject,
		Message:      reply.Body,
		TicketNumber: reply.TicketNumber,
		Brand:        d.opts.Brand,
		Year:         d.now().Year(),
	})
	if err != nil {
		return err
	}

	email := &gateway.Email{
		ToAddress: reply.Email,
		ToName:    toName,
		Subject:   subject,
		HTML:      html,
		Text:      text,
		ReplyTo:   d.opts.ReplyTo,
		InReplyTo: inReplyTo,
	}
	if inReplyTo != "" {
		email.References = []string{inReplyTo}
	}

	sent, err := d.mailer.Send(ctx, email)
	if err != nil {
		logger.Error("reply delivery failed", "message_id", reply.ID, "to", reply.Email, "error", err)
		d.recordAttempt(ctx, &model.DeliveryAttempt{
			MessageID:   reply.ID,
			Status:      model.DeliveryStatusFailed,
			Error:       err.Error(),
			AttemptedAt: d.now(),
		})
		return err
	}

	logger.Info("reply delivered", "message_id", reply.ID, "to", reply.Email, "provider", sent.Provider, "provider_message_id", sent.MessageID)
	if sent.MessageID != "" {
		if err := d.store.SetEmailMessageID(ctx, reply.ID, sent.MessageID); err != nil {
			logger.Error("failed to store provider message id", "message_id", reply.ID, "error", err)
		}
		reply.EmailMessageID = sent.MessageID
	}
	d.recordAttempt(ctx, &model.DeliveryAttempt{
		MessageID:         reply.ID,
		Status:            model.DeliveryStatusSent,
		Provider:          sent.Provider,
		ProviderMessageID: sent.MessageID,
		AttemptedAt:       d.now(),
	})
	return nil
}

func (d *ReplyDispatcher) recordAttempt(ctx context.Context, attempt *model.DeliveryAttempt) {
	if d.attempts == nil {
		return
	}
	// the send deadline may already be spent
	ctx = context.WithoutCancel(ctx)
	if _, err := d.attempts.Create(ctx, attempt); err != nil {
		logger.Warn("failed to record delivery attempt", "message_id", attempt.MessageID, "error", err)
	}
}

func (d *ReplyDispatcher) scheduleRetry(ctx context.Context, reply *model.Message, cause error) {
	if d.retries == nil || errors.Is(cause, errMailerDisabled) {
		return
	}
	event := model.DeliveryRetryEvent{ReplyID: reply.ID, Reason: cause.Error()}
	id, err := d.retries.PublishJSON(context.WithoutCancel(ctx), event, map[string]string{"reply_id": reply.ID})
	if err != nil {
		logger.Error("failed to schedule reply redelivery", "message_id", reply.ID, "error", err)
		return
	}
	logger.Info("reply redelivery scheduled", "message_id", reply.ID, "stream_id", id)
}

// replySubject prefixes "Re: " unless the subject already starts with it.
func replySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = defaultSubject
	}
	if len(subject) >= 3 && strings.EqualFold(subject[:3], "re:") {
		return subject
	}
	return "Re: " + subject
}

// withTicketToken makes sure the subject carries "#ticket" so the customer's
// answer can be routed back to the thread.
func withTicketToken(subject, rootTicket string) string {
	if rootTicket == "" || ticket.ExtractToken(subject) == rootTicket {
		return subject
	}
	return subject + " #" + rootTicket
}
