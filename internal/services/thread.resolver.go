package services

import (
	"context"
	"errors"
	"strings"

	"github.com/nimasrn/support-desk/internal/model"
	"github.com/nimasrn/support-desk/internal/repository"
)

const (
	PathTarget = "target"
	PathTicket = "ticket"
	PathSender = "sender"
	PathNew    = "new"
)

type ThreadLookup interface {
	FindByID(ctx context.Context, id string) (*model.Message, error)
	FindFirstByTicketNumber(ctx context.Context, ticketNumber string) (*model.Message, error)
	FindLatestByEmail(ctx context.Context, email string) (*model.Message, error)
}

// Candidate carries whatever identifies the conversation a new message
// belongs to. Fields are consulted in order: target, ticket, sender.
type Candidate struct {
	TargetID    string
	TicketToken string
	SenderEmail string
}

// Resolution is where a new message attaches. ThreadID and ParentID are nil
// when the message starts a new conversation.
type Resolution struct {
	ThreadID *string
	ParentID *string
	Anchor   *model.Message
	Path     string
}

func (r *Resolution) IsNew() bool {
	return r.Anchor == nil
}

type ThreadResolver struct {
	store ThreadLookup
}

func NewThreadResolver(store ThreadLookup) *ThreadResolver {
	return &ThreadResolver{store: store}
}

func (r *ThreadResolver) Resolve(ctx context.Context, c Candidate) (*Resolution, error) {
	if id := strings.TrimSpace(c.TargetID); id != "" {
		target, err := r.store.FindByID(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, storeFailure("find target", err)
		}
		return anchoredAt(target, PathTarget), nil
	}

	if token := strings.TrimSpace(c.TicketToken); token != "" {
		anchor, err := r.store.FindFirstByTicketNumber(ctx, token)
		switch {
		case err == nil:
			return anchoredAt(anchor, PathTicket), nil
		case !errors.Is(err, repository.ErrNotFound):
			return nil, storeFailure("find by ticket", err)
		}
	}

	if email := model.NormalizeEmail(c.SenderEmail); email != "" {
		anchor, err := r.store.FindLatestByEmail(ctx, email)
		switch {
		case err == nil:
			return anchoredAt(anchor, PathSender), nil
		case !errors.Is(err, repository.ErrNotFound):
			return nil, storeFailure("find by sender", err)
		}
	}

	return &Resolution{Path: PathNew}, nil
}

func anchoredAt(anchor *model.Message, path string) *Resolution {
	threadID := anchor.ThreadKey()
	parentID := anchor.ID
	return &Resolution{
		ThreadID: &threadID,
		ParentID: &parentID,
		Anchor:   anchor,
		Path:     path,
	}
}
