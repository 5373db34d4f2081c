package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nimasrn/support-desk/internal/model"
	"github.com/nimasrn/support-desk/internal/repository"
	"github.com/nimasrn/support-desk/pkg/logger"
)

type MessageRepository interface {
	Create(ctx context.Context, msg *model.Message) (*model.Message, error)
	FindByID(ctx context.Context, id string) (*model.Message, error)
	FindThread(ctx context.Context, threadID string) ([]*model.Message, error)
	List(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error) // results, totalCount
	CountByStatus(ctx context.Context) (*model.StatusCounts, error)
	UpdateStatus(ctx context.Context, id string, status model.MessageStatus) error
	Delete(ctx context.Context, id string) (int64, error)
}

type MessageService struct {
	messageRepo MessageRepository
	tickets     TicketAllocator
	now         func() time.Time
}

func NewMessageService(messageRepo MessageRepository, tickets TicketAllocator) *MessageService {
	return &MessageService{
		messageRepo: messageRepo,
		tickets:     tickets,
		now:         time.Now,
	}
}

// Create stores a directly submitted conversation. The root keeps a nil
// thread id until the first reply.
func (s *MessageService) Create(ctx context.Context, p model.MessageCreateRequest) (*model.Message, error) {
	if err := p.Validate(); err != nil {
		return nil, invalidPayload(err.Error())
	}

	m := &model.Message{
		Name:      strings.TrimSpace(p.Name),
		Email:     p.Email,
		Subject:   strings.TrimSpace(p.Subject),
		Body:      strings.TrimSpace(p.Body),
		Status:    model.MessageStatusPending,
		CreatedAt: s.now(),
	}
	if s.tickets != nil {
		t, err := s.tickets.NextRootTicket(ctx)
		if err != nil {
			return nil, storeFailure("allocate root ticket", err)
		}
		m.TicketNumber = t
	}

	created, err := s.messageRepo.Create(ctx, m)
	if err != nil {
		return nil, storeFailure("create message", err)
	}
	logger.Info("message created", "message_id", created.ID, "ticket_number", created.TicketNumber)
	return created, nil
}

func (s *MessageService) Get(ctx context.Context, id string) (*model.Message, error) {
	m, err := s.messageRepo.FindByID(ctx, id)
	if err != nil {
		return nil, mapStoreError("find message", err)
	}
	return m, nil
}

// Thread returns the whole conversation of any of its messages, oldest first.
func (s *MessageService) Thread(ctx context.Context, id string) ([]*model.Message, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	thread, err := s.messageRepo.FindThread(ctx, m.ThreadKey())
	if err != nil {
		return nil, storeFailure("find thread", err)
	}
	return thread, nil
}

func (s *MessageService) List(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error) {
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, 0, ErrInvalidStatus
		}
	}
	msgs, total, err := s.messageRepo.List(ctx, f)
	if err != nil {
		return nil, 0, storeFailure("list messages", err)
	}
	return msgs, total, nil
}

func (s *MessageService) Stats(ctx context.Context) (*model.StatusCounts, error) {
	counts, err := s.messageRepo.CountByStatus(ctx)
	if err != nil {
		return nil, storeFailure("count messages", err)
	}
	return counts, nil
}

func (s *MessageService) UpdateStatus(ctx context.Context, id string, status model.MessageStatus) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	if err := s.messageRepo.UpdateStatus(ctx, id, status); err != nil {
		return mapStoreError("update status", err)
	}
	return nil
}

// Delete removes the message and returns how many rows were deleted.
func (s *MessageService) Delete(ctx context.Context, id string) (int64, error) {
	n, err := s.messageRepo.Delete(ctx, id)
	if err != nil {
		return 0, mapStoreError("delete message", err)
	}
	logger.Info("message deleted", "message_id", id, "rows", n)
	return n, nil
}

func mapStoreError(op string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	return storeFailure(op, err)
}
