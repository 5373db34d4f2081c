package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/nimasrn/support-desk/internal/model"
	"github.com/nimasrn/support-desk/pkg/pg"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a message does not exist.
	ErrNotFound = errors.New("message not found")
	// ErrThreadConflict is returned when a message already belongs to another thread.
	ErrThreadConflict = errors.New("message already belongs to a different thread")
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

type MessageRepository struct {
	*pg.DB
}

func NewMessageRepository(db *pg.DB) *MessageRepository {
	return &MessageRepository{
		db,
	}
}

// Create inserts a message. An empty id is replaced by a fresh UUID and an
// empty status defaults to pending.
func (r *MessageRepository) Create(ctx context.Context, msg *model.Message) (*model.Message, error) {
	entity := toMessageEntity(msg)
	if entity.ID == "" {
		entity.ID = uuid.NewString()
	}
	if entity.Status == "" {
		entity.Status = string(model.MessageStatusPending)
	}

	if err := r.Write(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toMessageModel(entity), nil
}

func (r *MessageRepository) FindByID(ctx context.Context, id string) (*model.Message, error) {
	var e MessageEntity
	if err := r.Read(ctx).Where("id = ?", id).Take(&e).Error; err != nil {
		return nil, notFound(err)
	}
	return toMessageModel(&e), nil
}

// FindFirstByTicketNumber returns the earliest message carrying the ticket number.
func (r *MessageRepository) FindFirstByTicketNumber(ctx context.Context, ticketNumber string) (*model.Message, error) {
	var e MessageEntity
	if err := r.Read(ctx).
		Where("ticket_number = ?", ticketNumber).
		Order("created_at ASC, id ASC").
		Take(&e).Error; err != nil {
		return nil, notFound(err)
	}
	return toMessageModel(&e), nil
}

// FindLatestByEmail returns the most recently created message from the address.
func (r *MessageRepository) FindLatestByEmail(ctx context.Context, email string) (*model.Message, error) {
	var e MessageEntity
	if err := r.Read(ctx).
		Where("email = ?", model.NormalizeEmail(email)).
		Order("created_at DESC, id DESC").
		Take(&e).Error; err != nil {
		return nil, notFound(err)
	}
	return toMessageModel(&e), nil
}

func (r *MessageRepository) FindByEmailMessageID(ctx context.Context, emailMessageID string) (*model.Message, error) {
	var e MessageEntity
	if err := r.Read(ctx).
		Where("email_message_id = ?", emailMessageID).
		Order("created_at ASC").
		Take(&e).Error; err != nil {
		return nil, notFound(err)
	}
	return toMessageModel(&e), nil
}

// FindThread returns the root of the thread and every message pointing at it,
// oldest first.
func (r *MessageRepository) FindThread(ctx context.Context, threadID string) ([]*model.Message, error) {
	var entities []*MessageEntity
	if err := r.Read(ctx).
		Where("id = ? OR thread_id = ?", threadID, threadID).
		Order("created_at ASC, id ASC").
		Find(&entities).Error; err != nil {
		return nil, err
	}
	return toMessageModels(entities), nil
}

func (r *MessageRepository) CountAdminReplies(ctx context.Context, threadID string) (int64, error) {
	var count int64
	err := r.Read(ctx).Model(&MessageEntity{}).
		Where("thread_id = ? AND is_admin_reply = ?", threadID, true).
		Count(&count).Error
	return count, err
}

// UpdateStatus sets the status. Writing the current value again is a no-op.
func (r *MessageRepository) UpdateStatus(ctx context.Context, id string, status model.MessageStatus) error {
	res := r.Write(ctx).Model(&MessageEntity{}).Where("id = ?", id).Update("status", string(status))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// BackfillThreadID sets thread_id only while it is still unset. Repeating the
// call with the same value succeeds; a different value is a conflict.
func (r *MessageRepository) BackfillThreadID(ctx context.Context, id string, threadID string) error {
	res := r.Write(ctx).Model(&MessageEntity{}).
		Where("id = ? AND thread_id IS NULL", id).
		Update("thread_id", threadID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var e MessageEntity
	if err := r.Write(ctx).Select("id", "thread_id").Where("id = ?", id).Take(&e).Error; err != nil {
		return notFound(err)
	}
	if e.ThreadID != nil && *e.ThreadID == threadID {
		return nil
	}
	return ErrThreadConflict
}

func (r *MessageRepository) SetEmailMessageID(ctx context.Context, id string, emailMessageID string) error {
	res := r.Write(ctx).Model(&MessageEntity{}).Where("id = ?", id).Update("email_message_id", emailMessageID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MessageRepository) List(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error) {
	q := r.Read(ctx).Model(&MessageEntity{})

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		q = q.Where("status IN ?", statuses)
	}
	if f.Search != nil && strings.TrimSpace(*f.Search) != "" {
		term := "%" + strings.ToLower(strings.TrimSpace(*f.Search)) + "%"
		q = q.Where("(LOWER(name) LIKE ? OR LOWER(email) LIKE ? OR LOWER(subject) LIKE ?)", term, term, term)
	}
	if f.Email != nil && *f.Email != "" {
		q = q.Where("email = ?", model.NormalizeEmail(*f.Email))
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at < ?", *f.To)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at ASC, id ASC"
	if f.Desc {
		order = "created_at DESC, id DESC"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var entities []*MessageEntity
	if err := q.Order(order).Limit(limit).Offset(offset).Find(&entities).Error; err != nil {
		return nil, 0, err
	}

	return toMessageModels(entities), total, nil
}

// CountByStatus groups all messages by status. Rows without a status count as pending.
func (r *MessageRepository) CountByStatus(ctx context.Context) (*model.StatusCounts, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	expr := "COALESCE(NULLIF(status, ''), 'pending')"
	if err := r.Read(ctx).Model(&MessageEntity{}).
		Select(expr + " AS status, COUNT(*) AS count").
		Group(expr).
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := &model.StatusCounts{}
	for _, row := range rows {
		counts.Total += row.Count
		switch model.MessageStatus(row.Status) {
		case model.MessageStatusPending:
			counts.Pending += row.Count
		case model.MessageStatusInProgress:
			counts.InProgress += row.Count
		case model.MessageStatusReplied:
			counts.Replied += row.Count
		case model.MessageStatusResolved:
			counts.Resolved += row.Count
		}
	}
	return counts, nil
}

// Delete removes a message and returns how many rows went with it. Deleting a
// root removes its whole thread. Deleting any other message hands its direct
// children over to its own parent so the rest of the thread stays linked.
func (r *MessageRepository) Delete(ctx context.Context, id string) (int64, error) {
	var deleted int64
	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		var e MessageEntity
		if err := r.Write(ctx).Where("id = ?", id).Take(&e).Error; err != nil {
			return notFound(err)
		}
		msg := toMessageModel(&e)

		if msg.IsRoot() {
			threadID := msg.ThreadKey()
			res := r.Write(ctx).
				Where("id = ? OR id = ? OR thread_id = ? OR thread_id = ?", msg.ID, threadID, msg.ID, threadID).
				Delete(&MessageEntity{})
			if res.Error != nil {
				return res.Error
			}
			deleted = res.RowsAffected
			return nil
		}

		if err := r.Write(ctx).Model(&MessageEntity{}).
			Where("parent_id = ?", msg.ID).
			Update("parent_id", msg.ParentID).Error; err != nil {
			return err
		}
		res := r.Write(ctx).Where("id = ?", msg.ID).Delete(&MessageEntity{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	return deleted, err
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
