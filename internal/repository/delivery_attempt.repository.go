package repository

import (
	"context"

	"github.com/nimasrn/support-desk/internal/model"
	"github.com/nimasrn/support-desk/pkg/pg"
)

type DeliveryAttemptRepository struct {
	*pg.DB
}

func NewDeliveryAttemptRepository(db *pg.DB) *DeliveryAttemptRepository {
	return &DeliveryAttemptRepository{db}
}

func (r *DeliveryAttemptRepository) Create(ctx context.Context, a *model.DeliveryAttempt) (*model.DeliveryAttempt, error) {
	entity := toDeliveryAttemptEntity(a)
	if err := r.Write(ctx).Create(entity).Error; err != nil {
		return nil, err
	}
	return toDeliveryAttemptModel(entity), nil
}

// ListByMessage returns the attempts for a reply, oldest first.
func (r *DeliveryAttemptRepository) ListByMessage(ctx context.Context, messageID string) ([]*model.DeliveryAttempt, error) {
	var entities []*DeliveryAttemptEntity
	if err := r.Read(ctx).
		Where("message_id = ?", messageID).
		Order("attempted_at ASC, id ASC").
		Find(&entities).Error; err != nil {
		return nil, err
	}
	attempts := make([]*model.DeliveryAttempt, len(entities))
	for i, e := range entities {
		attempts[i] = toDeliveryAttemptModel(e)
	}
	return attempts, nil
}
