package helpers

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/nimasrn/support-desk/internal/model"
	"github.com/nimasrn/support-desk/internal/repository"
	"github.com/nimasrn/support-desk/pkg/pg"
	"github.com/nimasrn/support-desk/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func SetupTestDB(t *testing.T) *pg.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	err = db.AutoMigrate(
		&repository.MessageEntity{},
		&repository.DeliveryAttemptEntity{},
	)
	require.NoError(t, err)

	return pg.New(db, db)
}

func SetupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, redis.NewFromClient(client, "test:")
}

// MessageOption tweaks a stored test message.
type MessageOption func(*model.Message)

func WithTicket(ticket string) MessageOption {
	return func(m *model.Message) { m.TicketNumber = ticket }
}

func WithThread(threadID string) MessageOption {
	return func(m *model.Message) { m.ThreadID = &threadID }
}

func WithParent(parentID string) MessageOption {
	return func(m *model.Message) { m.ParentID = &parentID }
}

func WithProviderID(id string) MessageOption {
	return func(m *model.Message) { m.EmailMessageID = id }
}

func WithCreatedAt(at time.Time) MessageOption {
	return func(m *model.Message) { m.CreatedAt = at }
}

func AsAdminReply() MessageOption {
	return func(m *model.Message) {
		m.IsAdminReply = true
		m.SentViaEmail = true
	}
}

// CreateTestMessage stores a customer message and returns it as read back.
func CreateTestMessage(t *testing.T, repo *repository.MessageRepository, email, subject string, opts ...MessageOption) *model.Message {
	t.Helper()
	m := &model.Message{
		ID:        uuid.NewString(),
		Name:      "Test User",
		Email:     email,
		Subject:   subject,
		Body:      "hello",
		Status:    model.MessageStatusPending,
		CreatedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	created, err := repo.Create(context.Background(), m)
	require.NoError(t, err)
	return created
}

func WaitForCondition(t *testing.T, timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func AssertEventually(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	if !WaitForCondition(t, timeout, condition) {
		t.Fatal(msg)
	}
}

func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func Ptr[T any](v T) *T {
	return &v
}
