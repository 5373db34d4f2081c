package services

import (
	"context"
	"testing"

	"github.com/nimasrn/support-desk/internal/model"
	"github.com/nimasrn/support-desk/internal/repository"
	"github.com/nimasrn/support-desk/internal/ticket"
	"github.com/nimasrn/support-desk/test/fixtures"
	"github.com/nimasrn/support-desk/test/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newMessageEnv(t *testing.T) (*repository.MessageRepository, *MessageService) {
	t.Helper()
	repo := repository.NewMessageRepository(helpers.SetupTestDB(t))
	_, adapter := helpers.SetupTestRedis(t)
	seq, err := ticket.NewSequencer(adapter, "SUP-", 1000)
	require.NoError(t, err)
	return repo, NewMessageService(repo, seq)
}

func TestMessageService_Create(t *testing.T) {
	_, svc := newMessageEnv(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, fixtures.TestCreateRequest)
	require.NoError(t, err)
	assert.Equal(t, "SUP-1001", first.TicketNumber)
	assert.Equal(t, fixtures.CustomerEmail, first.Email)
	assert.Equal(t, model.MessageStatusPending, first.Status)
	assert.Nil(t, first.ThreadID)
	assert.Nil(t, first.ParentID)

	second, err := svc.Create(ctx, fixtures.TestCreateRequest)
	require.NoError(t, err)
	assert.Equal(t, "SUP-1002", second.TicketNumber)

	_, err = svc.Create(ctx, model.MessageCreateRequest{Name: "x", Email: "not-an-email", Subject: "s", Body: "b"})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestMessageService_CreateWithoutTicket(t *testing.T) {
	repo := repository.NewMessageRepository(helpers.SetupTestDB(t))
	mr, adapter := helpers.SetupTestRedis(t)
	seq, err := ticket.NewSequencer(adapter, "SUP-", 1000)
	require.NoError(t, err)
	svc := NewMessageService(repo, seq)
	ctx := context.Background()

	mr.SetError("LOADING redis is loading")
	_, err = svc.Create(ctx, fixtures.TestCreateRequest)
	assert.ErrorIs(t, err, ErrStoreFailure)

	_, total, err := repo.List(ctx, model.MessageFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)

	mr.SetError("")
	created, err := svc.Create(ctx, fixtures.TestCreateRequest)
	require.NoError(t, err)
	assert.Equal(t, "SUP-1001", created.TicketNumber)
}

func TestMessageService_GetAndThread(t *testing.T) {
	repo, svc := newMessageEnv(t)
	ctx := context.Background()
	root := helpers.CreateTestMessage(t, repo, "jane@example.com", "Billing")
	child := helpers.CreateTestMessage(t, repo, "jane@example.com", "Re: Billing", helpers.WithThread(root.ID), helpers.WithParent(root.ID))
	helpers.CreateTestMessage(t, repo, "other@example.com", "Unrelated")

	got, err := svc.Get(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, child.ID, got.ID)

	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	thread, err := svc.Thread(ctx, child.ID)
	require.NoError(t, err)
	require.Len(t, thread, 2)
	assert.Equal(t, root.ID, thread[0].ID)
	assert.Equal(t, child.ID, thread[1].ID)

	thread, err = svc.Thread(ctx, root.ID)
	require.NoError(t, err)
	assert.Len(t, thread, 2)
}

func TestMessageService_ListStatsAndStatus(t *testing.T) {
	repo, svc := newMessageEnv(t)
	ctx := context.Background()
	a := helpers.CreateTestMessage(t, repo, "jane@example.com", "Billing")
	helpers.CreateTestMessage(t, repo, "bob@example.com", "Login")

	require.NoError(t, svc.UpdateStatus(ctx, a.ID, model.MessageStatusResolved))
	assert.ErrorIs(t, svc.UpdateStatus(ctx, a.ID, "bogus"), ErrInvalidStatus)
	assert.ErrorIs(t, svc.UpdateStatus(ctx, "missing", model.MessageStatusReplied), ErrNotFound)

	msgs, total, err := svc.List(ctx, model.MessageFilter{Statuses: []model.MessageStatus{model.MessageStatusResolved}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, a.ID, msgs[0].ID)

	_, _, err = svc.List(ctx, model.MessageFilter{Statuses: []model.MessageStatus{"bogus"}})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	counts, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Total)
	assert.Equal(t, int64(1), counts.Resolved)
	assert.Equal(t, int64(1), counts.Pending)
}

func TestMessageService_Delete(t *testing.T) {
	repo, svc := newMessageEnv(t)
	ctx := context.Background()
	root := helpers.CreateTestMessage(t, repo, "jane@example.com", "Billing")
	helpers.CreateTestMessage(t, repo, "jane@example.com", "Re: Billing", helpers.WithThread(root.ID), helpers.WithParent(root.ID))

	n, err := svc.Delete(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = svc.Delete(ctx, root.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHealthService_Check(t *testing.T) {
	ok := new(MockPinger)
	ok.On("Ping", mock.Anything).Return(nil)
	bad := new(MockPinger)
	bad.On("Ping", mock.Anything).Return(assert.AnError)

	svc := NewHealthService(map[string]Pinger{"postgres": ok, "redis": bad})
	failed := svc.Check(context.Background())
	assert.Equal(t, map[string]string{"redis": assert.AnError.Error()}, failed)
}
