package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/nimasrn/support-desk/internal/model"
	"github.com/nimasrn/support-desk/internal/services"
	xhttp "github.com/nimasrn/support-desk/pkg/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

type MockMessageService struct {
	mock.Mock
}

func (m *MockMessageService) Create(ctx context.Context, p model.MessageCreateRequest) (*model.Message, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

func (m *MockMessageService) Get(ctx context.Context, id string) (*model.Message, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

func (m *MockMessageService) Thread(ctx context.Context, id string) ([]*model.Message, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Message), args.Error(1)
}

func (m *MockMessageService) List(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*model.Message), args.Get(1).(int64), args.Error(2)
}

func (m *MockMessageService) Stats(ctx context.Context) (*model.StatusCounts, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.StatusCounts), args.Error(1)
}

func (m *MockMessageService) UpdateStatus(ctx context.Context, id string, status model.MessageStatus) error {
	return m.Called(ctx, id, status).Error(0)
}

func (m *MockMessageService) Delete(ctx context.Context, id string) (int64, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(int64), args.Error(1)
}

type MockReplyService struct {
	mock.Mock
}

func (m *MockReplyService) Reply(ctx context.Context, req model.ReplyRequest) (*model.ReplyResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ReplyResult), args.Error(1)
}

type MockInboundService struct {
	mock.Mock
}

func (m *MockInboundService) Ingest(ctx context.Context, in model.InboundEmail) (*model.Message, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

type stubHealth map[string]string

func (s stubHealth) Check(context.Context) map[string]string {
	return s
}

func setupTestContext(method, path string, body []byte) *xhttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if body != nil {
		ctx.Request.SetBody(body)
	}
	return ctx
}

type testRouter struct {
	handler  fasthttp.RequestHandler
	messages *MockMessageService
	replies  *MockReplyService
	inbound  *MockInboundService
}

func newTestRouter(t *testing.T, secret string) *testRouter {
	t.Helper()
	tr := &testRouter{
		messages: new(MockMessageService),
		replies:  new(MockReplyService),
		inbound:  new(MockInboundService),
	}
	tokens, err := ParseAdminTokens("alice:tok-a, bob:tok-b")
	require.NoError(t, err)

	r := xhttp.CreateDefaultRouter()
	api := r.Group("/api/v1")
	RegisterAdminRoutes(api, NewAdminHandler(tr.messages, tr.replies), NewAdminAuth(tokens))
	RegisterInboundRoutes(api, NewInboundHandler(tr.inbound, secret))
	RegisterHealthRoutes(api, NewHealthHandler(stubHealth{}))
	tr.handler = r.Handler
	return tr
}

func (tr *testRouter) do(method, path, token string, body []byte) *xhttp.RequestCtx {
	ctx := setupTestContext(method, path, body)
	if token != "" {
		ctx.Request.Header.Set("Authorization", "Bearer "+token)
	}
	tr.handler(ctx)
	return ctx
}

func decode(t *testing.T, ctx *xhttp.RequestCtx, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), v))
}

func TestParseAdminTokens(t *testing.T) {
	tokens, err := ParseAdminTokens("alice:one, bob:two,,")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"one": "alice", "two": "bob"}, tokens)

	_, err = ParseAdminTokens("alice")
	assert.Error(t, err)
	_, err = ParseAdminTokens("alice:")
	assert.Error(t, err)

	tokens, err = ParseAdminTokens("")
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestAdminAuth(t *testing.T) {
	tr := newTestRouter(t, "")
	tr.messages.On("Stats", mock.Anything).Return(&model.StatusCounts{Total: 3, Pending: 3}, nil)

	ctx := tr.do("GET", "/api/v1/admin/messages/stats", "", nil)
	assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())

	ctx = tr.do("GET", "/api/v1/admin/messages/stats", "wrong", nil)
	assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())

	ctx = tr.do("GET", "/api/v1/admin/messages/stats", "tok-a", nil)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	var counts model.StatusCounts
	decode(t, ctx, &counts)
	assert.Equal(t, int64(3), counts.Total)
}

func TestAdminHandler_Reply(t *testing.T) {
	tr := newTestRouter(t, "")
	reply := &model.Message{ID: "r1", TicketNumber: "SUP-1001-R1"}
	tr.replies.On("Reply", mock.Anything, model.ReplyRequest{
		TargetID:  "m1",
		Body:      "fixed",
		Status:    model.MessageStatusResolved,
		AdminName: "bob",
	}).Return(&model.ReplyResult{Reply: reply, DeliveredTo: "jane@example.com", Delivered: true}, nil)

	ctx := tr.do("POST", "/api/v1/admin/messages/m1/reply", "tok-b", []byte(`{"message":"fixed","status":"resolved"}`))
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var res model.ReplyResult
	decode(t, ctx, &res)
	assert.True(t, res.Delivered)
	assert.Equal(t, "jane@example.com", res.DeliveredTo)
	assert.Equal(t, "SUP-1001-R1", res.Reply.TicketNumber)
	tr.replies.AssertExpectations(t)
}

func TestAdminHandler_ReplyErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{services.ErrNotFound, fasthttp.StatusNotFound},
		{fmt.Errorf("%w: reply message is required", services.ErrInvalidPayload), fasthttp.StatusBadRequest},
		{services.ErrInvalidStatus, fasthttp.StatusBadRequest},
		{fmt.Errorf("%w: insert reply: disk full", services.ErrStoreFailure), fasthttp.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			tr := newTestRouter(t, "")
			tr.replies.On("Reply", mock.Anything, mock.Anything).Return(nil, tc.err)
			ctx := tr.do("POST", "/api/v1/admin/messages/m1/reply", "tok-a", []byte(`{"message":"x"}`))
			assert.Equal(t, tc.status, ctx.Response.StatusCode())
			if tc.status == fasthttp.StatusInternalServerError {
				assert.NotContains(t, string(ctx.Response.Body()), "disk full")
			}
		})
	}

	tr := newTestRouter(t, "")
	ctx := tr.do("POST", "/api/v1/admin/messages/m1/reply", "tok-a", []byte(`{bad`))
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestAdminHandler_ListMessages(t *testing.T) {
	tr := newTestRouter(t, "")
	tr.messages.On("List", mock.Anything, mock.MatchedBy(func(f model.MessageFilter) bool {
		return f.Search != nil && *f.Search == "invoice" &&
			len(f.Statuses) == 2 && f.Statuses[1] == model.MessageStatusReplied &&
			f.Limit == 10 && f.Offset == 20 && f.Desc && f.From != nil
	})).Return([]*model.Message{{ID: "a"}}, int64(21), nil)

	ctx := tr.do("GET", "/api/v1/admin/messages?search=invoice&status=pending,replied&limit=10&offset=20&order=desc&from=2026-01-01", "tok-a", nil)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var res listResponse
	decode(t, ctx, &res)
	assert.Equal(t, int64(21), res.Total)
	assert.Len(t, res.Items, 1)
}

func TestAdminHandler_CRUD(t *testing.T) {
	tr := newTestRouter(t, "")
	msg := &model.Message{ID: "m1", Subject: "Billing", Status: model.MessageStatusResolved}
	tr.messages.On("Create", mock.Anything, mock.MatchedBy(func(p model.MessageCreateRequest) bool {
		return p.Email == "jane@example.com" && p.Body == "help"
	})).Return(msg, nil)
	tr.messages.On("Get", mock.Anything, "m1").Return(msg, nil)
	tr.messages.On("Get", mock.Anything, "missing").Return(nil, services.ErrNotFound)
	tr.messages.On("Thread", mock.Anything, "m1").Return([]*model.Message{msg, {ID: "m2"}}, nil)
	tr.messages.On("UpdateStatus", mock.Anything, "m1", model.MessageStatusResolved).Return(nil)
	tr.messages.On("Delete", mock.Anything, "m1").Return(int64(2), nil)

	ctx := tr.do("POST", "/api/v1/admin/messages", "tok-a", []byte(`{"name":"Jane","email":"jane@example.com","subject":"s","message":"help"}`))
	assert.Equal(t, fasthttp.StatusCreated, ctx.Response.StatusCode())

	ctx = tr.do("GET", "/api/v1/admin/messages/m1", "tok-a", nil)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	ctx = tr.do("GET", "/api/v1/admin/messages/missing", "tok-a", nil)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())

	ctx = tr.do("GET", "/api/v1/admin/messages/m1/thread", "tok-a", nil)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	var thread listResponse
	decode(t, ctx, &thread)
	assert.Equal(t, int64(2), thread.Total)

	ctx = tr.do("PATCH", "/api/v1/admin/messages/m1/status", "tok-a", []byte(`{"status":"resolved"}`))
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	var updated model.Message
	decode(t, ctx, &updated)
	assert.Equal(t, model.MessageStatusResolved, updated.Status)

	ctx = tr.do("DELETE", "/api/v1/admin/messages/m1", "tok-a", nil)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.JSONEq(t, `{"deleted":2}`, string(ctx.Response.Body()))

	tr.messages.AssertExpectations(t)
}

func TestInboundHandler_ReceiveEmail(t *testing.T) {
	tr := newTestRouter(t, "")
	body := []byte(`{"from":{"address":"jane@example.com","name":"Jane"},"subject":"Re: Billing #SUP-1001","text":"thanks","headers":{"Message-ID":"<x@y>"}}`)
	tr.inbound.On("Ingest", mock.Anything, mock.MatchedBy(func(in model.InboundEmail) bool {
		return in.From.Address == "jane@example.com" && in.MessageID() == "<x@y>"
	})).Return(&model.Message{ID: "in-1"}, nil)

	ctx := tr.do("POST", "/api/v1/inbound/email", "", body)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.JSONEq(t, `{"success":true,"messageId":"in-1"}`, string(ctx.Response.Body()))

	ctx = tr.do("POST", "/api/v1/inbound/email", "", []byte(`not json`))
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestInboundHandler_Errors(t *testing.T) {
	tr := newTestRouter(t, "")
	tr.inbound.On("Ingest", mock.Anything, mock.MatchedBy(func(in model.InboundEmail) bool { return in.Text == "" })).
		Return(nil, fmt.Errorf("%w: message body is required", services.ErrInvalidPayload))
	tr.inbound.On("Ingest", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: insert: %v", services.ErrStoreFailure, errors.New("db down")))

	ctx := tr.do("POST", "/api/v1/inbound/email", "", []byte(`{"from":{"address":"a@b.c"}}`))
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())

	ctx = tr.do("POST", "/api/v1/inbound/email", "", []byte(`{"from":{"address":"a@b.c"},"text":"hi"}`))
	assert.Equal(t, fasthttp.StatusInternalServerError, ctx.Response.StatusCode())
}

func TestInboundHandler_Signature(t *testing.T) {
	tr := newTestRouter(t, "s3cret")
	body := []byte(`{"from":{"address":"jane@example.com"},"text":"thanks"}`)
	tr.inbound.On("Ingest", mock.Anything, mock.Anything).Return(&model.Message{ID: "in-1"}, nil)

	ctx := tr.do("POST", "/api/v1/inbound/email", "", body)
	assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())

	ctx = setupTestContext("POST", "/api/v1/inbound/email", body)
	ctx.Request.Header.Set(signatureHeader, Sign("wrong", body))
	tr.handler(ctx)
	assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())

	ctx = setupTestContext("POST", "/api/v1/inbound/email", body)
	ctx.Request.Header.Set(signatureHeader, Sign("s3cret", body))
	tr.handler(ctx)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	tr.inbound.AssertNumberOfCalls(t, "Ingest", 1)
}

func TestHealthHandler(t *testing.T) {
	ctx := setupTestContext("GET", "/api/v1/health", nil)
	NewHealthHandler(stubHealth{}).GetHealth(ctx)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	ctx = setupTestContext("GET", "/api/v1/health", nil)
	NewHealthHandler(stubHealth{"redis": "connection refused"}).GetHealth(ctx)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), "connection refused")
}
