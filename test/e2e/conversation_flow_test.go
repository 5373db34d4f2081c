package e2e

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gateway "github.com/nimasrn/support-desk/internal/gateways"
	"github.com/nimasrn/support-desk/internal/handlers"
	"github.com/nimasrn/support-desk/internal/model"
	"github.com/nimasrn/support-desk/internal/processor"
	"github.com/nimasrn/support-desk/internal/queue"
	"github.com/nimasrn/support-desk/internal/repository"
	"github.com/nimasrn/support-desk/internal/services"
	"github.com/nimasrn/support-desk/internal/ticket"
	xhttp "github.com/nimasrn/support-desk/pkg/http"
	"github.com/nimasrn/support-desk/pkg/redis"
	"github.com/nimasrn/support-desk/test/fixtures"
	"github.com/nimasrn/support-desk/test/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

const adminToken = "tok-ops"

// fakeMailerSend accepts emails while up and answers 503 otherwise.
type fakeMailerSend struct {
	mu   sync.Mutex
	up   atomic.Bool
	seq  atomic.Int32
	sent []map[string]any
}

func (f *fakeMailerSend) handle(ctx *fasthttp.RequestCtx) {
	if !f.up.Load() {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		return
	}
	var body map[string]any
	_ = json.Unmarshal(ctx.PostBody(), &body)
	f.mu.Lock()
	f.sent = append(f.sent, body)
	f.mu.Unlock()

	ctx.Response.Header.Set("X-Message-Id", "prov-"+strconv.Itoa(int(f.seq.Add(1))))
	ctx.SetStatusCode(fasthttp.StatusAccepted)
}

func (f *fakeMailerSend) emails() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.sent...)
}

type TestEnvironment struct {
	RedisAdapter redis.RedisAdapter
	MessageRepo  *repository.MessageRepository
	AttemptRepo  *repository.DeliveryAttemptRepository
	RetryQueue   *queue.Queue
	Dispatcher   *services.ReplyDispatcher
	Provider     *fakeMailerSend
	Handler      fasthttp.RequestHandler
	QueueConfig  queue.QueueConfig
}

func setupE2EEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()
	ctx := context.Background()

	db := helpers.SetupTestDB(t)
	_, adapter := helpers.SetupTestRedis(t)

	provider := &fakeMailerSend{}
	provider.up.Store(true)
	ln := fasthttputil.NewInmemoryListener()
	go (&fasthttp.Server{Handler: provider.handle}).Serve(ln) //nolint:errcheck
	t.Cleanup(func() { _ = ln.Close() })

	mailer, err := gateway.NewClient(gateway.Config{
		Providers:               []gateway.ProviderConfig{{Name: "primary", URL: "http://mailersend.local", APIKey: "key", Weight: 100}},
		FromAddress:             fixtures.SupportFrom,
		FromName:                "Support",
		Timeout:                 time.Second,
		CircuitBreakerThreshold: 100,
		CircuitBreakerTimeout:   time.Minute,
		Dial:                    func(string) (net.Conn, error) { return ln.Dial() },
	})
	require.NoError(t, err)

	sequencer, err := ticket.NewSequencer(adapter, "SUP-", 1000)
	require.NoError(t, err)

	queueConfig := queue.QueueConfig{
		Name:              "delivery-retry",
		ConsumerGroup:     "redelivery",
		ConsumerName:      "e2e",
		MaxRetries:        5,
		VisibilityTimeout: 100 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		BatchSize:         10,
		MaxLen:            1000,
		EnableDLQ:         true,
	}
	retryQueue, err := queue.NewQueue(ctx, adapter, queueConfig)
	require.NoError(t, err)

	messageRepo := repository.NewMessageRepository(db)
	attemptRepo := repository.NewDeliveryAttemptRepository(db)

	dispatcher := services.NewReplyDispatcher(messageRepo, mailer, services.DispatcherOptions{
		Brand:   "Acme Support",
		ReplyTo: fixtures.InboundAddress,
		Timeout: time.Second,
	}).
		WithTickets(sequencer).
		WithDeliveryRecorder(attemptRepo).
		WithRetryPublisher(retryQueue)

	tokens, err := handlers.ParseAdminTokens("ops:" + adminToken)
	require.NoError(t, err)

	r := xhttp.CreateDefaultRouter()
	g := r.Group("/api/v1")
	handlers.RegisterAdminRoutes(g,
		handlers.NewAdminHandler(services.NewMessageService(messageRepo, sequencer), dispatcher),
		handlers.NewAdminAuth(tokens))
	handlers.RegisterInboundRoutes(g, handlers.NewInboundHandler(services.NewInboundService(messageRepo, true).WithTickets(sequencer), ""))
	handlers.RegisterHealthRoutes(g, handlers.NewHealthHandler(services.NewHealthService(map[string]services.Pinger{
		"postgres": db,
		"redis":    adapter,
	})))

	return &TestEnvironment{
		RedisAdapter: adapter,
		MessageRepo:  messageRepo,
		AttemptRepo:  attemptRepo,
		RetryQueue:   retryQueue,
		Dispatcher:   dispatcher,
		Provider:     provider,
		Handler:      r.Handler,
		QueueConfig:  queueConfig,
	}
}

func (env *TestEnvironment) do(t *testing.T, method, path string, body any, token string) (int, []byte) {
	t.Helper()
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if token != "" {
		ctx.Request.Header.Set("Authorization", "Bearer "+token)
	}
	switch b := body.(type) {
	case nil:
	case string:
		ctx.Request.SetBodyString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		ctx.Request.SetBody(raw)
	}
	env.Handler(ctx)
	return ctx.Response.StatusCode(), append([]byte(nil), ctx.Response.Body()...)
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

type listBody struct {
	Items []*model.Message `json:"items"`
	Total int64            `json:"total"`
}

func TestE2E_ConversationFlow(t *testing.T) {
	env := setupE2EEnvironment(t)

	status, raw := env.do(t, "POST", "/api/v1/admin/messages", fixtures.TestCreateRequest, adminToken)
	require.Equal(t, fasthttp.StatusCreated, status, string(raw))
	root := decode[model.Message](t, raw)
	assert.Equal(t, "SUP-1001", root.TicketNumber)
	assert.Nil(t, root.ThreadID)

	// customer answers by email quoting the ticket
	inbound := fixtures.NewInboundEmail(fixtures.CustomerEmail, "Re: Cannot access my invoice #SUP-1001", "Still broken.", "<in-1@mail.example.com>")
	status, raw = env.do(t, "POST", "/api/v1/inbound/email", inbound, "")
	require.Equal(t, fasthttp.StatusOK, status, string(raw))
	inboundID := decode[map[string]any](t, raw)["messageId"].(string)

	followUp, err := env.MessageRepo.FindByID(context.Background(), inboundID)
	require.NoError(t, err)
	require.NotNil(t, followUp.ThreadID)
	assert.Equal(t, root.ID, *followUp.ThreadID)
	assert.Equal(t, root.ID, *followUp.ParentID)

	// the same webhook delivered twice is stored once
	status, raw = env.do(t, "POST", "/api/v1/inbound/email", inbound, "")
	require.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, inboundID, decode[map[string]any](t, raw)["messageId"])

	status, raw = env.do(t, "POST", "/api/v1/admin/messages/"+inboundID+"/reply", map[string]string{"message": "We fixed the **invoice** page."}, adminToken)
	require.Equal(t, fasthttp.StatusOK, status, string(raw))
	result := decode[model.ReplyResult](t, raw)
	assert.True(t, result.Delivered)
	assert.Equal(t, fixtures.CustomerEmail, result.DeliveredTo)
	assert.Equal(t, "SUP-1001-R1", result.Reply.TicketNumber)
	assert.Equal(t, "ops", result.Reply.Name)
	assert.Equal(t, inboundID, *result.Reply.ParentID)

	emails := env.Provider.emails()
	require.Len(t, emails, 1)
	assert.Equal(t, "<in-1@mail.example.com>", emails[0]["in_reply_to"])
	assert.Contains(t, emails[0]["subject"], "#SUP-1001")
	assert.Contains(t, emails[0]["html"], "<strong>invoice</strong>")

	status, raw = env.do(t, "GET", "/api/v1/admin/messages/"+root.ID+"/thread", nil, adminToken)
	require.Equal(t, fasthttp.StatusOK, status)
	thread := decode[listBody](t, raw)
	require.Len(t, thread.Items, 3)
	assert.Equal(t, root.ID, thread.Items[0].ID)
	assert.Equal(t, inboundID, thread.Items[1].ID)
	assert.True(t, thread.Items[2].IsAdminReply)

	// the replied-to message picked up the reply status
	status, raw = env.do(t, "GET", "/api/v1/admin/messages/"+inboundID, nil, adminToken)
	require.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, model.MessageStatusReplied, decode[model.Message](t, raw).Status)

	status, raw = env.do(t, "GET", "/api/v1/admin/messages/stats", nil, adminToken)
	require.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, int64(3), decode[model.StatusCounts](t, raw).Total)

	status, _ = env.do(t, "GET", "/api/v1/health", nil, "")
	assert.Equal(t, fasthttp.StatusOK, status)
}

func TestE2E_SecondReplyGetsNextTicket(t *testing.T) {
	env := setupE2EEnvironment(t)

	status, raw := env.do(t, "POST", "/api/v1/admin/messages", fixtures.TestCreateRequest, adminToken)
	require.Equal(t, fasthttp.StatusCreated, status)
	root := decode[model.Message](t, raw)

	for i, want := range []string{"SUP-1001-R1", "SUP-1001-R2"} {
		status, raw = env.do(t, "POST", "/api/v1/admin/messages/"+root.ID+"/reply", map[string]string{"message": "update"}, adminToken)
		require.Equal(t, fasthttp.StatusOK, status, "reply %d", i)
		assert.Equal(t, want, decode[model.ReplyResult](t, raw).Reply.TicketNumber)
	}
}

func TestE2E_UnknownSenderStartsConversation(t *testing.T) {
	env := setupE2EEnvironment(t)

	status, raw := env.do(t, "POST", "/api/v1/inbound/email", fixtures.NewInboundEmail("new.person@example.com", "Hello", "First contact", ""), "")
	require.Equal(t, fasthttp.StatusOK, status, string(raw))
	id := decode[map[string]any](t, raw)["messageId"].(string)

	msg, err := env.MessageRepo.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, msg.ThreadID)
	assert.Equal(t, id, *msg.ThreadID)
	assert.Nil(t, msg.ParentID)
	assert.Equal(t, "SUP-1001", msg.TicketNumber)
}

func TestE2E_AdminRoutesRequireToken(t *testing.T) {
	env := setupE2EEnvironment(t)

	status, _ := env.do(t, "GET", "/api/v1/admin/messages", nil, "")
	assert.Equal(t, fasthttp.StatusUnauthorized, status)

	status, _ = env.do(t, "GET", "/api/v1/admin/messages", nil, "wrong")
	assert.Equal(t, fasthttp.StatusUnauthorized, status)
}

func TestE2E_FailedDeliveryIsRedelivered(t *testing.T) {
	env := setupE2EEnvironment(t)
	ctx := context.Background()

	status, raw := env.do(t, "POST", "/api/v1/admin/messages", fixtures.TestCreateRequest, adminToken)
	require.Equal(t, fasthttp.StatusCreated, status)
	root := decode[model.Message](t, raw)

	env.Provider.up.Store(false)
	status, raw = env.do(t, "POST", "/api/v1/admin/messages/"+root.ID+"/reply", map[string]string{"message": "Looking into it"}, adminToken)
	require.Equal(t, fasthttp.StatusOK, status, string(raw))
	result := decode[model.ReplyResult](t, raw)
	assert.False(t, result.Delivered)
	assert.NotEmpty(t, result.DeliveryError)

	stats, err := env.RetryQueue.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalMessages)

	env.Provider.up.Store(true)

	idem := processor.NewIdempotencyService(env.RedisAdapter, processor.DefaultIdempotencyConfig())
	svc := processor.NewProcessorService(env.RedisAdapter,
		processor.NewRedeliveryProcessor(env.Dispatcher, idem),
		processor.Options{
			Queue:          env.QueueConfig,
			Consumers:      1,
			Workers:        2,
			Buffer:         4,
			ReportInterval: time.Hour,
			HealthInterval: time.Hour,
		})
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	helpers.AssertEventually(t, 3*time.Second, func() bool {
		reply, err := env.MessageRepo.FindByID(ctx, result.Reply.ID)
		return err == nil && reply.EmailMessageID != ""
	}, "reply was not redelivered")

	attempts, err := env.AttemptRepo.ListByMessage(ctx, result.Reply.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, model.DeliveryStatusFailed, attempts[0].Status)
	assert.Equal(t, model.DeliveryStatusSent, attempts[1].Status)
	assert.Len(t, env.Provider.emails(), 1)
}
