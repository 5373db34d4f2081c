package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nimasrn/support-desk/internal/config"
	gateway "github.com/nimasrn/support-desk/internal/gateways"
	"github.com/nimasrn/support-desk/internal/handlers"
	"github.com/nimasrn/support-desk/internal/queue"
	"github.com/nimasrn/support-desk/internal/repository"
	"github.com/nimasrn/support-desk/internal/services"
	"github.com/nimasrn/support-desk/internal/ticket"
	xhttp "github.com/nimasrn/support-desk/pkg/http"
	"github.com/nimasrn/support-desk/pkg/logger"
	"github.com/nimasrn/support-desk/pkg/pg"
	"github.com/nimasrn/support-desk/pkg/prom"
	"github.com/nimasrn/support-desk/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	defer logger.Sync()
	logger.SetService("support-api")

	err := config.Load(config.EnvPathFromArgs(os.Args, ""))
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}
	cfg := config.Get()
	logger.Info("starting support api", "version", version, "commit", commit, "date", date, "env", cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := pg.CreateReadWrite(cfg.PostgresRead(), cfg.PostgresWrite(), cfg.AppEnv == "dev")
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", cfg.RedisUniversalKeyPrefix, cfg.RedisOptions("support-api"))
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	sequencer, err := ticket.NewSequencer(redisAdap, cfg.TicketPrefix, cfg.TicketRootStart)
	if err != nil {
		logger.Error("failed creating ticket sequencer", "error", err)
		return
	}

	retryQueue, err := queue.NewQueue(ctx, redisAdap, queue.QueueConfig{
		Name:          cfg.QueueName,
		ConsumerGroup: cfg.QueueConsumerGroup,
		ConsumerName:  "api",
		MaxLen:        cfg.QueueMaxLen,
		EnableDLQ:     cfg.QueueEnableDLQ,
	})
	if err != nil {
		logger.Error("failed creating retry queue", "error", err)
		return
	}

	// replies are still stored when no provider is configured
	var mailer services.Mailer
	if client, err := gateway.NewClient(cfg.Mailer()); err != nil {
		logger.Warn("email delivery disabled", "error", err)
	} else {
		mailer = client
	}

	tokens, err := handlers.ParseAdminTokens(cfg.AdminAPITokens)
	if err != nil {
		logger.Error("invalid ADMIN_API_TOKENS", "error", err)
		return
	}
	if len(tokens) == 0 {
		logger.Warn("no admin tokens configured, admin routes will reject every request")
	}

	messageRepo := repository.NewMessageRepository(db)
	attemptRepo := repository.NewDeliveryAttemptRepository(db)

	// services
	messageService := services.NewMessageService(messageRepo, sequencer)
	inboundService := services.NewInboundService(messageRepo, cfg.InboundDeduplicate).WithTickets(sequencer)
	dispatcher := services.NewReplyDispatcher(messageRepo, mailer, services.DispatcherOptions{
		Brand:            cfg.BrandName,
		ReplyTo:          cfg.MailInboundAddr,
		DefaultAdminName: cfg.AdminReplyName,
		Timeout:          cfg.MailTimeout,
	}).
		WithTickets(sequencer).
		WithDeliveryRecorder(attemptRepo).
		WithRetryPublisher(retryQueue)
	healthService := services.NewHealthService(map[string]services.Pinger{
		"postgres": db,
		"redis":    redisAdap,
	})

	// transport
	opts := xhttp.DefaultServerOption
	opts.Name = cfg.AppName
	opts.RequestTimeout = cfg.HttpRequestTimeout
	s := xhttp.NewServer(opts)
	s.Use(xhttp.RecoverMiddleware)
	s.Use(xhttp.RequestIDMiddleware)
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.CompressMiddleware(opts.CompressionLevel))
	s.Use(xhttp.TimeoutMiddleware(opts.RequestTimeout))

	// v1 handlers
	g := s.Router.Group("/api/v1")
	handlers.RegisterAdminRoutes(g, handlers.NewAdminHandler(messageService, dispatcher), handlers.NewAdminAuth(tokens))
	handlers.RegisterInboundRoutes(g, handlers.NewInboundHandler(inboundService, cfg.InboundWebhookSecret))
	handlers.RegisterHealthRoutes(g, handlers.NewHealthHandler(healthService))

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err := prom.Create(hostname, cfg.AppEnv, cfg.PromNamespace); err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}
	go func() {
		if err := prom.ListenAndServe(cfg.AppDebugMetricsAddr, cfg.AppDebugMetricsURI); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	go func() {
		if err := s.ListenAndServe(cfg.HttpListenAddr); err != nil {
			logger.Error("error in running http-server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	s.Shutdown()
}
