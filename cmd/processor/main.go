package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nimasrn/support-desk/internal/config"
	gateway "github.com/nimasrn/support-desk/internal/gateways"
	"github.com/nimasrn/support-desk/internal/processor"
	"github.com/nimasrn/support-desk/internal/repository"
	"github.com/nimasrn/support-desk/internal/services"
	"github.com/nimasrn/support-desk/internal/ticket"
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
	logger.SetService("support-processor")

	err := config.Load(config.EnvPathFromArgs(os.Args, ""))
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}
	cfg := config.Get()
	logger.Info("starting redelivery processor", "version", version, "commit", commit, "date", date, "env", cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := pg.CreateReadWrite(cfg.PostgresRead(), cfg.PostgresWrite(), cfg.AppEnv == "dev")
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", cfg.RedisUniversalKeyPrefix, cfg.RedisOptions("support-processor"))
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	client, err := gateway.NewClient(cfg.Mailer())
	if err != nil {
		logger.Error("failed to create email gateway", "error", err)
		return
	}

	sequencer, err := ticket.NewSequencer(redisAdap, cfg.TicketPrefix, cfg.TicketRootStart)
	if err != nil {
		logger.Error("failed creating ticket sequencer", "error", err)
		return
	}

	messageRepo := repository.NewMessageRepository(db)
	attemptRepo := repository.NewDeliveryAttemptRepository(db)

	// no retry publisher here, the stream entry itself stays pending on failure
	dispatcher := services.NewReplyDispatcher(messageRepo, client, services.DispatcherOptions{
		Brand:            cfg.BrandName,
		ReplyTo:          cfg.MailInboundAddr,
		DefaultAdminName: cfg.AdminReplyName,
		Timeout:          cfg.MailTimeout,
	}).
		WithTickets(sequencer).
		WithDeliveryRecorder(attemptRepo)

	idempotency := processor.NewIdempotencyService(redisAdap, processor.DefaultIdempotencyConfig())
	service := processor.NewProcessorService(redisAdap,
		processor.NewRedeliveryProcessor(dispatcher, idempotency),
		processor.OptionsFromConfig(cfg))

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

	if err := service.Start(ctx); err != nil {
		logger.Error("failed to start processor", "error", err)
		return
	}

	<-ctx.Done()
	service.Stop()
}
