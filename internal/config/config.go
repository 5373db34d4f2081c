package config

import (
	"os"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	gateway "github.com/nimasrn/support-desk/internal/gateways"
	"github.com/nimasrn/support-desk/pkg/logger"
	"github.com/nimasrn/support-desk/pkg/pg"
	"github.com/nimasrn/support-desk/pkg/redis"
	"github.com/pkg/errors"
)

var config *Config

// Config holds every value the binaries read from the environment. Nothing
// else in the module reads env vars directly.
type Config struct {
	AppEnv              string `env:"APP_ENV,default=dev"`
	AppName             string `env:"APP_NAME,default=support_desk"`
	AppDebugMetricsAddr string `env:"APP_DEBUG_METRIC_ADDR,default=:9100"`
	AppDebugMetricsURI  string `env:"APP_DEBUG_METRIC_URI,default=/metrics"`
	BrandName           string `env:"APP_BRAND_NAME,default=Support"`

	HttpListenAddr     string        `env:"HTTP_LISTEN_ADDR,default=:8080"`
	HttpRequestTimeout time.Duration `env:"HTTP_REQUEST_TIMEOUT,default=5s"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT,default=5432"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT,default=5432"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`

	RedisAddr               string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX,default=support:"`

	PromNamespace string `env:"PROM_NAMESPACE,default=support_desk"`

	TicketPrefix    string `env:"TICKET_PREFIX,default=SUP-"`
	TicketRootStart int64  `env:"TICKET_ROOT_START,default=1000"`

	AdminAPITokens string `env:"ADMIN_API_TOKENS"`
	AdminReplyName string `env:"ADMIN_REPLY_NAME,default=Admin"`

	InboundWebhookSecret string `env:"INBOUND_WEBHOOK_SECRET"`
	InboundDeduplicate   bool   `env:"INBOUND_DEDUPLICATE,default=true"`

	MailPrimaryURL    string        `env:"MAIL_PRIMARY_URL,default=https://api.mailersend.com"`
	MailBackupURL     string        `env:"MAIL_BACKUP_URL"`
	MailAPIKey        string        `env:"MAIL_API_KEY"`
	MailFromAddress   string        `env:"MAIL_FROM_ADDRESS"`
	MailFromName      string        `env:"MAIL_FROM_NAME,default=Support"`
	MailInboundAddr   string        `env:"MAIL_INBOUND_ADDRESS"`
	MailTimeout       time.Duration `env:"MAIL_TIMEOUT,default=3s"`
	MailMaxRetries    int           `env:"MAIL_MAX_RETRIES,default=0"`
	MailRetryDelay    time.Duration `env:"MAIL_RETRY_DELAY,default=100ms"`
	MailBreakerTrips  int           `env:"MAIL_CIRCUIT_BREAKER_THRESHOLD,default=5"`
	MailBreakerWindow time.Duration `env:"MAIL_CIRCUIT_BREAKER_TIMEOUT,default=60s"`

	QueueName              string        `env:"QUEUE_NAME,default=delivery-retry"`
	QueueConsumerGroup     string        `env:"QUEUE_CONSUMER_GROUP,default=redelivery"`
	QueueConsumerName      string        `env:"QUEUE_CONSUMER_NAME,default=processor"`
	QueueConsumers         int           `env:"QUEUE_CONSUMERS,default=2"`
	QueueWorkers           int           `env:"QUEUE_WORKERS,default=8"`
	QueueMaxRetries        int           `env:"QUEUE_MAX_RETRIES,default=5"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT,default=30s"`
	QueuePollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL,default=1s"`
	QueueBatchSize         int64         `env:"QUEUE_BATCH_SIZE,default=10"`
	QueueMaxLen            int64         `env:"QUEUE_MAX_LEN,default=100000"`
	QueueEnableDLQ         bool          `env:"QUEUE_ENABLE_DLQ,default=true"`
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return errors.Wrapf(err, "failed to load configuration file %s", path)
		}
	}

	c := &Config{}
	if _, err := env.UnmarshalFromEnviron(c); err != nil {
		return errors.Wrap(err, "failed to map env variables to configuration")
	}

	config = c
	return nil
}

// Set replaces the active configuration, used by tests.
func Set(c *Config) {
	config = c
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}

func (c *Config) PostgresRead() pg.Config {
	return pg.Config{
		User:     c.PostgresReadUser,
		Host:     c.PostgresReadHost,
		Port:     c.PostgresReadPort,
		Password: c.PostgresReadPassword,
		Database: c.PostgresReadDatabase,
	}
}

func (c *Config) PostgresWrite() pg.Config {
	return pg.Config{
		User:     c.PostgresWriteUser,
		Host:     c.PostgresWriteHost,
		Port:     c.PostgresWritePort,
		Password: c.PostgresWritePassword,
		Database: c.PostgresWriteDatabase,
	}
}

func (c *Config) RedisOptions(clientName string) *redis.Options {
	return &redis.Options{
		Addrs:      []string{c.RedisAddr},
		ClientName: clientName,
		DB:         c.RedisDatabase,
		Username:   c.RedisUsername,
		Password:   c.RedisPassword,
	}
}

// Mailer builds the email gateway settings. The backup provider is only used
// when MAIL_BACKUP_URL is set.
func (c *Config) Mailer() gateway.Config {
	return gateway.Config{
		Providers: []gateway.ProviderConfig{
			{Name: "primary", URL: c.MailPrimaryURL, APIKey: c.MailAPIKey, Weight: 100},
			{Name: "backup", URL: c.MailBackupURL, APIKey: c.MailAPIKey, Weight: 60},
		},
		FromAddress:             c.MailFromAddress,
		FromName:                c.MailFromName,
		Timeout:                 c.MailTimeout,
		MaxRetries:              c.MailMaxRetries,
		RetryDelay:              c.MailRetryDelay,
		MaxConns:                256,
		CircuitBreakerThreshold: c.MailBreakerTrips,
		CircuitBreakerTimeout:   c.MailBreakerWindow,
	}
}

// ArgValue returns the value of a --name=value command line flag, or "".
func ArgValue(args []string, name string) string {
	prefix := "--" + name + "="
	for _, v := range args {
		if strings.HasPrefix(v, prefix) {
			return strings.TrimPrefix(v, prefix)
		}
	}
	return ""
}

// EnvPathFromArgs resolves the --env= flag, falling back to fallback when the
// flag is absent. A path that cannot be opened is logged and ignored.
func EnvPathFromArgs(args []string, fallback string) string {
	path := ArgValue(args, "env")
	if path == "" {
		path = fallback
	}
	if path == "" {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		logger.Warn("env file not readable, using process environment", "path", path, "error", err)
		return ""
	}
	return path
}
