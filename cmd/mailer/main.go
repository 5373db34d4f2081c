package main

import (
	"context"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Address is a MailerSend style recipient.
type Address struct {
	Email string `json:"email" binding:"required,email"`
	Name  string `json:"name,omitempty"`
}

// SendEmailRequest mirrors the body of POST /v1/email.
type SendEmailRequest struct {
	From       Address   `json:"from" binding:"required"`
	To         []Address `json:"to" binding:"required,min=1,dive"`
	ReplyTo    *Address  `json:"reply_to,omitempty"`
	Subject    string    `json:"subject" binding:"required"`
	Text       string    `json:"text"`
	HTML       string    `json:"html"`
	InReplyTo  string    `json:"in_reply_to"`
	References []string  `json:"references"`
}

// SentEmail is what the mock remembers about an accepted email.
type SentEmail struct {
	MessageID  string    `json:"message_id"`
	To         string    `json:"to"`
	Subject    string    `json:"subject"`
	InReplyTo  string    `json:"in_reply_to,omitempty"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// MockMailer accepts emails like the MailerSend API does and fails a
// configurable share of them.
type MockMailer struct {
	mu          sync.Mutex
	failureRate float64
	minDelay    time.Duration
	maxDelay    time.Duration
	apiKey      string
	rng         *rand.Rand
	sent        []SentEmail
	maxHistory  int
}

func NewMockMailer(failureRate float64, minDelay, maxDelay time.Duration, apiKey string) *MockMailer {
	return &MockMailer{
		failureRate: failureRate,
		minDelay:    minDelay,
		maxDelay:    maxDelay,
		apiKey:      apiKey,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		maxHistory:  500,
	}
}

func (m *MockMailer) randomDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	delta := m.maxDelay - m.minDelay
	if delta <= 0 {
		return m.minDelay
	}
	return m.minDelay + time.Duration(m.rng.Int63n(int64(delta)))
}

func (m *MockMailer) shouldFail() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64() < m.failureRate
}

func (m *MockMailer) remember(e SentEmail) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, e)
	if len(m.sent) > m.maxHistory {
		m.sent = m.sent[len(m.sent)-m.maxHistory:]
	}
}

func (m *MockMailer) history() []SentEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentEmail, len(m.sent))
	copy(out, m.sent)
	return out
}

type Handler struct {
	mailer *MockMailer
}

func NewHandler(mailer *MockMailer) *Handler {
	return &Handler{mailer: mailer}
}

// Authorize checks the bearer token when the mock was started with one.
func (h *Handler) Authorize(c *gin.Context) {
	if h.mailer.apiKey == "" {
		c.Next()
		return
	}
	if strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ") != h.mailer.apiKey {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthenticated."})
		return
	}
	c.Next()
}

func (h *Handler) SendEmail(c *gin.Context) {
	var req SendEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"message": "The given data was invalid.",
			"errors":  err.Error(),
		})
		return
	}

	time.Sleep(h.mailer.randomDelay())

	if h.mailer.shouldFail() {
		log.Warn().
			Str("to", req.To[0].Email).
			Str("subject", req.Subject).
			Msg("simulated provider failure")
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "Service temporarily unavailable."})
		return
	}

	id := uuid.NewString()
	h.mailer.remember(SentEmail{
		MessageID:  id,
		To:         req.To[0].Email,
		Subject:    req.Subject,
		InReplyTo:  req.InReplyTo,
		AcceptedAt: time.Now(),
	})

	log.Info().
		Str("message_id", id).
		Str("to", req.To[0].Email).
		Str("subject", req.Subject).
		Str("in_reply_to", req.InReplyTo).
		Msg("email accepted")

	c.Header("X-Message-Id", id)
	c.Status(http.StatusAccepted)
}

func (h *Handler) ListSent(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.mailer.history()})
}

func (h *Handler) UpdateConfig(c *gin.Context) {
	var body struct {
		FailureRate *float64 `json:"failure_rate"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request", "errors": err.Error()})
		return
	}

	h.mailer.mu.Lock()
	if body.FailureRate != nil && *body.FailureRate >= 0 && *body.FailureRate <= 1 {
		h.mailer.failureRate = *body.FailureRate
		log.Info().Float64("rate", *body.FailureRate).Msg("updated failure rate")
	}
	rate := h.mailer.failureRate
	h.mailer.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"failure_rate": rate})
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
}

func SetupRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request processed")
	})

	v1 := router.Group("/v1", h.Authorize)
	{
		v1.POST("/email", h.SendEmail)
		v1.GET("/email", h.ListSent)
		v1.PUT("/config", h.UpdateConfig)
	}
	router.GET("/health", h.HealthCheck)

	return router
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	port := getEnv("PORT", "8082")
	failureRate := getEnvFloat("FAILURE_RATE", 0)
	minDelay := getEnvDuration("MIN_DELAY", 20*time.Millisecond)
	maxDelay := getEnvDuration("MAX_DELAY", 200*time.Millisecond)
	apiKey := os.Getenv("API_KEY")

	log.Info().
		Str("port", port).
		Float64("failure_rate", failureRate).
		Dur("min_delay", minDelay).
		Dur("max_delay", maxDelay).
		Bool("auth", apiKey != "").
		Msg("starting mock email provider")

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      SetupRouter(NewHandler(NewMockMailer(failureRate, minDelay, maxDelay, apiKey))),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
