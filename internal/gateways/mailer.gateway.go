package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nimasrn/support-desk/pkg/logger"
	"github.com/nimasrn/support-desk/pkg/prom"
	"github.com/valyala/fasthttp"
)

var (
	ErrNoAvailableProviders = errors.New("no available email providers")
	ErrInvalidEmail         = errors.New("invalid outbound email")
)

const sendPath = "/v1/email"

// Email is an outbound message. InReplyTo and References carry the provider
// message id of the email being answered so clients thread the conversation.
type Email struct {
	ToAddress  string
	ToName     string
	Subject    string
	HTML       string
	Text       string
	ReplyTo    string
	InReplyTo  string
	References []string
}

func (e *Email) Validate() error {
	if e == nil || strings.TrimSpace(e.ToAddress) == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidEmail)
	}
	if strings.TrimSpace(e.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidEmail)
	}
	if e.HTML == "" && e.Text == "" {
		return fmt.Errorf("%w: body is required", ErrInvalidEmail)
	}
	return nil
}

// SendResult identifies the accepted message at the provider.
type SendResult struct {
	MessageID string
	Provider  string
}

type address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendPayload struct {
	From       address   `json:"from"`
	To         []address `json:"to"`
	ReplyTo    *address  `json:"reply_to,omitempty"`
	Subject    string    `json:"subject"`
	Text       string    `json:"text,omitempty"`
	HTML       string    `json:"html,omitempty"`
	InReplyTo  string    `json:"in_reply_to,omitempty"`
	References []string  `json:"references,omitempty"`
}

type ProviderConfig struct {
	Name   string
	URL    string
	APIKey string
	Weight int // 1-100
}

type Config struct {
	Providers   []ProviderConfig
	FromAddress string
	FromName    string
	Timeout     time.Duration
	// MaxRetries is the number of extra attempts after the first one.
	MaxRetries              int
	RetryDelay              time.Duration
	MaxConns                int
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
	// Dial overrides how connections are opened, tests use an in-memory listener.
	Dial fasthttp.DialFunc
}

// Client sends transactional email through the best available provider and
// fails over between providers on error.
type Client struct {
	config    Config
	providers []*Provider
}

func NewClient(config Config) (*Client, error) {
	var urls []ProviderConfig
	for _, pc := range config.Providers {
		if pc.URL != "" {
			urls = append(urls, pc)
		}
	}
	if len(urls) == 0 {
		return nil, errors.New("at least one provider is required")
	}
	if config.FromAddress == "" {
		return nil, errors.New("from address is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 3 * time.Second
	}
	if config.MaxConns <= 0 {
		config.MaxConns = 64
	}

	c := &Client{config: config}
	for _, pc := range urls {
		httpClient := &fasthttp.Client{
			Name:                "support-desk",
			MaxConnsPerHost:     config.MaxConns,
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
			Dial:                config.Dial,
		}
		c.providers = append(c.providers, NewProvider(pc.Name, strings.TrimRight(pc.URL, "/"), pc.APIKey, pc.Weight, httpClient))
		logger.Info("email provider initialized", "name", pc.Name, "url", pc.URL, "weight", pc.Weight)
	}
	return c, nil
}

// Providers returns the providers ordered by current score.
func (c *Client) Providers() []*Provider {
	ranked := make([]*Provider, len(c.providers))
	copy(ranked, c.providers)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score() > ranked[j].Score()
	})
	return ranked
}

func (c *Client) selectProvider(exclude map[*Provider]bool) (*Provider, error) {
	for _, p := range c.Providers() {
		if exclude[p] || !p.IsAvailable() {
			continue
		}
		return p, nil
	}
	return nil, ErrNoAvailableProviders
}

// Send delivers the email. With MaxRetries at zero it makes exactly one attempt.
func (c *Client) Send(ctx context.Context, email *Email) (*SendResult, error) {
	if err := email.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(c.payload(email))
	if err != nil {
		return nil, fmt.Errorf("marshal email: %w", err)
	}

	tried := map[*Provider]bool{}
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}

		provider, err := c.selectProvider(tried)
		if err != nil {
			// every provider was tried once, allow another round
			tried = map[*Provider]bool{}
			if provider, err = c.selectProvider(tried); err != nil {
				lastErr = err
				continue
			}
		}
		tried[provider] = true

		start := time.Now()
		messageID, err := c.doRequest(ctx, provider, body)
		elapsed := time.Since(start)
		if err != nil {
			provider.metrics.RecordFailure()
			prom.AddEmailDeliveryDuration(elapsed.Seconds(), provider.name, "failed")
			if provider.tripIfNeeded(c.config.CircuitBreakerThreshold, c.config.CircuitBreakerTimeout) {
				logger.Warn("email provider circuit opened", "provider", provider.name, "cooldown", c.config.CircuitBreakerTimeout)
			}
			logger.Warn("email send failed", "provider", provider.name, "attempt", attempt+1, "error", err)
			lastErr = err
			continue
		}

		provider.recordSuccess(elapsed.Milliseconds())
		prom.AddEmailDeliveryDuration(elapsed.Seconds(), provider.name, "sent")
		logger.Info("email accepted by provider", "provider", provider.name, "provider_message_id", messageID, "latency_ms", elapsed.Milliseconds())
		return &SendResult{MessageID: messageID, Provider: provider.name}, nil
	}

	return nil, fmt.Errorf("send email failed after %d attempt(s): %w", c.config.MaxRetries+1, lastErr)
}

func (c *Client) payload(email *Email) sendPayload {
	p := sendPayload{
		From:       address{Email: c.config.FromAddress, Name: c.config.FromName},
		To:         []address{{Email: email.ToAddress, Name: email.ToName}},
		Subject:    email.Subject,
		Text:       email.Text,
		HTML:       email.HTML,
		InReplyTo:  email.InReplyTo,
		References: email.References,
	}
	if email.ReplyTo != "" {
		p.ReplyTo = &address{Email: email.ReplyTo}
	}
	return p
}

func (c *Client) doRequest(ctx context.Context, provider *Provider, body []byte) (string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(provider.url + sendPath)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if provider.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+provider.apiKey)
	}
	req.SetBody(body)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.Timeout)
	}
	if err := provider.client.DoDeadline(req, resp, deadline); err != nil {
		return "", fmt.Errorf("request to %s: %w", provider.name, err)
	}

	status := resp.StatusCode()
	if status != fasthttp.StatusOK && status != fasthttp.StatusAccepted {
		return "", fmt.Errorf("provider %s returned %d: %s", provider.name, status, truncate(resp.Body(), 256))
	}
	return string(resp.Header.Peek("X-Message-Id")), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
