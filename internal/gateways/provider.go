package gateway

import (
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

type ProviderState int32

const (
	StateHealthy ProviderState = iota
	StateDegraded
	StateCircuitOpen
)

func (s ProviderState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// ProviderMetrics counts requests against one email provider endpoint.
type ProviderMetrics struct {
	TotalRequests    atomic.Int64
	SuccessfulReqs   atomic.Int64
	FailedReqs       atomic.Int64
	TotalLatencyMs   atomic.Int64
	ConsecutiveFails atomic.Int32
	LastErrorTime    atomic.Int64
	LastSuccessTime  atomic.Int64
}

func (m *ProviderMetrics) RecordSuccess(latencyMs int64) {
	m.TotalRequests.Add(1)
	m.SuccessfulReqs.Add(1)
	m.TotalLatencyMs.Add(latencyMs)
	m.ConsecutiveFails.Store(0)
	m.LastSuccessTime.Store(time.Now().Unix())
}

func (m *ProviderMetrics) RecordFailure() {
	m.TotalRequests.Add(1)
	m.FailedReqs.Add(1)
	m.ConsecutiveFails.Add(1)
	m.LastErrorTime.Store(time.Now().Unix())
}

func (m *ProviderMetrics) SuccessRate() float64 {
	total := m.TotalRequests.Load()
	if total == 0 {
		return 1.0
	}
	return float64(m.SuccessfulReqs.Load()) / float64(total)
}

func (m *ProviderMetrics) AvgLatencyMs() int64 {
	total := m.SuccessfulReqs.Load()
	if total == 0 {
		return 0
	}
	return m.TotalLatencyMs.Load() / total
}

// Provider is one endpoint of the transactional email API.
type Provider struct {
	name             string
	url              string
	apiKey           string
	weight           int
	client           *fasthttp.Client
	metrics          ProviderMetrics
	state            atomic.Int32
	circuitOpenUntil atomic.Int64
}

func NewProvider(name, url, apiKey string, weight int, client *fasthttp.Client) *Provider {
	return &Provider{name: name, url: url, apiKey: apiKey, weight: weight, client: client}
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) State() ProviderState {
	return ProviderState(p.state.Load())
}

func (p *Provider) setState(s ProviderState) {
	p.state.Store(int32(s))
}

// IsAvailable reports whether requests may be sent. An open circuit moves to
// degraded once its cool-down has elapsed so a single probe can go through.
func (p *Provider) IsAvailable() bool {
	if p.State() != StateCircuitOpen {
		return true
	}
	if time.Now().UnixNano() >= p.circuitOpenUntil.Load() {
		p.setState(StateDegraded)
		return true
	}
	return false
}

// Score ranks available providers, higher is better.
func (p *Provider) Score() float64 {
	if !p.IsAvailable() {
		return 0
	}
	penalty := 1.0 - float64(p.metrics.ConsecutiveFails.Load())*0.2
	if penalty < 0.1 {
		penalty = 0.1
	}
	if p.State() == StateDegraded {
		penalty *= 0.5
	}
	return (p.metrics.SuccessRate()*100*0.5 + float64(p.weight)*0.5) * penalty
}

func (p *Provider) tripIfNeeded(threshold int, cooldown time.Duration) bool {
	if threshold <= 0 || int(p.metrics.ConsecutiveFails.Load()) < threshold {
		return false
	}
	p.setState(StateCircuitOpen)
	p.circuitOpenUntil.Store(time.Now().Add(cooldown).UnixNano())
	return true
}

func (p *Provider) recordSuccess(latencyMs int64) {
	p.metrics.RecordSuccess(latencyMs)
	if p.State() == StateDegraded {
		p.setState(StateHealthy)
	}
}
