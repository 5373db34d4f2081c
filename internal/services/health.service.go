package services

import (
	"context"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthService reports whether the dependencies the API needs are reachable.
type HealthService struct {
	checks map[string]Pinger
}

func NewHealthService(checks map[string]Pinger) *HealthService {
	return &HealthService{checks: checks}
}

// Check pings every dependency and returns the failures by name.
func (s *HealthService) Check(ctx context.Context) map[string]string {
	failed := map[string]string{}
	for name, p := range s.checks {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	return failed
}
