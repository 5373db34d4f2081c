package handlers

import (
	"context"

	"github.com/fasthttp/router"
	xhttp "github.com/nimasrn/support-desk/pkg/http"
)

type HealthService interface {
	Check(ctx context.Context) map[string]string
}

type HealthHandler struct {
	svc HealthService
}

func RegisterHealthRoutes(e *router.Group, h *HealthHandler) {
	e.GET("/health", h.GetHealth)
}

func NewHealthHandler(svc HealthService) *HealthHandler {
	return &HealthHandler{
		svc: svc,
	}
}

func (h *HealthHandler) GetHealth(ctx *xhttp.RequestCtx) {
	if h.svc != nil {
		if failed := h.svc.Check(ctx); len(failed) > 0 {
			writeJSON(ctx, xhttp.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "failed": failed})
			return
		}
	}
	writeJSON(ctx, xhttp.StatusOK, map[string]string{"status": "ok"})
}
