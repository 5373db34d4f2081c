package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/fasthttp/router"
	"github.com/nimasrn/support-desk/internal/model"
	xhttp "github.com/nimasrn/support-desk/pkg/http"
	"github.com/nimasrn/support-desk/pkg/logger"
)

const signatureHeader = "Signature"

type InboundService interface {
	Ingest(ctx context.Context, in model.InboundEmail) (*model.Message, error)
}

type InboundHandler struct {
	svc    InboundService
	secret []byte
}

// NewInboundHandler verifies webhook signatures only when secret is set.
func NewInboundHandler(svc InboundService, secret string) *InboundHandler {
	h := &InboundHandler{svc: svc}
	if secret != "" {
		h.secret = []byte(secret)
	}
	return h
}

func RegisterInboundRoutes(e *router.Group, h *InboundHandler) {
	e.POST("/inbound/email", h.ReceiveEmail)
}

type inboundResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
}

func (h *InboundHandler) ReceiveEmail(ctx *xhttp.RequestCtx) {
	if !h.verify(ctx.PostBody(), string(ctx.Request.Header.Peek(signatureHeader))) {
		logger.Warn("inbound webhook signature mismatch", "request_id", xhttp.RequestID(ctx))
		writeError(ctx, xhttp.StatusUnauthorized, "invalid signature")
		return
	}

	var in model.InboundEmail
	if err := readJSON(ctx, &in); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	msg, err := h.svc.Ingest(ctx, in)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, inboundResponse{Success: true, MessageID: msg.ID})
}

func (h *InboundHandler) verify(body []byte, signature string) bool {
	if h.secret == nil {
		return true
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the hex signature the webhook expects for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
