package handlers

import (
	"context"

	"github.com/fasthttp/router"
	"github.com/nimasrn/support-desk/internal/model"
	xhttp "github.com/nimasrn/support-desk/pkg/http"
)

type MessageService interface {
	Create(ctx context.Context, p model.MessageCreateRequest) (*model.Message, error)
	Get(ctx context.Context, id string) (*model.Message, error)
	Thread(ctx context.Context, id string) ([]*model.Message, error)
	List(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error)
	Stats(ctx context.Context) (*model.StatusCounts, error)
	UpdateStatus(ctx context.Context, id string, status model.MessageStatus) error
	Delete(ctx context.Context, id string) (int64, error)
}

type ReplyService interface {
	Reply(ctx context.Context, req model.ReplyRequest) (*model.ReplyResult, error)
}

type AdminHandler struct {
	svc     MessageService
	replies ReplyService
}

func NewAdminHandler(svc MessageService, replies ReplyService) *AdminHandler {
	return &AdminHandler{svc: svc, replies: replies}
}

func RegisterAdminRoutes(e *router.Group, h *AdminHandler, auth *AdminAuth) {
	e.GET("/admin/messages", auth.Wrap(h.ListMessages))
	e.POST("/admin/messages", auth.Wrap(h.CreateMessage))
	g := e.Group("/admin/messages")
	g.GET("/stats", auth.Wrap(h.Stats))
	g.GET("/{id}", auth.Wrap(h.GetMessage))
	g.DELETE("/{id}", auth.Wrap(h.DeleteMessage))
	g.GET("/{id}/thread", auth.Wrap(h.GetThread))
	g.POST("/{id}/reply", auth.Wrap(h.Reply))
	g.PATCH("/{id}/status", auth.Wrap(h.UpdateStatus))
}

type listResponse struct {
	Items []*model.Message `json:"items"`
	Total int64            `json:"total"`
}

type replyRequest struct {
	Message string              `json:"message"`
	Status  model.MessageStatus `json:"status"`
}

type statusRequest struct {
	Status model.MessageStatus `json:"status"`
}

func (h *AdminHandler) ListMessages(ctx *xhttp.RequestCtx) {
	items, total, err := h.svc.List(ctx, parseFilter(ctx))
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, listResponse{Items: items, Total: total})
}

func (h *AdminHandler) CreateMessage(ctx *xhttp.RequestCtx) {
	var req model.MessageCreateRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	msg, err := h.svc.Create(ctx, req)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusCreated, msg)
}

func (h *AdminHandler) Stats(ctx *xhttp.RequestCtx) {
	counts, err := h.svc.Stats(ctx)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, counts)
}

func (h *AdminHandler) GetMessage(ctx *xhttp.RequestCtx) {
	msg, err := h.svc.Get(ctx, pathParam(ctx, "id"))
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, msg)
}

func (h *AdminHandler) GetThread(ctx *xhttp.RequestCtx) {
	thread, err := h.svc.Thread(ctx, pathParam(ctx, "id"))
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, listResponse{Items: thread, Total: int64(len(thread))})
}

func (h *AdminHandler) DeleteMessage(ctx *xhttp.RequestCtx) {
	n, err := h.svc.Delete(ctx, pathParam(ctx, "id"))
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, map[string]int64{"deleted": n})
}

func (h *AdminHandler) Reply(ctx *xhttp.RequestCtx) {
	var req replyRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	res, err := h.replies.Reply(ctx, model.ReplyRequest{
		TargetID:  pathParam(ctx, "id"),
		Body:      req.Message,
		Status:    req.Status,
		AdminName: AdminName(ctx),
	})
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, res)
}

func (h *AdminHandler) UpdateStatus(ctx *xhttp.RequestCtx) {
	var req statusRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	id := pathParam(ctx, "id")
	if err := h.svc.UpdateStatus(ctx, id, req.Status); err != nil {
		writeServiceError(ctx, err)
		return
	}
	msg, err := h.svc.Get(ctx, id)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, msg)
}
