package suggestion

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/replydesk/backend/internal/gateway"
	"github.com/zhouzirui/replydesk/backend/internal/model/chat"
	"github.com/zhouzirui/replydesk/backend/internal/service/suggest"
	"github.com/zhouzirui/replydesk/backend/pkg/utils"
)

// Reviewer 抽象操作员审核操作
type Reviewer interface {
	Active(ctx context.Context, conversationID int64) (*chat.SuggestionClaim, error)
	Approve(ctx context.Context, conversationID int64, editedText string) (*suggest.Approval, error)
	Reject(ctx context.Context, conversationID int64) (*chat.SuggestionClaim, error)
}

// Handler 建议审核的 HTTP 处理器
type Handler struct {
	review Reviewer
}

// New 创建审核处理器
func New(review Reviewer) *Handler {
	return &Handler{review: review}
}

// RegisterRoutes 注册审核路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/conversations/{conversationID}/suggestion", func(sr chi.Router) {
		sr.Get("/", h.handleGet)
		sr.Post("/approve", h.handleApprove)
		sr.Post("/reject", h.handleReject)
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	claim, err := h.review.Active(r.Context(), id)
	if err != nil {
		respondReviewError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, claim)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := utils.DecodeOptionalJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	approval, err := h.review.Approve(r.Context(), id, payload.Text)
	if err != nil {
		respondReviewError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, approval)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	claim, err := h.review.Reject(r.Context(), id)
	if err != nil {
		respondReviewError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, claim)
}

func conversationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "conversationID"), 10, 64)
	if err != nil || id <= 0 {
		utils.RespondError(w, http.StatusBadRequest, "invalid conversation id")
		return 0, false
	}
	return id, true
}

func respondReviewError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, suggest.ErrNoSuggestion):
		utils.RespondError(w, http.StatusNotFound, "no suggestion")
	case errors.Is(err, suggest.ErrConversationNotFound):
		utils.RespondError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, gateway.ErrSenderUnavailable):
		utils.RespondError(w, http.StatusBadGateway, "send failed")
	default:
		log.Printf("[review] %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}
