package webhook

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/replydesk/backend/internal/gateway"
	"github.com/zhouzirui/replydesk/backend/internal/model/chat"
	"github.com/zhouzirui/replydesk/backend/internal/service/ingest"
	"github.com/zhouzirui/replydesk/backend/pkg/utils"
)

// Ingestor 抽象入库流程，便于测试替换
type Ingestor interface {
	Handle(ctx context.Context, events []gateway.Event) (ingest.Result, error)
}

// Handler 各网关 webhook 的 HTTP 处理器
type Handler struct {
	registry *gateway.Registry
	ingestor Ingestor
	maxBody  int64
}

// New 创建 webhook 处理器
func New(registry *gateway.Registry, ingestor Ingestor, maxBody int64) *Handler {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handler{registry: registry, ingestor: ingestor, maxBody: maxBody}
}

// RegisterRoutes 注册 webhook 路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/webhooks/{provider}", func(wr chi.Router) {
		wr.Get("/", h.handleVerify)
		wr.Post("/", h.handleDelivery)
		wr.Post("/status", h.handleDelivery)
	})
}

// handleDelivery 处理一次 webhook 投递。存储失败返回 500 让网关重试，
// 无法识别的负载记录日志后以 200 丢弃。
func (h *Handler) handleDelivery(w http.ResponseWriter, r *http.Request) {
	provider := chat.Channel(chi.URLParam(r, "provider"))
	adapter, err := h.registry.Adapter(provider)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, "unknown provider")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		utils.RespondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if auth, ok := adapter.(gateway.Authenticator); ok {
		if err := auth.Authenticate(r, body); err != nil {
			log.Printf("[webhook] %s rejected delivery: %v", provider, err)
			utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}

	events, err := adapter.Translate(body)
	if err != nil {
		if errors.Is(err, gateway.ErrUnsupportedPayload) {
			log.Printf("[webhook] %s dropped payload: %v", provider, err)
			utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		log.Printf("[webhook] %s translate failed: %v", provider, err)
		utils.RespondError(w, http.StatusInternalServerError, "translate failed")
		return
	}

	res, err := h.ingestor.Handle(r.Context(), events)
	if err != nil {
		log.Printf("[webhook] %s ingest failed: %v", provider, err)
		utils.RespondError(w, http.StatusInternalServerError, "ingest failed")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"result": res,
	})
}

// handleVerify 处理订阅校验握手
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	provider := chat.Channel(chi.URLParam(r, "provider"))
	adapter, err := h.registry.Adapter(provider)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, "unknown provider")
		return
	}
	verifier, ok := adapter.(gateway.Verifier)
	if !ok {
		utils.RespondError(w, http.StatusMethodNotAllowed, "provider has no verification handshake")
		return
	}

	challenge, err := verifier.Verify(r.URL.Query())
	if err != nil {
		log.Printf("[webhook] %s verification refused: %v", provider, err)
		utils.RespondError(w, http.StatusForbidden, "verification refused")
		return
	}
	utils.RespondText(w, http.StatusOK, challenge)
}
