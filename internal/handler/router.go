package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/replydesk/backend/internal/handler/suggestion"
	"github.com/zhouzirui/replydesk/backend/internal/handler/webhook"
	middlewarePkg "github.com/zhouzirui/replydesk/backend/internal/middleware"
	"github.com/zhouzirui/replydesk/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(webhooks *webhook.Handler, suggestions *suggestion.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		webhooks.RegisterRoutes(api)
		suggestions.RegisterRoutes(api)
	})

	return r
}
