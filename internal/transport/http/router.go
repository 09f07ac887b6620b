package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aselect/internal/platform/middleware"
)

// RouterDeps bundles the collaborators the router needs beyond the protocol
// handler itself.
type RouterDeps struct {
	Handler      *Handler
	Admin        *AdminHandler
	JWTValidator middleware.JWTValidator
	Logger       *slog.Logger
	Timeout      time.Duration
}

// NewRouter assembles the HTTP surface: the protocol endpoint, health,
// metrics and the JWT-protected admin routes.
func NewRouter(deps RouterDeps) http.Handler {
	timeout := deps.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.Timeout(timeout))

	r.Get("/aselect", deps.Handler.ServeASelect)
	r.Post("/aselect", deps.Handler.ServeASelect)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(middleware.RequireAuth(deps.JWTValidator, deps.Logger))
		admin.Get("/stats", deps.Admin.Stats)
		admin.Post("/sweep", deps.Admin.Sweep)
	})

	return r
}
