package http

import (
	"net/http"

	"loyalty/internal/auth"
	"loyalty/internal/config"
	"loyalty/internal/http/handler"
	mw "loyalty/internal/http/middleware"
	"loyalty/internal/notify"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(cfg config.Config, svc *notify.Service, jwtSvc *auth.JWT) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(mw.CORS(cfg.CORSAllowedOrigins, cfg.CORSAllowCredentials))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	nh := &handler.NotificationHandler{Svc: svc}

	r.Route("/notifications", func(r chi.Router) {
		r.Use(auth.RequireAuth(jwtSvc))

		r.Post("/", nh.Enqueue)
		r.Post("/schedule", nh.Schedule)
		r.Delete("/{id}", nh.Cancel)
	})

	r.Route("/queue", func(r chi.Router) {
		r.Use(auth.RequireAuth(jwtSvc))

		r.Get("/stats", nh.Stats)
		r.Get("/health", nh.Health)
		r.Post("/retry-failed", nh.RetryFailed)
		r.Post("/cleanup", nh.Cleanup)
	})

	return r
}
