package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"device-envelope-service/config"
)

// NewRouter はルーターを生成する。
func NewRouter(h *KeyHandler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)

	// ルート定義
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/devices", h.ListDevices)
		r.Get("/envelope/stats", h.EnvelopeStats)

		r.Route("/devices/{device_id}", func(r chi.Router) {
			r.Post("/keys", h.ProvisionKey)
			r.Get("/keys", h.ListKeys)
			r.Post("/keys/rotate", h.RotateKey)
			r.Delete("/keys", h.RevokeKey)
			r.Get("/readings", h.ListReadings)
		})
	})

	if cfg.OtelEnabled {
		return otelhttp.NewHandler(r, "device-envelope-api")
	}
	return r
}
