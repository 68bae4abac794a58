package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aipgate/internal/platform/metrics"
	"aipgate/internal/platform/middleware"
)

// NewRouter wires every endpoint. The root, health and metrics routes stay
// open; everything else sits behind the shared API key.
func NewRouter(h *Handler, logger *slog.Logger, m *metrics.Metrics, apiKey string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Latency(m))

	r.Get("/", h.handleRoot)
	r.Get("/health", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(requireAPIKey(apiKey, logger))

		r.Post("/ocr/url", h.handleRecognizeURL)
		r.Post("/ocr/upload", h.handleRecognizeUpload)
		r.Post("/ocr/smart", h.handleRecognizeSmart)

		r.Get("/token/state", h.handleTokenState)
		r.Post("/token/refresh", h.handleTokenRefresh)
		r.Get("/quota/status", h.handleQuotaStatus)

		r.Post("/admin/tokens/clear", h.handleClearTokens)
		r.Post("/admin/health/reset", h.handleHealthReset)
	})

	return r
}
