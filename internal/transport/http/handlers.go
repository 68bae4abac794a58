package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"aipgate/internal/platform/metrics"
	"aipgate/internal/pool"
	"aipgate/internal/upstream"
	dErrors "aipgate/pkg/domain-errors"
)

// PoolService is the slice of the pool manager the HTTP layer consumes.
type PoolService interface {
	GetToken(ctx context.Context) (pool.Lease, error)
	Consume(ctx context.Context, credentialID string) error
	Invalidate(ctx context.Context, credentialID string) error
	RemainingUses(ctx context.Context, credentialID string) (int, bool, error)
	TokenStates(ctx context.Context) ([]pool.TokenState, error)
	Snapshot(ctx context.Context) ([]pool.CredentialStatus, error)
	ClearTokens(ctx context.Context) (int64, error)
	ResetHealth(ctx context.Context, credentialID string) error
	Ping(ctx context.Context) error
	Credentials() []pool.Credential
}

// Recognizer forwards recognition payloads upstream under an access token.
type Recognizer interface {
	Recognize(ctx context.Context, token string, form url.Values) (upstream.Result, error)
}

// Handler is the thin HTTP layer. It delegates to the pool and the upstream
// client without embedding pool logic, so transport concerns stay isolated.
type Handler struct {
	logger     *slog.Logger
	pool       PoolService
	recognizer Recognizer
	metrics    *metrics.Metrics

	apiKeyConfigured bool
	tokenMaxUses     int
}

func NewHandler(
	poolSvc PoolService,
	recognizer Recognizer,
	logger *slog.Logger,
	m *metrics.Metrics,
	apiKeyConfigured bool,
	tokenMaxUses int,
) *Handler {
	return &Handler{
		logger:           logger,
		pool:             poolSvc,
		recognizer:       recognizer,
		metrics:          m,
		apiKeyConfigured: apiKeyConfigured,
		tokenMaxUses:     tokenMaxUses,
	}
}

// handleHealth is the unauthenticated liveness probe: store reachability
// plus the credential count.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	storeOK := h.pool.Ping(r.Context()) == nil

	status := "ok"
	if !storeOK || len(h.pool.Credentials()) == 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"store_ok":    storeOK,
		"keys_loaded": len(h.pool.Credentials()),
	})
}

// handleRoot is the service card.
func (h *Handler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	security := "open"
	if h.apiKeyConfigured {
		security = "api key required"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":     "aipgate",
		"security": security,
		"endpoints": []string{
			"GET /health",
			"GET /token/state",
			"POST /token/refresh",
			"GET /quota/status",
			"POST /ocr/url",
			"POST /ocr/upload",
			"POST /ocr/smart",
			"POST /admin/tokens/clear",
			"POST /admin/health/reset",
			"GET /metrics",
		},
	})
}

func (h *Handler) handleTokenState(w http.ResponseWriter, r *http.Request) {
	states, err := h.pool.TokenStates(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "token state read failed", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": states})
}

// handleTokenRefresh runs a full GetToken pass, skipping unhealthy
// credentials the same way the recognition path does.
func (h *Handler) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	lease, err := h.pool.GetToken(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "token refresh failed", "error", err)
		writeError(w, err)
		return
	}

	remaining := h.tokenMaxUses
	if n, ok, err := h.pool.RemainingUses(r.Context(), lease.CredentialID); err == nil && ok {
		remaining = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"client_id":    lease.CredentialID,
		"access_token": lease.Token,
		"remaining":    remaining,
	})
}

func (h *Handler) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.pool.Snapshot(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "quota snapshot failed", "error", err)
		writeError(w, err)
		return
	}

	var totalUsage, healthy, functional int
	for _, s := range statuses {
		totalUsage += s.MonthlyUsage
		if s.Health.IsHealthy {
			healthy++
		}
		if s.FullyFunctional() {
			functional++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"current_month": time.Now().UTC().Format("2006-01"),
		"quota_details": statuses,
		"summary": map[string]any{
			"total_monthly_usage":    totalUsage,
			"total_monthly_limit":    len(statuses) * monthlyLimitOf(statuses),
			"total_keys":             len(statuses),
			"healthy_keys":           healthy,
			"unhealthy_keys":         len(statuses) - healthy,
			"fully_functional_keys":  functional,
		},
	})
}

func monthlyLimitOf(statuses []pool.CredentialStatus) int {
	if len(statuses) == 0 {
		return 0
	}
	return statuses[0].MonthlyLimit
}

func (h *Handler) handleClearTokens(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.pool.ClearTokens(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "token sweep failed", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "deleted": deleted})
}

type healthResetRequest struct {
	ClientID string `json:"client_id"`
}

func (h *Handler) handleHealthReset(w http.ResponseWriter, r *http.Request) {
	var req healthResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "client_id is required"))
		return
	}

	if err := h.pool.ResetHealth(r.Context(), req.ClientID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
