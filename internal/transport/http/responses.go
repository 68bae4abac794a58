package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"aipgate/internal/pool"
	dErrors "aipgate/pkg/domain-errors"
)

// RecognizeResponse wraps the vendor's raw payload with pool accounting the
// caller cares about.
type RecognizeResponse struct {
	Result            json.RawMessage `json:"result"`
	UsedCredential    string          `json:"used_credential"`
	RemainingEstimate *int            `json:"remaining_estimate"`
}

type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	// Dimension is set on quota rejections so callers can pick a backoff.
	Dimension string `json:"dimension,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError centralizes domain error translation to HTTP responses so every
// handler emits the same JSON error envelope.
func writeError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	envelope := errorEnvelope{Error: string(code)}

	var coded *dErrors.Error
	if errors.As(err, &coded) {
		envelope.Message = coded.Message
	}
	var quota *pool.QuotaExceededError
	if errors.As(err, &quota) {
		envelope.Dimension = string(quota.Dimension)
	}

	writeJSON(w, dErrors.ToHTTPStatus(code), envelope)
}
