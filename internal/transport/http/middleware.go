package httptransport

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	dErrors "aipgate/pkg/domain-errors"
)

// requireAPIKey guards the caller-facing endpoints with a static shared key.
// The key may arrive as a bearer token or in the X-API-Key / API-Key
// headers. An empty configured key disables the check entirely.
func requireAPIKey(apiKey string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := ""
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				provided = strings.TrimPrefix(auth, "Bearer ")
			}
			if provided == "" {
				provided = r.Header.Get("X-API-Key")
			}
			if provided == "" {
				provided = r.Header.Get("API-Key")
			}

			if provided == "" {
				writeError(w, dErrors.New(dErrors.CodeUnauthorized, "missing API key"))
				return
			}
			if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				logger.WarnContext(r.Context(), "rejected request with invalid API key",
					"path", r.URL.Path,
					"remote", r.RemoteAddr,
				)
				writeError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid API key"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
