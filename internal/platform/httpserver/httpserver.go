package httpserver

import (
	"net/http"
	"time"
)

// New builds an HTTP server with defaults sized for this gateway: upload
// bodies are small (4MB cap) but recognition calls hold the connection for
// up to 30s, so the write timeout leaves headroom over the upstream budget.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
