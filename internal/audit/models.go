// Package audit captures operationally significant pool events: credentials
// tripping unhealthy, quota rejections, token revocations. Events fan out to
// a sink (Kafka in production, the log otherwise) through a buffered worker
// so emission never blocks a request.
package audit

import "time"

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so sinks can fan out.
type Event struct {
	ID           string            `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	Action       string            `json:"action"`
	CredentialID string            `json:"credential_id,omitempty"`
	Detail       map[string]string `json:"detail,omitempty"`
}

// Actions emitted by the pool.
const (
	ActionCredentialUnhealthy = "credential_unhealthy"
	ActionCredentialProbation = "credential_probation"
	ActionQuotaExceeded       = "quota_exceeded"
	ActionTokenInvalidated    = "token_invalidated"
	ActionPoolExhausted       = "pool_exhausted"
)
