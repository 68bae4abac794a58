package pool

import (
	"strconv"
	"strings"
	"time"
)

// Credential is one client-id/secret pair authorized to obtain upstream
// access tokens. Loaded at startup; never mutated or deleted at runtime.
type Credential struct {
	ID     string `json:"client_id"`
	Secret string `json:"client_secret"`
}

// Lease is what GetToken hands a caller: a usable access token and the
// credential that produced it, so consumption can be accounted per credential.
type Lease struct {
	Token        string
	CredentialID string
}

// TokenRecord is a cached access token plus its remaining permitted uses and
// absolute expiry. A token is usable iff Remaining > 0 and ExpireAt is in the
// future.
type TokenRecord struct {
	Token     string
	Remaining int
	ExpireAt  time.Time
}

// Usable reports whether the record satisfies the usability invariant at the
// given instant.
func (r TokenRecord) Usable(now time.Time) bool {
	return r.Remaining > 0 && r.ExpireAt.After(now)
}

// HealthRecord is per-credential circuit-breaker state. Absent record means
// healthy; success resets everything.
type HealthRecord struct {
	ConsecutiveErrors int
	LastError         string
	LastErrorTime     time.Time
	LastSuccessTime   time.Time
	Unhealthy         bool
	LastCheckTime     time.Time
}

// FailureReason classifies an upstream token failure. Classification happens
// at the HTTP-call boundary; the health tracker only asks whether a reason is
// fatal to the credential itself.
type FailureReason string

const (
	ReasonNone           FailureReason = ""
	ReasonInvalidClient  FailureReason = "invalid_client"
	ReasonInvalidSecret  FailureReason = "invalid_secret"
	ReasonUnknownClient  FailureReason = "unknown_client_id"
	ReasonClientNotFound FailureReason = "client_id_not_found"
	ReasonRejected       FailureReason = "rejected"
	ReasonNetwork        FailureReason = "network"
)

// Fatal reports whether the reason indicates a permanently broken credential
// rather than a transient upstream condition.
func (r FailureReason) Fatal() bool {
	switch r {
	case ReasonInvalidClient, ReasonInvalidSecret, ReasonUnknownClient, ReasonClientNotFound:
		return true
	}
	return false
}

// fatalPatterns is the classification table inherited from the upstream
// vendor's error vocabulary. Matching is case-insensitive substring search so
// free-text messages from any caller still trip the breaker.
var fatalPatterns = []string{
	"invalid_client",
	"invalid_secret",
	"unknown client id",
	"client_id not found",
}

// ClassifyFailure maps a raw upstream error message onto a FailureReason.
// Unrecognized messages classify as ReasonRejected.
func ClassifyFailure(message string) FailureReason {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "invalid_client"):
		return ReasonInvalidClient
	case strings.Contains(lower, "invalid_secret"):
		return ReasonInvalidSecret
	case strings.Contains(lower, "unknown client id"):
		return ReasonUnknownClient
	case strings.Contains(lower, "client_id not found"):
		return ReasonClientNotFound
	}
	return ReasonRejected
}

func containsFatalPattern(message string) bool {
	lower := strings.ToLower(message)
	for _, p := range fatalPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Hash field names shared by the redis schema and the in-memory store. Kept
// stable for operational inspection compatibility.
const (
	fieldToken     = "token"
	fieldRemaining = "remaining"
	fieldExpireTS  = "expire_ts"

	fieldConsecutiveErrors = "consecutive_errors"
	fieldLastError         = "last_error"
	fieldLastErrorTime     = "last_error_time"
	fieldUnhealthy         = "unhealthy"
	fieldLastCheck         = "last_check"
	fieldLastSuccess       = "last_success"
)

func parseTokenRecord(fields map[string]string) TokenRecord {
	return TokenRecord{
		Token:     fields[fieldToken],
		Remaining: atoi(fields[fieldRemaining]),
		ExpireAt:  time.Unix(atoi64(fields[fieldExpireTS]), 0),
	}
}

func parseHealthRecord(fields map[string]string) HealthRecord {
	return HealthRecord{
		ConsecutiveErrors: atoi(fields[fieldConsecutiveErrors]),
		LastError:         fields[fieldLastError],
		LastErrorTime:     time.Unix(atoi64(fields[fieldLastErrorTime]), 0),
		LastSuccessTime:   time.Unix(atoi64(fields[fieldLastSuccess]), 0),
		Unhealthy:         fields[fieldUnhealthy] == "true",
		LastCheckTime:     time.Unix(atoi64(fields[fieldLastCheck]), 0),
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func formatInt(n int) string      { return strconv.Itoa(n) }
func formatUnix(t time.Time) string { return strconv.FormatInt(t.Unix(), 10) }
