package pool

import (
	"errors"
	"fmt"

	dErrors "aipgate/pkg/domain-errors"
)

// ErrNoCredentials means the pool was constructed without any credentials.
// Config validation should make this unreachable in a running service.
var ErrNoCredentials = dErrors.New(dErrors.CodeInternal, "no credentials configured")

// ErrPoolExhausted means every credential, healthy or not, failed to produce
// a token within a single GetToken call. Fatal to the calling request.
var ErrPoolExhausted = dErrors.New(dErrors.CodePoolExhausted, "no credential could obtain a token")

// QuotaDimension names which ceiling rejected a consume call.
type QuotaDimension string

const (
	QuotaMonthly QuotaDimension = "monthly"
	QuotaQPS     QuotaDimension = "qps"
)

// QuotaExceededError is returned by Consume when a limiter check fails. The
// dimension lets callers pick a backoff strategy: a qps rejection clears
// within a second, a monthly one does not.
type QuotaExceededError struct {
	CredentialID string
	Dimension    QuotaDimension
	Limit        int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded (%s): credential %s over limit %d", e.Dimension, e.CredentialID, e.Limit)
}

// Is lets errors.Is(err, target) match any QuotaExceededError regardless of
// credential, and dErrors.Is match CodeQuotaExceeded via the wrapper below.
func (e *QuotaExceededError) Is(target error) bool {
	var other *QuotaExceededError
	if errors.As(target, &other) {
		return other.Dimension == "" || other.Dimension == e.Dimension
	}
	return false
}

func newQuotaExceeded(credentialID string, dim QuotaDimension, limit int) error {
	return dErrors.Wrap(
		&QuotaExceededError{CredentialID: credentialID, Dimension: dim, Limit: limit},
		dErrors.CodeQuotaExceeded,
		fmt.Sprintf("%s quota exceeded", dim),
	)
}

// FetchError is how the upstream token client reports a failed fetch to the
// pool: a coded kind, the raw upstream message for the health record, and
// the structured reason classified at the HTTP boundary.
type FetchError struct {
	Code    dErrors.Code // CodeUpstreamRejected or CodeUpstreamUnavailable
	Message string
	Reason  FailureReason
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchRejected reports a non-200 or malformed token payload.
func NewFetchRejected(message string) *FetchError {
	return &FetchError{
		Code:    dErrors.CodeUpstreamRejected,
		Message: message,
		Reason:  ClassifyFailure(message),
	}
}

// NewFetchUnavailable reports a network or timeout failure reaching the
// token endpoint.
func NewFetchUnavailable(err error) *FetchError {
	return &FetchError{
		Code:    dErrors.CodeUpstreamUnavailable,
		Message: fmt.Sprintf("network error: %v", err),
		Reason:  ReasonNetwork,
		Err:     err,
	}
}
