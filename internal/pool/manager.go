// Package pool manages a set of interchangeable upstream credentials:
// health-aware selection, token lifecycle caching, and dual-dimension quota
// enforcement. All mutable state lives in a shared external store, so any
// number of stateless replicas can run this code concurrently.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"aipgate/internal/audit"
	"aipgate/internal/platform/metrics"
	dErrors "aipgate/pkg/domain-errors"
)

// TokenSource fetches a fresh access token for a credential. Implemented by
// the upstream OAuth client; fakes stand in for it in tests. Failures must
// be *FetchError so health bookkeeping can classify them.
type TokenSource interface {
	FetchToken(ctx context.Context, credential Credential) (token string, ttl time.Duration, err error)
}

// Config carries the pool's tunables. All fields are required.
type Config struct {
	TokenMaxUses         int
	MonthlyQuotaLimit    int
	QPSLimit             int
	MaxConsecutiveErrors int
	HealthCheckInterval  time.Duration
}

// Manager composes the health tracker, selection policy, token cache and
// quota limiter into the two operations callers see: GetToken and Consume,
// plus the invalidation signal for downstream rejections.
type Manager struct {
	credentials []Credential
	byID        map[string]Credential

	store    Store
	source   TokenSource
	health   *HealthTracker
	selector *Selector
	cache    *TokenCache
	limiter  *QuotaLimiter

	logger  *slog.Logger
	metrics *metrics.Metrics
	audit   AuditPublisher
	tracer  trace.Tracer

	// fetches collapses concurrent fetches for the same credential within
	// this replica; cross-replica duplication is accepted.
	fetches singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithMetrics(m2 *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = m2 }
}

func WithAudit(publisher AuditPublisher) Option {
	return func(m *Manager) { m.audit = publisher }
}

// NewManager validates the credential set and wires the pool components
// against the given store and token source.
func NewManager(store Store, source TokenSource, credentials []Credential, cfg Config, opts ...Option) (*Manager, error) {
	if len(credentials) == 0 {
		return nil, ErrNoCredentials
	}

	m := &Manager{
		credentials: credentials,
		byID:        make(map[string]Credential, len(credentials)),
		store:       store,
		source:      source,
		logger:      slog.Default(),
		tracer:      otel.Tracer("aipgate/pool"),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, cred := range credentials {
		m.byID[cred.ID] = cred
	}

	m.health = NewHealthTracker(store, cfg.MaxConsecutiveErrors, cfg.HealthCheckInterval, m.logger, m.audit)
	m.selector = NewSelector(store)
	m.cache = NewTokenCache(store, cfg.TokenMaxUses)
	m.limiter = NewQuotaLimiter(store, cfg.MonthlyQuotaLimit, cfg.QPSLimit)
	return m, nil
}

// Credentials returns the immutable credential set.
func (m *Manager) Credentials() []Credential { return m.credentials }

// GetToken returns a usable access token and the credential it belongs to.
// Reuse comes first: any healthy credential with a usable cached token wins.
// Only then are fresh tokens minted, healthy credentials before unhealthy
// ones, and each fetch failure moves on to the next candidate. When every
// credential has failed the call fails with pool exhaustion.
func (m *Manager) GetToken(ctx context.Context) (Lease, error) {
	ctx, span := m.tracer.Start(ctx, "pool.GetToken")
	defer span.End()
	if m.metrics != nil {
		start := time.Now()
		defer func() { m.metrics.ObserveGetToken(time.Since(start)) }()
	}

	healthy, err := m.healthySubset(ctx)
	if err != nil {
		return Lease{}, dErrors.Wrap(err, dErrors.CodeInternal, "health lookup failed")
	}
	if m.metrics != nil {
		m.metrics.SetHealthyCredentials(len(healthy))
	}

	// Reuse-first: minimizes traffic against the upstream OAuth endpoint.
	for _, cred := range healthy {
		cached, err := m.cache.GetCached(ctx, cred.ID)
		if err != nil {
			return Lease{}, dErrors.Wrap(err, dErrors.CodeInternal, "token cache read failed")
		}
		if cached != nil {
			span.SetAttributes(attribute.String("pool.credential_id", cred.ID), attribute.Bool("pool.cached", true))
			return Lease{Token: cached.Token, CredentialID: cred.ID}, nil
		}
	}

	// Mint against healthy credentials, starting where the shared cursor
	// points so minting load rotates across replicas.
	if len(healthy) > 0 {
		start, err := m.startIndex(ctx, healthy)
		if err != nil {
			return Lease{}, dErrors.Wrap(err, dErrors.CodeInternal, "cursor advance failed")
		}
		for i := range healthy {
			cred := healthy[(start+i)%len(healthy)]
			if lease, ok := m.tryFetch(ctx, cred); ok {
				span.SetAttributes(attribute.String("pool.credential_id", cred.ID))
				return lease, nil
			}
		}
	}

	// Degrade path: every healthy credential failed, so try the ones the
	// breaker had excluded before giving up entirely.
	for _, cred := range m.remainder(healthy) {
		if lease, ok := m.tryFetch(ctx, cred); ok {
			span.SetAttributes(attribute.String("pool.credential_id", cred.ID), attribute.Bool("pool.degraded", true))
			return lease, nil
		}
	}

	if m.metrics != nil {
		m.metrics.IncrementPoolExhausted()
	}
	m.emit(ctx, audit.ActionPoolExhausted, "", nil)
	m.logger.ErrorContext(ctx, "pool exhausted: no credential could obtain a token",
		"credentials", len(m.credentials),
	)
	span.RecordError(ErrPoolExhausted)
	return Lease{}, ErrPoolExhausted
}

// Consume accounts one successful use against the credential: quota checks
// first (no state is mutated on rejection), then the token use counter and
// both quota counters. Monthly is checked before qps because it is the
// costlier limit to recover from.
func (m *Manager) Consume(ctx context.Context, credentialID string) error {
	ctx, span := m.tracer.Start(ctx, "pool.Consume",
		trace.WithAttributes(attribute.String("pool.credential_id", credentialID)))
	defer span.End()

	if _, ok := m.byID[credentialID]; !ok {
		return dErrors.Newf(dErrors.CodeNotFound, "unknown credential %q", credentialID)
	}

	ok, err := m.limiter.MonthlyOK(ctx, credentialID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "monthly quota check failed")
	}
	if !ok {
		return m.rejectQuota(ctx, credentialID, QuotaMonthly, m.limiter.MonthlyLimit())
	}

	ok, err = m.limiter.QPSOK(ctx, credentialID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "qps check failed")
	}
	if !ok {
		return m.rejectQuota(ctx, credentialID, QuotaQPS, m.limiter.QPSLimit())
	}

	if err := m.cache.DecrementUse(ctx, credentialID); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "use counter decrement failed")
	}
	if err := m.limiter.Record(ctx, credentialID); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "quota record failed")
	}
	return nil
}

// Invalidate drops the cached token for a credential after a downstream
// call rejected it. The credential's health state is deliberately left
// untouched: the token was bad, not the credential.
func (m *Manager) Invalidate(ctx context.Context, credentialID string) error {
	if _, ok := m.byID[credentialID]; !ok {
		return dErrors.Newf(dErrors.CodeNotFound, "unknown credential %q", credentialID)
	}
	if err := m.cache.Invalidate(ctx, credentialID); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "token invalidation failed")
	}
	if m.metrics != nil {
		m.metrics.IncrementTokensRevoked()
	}
	m.emit(ctx, audit.ActionTokenInvalidated, credentialID, nil)
	m.logger.WarnContext(ctx, "cached token invalidated", "credential_id", credentialID)
	return nil
}

func (m *Manager) rejectQuota(ctx context.Context, credentialID string, dim QuotaDimension, limit int) error {
	if m.metrics != nil {
		m.metrics.ObserveQuotaRejection(string(dim))
	}
	m.emit(ctx, audit.ActionQuotaExceeded, credentialID, map[string]string{
		"dimension": string(dim),
		"limit":     strconv.Itoa(limit),
	})
	return newQuotaExceeded(credentialID, dim, limit)
}

// healthySubset filters the credential set through the health tracker,
// preserving list order.
func (m *Manager) healthySubset(ctx context.Context) ([]Credential, error) {
	healthy := make([]Credential, 0, len(m.credentials))
	for _, cred := range m.credentials {
		ok, err := m.health.IsHealthy(ctx, cred.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			healthy = append(healthy, cred)
		}
	}
	return healthy, nil
}

// remainder returns the credentials not present in the given subset, in
// list order.
func (m *Manager) remainder(subset []Credential) []Credential {
	in := make(map[string]struct{}, len(subset))
	for _, cred := range subset {
		in[cred.ID] = struct{}{}
	}
	var rest []Credential
	for _, cred := range m.credentials {
		if _, ok := in[cred.ID]; !ok {
			rest = append(rest, cred)
		}
	}
	return rest
}

// startIndex asks the selection policy for a credential and locates it in
// the scan list. The shared cursor advances once per mint pass.
func (m *Manager) startIndex(ctx context.Context, healthy []Credential) (int, error) {
	picked, err := m.selector.Pick(ctx, m.credentials, healthy)
	if err != nil {
		return 0, err
	}
	for i, cred := range healthy {
		if cred.ID == picked.ID {
			return i, nil
		}
	}
	return 0, nil
}

// tryFetch mints and caches a token for one credential, collapsing
// concurrent attempts for the same credential within this replica. Health
// bookkeeping happens here: a fetch failure records an error (possibly
// tripping the breaker), success resets the credential.
func (m *Manager) tryFetch(ctx context.Context, cred Credential) (Lease, bool) {
	result, err, _ := m.fetches.Do(cred.ID, func() (any, error) {
		token, ttl, err := m.source.FetchToken(ctx, cred)
		if err != nil {
			m.recordFetchFailure(ctx, cred, err)
			return nil, err
		}

		if m.metrics != nil {
			m.metrics.ObserveTokenFetch("success")
		}
		if herr := m.health.RecordSuccess(ctx, cred.ID); herr != nil {
			m.logger.WarnContext(ctx, "health success record failed",
				"credential_id", cred.ID, "error", herr)
		}
		if serr := m.cache.Save(ctx, cred.ID, token, ttl); serr != nil {
			// The token is still valid for this request even if caching it
			// failed; the next call simply refetches.
			m.logger.WarnContext(ctx, "token cache save failed",
				"credential_id", cred.ID, "error", serr)
		}
		return Lease{Token: token, CredentialID: cred.ID}, nil
	})
	if err != nil {
		return Lease{}, false
	}
	return result.(Lease), true
}

func (m *Manager) recordFetchFailure(ctx context.Context, cred Credential, err error) {
	if m.metrics != nil {
		m.metrics.ObserveTokenFetch("failure")
		m.metrics.IncrementUpstreamErrors()
	}

	message := err.Error()
	reason := ReasonRejected
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		message = fetchErr.Message
		reason = fetchErr.Reason
	}

	if _, herr := m.health.RecordError(ctx, cred.ID, message, reason); herr != nil {
		m.logger.WarnContext(ctx, "health error record failed",
			"credential_id", cred.ID, "error", herr)
	}
	m.logger.WarnContext(ctx, "token fetch failed",
		"credential_id", cred.ID,
		"reason", string(reason),
		"error", message,
	)
}

func (m *Manager) emit(ctx context.Context, action, credentialID string, detail map[string]string) {
	if m.audit == nil {
		return
	}
	_ = m.audit.Emit(ctx, audit.Event{
		Action:       action,
		CredentialID: credentialID,
		Detail:       detail,
	})
}
