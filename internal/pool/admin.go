package pool

import (
	"context"

	"golang.org/x/sync/errgroup"

	dErrors "aipgate/pkg/domain-errors"
)

// TokenState is the admin view of one credential's cached token.
type TokenState struct {
	CredentialID string `json:"client_id"`
	Token        string `json:"token,omitempty"`
	Remaining    int    `json:"remaining"`
	TimeLeft     int64  `json:"time_left_s"`
}

// CredentialStatus is the admin view of one credential across every
// dimension the pool tracks.
type CredentialStatus struct {
	CredentialID     string `json:"client_id"`
	MonthlyUsage     int    `json:"monthly_usage"`
	MonthlyLimit     int    `json:"monthly_limit"`
	MonthlyRemaining int    `json:"monthly_remaining"`
	CurrentQPS       int    `json:"current_qps"`
	QPSLimit         int    `json:"qps_limit"`
	TokenRemaining   int    `json:"token_remaining_uses"`
	TokenMaxUses     int    `json:"token_max_uses"`
	TokenDaysLeft    int64  `json:"token_days_left"`

	Health struct {
		IsHealthy         bool   `json:"is_healthy"`
		ConsecutiveErrors int    `json:"consecutive_errors"`
		LastError         string `json:"last_error,omitempty"`
		LastSuccess       int64  `json:"last_success,omitempty"`
	} `json:"health"`

	Status struct {
		MonthlyOK bool `json:"monthly_ok"`
		QPSOK     bool `json:"qps_ok"`
		TokenOK   bool `json:"token_ok"`
		HealthOK  bool `json:"health_ok"`
	} `json:"status"`
}

// FullyFunctional reports whether every per-credential check passes.
func (s CredentialStatus) FullyFunctional() bool {
	return s.Status.MonthlyOK && s.Status.QPSOK && s.Status.TokenOK && s.Status.HealthOK
}

// TokenStates returns the cached-token view for every credential, including
// the ones with nothing cached.
func (m *Manager) TokenStates(ctx context.Context) ([]TokenState, error) {
	now := m.cache.now()
	states := make([]TokenState, 0, len(m.credentials))
	for _, cred := range m.credentials {
		record, err := m.cache.Peek(ctx, cred.ID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "token state read failed")
		}
		state := TokenState{CredentialID: cred.ID}
		if record != nil {
			state.Token = record.Token
			state.Remaining = record.Remaining
			if left := record.ExpireAt.Unix() - now.Unix(); left > 0 {
				state.TimeLeft = left
			}
		}
		states = append(states, state)
	}
	return states, nil
}

// Snapshot gathers per-credential status across the store, fanning the
// per-credential reads out concurrently. Reads are independent keys, so
// there is no consistency to lose by parallelizing.
func (m *Manager) Snapshot(ctx context.Context) ([]CredentialStatus, error) {
	statuses := make([]CredentialStatus, len(m.credentials))

	g, ctx := errgroup.WithContext(ctx)
	for i, cred := range m.credentials {
		g.Go(func() error {
			status, err := m.statusOf(ctx, cred)
			if err != nil {
				return err
			}
			statuses[i] = status
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "status snapshot failed")
	}
	return statuses, nil
}

func (m *Manager) statusOf(ctx context.Context, cred Credential) (CredentialStatus, error) {
	status := CredentialStatus{
		CredentialID: cred.ID,
		MonthlyLimit: m.limiter.MonthlyLimit(),
		QPSLimit:     m.limiter.QPSLimit(),
		TokenMaxUses: m.cache.maxUses,
	}

	usage, err := m.limiter.MonthlyUsage(ctx, cred.ID)
	if err != nil {
		return status, err
	}
	status.MonthlyUsage = usage
	status.MonthlyRemaining = status.MonthlyLimit - usage

	qps, err := m.limiter.CurrentQPS(ctx, cred.ID)
	if err != nil {
		return status, err
	}
	status.CurrentQPS = qps

	now := m.cache.now()
	record, err := m.cache.Peek(ctx, cred.ID)
	if err != nil {
		return status, err
	}
	if record != nil {
		status.TokenRemaining = record.Remaining
		if left := record.ExpireAt.Unix() - now.Unix(); left > 0 {
			status.TokenDaysLeft = left / (24 * 3600)
		}
	}

	health, err := m.health.Record(ctx, cred.ID)
	if err != nil {
		return status, err
	}
	status.Health.IsHealthy = !health.Unhealthy
	status.Health.ConsecutiveErrors = health.ConsecutiveErrors
	status.Health.LastError = health.LastError
	if !health.LastSuccessTime.IsZero() && health.LastSuccessTime.Unix() > 0 {
		status.Health.LastSuccess = health.LastSuccessTime.Unix()
	}

	status.Status.MonthlyOK = usage < status.MonthlyLimit
	status.Status.QPSOK = qps < status.QPSLimit
	status.Status.TokenOK = record != nil && record.Usable(now)
	status.Status.HealthOK = !health.Unhealthy
	return status, nil
}

// RemainingUses reports the cached token's remaining use budget for one
// credential. The second return is false when nothing usable is cached.
func (m *Manager) RemainingUses(ctx context.Context, credentialID string) (int, bool, error) {
	if _, ok := m.byID[credentialID]; !ok {
		return 0, false, dErrors.Newf(dErrors.CodeNotFound, "unknown credential %q", credentialID)
	}
	record, err := m.cache.Peek(ctx, credentialID)
	if err != nil {
		return 0, false, dErrors.Wrap(err, dErrors.CodeInternal, "token state read failed")
	}
	if record == nil || !record.Usable(m.cache.now()) {
		return 0, false, nil
	}
	return record.Remaining, true, nil
}

// ClearTokens drops every cached token and both round-robin cursors.
// Operator action: the next GetToken on each replica refetches.
func (m *Manager) ClearTokens(ctx context.Context) (int64, error) {
	keys, err := m.store.Keys(ctx, tokenKeyPrefix+"*")
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "token key scan failed")
	}
	keys = append(keys, cursorKey, legacyCursorKey)

	deleted, err := m.store.Del(ctx, keys...)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "token sweep failed")
	}
	m.logger.InfoContext(ctx, "token cache cleared", "deleted", deleted)
	return deleted, nil
}

// ResetHealth clears a credential's breaker state. Operator escape hatch
// for keys fixed out of band.
func (m *Manager) ResetHealth(ctx context.Context, credentialID string) error {
	if _, ok := m.byID[credentialID]; !ok {
		return dErrors.Newf(dErrors.CodeNotFound, "unknown credential %q", credentialID)
	}
	if err := m.health.Reset(ctx, credentialID); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "health reset failed")
	}
	m.logger.InfoContext(ctx, "health record reset", "credential_id", credentialID)
	return nil
}

// Ping proxies the store liveness check for the health endpoint.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}
