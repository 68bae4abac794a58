package pool

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"aipgate/internal/audit"
)

// AuditPublisher emits audit events for operationally significant pool
// transitions. Nil disables emission.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// HealthTracker keeps per-credential circuit-breaker state in the shared
// store: an N-strikes breaker for transient blips plus immediate exclusion
// when a failure reason marks the credential itself as dead.
//
// Recovery is optimistic: once the cooldown has elapsed, the next health
// check resets the record and lets the credential through unverified. A
// still-broken credential therefore gets exactly one probe per cooldown
// interval before re-tripping.
type HealthTracker struct {
	store                Store
	maxConsecutiveErrors int
	checkInterval        time.Duration
	logger               *slog.Logger
	audit                AuditPublisher

	now func() time.Time
}

func NewHealthTracker(store Store, maxConsecutiveErrors int, checkInterval time.Duration, logger *slog.Logger, auditPub AuditPublisher) *HealthTracker {
	return &HealthTracker{
		store:                store,
		maxConsecutiveErrors: maxConsecutiveErrors,
		checkInterval:        checkInterval,
		logger:               logger,
		audit:                auditPub,
		now:                  time.Now,
	}
}

func (t *HealthTracker) emit(ctx context.Context, action, credentialID string, detail map[string]string) {
	if t.audit == nil {
		return
	}
	_ = t.audit.Emit(ctx, audit.Event{
		Action:       action,
		CredentialID: credentialID,
		Detail:       detail,
	})
}

// IsHealthy reports whether the credential is selectable without penalty.
// Absent record means healthy. An unhealthy credential whose cooldown has
// elapsed is reset to healthy on the spot (probation pass).
func (t *HealthTracker) IsHealthy(ctx context.Context, credentialID string) (bool, error) {
	fields, err := t.store.HGetAll(ctx, healthKey(credentialID))
	if err != nil {
		return false, err
	}
	if len(fields) == 0 {
		return true, nil
	}

	record := parseHealthRecord(fields)
	if !record.Unhealthy {
		return true, nil
	}

	now := t.now()
	if now.Sub(record.LastCheckTime) < t.checkInterval {
		return false, nil
	}

	// Cooldown elapsed: give it one chance. The reset happens before any
	// re-verification, so the credential is selectable again immediately.
	err = t.store.HSet(ctx, healthKey(credentialID), map[string]string{
		fieldUnhealthy:         "false",
		fieldConsecutiveErrors: "0",
		fieldLastCheck:         formatUnix(now),
	})
	if err != nil {
		return false, err
	}

	t.logger.InfoContext(ctx, "credential back on probation",
		"credential_id", credentialID,
		"cooldown", t.checkInterval,
	)
	t.emit(ctx, audit.ActionCredentialProbation, credentialID, nil)
	return true, nil
}

// RecordError increments the consecutive error count and trips the breaker
// when the threshold is reached or the failure is fatal to the credential.
// Fatal failures trip on the very first occurrence.
func (t *HealthTracker) RecordError(ctx context.Context, credentialID, message string, reason FailureReason) (tripped bool, err error) {
	key := healthKey(credentialID)

	count, err := t.store.HIncrBy(ctx, key, fieldConsecutiveErrors, 1)
	if err != nil {
		return false, err
	}

	now := t.now()
	fields := map[string]string{
		fieldLastError:     message,
		fieldLastErrorTime: formatUnix(now),
	}

	fatal := reason.Fatal() || containsFatalPattern(message)
	if int(count) >= t.maxConsecutiveErrors || fatal {
		fields[fieldUnhealthy] = "true"
		fields[fieldLastCheck] = formatUnix(now)
		tripped = true
	}

	if err := t.store.HSet(ctx, key, fields); err != nil {
		return false, err
	}

	if tripped {
		t.logger.WarnContext(ctx, "credential marked unhealthy",
			"credential_id", credentialID,
			"consecutive_errors", count,
			"fatal", fatal,
			"reason", string(reason),
		)
		t.emit(ctx, audit.ActionCredentialUnhealthy, credentialID, map[string]string{
			"consecutive_errors": strconv.FormatInt(count, 10),
			"fatal":              strconv.FormatBool(fatal),
			"reason":             string(reason),
		})
	}
	return tripped, nil
}

// RecordSuccess unconditionally resets the credential to healthy.
func (t *HealthTracker) RecordSuccess(ctx context.Context, credentialID string) error {
	return t.store.HSet(ctx, healthKey(credentialID), map[string]string{
		fieldConsecutiveErrors: "0",
		fieldUnhealthy:         "false",
		fieldLastSuccess:       formatUnix(t.now()),
	})
}

// Record returns the raw health record for the admin surface. Absent records
// come back as a zero value with Unhealthy=false.
func (t *HealthTracker) Record(ctx context.Context, credentialID string) (HealthRecord, error) {
	fields, err := t.store.HGetAll(ctx, healthKey(credentialID))
	if err != nil {
		return HealthRecord{}, err
	}
	return parseHealthRecord(fields), nil
}

// Reset clears a credential's health state. Operator escape hatch.
func (t *HealthTracker) Reset(ctx context.Context, credentialID string) error {
	_, err := t.store.Del(ctx, healthKey(credentialID))
	return err
}
