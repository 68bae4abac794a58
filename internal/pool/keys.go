package pool

import (
	"strconv"
	"strings"
	"time"
)

// Store key layout. Preserved verbatim for operational compatibility: the
// same keys are inspected by operators and by the admin endpoints.
//
//	token:{credentialId}            hash {token, remaining, expire_ts}
//	health:{credentialId}           hash {consecutive_errors, last_error, ...}
//	monthly:{credentialId}:{yyyy-mm} integer counter, expires at next month
//	qps:{credentialId}:{unixSecond}  integer counter, 2s expiry
//	rr:healthy_index                 shared monotonic cursor
const (
	tokenKeyPrefix   = "token:"
	healthKeyPrefix  = "health:"
	monthlyKeyPrefix = "monthly:"
	qpsKeyPrefix     = "qps:"

	cursorKey = "rr:healthy_index"
	// legacyCursorKey predates the health-aware cursor; the admin token sweep
	// still clears it so stale deployments converge.
	legacyCursorKey = "rr:index"
)

// SanitizeKeySegment escapes the delimiter in credential identifiers so an
// id containing ':' cannot collide with an adjacent key's segments.
func SanitizeKeySegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}

func tokenKey(credentialID string) string {
	return tokenKeyPrefix + SanitizeKeySegment(credentialID)
}

func healthKey(credentialID string) string {
	return healthKeyPrefix + SanitizeKeySegment(credentialID)
}

func monthlyKey(credentialID string, t time.Time) string {
	return monthlyKeyPrefix + SanitizeKeySegment(credentialID) + ":" + t.UTC().Format("2006-01")
}

func qpsKey(credentialID string, t time.Time) string {
	return qpsKeyPrefix + SanitizeKeySegment(credentialID) + ":" + strconv.FormatInt(t.Unix(), 10)
}

// nextMonthStart returns the first instant of the month after t, in UTC.
func nextMonthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
