package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	dErrors "aipgate/pkg/domain-errors"
)

// fakeSource is a scriptable TokenSource: per-credential errors and fetch
// counts, a fixed TTL for minted tokens.
type fakeSource struct {
	mu      sync.Mutex
	errs    map[string]error
	ttl     time.Duration
	delay   time.Duration
	fetches map[string]int
	minted  int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		errs:    make(map[string]error),
		ttl:     time.Hour,
		fetches: make(map[string]int),
	}
}

func (f *fakeSource) FetchToken(_ context.Context, cred Credential) (string, time.Duration, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[cred.ID]++
	if err := f.errs[cred.ID]; err != nil {
		return "", 0, err
	}
	f.minted++
	return fmt.Sprintf("tok-%s-%d", cred.ID, f.minted), f.ttl, nil
}

func (f *fakeSource) fail(credentialID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[credentialID] = err
}

func (f *fakeSource) recover(credentialID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.errs, credentialID)
}

func (f *fakeSource) fetchCount(credentialID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[credentialID]
}

// =============================================================================
// Manager suite
// =============================================================================

type ManagerSuite struct {
	suite.Suite

	store  *MemoryStore
	source *fakeSource
	clock  *fakeClock
	mgr    *Manager
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

// Each subtest gets a fresh store, clock and manager.
func (s *ManagerSuite) SetupSubTest() { s.SetupTest() }

func (s *ManagerSuite) SetupTest() {
	s.clock = newFakeClock(time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC))
	s.store = NewMemoryStore()
	s.store.SetClock(s.clock.Now)
	s.source = newFakeSource()
	s.mgr = s.newManager(Config{
		TokenMaxUses:         900,
		MonthlyQuotaLimit:    1000,
		QPSLimit:             100,
		MaxConsecutiveErrors: 3,
		HealthCheckInterval:  time.Hour,
	})
}

func (s *ManagerSuite) newManager(cfg Config) *Manager {
	creds := []Credential{
		{ID: "a", Secret: "sa"},
		{ID: "b", Secret: "sb"},
	}
	mgr, err := NewManager(s.store, s.source, creds, cfg)
	s.Require().NoError(err)
	mgr.health.now = s.clock.Now
	mgr.cache.now = s.clock.Now
	mgr.limiter.now = s.clock.Now
	return mgr
}

func (s *ManagerSuite) TestConstruction() {
	s.Run("rejects an empty credential set", func() {
		_, err := NewManager(s.store, s.source, nil, Config{})
		s.ErrorIs(err, ErrNoCredentials)
	})
}

func (s *ManagerSuite) TestGetToken() {
	ctx := context.Background()

	s.Run("mints once and then reuses the cached token", func() {
		lease, err := s.mgr.GetToken(ctx)
		s.Require().NoError(err)
		s.Equal("a", lease.CredentialID)
		s.NotEmpty(lease.Token)

		again, err := s.mgr.GetToken(ctx)
		s.Require().NoError(err)
		s.Equal(lease, again)
		s.Equal(1, s.source.fetchCount("a"))
		s.Zero(s.source.fetchCount("b"))
	})

	s.Run("moves to the next credential when a fetch fails", func() {
		s.source.fail("a", NewFetchUnavailable(errors.New("connection refused")))

		lease, err := s.mgr.GetToken(ctx)
		s.Require().NoError(err)
		s.Equal("b", lease.CredentialID)
		s.Equal(1, s.source.fetchCount("a"))
		s.Equal(1, s.source.fetchCount("b"))
	})

	s.Run("a fatal rejection excludes the credential from later calls", func() {
		s.source.fail("a", NewFetchRejected(`HTTP 401: {"error":"invalid_client"}`))

		lease, err := s.mgr.GetToken(ctx)
		s.Require().NoError(err)
		s.Equal("b", lease.CredentialID)

		// Second call: a is out of the healthy subset, b's token is cached.
		_, err = s.mgr.GetToken(ctx)
		s.Require().NoError(err)
		s.Equal(1, s.source.fetchCount("a"), "tripped credential is not retried")

		healthy, err := s.mgr.healthySubset(ctx)
		s.Require().NoError(err)
		s.Len(healthy, 1)
		s.Equal("b", healthy[0].ID)
	})

	s.Run("degrades to unhealthy credentials before giving up", func() {
		// Trip both, then let only a recover upstream. The breaker still
		// lists both as unhealthy, but GetToken must try them anyway.
		s.source.fail("a", NewFetchRejected("invalid_client"))
		s.source.fail("b", NewFetchRejected("invalid_secret"))
		_, err := s.mgr.GetToken(ctx)
		s.Require().Error(err)

		s.source.recover("a")
		lease, err := s.mgr.GetToken(ctx)
		s.Require().NoError(err)
		s.Equal("a", lease.CredentialID)
	})

	s.Run("fails with pool exhaustion when every credential fails", func() {
		s.source.fail("a", NewFetchUnavailable(errors.New("down")))
		s.source.fail("b", NewFetchUnavailable(errors.New("down")))

		_, err := s.mgr.GetToken(ctx)
		s.Require().Error(err)
		s.ErrorIs(err, ErrPoolExhausted)
		s.True(dErrors.HasCode(err, dErrors.CodePoolExhausted))
	})

	s.Run("probation readmits a tripped credential after the cooldown", func() {
		s.source.fail("a", NewFetchRejected("invalid_client"))
		_, err := s.mgr.GetToken(ctx)
		s.Require().NoError(err)

		healthy, err := s.mgr.healthySubset(ctx)
		s.Require().NoError(err)
		s.Len(healthy, 1)

		s.source.recover("a")
		s.clock.Advance(time.Hour + time.Minute)

		healthy, err = s.mgr.healthySubset(ctx)
		s.Require().NoError(err)
		s.Len(healthy, 2, "cooldown elapsed, a is selectable again")
	})
}

func (s *ManagerSuite) TestConsume() {
	ctx := context.Background()

	s.Run("accounts one use across every counter", func() {
		lease, err := s.mgr.GetToken(ctx)
		s.Require().NoError(err)

		s.Require().NoError(s.mgr.Consume(ctx, lease.CredentialID))

		record, err := s.mgr.cache.Peek(ctx, lease.CredentialID)
		s.Require().NoError(err)
		s.Require().NotNil(record)
		s.Equal(899, record.Remaining)

		usage, err := s.mgr.limiter.MonthlyUsage(ctx, lease.CredentialID)
		s.Require().NoError(err)
		s.Equal(1, usage)
	})

	s.Run("rejects unknown credentials", func() {
		err := s.mgr.Consume(ctx, "nobody")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("monthly ceiling rejects without mutating state", func() {
		mgr := s.newManager(Config{
			TokenMaxUses:         900,
			MonthlyQuotaLimit:    2,
			QPSLimit:             100,
			MaxConsecutiveErrors: 3,
			HealthCheckInterval:  time.Hour,
		})
		lease, err := mgr.GetToken(ctx)
		s.Require().NoError(err)

		s.Require().NoError(mgr.Consume(ctx, lease.CredentialID))
		s.Require().NoError(mgr.Consume(ctx, lease.CredentialID))

		err = mgr.Consume(ctx, lease.CredentialID)
		s.Require().Error(err)

		var quotaErr *QuotaExceededError
		s.Require().ErrorAs(err, &quotaErr)
		s.Equal(QuotaMonthly, quotaErr.Dimension)
		s.Equal(2, quotaErr.Limit)
		s.True(dErrors.HasCode(err, dErrors.CodeQuotaExceeded))

		// The rejection decremented nothing.
		record, err := mgr.cache.Peek(ctx, lease.CredentialID)
		s.Require().NoError(err)
		s.Equal(898, record.Remaining)
		usage, err := mgr.limiter.MonthlyUsage(ctx, lease.CredentialID)
		s.Require().NoError(err)
		s.Equal(2, usage)
	})

	s.Run("qps ceiling rejects within one second and recovers in the next", func() {
		mgr := s.newManager(Config{
			TokenMaxUses:         900,
			MonthlyQuotaLimit:    1000,
			QPSLimit:             2,
			MaxConsecutiveErrors: 3,
			HealthCheckInterval:  time.Hour,
		})
		lease, err := mgr.GetToken(ctx)
		s.Require().NoError(err)

		s.Require().NoError(mgr.Consume(ctx, lease.CredentialID))
		s.Require().NoError(mgr.Consume(ctx, lease.CredentialID))

		err = mgr.Consume(ctx, lease.CredentialID)
		var quotaErr *QuotaExceededError
		s.Require().ErrorAs(err, &quotaErr)
		s.Equal(QuotaQPS, quotaErr.Dimension)

		// The qps rejection must not have advanced the monthly counter.
		usage, err := mgr.limiter.MonthlyUsage(ctx, lease.CredentialID)
		s.Require().NoError(err)
		s.Equal(2, usage)

		s.clock.Advance(time.Second)
		s.NoError(mgr.Consume(ctx, lease.CredentialID))
	})

	s.Run("an exhausted use budget forces a refetch", func() {
		mgr := s.newManager(Config{
			TokenMaxUses:         2,
			MonthlyQuotaLimit:    1000,
			QPSLimit:             100,
			MaxConsecutiveErrors: 3,
			HealthCheckInterval:  time.Hour,
		})

		lease, err := mgr.GetToken(ctx)
		s.Require().NoError(err)
		first := s.source.fetchCount(lease.CredentialID)

		s.Require().NoError(mgr.Consume(ctx, lease.CredentialID))
		s.Require().NoError(mgr.Consume(ctx, lease.CredentialID))

		again, err := mgr.GetToken(ctx)
		s.Require().NoError(err)
		s.NotEqual(lease.Token, again.Token)
		total := s.source.fetchCount("a") + s.source.fetchCount("b")
		s.Greater(total, first, "second GetToken had to mint")
	})
}

func (s *ManagerSuite) TestInvalidate() {
	ctx := context.Background()

	s.Run("drops the cached token so the next call refetches", func() {
		lease, err := s.mgr.GetToken(ctx)
		s.Require().NoError(err)

		s.Require().NoError(s.mgr.Invalidate(ctx, lease.CredentialID))

		again, err := s.mgr.GetToken(ctx)
		s.Require().NoError(err)
		s.NotEqual(lease.Token, again.Token)
	})

	s.Run("leaves health state untouched", func() {
		lease, err := s.mgr.GetToken(ctx)
		s.Require().NoError(err)
		s.Require().NoError(s.mgr.Invalidate(ctx, lease.CredentialID))

		ok, err := s.mgr.health.IsHealthy(ctx, lease.CredentialID)
		s.Require().NoError(err)
		s.True(ok)
	})

	s.Run("rejects unknown credentials", func() {
		err := s.mgr.Invalidate(ctx, "nobody")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ManagerSuite) TestAdminSurface() {
	ctx := context.Background()

	s.Run("RemainingUses reflects consumption", func() {
		lease, err := s.mgr.GetToken(ctx)
		s.Require().NoError(err)

		n, ok, err := s.mgr.RemainingUses(ctx, lease.CredentialID)
		s.Require().NoError(err)
		s.True(ok)
		s.Equal(900, n)

		s.Require().NoError(s.mgr.Consume(ctx, lease.CredentialID))
		n, ok, err = s.mgr.RemainingUses(ctx, lease.CredentialID)
		s.Require().NoError(err)
		s.True(ok)
		s.Equal(899, n)
	})

	s.Run("RemainingUses misses when nothing is cached", func() {
		_, ok, err := s.mgr.RemainingUses(ctx, "b")
		s.Require().NoError(err)
		s.False(ok)
	})

	s.Run("TokenStates covers every credential", func() {
		_, err := s.mgr.GetToken(ctx)
		s.Require().NoError(err)

		states, err := s.mgr.TokenStates(ctx)
		s.Require().NoError(err)
		s.Len(states, 2)
		s.Equal("a", states[0].CredentialID)
		s.NotEmpty(states[0].Token)
		s.Equal("b", states[1].CredentialID)
		s.Empty(states[1].Token)
	})

	s.Run("Snapshot reports per-dimension status", func() {
		lease, err := s.mgr.GetToken(ctx)
		s.Require().NoError(err)
		s.Require().NoError(s.mgr.Consume(ctx, lease.CredentialID))

		statuses, err := s.mgr.Snapshot(ctx)
		s.Require().NoError(err)
		s.Require().Len(statuses, 2)

		byID := map[string]CredentialStatus{}
		for _, st := range statuses {
			byID[st.CredentialID] = st
		}
		s.Equal(1, byID["a"].MonthlyUsage)
		s.True(byID["a"].Status.HealthOK)
		s.True(byID["a"].Status.TokenOK)
		s.True(byID["a"].FullyFunctional())
		s.False(byID["b"].Status.TokenOK, "no token cached for b")
	})

	s.Run("ClearTokens sweeps tokens and cursors", func() {
		_, err := s.mgr.GetToken(ctx)
		s.Require().NoError(err)

		deleted, err := s.mgr.ClearTokens(ctx)
		s.Require().NoError(err)
		s.Positive(deleted)

		record, err := s.mgr.cache.Peek(ctx, "a")
		s.Require().NoError(err)
		s.Nil(record)
		_, ok, err := s.store.Get(ctx, cursorKey)
		s.Require().NoError(err)
		s.False(ok)
	})

	s.Run("ResetHealth readmits a tripped credential immediately", func() {
		s.source.fail("a", NewFetchRejected("invalid_client"))
		_, err := s.mgr.GetToken(ctx)
		s.Require().NoError(err)

		s.Require().NoError(s.mgr.ResetHealth(ctx, "a"))
		healthy, err := s.mgr.healthySubset(ctx)
		s.Require().NoError(err)
		s.Len(healthy, 2)

		s.True(dErrors.HasCode(s.mgr.ResetHealth(ctx, "nobody"), dErrors.CodeNotFound))
	})
}

// Concurrent GetToken calls on one replica must collapse into a single
// upstream fetch per credential.
func (s *ManagerSuite) TestGetTokenSingleflight() {
	ctx := context.Background()
	s.source.delay = 10 * time.Millisecond

	const callers = 20
	var wg sync.WaitGroup
	wg.Add(callers)
	leases := make([]Lease, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			leases[i], errs[i] = s.mgr.GetToken(ctx)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		s.Require().NoError(errs[i])
		s.NotEmpty(leases[i].Token)
	}
	s.Less(s.source.fetchCount("a")+s.source.fetchCount("b"), callers,
		"concurrent callers share in-flight fetches")
}
