package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/chatgate/pkg/config"
	"github.com/kadirpekel/chatgate/pkg/identity"
	"github.com/kadirpekel/chatgate/pkg/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// brokenStore fails every call.
type brokenStore struct {
	calls atomic.Int64
}

func (s *brokenStore) IncrWithTTL(context.Context, string, time.Duration) (int64, error) {
	s.calls.Add(1)
	return 0, errors.New("connection refused")
}
func (s *brokenStore) Get(context.Context, string) (string, error) {
	return "", errors.New("connection refused")
}
func (s *brokenStore) SetWithTTL(context.Context, string, string, time.Duration) error {
	return errors.New("connection refused")
}
func (s *brokenStore) Delete(context.Context, ...string) (int64, error) {
	return 0, errors.New("connection refused")
}
func (s *brokenStore) Close() error { return nil }

// slowStore blocks until the call's deadline.
type slowStore struct{ brokenStore }

func (s *slowStore) IncrWithTTL(ctx context.Context, _ string, _ time.Duration) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

var user = identity.Key{Kind: identity.KindJWT, Raw: "u1"}

func setup(t *testing.T, limits config.Limits) (*Limiter, *store.MemoryStore, *fakeClock) {
	t.Helper()
	// 2024-01-01T00:00:30Z: mid-minute, on an hour/day boundary.
	clock := &fakeClock{now: time.Unix(1704067230, 0)}
	cfg := config.DefaultGateConfig()
	cfg.Limits = limits
	mem := store.NewMemoryStore(store.WithMemoryClock(clock.Now))
	t.Cleanup(func() { _ = mem.Close() })
	return NewLimiter(config.NewStaticProvider(cfg), mem, WithClock(clock.Now)), mem, clock
}

func TestWindowStart(t *testing.T) {
	now := time.Unix(1704067230, 0) // 2024-01-01T00:00:30Z

	assert.Equal(t, int64(1704067200), WindowStart(UnitMinute, now))
	assert.Equal(t, int64(1704067200), WindowStart(UnitHour, now))
	assert.Equal(t, int64(1704067200), WindowStart(UnitDay, now))
	assert.Equal(t, int64(1704067230-1704067230%2592000), WindowStart(UnitMonth, now))

	start, reset := CurrentWindow(UnitMinute, now)
	assert.Equal(t, time.Unix(1704067200, 0), start)
	assert.Equal(t, time.Unix(1704067260, 0), reset)
}

func TestParseUnit(t *testing.T) {
	u, err := ParseUnit("day")
	require.NoError(t, err)
	assert.Equal(t, UnitDay, u)
	assert.Equal(t, 30*24*time.Hour, UnitMonth.Duration())

	_, err = ParseUnit("week")
	assert.Error(t, err)
}

func TestLimiter_AllowsUpToLimitThenDenies(t *testing.T) {
	l, _, _ := setup(t, config.Limits{Minute: 3})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d := l.Check(ctx, user, "/api/chat")
		require.True(t, d.Allowed, "request %d", i)
		require.NotNil(t, d.Window)
		assert.Equal(t, int64(i), d.Window.Count)
		assert.Equal(t, int64(3-i), d.Window.Remaining)
	}

	d := l.Check(ctx, user, "/api/chat")
	assert.False(t, d.Allowed)
	assert.False(t, d.Degraded)
	require.NotNil(t, d.Window)
	assert.Equal(t, UnitMinute, d.Window.Unit)
	assert.Equal(t, int64(4), d.Window.Count)
	assert.Equal(t, int64(0), d.Window.Remaining)
	assert.Equal(t, 30*time.Second, d.RetryAfter)
	assert.Equal(t, time.Unix(1704067260, 0), d.Window.ResetAt)
}

func TestLimiter_CounterKeyFormat(t *testing.T) {
	l, mem, _ := setup(t, config.Limits{Minute: 5, Day: 10})
	l.Check(context.Background(), user, "/api/chat")

	keys, err := mem.Keys(context.Background(), "rate:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"rate:minute:1704067200:jwt:u1",
		"rate:day:1704067200:jwt:u1",
	}, keys)

	ttl, ok := mem.TTL("rate:day:1704067200:jwt:u1")
	require.True(t, ok)
	assert.Equal(t, 24*time.Hour, ttl)
}

func TestLimiter_WindowRollover(t *testing.T) {
	l, _, clock := setup(t, config.Limits{Minute: 1})
	ctx := context.Background()

	assert.True(t, l.Check(ctx, user, "/api/chat").Allowed)
	assert.False(t, l.Check(ctx, user, "/api/chat").Allowed)

	clock.Advance(30 * time.Second)
	d := l.Check(ctx, user, "/api/chat")
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Window.Count)
}

func TestLimiter_LongerWindowDenies(t *testing.T) {
	l, _, clock := setup(t, config.Limits{Minute: 2, Hour: 3})
	ctx := context.Background()

	assert.True(t, l.Check(ctx, user, "/api/chat").Allowed)
	assert.True(t, l.Check(ctx, user, "/api/chat").Allowed)
	clock.Advance(time.Minute)
	assert.True(t, l.Check(ctx, user, "/api/chat").Allowed)

	d := l.Check(ctx, user, "/api/chat")
	assert.False(t, d.Allowed)
	assert.Equal(t, UnitHour, d.Window.Unit)
	assert.Equal(t, time.Hour-90*time.Second, d.RetryAfter)
	require.Len(t, d.Windows, 2)
	assert.Equal(t, int64(2), d.Windows[0].Count, "minute counter still counted")
}

func TestLimiter_StopsAtFirstDenial(t *testing.T) {
	l, mem, _ := setup(t, config.Limits{Minute: 1, Day: 100})
	ctx := context.Background()

	l.Check(ctx, user, "/api/chat")
	d := l.Check(ctx, user, "/api/chat")
	require.False(t, d.Allowed)
	assert.Len(t, d.Windows, 1)

	v, err := mem.Get(ctx, "rate:day:1704067200:jwt:u1")
	require.NoError(t, err)
	assert.Equal(t, "1", v, "day counter not touched after minute denial")
}

func TestLimiter_RepresentativeWindow(t *testing.T) {
	l, _, _ := setup(t, config.Limits{Minute: 10, Hour: 3, Day: 300})

	d := l.Check(context.Background(), user, "/api/chat")
	require.True(t, d.Allowed)
	assert.Equal(t, UnitMinute, d.Window.Unit, "shortest enforced window represents the decision")
	assert.Equal(t, int64(9), d.Window.Remaining)
	assert.Len(t, d.Windows, 3)

	l, _, _ = setup(t, config.Limits{Hour: 3, Day: 300})
	d = l.Check(context.Background(), user, "/api/chat")
	require.True(t, d.Allowed)
	assert.Equal(t, UnitHour, d.Window.Unit)
	assert.Equal(t, int64(2), d.Window.Remaining)
}

func TestLimiter_CheckWithUsesGivenSnapshot(t *testing.T) {
	l, mem, _ := setup(t, config.Limits{Minute: 1})
	ctx := context.Background()

	snapshot := config.DefaultGateConfig()
	snapshot.Routes = []string{"/other"}
	d := l.CheckWith(ctx, snapshot, user, "/api/chat")
	assert.True(t, d.ScopeExcluded)
	assert.Zero(t, mem.Size())

	snapshot.Routes = []string{"/api/chat"}
	snapshot.Limits = config.Limits{Hour: 5}
	d = l.CheckWith(ctx, snapshot, user, "/api/chat")
	require.NotNil(t, d.Window)
	assert.Equal(t, UnitHour, d.Window.Unit, "limits come from the snapshot, not the provider")
}

func TestLimiter_CheckAttempt(t *testing.T) {
	l, mem, _ := setup(t, config.Limits{Minute: 5})
	ctx := context.Background()
	cfg := config.DefaultGateConfig()
	cfg.Verification.AttemptLimits = config.Limits{Minute: 1}

	assert.True(t, l.CheckAttempt(ctx, cfg, user).Allowed)
	d := l.CheckAttempt(ctx, cfg, user)
	assert.False(t, d.Allowed)
	assert.Equal(t, "attempt:minute:1704067200:jwt:u1", d.Window.Key)
	assert.Equal(t, 30*time.Second, d.RetryAfter)

	_, err := mem.Get(ctx, "rate:minute:1704067200:jwt:u1")
	assert.ErrorIs(t, err, store.ErrNotFound, "attempts leave the request counters alone")
	assert.True(t, l.Check(ctx, user, "/api/chat").Allowed)

	cfg.Verification.AttemptLimits = config.Limits{Minute: -1}
	assert.True(t, l.CheckAttempt(ctx, cfg, user).Allowed)
}

func TestLimiter_DisabledWindowsSkipped(t *testing.T) {
	l, mem, _ := setup(t, config.Limits{Minute: 0, Hour: -1})

	d := l.Check(context.Background(), user, "/api/chat")
	assert.True(t, d.Allowed)
	assert.Nil(t, d.Window)
	assert.Empty(t, d.Windows)
	assert.Equal(t, 0, mem.Size())
	assert.Empty(t, Headers(d))
}

func TestLimiter_OutOfScope(t *testing.T) {
	l, mem, _ := setup(t, config.Limits{Minute: 1})

	for i := 0; i < 5; i++ {
		d := l.Check(context.Background(), user, "/health")
		assert.True(t, d.Allowed)
		assert.True(t, d.ScopeExcluded)
	}
	assert.Equal(t, 0, mem.Size())
}

func TestLimiter_IdentitiesIndependent(t *testing.T) {
	l, _, _ := setup(t, config.Limits{Minute: 1})
	ctx := context.Background()
	other := identity.Key{Kind: identity.KindIP, Raw: "abcdef0123456789"}

	assert.True(t, l.Check(ctx, user, "/api/chat").Allowed)
	assert.True(t, l.Check(ctx, other, "/api/chat/stream").Allowed)
	assert.False(t, l.Check(ctx, user, "/api/chat").Allowed)
}

func TestLimiter_ConcurrentRequestsNeverOvershoot(t *testing.T) {
	l, _, _ := setup(t, config.Limits{Minute: 50})

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check(context.Background(), user, "/api/chat").Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), allowed.Load())
}

func TestLimiter_FailOpen(t *testing.T) {
	cfg := config.DefaultGateConfig()
	broken := &brokenStore{}
	l := NewLimiter(config.NewStaticProvider(cfg), broken)

	d := l.Check(context.Background(), user, "/api/chat")
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
	assert.Error(t, d.Err)
	assert.Nil(t, d.Window)
	assert.Equal(t, int64(1), broken.calls.Load(), "stops at the first failure")

	h := Headers(d)
	assert.Equal(t, StoreUnavailable, h.Get(HeaderError))
	assert.Empty(t, h.Get(HeaderRetryAfter))
}

func TestLimiter_FailClosedPolicy(t *testing.T) {
	l := NewLimiter(config.NewStaticProvider(nil), &brokenStore{}, WithFailurePolicy(store.FailClosed))

	d := l.Check(context.Background(), user, "/api/chat")
	assert.False(t, d.Allowed)
	assert.True(t, d.Degraded)
}

func TestLimiter_TimeoutFailsOpen(t *testing.T) {
	l := NewLimiter(config.NewStaticProvider(nil), &slowStore{}, WithTimeout(20*time.Millisecond))

	start := time.Now()
	d := l.Check(context.Background(), user, "/api/chat")
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
	assert.ErrorIs(t, d.Err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLimiter_FollowsProvider(t *testing.T) {
	l, _, _ := setup(t, config.Limits{Minute: 1})
	ctx := context.Background()

	assert.True(t, l.Check(ctx, user, "/api/chat").Allowed)
	assert.False(t, l.Check(ctx, user, "/api/chat").Allowed)

	l.provider.Current().Limits.Minute = 10
	assert.True(t, l.Check(ctx, user, "/api/chat").Allowed)
}

func TestHeaders(t *testing.T) {
	l, _, _ := setup(t, config.Limits{Minute: 1})
	ctx := context.Background()

	h := Headers(l.Check(ctx, user, "/api/chat"))
	assert.Equal(t, "1", h.Get(HeaderLimit))
	assert.Equal(t, "0", h.Get(HeaderRemaining))
	assert.Equal(t, "1704067260", h.Get(HeaderReset))
	assert.Equal(t, "minute", h.Get(HeaderWindow))
	assert.Empty(t, h.Get(HeaderRetryAfter))

	denied := l.Check(ctx, user, "/api/chat")
	h = Headers(denied)
	assert.Equal(t, "30", h.Get(HeaderRetryAfter))

	body := DenialBody(denied)
	assert.Equal(t, "rate_limit_exceeded", body.Error.Code)
	assert.Equal(t, "minute", body.Window)
	assert.Equal(t, int64(1), body.Limit)
	assert.Equal(t, int64(30), body.RetryAfterSeconds)

	assert.Empty(t, Headers(&Decision{Allowed: true, ScopeExcluded: true}))
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int64
	}{
		{0, 1},
		{500 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{time.Hour, 3600},
	}
	for _, tt := range tests {
		t.Run(strconv.FormatInt(int64(tt.in), 10), func(t *testing.T) {
			d := &Decision{RetryAfter: tt.in}
			assert.Equal(t, tt.want, d.RetryAfterSeconds())
		})
	}
}

func TestDecisionContext(t *testing.T) {
	assert.Nil(t, DecisionFromContext(context.Background()))

	d := &Decision{Allowed: true}
	ctx := WithDecision(context.Background(), d)
	assert.Same(t, d, DecisionFromContext(ctx))
}

func TestHeaders_WriteIntoExisting(t *testing.T) {
	h := http.Header{"Content-Type": {"application/json"}}
	WriteHeaders(h, &Decision{Allowed: true, Degraded: true})
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, StoreUnavailable, h.Get(HeaderError))
}
