package gate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kadirpekel/chatgate/pkg/config"
	"github.com/kadirpekel/chatgate/pkg/identity"
	"github.com/kadirpekel/chatgate/pkg/ratelimit"
	"github.com/kadirpekel/chatgate/pkg/store"
	"github.com/kadirpekel/chatgate/pkg/verification"
)

// 2024-01-01T00:00:30Z
var testNow = time.Unix(1704067230, 0)

type brokenStore struct{}

func (brokenStore) IncrWithTTL(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}
func (brokenStore) Get(context.Context, string) (string, error) {
	return "", errors.New("connection refused")
}
func (brokenStore) SetWithTTL(context.Context, string, string, time.Duration) error {
	return errors.New("connection refused")
}
func (brokenStore) Delete(context.Context, ...string) (int64, error) {
	return 0, errors.New("connection refused")
}
func (brokenStore) Close() error { return nil }

// fixedResolver resolves every request to the same identity.
type fixedResolver identity.Key

func (r fixedResolver) Resolve(context.Context, identity.Material) identity.Key {
	return identity.Key(r)
}

type harness struct {
	provider *config.StaticProvider
	store    *store.MemoryStore
	gate     *Gate
	proofs   map[string]bool
	proofErr error

	proofCalls int
}

func newHarness(t *testing.T, mutate func(*config.GateConfig)) *harness {
	t.Helper()
	clock := func() time.Time { return testNow }

	cfg := config.DefaultGateConfig()
	cfg.Limits = config.Limits{Minute: 2}
	cfg.Routes = append(cfg.Routes, "/chat.v1.ChatService/*")
	cfg.Verification.Enabled = true
	if mutate != nil {
		mutate(cfg)
	}

	h := &harness{
		provider: config.NewStaticProvider(cfg),
		store:    store.NewMemoryStore(store.WithMemoryClock(clock)),
		proofs:   map[string]bool{"good-token": true},
	}
	t.Cleanup(func() { h.store.Close() })

	proof := verification.ProofVerifierFunc(func(_ context.Context, token, _ string) (bool, error) {
		h.proofCalls++
		if h.proofErr != nil {
			return false, h.proofErr
		}
		return h.proofs[token], nil
	})

	resolver := identity.NewResolver(h.provider)
	t.Cleanup(resolver.Close)

	h.gate = New(h.provider, resolver,
		ratelimit.NewLimiter(h.provider, h.store, ratelimit.WithClock(clock)),
		WithVerifier(verification.NewGate(h.provider, h.store,
			verification.WithClock(clock),
			verification.WithVerifier(proof))),
	)
	return h
}

type seen struct {
	identity identity.Key
	decision *ratelimit.Decision
	calls    int
	path     string
	rawPath  string
}

func (s *seen) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls++
		s.path = r.URL.Path
		s.rawPath = r.URL.RawPath
		s.identity, _ = identity.FromContext(r.Context())
		s.decision = ratelimit.DecisionFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, method, target string, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.RemoteAddr = "203.0.113.7:51234"
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ratelimit.ErrorBody {
	t.Helper()
	var body ratelimit.ErrorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestMiddleware_OutOfScopeUntouched(t *testing.T) {
	h := newHarness(t, nil)
	var s seen
	mw := h.gate.Middleware(s.handler())

	for i := 0; i < 5; i++ {
		rec := serve(mw, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get(ratelimit.HeaderLimit))
	}
	assert.Equal(t, 5, s.calls)
	assert.Nil(t, s.decision)
	assert.Zero(t, h.store.Size())
}

func TestMiddleware_ChallengeThenQuota(t *testing.T) {
	h := newHarness(t, nil)
	var s seen
	mw := h.gate.Middleware(s.handler())

	rec := serve(mw, http.MethodPost, "/api/chat", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, CodeVerificationRequired, decodeError(t, rec).Error.Code)
	assert.Zero(t, s.calls)
	assert.Zero(t, h.store.Size(), "nothing counted before verification")

	rec = serve(h.gate.VerifyHandler(), http.MethodPost, "/verify", `{"token":"good-token"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var vr verifyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&vr))
	assert.True(t, vr.Verified)
	assert.True(t, strings.HasPrefix(vr.Identity, "ip:"))

	for i := 0; i < 2; i++ {
		rec = serve(mw, http.MethodPost, "/api/chat", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, "2", rec.Header().Get(ratelimit.HeaderLimit))
	assert.Equal(t, "0", rec.Header().Get(ratelimit.HeaderRemaining))
	assert.Equal(t, "minute", rec.Header().Get(ratelimit.HeaderWindow))
	assert.Equal(t, "1704067260", rec.Header().Get(ratelimit.HeaderReset))
	assert.Equal(t, identity.KindIP, s.identity.Kind)
	require.NotNil(t, s.decision)
	assert.True(t, s.decision.Allowed)

	rec = serve(mw, http.MethodPost, "/api/chat", "", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get(ratelimit.HeaderRetryAfter))
	body := decodeError(t, rec)
	assert.Equal(t, "rate_limit_exceeded", body.Error.Code)
	assert.Equal(t, "minute", body.Window)
	assert.Equal(t, int64(2), body.Limit)
	assert.Equal(t, int64(30), body.RetryAfterSeconds)
	assert.Equal(t, 2, s.calls)
}

func TestMiddleware_NonCanonicalPathsStayCounted(t *testing.T) {
	h := newHarness(t, func(c *config.GateConfig) { c.Verification.Enabled = false })
	var s seen
	mw := h.gate.Middleware(s.handler())

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, serve(mw, http.MethodPost, "/api/chat", "", nil).Code)
	}

	for _, target := range []string{"/api/chat", "/api//chat", "/api/./chat", "/api/x/../chat", "/API/Chat", "/api/chat/"} {
		rec := serve(mw, http.MethodPost, target, "", nil)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code, target)
		assert.Equal(t, "2", rec.Header().Get(ratelimit.HeaderLimit), target)
	}
	assert.Equal(t, 2, s.calls, "denied identity never reaches the handler")
}

func TestMiddleware_ForwardsCanonicalPath(t *testing.T) {
	h := newHarness(t, func(c *config.GateConfig) { c.Verification.Enabled = false })
	var s seen
	mw := h.gate.Middleware(s.handler())

	rec := serve(mw, http.MethodPost, "/api//./chat", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/api/chat", s.path)
	assert.Empty(t, s.rawPath)
	assert.Equal(t, "1", rec.Header().Get(ratelimit.HeaderRemaining))

	rec = serve(mw, http.MethodGet, "/docs//index.html", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/docs/index.html", s.path)
	assert.Empty(t, rec.Header().Get(ratelimit.HeaderLimit))
}

// flipProvider alternates between an in-scope and an out-of-scope
// snapshot on every Current call.
type flipProvider struct {
	calls   int
	scoped  *config.GateConfig
	ignored *config.GateConfig
}

func (p *flipProvider) Current() *config.GateConfig {
	p.calls++
	if p.calls%2 == 1 {
		return p.scoped
	}
	return p.ignored
}

func TestMiddleware_SingleSnapshotPerRequest(t *testing.T) {
	scoped := config.DefaultGateConfig()
	ignored := config.DefaultGateConfig()
	ignored.Routes = nil
	provider := &flipProvider{scoped: scoped, ignored: ignored}

	mem := store.NewMemoryStore()
	defer mem.Close()
	g := New(provider, fixedResolver{Kind: identity.KindJWT, Raw: "u1"}, ratelimit.NewLimiter(provider, mem))

	var s seen
	rec := serve(g.Middleware(s.handler()), http.MethodPost, "/api/chat", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, provider.calls)
	require.NotNil(t, s.decision)
	assert.False(t, s.decision.ScopeExcluded)
	assert.NotEmpty(t, rec.Header().Get(ratelimit.HeaderLimit))
}

func TestMiddleware_SessionBypassesVerification(t *testing.T) {
	h := newHarness(t, nil)
	var s seen
	mw := h.gate.Middleware(s.handler())

	rec := serve(mw, http.MethodPost, "/api/chat/stream", "", &http.Cookie{Name: "session", Value: "abc"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, identity.Key{Kind: identity.KindSession, Raw: "abc"}, s.identity)
}

func TestMiddleware_VerificationDisabled(t *testing.T) {
	h := newHarness(t, func(c *config.GateConfig) { c.Verification.Enabled = false })
	var s seen
	mw := h.gate.Middleware(s.handler())

	rec := serve(mw, http.MethodPost, "/api/chat", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddleware_StoreDown(t *testing.T) {
	tests := []struct {
		name       string
		policy     store.FailurePolicy
		wantStatus int
		wantCalls  int
	}{
		{"fail open admits", store.FailOpen, http.StatusOK, 1},
		{"fail closed rejects", store.FailClosed, http.StatusServiceUnavailable, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := config.NewStaticProvider(nil)
			g := New(provider, fixedResolver{Kind: identity.KindJWT, Raw: "u1"},
				ratelimit.NewLimiter(provider, brokenStore{}, ratelimit.WithFailurePolicy(tt.policy)))

			var s seen
			rec := serve(g.Middleware(s.handler()), http.MethodPost, "/api/chat", "", nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, ratelimit.StoreUnavailable, rec.Header().Get(ratelimit.HeaderError))
			assert.Equal(t, tt.wantCalls, s.calls)
			if tt.wantStatus == http.StatusServiceUnavailable {
				assert.Equal(t, CodeStoreUnavailable, decodeError(t, rec).Error.Code)
			}
		})
	}
}

func TestMiddleware_VerificationStoreDownFailsClosed(t *testing.T) {
	provider := config.NewStaticProvider(func() *config.GateConfig {
		c := config.DefaultGateConfig()
		c.Verification.Enabled = true
		return c
	}())
	g := New(provider, fixedResolver{Kind: identity.KindIP, Raw: "abcd"},
		ratelimit.NewLimiter(provider, brokenStore{}),
		WithVerifier(verification.NewGate(provider, brokenStore{})))

	var s seen
	rec := serve(g.Middleware(s.handler()), http.MethodPost, "/api/chat", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, s.calls)
}

func TestVerifyHandler(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		body     string
		proofErr error
		want     int
		wantCode string
	}{
		{"accepted", http.MethodPost, `{"token":"good-token"}`, nil, http.StatusOK, ""},
		{"rejected", http.MethodPost, `{"token":"forged"}`, nil, http.StatusForbidden, CodeVerificationFailed},
		{"empty token", http.MethodPost, `{"token":""}`, nil, http.StatusBadRequest, CodeInvalidRequest},
		{"bad json", http.MethodPost, `{token`, nil, http.StatusBadRequest, CodeInvalidRequest},
		{"provider down", http.MethodPost, `{"token":"good-token"}`, errors.New("timeout"), http.StatusServiceUnavailable, CodeVerificationDown},
		{"wrong method", http.MethodGet, "", nil, http.StatusMethodNotAllowed, CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.proofErr = tt.proofErr

			rec := serve(h.gate.VerifyHandler(), tt.method, "/verify", tt.body, nil)
			assert.Equal(t, tt.want, rec.Code)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, decodeError(t, rec).Error.Code)
			}
		})
	}
}

func TestVerifyHandler_AttemptLimit(t *testing.T) {
	h := newHarness(t, func(c *config.GateConfig) {
		c.Verification.AttemptLimits = config.Limits{Minute: 2}
	})
	vh := h.gate.VerifyHandler()

	for i := 0; i < 2; i++ {
		rec := serve(vh, http.MethodPost, "/verify", `{"token":"forged"}`, nil)
		require.Equal(t, http.StatusForbidden, rec.Code)
	}

	rec := serve(vh, http.MethodPost, "/verify", `{"token":"good-token"}`, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get(ratelimit.HeaderRetryAfter))
	assert.Equal(t, "rate_limit_exceeded", decodeError(t, rec).Error.Code)
	assert.Equal(t, 2, h.proofCalls, "no provider call once attempts are used up")

	ctx := context.Background()
	counters, err := h.store.Keys(ctx, store.CounterPrefix+":")
	require.NoError(t, err)
	assert.Empty(t, counters, "attempts do not consume the request quota")
	attempts, err := h.store.Keys(ctx, store.AttemptPrefix+":")
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestVerifyHandler_NoVerifier(t *testing.T) {
	provider := config.NewStaticProvider(nil)
	g := New(provider, fixedResolver(identity.Anonymous), ratelimit.NewLimiter(provider, brokenStore{}))

	rec := serve(g.VerifyHandler(), http.MethodPost, "/verify", `{"token":"x"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUnaryServerInterceptor(t *testing.T) {
	h := newHarness(t, func(c *config.GateConfig) {
		c.Verification.Enabled = false
	})
	interceptor := h.gate.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/chat.v1.ChatService/Send"}

	var got identity.Key
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		got, _ = identity.FromContext(ctx)
		return "ok", nil
	}

	for i := 0; i < 2; i++ {
		resp, err := interceptor(context.Background(), nil, info, handler)
		require.NoError(t, err)
		assert.Equal(t, "ok", resp)
	}
	assert.Equal(t, identity.Anonymous, got)

	_, err := interceptor(context.Background(), nil, info, handler)
	st := status.Convert(err)
	assert.Equal(t, codes.ResourceExhausted, st.Code())

	var retry *errdetails.RetryInfo
	var quota *errdetails.QuotaFailure
	for _, d := range st.Details() {
		switch v := d.(type) {
		case *errdetails.RetryInfo:
			retry = v
		case *errdetails.QuotaFailure:
			quota = v
		}
	}
	require.NotNil(t, retry)
	assert.Positive(t, retry.GetRetryDelay().AsDuration())
	require.NotNil(t, quota)
	require.Len(t, quota.GetViolations(), 1)
	assert.Equal(t, identity.Anonymous.String(), quota.GetViolations()[0].GetSubject())

	// Unlisted methods are not counted.
	resp, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, handler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestUnaryServerInterceptor_ChallengeRequired(t *testing.T) {
	h := newHarness(t, nil)
	interceptor := h.gate.UnaryServerInterceptor()

	_, err := interceptor(context.Background(), nil,
		&grpc.UnaryServerInfo{FullMethod: "/chat.v1.ChatService/Send"},
		func(ctx context.Context, req interface{}) (interface{}, error) { return nil, nil })
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestTrailer(t *testing.T) {
	d := &ratelimit.Decision{
		Allowed: false,
		Window: &ratelimit.WindowState{
			Unit:    ratelimit.UnitMinute,
			Limit:   2,
			ResetAt: time.Unix(1704067260, 0),
		},
		RetryAfter: 30 * time.Second,
	}
	md := trailer(d)
	assert.Equal(t, []string{"2"}, md.Get("x-ratelimit-limit"))
	assert.Equal(t, []string{"30"}, md.Get("retry-after"))
	assert.Empty(t, trailer(&ratelimit.Decision{ScopeExcluded: true}))
}
