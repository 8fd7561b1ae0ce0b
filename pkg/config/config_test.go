package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  port: 9090
  upstream_url: http://localhost:3000
  admin_token: ${CHATGATE_TEST_ADMIN_TOKEN}
store:
  backend: redis
  timeout: 200ms
  redis:
    addr: ${CHATGATE_TEST_REDIS:-redis:6379}
gate:
  identity:
    order: [session-cookie, ip]
    ip:
      salt: pepper
  limits:
    minute: 5
    day: 100
  routes: ["/api/chat", "/api/chat/**"]
  verification:
    enabled: true
    required_for_anonymous: true
    cache_duration: 1h
`

func TestParseAndValidate(t *testing.T) {
	t.Setenv("CHATGATE_TEST_ADMIN_TOKEN", "s3cret")

	cfg, err := ParseAndValidate([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Server.AdminToken)
	assert.Equal(t, "/verify", cfg.Server.VerifyPath)

	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, 200*time.Millisecond, cfg.Store.Timeout)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)

	gate := cfg.Gate
	assert.Equal(t, []string{StrategySession, StrategyIP}, gate.Identity.Order)
	assert.Equal(t, "session", gate.Identity.Session.CookieName)
	assert.Equal(t, 16, gate.Identity.IP.HashLength)
	assert.True(t, gate.Identity.IP.TrustsForwarded())
	assert.Equal(t, int64(5), gate.Limits.For(WindowMinute))
	assert.Equal(t, int64(0), gate.Limits.For(WindowHour))
	assert.Equal(t, int64(100), gate.Limits.For(WindowDay))
	assert.Equal(t, time.Hour, gate.Verification.CacheDuration)
	assert.Equal(t, 10000, gate.Verification.LocalCacheSize)
	assert.Equal(t, Limits{Minute: 10, Hour: 60}, gate.Verification.AttemptLimits)
}

func TestParse_AttemptLimits(t *testing.T) {
	cfg, err := ParseAndValidate([]byte("gate:\n  verification:\n    attempt_limits:\n      minute: -1\n"))
	require.NoError(t, err)
	assert.Equal(t, Limits{Minute: -1}, cfg.Gate.Verification.AttemptLimits, "explicit values are not replaced by defaults")
}

func TestParse_JSONDocument(t *testing.T) {
	cfg, err := ParseAndValidate([]byte(`{"gate": {"limits": {"hour": 7}, "routes": ["/chat"]}}`))
	require.NoError(t, err)
	assert.Equal(t, int64(7), cfg.Gate.Limits.Hour)
	assert.Equal(t, []string{"/chat"}, cfg.Gate.Routes)
}

func TestParse_UnknownFieldRejected(t *testing.T) {
	_, err := Parse([]byte("gate:\n  limits:\n    minute: 5\n    fortnight: 9\n"))
	require.Error(t, err)

	var schemaErr *SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, []string{"gate.limits.fortnight"}, schemaErr.UnknownFields)
}

func TestParse_TypeErrorRejected(t *testing.T) {
	_, err := Parse([]byte("gate:\n  limits:\n    minute: lots\n"))
	require.Error(t, err)

	var schemaErr *SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.NotEmpty(t, schemaErr.TypeErrors)
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse([]byte("  \n"))
	assert.ErrorIs(t, err, ErrEmptyDocument)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		section string
	}{
		{"unknown strategy", "gate:\n  identity:\n    order: [jwt-sub, fingerprint]\n", "gate"},
		{"duplicate strategy", "gate:\n  identity:\n    order: [ip, ip]\n", "gate"},
		{"relative route", "gate:\n  routes: [api/chat]\n", "gate"},
		{"bad route pattern", "gate:\n  routes: [\"/api/[\"]\n", "gate"},
		{"hash too short", "gate:\n  identity:\n    ip:\n      hash_length: 4\n", "gate"},
		{"unknown backend", "store:\n  backend: dynamo\n", "store"},
		{"sql without section", "store:\n  backend: sql\n", "store"},
		{"turnstile without secret", "challenge:\n  provider: turnstile\n", "challenge"},
		{"bad upstream", "server:\n  upstream_url: not-a-url\n", "server"},
		{"unknown trace exporter", "observability:\n  tracing:\n    exporter: zipkin\n", "observability"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAndValidate([]byte(tt.doc))
			require.Error(t, err)

			var vErr *ValidationError
			require.True(t, errors.As(err, &vErr), "got %T: %v", err, err)
			assert.Equal(t, tt.section, vErr.Section)
		})
	}
}

func TestMatchRoute(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/api/chat", "/api/chat", true},
		{"/api/chat", "/api/chat/stream", false},
		{"/api/chat/*", "/api/chat/stream", true},
		{"/api/chat/*", "/api/chat/a/b", false},
		{"/api/chat/**", "/api/chat", true},
		{"/api/chat/**", "/api/chat/a/b", true},
		{"/api/chat/**", "/api/chatter", false},
		{"/api/*/messages", "/api/v2/messages", true},
		{"/health", "", false},
		{"/api/chat", "/api//chat", true},
		{"/api/chat", "/api/./chat", true},
		{"/api/chat", "/api/x/../chat", true},
		{"/api/chat", "/api/chat/", true},
		{"/api/chat", "/API/Chat", true},
		{"/api/chat", "api/chat", true},
		{"/api/chat", "/api/chat/..", false},
		{"/api/chat/**", "//api/chat//stream", true},
		{"/api/chat/", "/api/chat", true},
		{"/**", "/anything/below", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchRoute(tt.pattern, tt.path), "%s vs %s", tt.pattern, tt.path)
	}
}

func TestCanonicalPath(t *testing.T) {
	tests := map[string]string{
		"":                "/",
		"/":               "/",
		"/api//chat":      "/api/chat",
		"/api/./chat":     "/api/chat",
		"/api/a/../chat/": "/api/chat/",
		"//":              "/",
		"api/chat":        "/api/chat",
		"/api/Chat":       "/api/Chat",
	}
	for in, want := range tests {
		assert.Equal(t, want, CanonicalPath(in), in)
	}
}

func TestGateConfig_InScope(t *testing.T) {
	cfg := &GateConfig{Routes: []string{"/api/chat", "/v1/completions/**"}}
	assert.True(t, cfg.InScope("/api/chat"))
	assert.True(t, cfg.InScope("/v1/completions/abc"))
	assert.False(t, cfg.InScope("/api/models"))

	empty := &GateConfig{}
	assert.False(t, empty.InScope("/api/chat"))
}

func TestDefaultGateConfig_Valid(t *testing.T) {
	cfg := DefaultGateConfig()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.InScope("/api/chat"))
	assert.Positive(t, cfg.Limits.Minute)
}

func TestSchema(t *testing.T) {
	data, err := Schema()
	require.NoError(t, err)
	assert.Contains(t, string(data), "bypass_verified_identities")
	assert.Contains(t, string(data), "upstream_url")
}
