// Package verification decides which callers must pass a human-verification
// challenge and remembers who already did.
//
// The shared store is the source of truth. When it cannot answer, the gate
// falls back to a small in-process cache and otherwise fails closed: an
// unknown caller is asked to verify again.
package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/kadirpekel/chatgate/pkg/config"
	"github.com/kadirpekel/chatgate/pkg/identity"
	"github.com/kadirpekel/chatgate/pkg/observability"
	"github.com/kadirpekel/chatgate/pkg/store"
)

var (
	// ErrEmptyProof is returned when no challenge token was supplied.
	ErrEmptyProof = errors.New("verification: empty proof token")

	// ErrNoVerifier is returned by Verify when no challenge provider is
	// configured.
	ErrNoVerifier = errors.New("verification: no challenge provider configured")

	// ErrNoRecord is returned by Record for identities never verified, or
	// whose verification expired.
	ErrNoRecord = errors.New("verification: no record")
)

// DefaultTimeout bounds each store call.
const DefaultTimeout = 150 * time.Millisecond

// Record is the value stored at verify:<identity>.
type Record struct {
	Identity   string    `json:"identity"`
	VerifiedAt time.Time `json:"verified_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Gate is the verification gate.
type Gate struct {
	provider config.Provider
	store    store.Store
	local    *LocalCache
	verifier ProofVerifier
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  observability.Recorder
	tracer   trace.Tracer

	storeErrLog rate.Sometimes
}

// Option configures a Gate.
type Option func(*Gate)

// WithVerifier sets the challenge provider used by Verify.
func WithVerifier(v ProofVerifier) Option {
	return func(g *Gate) {
		g.verifier = v
	}
}

// WithLocalCache replaces the fallback cache.
func WithLocalCache(c *LocalCache) Option {
	return func(g *Gate) {
		g.local = c
	}
}

// WithTimeout bounds each store call. Default: DefaultTimeout
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = l
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.Recorder) Option {
	return func(g *Gate) {
		if m != nil {
			g.metrics = m
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(g *Gate) {
		if t != nil {
			g.tracer = t
		}
	}
}

// NewGate creates a gate. The local cache is sized from the provider's
// snapshot at construction time.
func NewGate(provider config.Provider, st store.Store, opts ...Option) *Gate {
	g := &Gate{
		provider:    provider,
		store:       st,
		timeout:     DefaultTimeout,
		now:         time.Now,
		logger:      slog.Default(),
		metrics:     observability.NoopMetrics{},
		tracer:      observability.NoopTracer(),
		storeErrLog: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.local == nil {
		g.local = NewLocalCache(provider.Current().Verification.LocalCacheSize, g.now)
	}
	g.logger = g.logger.With("component", "verification")
	return g
}

// RequireChallenge reports whether id must pass a challenge before the
// request proceeds.
func (g *Gate) RequireChallenge(ctx context.Context, id identity.Key) bool {
	vc := g.provider.Current().Verification
	if !vc.Enabled {
		return false
	}
	if id.Authenticated() {
		if vc.BypassVerifiedIdentities {
			return false
		}
	} else if !vc.RequiredForAnonymous {
		return false
	}

	if g.IsVerified(ctx, id) {
		return false
	}
	g.metrics.RecordChallenge(ctx, observability.ChallengeRequired)
	return true
}

// IsVerified reports whether id passed a challenge within the cache
// duration.
//
// A reachable store is authoritative. On store failure the local cache
// answers, and an identity it does not know is treated as unverified.
func (g *Gate) IsVerified(ctx context.Context, id identity.Key) bool {
	ctx, span := g.tracer.Start(ctx, observability.SpanVerifyCheck,
		trace.WithAttributes(attribute.String(observability.AttrIdentityKind, string(id.Kind))))
	defer span.End()

	key := id.String()
	rec, err := g.read(ctx, key)
	switch {
	case err == nil:
		if !rec.ExpiresAt.IsZero() {
			g.local.Put(key, rec.ExpiresAt)
		}
		span.SetAttributes(attribute.String(observability.AttrOutcome, "verified"))
		return true
	case errors.Is(err, store.ErrNotFound):
		span.SetAttributes(attribute.String(observability.AttrOutcome, "unverified"))
		return false
	}

	g.metrics.RecordStoreError(ctx, "verification", store.FailClosed.String())
	g.storeErrLog.Do(func() {
		g.logger.Warn("Verification store unavailable, using local cache", "error", err)
	})

	ok := g.local.Contains(key)
	span.SetAttributes(
		attribute.String(observability.AttrOutcome, "fallback"),
		attribute.Bool("verification.local_hit", ok),
	)
	return ok
}

// RecordVerified remembers that id passed a challenge for the configured
// cache duration. The local cache is updated even when the store write
// fails; the store error is still returned.
func (g *Gate) RecordVerified(ctx context.Context, id identity.Key, proofToken string) error {
	if proofToken == "" {
		return ErrEmptyProof
	}

	ttl := g.provider.Current().Verification.CacheDuration
	now := g.now()
	rec := Record{
		Identity:   id.String(),
		VerifiedAt: now.UTC(),
		ExpiresAt:  now.Add(ttl).UTC(),
	}

	g.local.Put(rec.Identity, rec.ExpiresAt)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode verification record: %w", err)
	}

	sctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.store.SetWithTTL(sctx, store.VerificationKey(rec.Identity), string(data), ttl); err != nil {
		g.metrics.RecordStoreError(ctx, "verification", store.FailClosed.String())
		return fmt.Errorf("failed to store verification: %w", err)
	}
	return nil
}

// Verify checks proofToken with the challenge provider and, when it
// passes, records id as verified.
//
// A store failure while recording is logged, not returned: the caller did
// pass, and the local cache holds the result.
func (g *Gate) Verify(ctx context.Context, id identity.Key, proofToken, remoteIP string) (bool, error) {
	if proofToken == "" {
		return false, ErrEmptyProof
	}
	if g.verifier == nil {
		return false, ErrNoVerifier
	}

	ctx, span := g.tracer.Start(ctx, observability.SpanVerifyChallenge,
		trace.WithAttributes(attribute.String(observability.AttrIdentityKind, string(id.Kind))))
	defer span.End()

	ok, err := g.verifier.VerifyProof(ctx, proofToken, remoteIP)
	if err != nil {
		g.metrics.RecordChallenge(ctx, observability.ChallengeError)
		span.RecordError(err)
		return false, fmt.Errorf("challenge provider: %w", err)
	}
	if !ok {
		g.metrics.RecordChallenge(ctx, observability.ChallengeFailed)
		return false, nil
	}

	g.metrics.RecordChallenge(ctx, observability.ChallengePassed)
	if err := g.RecordVerified(ctx, id, proofToken); err != nil {
		g.logger.Warn("Verified identity not persisted", "identity_kind", id.Kind, "error", err)
	}
	return true, nil
}

// Record returns the stored verification for id, or ErrNoRecord.
func (g *Gate) Record(ctx context.Context, id identity.Key) (*Record, error) {
	rec, err := g.read(ctx, id.String())
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (g *Gate) read(ctx context.Context, key string) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	raw, err := g.store.Get(ctx, store.VerificationKey(key))
	if err != nil {
		return nil, err
	}

	rec := &Record{Identity: key}
	if err := json.Unmarshal([]byte(raw), rec); err != nil {
		// Present but unreadable still means the store holds a live entry.
		g.logger.Debug("Unreadable verification record", "error", err)
		return &Record{Identity: key}, nil
	}
	return rec, nil
}

// LocalCache exposes the fallback cache.
func (g *Gate) LocalCache() *LocalCache {
	return g.local
}
