package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/kadirpekel/chatgate/pkg/config"
	"github.com/kadirpekel/chatgate/pkg/identity"
	"github.com/kadirpekel/chatgate/pkg/observability"
	"github.com/kadirpekel/chatgate/pkg/store"
)

// DefaultTimeout bounds each store call.
const DefaultTimeout = 150 * time.Millisecond

// Limiter counts requests per identity in every enforced window.
type Limiter struct {
	provider config.Provider
	store    store.Store
	policy   store.FailurePolicy
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  observability.Recorder
	tracer   trace.Tracer

	degradedLog rate.Sometimes
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithTimeout bounds each store call. Default: DefaultTimeout
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithFailurePolicy selects what happens when the store fails.
// Default: store.FailOpen
func WithFailurePolicy(p store.FailurePolicy) Option {
	return func(l *Limiter) {
		l.policy = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.Recorder) Option {
	return func(l *Limiter) {
		if m != nil {
			l.metrics = m
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(l *Limiter) {
		if t != nil {
			l.tracer = t
		}
	}
}

// NewLimiter creates a limiter reading limits and routes from provider on
// every check.
func NewLimiter(provider config.Provider, st store.Store, opts ...Option) *Limiter {
	l := &Limiter{
		provider:    provider,
		store:       st,
		policy:      store.FailOpen,
		timeout:     DefaultTimeout,
		now:         time.Now,
		logger:      slog.Default(),
		metrics:     observability.NoopMetrics{},
		tracer:      observability.NoopTracer(),
		degradedLog: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ratelimit")
	return l
}

// Check counts one request for id against every enforced window and
// decides. It never returns nil.
//
// Windows are evaluated shortest first and evaluation stops at the first
// exceeded one. Counters already incremented are not rolled back.
func (l *Limiter) Check(ctx context.Context, id identity.Key, routePath string) *Decision {
	return l.CheckWith(ctx, l.provider.Current(), id, routePath)
}

// CheckWith is Check against a snapshot the caller already holds, so scope
// and limits come from the same configuration the caller acted on.
func (l *Limiter) CheckWith(ctx context.Context, cfg *config.GateConfig, id identity.Key, routePath string) *Decision {
	if !cfg.InScope(routePath) {
		l.metrics.RecordDecision(ctx, observability.OutcomeExcluded, "")
		return &Decision{Identity: id, Allowed: true, ScopeExcluded: true}
	}

	ctx, span := l.tracer.Start(ctx, observability.SpanRateLimitCheck,
		trace.WithAttributes(attribute.String(observability.AttrIdentityKind, string(id.Kind))))
	defer span.End()

	d := l.evaluate(ctx, id, cfg.Limits, store.CounterKey)

	outcome := observability.OutcomeAllowed
	switch {
	case d.Degraded:
		outcome = observability.OutcomeDegraded
		span.SetStatus(codes.Error, d.Err.Error())
	case !d.Allowed:
		outcome = observability.OutcomeDenied
	}
	window := ""
	if d.Window != nil {
		window = string(d.Window.Unit)
	}
	span.SetAttributes(
		attribute.String(observability.AttrOutcome, outcome),
		attribute.String(observability.AttrWindow, window),
	)
	l.metrics.RecordDecision(ctx, outcome, window)

	return d
}

// CheckAttempt counts one challenge submission for id against
// verification.attempt_limits. Attempts live in their own key space and
// never touch the request quota.
func (l *Limiter) CheckAttempt(ctx context.Context, cfg *config.GateConfig, id identity.Key) *Decision {
	ctx, span := l.tracer.Start(ctx, observability.SpanVerifyAttempt,
		trace.WithAttributes(attribute.String(observability.AttrIdentityKind, string(id.Kind))))
	defer span.End()

	d := l.evaluate(ctx, id, cfg.Verification.AttemptLimits, store.AttemptKey)
	if d.Degraded {
		span.SetStatus(codes.Error, d.Err.Error())
	}
	return d
}

func (l *Limiter) evaluate(ctx context.Context, id identity.Key, limits config.Limits, keyFor func(string, int64, string) string) *Decision {
	now := l.now()
	ident := id.String()
	d := &Decision{Identity: id, Allowed: true}

	for _, unit := range Units {
		limit := limits.For(string(unit))
		if limit <= 0 {
			continue
		}

		start, reset := CurrentWindow(unit, now)
		key := keyFor(string(unit), start.Unix(), ident)

		count, err := l.incr(ctx, key, unit.Duration())
		if err != nil {
			return l.degrade(ctx, d, unit, err)
		}

		remaining := limit - count
		if remaining < 0 {
			remaining = 0
		}
		ws := WindowState{
			Unit:      unit,
			Key:       key,
			Count:     count,
			Limit:     limit,
			Remaining: remaining,
			Start:     start,
			ResetAt:   reset,
		}
		d.Windows = append(d.Windows, ws)

		if ws.Exceeded() {
			d.Allowed = false
			d.Window = &d.Windows[len(d.Windows)-1]
			d.RetryAfter = reset.Sub(time.Unix(now.Unix(), 0))
			if d.RetryAfter < time.Second {
				d.RetryAfter = time.Second
			}
			return d
		}
	}

	if len(d.Windows) > 0 {
		d.Window = &d.Windows[0]
	}
	return d
}

func (l *Limiter) incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.store.IncrWithTTL(ctx, key, ttl)
}

func (l *Limiter) degrade(ctx context.Context, d *Decision, unit Unit, err error) *Decision {
	d.Degraded = true
	d.Err = fmt.Errorf("%s window: %w", unit, err)
	d.Window = nil
	d.Allowed = l.policy == store.FailOpen

	l.metrics.RecordStoreError(ctx, "ratelimit", l.policy.String())
	l.degradedLog.Do(func() {
		l.logger.Warn("Quota store unavailable", "policy", l.policy.String(), "window", unit, "error", err)
	})
	return d
}
