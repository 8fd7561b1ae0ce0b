package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/chatgate/pkg/config"
)

// ErrNoCredential means the strategy found nothing to work with. It is the
// expected, silent failure.
var ErrNoCredential = errors.New("identity: no credential present")

// Strategy turns request material into a Key.
type Strategy interface {
	// Name matches an entry of gate.identity.order.
	Name() string

	// Resolve returns a key or an error. Implementations may assume cfg is
	// a validated snapshot.
	Resolve(ctx context.Context, m Material, cfg *config.IdentityConfig) (Key, error)
}

// Resolver runs strategies in the configured order.
type Resolver struct {
	provider   config.Provider
	strategies map[string]Strategy
	jwt        *JWTStrategy
	logger     *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithStrategy registers or replaces a strategy under its name.
func WithStrategy(s Strategy) ResolverOption {
	return func(r *Resolver) {
		r.strategies[s.Name()] = s
	}
}

// WithResolverLogger sets the logger.
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = l
	}
}

// NewResolver creates a resolver with the built-in jwt-sub, session-cookie
// and ip strategies.
func NewResolver(provider config.Provider, opts ...ResolverOption) *Resolver {
	jwtStrategy := NewJWTStrategy()
	r := &Resolver{
		provider: provider,
		jwt:      jwtStrategy,
		strategies: map[string]Strategy{
			config.StrategyJWT:     jwtStrategy,
			config.StrategySession: SessionStrategy{},
			config.StrategyIP:      IPStrategy{},
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "identity")
	return r
}

// Resolve returns the first key produced by the configured strategies, or
// Anonymous. It never fails.
func (r *Resolver) Resolve(ctx context.Context, m Material) Key {
	cfg := r.provider.Current()

	for _, name := range cfg.Identity.Order {
		s, ok := r.strategies[name]
		if !ok {
			continue
		}

		key, err := r.try(ctx, s, m, &cfg.Identity)
		if err != nil {
			if !errors.Is(err, ErrNoCredential) {
				r.logger.Debug("Identity strategy failed", "strategy", name, "error", err)
			}
			continue
		}
		if key.Raw == "" {
			continue
		}
		return key
	}

	return Anonymous
}

func (r *Resolver) try(ctx context.Context, s Strategy, m Material, cfg *config.IdentityConfig) (key Key, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			key, err = Key{}, fmt.Errorf("strategy %s panicked: %v", s.Name(), rec)
		}
	}()
	return s.Resolve(ctx, m, cfg)
}

// Close stops background JWKS refreshes.
func (r *Resolver) Close() {
	r.jwt.Close()
}
