package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/kadirpekel/chatgate/pkg/config"
)

// ErrNoVerificationKey is returned when jwt-sub is configured without a
// secret, a JWKS URL, or the explicit unverified opt-in.
var ErrNoVerificationKey = errors.New("identity: jwt-sub has no verification key configured")

// JWTStrategy reads the subject of a bearer token.
//
// Keys come from, in order: the HMAC secret, the JWKS URL (fetched once,
// refreshed every 15 minutes), or nothing at all when allow_unverified is
// set. Expiry is checked in every mode.
type JWTStrategy struct {
	mu         sync.Mutex
	cache      *jwk.Cache
	cancel     context.CancelFunc
	registered map[string]bool
}

// NewJWTStrategy creates the strategy. The JWKS cache starts lazily.
func NewJWTStrategy() *JWTStrategy {
	return &JWTStrategy{registered: make(map[string]bool)}
}

// Name returns "jwt-sub".
func (s *JWTStrategy) Name() string {
	return config.StrategyJWT
}

// Resolve validates the bearer token and returns its subject.
func (s *JWTStrategy) Resolve(ctx context.Context, m Material, cfg *config.IdentityConfig) (Key, error) {
	token := bearerToken(m.Authorization)
	if token == "" {
		return Key{}, ErrNoCredential
	}

	jc := cfg.JWT
	opts := []jwt.ParseOption{
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(jc.Leeway),
	}
	if jc.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(jc.Issuer))
	}
	if jc.Audience != "" {
		opts = append(opts, jwt.WithAudience(jc.Audience))
	}

	switch {
	case jc.Secret != "":
		opts = append(opts, jwt.WithKey(jwa.SignatureAlgorithm(jc.Algorithm), []byte(jc.Secret)))
	case jc.JWKSURL != "":
		set, err := s.keySet(ctx, jc.JWKSURL)
		if err != nil {
			return Key{}, err
		}
		opts = append(opts, jwt.WithKeySet(set))
	case jc.AllowUnverified:
		opts = append(opts, jwt.WithVerify(false))
	default:
		return Key{}, ErrNoVerificationKey
	}

	tok, err := jwt.ParseString(token, opts...)
	if err != nil {
		return Key{}, fmt.Errorf("invalid token: %w", err)
	}

	sub := strings.TrimSpace(tok.Subject())
	if sub == "" {
		return Key{}, fmt.Errorf("token has no subject")
	}
	return Key{Kind: KindJWT, Raw: sub}, nil
}

func (s *JWTStrategy) keySet(ctx context.Context, url string) (jwk.Set, error) {
	s.mu.Lock()
	if s.cache == nil {
		cacheCtx, cancel := context.WithCancel(context.Background())
		s.cache = jwk.NewCache(cacheCtx)
		s.cancel = cancel
	}
	if !s.registered[url] {
		if err := s.cache.Register(url, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
		}
		s.registered[url] = true
	}
	cache := s.cache
	s.mu.Unlock()

	set, err := cache.Get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWKS: %w", err)
	}
	return set, nil
}

// Close stops the JWKS refresh goroutine.
func (s *JWTStrategy) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
