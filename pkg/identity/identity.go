// Package identity derives a stable quota identity for each request.
//
// Strategies are tried in the configured order and the first one that
// produces a key wins. Resolution never fails: when every strategy comes
// up empty the caller is Anonymous.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// Kind classifies how an identity was established.
type Kind string

const (
	KindJWT       Kind = "jwt"
	KindSession   Kind = "session"
	KindIP        Kind = "ip"
	KindAnonymous Kind = "anonymous"
)

// Key is a resolved identity. Its String form "<kind>:<raw>" is embedded
// in store keys.
type Key struct {
	Kind Kind
	Raw  string
}

// Anonymous is the identity used when no strategy succeeds.
var Anonymous = Key{Kind: KindAnonymous, Raw: "unknown"}

// String renders "<kind>:<raw>".
func (k Key) String() string {
	return string(k.Kind) + ":" + k.Raw
}

// IsZero reports whether k is the zero Key.
func (k Key) IsZero() bool {
	return k.Kind == "" && k.Raw == ""
}

// Authenticated reports whether the identity came from a credential
// (jwt or session) rather than the network address.
func (k Key) Authenticated() bool {
	return k.Kind == KindJWT || k.Kind == KindSession
}

// ErrInvalidKey is returned by ParseKey.
var ErrInvalidKey = errors.New("identity: invalid key")

// ParseKey parses the "<kind>:<raw>" form.
func ParseKey(s string) (Key, error) {
	kind, raw, ok := strings.Cut(s, ":")
	if !ok || raw == "" {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	switch Kind(kind) {
	case KindJWT, KindSession, KindIP, KindAnonymous:
		return Key{Kind: Kind(kind), Raw: raw}, nil
	default:
		return Key{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidKey, kind)
	}
}

// Material is the request data strategies may inspect.
type Material struct {
	// Authorization is the raw Authorization header value.
	Authorization string

	// Cookies by name.
	Cookies map[string]string

	// Headers holds the remaining request headers (forwarding headers in
	// particular).
	Headers http.Header

	// RemoteAddr is the transport peer address, host:port.
	RemoteAddr string
}

// MaterialFromRequest extracts Material from an HTTP request.
func MaterialFromRequest(r *http.Request) Material {
	cookies := make(map[string]string)
	for _, c := range r.Cookies() {
		if _, dup := cookies[c.Name]; !dup {
			cookies[c.Name] = c.Value
		}
	}
	return Material{
		Authorization: r.Header.Get("Authorization"),
		Cookies:       cookies,
		Headers:       r.Header,
		RemoteAddr:    r.RemoteAddr,
	}
}

// MaterialFromGRPC extracts Material from incoming gRPC metadata and the
// peer address.
func MaterialFromGRPC(ctx context.Context) Material {
	m := Material{
		Cookies: make(map[string]string),
		Headers: make(http.Header),
	}

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for name, values := range md {
			for _, v := range values {
				m.Headers.Add(name, v)
			}
		}
		if vals := md.Get("authorization"); len(vals) > 0 {
			m.Authorization = vals[0]
		}
		if vals := md.Get("cookie"); len(vals) > 0 {
			req := &http.Request{Header: http.Header{"Cookie": vals}}
			for _, c := range req.Cookies() {
				if _, dup := m.Cookies[c.Name]; !dup {
					m.Cookies[c.Name] = c.Value
				}
			}
		}
	}

	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		m.RemoteAddr = p.Addr.String()
	}
	return m
}

type contextKey struct{}

// WithKey stores k in ctx.
func WithKey(ctx context.Context, k Key) context.Context {
	return context.WithValue(ctx, contextKey{}, k)
}

// FromContext returns the identity stored by WithKey.
func FromContext(ctx context.Context) (Key, bool) {
	k, ok := ctx.Value(contextKey{}).(Key)
	return k, ok
}
