package identity

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/kadirpekel/chatgate/pkg/config"
)

// SessionStrategy uses the session cookie value as-is.
type SessionStrategy struct{}

// Name returns "session-cookie".
func (SessionStrategy) Name() string {
	return config.StrategySession
}

// Resolve returns the configured cookie's value.
func (SessionStrategy) Resolve(_ context.Context, m Material, cfg *config.IdentityConfig) (Key, error) {
	v := strings.TrimSpace(m.Cookies[cfg.Session.CookieName])
	if v == "" {
		return Key{}, ErrNoCredential
	}
	return Key{Kind: KindSession, Raw: v}, nil
}

// IPStrategy identifies callers by a digest of their address. The address
// itself never reaches the store.
type IPStrategy struct{}

// Name returns "ip".
func (IPStrategy) Name() string {
	return config.StrategyIP
}

// Resolve hashes the client address.
func (IPStrategy) Resolve(_ context.Context, m Material, cfg *config.IdentityConfig) (Key, error) {
	addr := ClientAddress(m, cfg.IP)
	if addr == "" {
		return Key{}, ErrNoCredential
	}
	d, err := digest(addr, cfg.IP.Salt, cfg.IP.HashLength)
	if err != nil {
		return Key{}, err
	}
	return Key{Kind: KindIP, Raw: d}, nil
}

// ClientAddress picks the client address: the first entry of the first
// forwarding header present (when trusted), else the peer host.
func ClientAddress(m Material, cfg config.IPConfig) string {
	if cfg.TrustsForwarded() && m.Headers != nil {
		for _, h := range cfg.ForwardedHeaders {
			v := m.Headers.Get(h)
			if v == "" {
				continue
			}
			first, _, _ := strings.Cut(v, ",")
			if addr := normalizeAddress(first); addr != "" {
				return addr
			}
		}
	}
	return normalizeAddress(m.RemoteAddr)
}

func normalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.Trim(s, "[]")
	if ip := net.ParseIP(s); ip != nil {
		return ip.String()
	}
	return s
}

func digest(addr, salt string, n int) (string, error) {
	var key []byte
	if salt != "" {
		sum := blake2b.Sum256([]byte(salt))
		key = sum[:]
	}
	h, err := blake2b.New256(key)
	if err != nil {
		return "", fmt.Errorf("ip digest: %w", err)
	}
	h.Write([]byte(addr))

	out := hex.EncodeToString(h.Sum(nil))
	if n > 0 && n < len(out) {
		out = out[:n]
	}
	return out, nil
}
