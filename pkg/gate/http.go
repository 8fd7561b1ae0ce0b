package gate

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/kadirpekel/chatgate/pkg/config"
	"github.com/kadirpekel/chatgate/pkg/identity"
	"github.com/kadirpekel/chatgate/pkg/ratelimit"
	"github.com/kadirpekel/chatgate/pkg/verification"
)

// maxVerifyBody caps the proof submission body.
const maxVerifyBody = 64 << 10

// Middleware gates next.
//
// Denials are answered here: 403 when a challenge is required, 429 when a
// quota window is exceeded, 503 when the quota store is down and the
// limiter fails closed. Allowed requests carry the rate-limit headers and
// find the identity and decision in their context.
//
// The request path is rewritten to its canonical form before scoping, so
// next sees the same path the gate matched.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = canonicalRequest(r)
		cfg := g.provider.Current()
		if !cfg.InScope(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		out := g.evaluate(r.Context(), cfg, identity.MaterialFromRequest(r), r.URL.Path)
		ctx := identity.WithKey(r.Context(), out.identity)

		if out.challenge {
			respondError(w, http.StatusForbidden, CodeVerificationRequired, "human verification required")
			return
		}

		d := out.decision
		ratelimit.WriteHeaders(w.Header(), d)
		if !d.Allowed {
			if d.Degraded {
				respondError(w, http.StatusServiceUnavailable, CodeStoreUnavailable, "quota service unavailable")
				return
			}
			respondJSON(w, http.StatusTooManyRequests, ratelimit.DenialBody(d))
			return
		}

		ctx = ratelimit.WithDecision(ctx, d)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	Verified bool   `json:"verified"`
	Identity string `json:"identity,omitempty"`
}

// VerifyHandler accepts challenge proofs: POST {"token": "..."}.
//
// It answers 200 {"verified": true} when the provider accepts the token,
// 403 when it rejects it, 400 for a malformed body, 429 when the identity
// used up verification.attempt_limits and 503 when the provider could not
// be reached.
func (g *Gate) VerifyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			respondError(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed")
			return
		}

		var req verifyRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxVerifyBody)).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid JSON body")
			return
		}
		if req.Token == "" {
			respondError(w, http.StatusBadRequest, CodeInvalidRequest, "token is required")
			return
		}
		if g.verifier == nil {
			respondError(w, http.StatusServiceUnavailable, CodeVerificationDown, "verification is not configured")
			return
		}

		cfg := g.provider.Current()
		m := identity.MaterialFromRequest(r)
		id := g.resolver.Resolve(r.Context(), m)

		if d := g.limiter.CheckAttempt(r.Context(), cfg, id); !d.Allowed {
			ratelimit.WriteHeaders(w.Header(), d)
			if d.Degraded {
				respondError(w, http.StatusServiceUnavailable, CodeStoreUnavailable, "quota service unavailable")
				return
			}
			g.logger.Debug("Challenge attempts exhausted", "identity_kind", id.Kind, "retry_after", d.RetryAfter)
			respondJSON(w, http.StatusTooManyRequests, ratelimit.DenialBody(d))
			return
		}

		ok, err := g.verifier.Verify(r.Context(), id, req.Token, remoteIP(cfg, m))
		switch {
		case errors.Is(err, verification.ErrEmptyProof):
			respondError(w, http.StatusBadRequest, CodeInvalidRequest, "token is required")
		case err != nil:
			g.logger.Warn("Challenge verification failed", "identity_kind", id.Kind, "error", err)
			respondError(w, http.StatusServiceUnavailable, CodeVerificationDown, "verification provider unavailable")
		case !ok:
			respondError(w, http.StatusForbidden, CodeVerificationFailed, "verification failed")
		default:
			respondJSON(w, http.StatusOK, verifyResponse{Verified: true, Identity: id.String()})
		}
	})
}

// canonicalRequest returns r with a canonical URL path, or r itself when
// the path is already canonical.
func canonicalRequest(r *http.Request) *http.Request {
	p := config.CanonicalPath(r.URL.Path)
	if p == r.URL.Path {
		return r
	}
	r2 := new(http.Request)
	*r2 = *r
	u := new(url.URL)
	*u = *r.URL
	u.Path = p
	u.RawPath = ""
	r2.URL = u
	return r2
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ratelimit.ErrorBody{
		Error: ratelimit.ErrorDetail{Code: code, Message: message},
	})
}
