// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gate plugs identity resolution, human verification and quota
// enforcement into HTTP handlers and gRPC servers.
//
// For every request on a gated route the pipeline is: resolve the caller,
// demand a challenge if the caller needs one, count the request, then
// hand over to the wrapped handler. Requests outside the gated routes are
// passed through untouched.
package gate

import (
	"context"
	"log/slog"

	"github.com/kadirpekel/chatgate/pkg/config"
	"github.com/kadirpekel/chatgate/pkg/identity"
	"github.com/kadirpekel/chatgate/pkg/ratelimit"
)

// Error codes used in response bodies.
const (
	CodeVerificationRequired = "verification_required"
	CodeVerificationFailed   = "verification_failed"
	CodeVerificationDown     = "verification_unavailable"
	CodeStoreUnavailable     = "store_unavailable"
	CodeInvalidRequest       = "invalid_request"
)

// IdentityResolver maps request material to an identity. It must always
// return a usable key.
type IdentityResolver interface {
	Resolve(ctx context.Context, m identity.Material) identity.Key
}

// QuotaChecker counts requests and decides whether they may proceed. Both
// calls take the snapshot the gate already resolved scope against.
type QuotaChecker interface {
	CheckWith(ctx context.Context, cfg *config.GateConfig, id identity.Key, routePath string) *ratelimit.Decision
	CheckAttempt(ctx context.Context, cfg *config.GateConfig, id identity.Key) *ratelimit.Decision
}

// Verifier decides who must pass a challenge and accepts proofs.
type Verifier interface {
	RequireChallenge(ctx context.Context, id identity.Key) bool
	Verify(ctx context.Context, id identity.Key, proofToken, remoteIP string) (bool, error)
}

// Gate holds the collaborators shared by the HTTP and gRPC integrations.
type Gate struct {
	provider config.Provider
	resolver IdentityResolver
	limiter  QuotaChecker
	verifier Verifier
	logger   *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithVerifier enables the verification step. Without one no caller is
// ever challenged.
func WithVerifier(v Verifier) Option {
	return func(g *Gate) {
		g.verifier = v
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = l
	}
}

// New creates a Gate.
func New(provider config.Provider, resolver IdentityResolver, limiter QuotaChecker, opts ...Option) *Gate {
	g := &Gate{
		provider: provider,
		resolver: resolver,
		limiter:  limiter,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gate")
	return g
}

// outcome is the result of running the pipeline for one request.
type outcome struct {
	identity identity.Key
	decision *ratelimit.Decision

	// challenge is set when the caller must verify first. decision is nil
	// then: nothing was counted.
	challenge bool
}

// evaluate runs resolution, verification and quota checks for a request
// already known to be in scope under cfg.
func (g *Gate) evaluate(ctx context.Context, cfg *config.GateConfig, m identity.Material, routePath string) outcome {
	id := g.resolver.Resolve(ctx, m)
	out := outcome{identity: id}

	if g.verifier != nil && g.verifier.RequireChallenge(ctx, id) {
		g.logger.Debug("Challenge required", "identity_kind", id.Kind, "path", routePath)
		out.challenge = true
		return out
	}

	out.decision = g.limiter.CheckWith(ctx, cfg, id, routePath)
	if !out.decision.Allowed {
		g.logger.Debug("Request denied",
			"identity_kind", id.Kind,
			"path", routePath,
			"degraded", out.decision.Degraded,
			"retry_after", out.decision.RetryAfter)
	}
	return out
}

// remoteIP returns the client address as seen under the identity policy
// of cfg, for challenge providers that want it.
func remoteIP(cfg *config.GateConfig, m identity.Material) string {
	return identity.ClientAddress(m, cfg.Identity.IP)
}
