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

package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
)

// Response header names.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderWindow     = "X-RateLimit-Window"
	HeaderError      = "X-RateLimit-Error"
	HeaderRetryAfter = "Retry-After"

	// StoreUnavailable is the HeaderError value on degraded decisions.
	StoreUnavailable = "store-unavailable"
)

// Headers renders the decision as response headers.
func Headers(d *Decision) http.Header {
	h := make(http.Header)
	WriteHeaders(h, d)
	return h
}

// WriteHeaders sets the decision's headers on h. Scope-excluded decisions
// add nothing.
func WriteHeaders(h http.Header, d *Decision) {
	if d == nil || d.ScopeExcluded {
		return
	}

	if d.Degraded {
		h.Set(HeaderError, StoreUnavailable)
	}

	if w := d.Window; w != nil {
		h.Set(HeaderLimit, strconv.FormatInt(w.Limit, 10))
		h.Set(HeaderRemaining, strconv.FormatInt(w.Remaining, 10))
		h.Set(HeaderReset, strconv.FormatInt(w.ResetAt.Unix(), 10))
		h.Set(HeaderWindow, string(w.Unit))
	}

	if !d.Allowed && d.Window != nil {
		h.Set(HeaderRetryAfter, strconv.FormatInt(d.RetryAfterSeconds(), 10))
	}
}

// ErrorBody is the JSON error envelope shared by gate responses.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`

	Window            string `json:"window,omitempty"`
	Limit             int64  `json:"limit,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

// ErrorDetail carries a machine-readable code and a message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DenialBody builds the 429 body for a denied decision.
func DenialBody(d *Decision) ErrorBody {
	body := ErrorBody{
		Error: ErrorDetail{
			Code:    "rate_limit_exceeded",
			Message: "rate limit exceeded",
		},
	}
	if w := d.Window; w != nil {
		body.Error.Message = fmt.Sprintf("%s limit exceeded (%d/%d)", w.Unit, w.Count, w.Limit)
		body.Window = string(w.Unit)
		body.Limit = w.Limit
		body.RetryAfterSeconds = d.RetryAfterSeconds()
	}
	return body
}

type decisionKey struct{}

// WithDecision stores d in ctx for downstream handlers.
func WithDecision(ctx context.Context, d *Decision) context.Context {
	return context.WithValue(ctx, decisionKey{}, d)
}

// DecisionFromContext extracts the decision stored by WithDecision.
func DecisionFromContext(ctx context.Context) *Decision {
	if d, ok := ctx.Value(decisionKey{}).(*Decision); ok {
		return d
	}
	return nil
}
