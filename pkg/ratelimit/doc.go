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

// Package ratelimit enforces per-identity request quotas over fixed,
// epoch-aligned windows.
//
// Features:
//   - Multi-layer windows (minute, hour, day, month)
//   - One shared counter per identity, window and window start
//   - Any Store backend (memory, Redis, SQL)
//   - Fail-open on store trouble, flagged as degraded
//
// # Basic Usage
//
//	limiter := ratelimit.NewLimiter(provider, st)
//
//	decision := limiter.Check(ctx, id, r.URL.Path)
//	ratelimit.WriteHeaders(w.Header(), decision)
//	if !decision.Allowed {
//	    // 429
//	}
//
// # Configuration
//
//	gate:
//	  limits:
//	    minute: 10
//	    hour: 100
//	    day: 300
//	    month: 0   # not enforced
//	  routes: ["/api/chat", "/api/chat/**"]
//
// # Windows
//
//   - minute: 60 seconds (burst protection)
//   - hour: 60 minutes (short-term limits)
//   - day: 24 hours (daily quotas)
//   - month: 30 days (fixed length, not calendar months)
//
// Window boundaries are multiples of the window length since the Unix
// epoch, so every instance sharing a store agrees on them.
package ratelimit
