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

// Package admin provides operational read and reset access to quota
// counters and verification records.
//
// It addresses the store through the same key helpers as the request path,
// so what it reports is what the limiter sees. Deleting counters is the
// only mutation it performs.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/kadirpekel/chatgate/pkg/config"
	"github.com/kadirpekel/chatgate/pkg/identity"
	"github.com/kadirpekel/chatgate/pkg/ratelimit"
	"github.com/kadirpekel/chatgate/pkg/store"
	"github.com/kadirpekel/chatgate/pkg/verification"
)

// WindowUsage is the current state of one window for an identity.
type WindowUsage struct {
	Window      string    `json:"window"`
	Key         string    `json:"key"`
	Count       int64     `json:"count"`
	Limit       int64     `json:"limit"`
	Remaining   int64     `json:"remaining"`
	Enforced    bool      `json:"enforced"`
	WindowStart time.Time `json:"window_start"`
	ResetAt     time.Time `json:"reset_at"`
}

// Service answers admin queries.
type Service struct {
	provider config.Provider
	store    store.Store
	gate     *verification.Gate
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// NewService creates a Service. A nil gate gets a store-only reader for
// verification records.
func NewService(provider config.Provider, st store.Store, gate *verification.Gate, opts ...Option) *Service {
	s := &Service{
		provider: provider,
		store:    st,
		gate:     gate,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.gate == nil {
		s.gate = verification.NewGate(provider, st,
			verification.WithLocalCache(verification.NewLocalCache(0, nil)),
			verification.WithLogger(s.logger))
	}
	s.logger = s.logger.With("component", "admin")
	return s
}

// Usage returns the current-window count of every unit for id, shortest
// window first. Windows with no counter report zero.
func (s *Service) Usage(ctx context.Context, id identity.Key) ([]WindowUsage, error) {
	limits := s.provider.Current().Limits
	now := s.now()

	usage := make([]WindowUsage, 0, len(ratelimit.Units))
	for _, unit := range ratelimit.Units {
		start, reset := ratelimit.CurrentWindow(unit, now)
		key := store.CounterKey(string(unit), start.Unix(), id.String())

		count, err := s.count(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s counter: %w", unit, err)
		}

		w := WindowUsage{
			Window:      string(unit),
			Key:         key,
			Count:       count,
			Limit:       limits.For(string(unit)),
			WindowStart: start.UTC(),
			ResetAt:     reset.UTC(),
		}
		if w.Limit > 0 {
			w.Enforced = true
			w.Remaining = max(w.Limit-count, 0)
		}
		usage = append(usage, w)
	}
	return usage, nil
}

func (s *Service) count(ctx context.Context, key string) (int64, error) {
	raw, err := s.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, store.ErrNotInteger
	}
	return n, nil
}

// Reset deletes counters for id and returns how many existed.
//
// Named units lose their current-window counter. With no units every
// window is reset; on stores that can enumerate keys this also removes
// counters left over from earlier windows.
func (s *Service) Reset(ctx context.Context, id identity.Key, units ...ratelimit.Unit) (int64, error) {
	all := len(units) == 0
	if all {
		units = ratelimit.Units
	}

	now := s.now()
	keys := make([]string, 0, len(units))
	seen := make(map[string]struct{}, len(units))
	for _, unit := range units {
		if unit.Duration() == 0 {
			return 0, fmt.Errorf("unknown window %q", unit)
		}
		key := store.CounterKey(string(unit), ratelimit.WindowStart(unit, now), id.String())
		keys = append(keys, key)
		seen[key] = struct{}{}
	}

	if scanner, ok := s.store.(store.Scanner); ok && all {
		stale, err := s.staleKeys(ctx, scanner, id, seen)
		if err != nil {
			return 0, err
		}
		keys = append(keys, stale...)
	}

	n, err := s.store.Delete(ctx, keys...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete counters: %w", err)
	}

	s.logger.Info("Counters reset", "identity_kind", id.Kind, "windows", len(units), "deleted", n)
	return n, nil
}

func (s *Service) staleKeys(ctx context.Context, scanner store.Scanner, id identity.Key, seen map[string]struct{}) ([]string, error) {
	var stale []string
	for _, unit := range ratelimit.Units {
		keys, err := scanner.Keys(ctx, store.CounterUnitPrefix(string(unit)))
		if err != nil {
			return nil, fmt.Errorf("failed to list %s counters: %w", unit, err)
		}
		for _, key := range keys {
			if _, dup := seen[key]; dup {
				continue
			}
			if _, _, ident, ok := store.ParseCounterKey(key); ok && ident == id.String() {
				stale = append(stale, key)
			}
		}
	}
	return stale, nil
}

// Verification returns the stored verification record for id, or
// verification.ErrNoRecord.
func (s *Service) Verification(ctx context.Context, id identity.Key) (*verification.Record, error) {
	return s.gate.Record(ctx, id)
}
