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

package config

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/kadirpekel/chatgate/pkg/config/source"
)

// Provider supplies the current gate policy.
//
// Current never fails and never returns nil. Repeated calls without an
// underlying change return the same pointer.
type Provider interface {
	Current() *GateConfig
}

// StaticProvider always returns the same snapshot.
type StaticProvider struct {
	cfg *GateConfig
}

// NewStaticProvider wraps cfg. A nil cfg yields DefaultGateConfig.
func NewStaticProvider(cfg *GateConfig) *StaticProvider {
	if cfg == nil {
		cfg = DefaultGateConfig()
	}
	return &StaticProvider{cfg: cfg}
}

// Current returns the wrapped snapshot.
func (p *StaticProvider) Current() *GateConfig {
	return p.cfg
}

// CachedProvider lazily reloads the gate policy from a Source.
//
// Each Current call checks the source version at most once per check
// interval. A changed version triggers a reload; a reload that fails to
// parse or validate keeps the last good snapshot (or DefaultGateConfig
// when nothing ever loaded) and is logged.
type CachedProvider struct {
	src           source.Source
	logger        *slog.Logger
	checkInterval time.Duration
	loadTimeout   time.Duration
	now           func() time.Time
	onReload      func(ok bool)

	mu        sync.RWMutex
	current   *GateConfig
	version   string
	lastCheck time.Time
	loaded    bool

	dirty       atomic.Bool
	group       singleflight.Group
	unavailable rate.Sometimes
}

// ProviderOption configures a CachedProvider.
type ProviderOption func(*CachedProvider)

// WithCheckInterval sets the minimum time between source version checks.
// Zero checks on every call.
func WithCheckInterval(d time.Duration) ProviderOption {
	return func(p *CachedProvider) {
		p.checkInterval = d
	}
}

// WithLoadTimeout bounds each version check and load.
func WithLoadTimeout(d time.Duration) ProviderOption {
	return func(p *CachedProvider) {
		p.loadTimeout = d
	}
}

// WithProviderLogger sets the logger.
func WithProviderLogger(l *slog.Logger) ProviderOption {
	return func(p *CachedProvider) {
		p.logger = l
	}
}

// WithProviderClock overrides time.Now.
func WithProviderClock(now func() time.Time) ProviderOption {
	return func(p *CachedProvider) {
		p.now = now
	}
}

// WithReloadHook is called after every reload attempt.
func WithReloadHook(fn func(ok bool)) ProviderOption {
	return func(p *CachedProvider) {
		p.onReload = fn
	}
}

// NewCachedProvider creates a provider backed by src. Nothing is read until
// the first Current call.
//
// File sources default to checking on every call; remote sources default
// to a 5s check interval.
func NewCachedProvider(src source.Source, opts ...ProviderOption) *CachedProvider {
	p := &CachedProvider{
		src:         src,
		logger:      slog.Default(),
		loadTimeout: 2 * time.Second,
		now:         time.Now,
		unavailable: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	if src.Type().Remote() {
		p.checkInterval = 5 * time.Second
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "config", "source", string(src.Type()))
	return p
}

// Current returns the active snapshot, reloading first if the source changed.
func (p *CachedProvider) Current() *GateConfig {
	p.mu.RLock()
	cur, last := p.current, p.lastCheck
	p.mu.RUnlock()

	if cur != nil && !p.dirty.Load() && p.now().Sub(last) < p.checkInterval {
		return cur
	}

	v, _, _ := p.group.Do("refresh", func() (any, error) {
		return p.refresh(), nil
	})
	return v.(*GateConfig)
}

// Invalidate forces the next Current call to check the source.
func (p *CachedProvider) Invalidate() {
	p.dirty.Store(true)
}

// Loaded reports whether a configuration has ever been loaded successfully.
func (p *CachedProvider) Loaded() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loaded
}

// Watch invalidates the provider whenever the source signals a change.
// It blocks until ctx is cancelled or the source stops watching.
func (p *CachedProvider) Watch(ctx context.Context) error {
	ch, err := p.src.Watch(ctx)
	if err != nil {
		return err
	}
	if ch == nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			p.Invalidate()
		}
	}
}

func (p *CachedProvider) refresh() *GateConfig {
	p.dirty.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), p.loadTimeout)
	defer cancel()

	p.mu.RLock()
	cur, prevVersion := p.current, p.version
	p.mu.RUnlock()

	version, err := p.src.Version(ctx)
	if err != nil {
		p.unavailable.Do(func() {
			p.logger.Error("Config source unavailable, keeping previous configuration", "error", err)
		})
		return p.keep(cur, prevVersion, false)
	}

	if cur != nil && version == prevVersion {
		return p.keep(cur, prevVersion, true)
	}

	next, err := p.load(ctx)
	if err != nil {
		p.logger.Error("Config reload failed, keeping previous configuration",
			"error", err, "version", version)
		// Remember the broken version so it is not re-parsed on every call.
		return p.keep(cur, version, false)
	}

	if next.Identity.JWT.AllowUnverified {
		p.logger.Warn("UNVERIFIED JWT MODE ENABLED: bearer token subjects are trusted without signature checks",
			"setting", "gate.identity.jwt.allow_unverified")
	}

	p.mu.Lock()
	p.current = next
	p.version = version
	p.lastCheck = p.now()
	p.loaded = true
	p.mu.Unlock()

	p.logger.Info("Config loaded", "version", version, "routes", len(next.Routes))
	if p.onReload != nil {
		p.onReload(true)
	}
	return next
}

// keep records a completed check and returns the snapshot to serve.
func (p *CachedProvider) keep(cur *GateConfig, version string, unchanged bool) *GateConfig {
	if cur == nil {
		cur = DefaultGateConfig()
	}

	p.mu.Lock()
	p.current = cur
	p.version = version
	p.lastCheck = p.now()
	p.mu.Unlock()

	if !unchanged && p.onReload != nil {
		p.onReload(false)
	}
	return cur
}

func (p *CachedProvider) load(ctx context.Context) (*GateConfig, error) {
	data, err := p.src.Load(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseAndValidate(data)
	if err != nil {
		return nil, err
	}
	return &cfg.Gate, nil
}

// Close closes the underlying source.
func (p *CachedProvider) Close() error {
	return p.src.Close()
}

var (
	_ Provider = (*StaticProvider)(nil)
	_ Provider = (*CachedProvider)(nil)
)
