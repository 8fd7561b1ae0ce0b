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

// Package store provides the shared key-value store behind quota counters
// and verification records.
//
// Three backends are available:
//   - MemoryStore: single process, for development and tests
//   - RedisStore: shared across instances, the production default
//   - SQLStore: Postgres, MySQL or SQLite when Redis is not available
//
// Callers bound every call with a context deadline; backends honor it.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kadirpekel/chatgate/pkg/config"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("store: key not found")

	// ErrNotInteger is returned by IncrWithTTL when the key holds a
	// non-numeric value.
	ErrNotInteger = errors.New("store: value is not an integer")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
)

// Store is the contract shared by all backends.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// IncrWithTTL increments the integer at key (creating it at 1) and
	// (re)applies ttl, as one indivisible operation. Returns the new value.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// SetWithTTL stores value at key, expiring after ttl.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)

	// Close releases resources.
	Close() error
}

// Scanner is implemented by stores that can enumerate live keys.
type Scanner interface {
	// Keys returns live keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// FailurePolicy decides what a component does when the store errors or
// times out.
type FailurePolicy int

const (
	// FailOpen admits the request and flags the result as degraded.
	FailOpen FailurePolicy = iota
	// FailClosed treats the failure as a negative answer.
	FailClosed
)

func (p FailurePolicy) String() string {
	switch p {
	case FailOpen:
		return "fail-open"
	case FailClosed:
		return "fail-closed"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}

// New builds the backend selected by cfg.
func New(ctx context.Context, cfg config.StoreConfig, pool *DBPool) (Store, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(ctx, cfg.Redis)
	case "sql":
		if cfg.SQL == nil {
			return nil, fmt.Errorf("store: sql backend requires a database config")
		}
		if pool == nil {
			pool = NewDBPool()
		}
		db, err := pool.Get(ctx, cfg.SQL)
		if err != nil {
			return nil, err
		}
		return NewSQLStore(ctx, db, cfg.SQL.Dialect(), cfg.SQL.Table)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}
