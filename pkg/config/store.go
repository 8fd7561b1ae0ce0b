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
	"fmt"
	"time"
)

// StoreConfig selects and configures the shared quota store.
//
// Example:
//
//	store:
//	  backend: redis
//	  timeout: 150ms
//	  redis:
//	    addr: localhost:6379
type StoreConfig struct {
	// Backend: "memory", "redis" or "sql". Default: memory
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty" jsonschema:"enum=memory,enum=redis,enum=sql,default=memory"`

	// Timeout bounds every store call on the request path. Default: 150ms
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	Redis RedisConfig     `yaml:"redis,omitempty" json:"redis,omitempty"`
	SQL   *DatabaseConfig `yaml:"sql,omitempty" json:"sql,omitempty"`
}

// RedisConfig configures the Redis client.
type RedisConfig struct {
	// URL takes precedence over Addr/Password/DB when set (redis://...).
	URL      string `yaml:"url,omitempty" json:"url,omitempty"`
	Addr     string `yaml:"addr,omitempty" json:"addr,omitempty" jsonschema:"default=localhost:6379"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty"`
	PoolSize int    `yaml:"pool_size,omitempty" json:"pool_size,omitempty"`

	DialTimeout time.Duration `yaml:"dial_timeout,omitempty" json:"dial_timeout,omitempty"`
}

// SetDefaults applies default values.
func (c *StoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.Timeout == 0 {
		c.Timeout = 150 * time.Millisecond
	}
	if c.Backend == "redis" {
		if c.Redis.URL == "" && c.Redis.Addr == "" {
			c.Redis.Addr = "localhost:6379"
		}
		if c.Redis.DialTimeout == 0 {
			c.Redis.DialTimeout = 2 * time.Second
		}
	}
	if c.SQL != nil {
		c.SQL.SetDefaults()
	}
}

// Validate checks the store configuration.
func (c *StoreConfig) Validate() error {
	switch c.Backend {
	case "memory", "redis":
	case "sql":
		if c.SQL == nil {
			return fmt.Errorf("sql section is required for the sql backend")
		}
		if err := c.SQL.Validate(); err != nil {
			return fmt.Errorf("sql: %w", err)
		}
	default:
		return fmt.Errorf("invalid backend %q (valid: memory, redis, sql)", c.Backend)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.Redis.PoolSize < 0 {
		return fmt.Errorf("redis.pool_size must be non-negative")
	}
	return nil
}
