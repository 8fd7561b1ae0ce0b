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

// Package config defines the chatgate configuration document, its loading
// pipeline and the hot-reloading policy Provider.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration document.
//
// Only the gate section is reloaded at runtime. The other sections are read
// once at startup.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server" jsonschema:"title=Server"`
	Logger        LoggerConfig        `yaml:"logger" json:"logger" jsonschema:"title=Logger"`
	Store         StoreConfig         `yaml:"store" json:"store" jsonschema:"title=Quota Store"`
	Challenge     ChallengeConfig     `yaml:"challenge" json:"challenge" jsonschema:"title=Challenge Provider"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability" jsonschema:"title=Observability"`
	Gate          GateConfig          `yaml:"gate" json:"gate" jsonschema:"title=Gate Policy"`
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Logger.SetDefaults()
	c.Store.SetDefaults()
	c.Challenge.SetDefaults()
	c.Observability.SetDefaults()
	c.Gate.SetDefaults()
}

// Validate checks every section and wraps the first failure in a
// ValidationError naming the section.
func (c *Config) Validate() error {
	sections := []struct {
		name     string
		validate func() error
	}{
		{"server", c.Server.Validate},
		{"logger", c.Logger.Validate},
		{"store", c.Store.Validate},
		{"challenge", c.Challenge.Validate},
		{"observability", c.Observability.Validate},
		{"gate", c.Gate.Validate},
	}
	for _, s := range sections {
		if err := s.validate(); err != nil {
			return &ValidationError{Section: s.name, Err: err}
		}
	}
	return nil
}

// ChallengeConfig configures the external proof verifier.
type ChallengeConfig struct {
	// Provider selects the verifier. "turnstile" or "none".
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty" jsonschema:"enum=turnstile,enum=none,default=none"`

	SecretKey string `yaml:"secret_key,omitempty" json:"secret_key,omitempty"`

	// VerifyURL overrides the provider's siteverify endpoint.
	VerifyURL string `yaml:"verify_url,omitempty" json:"verify_url,omitempty"`

	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty" jsonschema:"default=2"`

	// Timeout bounds one siteverify round trip. Default: 5s
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// CACertificate is a PEM bundle trusted for the verify endpoint.
	CACertificate string `yaml:"ca_certificate,omitempty" json:"ca_certificate,omitempty"`
}

// SetDefaults applies default values.
func (c *ChallengeConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "none"
	}
	if c.Provider == "turnstile" && c.VerifyURL == "" {
		c.VerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
}

// Validate checks the challenge configuration.
func (c *ChallengeConfig) Validate() error {
	switch c.Provider {
	case "none":
	case "turnstile":
		if c.SecretKey == "" {
			return fmt.Errorf("secret_key is required for turnstile")
		}
	default:
		return fmt.Errorf("invalid provider %q (valid: turnstile, none)", c.Provider)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}
