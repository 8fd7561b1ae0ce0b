// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/chatgate/pkg/admin"
	"github.com/kadirpekel/chatgate/pkg/config"
	"github.com/kadirpekel/chatgate/pkg/identity"
	"github.com/kadirpekel/chatgate/pkg/ratelimit"
	"github.com/kadirpekel/chatgate/pkg/store"
	"github.com/kadirpekel/chatgate/pkg/verification"
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func printJSON(v any, compact bool) error {
	enc := json.NewEncoder(stdout)
	if !compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// ValidateCmd validates a configuration document.
type ValidateCmd struct {
	// File overrides the global --config source with a local file.
	File string `arg:"" optional:"" name:"file" help:"Configuration file path (default: the --config source)." placeholder:"PATH"`

	Format      string `short:"f" help:"Output format: compact, json." default:"compact" enum:"compact,json"`
	PrintConfig bool   `short:"p" name:"print-config" help:"Print the configuration with defaults applied and env vars resolved."`
}

type validationResult struct {
	Valid  bool   `json:"valid"`
	Source string `json:"source"`
	Error  string `json:"error,omitempty"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	ctx := context.Background()

	name := c.File
	var (
		cfg *config.Config
		err error
	)
	if c.File != "" {
		cfg, err = config.LoadFile(ctx, c.File)
	} else {
		name = cli.Config
		cfg, _, err = cli.loadConfig(ctx, false)
	}

	if err != nil {
		if c.Format == "json" {
			_ = printJSON(validationResult{Valid: false, Source: name, Error: err.Error()}, false)
		} else {
			fmt.Fprintf(stderr, "%s: %s\n", name, err)
		}
		return fmt.Errorf("config validation failed")
	}

	if c.PrintConfig {
		if c.Format == "json" {
			return printJSON(cfg, false)
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to render config: %w", err)
		}
		_, err = stdout.Write(out)
		return err
	}

	if c.Format == "json" {
		return printJSON(validationResult{Valid: true, Source: name}, false)
	}
	fmt.Fprintf(stdout, "%s: valid\n", name)
	return nil
}

// SchemaCmd prints the JSON Schema of the configuration document to stdout.
type SchemaCmd struct {
	Compact bool `help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run() error {
	schema, err := config.Schema()
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}
	if !c.Compact {
		_, err = stdout.Write(append(schema, '\n'))
		return err
	}
	var v any
	if err := json.Unmarshal(schema, &v); err != nil {
		return err
	}
	return printJSON(v, true)
}

// adminTools opens the configured store and returns an admin service over
// it. The returned close function releases the store.
func (cli *CLI) adminTools(ctx context.Context) (*admin.Service, func(), error) {
	cfg, _, err := cli.loadConfig(ctx, false)
	if err != nil {
		return nil, nil, err
	}

	pool := store.NewDBPool()
	st, err := store.New(ctx, cfg.Store, pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}
	if cfg.Store.Backend == "memory" {
		fmt.Fprintln(stderr, "Warning: memory store is process-local; this command sees no counters of a running server")
	}

	provider := config.NewStaticProvider(&cfg.Gate)
	gate := verification.NewGate(provider, st, verification.WithTimeout(cfg.Store.Timeout))
	closeFn := func() {
		st.Close()
		pool.Close()
	}
	return admin.NewService(provider, st, gate), closeFn, nil
}

// UsageCmd prints the counters of every window for an identity.
type UsageCmd struct {
	Identity string `arg:"" help:"Identity key, e.g. ip:3f2a9c0d1e4b5a6c or jwt:user-42."`
}

func (c *UsageCmd) Run(cli *CLI) error {
	id, err := identity.ParseKey(c.Identity)
	if err != nil {
		return err
	}

	ctx := context.Background()
	svc, closeFn, err := cli.adminTools(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	usage, err := svc.Usage(ctx, id)
	if err != nil {
		return err
	}
	out := map[string]any{"identity": id.String(), "windows": usage}

	rec, err := svc.Verification(ctx, id)
	switch {
	case err == nil:
		out["verification"] = rec
	case !errors.Is(err, verification.ErrNoRecord):
		fmt.Fprintf(stderr, "Warning: verification lookup failed: %v\n", err)
	}
	return printJSON(out, false)
}

// ResetCmd deletes quota counters for an identity.
type ResetCmd struct {
	Identity string   `arg:"" help:"Identity key, e.g. ip:3f2a9c0d1e4b5a6c or jwt:user-42."`
	Window   []string `short:"w" help:"Windows to reset (minute, hour, day, month). Default: all." sep:","`
}

func (c *ResetCmd) Run(cli *CLI) error {
	id, err := identity.ParseKey(c.Identity)
	if err != nil {
		return err
	}
	units, err := parseUnits(c.Window)
	if err != nil {
		return err
	}

	ctx := context.Background()
	svc, closeFn, err := cli.adminTools(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	deleted, err := svc.Reset(ctx, id, units...)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: %d counter(s) deleted\n", id, deleted)
	return nil
}

func parseUnits(names []string) ([]ratelimit.Unit, error) {
	var units []ratelimit.Unit
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		u, err := ratelimit.ParseUnit(name)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, nil
}

// IdentifyCmd resolves the identity a request with the given credentials
// would be charged to, using the configured gate.identity policy.
type IdentifyCmd struct {
	Authorization string   `help:"Authorization header value, e.g. 'Bearer <jwt>'."`
	Cookie        []string `help:"Cookie as name=value. Repeatable."`
	ForwardedFor  string   `name:"forwarded-for" help:"X-Forwarded-For header value."`
	RemoteAddr    string   `name:"remote-addr" help:"Transport peer address (host:port)." default:"127.0.0.1:0"`
}

func (c *IdentifyCmd) Run(cli *CLI) error {
	ctx := context.Background()
	cfg, _, err := cli.loadConfig(ctx, false)
	if err != nil {
		return err
	}

	resolver := identity.NewResolver(config.NewStaticProvider(&cfg.Gate))
	defer resolver.Close()

	key := resolver.Resolve(ctx, c.material())
	return printJSON(map[string]any{
		"identity":      key.String(),
		"kind":          key.Kind,
		"authenticated": key.Authenticated(),
	}, false)
}

func (c *IdentifyCmd) material() identity.Material {
	m := identity.Material{
		Authorization: c.Authorization,
		Cookies:       make(map[string]string),
		Headers:       make(http.Header),
		RemoteAddr:    c.RemoteAddr,
	}
	for _, kv := range c.Cookie {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		if _, dup := m.Cookies[name]; !dup {
			m.Cookies[name] = value
		}
	}
	if c.Authorization != "" {
		m.Headers.Set("Authorization", c.Authorization)
	}
	if c.ForwardedFor != "" {
		m.Headers.Set("X-Forwarded-For", c.ForwardedFor)
	}
	return m
}
