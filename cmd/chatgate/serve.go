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
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kadirpekel/chatgate"
	"github.com/kadirpekel/chatgate/pkg/config"
	"github.com/kadirpekel/chatgate/pkg/observability"
	"github.com/kadirpekel/chatgate/pkg/server"
)

// ServeCmd starts the gate.
type ServeCmd struct {
	Port          int           `help:"Port to listen on (overrides server.port)."`
	Upstream      string        `help:"Upstream chat service URL (overrides server.upstream_url)."`
	Watch         bool          `help:"Push config changes immediately instead of polling the source."`
	CheckInterval time.Duration `name:"check-interval" help:"Minimum time between config source version checks (default: every request for files, 5s for remote sources)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, src, err := cli.loadConfig(ctx, true)
	if err != nil {
		return err
	}

	// Re-initialize so the logger section of the document applies when no
	// flag or env var overrides it.
	cleanup, err := initLoggerFromCLI(cli.LogLevel, cli.LogFile, cli.LogFormat, &cfg.Logger)
	if err != nil {
		src.Close()
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.Upstream != "" {
		cfg.Server.UpstreamURL = c.Upstream
	}

	obs := observability.NewManager(cfg.Observability)
	if err := obs.Initialize(ctx); err != nil {
		slog.Warn("Failed to initialize observability", "error", err)
	}
	recorder := obs.Recorder()

	providerOpts := []config.ProviderOption{
		config.WithProviderLogger(slog.Default()),
		config.WithReloadHook(func(ok bool) {
			recorder.RecordConfigReload(context.Background(), ok)
		}),
	}
	if c.CheckInterval > 0 {
		providerOpts = append(providerOpts, config.WithCheckInterval(c.CheckInterval))
	}
	provider := config.NewCachedProvider(src, providerOpts...)
	defer provider.Close()

	if c.Watch {
		go func() {
			if err := provider.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	srv, err := server.New(ctx, cfg, provider,
		server.WithObservability(obs),
		server.WithLogger(slog.Default()),
	)
	if err != nil {
		obs.Shutdown(context.Background())
		return fmt.Errorf("failed to create server: %w", err)
	}

	fmt.Printf("\nchatgate %s ready\n", chatgate.GetVersion().Version)
	fmt.Printf("   Listening:   http://%s\n", cfg.Server.Address())
	if cfg.Server.UpstreamURL != "" {
		fmt.Printf("   Upstream:    %s\n", cfg.Server.UpstreamURL)
	} else {
		fmt.Printf("   Upstream:    none (gated routes answer 502)\n")
	}
	fmt.Printf("   Store:       %s\n", cfg.Store.Backend)
	fmt.Printf("   Config:      %s %s (watch=%t)\n", src.Type(), cli.Config, c.Watch)
	if cfg.Observability.Metrics.Enabled {
		fmt.Printf("   Metrics:     http://%s%s\n", cfg.Server.Address(), cfg.Observability.Metrics.Path)
	}
	if cfg.Server.AdminToken != "" {
		fmt.Printf("   Admin API:   http://%s/admin\n", cfg.Server.Address())
	}
	fmt.Println("\nPress Ctrl+C to stop")

	return srv.Start(ctx)
}
