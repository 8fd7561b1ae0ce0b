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

	"github.com/kadirpekel/chatgate/pkg/config"
	"github.com/kadirpekel/chatgate/pkg/config/source"
)

func (cli *CLI) sourceOptions() (source.Options, error) {
	typ, err := source.ParseType(cli.ConfigType)
	if err != nil {
		return source.Options{}, err
	}
	return source.Options{
		Type:      typ,
		Path:      cli.Config,
		Endpoints: cli.ConfigEndpoints,
		Logger:    slog.Default().With("component", "config"),
	}, nil
}

// openSource opens the configured source. The caller closes it.
func (cli *CLI) openSource() (source.Source, error) {
	opts, err := cli.sourceOptions()
	if err != nil {
		return nil, err
	}
	src, err := source.New(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s config source: %w", opts.Type, err)
	}
	return src, nil
}

// loadConfig reads the full document once. The source stays open for
// hot-reloading when keep is true; otherwise it is closed and nil is
// returned in its place.
func (cli *CLI) loadConfig(ctx context.Context, keep bool) (*config.Config, source.Source, error) {
	src, err := cli.openSource()
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(ctx, src)
	if err != nil {
		src.Close()
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	slog.Debug("Configuration loaded", "source", src.Type(), "path", cli.Config)

	if !keep {
		src.Close()
		return cfg, nil, nil
	}
	return cfg, src, nil
}
