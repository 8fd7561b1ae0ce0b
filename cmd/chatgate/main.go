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

// Command chatgate runs the chat traffic gate and its operator tools.
//
// Usage:
//
//	chatgate serve --config chatgate.yaml
//	chatgate serve --config-type consul --config-endpoints consul:8500 --config chatgate/config
//	chatgate usage ip:3f2a9c0d1e4b5a6c --config chatgate.yaml
//	chatgate reset jwt:user-42 --window minute --config chatgate.yaml
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/chatgate"
	"github.com/kadirpekel/chatgate/pkg/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the gate in front of the upstream chat service."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration document."`
	Schema   SchemaCmd   `cmd:"" help:"Print the JSON Schema of the configuration document."`
	Usage    UsageCmd    `cmd:"" help:"Show quota usage for an identity."`
	Reset    ResetCmd    `cmd:"" help:"Reset quota counters for an identity."`
	Identify IdentifyCmd `cmd:"" help:"Resolve the identity a request would be charged to."`

	Config          string   `short:"c" help:"Config file path, or key path for remote sources." env:"CHATGATE_CONFIG" default:"chatgate.yaml"`
	ConfigType      string   `name:"config-type" help:"Config source (file, consul, etcd, zookeeper)." env:"CHATGATE_CONFIG_TYPE" default:"file" enum:"file,consul,etcd,zookeeper,zk"`
	ConfigEndpoints []string `name:"config-endpoints" help:"Endpoints for remote config sources." env:"CHATGATE_CONFIG_ENDPOINTS" sep:","`
	LogLevel        string   `help:"Log level (debug, info, warn, error)."`
	LogFile         string   `help:"Log file path (empty = stderr)."`
	LogFormat       string   `help:"Log format (simple, verbose, json)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Fprintln(stdout, chatgate.GetVersion())
	return nil
}

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("chatgate"),
		kong.Description("Per-identity quotas and human verification for chat endpoints."),
		kong.UsageOnError(),
	)

	cleanup, err := initLoggerFromCLI(cli.LogLevel, cli.LogFile, cli.LogFormat, nil)
	ctx.FatalIfErrorf(err)
	defer func() {
		if cleanup != nil {
			cleanup()
		}
	}()

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
