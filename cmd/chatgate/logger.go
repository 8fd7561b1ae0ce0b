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
	"fmt"
	"os"

	"github.com/kadirpekel/chatgate/pkg/config"
	"github.com/kadirpekel/chatgate/pkg/logger"
)

const (
	// LogFileEnvVar is the environment variable name for log file path
	LogFileEnvVar = "LOG_FILE"
	// LogLevelEnvVar is the environment variable name for log level
	LogLevelEnvVar = "LOG_LEVEL"
	// LogFormatEnvVar is the environment variable name for log format
	LogFormatEnvVar = "LOG_FORMAT"
	// DefaultLogFormat is the default log format
	DefaultLogFormat = "simple"
)

type logSettings struct {
	level  string
	file   string
	format string
}

// resolveLogSettings applies the priority CLI flag > env var > config file
// section > default.
func resolveLogSettings(cliLevel, cliFile, cliFormat string, cfg *config.LoggerConfig) logSettings {
	pick := func(flag, env, fromConfig, def string) string {
		if flag != "" {
			return flag
		}
		if v := os.Getenv(env); v != "" {
			return v
		}
		if fromConfig != "" {
			return fromConfig
		}
		return def
	}

	var fromCfg config.LoggerConfig
	if cfg != nil {
		fromCfg = *cfg
	}
	return logSettings{
		level:  pick(cliLevel, LogLevelEnvVar, fromCfg.Level, "info"),
		file:   pick(cliFile, LogFileEnvVar, fromCfg.File, ""),
		format: pick(cliFormat, LogFormatEnvVar, fromCfg.Format, DefaultLogFormat),
	}
}

// initLoggerFromCLI initializes the process logger. cfg may be nil before the
// configuration document has been read.
// Returns a cleanup function that closes the log file, if any.
func initLoggerFromCLI(cliLevel, cliFile, cliFormat string, cfg *config.LoggerConfig) (func(), error) {
	s := resolveLogSettings(cliLevel, cliFile, cliFormat, cfg)

	output := os.Stderr
	var cleanup func()
	if s.file != "" {
		file, cleanupFn, err := logger.OpenLogFile(s.file)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = cleanupFn
	}

	logger.Init(logger.ParseLevel(s.level), output, s.format)
	return cleanup, nil
}
