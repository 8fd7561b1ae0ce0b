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

// Package source defines where configuration bytes come from.
//
// Sources load raw documents from a file, consul, etcd or zookeeper and
// report a cheap version token so callers can detect changes without
// re-reading the document.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Type identifies the config source type.
type Type string

const (
	TypeFile      Type = "file"
	TypeConsul    Type = "consul"
	TypeEtcd      Type = "etcd"
	TypeZookeeper Type = "zookeeper"
)

// ParseType converts a string to a Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "file", "":
		return TypeFile, nil
	case "consul":
		return TypeConsul, nil
	case "etcd":
		return TypeEtcd, nil
	case "zookeeper", "zk":
		return TypeZookeeper, nil
	default:
		return "", fmt.Errorf("unknown source type: %s", s)
	}
}

// Remote reports whether checking the source costs a network round trip.
func (t Type) Remote() bool {
	return t != TypeFile
}

// Source abstracts config sources.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Type returns the source type for logging.
	Type() Type

	// Load reads the raw config document.
	Load(ctx context.Context) ([]byte, error)

	// Version returns an opaque token that changes whenever the document
	// changes. It must be cheaper than Load.
	Version(ctx context.Context) (string, error)

	// Watch signals on the returned channel when the document may have
	// changed. Returns a nil channel if watching is not supported.
	// Cancel the context to stop watching.
	Watch(ctx context.Context) (<-chan struct{}, error)

	// Close releases any resources held by the source.
	Close() error
}

// Options configures source creation.
type Options struct {
	// Type specifies the source type.
	Type Type

	// Path is the file path or key path.
	Path string

	// Endpoints for remote sources.
	Endpoints []string

	// DialTimeout for remote sources. Default: 5s
	DialTimeout time.Duration

	// Logger receives watch errors. Default: slog.Default()
	Logger *slog.Logger
}

// New creates a Source from Options.
func New(opts Options) (Source, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	switch opts.Type {
	case TypeFile, "":
		return NewFileSource(opts.Path)
	case TypeConsul:
		return NewConsulSource(firstEndpoint(opts.Endpoints, "localhost:8500"), opts.Path, opts.Logger)
	case TypeEtcd:
		return NewEtcdSource(withDefaultEndpoints(opts.Endpoints, "localhost:2379"), opts.Path, opts.DialTimeout)
	case TypeZookeeper:
		return NewZookeeperSource(withDefaultEndpoints(opts.Endpoints, "localhost:2181"), opts.Path, opts.DialTimeout, opts.Logger)
	default:
		return nil, fmt.Errorf("unknown source type: %s", opts.Type)
	}
}

func firstEndpoint(endpoints []string, def string) string {
	if len(endpoints) == 0 {
		return def
	}
	return endpoints[0]
}

func withDefaultEndpoints(endpoints []string, def string) []string {
	if len(endpoints) == 0 {
		return []string{def}
	}
	return endpoints
}
