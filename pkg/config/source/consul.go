package source

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hashicorp/consul/api"
)

// ConsulSource reads the config document from a single Consul KV key.
type ConsulSource struct {
	client *api.Client
	key    string
	logger *slog.Logger
}

// NewConsulSource connects to the Consul agent at addr. A nil logger uses
// slog.Default().
func NewConsulSource(addr, key string, logger *slog.Logger) (*ConsulSource, error) {
	cfg := api.DefaultConfig()
	cfg.Address = addr

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsulSource{client: client, key: key, logger: logger}, nil
}

// Type returns TypeConsul.
func (s *ConsulSource) Type() Type {
	return TypeConsul
}

func (s *ConsulSource) get(ctx context.Context, opts *api.QueryOptions) (*api.KVPair, *api.QueryMeta, error) {
	if opts == nil {
		opts = &api.QueryOptions{}
	}
	pair, meta, err := s.client.KV().Get(s.key, opts.WithContext(ctx))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read consul key %s: %w", s.key, err)
	}
	if pair == nil {
		return nil, meta, fmt.Errorf("consul key %s not found", s.key)
	}
	return pair, meta, nil
}

// Load reads the key's value.
func (s *ConsulSource) Load(ctx context.Context) ([]byte, error) {
	pair, _, err := s.get(ctx, nil)
	if err != nil {
		return nil, err
	}
	return pair.Value, nil
}

// Version returns the key's ModifyIndex.
func (s *ConsulSource) Version(ctx context.Context) (string, error) {
	pair, _, err := s.get(ctx, nil)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(pair.ModifyIndex, 10), nil
}

// Watch runs Consul blocking queries and signals when the index moves.
func (s *ConsulSource) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	go func() {
		defer close(ch)
		var lastIndex uint64
		for {
			_, meta, err := s.get(ctx, &api.QueryOptions{WaitIndex: lastIndex, WaitTime: 5 * time.Minute})
			if ctx.Err() != nil {
				return
			}
			if err != nil && meta == nil {
				s.logger.Warn("Consul watch failed", "key", s.key, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(2 * time.Second):
				}
				continue
			}
			if lastIndex != 0 && meta.LastIndex != lastIndex {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
			lastIndex = meta.LastIndex
		}
	}()

	return ch, nil
}

// Close is a no-op; the Consul client holds no persistent connection.
func (s *ConsulSource) Close() error {
	return nil
}

var _ Source = (*ConsulSource)(nil)
