package source

import (
	"context"
	"fmt"
	"strconv"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdSource reads the config document from a single etcd key.
type EtcdSource struct {
	client *clientv3.Client
	key    string
}

// NewEtcdSource connects to the etcd cluster.
func NewEtcdSource(endpoints []string, key string, dialTimeout time.Duration) (*EtcdSource, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &EtcdSource{client: client, key: key}, nil
}

// Type returns TypeEtcd.
func (s *EtcdSource) Type() Type {
	return TypeEtcd
}

// Load reads the key's value.
func (s *EtcdSource) Load(ctx context.Context) ([]byte, error) {
	resp, err := s.client.Get(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to read etcd key %s: %w", s.key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("etcd key %s not found", s.key)
	}
	return resp.Kvs[0].Value, nil
}

// Version returns the key's ModRevision without transferring the value.
func (s *EtcdSource) Version(ctx context.Context) (string, error) {
	resp, err := s.client.Get(ctx, s.key, clientv3.WithKeysOnly())
	if err != nil {
		return "", fmt.Errorf("failed to read etcd key %s: %w", s.key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("etcd key %s not found", s.key)
	}
	return strconv.FormatInt(resp.Kvs[0].ModRevision, 10), nil
}

// Watch signals on every put or delete of the key.
func (s *EtcdSource) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	wch := s.client.Watch(ctx, s.key)

	go func() {
		defer close(ch)
		for resp := range wch {
			if resp.Canceled {
				return
			}
			if len(resp.Events) == 0 {
				continue
			}
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()

	return ch, nil
}

// Close closes the etcd client.
func (s *EtcdSource) Close() error {
	return s.client.Close()
}

var _ Source = (*EtcdSource)(nil)
