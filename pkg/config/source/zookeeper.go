package source

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-zookeeper/zk"
)

// ZookeeperSource reads the config document from a single znode.
//
// The zk client has no per-call deadline, so Load and Version run the
// request in a goroutine and stop waiting when ctx is done. An abandoned
// request finishes in the background and its result is dropped.
type ZookeeperSource struct {
	conn   *zk.Conn
	path   string
	logger *slog.Logger
}

// NewZookeeperSource connects to the ensemble. A nil logger uses
// slog.Default().
func NewZookeeperSource(servers []string, path string, sessionTimeout time.Duration, logger *slog.Logger) (*ZookeeperSource, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ZookeeperSource{conn: conn, path: path, logger: logger}, nil
}

// Type returns TypeZookeeper.
func (s *ZookeeperSource) Type() Type {
	return TypeZookeeper
}

// Load reads the znode data.
func (s *ZookeeperSource) Load(ctx context.Context) ([]byte, error) {
	data, err := callWithContext(ctx, func() ([]byte, error) {
		data, _, err := s.conn.Get(s.path)
		return data, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read zookeeper path %s: %w", s.path, err)
	}
	return data, nil
}

// Version returns the znode's data version and modification zxid.
func (s *ZookeeperSource) Version(ctx context.Context) (string, error) {
	stat, err := callWithContext(ctx, func() (*zk.Stat, error) {
		exists, stat, err := s.conn.Exists(s.path)
		if err != nil {
			return nil, err
		}
		if !exists || stat == nil {
			return nil, zk.ErrNoNode
		}
		return stat, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to stat zookeeper path %s: %w", s.path, err)
	}
	return zkVersion(stat), nil
}

func zkVersion(stat *zk.Stat) string {
	return strconv.FormatInt(int64(stat.Version), 10) + "-" + strconv.FormatInt(stat.Mzxid, 10)
}

type callResult[T any] struct {
	val T
	err error
}

// callWithContext runs fn and returns early with ctx.Err() when ctx ends
// first.
func callWithContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	done := make(chan callResult[T], 1)
	go func() {
		v, err := fn()
		done <- callResult[T]{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Watch re-arms a data watch after every event.
func (s *ZookeeperSource) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	go func() {
		defer close(ch)
		for {
			_, _, events, err := s.conn.GetW(s.path)
			if err != nil {
				s.logger.Warn("Zookeeper watch failed", "path", s.path, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(2 * time.Second):
				}
				continue
			}

			select {
			case <-ctx.Done():
				return
			case event := <-events:
				if event.Type == zk.EventNotWatching {
					s.logger.Warn("Zookeeper watch lost, re-arming", "path", s.path)
					continue
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()

	return ch, nil
}

// Close closes the session.
func (s *ZookeeperSource) Close() error {
	s.conn.Close()
	return nil
}

var _ Source = (*ZookeeperSource)(nil)
