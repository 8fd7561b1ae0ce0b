package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/chatgate/pkg/config/source"
)

func writeConfig(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func newFileProvider(t *testing.T, path string, opts ...ProviderOption) *CachedProvider {
	t.Helper()
	src, err := source.NewFileSource(path)
	require.NoError(t, err)
	p := NewCachedProvider(src, opts...)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestCachedProvider_LoadsAndCaches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate.yaml")
	base := time.Now().Add(-time.Hour)
	writeConfig(t, path, "gate:\n  limits:\n    minute: 3\n", base)

	p := newFileProvider(t, path)

	first := p.Current()
	assert.Equal(t, int64(3), first.Limits.Minute)
	assert.True(t, p.Loaded())

	// Unchanged source: identical snapshot.
	assert.Same(t, first, p.Current())
	assert.Same(t, first, p.Current())
}

func TestCachedProvider_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate.yaml")
	base := time.Now().Add(-time.Hour)
	writeConfig(t, path, "gate:\n  limits:\n    minute: 3\n", base)

	var mu sync.Mutex
	var reloads []bool
	p := newFileProvider(t, path, WithReloadHook(func(ok bool) {
		mu.Lock()
		reloads = append(reloads, ok)
		mu.Unlock()
	}))

	first := p.Current()
	writeConfig(t, path, "gate:\n  limits:\n    minute: 9\n", base.Add(time.Minute))

	second := p.Current()
	assert.NotSame(t, first, second)
	assert.Equal(t, int64(9), second.Limits.Minute)
	assert.Equal(t, []bool{true, true}, reloads)
}

func TestCachedProvider_KeepsLastGoodOnBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate.yaml")
	base := time.Now().Add(-time.Hour)
	writeConfig(t, path, "gate:\n  limits:\n    minute: 3\n", base)

	p := newFileProvider(t, path)
	good := p.Current()

	writeConfig(t, path, "gate:\n  limits:\n    minute: [not, a, number]\n", base.Add(time.Minute))
	assert.Same(t, good, p.Current())

	writeConfig(t, path, "gate:\n  limits:\n    unknown_window: 1\n", base.Add(2*time.Minute))
	assert.Same(t, good, p.Current())

	writeConfig(t, path, "gate:\n  limits:\n    minute: 4\n", base.Add(3*time.Minute))
	assert.Equal(t, int64(4), p.Current().Limits.Minute)
}

func TestCachedProvider_DefaultWhenNothingLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	p := newFileProvider(t, path)

	cfg := p.Current()
	require.NotNil(t, cfg)
	assert.Equal(t, DefaultGateConfig().Limits, cfg.Limits)
	assert.False(t, p.Loaded())
	assert.Same(t, cfg, p.Current())

	writeConfig(t, path, "gate:\n  limits:\n    day: 42\n", time.Now().Add(-time.Minute))
	assert.Equal(t, int64(42), p.Current().Limits.Day)
	assert.True(t, p.Loaded())
}

func TestCachedProvider_InvalidConfigAtStartUsesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate.yaml")
	writeConfig(t, path, "gate:\n  identity:\n    order: [retina-scan]\n", time.Now().Add(-time.Hour))

	p := newFileProvider(t, path)
	cfg := p.Current()
	assert.Equal(t, DefaultGateConfig().Identity.Order, cfg.Identity.Order)
	assert.False(t, p.Loaded())
}

func TestCachedProvider_CheckIntervalAndInvalidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate.yaml")
	base := time.Now().Add(-time.Hour)
	writeConfig(t, path, "gate:\n  limits:\n    minute: 1\n", base)

	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	p := newFileProvider(t, path, WithCheckInterval(10*time.Second), WithProviderClock(clock))

	first := p.Current()
	writeConfig(t, path, "gate:\n  limits:\n    minute: 2\n", base.Add(time.Minute))

	// Inside the interval the source is not consulted.
	now = now.Add(5 * time.Second)
	assert.Same(t, first, p.Current())

	p.Invalidate()
	assert.Equal(t, int64(2), p.Current().Limits.Minute)
}

func TestCachedProvider_ConcurrentCurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate.yaml")
	writeConfig(t, path, "gate:\n  limits:\n    minute: 6\n", time.Now().Add(-time.Hour))
	p := newFileProvider(t, path)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, int64(6), p.Current().Limits.Minute)
		}()
	}
	wg.Wait()
}

func TestCachedProvider_WatchInvalidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gate.yaml")
	writeConfig(t, path, "gate:\n  limits:\n    minute: 1\n", time.Now().Add(-time.Hour))

	p := newFileProvider(t, path, WithCheckInterval(time.Hour))
	require.Equal(t, int64(1), p.Current().Limits.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("gate:\n  limits:\n    minute: 8\n"), 0o644))

	assert.Eventually(t, func() bool {
		return p.Current().Limits.Minute == 8
	}, 3*time.Second, 50*time.Millisecond)
}

func TestStaticProvider(t *testing.T) {
	cfg := &GateConfig{Routes: []string{"/x"}}
	p := NewStaticProvider(cfg)
	assert.Same(t, cfg, p.Current())

	assert.NotNil(t, NewStaticProvider(nil).Current())
}
