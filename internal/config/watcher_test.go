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
	"go.uber.org/zap/zaptest"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))

	var mu sync.Mutex
	var levels []string
	w := NewWatcher(path, func(cfg *Config) error {
		mu.Lock()
		levels = append(levels, cfg.Logging.Level)
		mu.Unlock()
		return nil
	}, zaptest.NewLogger(t))
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(levels) > 0 && levels[len(levels)-1] == "debug"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherKeepsPreviousConfigOnBadReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))

	var mu sync.Mutex
	calls := 0
	w := NewWatcher(path, func(cfg *Config) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}, zaptest.NewLogger(t))
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	// An invalid level fails validation; the handler never sees it.
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: shout\n"), 0o644))
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	assert.Zero(t, calls)
	mu.Unlock()
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))

	var mu sync.Mutex
	calls := 0
	w := NewWatcher(path, func(cfg *Config) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}, zaptest.NewLogger(t))
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644))
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	assert.Zero(t, calls)
	mu.Unlock()
}
