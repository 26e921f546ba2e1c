package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns minimal valid YAML that passes Load+Validate.
func validConfig(cancellationMax int) string {
	return fmt.Sprintf(`
rate_limit:
  cancellation:
    max_requests: %d
    window: "1h"
`, cancellationMax)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestWatcher_DetectsFileChange(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, validConfig(5))

	var received atomic.Int64
	var mu sync.Mutex
	var lastCfg *Config

	w := NewWatcher(cfgPath, func(newCfg *Config) {
		mu.Lock()
		lastCfg = newCfg
		mu.Unlock()
		received.Add(1)
	}, slog.Default())
	w.debounce = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = w.Start(ctx)
	}()

	// Give the watcher time to set up.
	time.Sleep(200 * time.Millisecond)

	writeFile(t, cfgPath, validConfig(7))

	assert.Eventually(t, func() bool { return received.Load() >= 1 }, 3*time.Second, 50*time.Millisecond,
		"expected at least one callback")

	mu.Lock()
	require.NotNil(t, lastCfg)
	assert.Equal(t, 7, lastCfg.RateLimit.Cancellation.MaxRequests)
	mu.Unlock()
}

func TestWatcher_InvalidConfigKeepsOld(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, validConfig(5))

	var received atomic.Int64

	w := NewWatcher(cfgPath, func(*Config) { received.Add(1) }, slog.Default())
	w.debounce = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = w.Start(ctx)
	}()

	time.Sleep(200 * time.Millisecond)

	// A config that fails validation must not reach the callback.
	writeFile(t, cfgPath, `
rate_limit:
  cancellation:
    max_requests: 0
`)

	time.Sleep(500 * time.Millisecond)
	assert.EqualValues(t, 0, received.Load())
}

func TestWatcher_DetectsAtomicRename(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, validConfig(5))

	var received atomic.Int64

	w := NewWatcher(cfgPath, func(*Config) { received.Add(1) }, slog.Default())
	w.debounce = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = w.Start(ctx)
	}()

	time.Sleep(200 * time.Millisecond)

	// Editors and ConfigMap updates replace the file via rename.
	tmpPath := filepath.Join(dir, "config.yaml.tmp")
	writeFile(t, tmpPath, validConfig(9))
	require.NoError(t, os.Rename(tmpPath, cfgPath))

	assert.Eventually(t, func() bool { return received.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, validConfig(5))

	w := NewWatcher(cfgPath, func(*Config) {}, slog.Default())

	done := make(chan struct{})
	go func() {
		_ = w.Start(context.Background())
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	w.Stop()
	w.Stop()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
