package config

import (
	"bytes"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")

	var mu sync.Mutex
	var applied []*Config
	w, err := NewWatcher(path, func(c *Config) {
		mu.Lock()
		applied = append(applied, c)
		mu.Unlock()
	}, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(applied)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, applied, "apply never called")
	assert.Equal(t, "debug", applied[len(applied)-1].LogLevel)
}

func TestWatcherRejectsInvalidReload(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")

	applied := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { applied <- c }, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	require.NoError(t, os.WriteFile(path, []byte("log_level: shouting\n"), 0o644))

	select {
	case c := <-applied:
		t.Fatalf("invalid config applied: %+v", c)
	case <-time.After(1500 * time.Millisecond):
	}
}
