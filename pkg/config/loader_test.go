package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/polisai/framepipe/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_WatchReloadsAndNotifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "framepipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("filter:\n  threshold: 0.8\n"), 0o644))

	loader, err := NewLoader(path, logging.Discard())
	require.NoError(t, err)
	_, err = loader.Load()
	require.NoError(t, err)

	updated := make(chan float64, 16)
	loader.Subscribe(func(cfg *Config) {
		select {
		case updated <- cfg.Filter.Threshold:
		default:
		}
	})
	require.NoError(t, loader.Watch())
	defer loader.Close()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("filter:\n  threshold: 0.6\n"), 0o644))

	// A truncating write can surface a partial file first; wait for the final content.
	deadline := time.After(2 * time.Second)
	for got := 0.0; got != 0.6; {
		select {
		case got = <-updated:
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
	assert.Equal(t, 0.6, loader.Current().Filter.Threshold)
}

func TestLoader_KeepsPreviousOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "framepipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("filter:\n  threshold: 0.7\n"), 0o644))

	loader, err := NewLoader(path, logging.Discard())
	require.NoError(t, err)
	_, err = loader.Load()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("filter:\n  threshold: 7\n"), 0o644))
	loader.reload()

	assert.Equal(t, 0.7, loader.Current().Filter.Threshold)
	require.NoError(t, loader.Close())
	require.NoError(t, loader.Close())
}
