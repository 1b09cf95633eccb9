package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "camrelay.json")
	require.NoError(t, os.WriteFile(fn, []byte(`{"listenAddr": ":9000", "frameRate": 15, "allowedOrigins": ["*"]}`), 0644))

	cfg, err := LoadConfig(fn)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddr)
	require.Equal(t, 15, cfg.FrameRate)
	require.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	// Unspecified fields keep their defaults
	require.Equal(t, 85, cfg.JPEGQuality)
	require.Equal(t, 2000, cfg.RetryBackoffMS)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	require.NoError(t, os.WriteFile(fn, []byte("not json"), 0644))
	_, err = LoadConfig(fn)
	require.Error(t, err)
}
