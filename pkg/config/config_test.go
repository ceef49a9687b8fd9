package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, int32(20), cfg.Deletion.MaxRetry)
	require.Equal(t, 4096, cfg.Deletion.BlockDeleteLimit)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scm.yaml")
	content := `
data_dir: /var/lib/gojostore
http_addr: 0.0.0.0:8080
raft:
  node_id: scm-2
  bind_addr: 0.0.0.0:7000
deletion:
  max_retry: 5
  dispatch_interval: 30s
logger:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/gojostore", cfg.DataDir)
	require.Equal(t, "scm-2", cfg.Raft.NodeID)
	require.Equal(t, int32(5), cfg.Deletion.MaxRetry)
	require.Equal(t, 30*time.Second, cfg.Deletion.DispatchInterval.Std())
	require.Equal(t, "debug", cfg.Logger.Level)
	// Untouched fields keep their defaults.
	require.Equal(t, 4096, cfg.Deletion.BlockDeleteLimit)
	require.Equal(t, 5*time.Minute, cfg.Deletion.AckTimeout.Std())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"negative max_retry", "deletion:\n  max_retry: -1\n"},
		{"zero block_delete_limit", "deletion:\n  block_delete_limit: 0\n"},
		{"empty node_id", "raft:\n  node_id: \"\"\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "scm.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0o600))
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestLoadUnreadableFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
