package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8323, cfg.Server.Port)
	assert.Equal(t, "data/conductor.db", cfg.Store.Path)
	assert.Equal(t, "data/artifacts", cfg.Artifacts.Root)
	assert.Equal(t, time.Second, cfg.Supervisor.TickInterval)
	assert.Equal(t, 30*time.Second, cfg.Supervisor.HeartbeatTimeout)
	assert.Equal(t, 5*time.Second, cfg.Supervisor.AbortGrace)
	assert.Equal(t, 2, cfg.Supervisor.MaxWorkers)
	assert.Equal(t, 2*time.Second, cfg.Worker.HeartbeatInterval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadYAMLFile(t *testing.T) {
	doc := map[string]any{
		"server": map[string]any{"host": "0.0.0.0", "port": 9000},
		"store":  map[string]any{"path": "/var/lib/conductor/jobs.db"},
		"supervisor": map[string]any{
			"tick_interval": "250ms",
			"max_workers":   8,
		},
	}
	raw, err := yaml.Marshal(doc)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, raw, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "/var/lib/conductor/jobs.db", cfg.Store.Path)
	assert.Equal(t, 250*time.Millisecond, cfg.Supervisor.TickInterval)
	assert.Equal(t, 8, cfg.Supervisor.MaxWorkers)
	// untouched keys keep defaults
	assert.Equal(t, 30*time.Second, cfg.Supervisor.HeartbeatTimeout)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	doc := map[string]any{"server": map[string]any{"port": 9000}}
	raw, err := yaml.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, raw, 0644))

	t.Setenv("CONDUCTOR_SERVER_PORT", "9100")
	t.Setenv("CONDUCTOR_SUPERVISOR_HEARTBEAT_TIMEOUT", "45s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Supervisor.HeartbeatTimeout)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		doc  map[string]any
	}{
		{"port out of range", map[string]any{"server": map[string]any{"port": 70000}}},
		{"empty store path", map[string]any{"store": map[string]any{"path": "  "}}},
		{"zero workers", map[string]any{"supervisor": map[string]any{"max_workers": 0}}},
		{"negative tick", map[string]any{"supervisor": map[string]any{"tick_interval": "-1s"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := yaml.Marshal(tc.doc)
			require.NoError(t, err)
			path := filepath.Join(t.TempDir(), "conductor.yaml")
			require.NoError(t, os.WriteFile(path, raw, 0644))

			_, err = Load(path)
			require.Error(t, err)
		})
	}
}
