package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdirEmpty(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 500*time.Millisecond, cfg.Task.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.Task.AwaitTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Task.StuckAge)
	assert.Equal(t, 5*time.Minute, cfg.Task.SweepInterval)
	assert.Zero(t, cfg.Task.TTL)
}

func TestLoadFromEnvironment(t *testing.T) {
	chdirEmpty(t)
	t.Setenv("TASKHORN_SERVER_PORT", "9999")
	t.Setenv("TASKHORN_SERVER_LOG_LEVEL", "debug")
	t.Setenv("TASKHORN_STORAGE_DRIVER", "sqlite")
	t.Setenv("TASKHORN_STORAGE_SQLITE_PATH", "/var/lib/taskhorn/tasks.db")
	t.Setenv("TASKHORN_TASK_POLL_INTERVAL", "250ms")
	t.Setenv("TASKHORN_TASK_TTL", "24h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "/var/lib/taskhorn/tasks.db", cfg.Storage.SQLitePath)
	assert.Equal(t, 250*time.Millisecond, cfg.Task.PollInterval)
	assert.Equal(t, 24*time.Hour, cfg.Task.TTL)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "unknown driver",
			env:  map[string]string{"TASKHORN_STORAGE_DRIVER": "etcd"},
		},
		{
			name: "sqlite without path",
			env:  map[string]string{"TASKHORN_STORAGE_DRIVER": "sqlite"},
		},
		{
			name: "postgres without url",
			env:  map[string]string{"TASKHORN_STORAGE_DRIVER": "postgres"},
		},
		{
			name: "dynamo without table",
			env:  map[string]string{"TASKHORN_STORAGE_DRIVER": "dynamo"},
		},
		{
			name: "bad log level",
			env:  map[string]string{"TASKHORN_SERVER_LOG_LEVEL": "verbose"},
		},
		{
			name: "port out of range",
			env:  map[string]string{"TASKHORN_SERVER_PORT": "70000"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdirEmpty(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

// chdirEmpty moves the test into an empty directory so a developer's local
// taskhorn.yaml cannot leak into the assertions.
func chdirEmpty(t *testing.T) {
	t.Helper()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() {
		require.NoError(t, os.Chdir(orig))
	})
}
