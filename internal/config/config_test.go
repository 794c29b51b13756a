package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 60, cfg.Server.RequestTimeoutSecs)
	require.Equal(t, "memory", cfg.Storage.Backend)
	require.Equal(t, 2, cfg.Scrape.MaxParallel)
	require.Equal(t, 45, cfg.Scrape.NavTimeoutSecs)
	require.False(t, cfg.Auth.Enabled)

	require.Equal(t, 3*time.Second, cfg.ActorPollInterval())
	require.Equal(t, 5*time.Minute, cfg.ActorTimeout())
	require.Equal(t, 10*time.Minute, cfg.TaskBudget())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
auth:
  enabled: true
  tokens:
    token-1: tenant-1
actor:
  base_url: https://api.example.com
  token: secret
  actors:
    google-reviews: compass~crawler
storage:
  backend: local
  base_dir: /tmp/artifacts
pubsub:
  project_id: proj-1
  topic_name: ingestion-events
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "tenant-1", cfg.Auth.Tokens["token-1"])
	require.Equal(t, "compass~crawler", cfg.Actor.Actors["google-reviews"])
	require.Equal(t, "local", cfg.Storage.Backend)
	require.Equal(t, "ingestion-events", cfg.PubSub.TopicName)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"auth enabled without tokens", "auth:\n  enabled: true\n"},
		{"actor url without token", "actor:\n  base_url: https://api.example.com\n"},
		{"local backend without base dir", "storage:\n  backend: local\n"},
		{"gcs backend without bucket", "storage:\n  backend: gcs\n"},
		{"unknown backend", "storage:\n  backend: s3\n"},
		{"topic without project", "pubsub:\n  topic_name: events\n"},
		{"zero parallelism", "scrape:\n  max_parallel: 0\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PRESENCE_SERVER_PORT", "7070")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
}
