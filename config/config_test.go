package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, int64(4*1024*1024), cfg.ChunkSize)
	require.Equal(t, 3, cfg.ReplicationFactor)
	require.Equal(t, 2, cfg.Quorum())
	require.Empty(t, cfg.StorageNodes)
	require.Equal(t, "0 3 * * *", cfg.VerificationSchedule)
	require.Equal(t, "0 2 * * *", cfg.ShareCleanupSchedule)
	require.Equal(t, "sqlite3", cfg.Database.Driver)
	require.Equal(t, "memory", cfg.Cache.Backend)
	require.Equal(t, 1, cfg.Worker.Count)
	require.Equal(t, 1000, cfg.Worker.MaxTasks)
	require.Equal(t, 4, cfg.Upload.Fanout)
	require.True(t, cfg.Node.Compress)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
chunk_size: 1048576
replication_factor: 5
storage_nodes:
  - http://node-a:8081
  - http://node-b:8081
cache:
  backend: redis
  redis_addr: redis:6379
worker:
  count: 4
node:
  compress: false
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, int64(1048576), cfg.ChunkSize)
	require.Equal(t, 5, cfg.ReplicationFactor)
	require.Equal(t, 3, cfg.Quorum())
	require.Equal(t, []string{"http://node-a:8081", "http://node-b:8081"}, cfg.StorageNodes)
	require.Equal(t, "redis", cfg.Cache.Backend)
	require.Equal(t, "redis:6379", cfg.Cache.RedisAddr)
	require.Equal(t, 4, cfg.Worker.Count)
	require.False(t, cfg.Node.Compress)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("CHUNKVAULT_REPLICATION_FACTOR", "7")
	t.Setenv("CHUNKVAULT_CACHE_BACKEND", "redis")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 7, cfg.ReplicationFactor)
	require.Equal(t, "redis", cfg.Cache.Backend)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("CHUNKVAULT_CHUNK_SIZE", "0")
	_, err := Load(t.TempDir())
	require.Error(t, err)

	t.Setenv("CHUNKVAULT_CHUNK_SIZE", "1024")
	t.Setenv("CHUNKVAULT_REPLICATION_FACTOR", "0")
	_, err = Load(t.TempDir())
	require.Error(t, err)
}
