package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Directory.URL)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Bus.Brokers)
	assert.Equal(t, "user_status_events", cfg.Bus.Topic)
	assert.Equal(t, 1024, cfg.Coordinator.VNodeCount)
	assert.Equal(t, cfg.Coordinator.VNodeCount, cfg.Node.VNodeCount)
	assert.Equal(t, 30*time.Second, cfg.Node.HeartbeatInterval)
	assert.Equal(t, 90*time.Second, cfg.Node.StaleAfter)

	assert.NoError(t, Validate(cfg))
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.Coordinator.VNodeCount)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: debug
coordinator:
  vnode_count: 64
  owner_ttl: 120s
node:
  node_id: node-a
  assigned_vnodes: [0, 1, 2]
  heartbeat_interval: 10s
directory:
  url: redis://redis.internal:6379/1
bus:
  brokers:
    - kafka-1:9092
    - kafka-2:9092
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level) // normalized
	assert.Equal(t, 64, cfg.Coordinator.VNodeCount)
	assert.Equal(t, 2*time.Minute, cfg.Coordinator.OwnerTTL)
	assert.Equal(t, "node-a", cfg.Node.NodeID)
	assert.Equal(t, []int{0, 1, 2}, cfg.Node.AssignedVNodes)
	assert.Equal(t, 10*time.Second, cfg.Node.HeartbeatInterval)
	assert.Equal(t, 64, cfg.Node.VNodeCount) // inherited from coordinator
	assert.Equal(t, "redis://redis.internal:6379/1", cfg.Directory.URL)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Bus.Brokers)
}

func TestLoad_InvalidLevelFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: verbose\n"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_LegacyEnvOverrides(t *testing.T) {
	t.Setenv("NODE_ID", "node-env")
	t.Setenv("ASSIGNED_VNODES", "3, 4,5")
	t.Setenv("VNODE_COUNT", "16")
	t.Setenv("COORDINATOR_PORT", "9000")
	t.Setenv("WS_PORT", "9001")
	t.Setenv("REDIS_URL", "redis://env:6379/0")
	t.Setenv("KAFKA_BROKERS", "env-kafka:9092")
	t.Setenv("HEARTBEAT_INTERVAL", "15000")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "node-env", cfg.Node.NodeID)
	assert.Equal(t, []int{3, 4, 5}, cfg.Node.AssignedVNodes)
	assert.Equal(t, 16, cfg.Coordinator.VNodeCount)
	assert.Equal(t, 16, cfg.Node.VNodeCount)
	assert.Equal(t, 9000, cfg.CoordinatorAPI.Port)
	assert.Equal(t, 9001, cfg.Node.Port)
	assert.Equal(t, "redis://env:6379/0", cfg.Directory.URL)
	assert.Equal(t, []string{"env-kafka:9092"}, cfg.Bus.Brokers)
	assert.Equal(t, 15*time.Second, cfg.Node.HeartbeatInterval)
	assert.Equal(t, "WARN", cfg.Logging.Level)
}

func TestAuthConfig_EnvSecretWins(t *testing.T) {
	cfg := AuthConfig{JWTSecret: "from-file"}
	assert.Equal(t, "from-file", cfg.GetJWTSecret())

	t.Setenv(EnvJWTSecret, "from-env")
	assert.Equal(t, "from-env", cfg.GetJWTSecret())
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Node.NodeID = "node-a"
	cfg.Node.AssignedVNodes = []int{0, 1}

	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-a", loaded.Node.NodeID)
	assert.Equal(t, []int{0, 1}, loaded.Node.AssignedVNodes)
}

func TestParseVNodeList(t *testing.T) {
	ids, err := parseVNodeList("0,1, 2,")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, ids)

	_, err = parseVNodeList("0,x")
	assert.Error(t, err)
}
