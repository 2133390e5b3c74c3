package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetViper clears viper's global state between tests.
// Note: environment variables are read at runtime via AutomaticEnv,
// so we also unset any vars we set in tests to avoid cross-test pollution.
func resetViper() {
	viper.Reset()
}

// unsetEnvKeys unsets provided environment variable keys.
func unsetEnvKeys(keys ...string) {
	for _, k := range keys {
		_ = os.Unsetenv(k)
	}
}

// writeTempYAML writes a temporary YAML file with given content and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)
	return path
}

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	resetViper()
	unsetEnvKeys("MAX_LAG", "WAIT_TIMEOUT", "DEFAULT_GROUP", "CACHE_WAN_ADDR")

	// servers is a list of structs; viper has no practical env encoding for
	// it, so seed it the way a caller embedding the balancer would: via Set.
	viper.Set("servers", []map[string]interface{}{
		{"name": "primary", "address": "postgres://primary:5432/app", "type": "writer", "load": 0},
	})

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.LocalDomain)
	assert.Equal(t, 6.0, cfg.MaxLag)
	assert.Equal(t, 10*time.Second, cfg.WaitTimeout)
	assert.Equal(t, "DEFAULT", cfg.DefaultGroup)
	assert.Equal(t, "dbloadbalancer", cfg.Metrics.Namespace)
	assert.False(t, cfg.Cache.WAN.Enabled)
	assert.Equal(t, 1024, cfg.Cache.Srv.Capacity)
}

func TestLoadConfig_File(t *testing.T) {
	resetViper()
	unsetEnvKeys("MAX_LAG", "DEFAULT_GROUP")

	yaml := `
servers:
  - name: primary
    address: "postgres://primary:5432/app"
    type: writer
    load: 0
  - name: replica-a
    address: "postgres://replica-a:5432/app"
    type: replica
    load: 10
    max_lag: 5
local_domain: "app"
max_lag: 8
wait_timeout: "15s"
default_group: "REPORTING"
cache:
  wan:
    enabled: true
    addr: "redis:6379"
`
	path := writeTempYAML(t, yaml)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, "primary", cfg.Servers[0].Name)
	assert.Equal(t, ServerTypeWriter, cfg.Servers[0].Type)
	assert.Equal(t, "replica-a", cfg.Servers[1].Name)
	assert.Equal(t, 5.0, cfg.Servers[1].MaxLag)

	assert.Equal(t, "app", cfg.LocalDomain)
	assert.Equal(t, 8.0, cfg.MaxLag)
	assert.Equal(t, 15*time.Second, cfg.WaitTimeout)
	assert.Equal(t, "REPORTING", cfg.DefaultGroup)
	assert.True(t, cfg.Cache.WAN.Enabled)
	assert.Equal(t, "redis:6379", cfg.Cache.WAN.Addr)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	resetViper()

	yaml := `
servers:
  - name: primary
    address: "postgres://primary:5432/app"
    type: writer
max_lag: 6
default_group: "DEFAULT"
`
	path := writeTempYAML(t, yaml)

	require.NoError(t, os.Setenv("MAX_LAG", "9"))
	require.NoError(t, os.Setenv("DEFAULT_GROUP", "REPORTING"))
	t.Cleanup(func() {
		unsetEnvKeys("MAX_LAG", "DEFAULT_GROUP")
	})

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9.0, cfg.MaxLag, "env should override file")
	assert.Equal(t, "REPORTING", cfg.DefaultGroup, "env should override file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	resetViper()

	invalid := `
servers:
  - name: : invalid
`
	path := writeTempYAML(t, invalid)

	cfg, err := LoadConfig(path)
	require.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoadConfig_ValidationError_NoServers(t *testing.T) {
	resetViper()

	yaml := `
local_domain: "app"
`
	path := writeTempYAML(t, yaml)

	cfg, err := LoadConfig(path)
	require.Error(t, err, "validation should fail with no servers configured")
	assert.Nil(t, cfg)
}

func TestLoadConfig_ValidationError_FirstServerNotWriter(t *testing.T) {
	resetViper()

	yaml := `
servers:
  - name: replica-a
    address: "postgres://replica-a:5432/app"
    type: replica
`
	path := writeTempYAML(t, yaml)

	cfg, err := LoadConfig(path)
	require.Error(t, err, "servers[0] must be the writer")
	assert.Nil(t, cfg)
}

func TestLoadConfig_ValidationError_RoundStageWithoutRoundID(t *testing.T) {
	resetViper()

	yaml := `
servers:
  - name: writer
    address: "postgres://writer:5432/app"
    type: writer
round_stage: "COMMIT_CALLBACKS"
`
	path := writeTempYAML(t, yaml)

	cfg, err := LoadConfig(path)
	require.Error(t, err, "round_id is required alongside round_stage")
	assert.Nil(t, cfg)
}

func TestConfig_ReplicaIndices(t *testing.T) {
	cfg := &Config{Servers: []ServerConfig{
		{Name: "primary", Type: ServerTypeWriter},
		{Name: "replica-a", Type: ServerTypeReplica},
		{Name: "replica-b", Type: ServerTypeReplica},
	}}

	assert.Equal(t, 0, cfg.WriterIndex())
	assert.Equal(t, []int{1, 2}, cfg.ReplicaIndices())
}
