package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.RateLimit.PerUserLimit)
	assert.Equal(t, 10000, cfg.RateLimit.GlobalLimit)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window())
	assert.Equal(t, 2, cfg.Pool.MinConnections)
	assert.Equal(t, 20, cfg.Pool.MaxConnections)
	assert.Equal(t, 5*time.Minute, cfg.Pool.IdleTimeout())
	assert.Equal(t, 10*time.Second, cfg.Health.Interval())
	assert.Equal(t, 2*time.Second, cfg.Health.Timeout())
	assert.Equal(t, 5*time.Second, cfg.Health.MaxReplicaLag())
	assert.True(t, cfg.Health.AutoFailover)
	assert.Equal(t, "log", cfg.Alerting.Sink)
	assert.Equal(t, []string{"localhost:6379"}, cfg.CounterStore.Addresses)
}

func TestLoadFlatEnvironment(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("PER_USER_LIMIT", "5")
	t.Setenv("GLOBAL_LIMIT", "50")
	t.Setenv("WINDOW_SIZE_SECONDS", "10")
	t.Setenv("POOL_MAX_CONNECTIONS", "7")
	t.Setenv("MAX_REPLICA_LAG_MS", "250")
	t.Setenv("ENABLE_AUTO_FAILOVER", "false")
	t.Setenv("DATABASE_REPLICAS", "r1=db-r1:5432:3,db-r2:5433")
	t.Setenv("COUNTER_STORE_PREFIX", "test:")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.RateLimit.PerUserLimit)
	assert.Equal(t, 50, cfg.RateLimit.GlobalLimit)
	assert.Equal(t, 10*time.Second, cfg.RateLimit.Window())
	assert.Equal(t, 7, cfg.Pool.MaxConnections)
	assert.Equal(t, 250*time.Millisecond, cfg.Health.MaxReplicaLag())
	assert.False(t, cfg.Health.AutoFailover)
	assert.Equal(t, "test:", cfg.CounterStore.Prefix)
	assert.Equal(t, "debug", cfg.Logging.Level)

	topo, err := cfg.Topology()
	require.NoError(t, err)
	assert.Equal(t, "localhost:5432", topo.PrimaryTarget().Addr())
	assert.Equal(t, map[string]float64{"r1": 3, "replica-db-r2-5433": 1}, topo.Weights())
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
pool:
  min_connections: 1
  max_connections: 3
database:
  primary_host: pg
  replicas:
    - name: east
      host: pg-east
      port: 5432
      weight: 0.5
`), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Pool.MaxConnections)

	topo, err := cfg.Topology()
	require.NoError(t, err)
	assert.Equal(t, "pg:5432", topo.PrimaryTarget().Addr())
	assert.Equal(t, map[string]float64{"east": 0.5}, topo.Weights())
}

func TestTopologyFileWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte("primary: {host: file-primary, port: 6432}\n"), 0o600))

	cfg := validConfig()
	cfg.Database.TopologyFile = path
	cfg.Database.ReplicaList = "db-r2:5433"

	topo, err := cfg.Topology()
	require.NoError(t, err)
	assert.Equal(t, "file-primary:6432", topo.PrimaryTarget().Addr())
	assert.Empty(t, topo.Replicas)
}

func TestParseReplicaList(t *testing.T) {
	got, err := ParseReplicaList(" a=h1:1:2 , h2:2 ,")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Name)
	assert.Equal(t, 2.0, *got[0].Weight)
	assert.Equal(t, "h2", got[1].Host)
	assert.Nil(t, got[1].Weight)

	empty, err := ParseReplicaList("")
	require.NoError(t, err)
	assert.Nil(t, empty)

	for _, bad := range []string{"h1", "h1:x", "h1:0", "h1:1:-1", ":1", "h:1:2:3"} {
		_, err := ParseReplicaList(bad)
		assert.Error(t, err, bad)
	}
}

func TestValidateCustomRules(t *testing.T) {
	cases := map[string]func(*Config){
		"min above max":        func(c *Config) { c.Pool.MinConnections = c.Pool.MaxConnections + 1 },
		"timeout not shorter":  func(c *Config) { c.Health.TimeoutSeconds = c.Health.IntervalSeconds },
		"bad replica list":     func(c *Config) { c.Database.ReplicaList = "nope" },
		"kafka without broker": func(c *Config) { c.Alerting.Sink = "kafka" },
		"rabbit without url":   func(c *Config) { c.Alerting.Sink = "rabbitmq" },
		"unknown sink":         func(c *Config) { c.Alerting.Sink = "email" },
		"zero window":          func(c *Config) { c.RateLimit.WindowSizeSeconds = 0 },
		"insecure production": func(c *Config) {
			c.OpenTelemetry.Environment = "production"
			c.OpenTelemetry.Enabled = true
			c.CounterStore.TLSEnabled = true
		},
	}

	require.NoError(t, Validate(validConfig()))
	for name, mutate := range cases {
		cfg := validConfig()
		mutate(cfg)
		assert.Error(t, Validate(cfg), name)
	}
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0", HTTPPort: 8080, GRPCPort: 50057,
			ShutdownTimeout: 30 * time.Second, IdentityHeader: "X-User-ID",
		},
		RateLimit: RateLimitConfig{PerUserLimit: 100, GlobalLimit: 1000, WindowSizeSeconds: 60},
		CounterStore: CounterStoreConfig{
			Addresses: []string{"localhost:6379"}, PoolSize: 10,
			DialTimeout: time.Second, OpTimeout: 100 * time.Millisecond, StartupTimeout: time.Second,
		},
		Pool: PoolConfig{
			MinConnections: 1, MaxConnections: 5, IdleTimeoutSeconds: 60, MaxBorrowSeconds: 30,
			ReapInterval: time.Second,
		},
		Health: HealthConfig{
			IntervalSeconds: 10, TimeoutSeconds: 2, MaxReplicaLagMS: 1000,
			FailureThreshold: 3, CoolDown: 30 * time.Second, AutoFailover: true,
		},
		Database: DatabaseConfig{PrimaryHost: "localhost", PrimaryPort: 5432, Name: "app", SSLMode: "disable"},
		Alerting: AlertingConfig{Sink: "log", BufferSize: 16, DeliveryTimeout: time.Second},
		OpenTelemetry: OTelConfig{
			Endpoint: "localhost:4317", ServiceName: "dbgate-service", ServiceVersion: "1.0.0",
			Environment: "development", Insecure: true, SampleRatio: 1, Timeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// chdir changes the working directory for the duration of the test.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
