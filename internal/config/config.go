// Package config provides centralized configuration management using viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/auth-platform/platform/dbgate-service/internal/topology"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the complete service configuration.
type Config struct {
	Server        ServerConfig       `mapstructure:"server" validate:"required"`
	RateLimit     RateLimitConfig    `mapstructure:"rate_limit" validate:"required"`
	CounterStore  CounterStoreConfig `mapstructure:"counter_store" validate:"required"`
	Pool          PoolConfig         `mapstructure:"pool" validate:"required"`
	Health        HealthConfig       `mapstructure:"health" validate:"required"`
	Database      DatabaseConfig     `mapstructure:"database" validate:"required"`
	Alerting      AlertingConfig     `mapstructure:"alerting" validate:"required"`
	OpenTelemetry OTelConfig         `mapstructure:"opentelemetry" validate:"required"`
	Logging       LoggingConfig      `mapstructure:"logging" validate:"required"`
	Metrics       MetricsConfig      `mapstructure:"metrics"`
}

// ServerConfig defines the HTTP and gRPC listeners.
type ServerConfig struct {
	Host            string        `mapstructure:"host" validate:"required,hostname_rfc1123|ip"`
	HTTPPort        int           `mapstructure:"http_port" validate:"min=1,max=65535"`
	GRPCPort        int           `mapstructure:"grpc_port" validate:"min=1,max=65535"`
	GRPCReflection  bool          `mapstructure:"grpc_reflection"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=1s,max=5m"`
	IdentityHeader  string        `mapstructure:"identity_header" validate:"required"`
}

// RateLimitConfig defines the sliding windows.
type RateLimitConfig struct {
	PerUserLimit      int `mapstructure:"per_user_limit" validate:"min=1"`
	GlobalLimit       int `mapstructure:"global_limit" validate:"min=1"`
	WindowSizeSeconds int `mapstructure:"window_size_seconds" validate:"min=1,max=86400"`
}

// Window returns the window length.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSizeSeconds) * time.Second
}

// CounterStoreConfig defines the Redis counter store.
type CounterStoreConfig struct {
	Addresses      []string      `mapstructure:"addresses" validate:"required,min=1,dive,hostname_port"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db" validate:"min=0,max=15"`
	Prefix         string        `mapstructure:"prefix"`
	PoolSize       int           `mapstructure:"pool_size" validate:"min=1,max=1000"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout" validate:"min=10ms,max=30s"`
	OpTimeout      time.Duration `mapstructure:"op_timeout" validate:"min=1ms,max=10s"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout" validate:"min=10ms,max=1m"`
	TLSEnabled     bool          `mapstructure:"tls_enabled"`
	ClusterMode    bool          `mapstructure:"cluster_mode"`
}

// PoolConfig defines per-target connection pools.
type PoolConfig struct {
	MinConnections     int           `mapstructure:"min_connections" validate:"min=0"`
	MaxConnections     int           `mapstructure:"max_connections" validate:"min=1"`
	IdleTimeoutSeconds int           `mapstructure:"idle_timeout_seconds" validate:"min=1"`
	MaxBorrowSeconds   int           `mapstructure:"max_borrow_seconds" validate:"min=1"`
	ReapInterval       time.Duration `mapstructure:"reap_interval" validate:"min=100ms,max=5m"`
	AlertCooldown      time.Duration `mapstructure:"alert_cooldown" validate:"min=0,max=1h"`
}

// IdleTimeout returns the idle timeout.
func (c PoolConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// MaxBorrow returns the leak threshold.
func (c PoolConfig) MaxBorrow() time.Duration {
	return time.Duration(c.MaxBorrowSeconds) * time.Second
}

// HealthConfig defines the probe loop and breakers.
type HealthConfig struct {
	IntervalSeconds  int           `mapstructure:"interval_seconds" validate:"min=1,max=3600"`
	TimeoutSeconds   int           `mapstructure:"timeout_seconds" validate:"min=1,max=600"`
	MaxReplicaLagMS  int           `mapstructure:"max_replica_lag_ms" validate:"min=0"`
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"min=1,max=100"`
	CoolDown         time.Duration `mapstructure:"cool_down" validate:"min=1s,max=1h"`
	AutoFailover     bool          `mapstructure:"auto_failover"`
}

// Interval returns the probe interval.
func (c HealthConfig) Interval() time.Duration { return time.Duration(c.IntervalSeconds) * time.Second }

// Timeout returns the per-probe timeout.
func (c HealthConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSeconds) * time.Second }

// MaxReplicaLag returns the lag bound; zero disables the lag check.
func (c HealthConfig) MaxReplicaLag() time.Duration {
	return time.Duration(c.MaxReplicaLagMS) * time.Millisecond
}

// DatabaseConfig defines the primary, replicas and credentials.
type DatabaseConfig struct {
	PrimaryHost     string          `mapstructure:"primary_host"`
	PrimaryPort     int             `mapstructure:"primary_port" validate:"min=0,max=65535"`
	User            string          `mapstructure:"user"`
	Password        string          `mapstructure:"password"`
	Name            string          `mapstructure:"name" validate:"required"`
	SSLMode         string          `mapstructure:"ssl_mode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
	ConnectTimeout  time.Duration   `mapstructure:"connect_timeout" validate:"min=0,max=1m"`
	ApplicationName string          `mapstructure:"application_name"`
	Replicas        []ReplicaConfig `mapstructure:"replicas" validate:"dive"`
	// ReplicaList is the DATABASE_REPLICAS form: "[name=]host:port[:weight],...".
	ReplicaList            string        `mapstructure:"replica_list"`
	TopologyFile           string        `mapstructure:"topology_file"`
	TopologyReloadInterval time.Duration `mapstructure:"topology_reload_interval" validate:"min=0,max=1h"`
}

// ReplicaConfig is one replica entry.
type ReplicaConfig struct {
	Name   string   `mapstructure:"name"`
	Host   string   `mapstructure:"host" validate:"required"`
	Port   int      `mapstructure:"port" validate:"min=1,max=65535"`
	Weight *float64 `mapstructure:"weight" validate:"omitempty,min=0"`
}

// AlertingConfig selects and configures the alert sink.
type AlertingConfig struct {
	Sink             string        `mapstructure:"sink" validate:"oneof=log kafka rabbitmq"`
	KafkaBrokers     []string      `mapstructure:"kafka_brokers"`
	KafkaTopic       string        `mapstructure:"kafka_topic"`
	RabbitMQURL      string        `mapstructure:"rabbitmq_url"`
	RabbitMQExchange string        `mapstructure:"rabbitmq_exchange"`
	BufferSize       int           `mapstructure:"buffer_size" validate:"min=1,max=100000"`
	DeliveryTimeout  time.Duration `mapstructure:"delivery_timeout" validate:"min=100ms,max=1m"`
}

// OTelConfig defines OpenTelemetry settings.
type OTelConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Endpoint       string        `mapstructure:"endpoint" validate:"required"`
	ServiceName    string        `mapstructure:"service_name" validate:"required,min=1,max=100"`
	ServiceVersion string        `mapstructure:"service_version" validate:"required,semver"`
	Environment    string        `mapstructure:"environment" validate:"required,oneof=development staging production"`
	Insecure       bool          `mapstructure:"insecure"`
	SampleRatio    float64       `mapstructure:"sample_ratio" validate:"min=0,max=1"`
	Timeout        time.Duration `mapstructure:"timeout" validate:"min=1s,max=30s"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

// MetricsConfig defines the Prometheus namespace.
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

var configValidator = validator.New()

// envBindings maps nested keys to the flat environment names operators set.
var envBindings = map[string][]string{
	"rate_limit.per_user_limit":         {"PER_USER_LIMIT"},
	"rate_limit.global_limit":           {"GLOBAL_LIMIT"},
	"rate_limit.window_size_seconds":    {"WINDOW_SIZE_SECONDS"},
	"pool.min_connections":              {"POOL_MIN_CONNECTIONS"},
	"pool.max_connections":              {"POOL_MAX_CONNECTIONS"},
	"pool.idle_timeout_seconds":         {"POOL_IDLE_TIMEOUT_SECONDS"},
	"pool.max_borrow_seconds":           {"POOL_MAX_BORROW_SECONDS"},
	"pool.alert_cooldown":               {"ALERT_COOLDOWN"},
	"health.interval_seconds":           {"HEALTH_CHECK_INTERVAL_SECONDS"},
	"health.timeout_seconds":            {"HEALTH_CHECK_TIMEOUT_SECONDS"},
	"health.max_replica_lag_ms":         {"MAX_REPLICA_LAG_MS"},
	"health.failure_threshold":          {"CIRCUIT_FAILURE_THRESHOLD"},
	"health.cool_down":                  {"CIRCUIT_COOL_DOWN"},
	"health.auto_failover":              {"ENABLE_AUTO_FAILOVER"},
	"database.primary_host":             {"DATABASE_HOST"},
	"database.primary_port":             {"DATABASE_PORT"},
	"database.user":                     {"DATABASE_USER"},
	"database.password":                 {"DATABASE_PASSWORD"},
	"database.name":                     {"DATABASE_NAME"},
	"database.ssl_mode":                 {"DATABASE_SSL_MODE"},
	"database.replica_list":             {"DATABASE_REPLICAS"},
	"database.topology_file":            {"DATABASE_TOPOLOGY_FILE"},
	"database.topology_reload_interval": {"DATABASE_TOPOLOGY_RELOAD_INTERVAL"},
	"counter_store.addresses":           {"COUNTER_STORE_ADDRESSES", "REDIS_ADDR"},
	"counter_store.password":            {"COUNTER_STORE_PASSWORD", "REDIS_PASSWORD"},
	"counter_store.prefix":              {"COUNTER_STORE_PREFIX"},
	"alerting.sink":                     {"ALERT_SINK"},
	"alerting.kafka_brokers":            {"ALERT_KAFKA_BROKERS"},
	"alerting.kafka_topic":              {"ALERT_KAFKA_TOPIC"},
	"alerting.rabbitmq_url":             {"ALERT_RABBITMQ_URL"},
	"alerting.rabbitmq_exchange":        {"ALERT_RABBITMQ_EXCHANGE"},
	"opentelemetry.enabled":             {"OTEL_ENABLED"},
	"opentelemetry.endpoint":            {"OTEL_EXPORTER_OTLP_ENDPOINT"},
	"opentelemetry.environment":         {"ENVIRONMENT"},
	"logging.level":                     {"LOG_LEVEL"},
	"logging.format":                    {"LOG_FORMAT"},
	"server.http_port":                  {"HTTP_PORT"},
	"server.grpc_port":                  {"GRPC_PORT"},
}

// Load loads configuration from an optional .env file, an optional config file and the
// environment, then validates it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/dbgate")

	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return unmarshal(v)
}

func bindEnv(v *viper.Viper) error {
	v.AutomaticEnv()
	v.SetEnvPrefix("DBGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, names := range envBindings {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

// Validate validates the configuration using struct tags and custom rules.
func Validate(config *Config) error {
	if err := configValidator.Struct(config); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(config)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 50057)
	v.SetDefault("server.grpc_reflection", false)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.identity_header", "X-User-ID")

	v.SetDefault("rate_limit.per_user_limit", 100)
	v.SetDefault("rate_limit.global_limit", 10000)
	v.SetDefault("rate_limit.window_size_seconds", 60)

	v.SetDefault("counter_store.addresses", []string{"localhost:6379"})
	v.SetDefault("counter_store.db", 0)
	v.SetDefault("counter_store.prefix", "dbgate:")
	v.SetDefault("counter_store.pool_size", 20)
	v.SetDefault("counter_store.dial_timeout", "2s")
	v.SetDefault("counter_store.op_timeout", "100ms")
	v.SetDefault("counter_store.startup_timeout", "2s")

	v.SetDefault("pool.min_connections", 2)
	v.SetDefault("pool.max_connections", 20)
	v.SetDefault("pool.idle_timeout_seconds", 300)
	v.SetDefault("pool.max_borrow_seconds", 60)
	v.SetDefault("pool.reap_interval", "5s")
	v.SetDefault("pool.alert_cooldown", "1m")

	v.SetDefault("health.interval_seconds", 10)
	v.SetDefault("health.timeout_seconds", 2)
	v.SetDefault("health.max_replica_lag_ms", 5000)
	v.SetDefault("health.failure_threshold", 3)
	v.SetDefault("health.cool_down", "30s")
	v.SetDefault("health.auto_failover", true)

	v.SetDefault("database.primary_host", "localhost")
	v.SetDefault("database.primary_port", 5432)
	v.SetDefault("database.name", "postgres")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.connect_timeout", "5s")
	v.SetDefault("database.application_name", "dbgate")
	v.SetDefault("database.topology_reload_interval", "30s")

	v.SetDefault("alerting.sink", "log")
	v.SetDefault("alerting.kafka_topic", "dbgate.alerts")
	v.SetDefault("alerting.rabbitmq_exchange", "dbgate.alerts")
	v.SetDefault("alerting.buffer_size", 256)
	v.SetDefault("alerting.delivery_timeout", "5s")

	v.SetDefault("opentelemetry.enabled", false)
	v.SetDefault("opentelemetry.endpoint", "localhost:4317")
	v.SetDefault("opentelemetry.service_name", "dbgate-service")
	v.SetDefault("opentelemetry.service_version", "1.0.0")
	v.SetDefault("opentelemetry.environment", "development")
	v.SetDefault("opentelemetry.insecure", true)
	v.SetDefault("opentelemetry.sample_ratio", 1.0)
	v.SetDefault("opentelemetry.timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.namespace", "dbgate")
}

func validateCustomRules(config *Config) error {
	if config.Pool.MinConnections > config.Pool.MaxConnections {
		return fmt.Errorf("pool min connections (%d) cannot be greater than max connections (%d)",
			config.Pool.MinConnections, config.Pool.MaxConnections)
	}

	if config.Health.TimeoutSeconds >= config.Health.IntervalSeconds {
		return fmt.Errorf("health check timeout (%ds) must be shorter than the interval (%ds)",
			config.Health.TimeoutSeconds, config.Health.IntervalSeconds)
	}

	if _, err := ParseReplicaList(config.Database.ReplicaList); err != nil {
		return err
	}
	if config.Database.TopologyFile == "" {
		if config.Database.PrimaryHost == "" || config.Database.PrimaryPort == 0 {
			return fmt.Errorf("database primary host and port are required without a topology file")
		}
	}

	switch config.Alerting.Sink {
	case "kafka":
		if len(config.Alerting.KafkaBrokers) == 0 || config.Alerting.KafkaTopic == "" {
			return fmt.Errorf("kafka alert sink needs brokers and a topic")
		}
	case "rabbitmq":
		if config.Alerting.RabbitMQURL == "" || config.Alerting.RabbitMQExchange == "" {
			return fmt.Errorf("rabbitmq alert sink needs a URL and an exchange")
		}
	}

	if config.OpenTelemetry.Environment == "production" {
		if config.OpenTelemetry.Enabled && config.OpenTelemetry.Insecure {
			return fmt.Errorf("insecure OpenTelemetry not allowed in production")
		}
		if !config.CounterStore.TLSEnabled {
			return fmt.Errorf("TLS must be enabled for the counter store in production")
		}
	}
	return nil
}

// ParseReplicaList parses "[name=]host:port[:weight]" entries separated by commas.
func ParseReplicaList(s string) ([]ReplicaConfig, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var out []ReplicaConfig
	for _, raw := range strings.Split(s, ",") {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}

		var rc ReplicaConfig
		if name, rest, ok := strings.Cut(entry, "="); ok {
			rc.Name = strings.TrimSpace(name)
			entry = rest
		}

		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("replica %q: want [name=]host:port[:weight]", raw)
		}
		rc.Host = parts[0]
		port, err := strconv.Atoi(parts[1])
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("replica %q: invalid port", raw)
		}
		rc.Port = port
		if len(parts) == 3 {
			w, err := strconv.ParseFloat(parts[2], 64)
			if err != nil || w < 0 {
				return nil, fmt.Errorf("replica %q: invalid weight", raw)
			}
			rc.Weight = &w
		}
		if rc.Host == "" {
			return nil, fmt.Errorf("replica %q: host is required", raw)
		}
		out = append(out, rc)
	}
	return out, nil
}

// Topology resolves the database layout. A topology file wins over the primary
// settings, the replicas list and DATABASE_REPLICAS.
func (c *Config) Topology() (*topology.File, error) {
	if c.Database.TopologyFile != "" {
		return topology.Load(c.Database.TopologyFile)
	}

	fromEnv, err := ParseReplicaList(c.Database.ReplicaList)
	if err != nil {
		return nil, err
	}

	f := &topology.File{
		Primary: topology.Endpoint{Host: c.Database.PrimaryHost, Port: c.Database.PrimaryPort},
	}
	for _, r := range append(append([]ReplicaConfig(nil), c.Database.Replicas...), fromEnv...) {
		f.Replicas = append(f.Replicas, topology.Replica{Name: r.Name, Host: r.Host, Port: r.Port, Weight: r.Weight})
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var messages []string
		for _, fieldError := range validationErrors {
			message := fmt.Sprintf("field '%s' failed validation: %s (value: %v)",
				fieldError.Field(), fieldError.Tag(), fieldError.Value())
			messages = append(messages, message)
		}
		return fmt.Errorf("validation errors: %s", strings.Join(messages, "; "))
	}
	return err
}
