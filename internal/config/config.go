package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted by shard.backend.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendRemote   = "remote"
)

// ServerConfig holds gRPC server configuration
type ServerConfig struct {
	NodeID               string        `yaml:"node_id"`
	Host                 string        `yaml:"host"`
	Port                 int           `yaml:"port"`
	AdvertiseAddr        string        `yaml:"advertise_addr"`
	MaxConcurrentStreams int           `yaml:"max_concurrent_streams"`
	MaxRecvMsgSize       int           `yaml:"max_recv_msg_size"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
}

// ShardConfig describes the shards this node stores itself
type ShardConfig struct {
	// Backend is one of memory, redis, postgres or remote. A remote node
	// stores nothing and routes to cluster.shards instead.
	Backend string `yaml:"backend"`
	// LocalShards is the number of backend instances behind this node.
	LocalShards     int `yaml:"local_shards"`
	InitialCapacity int `yaml:"initial_capacity"`
	// Index is this node's position in the cluster, advertised over gossip.
	Index int `yaml:"index"`
}

// ClusterConfig holds routing configuration
type ClusterConfig struct {
	// Shards lists remote shard addresses in partition order.
	Shards []string `yaml:"shards"`
	// ExpectedShards is the shard count to discover over gossip when Shards
	// is empty.
	ExpectedShards int `yaml:"expected_shards"`
	MaxConcurrency int `yaml:"max_concurrency"`
	// DiscoveryTimeout bounds the wait for ExpectedShards peers.
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
}

// RPCConfig holds remote shard client configuration
type RPCConfig struct {
	BatchSize   int           `yaml:"batch_size"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxInFlight int           `yaml:"max_in_flight"`
}

// RedisConfig holds Redis backend configuration
type RedisConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
	ScanBatch int    `yaml:"scan_batch"`
}

// PostgresConfig holds PostgreSQL backend configuration
type PostgresConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Database  string `yaml:"database"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	MaxConns  int    `yaml:"max_conns"`
	MinConns  int    `yaml:"min_conns"`
	Table     string `yaml:"table"`
	ScanBatch int    `yaml:"scan_batch"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// RateLimitConfig holds server side rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for a shard node
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Shard     ShardConfig     `yaml:"shard"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	RPC       RPCConfig       `yaml:"rpc"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Gossip    GossipConfig    `yaml:"gossip"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoadConfig loads configuration from a file. An empty path yields the
// defaults. Environment overrides are applied before validation.
func LoadConfig(filePath string) (*Config, error) {
	var cfg Config
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides copies SCALEDB_* variables over file values.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("SCALEDB_NODE_ID"); ok {
		cfg.Server.NodeID = v
	}
	if v, ok := lookup("SCALEDB_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SCALEDB_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v, ok := lookup("SCALEDB_BACKEND"); ok {
		cfg.Shard.Backend = v
	}
	if v, ok := lookup("SCALEDB_SHARD_INDEX"); ok {
		idx, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SCALEDB_SHARD_INDEX: %w", err)
		}
		cfg.Shard.Index = idx
	}
	if v, ok := lookup("SCALEDB_SHARDS"); ok {
		cfg.Cluster.Shards = splitList(v)
	}
	if v, ok := lookup("SCALEDB_SEED_NODES"); ok {
		cfg.Gossip.SeedNodes = splitList(v)
	}
	if v, ok := lookup("SCALEDB_REDIS_HOST"); ok {
		cfg.Redis.Host = v
	}
	if v, ok := lookup("SCALEDB_REDIS_PASSWORD"); ok {
		cfg.Redis.Password = v
	}
	if v, ok := lookup("SCALEDB_POSTGRES_HOST"); ok {
		cfg.Postgres.Host = v
	}
	if v, ok := lookup("SCALEDB_POSTGRES_PASSWORD"); ok {
		cfg.Postgres.Password = v
	}
	if v, ok := lookup("SCALEDB_LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Server.NodeID = host
		}
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 50061
	}
	if cfg.Server.MaxConcurrentStreams == 0 {
		cfg.Server.MaxConcurrentStreams = 1000
	}
	if cfg.Server.MaxRecvMsgSize == 0 {
		cfg.Server.MaxRecvMsgSize = 64 << 20 // 64MB
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Server.AdvertiseAddr == "" {
		host := cfg.Server.Host
		if host == "0.0.0.0" || host == "" {
			if h, err := os.Hostname(); err == nil {
				host = h
			}
		}
		cfg.Server.AdvertiseAddr = fmt.Sprintf("%s:%d", host, cfg.Server.Port)
	}

	if cfg.Shard.Backend == "" {
		if len(cfg.Cluster.Shards) > 0 || cfg.Cluster.ExpectedShards > 0 {
			cfg.Shard.Backend = BackendRemote
		} else {
			cfg.Shard.Backend = BackendMemory
		}
	}
	if cfg.Shard.LocalShards == 0 {
		cfg.Shard.LocalShards = 1
	}
	if cfg.Shard.InitialCapacity == 0 {
		cfg.Shard.InitialCapacity = 1024
	}

	if cfg.Cluster.DiscoveryTimeout == 0 {
		cfg.Cluster.DiscoveryTimeout = time.Minute
	}

	if cfg.RPC.BatchSize == 0 {
		cfg.RPC.BatchSize = 100
	}
	if cfg.RPC.Timeout == 0 {
		cfg.RPC.Timeout = 30 * time.Second
	}
	if cfg.RPC.MaxInFlight == 0 {
		cfg.RPC.MaxInFlight = 4
	}

	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.Namespace == "" {
		cfg.Redis.Namespace = "scaledb"
	}

	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = "localhost"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.Database == "" {
		cfg.Postgres.Database = "scaledb"
	}
	if cfg.Postgres.User == "" {
		cfg.Postgres.User = "scaledb"
	}
	if cfg.Postgres.MaxConns == 0 {
		cfg.Postgres.MaxConns = 10
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9091
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 1000
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	switch c.Shard.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	case BackendRemote:
		if len(c.Cluster.Shards) == 0 && (!c.Gossip.Enabled || c.Cluster.ExpectedShards < 1) {
			return fmt.Errorf("the remote backend needs cluster.shards or gossip with cluster.expected_shards")
		}
	default:
		return fmt.Errorf("shard.backend %q is not one of memory, redis, postgres, remote", c.Shard.Backend)
	}
	if c.Shard.LocalShards < 1 {
		return fmt.Errorf("shard.local_shards must be at least 1")
	}
	if c.Shard.Index < 0 {
		return fmt.Errorf("shard.index must not be negative")
	}
	for i, addr := range c.Cluster.Shards {
		if addr == "" {
			return fmt.Errorf("cluster.shards[%d] is empty", i)
		}
	}
	if c.Cluster.ExpectedShards < 0 {
		return fmt.Errorf("cluster.expected_shards must not be negative")
	}
	if c.Cluster.MaxConcurrency < 0 {
		return fmt.Errorf("cluster.max_concurrency must not be negative")
	}

	if c.RPC.BatchSize < 1 {
		return fmt.Errorf("rpc.batch_size must be at least 1")
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive when enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Port == c.Server.Port {
		return fmt.Errorf("metrics.port must differ from server.port")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	return nil
}

// RedisAddr returns host:port of the Redis server.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// ListenAddr returns host:port the gRPC server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
