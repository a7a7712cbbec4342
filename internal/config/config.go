package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. ATE_SERVER_PORT.
const EnvPrefix = "ATE"

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Redis       RedisConfig       `mapstructure:"redis"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Attestation AttestationConfig `mapstructure:"attestation"`
	Catalog     CatalogConfig     `mapstructure:"catalog"`
	Audit       AuditConfig       `mapstructure:"audit"`
	TLS         TLSPoliciesConfig `mapstructure:"tls"`
	Simulator   SimulatorConfig   `mapstructure:"simulator"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	TLS          TLSConfig     `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

type LoggingConfig struct {
	Level        string `mapstructure:"level"`
	Format       string `mapstructure:"format"`
	Output       string `mapstructure:"output"`
	FileRotation bool   `mapstructure:"file_rotation"`
	MaxSize      int    `mapstructure:"max_size"`
	MaxBackups   int    `mapstructure:"max_backups"`
	MaxAge       int    `mapstructure:"max_age"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

type RedisConfig struct {
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Cluster  ClusterConfig `mapstructure:"cluster"`
}

type ClusterConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Addresses []string `mapstructure:"addresses"`
}

// Addresses returns the cluster addresses when enabled, else the single address.
func (r RedisConfig) Addresses() []string {
	if r.Cluster.Enabled && len(r.Cluster.Addresses) > 0 {
		return r.Cluster.Addresses
	}
	return []string{r.Address}
}

type NATSConfig struct {
	URL        string        `mapstructure:"url"`
	StreamName string        `mapstructure:"stream_name"`
	Subject    string        `mapstructure:"subject"`
	MaxAge     time.Duration `mapstructure:"max_age"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type AttestationConfig struct {
	// CacheTTL is how long a trust decision is served without re-evaluation.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	// CacheBackend is memory, redis or tiered.
	CacheBackend string `mapstructure:"cache_backend"`
	AutoRemap    bool   `mapstructure:"auto_remap"`
	VerifyMLE    bool   `mapstructure:"verify_mle"`
	// AgentTimeout bounds a whole trust agent request.
	AgentTimeout time.Duration `mapstructure:"agent_timeout"`
	// ConnectTimeout bounds the TCP connect and TLS handshake to an agent.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	AssetTagCAFile string        `mapstructure:"asset_tag_ca_file"`
	VerdictPolicy  string        `mapstructure:"verdict_policy"`
}

type CatalogConfig struct {
	// Backend is memory, redis or sql.
	Backend string   `mapstructure:"backend"`
	Prefix  string   `mapstructure:"prefix"`
	Files   []string `mapstructure:"files"`
}

type AuditConfig struct {
	// Sinks lists log, nats and kafka.
	Sinks  []string `mapstructure:"sinks"`
	Source string   `mapstructure:"source"`
}

// TLSPoliciesConfig lists the per-agent TLS policies registered at startup.
type TLSPoliciesConfig struct {
	Policies []TLSPolicyConfig `mapstructure:"policies"`
}

type TLSPolicyConfig struct {
	Address string `mapstructure:"address"`
	// Type is certificate-digest, certificate-authority, spiffe or insecure.
	Type        string   `mapstructure:"type"`
	Digests     []string `mapstructure:"digests"`
	CAFile      string   `mapstructure:"ca_file"`
	TrustDomain string   `mapstructure:"trust_domain"`
	SPIFFEID    string   `mapstructure:"spiffe_id"`
}

type SimulatorConfig struct {
	Address  string `mapstructure:"address"`
	File     string `mapstructure:"file"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// Load loads configuration from file. An empty path loads defaults and
// environment overrides only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Attestation.CacheTTL <= 0 {
		return fmt.Errorf("cache ttl must be positive")
	}

	if c.Attestation.AgentTimeout <= 0 {
		return fmt.Errorf("agent timeout must be positive")
	}

	switch c.Attestation.CacheBackend {
	case "memory", "redis", "tiered":
	default:
		return fmt.Errorf("unknown cache backend: %q", c.Attestation.CacheBackend)
	}

	switch c.Catalog.Backend {
	case "memory", "redis":
	case "sql":
		if c.Database.DSN == "" {
			return fmt.Errorf("database dsn is required for the sql catalog")
		}
	default:
		return fmt.Errorf("unknown catalog backend: %q", c.Catalog.Backend)
	}

	for _, s := range c.Audit.Sinks {
		switch s {
		case "log", "nats", "kafka":
		default:
			return fmt.Errorf("unknown audit sink: %q", s)
		}
		if s == "kafka" && len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required for the kafka audit sink")
		}
	}

	seen := make(map[string]bool)
	for _, p := range c.TLS.Policies {
		if p.Address == "" {
			return fmt.Errorf("tls policy without address")
		}
		if seen[p.Address] {
			return fmt.Errorf("duplicate tls policy for %s", p.Address)
		}
		seen[p.Address] = true
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")

	// Attestation defaults
	v.SetDefault("attestation.cache_ttl", "1h")
	v.SetDefault("attestation.cache_backend", "memory")
	v.SetDefault("attestation.auto_remap", true)
	v.SetDefault("attestation.verify_mle", false)
	v.SetDefault("attestation.agent_timeout", "30s")
	v.SetDefault("attestation.connect_timeout", "10s")

	// Catalog defaults
	v.SetDefault("catalog.backend", "memory")
	v.SetDefault("catalog.prefix", "trust")

	// Audit defaults
	v.SetDefault("audit.sinks", []string{"log"})
	v.SetDefault("audit.source", "attestation-trust-engine")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 28)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "attestation-trust-engine")
	v.SetDefault("tracing.sample_rate", 0.1)

	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.stream_name", "TRUST_AUDIT")
	v.SetDefault("nats.subject", "trust.audit")
	v.SetDefault("nats.max_age", "720h")

	// Kafka defaults
	v.SetDefault("kafka.topic", "trust-audit")

	// Simulator defaults
	v.SetDefault("simulator.address", ":9443")
}
