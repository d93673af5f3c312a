package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Store         StoreConfig
	Scylla        ScyllaConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Lockout       LockoutConfig
	Bucketing     BucketingConfig
	Token         TokenConfig
	Biometric     BiometricConfig
	Audit         AuditConfig
}

type ServerConfig struct {
	Port           int
	TLSPort        int
	EnableTLS      bool
	RequireTLS     bool
	AutoCert       bool
	Domain         string
	CertFile       string
	KeyFile        string
	AutoCertDir    string
	Email          string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// StoreConfig selects the credential store backend: "scylla" or "memory".
type StoreConfig struct {
	Driver string
	// SeedSubjects registers "type:id" subjects as active in the memory driver.
	SeedSubjects []string
}

type ScyllaConfig struct {
	Nodes             []string
	Keyspace          string
	Username          string
	Password          string
	AutoMigrate       bool
	ReplicationFactor int
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Enabled    bool
	Brokers    []string
	AuditTopic string
}

type ElasticsearchConfig struct {
	Enabled    bool
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type ClickhouseConfig struct {
	Enabled       bool
	URL           string
	Username      string
	Password      string
	Database      string
	BatchSize     int
	FlushInterval time.Duration
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
	// WrappedIndexKey is the base64 lookup-index key, encrypted by KMS when Enabled.
	WrappedIndexKey string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
	// Peppers is an ordered list of "version:value" entries; the highest version is current.
	Peppers []string
}

type LockoutConfig struct {
	Policy    string
	Threshold int
	Window    time.Duration
}

type BucketingConfig struct {
	CredentialBuckets int
	EventBuckets      int
}

type TokenConfig struct {
	Issuer            string
	PrivateKeyPath    string
	PublicKeyPath     string
	PatientAccessTTL  time.Duration
	PatientRefreshTTL time.Duration
	StaffAccessTTL    time.Duration
	StaffRefreshTTL   time.Duration
	DefaultAccessTTL  time.Duration
	DefaultRefreshTTL time.Duration
}

type BiometricConfig struct {
	ChallengeTTL time.Duration
}

type AuditConfig struct {
	LogEvents bool
}

var (
	current *Config
	mu      sync.RWMutex
)

// LoadConfig reads the environment (and an optional .env file) into a Config.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:           getEnvInt("SERVER_PORT", 8080),
			TLSPort:        getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:      getEnvBool("SERVER_ENABLE_TLS", false),
			RequireTLS:     getEnvBool("SERVER_REQUIRE_TLS", false),
			AutoCert:       getEnvBool("SERVER_AUTO_CERT", false),
			Domain:         getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:       getEnv("SERVER_CERT_FILE", ""),
			KeyFile:        getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:    getEnv("SERVER_AUTO_CERT_DIR", "./certs"),
			Email:          getEnv("SERVER_ACME_EMAIL", ""),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			AllowedOrigins: getEnvList("SERVER_ALLOWED_ORIGINS", nil),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Store: StoreConfig{
			Driver:       getEnv("STORE_DRIVER", "scylla"),
			SeedSubjects: getEnvList("STORE_SEED_SUBJECTS", nil),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvList("SCYLLA_NODES", []string{"127.0.0.1:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "clinical_auth"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),

			AutoMigrate:       getEnvBool("SCYLLA_AUTO_MIGRATE", false),
			ReplicationFactor: getEnvInt("SCYLLA_REPLICATION_FACTOR", 3),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 20),
		},
		Kafka: KafkaConfig{
			Enabled:    getEnvBool("KAFKA_ENABLED", false),
			Brokers:    getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			AuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "auth.security-events"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:    getEnvBool("ELASTICSEARCH_ENABLED", false),
			URL:        getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:   getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
			AuditIndex: getEnv("ELASTICSEARCH_AUDIT_INDEX", "auth-audit"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:       getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:           getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username:      getEnv("CLICKHOUSE_USERNAME", "default"),
			Password:      getEnv("CLICKHOUSE_PASSWORD", ""),
			Database:      getEnv("CLICKHOUSE_DATABASE", "auth_analytics"),
			BatchSize:     getEnvInt("CLICKHOUSE_BATCH_SIZE", 500),
			FlushInterval: getEnvDuration("CLICKHOUSE_FLUSH_INTERVAL", 5*time.Second),
		},
		KMS: KMSConfig{
			Enabled:         getEnvBool("KMS_ENABLED", false),
			KeyID:           getEnv("KMS_KEY_ID", ""),
			Region:          getEnv("KMS_REGION", "us-east-1"),
			WrappedIndexKey: getEnv("PIN_INDEX_KEY", ""),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_COST", 64*1024),
			Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 1),
			Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 4),
			Peppers:           getEnvList("HASH_PEPPERS", nil),
		},
		Lockout: LockoutConfig{
			Policy:    getEnv("LOCKOUT_POLICY", "enforcing"),
			Threshold: getEnvInt("LOCKOUT_THRESHOLD", 5),
			Window:    getEnvDuration("LOCKOUT_WINDOW", 15*time.Minute),
		},
		Bucketing: BucketingConfig{
			CredentialBuckets: getEnvInt("CREDENTIAL_BUCKETS", 16),
			EventBuckets:      getEnvInt("EVENT_BUCKETS", 64),
		},
		Token: TokenConfig{
			Issuer:            getEnv("JWT_ISSUER", "clinical-auth"),
			PrivateKeyPath:    getEnv("JWT_PRIVATE_KEY_PATH", ""),
			PublicKeyPath:     getEnv("JWT_PUBLIC_KEY_PATH", ""),
			PatientAccessTTL:  getEnvDuration("TOKEN_PATIENT_ACCESS_TTL", 24*time.Hour),
			PatientRefreshTTL: getEnvDuration("TOKEN_PATIENT_REFRESH_TTL", 30*24*time.Hour),
			StaffAccessTTL:    getEnvDuration("TOKEN_STAFF_ACCESS_TTL", 15*time.Minute),
			StaffRefreshTTL:   getEnvDuration("TOKEN_STAFF_REFRESH_TTL", 8*time.Hour),
			DefaultAccessTTL:  getEnvDuration("TOKEN_DEFAULT_ACCESS_TTL", 15*time.Minute),
			DefaultRefreshTTL: getEnvDuration("TOKEN_DEFAULT_REFRESH_TTL", time.Hour),
		},
		Biometric: BiometricConfig{
			ChallengeTTL: getEnvDuration("BIOMETRIC_CHALLENGE_TTL", 2*time.Minute),
		},
		Audit: AuditConfig{
			LogEvents: getEnvBool("AUDIT_LOG_EVENTS", true),
		},
	}

	mu.Lock()
	current = cfg
	mu.Unlock()

	return cfg
}

// Get returns the most recently loaded config, loading it on first use.
func Get() *Config {
	mu.RLock()
	cfg := current
	mu.RUnlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

// Validate checks settings that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	var problems []string

	switch c.Store.Driver {
	case "scylla", "memory":
	default:
		problems = append(problems, fmt.Sprintf("unknown store driver %q", c.Store.Driver))
	}
	switch c.Lockout.Policy {
	case "enforcing", "noop":
	default:
		problems = append(problems, fmt.Sprintf("unknown lockout policy %q", c.Lockout.Policy))
	}
	if c.Lockout.Policy == "enforcing" {
		if c.Lockout.Threshold <= 0 {
			problems = append(problems, "lockout threshold must be positive")
		}
		if c.Lockout.Window <= 0 {
			problems = append(problems, "lockout window must be positive")
		}
	}
	if c.Server.RequireTLS && !c.Server.EnableTLS {
		problems = append(problems, "SERVER_REQUIRE_TLS needs SERVER_ENABLE_TLS")
	}
	if c.Bucketing.CredentialBuckets <= 0 || c.Bucketing.EventBuckets <= 0 {
		problems = append(problems, "bucket counts must be positive")
	}
	if c.IsProduction() {
		if c.KMS.WrappedIndexKey == "" {
			problems = append(problems, "PIN_INDEX_KEY is required in production")
		}
		if len(c.Hashing.Peppers) == 0 {
			problems = append(problems, "HASH_PEPPERS is required in production")
		}
		if c.Token.PrivateKeyPath == "" {
			problems = append(problems, "JWT_PRIVATE_KEY_PATH is required in production")
		}
		if c.Store.Driver == "memory" {
			problems = append(problems, "memory store is not allowed in production")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
