// Package config loads and validates the service configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the TFSB_ prefix (e.g., TFSB_REDIS_ADDR
// overrides redis.addr in the YAML). This layering allows the same binary to
// run with a config.yaml in local development and with pure environment
// variables in containerized deployments — no recompilation or different
// binaries needed.
//
// The ENCRYPTION_MASTER_KEY variable has no TFSB_ prefix because it may be
// injected by infrastructure tooling (e.g., Kubernetes secrets, Vault agent)
// that does not know the application-specific prefix and treats it as a
// generic secret name.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Storage    StorageConfig    `mapstructure:"storage"`
	State      StateConfig      `mapstructure:"state"`
	Locking    LockingConfig    `mapstructure:"locking"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Security   SecurityConfig   `mapstructure:"security"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Audit      AuditConfig      `mapstructure:"audit"`

	// viper retains the loaded instance so Watch can observe file changes.
	viper *viper.Viper `mapstructure:"-"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds coordination store connection configuration. Locking
// correctness depends on this being a single linearizable keyspace, so the
// address points at one Redis instance (or a cluster endpoint that behaves
// like one for the lock key prefix).
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StorageConfig holds object storage provider configuration
type StorageConfig struct {
	// DefaultProvider selects the object store implementation: local, s3,
	// gcs, or azure.
	DefaultProvider string `mapstructure:"default_provider"`
	// BucketPrefix is the leading segment of every computed bucket name
	// ({prefix}-{environment}-{backend_id} and {prefix}-backups). It must be
	// valid as a bucket name prefix on every provider in use.
	BucketPrefix string             `mapstructure:"bucket_prefix"`
	Azure        AzureStorageConfig `mapstructure:"azure"`
	S3           S3StorageConfig    `mapstructure:"s3"`
	GCS          GCSStorageConfig   `mapstructure:"gcs"`
	Local        LocalStorageConfig `mapstructure:"local"`
}

// AzureStorageConfig holds Azure Blob Storage configuration
type AzureStorageConfig struct {
	AccountName string `mapstructure:"account_name"`
	AccountKey  string `mapstructure:"account_key"`
	// Endpoint overrides the service URL (for Azurite or sovereign clouds).
	Endpoint string `mapstructure:"endpoint"`
}

// S3StorageConfig holds S3-compatible storage configuration
type S3StorageConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO, DigitalOcean Spaces, etc.)
	Endpoint string `mapstructure:"endpoint"`
	// Region is the AWS region buckets are created in
	Region string `mapstructure:"region"`

	// Authentication method: "default", "static", "oidc", "assume_role"
	// - "default": Use AWS default credential chain (env vars, shared config, IAM role, etc.)
	// - "static": Use explicit access key and secret key
	// - "oidc": Use Web Identity/OIDC token for authentication (EKS, GitHub Actions, etc.)
	// - "assume_role": Assume an IAM role (optionally with external ID for cross-account)
	AuthMethod string `mapstructure:"auth_method"`

	// Static credentials (when auth_method is "static" or empty for backwards compatibility)
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// AssumeRole configuration (when auth_method is "assume_role" or "oidc")
	RoleARN         string `mapstructure:"role_arn"`
	RoleSessionName string `mapstructure:"role_session_name"`
	ExternalID      string `mapstructure:"external_id"`

	// OIDC/Web Identity configuration (when auth_method is "oidc")
	// WebIdentityTokenFile is the path to the OIDC token file (e.g., from EKS or GitHub Actions)
	WebIdentityTokenFile string `mapstructure:"web_identity_token_file"`

	// SSEAlgorithm asks new buckets for server-side encryption with this
	// algorithm (e.g. "AES256"); empty disables the request.
	SSEAlgorithm string `mapstructure:"sse_algorithm"`
}

// GCSStorageConfig holds Google Cloud Storage configuration
type GCSStorageConfig struct {
	// ProjectID is the Google Cloud project buckets are created under
	ProjectID string `mapstructure:"project_id"`

	// Authentication method: "default", "service_account"
	// - "default": Use Application Default Credentials (ADC) - recommended for GCP-native deployments
	// - "service_account": Use a service account key file or inline JSON
	AuthMethod string `mapstructure:"auth_method"`

	// CredentialsFile is the path to a service account JSON key file
	// (when auth_method is "service_account")
	CredentialsFile string `mapstructure:"credentials_file"`

	// CredentialsJSON is the service account JSON key as a string
	// (alternative to credentials_file, useful for environment variables)
	CredentialsJSON string `mapstructure:"credentials_json"`

	// Endpoint is an optional custom endpoint (for GCS emulators or compatible services)
	Endpoint string `mapstructure:"endpoint"`
}

// LocalStorageConfig holds local filesystem storage configuration
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// StateConfig holds defaults applied to state operations when the backend
// record does not override them.
type StateConfig struct {
	// DefaultEnvironment is used when a request carries no environment.
	DefaultEnvironment string `mapstructure:"default_environment"`
	// DefaultVersionRetention is the keep-count applied by the retention
	// sweep for backends without their own retention setting; 0 keeps
	// everything.
	DefaultVersionRetention int `mapstructure:"default_version_retention"`
	// MinTerraformVersion, when set, rejects writes from older terraform
	// versions. A backend registration's min_terraform_version replaces this
	// floor for that backend, in either direction.
	MinTerraformVersion string `mapstructure:"min_terraform_version"`
}

// LockingConfig holds lock coordinator configuration
type LockingConfig struct {
	// KeyPrefix namespaces lock keys in the coordination store.
	KeyPrefix string `mapstructure:"key_prefix"`
	// DefaultTimeoutSeconds is the lock TTL applied when the caller does not
	// ask for one.
	DefaultTimeoutSeconds int `mapstructure:"default_timeout_seconds"`
	// MaxTimeoutSeconds caps caller-requested TTLs.
	MaxTimeoutSeconds int `mapstructure:"max_timeout_seconds"`
}

// EncryptionConfig holds state-at-rest encryption configuration. Either a
// 32-byte hex master key or a passphrase (PBKDF2-derived) must be provided
// when enabled.
type EncryptionConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// MasterKey is the hex-encoded 32-byte AES key. Falls back to the
	// ENCRYPTION_MASTER_KEY environment variable when empty.
	MasterKey string `mapstructure:"master_key"`
	// Passphrase derives the key via PBKDF2 when MasterKey is unset.
	Passphrase string `mapstructure:"passphrase"`
	// Salt is the hex-encoded PBKDF2 salt for the passphrase flow.
	Salt string `mapstructure:"salt"`
	// Iterations is the PBKDF2 iteration count (default 600000).
	Iterations int `mapstructure:"iterations"`
}

// RetentionConfig holds the background version-retention sweep configuration
type RetentionConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// IntervalMinutes determines how often the sweep runs (default 60).
	IntervalMinutes int `mapstructure:"interval_minutes"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS CORSConfig `mapstructure:"cors"`
	TLS  TLSConfig  `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled     bool            `mapstructure:"enabled"`
	ServiceName string          `mapstructure:"service_name"`
	Metrics     MetricsConfig   `mapstructure:"metrics"`
	Profiling   ProfilingConfig `mapstructure:"profiling"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// ProfilingConfig holds profiling configuration
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	// Enabled determines if audit event shipping is active
	Enabled bool `mapstructure:"enabled"`
	// LogReadOperations determines if state reads are audited too
	LogReadOperations bool `mapstructure:"log_read_operations"`
	// Shippers configures external audit event shipping
	Shippers []AuditShipperConfig `mapstructure:"shippers"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	// Enabled determines if this shipper is active
	Enabled bool `mapstructure:"enabled"`
	// Type is the shipper type (syslog, webhook, file)
	Type string `mapstructure:"type"`
	// Syslog configuration
	Syslog *AuditSyslogConfig `mapstructure:"syslog"`
	// Webhook configuration
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	// File configuration
	File *AuditFileConfig `mapstructure:"file"`
}

// AuditSyslogConfig holds syslog shipper configuration
type AuditSyslogConfig struct {
	Network  string `mapstructure:"network"`  // udp, tcp, unix
	Address  string `mapstructure:"address"`  // server address
	Tag      string `mapstructure:"tag"`      // syslog tag
	Facility string `mapstructure:"facility"` // syslog facility
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	TimeoutSecs   int               `mapstructure:"timeout_secs"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval int               `mapstructure:"flush_interval_secs"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
// viper.BindEnv only errors when called with zero keys; since every key here is a non-empty
// hardcoded string, any error indicates a programming bug and is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Redis
		"redis.addr",
		"redis.password",
		"redis.db",
		"redis.pool_size",
		"redis.dial_timeout",
		"redis.read_timeout",
		"redis.write_timeout",

		// Storage
		"storage.default_provider",
		"storage.bucket_prefix",
		"storage.azure.account_name",
		"storage.azure.account_key",
		"storage.azure.endpoint",
		"storage.s3.endpoint",
		"storage.s3.region",
		"storage.s3.auth_method",
		"storage.s3.access_key_id",
		"storage.s3.secret_access_key",
		"storage.s3.role_arn",
		"storage.s3.role_session_name",
		"storage.s3.external_id",
		"storage.s3.web_identity_token_file",
		"storage.s3.sse_algorithm",
		"storage.gcs.project_id",
		"storage.gcs.auth_method",
		"storage.gcs.credentials_file",
		"storage.gcs.credentials_json",
		"storage.gcs.endpoint",
		"storage.local.base_path",

		// State defaults
		"state.default_environment",
		"state.default_version_retention",
		"state.min_terraform_version",

		// Locking
		"locking.key_prefix",
		"locking.default_timeout_seconds",
		"locking.max_timeout_seconds",

		// Encryption
		"encryption.enabled",
		"encryption.master_key",
		"encryption.passphrase",
		"encryption.salt",
		"encryption.iterations",

		// Retention sweep
		"retention.enabled",
		"retention.interval_minutes",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",
		"logging.output",

		// Telemetry
		"telemetry.enabled",
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
		"telemetry.profiling.enabled",
		"telemetry.profiling.port",

		// Audit
		"audit.enabled",
		"audit.log_read_operations",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Set config file path if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config.yaml in common locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tfstate-backend")
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	// Enable environment variable support
	v.SetEnvPrefix("TFSB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind environment variables for nested structures
	// This is necessary because AutomaticEnv() doesn't work well with Unmarshal()
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	// Unmarshal configuration
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Storage.Azure.AccountKey = expandEnv(cfg.Storage.Azure.AccountKey)
	cfg.Storage.S3.AccessKeyID = expandEnv(cfg.Storage.S3.AccessKeyID)
	cfg.Storage.S3.SecretAccessKey = expandEnv(cfg.Storage.S3.SecretAccessKey)
	cfg.Encryption.MasterKey = expandEnv(cfg.Encryption.MasterKey)
	cfg.Encryption.Passphrase = expandEnv(cfg.Encryption.Passphrase)

	// The master key may arrive through the unprefixed secret variable.
	if cfg.Encryption.MasterKey == "" {
		cfg.Encryption.MasterKey = os.Getenv("ENCRYPTION_MASTER_KEY")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.viper = v
	return &cfg, nil
}

// Watch re-reads the config file whenever it changes and invokes onChange
// with the freshly parsed (and validated) configuration. Invalid edits are
// logged by the caller and ignored; the running config keeps its last good
// values. Only called for configs loaded from a file.
func (c *Config) Watch(onChange func(*Config, fsnotify.Event)) {
	if c.viper == nil || c.viper.ConfigFileUsed() == "" {
		return
	}
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		var next Config
		if err := c.viper.Unmarshal(&next); err != nil {
			return
		}
		if err := next.Validate(); err != nil {
			return
		}
		next.viper = c.viper
		onChange(&next, e)
	})
	c.viper.WatchConfig()
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "tfstate_backend")
	v.SetDefault("database.user", "tfstate")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	// Storage defaults
	v.SetDefault("storage.default_provider", "local")
	v.SetDefault("storage.bucket_prefix", "terraform-state")
	v.SetDefault("storage.local.base_path", "./state-storage")
	v.SetDefault("storage.s3.auth_method", "default")
	v.SetDefault("storage.gcs.auth_method", "default")

	// State defaults
	v.SetDefault("state.default_environment", "dev")
	v.SetDefault("state.default_version_retention", 0)

	// Locking defaults
	v.SetDefault("locking.key_prefix", "tfstate:lock")
	v.SetDefault("locking.default_timeout_seconds", 300)
	v.SetDefault("locking.max_timeout_seconds", 3600)

	// Encryption defaults
	v.SetDefault("encryption.enabled", false)
	v.SetDefault("encryption.iterations", 600000)

	// Retention defaults
	v.SetDefault("retention.enabled", false)
	v.SetDefault("retention.interval_minutes", 60)

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"})
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "tfstate-backend")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
	v.SetDefault("telemetry.profiling.enabled", false)
	v.SetDefault("telemetry.profiling.port", 6060)

	// Audit defaults
	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.log_read_operations", false)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// isBucketPrefix reports whether s is usable as the leading segment of a
// bucket name on all supported providers: lowercase letters, digits, and
// single dashes, starting and ending alphanumeric.
func isBucketPrefix(s string) bool {
	if s == "" || len(s) > 32 {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '-':
			if i == 0 || i == len(s)-1 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	// Validate database
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	// Validate redis
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}

	// Validate storage provider
	validProviders := map[string]bool{"azure": true, "s3": true, "gcs": true, "local": true}
	if !validProviders[c.Storage.DefaultProvider] {
		return fmt.Errorf("invalid storage provider: %s (must be azure, s3, gcs, or local)", c.Storage.DefaultProvider)
	}
	if !isBucketPrefix(c.Storage.BucketPrefix) {
		return fmt.Errorf("invalid storage.bucket_prefix %q (lowercase letters, digits, and inner dashes only)", c.Storage.BucketPrefix)
	}

	// Validate Azure storage if enabled
	if c.Storage.DefaultProvider == "azure" {
		if c.Storage.Azure.AccountName == "" {
			return fmt.Errorf("storage.azure.account_name is required when using the Azure provider")
		}
		if c.Storage.Azure.AccountKey == "" {
			return fmt.Errorf("storage.azure.account_key is required when using the Azure provider")
		}
	}

	// Validate S3 storage if enabled
	if c.Storage.DefaultProvider == "s3" {
		if c.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when using the S3 provider")
		}
	}

	// Validate GCS storage if enabled
	if c.Storage.DefaultProvider == "gcs" {
		if c.Storage.GCS.ProjectID == "" {
			return fmt.Errorf("storage.gcs.project_id is required when using the GCS provider")
		}
	}

	// Validate local storage if enabled
	if c.Storage.DefaultProvider == "local" {
		if c.Storage.Local.BasePath == "" {
			return fmt.Errorf("storage.local.base_path is required when using the local provider")
		}
	}

	// Validate locking
	if c.Locking.DefaultTimeoutSeconds < 1 {
		return fmt.Errorf("locking.default_timeout_seconds must be positive, got %d", c.Locking.DefaultTimeoutSeconds)
	}
	if c.Locking.MaxTimeoutSeconds < c.Locking.DefaultTimeoutSeconds {
		return fmt.Errorf("locking.max_timeout_seconds (%d) must be >= locking.default_timeout_seconds (%d)",
			c.Locking.MaxTimeoutSeconds, c.Locking.DefaultTimeoutSeconds)
	}
	if c.Locking.KeyPrefix == "" {
		return fmt.Errorf("locking.key_prefix is required")
	}

	// Validate encryption
	if c.Encryption.Enabled {
		if c.Encryption.MasterKey == "" && c.Encryption.Passphrase == "" {
			return fmt.Errorf("encryption.master_key (or ENCRYPTION_MASTER_KEY) or encryption.passphrase is required when encryption is enabled")
		}
		if c.Encryption.MasterKey == "" && c.Encryption.Salt == "" {
			return fmt.Errorf("encryption.salt is required for the passphrase flow")
		}
	}

	// Validate retention
	if c.Retention.Enabled && c.Retention.IntervalMinutes < 1 {
		return fmt.Errorf("retention.interval_minutes must be positive when retention is enabled, got %d", c.Retention.IntervalMinutes)
	}

	// Validate TLS if enabled
	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	// Validate logging level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
