// Package config loads the gateway configuration from YAML and the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for s3gate.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Session       SessionConfig       `yaml:"session"`
	Storage       StorageConfig       `yaml:"storage"`
	Multipart     MultipartConfig     `yaml:"multipart"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Region string `yaml:"region"`
	// ShutdownTimeout bounds graceful shutdown (HTTP drain plus queue drain).
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxObjectSize caps single request bodies in bytes.
	MaxObjectSize int64 `yaml:"max_object_size"`
	// RateLimit is the sustained request rate per second; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	// RateBurst is the token bucket size used with RateLimit.
	RateBurst int `yaml:"rate_burst"`
	// MaxQueueBacklog rejects writes with SlowDown while the write queue holds
	// this many tasks; 0 leaves the backlog unbounded.
	MaxQueueBacklog int `yaml:"max_queue_backlog"`
}

// AuthConfig holds the single static credential every request is verified
// against.
type AuthConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is one of text, json, pretty.
	Format string `yaml:"format"`
}

type ObservabilityConfig struct {
	Metrics     bool          `yaml:"metrics"`
	HealthCheck bool          `yaml:"health_check"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	// Exporter is "otlpgrpc" or "otlphttp".
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// SessionConfig configures the backend session handle and the write queue in
// front of it.
type SessionConfig struct {
	// BaseFolder is the folder under Home that holds one folder per bucket.
	BaseFolder string `yaml:"base_folder"`
	// Network selects the backend network: mainnet or testnet.
	Network string `yaml:"network"`
	// OpTimeout bounds every queued backend mutation.
	OpTimeout time.Duration `yaml:"op_timeout"`
	Retry     RetryConfig   `yaml:"retry"`
}

// RetryConfig is the bounded retry policy for moving the backend cursor.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Delay       time.Duration `yaml:"delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Exponential bool          `yaml:"exponential"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Backend is one of local, memory, sqlite, aws, gcp, azure.
	Backend string       `yaml:"backend"`
	Local   LocalConfig  `yaml:"local"`
	Memory  MemoryConfig `yaml:"memory"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
	AWS     AWSConfig    `yaml:"aws"`
	GCP     GCPConfig    `yaml:"gcp"`
	Azure   AzureConfig  `yaml:"azure"`
}

type LocalConfig struct {
	RootDir string `yaml:"root_dir"`
}

type MemoryConfig struct {
	// SnapshotPath enables periodic sqlite snapshots when non-empty.
	SnapshotPath     string        `yaml:"snapshot_path"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type AWSConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Prefix   string `yaml:"prefix"`
	Endpoint string `yaml:"endpoint"`
	// UsePathStyle is needed for most S3-compatible endpoints.
	UsePathStyle bool `yaml:"use_path_style"`
}

type GCPConfig struct {
	Bucket  string `yaml:"bucket"`
	Project string `yaml:"project"`
	Prefix  string `yaml:"prefix"`
}

type AzureConfig struct {
	Container string `yaml:"container"`
	Account   string `yaml:"account"`
	// AccountURL overrides https://{account}.blob.core.windows.net.
	AccountURL string `yaml:"account_url"`
	Prefix     string `yaml:"prefix"`
	// ConnectionString takes precedence over token credentials when set.
	ConnectionString   string `yaml:"connection_string"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`
}

// URL returns the blob service URL for the account.
func (a AzureConfig) URL() string {
	if a.AccountURL != "" {
		return a.AccountURL
	}
	return "https://" + a.Account + ".blob.core.windows.net"
}

// MultipartConfig configures multipart scratch space and upload-session
// persistence.
type MultipartConfig struct {
	ScratchDir string `yaml:"scratch_dir"`
	// SessionTTL is how long an upload may sit idle before it is reaped.
	SessionTTL   time.Duration `yaml:"session_ttl"`
	ReapInterval time.Duration `yaml:"reap_interval"`
	Store        StoreConfig   `yaml:"store"`
}

// StoreConfig selects where upload sessions are persisted.
type StoreConfig struct {
	// Engine is one of memory, local, sqlite, dynamodb, firestore, cosmos.
	Engine string `yaml:"engine"`
	// Path is the database file for sqlite and the directory for local.
	Path      string          `yaml:"path"`
	DynamoDB  DynamoDBConfig  `yaml:"dynamodb"`
	Firestore FirestoreConfig `yaml:"firestore"`
	Cosmos    CosmosConfig    `yaml:"cosmos"`
}

type DynamoDBConfig struct {
	Table       string `yaml:"table"`
	Region      string `yaml:"region"`
	EndpointURL string `yaml:"endpoint_url"`
}

type FirestoreConfig struct {
	Collection      string `yaml:"collection"`
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

type CosmosConfig struct {
	Database         string `yaml:"database"`
	Container        string `yaml:"container"`
	Endpoint         string `yaml:"endpoint"`
	MasterKey        string `yaml:"master_key"`
	ConnectionString string `yaml:"connection_string"`
}

// ChainIDs maps a network name to the chain id reported at startup.
var ChainIDs = map[string]string{
	"mainnet": "jackal-1",
	"testnet": "lupulella-2",
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty or missing path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			slog.Warn("Config file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			Region:          "us-east-1",
			ShutdownTimeout: 30 * time.Second,
			MaxObjectSize:   32 << 30,
			RateBurst:       100,
		},
		Auth: AuthConfig{
			AccessKey: "test",
			SecretKey: "test",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
			Tracing: TracingConfig{
				Exporter:    "otlpgrpc",
				Endpoint:    "localhost:4317",
				Insecure:    true,
				SampleRatio: 1,
			},
		},
		Session: SessionConfig{
			BaseFolder: "S3Buckets",
			Network:    "testnet",
			OpTimeout:  5 * time.Minute,
			Retry: RetryConfig{
				MaxAttempts: 10,
				Delay:       time.Second,
				MaxDelay:    20 * time.Second,
			},
		},
		Storage: StorageConfig{
			Backend: "local",
			Local:   LocalConfig{RootDir: "./data/objects"},
			Memory:  MemoryConfig{SnapshotInterval: time.Minute},
			SQLite:  SQLiteConfig{Path: "./data/objects.db"},
		},
		Multipart: MultipartConfig{
			ScratchDir:   filepath.Join(os.TempDir(), "s3gate"),
			SessionTTL:   24 * time.Hour,
			ReapInterval: 10 * time.Minute,
			Store: StoreConfig{
				Engine: "memory",
				DynamoDB: DynamoDBConfig{
					Table: "s3gate-uploads",
				},
				Firestore: FirestoreConfig{
					Collection: "s3gate-uploads",
				},
				Cosmos: CosmosConfig{
					Database:  "s3gate",
					Container: "uploads",
				},
			},
		},
	}
}

// applyEnv overlays the environment variables the gateway has always
// honoured, plus S3GATE_* overrides for the common knobs.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	str := map[string]*string{
		"ACCESS_KEY":             &cfg.Auth.AccessKey,
		"SECRET_KEY":             &cfg.Auth.SecretKey,
		"BASE_FOLDER":            &cfg.Session.BaseFolder,
		"NETWORK":                &cfg.Session.Network,
		"S3GATE_REGION":          &cfg.Server.Region,
		"S3GATE_SCRATCH_DIR":     &cfg.Multipart.ScratchDir,
		"S3GATE_LOG_LEVEL":       &cfg.Logging.Level,
		"S3GATE_LOG_FORMAT":      &cfg.Logging.Format,
		"S3GATE_STORAGE_BACKEND": &cfg.Storage.Backend,
	}
	for name, dst := range str {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	return nil
}

// applyDefaults fills fields that YAML explicitly zeroed.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.Region == "" {
		cfg.Server.Region = def.Server.Region
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Server.MaxObjectSize <= 0 {
		cfg.Server.MaxObjectSize = def.Server.MaxObjectSize
	}
	if cfg.Session.BaseFolder == "" {
		cfg.Session.BaseFolder = def.Session.BaseFolder
	}
	if cfg.Session.OpTimeout <= 0 {
		cfg.Session.OpTimeout = def.Session.OpTimeout
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = def.Storage.Backend
	}
	if cfg.Multipart.ScratchDir == "" {
		cfg.Multipart.ScratchDir = def.Multipart.ScratchDir
	}
	if cfg.Multipart.Store.Engine == "" {
		cfg.Multipart.Store.Engine = def.Multipart.Store.Engine
	}
	cfg.Session.Network = strings.ToLower(cfg.Session.Network)
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if c.Auth.AccessKey == "" || c.Auth.SecretKey == "" {
		return fmt.Errorf("auth: access_key and secret_key are required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server: port %d out of range", c.Server.Port)
	}
	if _, ok := ChainIDs[c.Session.Network]; !ok {
		return fmt.Errorf("session: unknown network %q (want mainnet or testnet)", c.Session.Network)
	}
	if c.Session.Retry.MaxAttempts < 1 {
		return fmt.Errorf("session: retry.max_attempts must be at least 1")
	}
	if strings.Contains(c.Session.BaseFolder, "/") {
		return fmt.Errorf("session: base_folder %q must be a single folder name", c.Session.BaseFolder)
	}
	switch c.Storage.Backend {
	case "local", "memory", "sqlite":
	case "aws":
		if c.Storage.AWS.Bucket == "" {
			return fmt.Errorf("storage: aws.bucket is required for the aws backend")
		}
	case "gcp":
		if c.Storage.GCP.Bucket == "" {
			return fmt.Errorf("storage: gcp.bucket is required for the gcp backend")
		}
	case "azure":
		if c.Storage.Azure.Container == "" {
			return fmt.Errorf("storage: azure.container is required for the azure backend")
		}
		if c.Storage.Azure.Account == "" && c.Storage.Azure.AccountURL == "" && c.Storage.Azure.ConnectionString == "" {
			return fmt.Errorf("storage: azure.account or azure.account_url is required")
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}
	switch c.Multipart.Store.Engine {
	case "memory", "local", "sqlite", "dynamodb", "firestore", "cosmos":
	default:
		return fmt.Errorf("multipart: unknown store engine %q", c.Multipart.Store.Engine)
	}
	return nil
}

// StorePath returns the configured upload store path, or the engine's
// default location when unset.
func (s StoreConfig) StorePath() string {
	if s.Path != "" {
		return s.Path
	}
	if s.Engine == "local" {
		return "./data/uploads"
	}
	return "./data/uploads.db"
}

// ChainID returns the chain id for the configured network.
func (c *Config) ChainID() string {
	return ChainIDs[c.Session.Network]
}
