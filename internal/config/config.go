package config

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	apperrors "github.com/edgevault/edgevault/internal/errors"
)

// BackendConfig represents one shard storage backend. Platform selects the
// repository implementation: "fs" for a local mount point, "s3" or "gcs" for
// a cloud bucket.
type BackendConfig struct {
	Platform string `yaml:"platform"`
	Bucket   string `yaml:"bucket"`
	Path     string `yaml:"path"`
}

// MetadataConfig selects and configures the metadata index backend.
type MetadataConfig struct {
	Backend       string `yaml:"backend"` // sqlite | dynamodb
	SQLitePath    string `yaml:"sqlite_path"`
	DynamoDBTable string `yaml:"dynamodb_table"`
}

// ErasureConfig fixes the system-wide erasure geometry. Storage overhead is
// (data+parity)/data while tolerating up to parity simultaneous shard losses.
type ErasureConfig struct {
	DataShards   int `yaml:"data_shards"`
	ParityShards int `yaml:"parity_shards"`
}

// CompressionConfig selects the chunk compression codec and its level.
type CompressionConfig struct {
	Codec string `yaml:"codec"` // zstd | lz4
	Level int    `yaml:"level"`
}

// SessionConfig controls upload session lifetimes.
type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl"`            // Inactivity timeout before a session expires
	SweepInterval time.Duration `yaml:"sweep_interval"` // How often the reaper scans for stalled sessions
	Retention     time.Duration `yaml:"retention"`      // How long terminal sessions stay queryable
}

// TieringConfig controls the background tier reclassification sweep.
type TieringConfig struct {
	WarmAfter time.Duration `yaml:"warm_after"`
	ColdAfter time.Duration `yaml:"cold_after"`
	Interval  time.Duration `yaml:"interval"`
}

// Config holds the application configuration
type Config struct {
	LogLevel       string                   `yaml:"log_level"`
	ListenAddr     string                   `yaml:"listen_addr"`
	ChunkSizeBytes int                      `yaml:"chunk_size_bytes"` // Client-side split size
	Metadata       MetadataConfig           `yaml:"metadata"`
	Erasure        ErasureConfig            `yaml:"erasure"`
	Compression    CompressionConfig        `yaml:"compression"`
	Session        SessionConfig            `yaml:"session"`
	Tiering        TieringConfig            `yaml:"tiering"`
	Backends       map[string]BackendConfig `yaml:"backends"`
	// AwsConfig: AWS SDK uses a shared configuration object that contains
	// credentials, region, retry policies, etc. DynamoDB and S3 clients are
	// created from this single config. Loaded only when an AWS-backed
	// component is configured.
	AwsConfig aws.Config
	// GcsClient: Google Cloud SDK uses individual service clients that
	// handle their own configuration internally via environment variables,
	// service account files, or metadata service. Loaded only when a GCS
	// backend is configured.
	GcsClient *storage.Client
}

// NeedsAWS reports whether any configured component requires the AWS SDK.
func (c *Config) NeedsAWS() bool {
	if c.Metadata.Backend == "dynamodb" {
		return true
	}
	for _, b := range c.Backends {
		if b.Platform == "s3" {
			return true
		}
	}
	return false
}

// NeedsGCS reports whether any configured backend requires the GCS client.
func (c *Config) NeedsGCS() bool {
	for _, b := range c.Backends {
		if b.Platform == "gcs" {
			return true
		}
	}
	return false
}

// LoadConfig loads configuration from config.yaml, environment variables, or CLI flags
// Priority: CLI flags > Environment variables > config.yaml > defaults
func LoadConfig(configPath string, rootCmd *cobra.Command) (*Config, error) {
	if err := setupViper(configPath, rootCmd); err != nil {
		return nil, err
	}

	cfg := &Config{
		LogLevel:       viper.GetString("log_level"),
		ListenAddr:     viper.GetString("listen_addr"),
		ChunkSizeBytes: viper.GetInt("chunk_size_bytes"),
		Metadata: MetadataConfig{
			Backend:       viper.GetString("metadata.backend"),
			SQLitePath:    viper.GetString("metadata.sqlite_path"),
			DynamoDBTable: viper.GetString("metadata.dynamodb_table"),
		},
		Erasure: ErasureConfig{
			DataShards:   viper.GetInt("erasure.data_shards"),
			ParityShards: viper.GetInt("erasure.parity_shards"),
		},
		Compression: CompressionConfig{
			Codec: viper.GetString("compression.codec"),
			Level: viper.GetInt("compression.level"),
		},
		Session: SessionConfig{
			TTL:           viper.GetDuration("session.ttl"),
			SweepInterval: viper.GetDuration("session.sweep_interval"),
			Retention:     viper.GetDuration("session.retention"),
		},
		Tiering: TieringConfig{
			WarmAfter: viper.GetDuration("tiering.warm_after"),
			ColdAfter: viper.GetDuration("tiering.cold_after"),
			Interval:  viper.GetDuration("tiering.interval"),
		},
		Backends: parseBackends(),
	}

	if cfg.Metadata.Backend == "dynamodb" && cfg.Metadata.DynamoDBTable == "" {
		return nil, apperrors.ConfigNotSetError("metadata.dynamodb_table")
	}
	if cfg.Metadata.Backend == "sqlite" && cfg.Metadata.SQLitePath == "" {
		return nil, apperrors.ConfigNotSetError("metadata.sqlite_path")
	}

	if cfg.NeedsAWS() {
		awsConfig, err := loadAWSConfig()
		if err != nil {
			return nil, err
		}
		cfg.AwsConfig = awsConfig
	}

	if cfg.NeedsGCS() {
		gcsClient, err := loadGCSClient()
		if err != nil {
			return nil, err
		}
		cfg.GcsClient = gcsClient
	}

	return cfg, nil
}

// setupViper configures Viper with defaults, paths, and bindings
func setupViper(configPath string, rootCmd *cobra.Command) error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	setDefaults()
	viper.AutomaticEnv()

	if rootCmd != nil {
		if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
			return fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("listen_addr", ":8080")
	viper.SetDefault("chunk_size_bytes", 4<<20)
	viper.SetDefault("metadata.backend", "sqlite")
	viper.SetDefault("metadata.sqlite_path", "edgevault.db")
	viper.SetDefault("metadata.dynamodb_table", "edgevault_metadata")
	viper.SetDefault("erasure.data_shards", 6)
	viper.SetDefault("erasure.parity_shards", 3)
	viper.SetDefault("compression.codec", "zstd")
	viper.SetDefault("compression.level", 3)
	viper.SetDefault("session.ttl", "30m")
	viper.SetDefault("session.sweep_interval", "1m")
	viper.SetDefault("session.retention", "24h")
	viper.SetDefault("tiering.warm_after", "168h")
	viper.SetDefault("tiering.cold_after", "720h")
	viper.SetDefault("tiering.interval", "1h")
	viper.SetDefault("backends", map[string]interface{}{
		"local-0": map[string]interface{}{
			"platform": "fs",
			"path":     "storage",
		},
	})
}

// loadAWSConfig loads AWS SDK configuration
func loadAWSConfig() (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return aws.Config{}, fmt.Errorf("unable to load AWS SDK config: %v", err)
	}
	return cfg, nil
}

// loadGCSClient loads Google Cloud Storage client
func loadGCSClient() (*storage.Client, error) {
	client, err := storage.NewClient(context.Background())
	if err != nil {
		return nil, fmt.Errorf("unable to create GCS client: %v", err)
	}
	return client, nil
}

// parseBackends parses shard backend configuration from Viper
func parseBackends() map[string]BackendConfig {
	backends := make(map[string]BackendConfig)
	raw := viper.GetStringMap("backends")

	for name, value := range raw {
		if m, ok := value.(map[string]interface{}); ok {
			backends[name] = BackendConfig{
				Platform: getString(m, "platform", "fs"),
				Bucket:   getString(m, "bucket", name),
				Path:     getString(m, "path", name),
			}
		}
	}

	return backends
}

// SetConfigValue sets a configuration value (used for CLI flags)
func SetConfigValue(key string, value interface{}) {
	viper.Set(key, value)
}

// getString safely extracts string value from map with default
func getString(m map[string]interface{}, key, defaultValue string) string {
	if value, exists := m[key]; exists {
		if str, ok := value.(string); ok {
			return str
		}
	}
	return defaultValue
}
