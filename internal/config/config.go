package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	DBPath    string `mapstructure:"db-path"`
	FSMDBPath string `mapstructure:"fsm-db-path"`

	// HTTP upload boundary
	HTTPBind      string `mapstructure:"http-bind"`
	PublicBaseURL string `mapstructure:"public-base-url"`
	MaxUploadSize int64  `mapstructure:"max-upload-size"`

	// Kafka
	KafkaBrokers       []string `mapstructure:"kafka-brokers"`
	KafkaGroupID       string   `mapstructure:"kafka-group-id"`
	RequestedTopic     string   `mapstructure:"requested-topic"`
	CompletedTopic     string   `mapstructure:"completed-topic"`
	PeerAvailableTopic string   `mapstructure:"peer-available-topic"`

	// Object storage
	S3Bucket   string        `mapstructure:"s3-bucket"`
	S3Region   string        `mapstructure:"s3-region"`
	S3Endpoint string        `mapstructure:"s3-endpoint"`
	PresignTTL time.Duration `mapstructure:"presign-ttl"`

	// Credentials and lifecycle
	TokenSecret         string        `mapstructure:"token-secret"`
	TokenTTL            time.Duration `mapstructure:"token-ttl"`
	RequestTTL          time.Duration `mapstructure:"request-ttl"`
	MaxScreenshots      int           `mapstructure:"max-screenshots"`
	CredentialRetention time.Duration `mapstructure:"credential-retention"`

	// Sweeper
	SweepInterval  time.Duration `mapstructure:"sweep-interval"`
	SweepBatchSize int           `mapstructure:"sweep-batch-size"`

	// External services
	RegistryURL string        `mapstructure:"registry-url"`
	EdgeURL     string        `mapstructure:"edge-url"`
	HTTPTimeout time.Duration `mapstructure:"http-timeout"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("db-path", ".artifacts/screenshotd.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm.db")
	viper.SetDefault("http-bind", ":8080")
	viper.SetDefault("public-base-url", "http://localhost:8080")
	viper.SetDefault("max-upload-size", 10*1024*1024)
	viper.SetDefault("kafka-brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka-group-id", "screenshot-service")
	viper.SetDefault("requested-topic", "media.screenshots.requested")
	viper.SetDefault("completed-topic", "media.screenshots.completed")
	viper.SetDefault("peer-available-topic", "peer.available.with_requested_media")
	viper.SetDefault("s3-bucket", "screenshots")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("s3-endpoint", "")
	viper.SetDefault("presign-ttl", time.Hour)
	viper.SetDefault("token-secret", "")
	viper.SetDefault("token-ttl", 30*time.Minute)
	viper.SetDefault("request-ttl", 24*time.Hour)
	viper.SetDefault("max-screenshots", 10)
	viper.SetDefault("credential-retention", 24*time.Hour)
	viper.SetDefault("sweep-interval", time.Minute)
	viper.SetDefault("sweep-batch-size", 100)
	viper.SetDefault("registry-url", "http://peer-registry:8000")
	viper.SetDefault("edge-url", "http://edge-service:8000")
	viper.SetDefault("http-timeout", 10*time.Second)
	viper.SetDefault("fsm-max-retries", 5)

	// Environment variables (will be SCREENSHOTD_DB_PATH, etc.)
	viper.SetEnvPrefix("SCREENSHOTD")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.screenshotd")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("kafka-brokers cannot be empty")
	}
	if c.S3Bucket == "" {
		return fmt.Errorf("s3-bucket cannot be empty")
	}
	if c.TokenSecret == "" {
		return fmt.Errorf("token-secret cannot be empty")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token-ttl must be positive")
	}
	if c.RequestTTL <= 0 {
		return fmt.Errorf("request-ttl must be positive")
	}
	if c.MaxScreenshots <= 0 {
		return fmt.Errorf("max-screenshots must be positive")
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("max-upload-size must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep-interval must be positive")
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("sweep-batch-size must be positive")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	return nil
}
