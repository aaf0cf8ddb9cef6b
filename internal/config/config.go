package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Queue     QueueConfig
	Providers ProvidersConfig
	Composer  ComposerConfig
	Auth      AuthConfig
	Sweeper   SweeperConfig
	Tracing   TracingConfig
	Metrics   MetricsConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// StorageConfig holds object storage configuration
type StorageConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	UseSSL          bool
}

// QueueConfig holds message queue configuration for the generation job
// queue: broker connection plus the worker pool's concurrency and rate
// limit.
type QueueConfig struct {
	Host               string
	Port               int
	User               string
	Password           string
	Vhost              string
	QueueName          string
	Concurrency        int
	RateLimitPerMinute int
	MaxAttempts        int
	BackoffBase        time.Duration
	CompletedTTL       time.Duration
	FailedTTL          time.Duration
}

// ProvidersConfig holds endpoints, API keys, and timeouts for the three
// external AI providers.
type ProvidersConfig struct {
	ScriptBaseURL   string
	ScriptAPIKey    string
	VoiceBaseURL    string
	VoiceAPIKey     string
	VoiceID         string
	VideoBaseURL    string
	VideoAPIKey     string
	GenerateTimeout time.Duration
	PollTimeout     time.Duration
	PollInterval    time.Duration
	MaxPolls        int
}

// ComposerConfig holds the media composer's ffmpeg invocation settings.
type ComposerConfig struct {
	FFmpegPath      string
	FFprobePath     string
	ScratchDir      string
	ThumbnailAtSec  float64
	ThumbnailWidth  int
	ThumbnailHeight int
	VideoCRF        int
	AudioBitrate    string
}

// AuthConfig holds the settings the bearer-auth middleware uses to trust a
// token issued by the external auth service.
type AuthConfig struct {
	JWTSecret string
}

// SweeperConfig holds the pending-request sweeper's polling interval and
// grace window.
type SweeperConfig struct {
	Enabled       bool
	PollInterval  time.Duration
	GraceInterval time.Duration
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	JaegerEndpoint string
}

// MetricsConfig holds the standalone metrics server's settings, used by
// the worker process (the API serves /metrics on its own router).
type MetricsConfig struct {
	Port int
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// validate rejects a configuration missing secrets that have no safe
// default, so the process exits non-zero at startup instead of failing
// on first use.
func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwtSecret is required")
	}
	if c.Providers.ScriptAPIKey == "" {
		return fmt.Errorf("providers.scriptApiKey is required")
	}
	if c.Providers.VoiceAPIKey == "" {
		return fmt.Errorf("providers.voiceApiKey is required")
	}
	if c.Providers.VideoAPIKey == "" {
		return fmt.Errorf("providers.videoApiKey is required")
	}
	return nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.readTimeout", "30s")
	viper.SetDefault("server.writeTimeout", "30s")
	viper.SetDefault("server.shutdownTimeout", "10s")

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "meditate")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.maxConns", 25)
	viper.SetDefault("database.minConns", 5)

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Storage defaults
	viper.SetDefault("storage.endpoint", "localhost:9000")
	viper.SetDefault("storage.accessKeyID", "minioadmin")
	viper.SetDefault("storage.secretAccessKey", "minioadmin")
	viper.SetDefault("storage.bucketName", "meditation-media")
	viper.SetDefault("storage.region", "us-east-1")
	viper.SetDefault("storage.useSSL", false)

	// Queue defaults
	viper.SetDefault("queue.host", "localhost")
	viper.SetDefault("queue.port", 5672)
	viper.SetDefault("queue.user", "guest")
	viper.SetDefault("queue.password", "guest")
	viper.SetDefault("queue.vhost", "/")
	viper.SetDefault("queue.queueName", "generation_requests")
	viper.SetDefault("queue.concurrency", 2)
	viper.SetDefault("queue.rateLimitPerMinute", 10)
	viper.SetDefault("queue.maxAttempts", 3)
	viper.SetDefault("queue.backoffBase", "30s")
	viper.SetDefault("queue.completedTTL", "24h")
	viper.SetDefault("queue.failedTTL", "168h")

	// Providers defaults
	viper.SetDefault("providers.voiceId", "default-calm-voice")
	viper.SetDefault("providers.generateTimeout", "60s")
	viper.SetDefault("providers.pollTimeout", "30s")
	viper.SetDefault("providers.pollInterval", "10s")
	viper.SetDefault("providers.maxPolls", 48)

	// Composer defaults
	viper.SetDefault("composer.ffmpegPath", "ffmpeg")
	viper.SetDefault("composer.ffprobePath", "ffprobe")
	viper.SetDefault("composer.scratchDir", "/tmp/meditate-pipeline")
	viper.SetDefault("composer.thumbnailAtSec", 2.0)
	viper.SetDefault("composer.thumbnailWidth", 1280)
	viper.SetDefault("composer.thumbnailHeight", 720)
	viper.SetDefault("composer.videoCRF", 23)
	viper.SetDefault("composer.audioBitrate", "192k")

	// Sweeper defaults
	viper.SetDefault("sweeper.enabled", true)
	viper.SetDefault("sweeper.pollInterval", "30s")
	viper.SetDefault("sweeper.graceInterval", "2m")

	// Tracing defaults
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.serviceName", "meditate-pipeline")
	viper.SetDefault("tracing.jaegerEndpoint", "http://localhost:14268/api/traces")

	// Metrics defaults
	viper.SetDefault("metrics.port", 9090)
}
