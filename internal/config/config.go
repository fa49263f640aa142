package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/hszk-dev/hlspack/internal/domain/model"
)

const (
	NotifySourceAMQP = "amqp"
	NotifySourceSQS  = "sqs"
)

type Config struct {
	Server   ServerConfig
	Worker   WorkerConfig
	Pipeline PipelineConfig
	Database DatabaseConfig
	MinIO    MinIOConfig
	RabbitMQ RabbitMQConfig
	Redis    RedisConfig
	CDN      CDNConfig
	AWS      AWSConfig
}

type ServerConfig struct {
	Port            int           `envconfig:"API_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"API_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"API_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"API_SHUTDOWN_TIMEOUT" default:"10s"`
	UploadURLExpiry time.Duration `envconfig:"API_UPLOAD_URL_EXPIRY" default:"15m"`
}

type WorkerConfig struct {
	TempDir         string        `envconfig:"WORKER_TEMP_DIR" default:"/tmp/hlspack"`
	Concurrency     int           `envconfig:"WORKER_CONCURRENCY" default:"2"`
	ShutdownTimeout time.Duration `envconfig:"WORKER_SHUTDOWN_TIMEOUT" default:"5m"`
	MetricsPort     int           `envconfig:"WORKER_METRICS_PORT" default:"9091"`
	FFmpegPath      string        `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	FFmpegPreset    string        `envconfig:"FFMPEG_PRESET" default:"fast"`
}

// PipelineConfig controls what is produced per asset and how failed
// attempts are retried.
type PipelineConfig struct {
	Ladder            model.Ladder  `envconfig:"RENDITION_LADDER" default:"360p:640x360:800:96,480p:842x480:1400:128,720p:1280x720:2800:128,1080p:1920x1080:5000:192"`
	BranchConcurrency int           `envconfig:"BRANCH_CONCURRENCY" default:"0"`
	MaxAttempts       int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInterval     time.Duration `envconfig:"RETRY_INITIAL_INTERVAL" default:"5s"`
	RetryBackoffRate  float64       `envconfig:"RETRY_BACKOFF_RATE" default:"2.0"`
	RetryMaxInterval  time.Duration `envconfig:"RETRY_MAX_INTERVAL" default:"5m"`
}

// RetryPolicy returns the policy described by the config.
func (c PipelineConfig) RetryPolicy() model.RetryPolicy {
	return model.RetryPolicy{
		MaxAttempts:     c.MaxAttempts,
		InitialInterval: c.RetryInterval,
		BackoffRate:     c.RetryBackoffRate,
		MaxInterval:     c.RetryMaxInterval,
	}
}

type DatabaseConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER" default:"hlspack"`
	Password string `envconfig:"POSTGRES_PASSWORD" default:"hlspack"`
	DBName   string `envconfig:"POSTGRES_DB" default:"hlspack"`
	SSLMode  string `envconfig:"POSTGRES_SSLMODE" default:"disable"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

type MinIOConfig struct {
	Endpoint       string `envconfig:"MINIO_ENDPOINT" default:"localhost:9000"`
	PublicEndpoint string `envconfig:"MINIO_PUBLIC_ENDPOINT"`
	AccessKey      string `envconfig:"MINIO_ACCESS_KEY" default:"minioadmin"`
	SecretKey      string `envconfig:"MINIO_SECRET_KEY" default:"minioadmin"`
	Bucket         string `envconfig:"MINIO_BUCKET" default:"media"`
	UseSSL         bool   `envconfig:"MINIO_USE_SSL" default:"false"`
}

type RabbitMQConfig struct {
	Host     string `envconfig:"RABBITMQ_HOST" default:"localhost"`
	Port     int    `envconfig:"RABBITMQ_PORT" default:"5672"`
	User     string `envconfig:"RABBITMQ_USER" default:"hlspack"`
	Password string `envconfig:"RABBITMQ_PASSWORD" default:"hlspack"`
	VHost    string `envconfig:"RABBITMQ_VHOST" default:"/"`

	JobQueue        string `envconfig:"RABBITMQ_JOB_QUEUE" default:"transcode_jobs"`
	UploadQueue     string `envconfig:"RABBITMQ_UPLOAD_QUEUE" default:"upload_events"`
	MaxRedeliveries int    `envconfig:"UPLOAD_MAX_REDELIVERIES" default:"3"`
}

func (c RabbitMQConfig) URL() string {
	return fmt.Sprintf(
		"amqp://%s:%s@%s:%d%s",
		c.User, c.Password, c.Host, c.Port, c.VHost,
	)
}

type RedisConfig struct {
	Host           string        `envconfig:"REDIS_HOST" default:"localhost"`
	Port           int           `envconfig:"REDIS_PORT" default:"6379"`
	Password       string        `envconfig:"REDIS_PASSWORD"`
	DB             int           `envconfig:"REDIS_DB" default:"0"`
	StatusCacheTTL time.Duration `envconfig:"STATUS_CACHE_TTL" default:"30s"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type CDNConfig struct {
	BaseURL        string `envconfig:"CDN_BASE_URL" default:"http://localhost:8081"`
	DistributionID string `envconfig:"CLOUDFRONT_DISTRIBUTION_ID"`
}

type AWSConfig struct {
	Region       string `envconfig:"AWS_REGION" default:"us-east-1"`
	NotifySource string `envconfig:"NOTIFY_SOURCE" default:"amqp"`
	SQSQueueURL  string `envconfig:"SQS_QUEUE_URL"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings envconfig cannot express.
func (c *Config) Validate() error {
	if err := c.Pipeline.Ladder.Validate(); err != nil {
		return fmt.Errorf("invalid RENDITION_LADDER: %w", err)
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.Pipeline.MaxAttempts)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}
	switch c.AWS.NotifySource {
	case NotifySourceAMQP:
	case NotifySourceSQS:
		if c.AWS.SQSQueueURL == "" {
			return fmt.Errorf("SQS_QUEUE_URL is required when NOTIFY_SOURCE=%s", NotifySourceSQS)
		}
	default:
		return fmt.Errorf("unknown NOTIFY_SOURCE %q", c.AWS.NotifySource)
	}
	return nil
}
