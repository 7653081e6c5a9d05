package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server   ServerConfig
	Worker   WorkerConfig
	Database DatabaseConfig
	S3       S3Config
	RabbitMQ RabbitMQConfig
	Redis    RedisConfig
}

type ServerConfig struct {
	Port            int           `envconfig:"API_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"API_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"API_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"API_SHUTDOWN_TIMEOUT" default:"10s"`
	// SecretKey is required so a misconfigured deployment fails at
	// startup. Authentication is out of scope here: nothing in this
	// repository reads the value, and no session or cookie signing
	// exists.
	SecretKey string `envconfig:"SECRET_KEY" required:"true"`
}

type WorkerConfig struct {
	TempDir         string        `envconfig:"WORKER_TEMP_DIR" default:"/tmp/nebula"`
	MaxRetries      int           `envconfig:"WORKER_MAX_RETRIES" default:"3"`
	JobTimeout      time.Duration `envconfig:"WORKER_JOB_TIMEOUT" default:"4h"`
	ShutdownTimeout time.Duration `envconfig:"WORKER_SHUTDOWN_TIMEOUT" default:"30s"`
}

type DatabaseConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER" default:"nebula"`
	Password string `envconfig:"POSTGRES_PASSWORD" default:"nebula"`
	DBName   string `envconfig:"POSTGRES_DB" default:"nebula"`
	SSLMode  string `envconfig:"POSTGRES_SSLMODE" default:"disable"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// S3Config configures the object-store client, including the separate
// presign endpoints so a browser on the LAN and one traversing the
// reverse proxy from outside both get a presigned URL they can actually
// reach.
type S3Config struct {
	Endpoint  string `envconfig:"S3_ENDPOINT" default:"localhost:9000"`
	AccessKey string `envconfig:"S3_ACCESS_KEY" default:"minioadmin"`
	SecretKey string `envconfig:"S3_SECRET_KEY" default:"minioadmin"`
	Bucket    string `envconfig:"S3_BUCKET" default:"nebula"`
	UseSSL    bool   `envconfig:"S3_USE_SSL" default:"false"`

	PresignEndpoint       string `envconfig:"S3_PRESIGN_ENDPOINT"`
	PresignEndpointLocal  string `envconfig:"S3_PRESIGN_ENDPOINT_LOCAL"`
	PresignEndpointRemote string `envconfig:"S3_PRESIGN_ENDPOINT_REMOTE"`
	PresignExpiresSeconds int    `envconfig:"S3_PRESIGN_EXPIRES_SECONDS" default:"900"`
	PresignRegion         string `envconfig:"S3_PRESIGN_REGION" default:"us-east-1"`

	HTTPPoolMaxSize    int           `envconfig:"S3_HTTP_POOL_MAXSIZE" default:"32"`
	HTTPConnectTimeout time.Duration `envconfig:"S3_HTTP_CONNECT_TIMEOUT" default:"5s"`
	HTTPReadTimeout    time.Duration `envconfig:"S3_HTTP_READ_TIMEOUT" default:"60s"`
	HTTPTotalRetries   int           `envconfig:"S3_HTTP_TOTAL_RETRIES" default:"3"`
	HTTPBackoffFactor  float64       `envconfig:"S3_HTTP_BACKOFF_FACTOR" default:"0.2"`
}

type RabbitMQConfig struct {
	Host     string `envconfig:"RABBITMQ_HOST" default:"localhost"`
	Port     int    `envconfig:"RABBITMQ_PORT" default:"5672"`
	User     string `envconfig:"RABBITMQ_USER" default:"nebula"`
	Password string `envconfig:"RABBITMQ_PASSWORD" default:"nebula"`
	VHost    string `envconfig:"RABBITMQ_VHOST" default:"/"`
	Prefetch int    `envconfig:"RABBITMQ_PREFETCH" default:"1"`
}

func (c RabbitMQConfig) URL() string {
	return fmt.Sprintf(
		"amqp://%s:%s@%s:%d%s",
		c.User, c.Password, c.Host, c.Port, c.VHost,
	)
}

// RedisConfig backs both the File read-through cache and the jobcontrol
// cancellation/progress/heartbeat side channel — one logical Redis, two
// consumers.
type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
