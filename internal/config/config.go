package config

import (
	"time"

	"github.com/IBM/sarama"
	"github.com/kelseyhightower/envconfig"
)

var singleConfig *Config = nil

type Config struct {
	Database   *DatabaseConfig
	Service    *ServiceConfig
	Payment    *PaymentConfig
	Generation *GenerationConfig
	Sweeper    *SweeperConfig
	Redis      *RedisConfig
	Archive    *ArchiveConfig
	Events     *EventsConfig
	Tracing    *TracingConfig
}

type DatabaseConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"pgsql"`
	Hostname string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"reports"`
	User     string `envconfig:"DB_USER" default:"admin"`
	Password string `envconfig:"DB_PASS" default:"adminpass"`

	DynamoTable    string `envconfig:"DB_DYNAMO_TABLE" default:"report_jobs"`
	DynamoRegion   string `envconfig:"DB_DYNAMO_REGION" default:"us-east-1"`
	DynamoEndpoint string `envconfig:"DB_DYNAMO_ENDPOINT" default:""`
}

type ServiceConfig struct {
	Address           string        `envconfig:"REPORTS_ADDRESS" default:":8080"`
	MetricsAddress    string        `envconfig:"REPORTS_METRICS_ADDRESS" default:":8081"`
	LogLevel          string        `envconfig:"REPORTS_LOG_LEVEL" default:"info"`
	LogFormat         string        `envconfig:"REPORTS_LOG_FORMAT" default:"console"`
	AsyncGeneration   bool          `envconfig:"REPORTS_ASYNC_GENERATION" default:"false"`
	HeartbeatInterval time.Duration `envconfig:"REPORTS_HEARTBEAT_INTERVAL" default:"15s"`
	GenerationTimeout time.Duration `envconfig:"REPORTS_GENERATION_TIMEOUT" default:"3m"`
	AllowlistTokens   []string      `envconfig:"REPORTS_ALLOWLIST_TOKENS" default:""`
	AllowedOrigins    []string      `envconfig:"REPORTS_ALLOWED_ORIGINS" default:"*"`
	ShutdownTimeout   time.Duration `envconfig:"REPORTS_SHUTDOWN_TIMEOUT" default:"30s"`
	DisableValidation bool          `envconfig:"REPORTS_DISABLE_OPENAPI_VALIDATION" default:"false"`
}

type PaymentConfig struct {
	Provider       string        `envconfig:"PAYMENT_PROVIDER" default:"memory"`
	ApiURL         string        `envconfig:"PAYMENT_API_URL" default:"https://api.stripe.com"`
	SecretKey      string        `envconfig:"PAYMENT_SECRET_KEY" default:""`
	Timeout        time.Duration `envconfig:"PAYMENT_TIMEOUT" default:"20s"`
	CaptureQueue   string        `envconfig:"PAYMENT_CAPTURE_QUEUE" default:"inprocess"`
	CaptureWorkers int           `envconfig:"PAYMENT_CAPTURE_WORKERS" default:"2"`
}

type GenerationConfig struct {
	Provider    string  `envconfig:"GENERATION_PROVIDER" default:"mock"`
	ApiURL      string  `envconfig:"GENERATION_API_URL" default:"https://api.openai.com/v1"`
	ApiKey      string  `envconfig:"GENERATION_API_KEY" default:""`
	Model       string  `envconfig:"GENERATION_MODEL" default:"gpt-4o-mini"`
	Temperature float64 `envconfig:"GENERATION_TEMPERATURE" default:"0.7"`
}

type SweeperConfig struct {
	Threshold      time.Duration `envconfig:"SWEEPER_THRESHOLD" default:"5m"`
	Interval       time.Duration `envconfig:"SWEEPER_INTERVAL" default:"0"`
	Secret         string        `envconfig:"SWEEPER_SECRET" default:""`
	AlertThreshold int           `envconfig:"SWEEPER_ALERT_THRESHOLD" default:"10"`
	Concurrency    int           `envconfig:"SWEEPER_CONCURRENCY" default:"4"`
}

type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR" default:""`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

type ArchiveConfig struct {
	Endpoint  string `envconfig:"ARCHIVE_ENDPOINT" default:""`
	Bucket    string `envconfig:"ARCHIVE_BUCKET" default:"reports"`
	AccessKey string `envconfig:"ARCHIVE_ACCESS_KEY" default:""`
	SecretKey string `envconfig:"ARCHIVE_SECRET_KEY" default:""`
	UseSSL    bool   `envconfig:"ARCHIVE_USE_SSL" default:"true"`
}

type EventsConfig struct {
	Brokers  []string            `envconfig:"EVENTS_KAFKA_BROKERS" default:""`
	Topic    string              `envconfig:"EVENTS_KAFKA_TOPIC" default:"reports.events"`
	Version  sarama.KafkaVersion `envconfig:"EVENTS_KAFKA_VERSION" default:""`
	ClientID string              `envconfig:"EVENTS_KAFKA_CLIENT_ID" default:"report-pipeline"`
	Source   string              `envconfig:"EVENTS_SOURCE" default:"reports.pipeline"`
	Buffer   int                 `envconfig:"EVENTS_BUFFER_CAPACITY" default:"1024"`

	SaramaConfig *sarama.Config
}

type TracingConfig struct {
	Enabled      bool    `envconfig:"OTEL_ENABLED" default:"false"`
	OTLPEndpoint string  `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:""`
	SamplerRatio float64 `envconfig:"OTEL_SAMPLER_RATIO" default:"0.1"`
}

func New() (*Config, error) {
	if singleConfig == nil {
		singleConfig = new(Config)
		if err := envconfig.Process("", singleConfig); err != nil {
			return nil, err
		}
	}
	return singleConfig, nil
}

// NewFromEnv always re-reads the environment, bypassing the process-wide instance.
func NewFromEnv() (*Config, error) {
	cfg := new(Config)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
