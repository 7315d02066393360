package config

import (
	"fmt"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/dunamismax/zyncut/internal/domain"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	App       AppConfig
	API       APIConfig
	Removal   RemovalConfig
	GenAI     GenAIConfig
	Quota     QuotaConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	RateLimit RateLimitConfig
	Database  DatabaseConfig
	Tracing   TracingConfig
}

type AppConfig struct {
	Env      string `env:"ZYNCUT_ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL"`
	Version  string `env:"ZYNCUT_VERSION" envDefault:"dev"`
}

type APIConfig struct {
	Addr            string        `env:"ZYNCUT_API_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"ZYNCUT_API_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"ZYNCUT_API_WRITE_TIMEOUT" envDefault:"3m"`
	ShutdownTimeout time.Duration `env:"ZYNCUT_API_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	MaxUploadBytes  int64         `env:"ZYNCUT_MAX_UPLOAD_BYTES" envDefault:"26214400"`
	MaxSessions     int           `env:"ZYNCUT_MAX_SESSIONS" envDefault:"10000"`
}

// RemovalConfig points at the n8n workflow that performs the primary removal.
type RemovalConfig struct {
	BaseURL        string        `env:"N8N_BASE_URL" envDefault:"http://localhost:5678"`
	WebhookPath    string        `env:"N8N_WEBHOOK_PATH" envDefault:"/webhook-test/remove-background"`
	URL            string        `env:"REMOVAL_URL"`
	FieldName      string        `env:"REMOVAL_FIELD_NAME" envDefault:"data"`
	RawBody        bool          `env:"REMOVAL_RAW_BODY" envDefault:"false"`
	SigningSecret  string        `env:"REMOVAL_SIGNING_SECRET"`
	Timeout        time.Duration `env:"REMOVAL_TIMEOUT" envDefault:"60s"`
	MaxAttempts    int           `env:"REMOVAL_MAX_ATTEMPTS" envDefault:"1"`
	InitialBackoff time.Duration `env:"REMOVAL_INITIAL_BACKOFF" envDefault:"500ms"`
	MaxBackoff     time.Duration `env:"REMOVAL_MAX_BACKOFF" envDefault:"5s"`
}

// WebhookURL is REMOVAL_URL when set, otherwise the base URL joined with the
// webhook path.
func (r RemovalConfig) WebhookURL() string {
	if override := strings.TrimSpace(r.URL); override != "" {
		return override
	}
	base := strings.TrimRight(strings.TrimSpace(r.BaseURL), "/")
	path := strings.TrimSpace(r.WebhookPath)
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

type GenAIConfig struct {
	APIKey  string        `env:"GEMINI_API_KEY"`
	BaseURL string        `env:"GEMINI_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta"`
	Model   string        `env:"GEMINI_MODEL" envDefault:"gemini-2.5-flash-image"`
	Timeout time.Duration `env:"GEMINI_TIMEOUT" envDefault:"90s"`
}

type QuotaConfig struct {
	FreeLimit int           `env:"QUOTA_FREE_LIMIT" envDefault:"2"`
	Period    time.Duration `env:"QUOTA_PERIOD" envDefault:"24h"`
}

func (q QuotaConfig) Quota() domain.Quota {
	return domain.Quota{FreeLimit: q.FreeLimit, Period: q.Period}
}

type QueueConfig struct {
	Async         bool          `env:"REMOVAL_ASYNC" envDefault:"false"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	Name          string        `env:"ASYNC_QUEUE" envDefault:"removals"`
	TaskTimeout   time.Duration `env:"ASYNC_TASK_TIMEOUT" envDefault:"3m"`
	Retention     time.Duration `env:"ASYNC_RESULT_RETENTION" envDefault:"5m"`
	PollInterval  time.Duration `env:"ASYNC_POLL_INTERVAL" envDefault:"250ms"`
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

func (q QueueConfig) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency   int    `env:"WORKER_CONCURRENCY"`
	MaxActiveJobs int    `env:"WORKER_MAX_ACTIVE_JOBS"`
	MetricsAddr   string `env:"WORKER_METRICS_ADDR" envDefault:":9091"`
}

type RateLimitConfig struct {
	Enabled  bool          `env:"RATE_LIMIT_ENABLED" envDefault:"false"`
	Capacity int           `env:"RATE_LIMIT_CAPACITY" envDefault:"30"`
	Window   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	// RemovalCost is the number of tokens a removal request spends.
	RemovalCost int    `env:"RATE_LIMIT_REMOVAL_COST" envDefault:"5"`
	KeyPrefix   string `env:"RATE_LIMIT_KEY_PREFIX" envDefault:"zyncut:ratelimit"`
}

// DatabaseConfig selects the usage store. An empty DSN keeps usage in memory.
type DatabaseConfig struct {
	DSN string `env:"POSTGRES_DSN"`
}

type TracingConfig struct {
	Exporter     string `env:"OTEL_TRACES_EXPORTER" envDefault:"none"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"false"`
}

// Load reads .env and .env.local when present, then parses the environment.
func Load() (Config, error) {
	_ = godotenv.Load(".env", ".env.local")
	return Parse()
}

func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = max(2, runtime.NumCPU())
	}
	if cfg.Worker.MaxActiveJobs <= 0 {
		cfg.Worker.MaxActiveJobs = max(1, runtime.NumCPU()/2)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	endpoint, err := url.Parse(c.Removal.WebhookURL())
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return fmt.Errorf("invalid removal webhook url %q", c.Removal.WebhookURL())
	}
	if c.API.MaxSessions <= 0 {
		return fmt.Errorf("ZYNCUT_MAX_SESSIONS must be positive")
	}
	if c.Quota.FreeLimit < 0 {
		return fmt.Errorf("QUOTA_FREE_LIMIT must not be negative")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Capacity <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate limit capacity and window must be positive")
	}
	if c.RateLimit.RemovalCost > c.RateLimit.Capacity && c.RateLimit.Enabled {
		return fmt.Errorf("RATE_LIMIT_REMOVAL_COST exceeds RATE_LIMIT_CAPACITY")
	}
	return nil
}
