package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all application configuration
type Config struct {
	// Server settings
	ServerPort    int    `env:"SERVER_PORT" envDefault:"3002"`
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:"0.0.0.0"`
	Environment   string `env:"ENVIRONMENT" envDefault:"local"`
	Debug         bool   `env:"DEBUG" envDefault:"false"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	// Database settings
	Database DatabaseConfig

	// API authentication
	Auth AuthConfig

	// Storage for uploaded PDFs
	Storage StorageConfig

	// PDF text extraction service
	Extractor ExtractorConfig

	// Linguistic annotation service (POS tagging)
	Linguist LinguistConfig

	// LLM configuration (normalization calls)
	LLM LLMConfig

	// Normalizer call policy
	Normalize NormalizeConfig

	// Chunk worker pool
	Workers WorkerConfig

	// Job and chunk lifecycle
	Jobs JobsConfig

	// Credit ledger and pricing
	Credits CreditsConfig

	// Output quality gate
	Validation ValidationConfig

	// Server timeouts
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"28800s"` // 8 hours for SSE
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"28800s"`  // 8 hours for SSE
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host         string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port         int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User         string        `env:"POSTGRES_USER" envDefault:"phraseforge"`
	Password     string        `env:"POSTGRES_PASSWORD" envDefault:""`
	Database     string        `env:"POSTGRES_DB" envDefault:"phraseforge"`
	SSLMode      string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// AuthConfig holds bearer-token authentication settings
type AuthConfig struct {
	// JWTSecret signs and verifies HS256 bearer tokens
	JWTSecret string `env:"AUTH_JWT_SECRET" envDefault:""`

	// TokenTTL bounds tokens issued by the dev token endpoint
	TokenTTL time.Duration `env:"AUTH_TOKEN_TTL" envDefault:"24h"`

	// AdminAPIKey guards force-finalize and other admin operations
	// (via X-Admin-Key header)
	AdminAPIKey string `env:"ADMIN_API_KEY" envDefault:""`

	// Disabled bypasses auth entirely (tests and local development only)
	Disabled bool `env:"AUTH_DISABLED" envDefault:"false"`
}

// IsConfigured returns true if bearer auth can verify tokens
func (a *AuthConfig) IsConfigured() bool {
	return a.JWTSecret != ""
}

// StorageConfig holds storage (MinIO/S3) configuration for uploaded PDFs
type StorageConfig struct {
	// Endpoint is the MinIO/S3 endpoint URL
	Endpoint string `env:"MINIO_ENDPOINT" envDefault:"localhost:9000"`
	// AccessKeyID is the access key ID
	AccessKeyID string `env:"MINIO_ACCESS_KEY" envDefault:""`
	// SecretAccessKey is the secret access key
	SecretAccessKey string `env:"MINIO_SECRET_KEY" envDefault:""`
	// Bucket is the bucket name
	Bucket string `env:"MINIO_BUCKET" envDefault:"phraseforge-uploads"`
	// UseSSL determines if SSL should be used
	UseSSL bool `env:"MINIO_USE_SSL" envDefault:"false"`
	// Region is the bucket region (for S3 compatibility)
	Region string `env:"MINIO_REGION" envDefault:"us-east-1"`
}

// IsConfigured returns true if storage is configured
func (s *StorageConfig) IsConfigured() bool {
	return s.Endpoint != "" && s.AccessKeyID != "" && s.SecretAccessKey != ""
}

// ExtractorConfig holds the PDF page-text extraction service configuration
type ExtractorConfig struct {
	// Enabled determines if remote extraction is enabled
	Enabled bool `env:"EXTRACTOR_ENABLED" envDefault:"true"`
	// ServiceURL is the extraction service URL
	ServiceURL string `env:"EXTRACTOR_SERVICE_URL" envDefault:"http://localhost:8000"`
	// TimeoutMs is the request timeout in milliseconds
	TimeoutMs int `env:"EXTRACTOR_SERVICE_TIMEOUT" envDefault:"300000"`
	// MaxFileSizeMB is the maximum accepted PDF size
	MaxFileSizeMB int `env:"EXTRACTOR_MAX_FILE_SIZE_MB" envDefault:"100"`
}

// Timeout returns the request timeout as a Duration
func (e *ExtractorConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutMs) * time.Millisecond
}

// LinguistConfig holds the linguistic annotation service configuration.
// When disabled, sentence metadata falls back to built-in heuristics.
type LinguistConfig struct {
	Enabled    bool   `env:"LINGUIST_ENABLED" envDefault:"false"`
	ServiceURL string `env:"LINGUIST_SERVICE_URL" envDefault:"http://localhost:8400"`
	TimeoutMs  int    `env:"LINGUIST_SERVICE_TIMEOUT" envDefault:"30000"`
}

// Timeout returns the request timeout as a Duration
func (l *LinguistConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutMs) * time.Millisecond
}

// LLMConfig holds Vertex AI configuration for normalization calls
type LLMConfig struct {
	// GCP Project ID for Vertex AI
	GCPProjectID string `env:"GCP_PROJECT_ID" envDefault:""`

	// Vertex AI location
	VertexAILocation string `env:"VERTEX_AI_LOCATION" envDefault:"global"`

	// Model name
	Model string `env:"VERTEX_AI_MODEL" envDefault:"gemini-3-flash-preview"`

	// Max output tokens per call
	MaxOutputTokens int `env:"LLM_MAX_OUTPUT_TOKENS" envDefault:"8192"`

	// Temperature (0.0-1.0); normalization wants deterministic output
	Temperature float64 `env:"LLM_TEMPERATURE" envDefault:"0"`

	// Request timeout
	Timeout time.Duration `env:"LLM_TIMEOUT" envDefault:"120s"`

	// Disable LLM network calls (for testing)
	NetworkDisabled bool `env:"LLM_NETWORK_DISABLED" envDefault:"false"`
}

// IsEnabled returns true if LLM is configured
func (l *LLMConfig) IsEnabled() bool {
	if l.NetworkDisabled {
		return false
	}
	return l.GCPProjectID != "" && l.VertexAILocation != ""
}

// NormalizeConfig bounds individual normalization calls
type NormalizeConfig struct {
	// CallTimeout is the hard deadline per model call
	CallTimeout time.Duration `env:"NORMALIZE_CALL_TIMEOUT" envDefault:"60s"`

	// MaxRetries is the retry budget per call for transient failures
	MaxRetries int `env:"NORMALIZE_MAX_RETRIES" envDefault:"3"`

	// BaseDelay seeds the exponential backoff between retries
	BaseDelay time.Duration `env:"NORMALIZE_RETRY_BASE_DELAY" envDefault:"1s"`

	// MaxDelay caps the backoff
	MaxDelay time.Duration `env:"NORMALIZE_RETRY_MAX_DELAY" envDefault:"30s"`

	// BatchSize is the number of sentences grouped per model call
	BatchSize int `env:"NORMALIZE_BATCH_SIZE" envDefault:"20"`

	// RatePerSecond throttles outbound model calls across all workers
	// in this process (0 disables throttling)
	RatePerSecond float64 `env:"NORMALIZE_RATE_PER_SECOND" envDefault:"4"`
}

// WorkerConfig holds the chunk worker pool settings
type WorkerConfig struct {
	// Concurrency is the number of chunk workers
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"4"`

	// PollIntervalMs is the idle claim-poll interval in milliseconds
	PollIntervalMs int `env:"WORKER_POLL_INTERVAL_MS" envDefault:"1000"`

	// SoftTimeout triggers a cooperative cancel of a chunk task
	SoftTimeout time.Duration `env:"WORKER_SOFT_TIMEOUT" envDefault:"10m"`

	// HardTimeout abandons the task goroutine and recycles the worker
	HardTimeout time.Duration `env:"WORKER_HARD_TIMEOUT" envDefault:"15m"`

	// MaxRSSMB recycles a worker whose resident set exceeds this (0 disables)
	MaxRSSMB int `env:"WORKER_MAX_RSS_MB" envDefault:"0"`

	// TasksPerRecycle recycles a worker after this many tasks (0 disables)
	TasksPerRecycle int `env:"WORKER_TASKS_PER_RECYCLE" envDefault:"200"`
}

// PollInterval returns the poll interval as a Duration
func (w *WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMs) * time.Millisecond
}

// JobsConfig holds job and chunk lifecycle settings
type JobsConfig struct {
	// ChunkMaxRetries is the transient-retry budget per chunk
	ChunkMaxRetries int `env:"CHUNK_MAX_RETRIES" envDefault:"2"`

	// ChunkRetryBaseDelay seeds the reschedule backoff
	ChunkRetryBaseDelay time.Duration `env:"CHUNK_RETRY_BASE_DELAY" envDefault:"30s"`

	// HeartbeatInterval is how often a worker stamps a running chunk
	HeartbeatInterval time.Duration `env:"CHUNK_HEARTBEAT_INTERVAL" envDefault:"30s"`

	// ChunkStuckThreshold: processing chunks whose heartbeat is older
	// than this are reset by the stuck-chunk watchdog
	ChunkStuckThreshold time.Duration `env:"CHUNK_STUCK_THRESHOLD" envDefault:"12m"`

	// JobSoftTimeout: processing jobs older than this are force-finalized
	// by the unfinalized-job watchdog
	JobSoftTimeout time.Duration `env:"JOB_SOFT_TIMEOUT" envDefault:"2h"`

	// WatchdogInterval is the cadence of the watchdog cron tasks
	WatchdogInterval time.Duration `env:"JOB_WATCHDOG_INTERVAL" envDefault:"1m"`
}

// CreditsConfig holds ledger and pricing settings
type CreditsConfig struct {
	// MonthlyGrant is the free credit amount granted once per calendar month
	MonthlyGrant int64 `env:"MONTHLY_GRANT" envDefault:"100"`

	// OverdraftFloor is the most negative balance a reserve or finalize
	// may leave
	OverdraftFloor int64 `env:"CREDIT_OVERDRAFT_FLOOR" envDefault:"-10"`

	// SafetyMultiplier pads estimates so reservations rarely under-cover
	SafetyMultiplier float64 `env:"CREDIT_SAFETY_MULTIPLIER" envDefault:"1.10"`

	// RatePerKiloTokens converts estimated tokens to credits
	RatePerKiloTokens float64 `env:"CREDIT_RATE_PER_KILO_TOKENS" envDefault:"1.0"`

	// TokensPerPage is the page-to-token heuristic
	TokensPerPage int `env:"CREDIT_TOKENS_PER_PAGE" envDefault:"500"`

	// PricingVersion is recorded on every estimate and reservation
	PricingVersion string `env:"PRICING_VERSION" envDefault:"v1"`

	// ReservationTTL: reservations older than this with no live job are
	// refunded by the abandoned-reservation watchdog
	ReservationTTL time.Duration `env:"CREDIT_RESERVATION_TTL" envDefault:"24h"`
}

// ValidationConfig holds the output quality gate settings
type ValidationConfig struct {
	// MinWords and MaxWords bound accepted sentence length
	MinWords int `env:"VALIDATION_MIN_WORDS" envDefault:"4"`
	MaxWords int `env:"VALIDATION_MAX_WORDS" envDefault:"8"`

	// MinPassRate fails a chunk whose validation pass rate falls below it
	MinPassRate float64 `env:"VALIDATION_MIN_PASS_RATE" envDefault:"0.30"`

	// WarnPassRate logs a warning for chunks passing below it
	WarnPassRate float64 `env:"VALIDATION_WARN_PASS_RATE" envDefault:"0.70"`
}

// NewConfig loads configuration from environment variables
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.Int("port", cfg.ServerPort),
		slog.String("db_host", cfg.Database.Host),
		slog.Int("worker_concurrency", cfg.Workers.Concurrency),
	)

	return cfg, nil
}
