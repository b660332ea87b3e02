package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds shared runtime configuration for the worker, retrier and API services.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string

	// Dispatcher.
	WorkerCount     int
	SubmitStagger   time.Duration
	SequentialDelay time.Duration

	// Exit-identity cooldown.
	CooldownPeriod    time.Duration
	CooldownStorePath string
	DailyFailurePath  string
	AutoCleanup       bool

	// Rotating proxy.
	ProxyAddr       string
	ControlAddr     string
	ControlPassword string
	EchoURL         string
	RotationWait    time.Duration
	MaxRotations    int

	// Transcript fetching.
	FetchTimeoutBase time.Duration
	FetchTimeoutMax  time.Duration
	FetchAttempts    int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration

	// Durable logs.
	JobLogPath   string
	AuditLogPath string

	// Retry scheduling.
	RetryInterval time.Duration

	// Generated artifacts.
	OutputDir      string
	CacheDir       string
	S3Bucket       string
	S3Region       string
	WithAssessment bool
	ExportPDFs     bool

	// Collaborator endpoints.
	TranscriptURLTemplate string
	TitleURLTemplate      string
	NotesAPIURL           string
	IndexAPIURL           string
	PDFAPIURL             string

	// Optional backends.
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RateLimitCapacity int
	RateLimitRefill   float64
	PostgresDSN       string
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	dataDir := getEnv("DATA_DIR", "./data")
	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		WorkerCount:     getEnvInt("WORKER_COUNT", 3),
		SubmitStagger:   getEnvDuration("SUBMIT_STAGGER", 5*time.Second),
		SequentialDelay: getEnvDuration("SEQUENTIAL_DELAY", 30*time.Second),

		CooldownPeriod:    getEnvDuration("COOLDOWN_PERIOD", time.Hour),
		CooldownStorePath: getEnv("COOLDOWN_STORE_PATH", filepath.Join(dataDir, "exit_identities.json")),
		DailyFailurePath:  getEnv("DAILY_FAILURE_PATH", filepath.Join(dataDir, "daily_failures.json")),
		AutoCleanup:       getEnvBool("COOLDOWN_AUTO_CLEANUP", true),

		ProxyAddr:       getEnv("PROXY_ADDR", "127.0.0.1:9050"),
		ControlAddr:     getEnv("CONTROL_ADDR", "127.0.0.1:9051"),
		ControlPassword: getEnv("CONTROL_PASSWORD", ""),
		EchoURL:         getEnv("ECHO_URL", "https://api.ipify.org"),
		RotationWait:    getEnvDuration("ROTATION_WAIT", 12*time.Second),
		MaxRotations:    getEnvInt("MAX_ROTATIONS", 8),

		FetchTimeoutBase: getEnvDuration("FETCH_TIMEOUT_BASE", 20*time.Second),
		FetchTimeoutMax:  getEnvDuration("FETCH_TIMEOUT_MAX", 2*time.Minute),
		FetchAttempts:    getEnvInt("FETCH_ATTEMPTS", 4),
		BackoffInitial:   getEnvDuration("BACKOFF_INITIAL", 2*time.Second),
		BackoffMax:       getEnvDuration("BACKOFF_MAX", time.Minute),

		JobLogPath:   getEnv("JOB_LOG_PATH", filepath.Join(dataDir, "job_log.jsonl")),
		AuditLogPath: getEnv("AUDIT_LOG_PATH", filepath.Join(dataDir, "attempt_audit.jsonl")),

		RetryInterval: getEnvDuration("RETRY_INTERVAL", 20*time.Minute),

		OutputDir:      getEnv("OUTPUT_DIR", "./notes"),
		CacheDir:       getEnv("CACHE_DIR", filepath.Join(dataDir, "cache")),
		S3Bucket:       getEnv("S3_BUCKET", ""),
		S3Region:       getEnv("S3_REGION", "us-east-1"),
		WithAssessment: getEnvBool("WITH_ASSESSMENT", false),
		ExportPDFs:     getEnvBool("EXPORT_PDFS", false),

		TranscriptURLTemplate: getEnv("TRANSCRIPT_URL_TEMPLATE", ""),
		TitleURLTemplate:      getEnv("TITLE_URL_TEMPLATE", ""),
		NotesAPIURL:           getEnv("NOTES_API_URL", "http://localhost:8091"),
		IndexAPIURL:           getEnv("INDEX_API_URL", ""),
		PDFAPIURL:             getEnv("PDF_API_URL", ""),

		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 10),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 0.5),
		PostgresDSN:       getEnv("POSTGRES_DSN", ""),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
