package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Port            string
	MaxUploadMB     int64
	ShutdownTimeout time.Duration
}

// StorageConfig defines where task files live and the optional S3 mirror.
type StorageConfig struct {
	DataDir        string
	HistoryBackend string // "file"|"redis"
	MaxTasks       int
	S3Bucket       string
	S3Prefix       string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3Endpoint     string
	S3Password     string // encrypts mirrored artifacts when set
}

// RedisConfig holds connectivity for the redis history backend and health checks.
type RedisConfig struct {
	URL string
}

// OCRConfig configures the recognizer and the classifier.
type OCRConfig struct {
	Language          string
	MinConfidence     float64
	TessdataPrefix    string
	MinCharsPerPage   int
	MinTextCoverage   float64
	DefaultDPI        int
	MinDPI            int
	MaxDPI            int
	BinarizeThreshold int
}

// RecognitionConfig defines run-level limits.
type RecognitionConfig struct {
	Concurrency  int
	StallTimeout time.Duration
	GapFactor    float64
	// IndentTolerance is a fraction of page width.
	IndentTolerance float64
	BandFraction    float64
	MinRepeats      int
}

// EnhancementConfig defines chunking and retry behavior of the AI pass.
type EnhancementConfig struct {
	MaxChunkChars      int
	Parallelism        int
	StallTimeout       time.Duration
	RequestTimeout     time.Duration
	RetryAttempts      int
	RetryBaseDelay     time.Duration
	RetryBackoffFactor float64
	Temperature        float64
	MaxTokens          int
}

// ProvidersConfig defines engines and default models per provider.
type ProvidersConfig struct {
	PrimaryEngine   string // "openai"|"anthropic"
	SecondaryEngine string
	OpenAIModel     string
	AnthropicModel  string
	OpenAIKey       string
	AnthropicKey    string
	OpenAIBaseURL   string
}

// CleanupConfig controls periodic removal of old tasks.
type CleanupConfig struct {
	TaskMaxAge time.Duration
	Interval   time.Duration
}

// Config is the top-level configuration.
type Config struct {
	Logging     LoggingConfig
	Axiom       AxiomConfig
	HTTP        HTTPConfig
	Storage     StorageConfig
	Redis       RedisConfig
	OCR         OCRConfig
	Recognition RecognitionConfig
	Enhancement EnhancementConfig
	Providers   ProvidersConfig
	Cleanup     CleanupConfig
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/pdfocr.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_pdfocr",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	cfg.HTTP = HTTPConfig{
		Port:            getEnv("PORT", "8080"),
		MaxUploadMB:     int64(parseInt(getEnv("MAX_UPLOAD_MB", "100"), 100)),
		ShutdownTimeout: parseDuration(getEnv("SHUTDOWN_TIMEOUT", "10s"), 10*time.Second),
	}

	cfg.Storage = StorageConfig{
		DataDir:        getEnv("DATA_DIR", "data/tasks"),
		HistoryBackend: strings.ToLower(getEnv("HISTORY_BACKEND", "file")),
		MaxTasks:       parseInt(getEnv("MAX_TASKS", "0"), 0),
		S3Bucket:       getEnv("AWS_S3_BUCKET", ""),
		S3Prefix:       getEnv("AWS_S3_PREFIX", "pdfocr"),
		S3Region:       getEnv("AWS_REGION", ""),
		S3AccessKey:    getEnv("AWS_ACCESS_KEY_ID", ""),
		S3SecretKey:    getEnv("AWS_SECRET_ACCESS_KEY", ""),
		S3Endpoint:     getEnv("AWS_S3_ENDPOINT", ""),
		S3Password:     getEnv("S3_ENCRYPTION_PASSWORD", ""),
	}

	cfg.Redis = RedisConfig{URL: getEnv("REDIS_URL", "redis://localhost:6379")}

	cfg.OCR = OCRConfig{
		Language:          getEnv("OCR_LANGUAGE", "eng"),
		MinConfidence:     parseFloat(getEnv("OCR_MIN_CONFIDENCE", "0.5"), 0.5),
		TessdataPrefix:    getEnv("TESSDATA_PREFIX", ""),
		MinCharsPerPage:   parseInt(getEnv("PDF_TEXT_THRESHOLD", "50"), 50),
		MinTextCoverage:   parseFloat(getEnv("PDF_TEXT_COVERAGE", "0.5"), 0.5),
		DefaultDPI:        parseInt(getEnv("DEFAULT_DPI", "300"), 300),
		MinDPI:            parseInt(getEnv("MIN_DPI", "150"), 150),
		MaxDPI:            parseInt(getEnv("MAX_DPI", "600"), 600),
		BinarizeThreshold: parseInt(getEnv("BINARIZE_THRESHOLD", "0"), 0),
	}

	cfg.Recognition = RecognitionConfig{
		Concurrency:     parseInt(getEnv("RECOGNITION_CONCURRENCY", "2"), 2),
		StallTimeout:    parseDuration(getEnv("RECOGNITION_STALL_TIMEOUT", "5m"), 5*time.Minute),
		GapFactor:       parseFloat(getEnv("PARAGRAPH_LINE_SPACING_THRESHOLD", "1.5"), 1.5),
		IndentTolerance: parseFloat(getEnv("PARAGRAPH_INDENT_TOLERANCE", "0.02"), 0.02),
		BandFraction:    parseFloat(getEnv("HEADER_FOOTER_BAND", "0.1"), 0.1),
		MinRepeats:      parseInt(getEnv("HEADER_FOOTER_REPEAT_THRESHOLD", "3"), 3),
	}

	cfg.Enhancement = EnhancementConfig{
		MaxChunkChars:      parseInt(getEnv("AI_MAX_CHUNK_CHARS", "2000"), 2000),
		Parallelism:        parseInt(getEnv("AI_PARALLELISM", "1"), 1),
		StallTimeout:       parseDuration(getEnv("ENHANCEMENT_STALL_TIMEOUT", "5m"), 5*time.Minute),
		RequestTimeout:     parseDuration(getEnv("REQUEST_TIMEOUT", "60s"), 60*time.Second),
		RetryAttempts:      parseInt(getEnv("AI_RETRY_ATTEMPTS", "2"), 2),
		RetryBaseDelay:     parseDuration(getEnv("RETRY_BASE_DELAY", "2s"), 2*time.Second),
		RetryBackoffFactor: parseFloat(getEnv("RETRY_BACKOFF_FACTOR", "2.0"), 2.0),
		Temperature:        parseFloat(getEnv("AI_TEMPERATURE", "0.3"), 0.3),
		MaxTokens:          parseInt(getEnv("AI_MAX_TOKENS", "4000"), 4000),
	}
	if cfg.Enhancement.Parallelism <= 0 {
		cfg.Enhancement.Parallelism = 1
	}

	cfg.Providers = ProvidersConfig{
		PrimaryEngine:   getEnv("PRIMARY_ENGINE", "openai"),
		SecondaryEngine: getEnv("SECONDARY_ENGINE", ""),
		OpenAIModel:     getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		AnthropicModel:  getEnv("ANTHROPIC_MODEL", "claude-3-haiku"),
		OpenAIKey:       getEnv("OPENAI_API_KEY", ""),
		AnthropicKey:    getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
	}

	cfg.Cleanup = CleanupConfig{
		TaskMaxAge: parseDuration(getEnv("TASK_MAX_AGE", "72h"), 72*time.Hour),
		Interval:   parseDuration(getEnv("CLEANUP_INTERVAL", "1h"), time.Hour),
	}

	return cfg
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
