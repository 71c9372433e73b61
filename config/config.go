package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultServerAddr             = ":8000"
	DefaultOllamaBaseURL          = "http://localhost:11434"
	DefaultOllamaModel            = "qwen2.5:7b"
	DefaultEmbeddingModel         = "nomic-embed-text:latest"
	DefaultOllamaTimeout          = 600 * time.Second
	DefaultMaxRetries             = 3
	DefaultRetryDelay             = time.Second
	DefaultBreakerFailures        = 5
	DefaultEmbeddingMaxConcurrent = 5
	DefaultEmbeddingMaxTokens     = 512
	DefaultEmbeddingDimension     = 768
	DefaultGeminiModel            = "gemini-1.5-flash"
	DefaultStoreBackend           = "postgres"
	DefaultCollectionName         = "legal_documents"
	DefaultDataPath               = "../data"
	DefaultBackupDir              = "./backups"
	DefaultMaxSources             = 3
	DefaultSimilarityThreshold    = 0.002
	DefaultConfidenceBoost        = 1.2
	DefaultConfidenceTopK         = 3
	DefaultIndexBatchSize         = 50
	DefaultIndexBatchPause        = 100 * time.Millisecond
	DefaultCacheTTL               = 24 * time.Hour
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds every tunable of the service.
type Config struct {
	ServerAddr string `validate:"required"`

	OllamaBaseURL   string        `validate:"required,url"`
	OllamaModel     string        `validate:"required"`
	EmbeddingModel  string        `validate:"required"`
	OllamaTimeout   time.Duration `validate:"gt=0"`
	MaxRetries      int           `validate:"gte=0,lte=10"`
	RetryDelay      time.Duration `validate:"gte=0"`
	CountTokens     bool
	BreakerFailures int `validate:"gte=0"`

	EmbeddingMaxConcurrent int     `validate:"gte=1"`
	EmbeddingMaxTokens     int     `validate:"gte=1"`
	EmbeddingDimension     int     `validate:"gte=1"`
	EmbeddingRateLimit     float64 `validate:"gte=0"`

	ValidatorBackend string `validate:"omitempty,oneof=gemini ollama none"`
	ValidatorModel   string
	GeminiAPIKey     string
	GeminiModel      string
	GeminiBaseURL    string
	UseValidation    bool

	StoreBackend   string `validate:"oneof=postgres memory"`
	PGHost         string
	PGPort         int
	PGUser         string
	PGPass         string
	PGDBName       string
	CollectionName string `validate:"required"`

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	DataPath        string        `validate:"required"`
	BackupDir       string        `validate:"required"`
	IndexBatchSize  int           `validate:"gte=1"`
	IndexBatchPause time.Duration `validate:"gte=0"`
	// PDFCropTop and PDFCropBottom, in points, cut running headers and
	// footers off statute PDFs before text extraction.
	PDFCropTop    float64 `validate:"gte=0"`
	PDFCropBottom float64 `validate:"gte=0"`

	MaxSources          int     `validate:"gte=1,lte=20"`
	SimilarityThreshold float64 `validate:"gte=0,lte=1"`
	FastMode            bool
	ConfidenceBoost     float64 `validate:"gt=0"`
	ConfidenceTopK      int     `validate:"gte=1"`

	LogLevel  string
	LogFormat string `validate:"omitempty,oneof=text json"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		ServerAddr:             DefaultServerAddr,
		OllamaBaseURL:          DefaultOllamaBaseURL,
		OllamaModel:            DefaultOllamaModel,
		EmbeddingModel:         DefaultEmbeddingModel,
		OllamaTimeout:          DefaultOllamaTimeout,
		MaxRetries:             DefaultMaxRetries,
		RetryDelay:             DefaultRetryDelay,
		CountTokens:            true,
		BreakerFailures:        DefaultBreakerFailures,
		EmbeddingMaxConcurrent: DefaultEmbeddingMaxConcurrent,
		EmbeddingMaxTokens:     DefaultEmbeddingMaxTokens,
		EmbeddingDimension:     DefaultEmbeddingDimension,
		GeminiModel:            DefaultGeminiModel,
		StoreBackend:           DefaultStoreBackend,
		PGHost:                 "localhost",
		PGPort:                 5432,
		CollectionName:         DefaultCollectionName,
		CacheTTL:               DefaultCacheTTL,
		DataPath:               DefaultDataPath,
		BackupDir:              DefaultBackupDir,
		IndexBatchSize:         DefaultIndexBatchSize,
		IndexBatchPause:        DefaultIndexBatchPause,
		MaxSources:             DefaultMaxSources,
		SimilarityThreshold:    DefaultSimilarityThreshold,
		ConfidenceBoost:        DefaultConfidenceBoost,
		ConfidenceTopK:         DefaultConfidenceTopK,
		LogLevel:               "info",
		LogFormat:              "text",
	}
}

// Load reads .env when present, then the optional TOML file named by
// CONFIG_FILE, then the environment. Environment variables win over the file.
// File keys are the environment names in any case (ollama_timeout = "30s").
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	file := map[string]string{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		if file, err = readFile(path); err != nil {
			return nil, err
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	}

	cfg := Default()
	if err := cfg.apply(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		values[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return values, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !identifierRe.MatchString(c.CollectionName) {
		return fmt.Errorf("invalid config: collection name %q is not an identifier", c.CollectionName)
	}
	return nil
}

// PostgresDSN builds the connection string for the Postgres store.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.PGHost, c.PGPort, c.PGUser, c.PGPass, c.PGDBName)
}

func (c *Config) apply(lookup func(string) (string, bool)) error {
	var err error
	set := func(key string, parse func(string) error) {
		if err != nil {
			return
		}
		if v, ok := lookup(key); ok {
			if perr := parse(strings.TrimSpace(v)); perr != nil {
				err = fmt.Errorf("%s: %w", key, perr)
			}
		}
	}
	str := func(key string, dst *string) {
		set(key, func(v string) error { *dst = v; return nil })
	}
	num := func(key string, dst *int) {
		set(key, func(v string) (e error) { *dst, e = strconv.Atoi(v); return })
	}
	float := func(key string, dst *float64) {
		set(key, func(v string) (e error) { *dst, e = strconv.ParseFloat(v, 64); return })
	}
	boolean := func(key string, dst *bool) {
		set(key, func(v string) (e error) { *dst, e = strconv.ParseBool(v); return })
	}
	duration := func(key string, dst *time.Duration) {
		set(key, func(v string) (e error) { *dst, e = ParseDuration(v); return })
	}

	str("SERVER_ADDR", &c.ServerAddr)
	str("OLLAMA_BASE_URL", &c.OllamaBaseURL)
	str("OLLAMA_MODEL", &c.OllamaModel)
	str("EMBEDDING_MODEL", &c.EmbeddingModel)
	duration("OLLAMA_TIMEOUT", &c.OllamaTimeout)
	num("OLLAMA_MAX_RETRIES", &c.MaxRetries)
	duration("OLLAMA_RETRY_DELAY", &c.RetryDelay)
	boolean("COUNT_TOKENS", &c.CountTokens)
	num("BREAKER_FAILURES", &c.BreakerFailures)
	num("EMBEDDING_MAX_CONCURRENT", &c.EmbeddingMaxConcurrent)
	num("EMBEDDING_MAX_TOKENS", &c.EmbeddingMaxTokens)
	num("EMBEDDING_DIMENSION", &c.EmbeddingDimension)
	float("EMBEDDING_RATE_LIMIT", &c.EmbeddingRateLimit)
	str("VALIDATOR_BACKEND", &c.ValidatorBackend)
	str("VALIDATOR_MODEL", &c.ValidatorModel)
	str("GEMINI_API_KEY", &c.GeminiAPIKey)
	str("GEMINI_MODEL", &c.GeminiModel)
	str("GEMINI_BASE_URL", &c.GeminiBaseURL)
	boolean("USE_GEMINI_VALIDATION", &c.UseValidation)
	boolean("USE_VALIDATION", &c.UseValidation)
	str("STORE_BACKEND", &c.StoreBackend)
	str("PG_HOST", &c.PGHost)
	num("PG_PORT", &c.PGPort)
	str("PG_USER", &c.PGUser)
	str("PG_PASS", &c.PGPass)
	str("PG_DB_NAME", &c.PGDBName)
	str("COLLECTION_NAME", &c.CollectionName)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	num("REDIS_DB", &c.RedisDB)
	duration("CACHE_TTL", &c.CacheTTL)
	str("CSV_DATA_PATH", &c.DataPath)
	str("BACKUP_DIR", &c.BackupDir)
	num("INDEX_BATCH_SIZE", &c.IndexBatchSize)
	duration("INDEX_BATCH_PAUSE", &c.IndexBatchPause)
	float("PDF_CROP_TOP", &c.PDFCropTop)
	float("PDF_CROP_BOTTOM", &c.PDFCropBottom)
	num("MAX_SOURCES", &c.MaxSources)
	float("SIMILARITY_THRESHOLD", &c.SimilarityThreshold)
	boolean("FAST_MODE", &c.FastMode)
	float("CONFIDENCE_BOOST", &c.ConfidenceBoost)
	num("CONFIDENCE_TOP_K", &c.ConfidenceTopK)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	if err != nil {
		return err
	}

	if c.ValidatorBackend == "" {
		c.ValidatorBackend = "none"
		if c.GeminiAPIKey != "" {
			c.ValidatorBackend = "gemini"
		}
	}
	return nil
}

// ParseDuration accepts Go duration syntax ("1.5s") or a plain number of seconds.
func ParseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

// SetupLogger installs the process-wide slog logger.
func SetupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
