package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config captures runtime configuration for the report service.
type Config struct {
	ListenAddr string `env:"REPORTS_LISTEN_ADDR" envDefault:":8080"`

	OpenAIAPIKey  string   `env:"REPORTS_OPENAI_API_KEY"`
	OpenAIBaseURL string   `env:"REPORTS_OPENAI_BASE_URL"`
	Models        []string `env:"REPORTS_MODELS" envSeparator:"," envDefault:"gpt-4o-mini,gpt-4o,gpt-4.1"`
	EntityModel   string   `env:"REPORTS_ENTITY_MODEL" envDefault:"gpt-4o-mini"`
	ModelPrices   string   `env:"REPORTS_MODEL_PRICES" envDefault:"gpt-4o-mini=0.00015/0.0006,gpt-4o=0.0025/0.01,gpt-4.1=0.002/0.008"`

	Temperature         float64 `env:"REPORTS_TEMPERATURE" envDefault:"0.7"`
	MaxPromptChars      int     `env:"REPORTS_MAX_PROMPT_CHARS" envDefault:"8000"`
	MaxOutputTokens     int     `env:"REPORTS_MAX_OUTPUT_TOKENS" envDefault:"4000"`
	EntityMaxInputChars int     `env:"REPORTS_ENTITY_MAX_INPUT_CHARS" envDefault:"12000"`
	EntityMaxTokens     int     `env:"REPORTS_ENTITY_MAX_TOKENS" envDefault:"1024"`
	SectionBufferBytes  int     `env:"REPORTS_SECTION_BUFFER_BYTES" envDefault:"512"`

	CacheTTL   time.Duration `env:"REPORTS_CACHE_TTL" envDefault:"2h"`
	ExportTTL  time.Duration `env:"REPORTS_EXPORT_TTL" envDefault:"10m"`
	RunTimeout time.Duration `env:"REPORTS_RUN_TIMEOUT" envDefault:"5m"`

	DatabasePath string `env:"REPORTS_DATABASE_PATH" envDefault:"data/reports.db"`
	RedisURL     string `env:"REPORTS_REDIS_URL"`
	CacheSize    int    `env:"REPORTS_CACHE_SIZE" envDefault:"1024"`

	LogLevel      string `env:"REPORTS_LOG_LEVEL" envDefault:"info"`
	LogFormat     string `env:"REPORTS_LOG_FORMAT" envDefault:"text"`
	LogFile       string `env:"REPORTS_LOG_FILE"`
	LogMaxSizeMB  int    `env:"REPORTS_LOG_MAX_SIZE_MB" envDefault:"50"`
	LogMaxBackups int    `env:"REPORTS_LOG_MAX_BACKUPS" envDefault:"3"`
	LogMaxAgeDays int    `env:"REPORTS_LOG_MAX_AGE_DAYS" envDefault:"14"`

	// Prices is derived from ModelPrices.
	Prices map[string]Price `env:"-"`
}

// Price is the USD cost per 1K prompt and completion tokens.
type Price struct {
	Prompt     float64
	Completion float64
}

// FromEnv creates a configuration instance sourced from environment variables.
func FromEnv() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	prices, err := parsePrices(cfg.ModelPrices)
	if err != nil {
		return Config{}, fmt.Errorf("parse REPORTS_MODEL_PRICES: %w", err)
	}
	cfg.Prices = prices

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the service cannot run with.
func (c Config) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("REPORTS_MODELS must list at least one model")
	}
	if c.MaxPromptChars <= 0 {
		return fmt.Errorf("REPORTS_MAX_PROMPT_CHARS must be positive")
	}
	if c.MaxOutputTokens <= 0 {
		return fmt.Errorf("REPORTS_MAX_OUTPUT_TOKENS must be positive")
	}
	if c.SectionBufferBytes <= 0 {
		return fmt.Errorf("REPORTS_SECTION_BUFFER_BYTES must be positive")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("REPORTS_TEMPERATURE must be within [0, 2]")
	}
	return nil
}

// DefaultModel is the first entry of the allow-list.
func (c Config) DefaultModel() string {
	if len(c.Models) == 0 {
		return ""
	}
	return c.Models[0]
}

// parsePrices reads "model=prompt/completion" pairs separated by commas.
func parsePrices(raw string) (map[string]Price, error) {
	prices := make(map[string]Price)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		model, rates, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("entry %q: missing '='", pair)
		}
		var p Price
		if _, err := fmt.Sscanf(rates, "%f/%f", &p.Prompt, &p.Completion); err != nil {
			return nil, fmt.Errorf("entry %q: %w", pair, err)
		}
		prices[strings.TrimSpace(model)] = p
	}
	return prices, nil
}

// NewLogger builds the process logger. The returned closer releases the
// rotating log file when one is configured.
func NewLogger(cfg Config) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REPORTS_LOG_LEVEL: %w", err)
	}
	logger.SetLevel(level)

	if strings.EqualFold(cfg.LogFormat, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.LogFile == "" {
		logger.SetOutput(os.Stdout)
		return logger, nopCloser{}, nil
	}

	rotating := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAgeDays,
		LocalTime:  true,
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, rotating))
	return logger, rotating, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
