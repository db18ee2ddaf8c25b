package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Fetcher   FetcherConfig
	Browser   BrowserConfig
	RateLimit RateLimitConfig
	Category  CategoryConfig
	AI        AIConfig
	Pipeline  PipelineConfig
	Sink      SinkConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Relay     RelayConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type FetcherConfig struct {
	Timeout        time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	UserAgents     []string
	AcceptLanguage string
	RespectRobots  bool
	MaxBodyBytes   int64
}

type BrowserConfig struct {
	Engine         string
	Headless       bool
	Timeout        time.Duration
	ViewportWidth  int
	ViewportHeight int
	Locale         string
	TimezoneID     string
	Scroll         bool
}

type RateLimitConfig struct {
	PerHostRPS float64
	Burst      int
	JitterMin  time.Duration
	JitterMax  time.Duration
}

type CategoryConfig struct {
	EscalationThreshold int
	MinAnchors          int
	MaxSnippets         int
	ExtraDenyGlobs      []string
}

type AIConfig struct {
	Endpoint    string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MinInterval time.Duration
}

func (a AIConfig) Enabled() bool {
	return a.Endpoint != ""
}

type PipelineConfig struct {
	Workers      int
	QueueMaxSize int
}

type SinkConfig struct {
	Type       string
	OutputDir  string
	SQLitePath string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	MaxConns int32
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Stream       string
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getIntOrDefault("SERVER_PORT", 8084),
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Fetcher: FetcherConfig{
			Timeout:        getDurationOrDefault("FETCH_TIMEOUT", 20*time.Second),
			MaxRetries:     getIntOrDefault("FETCH_MAX_RETRIES", 3),
			BackoffBase:    getDurationOrDefault("FETCH_BACKOFF_BASE", 1*time.Second),
			BackoffMax:     getDurationOrDefault("FETCH_BACKOFF_MAX", 30*time.Second),
			UserAgents:     getStringSliceOrDefault("FETCH_USER_AGENTS", defaultUserAgents()),
			AcceptLanguage: getEnvOrDefault("FETCH_ACCEPT_LANGUAGE", "es-ES,es;q=0.9,en;q=0.8"),
			RespectRobots:  getBoolOrDefault("FETCH_RESPECT_ROBOTS", false),
			MaxBodyBytes:   int64(getIntOrDefault("FETCH_MAX_BODY_BYTES", 10<<20)),
		},
		Browser: BrowserConfig{
			Engine:         getEnvOrDefault("BROWSER_ENGINE", "playwright"),
			Headless:       getBoolOrDefault("BROWSER_HEADLESS", true),
			Timeout:        getDurationOrDefault("BROWSER_TIMEOUT", 30*time.Second),
			ViewportWidth:  getIntOrDefault("BROWSER_VIEWPORT_WIDTH", 1920),
			ViewportHeight: getIntOrDefault("BROWSER_VIEWPORT_HEIGHT", 1080),
			Locale:         getEnvOrDefault("BROWSER_LOCALE", "es-ES"),
			TimezoneID:     getEnvOrDefault("BROWSER_TIMEZONE", "Europe/Madrid"),
			Scroll:         getBoolOrDefault("BROWSER_SCROLL", true),
		},
		RateLimit: RateLimitConfig{
			PerHostRPS: getFloatOrDefault("RATE_LIMIT_PER_HOST_RPS", 1),
			Burst:      getIntOrDefault("RATE_LIMIT_BURST", 2),
			JitterMin:  getDurationOrDefault("RATE_LIMIT_JITTER_MIN", 200*time.Millisecond),
			JitterMax:  getDurationOrDefault("RATE_LIMIT_JITTER_MAX", 1500*time.Millisecond),
		},
		Category: CategoryConfig{
			EscalationThreshold: getIntOrDefault("CATEGORY_ESCALATION_THRESHOLD", 3),
			MinAnchors:          getIntOrDefault("CATEGORY_MIN_ANCHORS", 15),
			MaxSnippets:         getIntOrDefault("CATEGORY_MAX_SNIPPETS", 150),
			ExtraDenyGlobs:      getStringSliceOrDefault("CATEGORY_DENY_GLOBS", []string{}),
		},
		AI: AIConfig{
			Endpoint:    getEnvOrDefault("AI_ENDPOINT", ""),
			APIKey:      getEnvOrDefault("AI_API_KEY", ""),
			Model:       getEnvOrDefault("AI_MODEL", "gpt-4o-mini"),
			Timeout:     getDurationOrDefault("AI_TIMEOUT", 45*time.Second),
			MinInterval: getDurationOrDefault("AI_MIN_INTERVAL", 500*time.Millisecond),
		},
		Pipeline: PipelineConfig{
			Workers:      getIntOrDefault("PIPELINE_WORKERS", 4),
			QueueMaxSize: getIntOrDefault("PIPELINE_QUEUE_MAX_SIZE", 10000),
		},
		Sink: SinkConfig{
			Type:       getEnvOrDefault("SINK_TYPE", "file"),
			OutputDir:  getEnvOrDefault("SINK_OUTPUT_DIR", "./output"),
			SQLitePath: getEnvOrDefault("SINK_SQLITE_PATH", "./catalog.db"),
		},
		Database: DatabaseConfig{
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			Name:     getEnvOrDefault("DB_NAME", "catalog"),
			MaxConns: int32(getIntOrDefault("DB_MAX_CONNS", 20)),
		},
		Redis: RedisConfig{
			Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       getIntOrDefault("REDIS_DB", 0),
		},
		Relay: RelayConfig{
			PollInterval: getDurationOrDefault("RELAY_POLL_INTERVAL", 5*time.Second),
			BatchSize:    getIntOrDefault("RELAY_BATCH_SIZE", 100),
			Stream:       getEnvOrDefault("RELAY_STREAM", "stream:catalog"),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("PIPELINE_WORKERS must be at least 1")
	}

	if c.Fetcher.MaxRetries < 1 {
		return fmt.Errorf("FETCH_MAX_RETRIES must be at least 1")
	}

	if c.Fetcher.Timeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT must be positive")
	}

	if c.RateLimit.JitterMin > c.RateLimit.JitterMax {
		return fmt.Errorf("RATE_LIMIT_JITTER_MIN cannot be greater than RATE_LIMIT_JITTER_MAX")
	}

	if c.Category.EscalationThreshold < 0 {
		return fmt.Errorf("CATEGORY_ESCALATION_THRESHOLD cannot be negative")
	}

	switch c.Browser.Engine {
	case "playwright", "chromedp", "none":
	default:
		return fmt.Errorf("unknown BROWSER_ENGINE: %s", c.Browser.Engine)
	}

	switch c.Sink.Type {
	case "file", "sqlite", "postgres", "multi":
	default:
		return fmt.Errorf("unknown SINK_TYPE: %s", c.Sink.Type)
	}

	if c.Sink.Type == "postgres" || c.Sink.Type == "multi" {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database name is required")
		}
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}

func defaultUserAgents() []string {
	return []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	}
}
