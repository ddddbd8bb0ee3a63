package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration. A Config is fixed at run start;
// nothing reads the environment after Load returns.
type Config struct {
	// App
	Env    string
	DBPath string

	// Discord
	DiscordToken      string
	PageSize          int
	PerChannelLimit   int // 0 = unbounded
	IngestConcurrency int
	RequestsPerSecond float64
	RequestBurst      int
	RetryAfterPadding time.Duration
	MaxFetchAttempts  int

	// Analysis service (any OpenAI-compatible endpoint)
	AnalyzerBaseURL     string
	AnalyzerAPIKey      string
	AnalyzerModel       string
	AnalyzerTimeout     time.Duration
	AnalyzerMaxAttempts int
	MaxChunkAttempts    int
	// AnalyzeConcurrency bounds how many subjects are analyzed in parallel;
	// kept separate from IngestConcurrency because the two pools hit
	// different services with different rate limits.
	AnalyzeConcurrency int

	// Chunking
	ChunkMaxCost  int
	ChunkMaxCount int
	MaxIterations int // 0 = all chunks

	// Reporting
	StabilityWindow int
	OutputDir       string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Env:    getEnv("ENV", "development"),
		DBPath: getEnv("DB_PATH", "psychoshit.db"),

		DiscordToken:      getEnv("DISCORD_TOKEN", ""),
		PageSize:          getEnvInt("PAGE_SIZE", 100),
		PerChannelLimit:   getEnvInt("PER_CHANNEL_LIMIT", 0),
		IngestConcurrency: getEnvInt("INGEST_CONCURRENCY", 4),
		RequestsPerSecond: getEnvFloat("REQUESTS_PER_SECOND", 2.0),
		RequestBurst:      getEnvInt("REQUEST_BURST", 4),
		RetryAfterPadding: getEnvDuration("RETRY_AFTER_PADDING", 500*time.Millisecond),
		MaxFetchAttempts:  getEnvInt("MAX_FETCH_ATTEMPTS", 5),

		AnalyzerBaseURL:     getEnv("ANALYZER_BASE_URL", "https://api.deepseek.com"),
		AnalyzerAPIKey:      getEnv("ANALYZER_API_KEY", ""),
		AnalyzerModel:       getEnv("ANALYZER_MODEL", "deepseek-chat"),
		AnalyzerTimeout:     getEnvDuration("ANALYZER_TIMEOUT", 2*time.Minute),
		AnalyzerMaxAttempts: getEnvInt("ANALYZER_MAX_ATTEMPTS", 5),
		MaxChunkAttempts:    getEnvInt("MAX_CHUNK_ATTEMPTS", 3),
		AnalyzeConcurrency:  getEnvInt("ANALYZE_CONCURRENCY", 2),

		ChunkMaxCost:  getEnvInt("CHUNK_MAX_COST", 25000),
		ChunkMaxCount: getEnvInt("CHUNK_MAX_COUNT", 500),
		MaxIterations: getEnvInt("MAX_ITERATIONS", 0),

		StabilityWindow: getEnvInt("STABILITY_WINDOW", 5),
		OutputDir:       getEnv("OUTPUT_DIR", "reports"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that configuration values are usable
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if c.PageSize <= 0 || c.PageSize > 100 {
		return fmt.Errorf("PAGE_SIZE must be in 1..100 (Discord API page ceiling)")
	}
	if c.IngestConcurrency <= 0 {
		return fmt.Errorf("INGEST_CONCURRENCY must be positive")
	}
	if c.RequestsPerSecond <= 0 {
		return fmt.Errorf("REQUESTS_PER_SECOND must be positive")
	}
	if c.ChunkMaxCost <= 0 {
		return fmt.Errorf("CHUNK_MAX_COST must be positive")
	}
	if c.ChunkMaxCount <= 0 {
		return fmt.Errorf("CHUNK_MAX_COUNT must be positive")
	}
	if c.MaxChunkAttempts <= 0 {
		return fmt.Errorf("MAX_CHUNK_ATTEMPTS must be positive")
	}
	if c.AnalyzerMaxAttempts <= 0 {
		return fmt.Errorf("ANALYZER_MAX_ATTEMPTS must be positive")
	}
	if c.AnalyzeConcurrency <= 0 {
		return fmt.Errorf("ANALYZE_CONCURRENCY must be positive")
	}
	if c.StabilityWindow <= 0 {
		return fmt.Errorf("STABILITY_WINDOW must be positive")
	}
	// Discord token and analyzer key are checked by the subcommands that
	// actually need them, so offline subcommands keep working.
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var result float64
		if _, err := fmt.Sscanf(value, "%f", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
