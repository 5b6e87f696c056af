package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config stores runtime configuration loaded from environment variables.
type Config struct {
	Port string
	Env  string

	Database     string
	UploadDir    string
	StoreBackend string
	RedisURL     string

	LLMProvider    string
	OpenAIKey      string
	OpenAIEndpoint string
	OpenAIModel    string
	GeminiKey      string
	GeminiModel    string
	ZAIKey         string
	ZAIBaseURL     string
	ZAIModel       string

	LLMMaxConcurrency    int
	LLMRequestsPerMinute int
	LLMTimeout           time.Duration

	HeuristicsFile string
	LogFile        string
}

// Load reads configuration from the environment, providing sensible defaults.
func Load() Config {
	// Load .env file if it exists (useful for development)
	_ = godotenv.Load()
	cfg := Config{
		Port:                 getEnv("PORT", "8080"),
		Env:                  getEnv("APP_ENV", "development"),
		Database:             getEnv("DATABASE_PATH", "./data/medstudy.db"),
		UploadDir:            getEnv("UPLOAD_DIR", "./data/uploads"),
		StoreBackend:         getEnv("STORE_BACKEND", "sqlite"),
		RedisURL:             os.Getenv("REDIS_URL"),
		LLMProvider:          getEnv("LLM_PROVIDER", "openai"),
		OpenAIKey:            os.Getenv("OPENAI_API_KEY"),
		OpenAIEndpoint:       getEnv("OPENAI_API_ENDPOINT", "https://api.openai.com/v1"),
		OpenAIModel:          getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		GeminiKey:            os.Getenv("GEMINI_API_KEY"),
		GeminiModel:          getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		ZAIKey:               os.Getenv("Z_AI_API_KEY"),
		ZAIBaseURL:           getEnv("Z_AI_BASE_URL", "https://open.bigmodel.cn/api/paas/v4/"),
		ZAIModel:             getEnv("Z_AI_VISION_MODEL", "glm-4.5v"),
		LLMMaxConcurrency:    getEnvInt("LLM_MAX_CONCURRENCY", 1),
		LLMRequestsPerMinute: getEnvInt("LLM_REQUESTS_PER_MINUTE", 60),
		LLMTimeout:           time.Duration(getEnvInt("LLM_TIMEOUT_SECONDS", 180)) * time.Second,
		HeuristicsFile:       os.Getenv("HEURISTICS_FILE"),
		LogFile:              os.Getenv("LOG_FILE"),
	}

	if cfg.LLMMaxConcurrency < 1 {
		cfg.LLMMaxConcurrency = 1
	}

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		log.Fatalf("failed to ensure upload dir %s: %v", cfg.UploadDir, err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0o755); err != nil {
		log.Fatalf("failed to ensure database dir %s: %v", cfg.Database, err)
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	val := getEnv(key, "")
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}
