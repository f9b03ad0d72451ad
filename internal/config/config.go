package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr string

	// Providers
	EnabledProviders    []string
	DefaultProvider     string
	LMStudioBaseURL     string
	OllamaBaseURL       string
	OpenAICompatBaseURL string
	OpenAICompatAPIKey  string
	ProviderTimeout     time.Duration
	ProviderMaxRetries  int

	// Streaming
	SSEPingInterval time.Duration

	// Storage. Empty means in-memory only (dev/tests).
	DatabasePath string
}

func Load() *Config {
	// Best effort: a missing .env is not an error.
	_ = godotenv.Load()

	cfg := &Config{}
	var enabled string

	flag.StringVar(&cfg.ListenAddr, "listen-addr", getEnv("LISTEN_ADDR", ":8080"), "HTTP listen address")
	flag.StringVar(&enabled, "providers-enabled", getEnv("PROVIDERS_ENABLED", "lmstudio"), "Comma-separated provider ids to enable")
	flag.StringVar(&cfg.DefaultProvider, "provider-default", getEnv("PROVIDER_DEFAULT", "lmstudio"), "Provider id used when a request omits one")
	flag.StringVar(&cfg.LMStudioBaseURL, "lmstudio-base-url", getEnv("LMSTUDIO_BASE_URL", "http://localhost:1234"), "LM Studio base URL")
	flag.StringVar(&cfg.OllamaBaseURL, "ollama-base-url", getEnv("OLLAMA_BASE_URL", "http://localhost:11434"), "Ollama base URL")
	flag.StringVar(&cfg.OpenAICompatBaseURL, "openai-compat-base-url", getEnv("OPENAI_COMPAT_BASE_URL", ""), "OpenAI-compatible endpoint base URL")
	flag.StringVar(&cfg.OpenAICompatAPIKey, "openai-compat-api-key", getEnv("OPENAI_COMPAT_API_KEY", ""), "API key for the OpenAI-compatible endpoint")
	flag.DurationVar(&cfg.ProviderTimeout, "provider-timeout", getEnvDuration("PROVIDER_TIMEOUT", 30*time.Second), "Per-request provider timeout")
	flag.IntVar(&cfg.ProviderMaxRetries, "provider-max-retries", getEnvInt("PROVIDER_MAX_RETRIES", 1), "Retries for network-level provider failures")
	flag.DurationVar(&cfg.SSEPingInterval, "sse-ping-interval", getEnvDuration("SSE_PING_INTERVAL", 10*time.Second), "Keep-alive comment interval for SSE streams (0 disables)")
	flag.StringVar(&cfg.DatabasePath, "database-path", getEnv("DATABASE_PATH", "chatstream.db"), "SQLite database path (empty for in-memory store)")

	flag.Parse()

	cfg.EnabledProviders = splitCSV(enabled)
	return cfg
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
