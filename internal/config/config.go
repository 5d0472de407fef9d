package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"
)

// Config contains all runtime settings for the task bot service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	AllowAnyOrigin   bool

	// DiscordToken also authenticates chat bridge websockets.
	DiscordToken     string
	DiscordAppID     string
	DiscordPublicKey ed25519.PublicKey

	DatabaseURL     string
	RecordsFixtures string

	GithubClientID     string
	GithubClientSecret string
	GithubAPIBaseURL   string
	GithubOAuthBaseURL string

	CodegenProvider   string
	OpenRouterBaseURL string
	OpenRouterModel   string
	OllamaHost        string
	OllamaModel       string

	NotifyConcurrency int
	PipelineTimeout   time.Duration
}

// Load reads environment variables, then an optional YAML file, and applies
// defaults. Environment wins over the file. An empty path searches for
// codecat.yaml in the working directory; a missing file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("codecat")
		v.AddConfigPath(".")
	}
	v.AutomaticEnv()

	v.SetDefault("app_bind_addr", "")
	v.SetDefault("port", "")
	v.SetDefault("app_shutdown_timeout", "15s")
	v.SetDefault("app_metrics_namespace", "codecat")
	v.SetDefault("log_level", "info")
	v.SetDefault("app_allow_any_origin", "false")
	v.SetDefault("github_api_base_url", "https://api.github.com")
	v.SetDefault("github_oauth_base_url", "https://github.com")
	v.SetDefault("codegen_provider", ProviderOpenRouter)
	v.SetDefault("openrouter_api_base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("openrouter_model", "anthropic/claude-3.5-sonnet")
	v.SetDefault("ollama_model", "llama3.1")
	v.SetDefault("notify_concurrency", "8")
	v.SetDefault("app_pipeline_timeout", "10m")
	for _, key := range []string{
		"discord_token", "discord_app_id", "discord_public_key",
		"database_url", "records_fixtures",
		"github_client_id", "github_client_secret", "github_app_id", "github_app_secret",
		"ollama_host",
	} {
		v.SetDefault(key, "")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	str := func(key string) string { return strings.TrimSpace(v.GetString(key)) }

	cfg := Config{
		BindAddr:           str("app_bind_addr"),
		MetricsNamespace:   str("app_metrics_namespace"),
		LogLevel:           strings.ToLower(str("log_level")),
		DiscordToken:       str("discord_token"),
		DiscordAppID:       str("discord_app_id"),
		DatabaseURL:        str("database_url"),
		RecordsFixtures:    str("records_fixtures"),
		GithubClientID:     firstNonEmpty(str("github_client_id"), str("github_app_id")),
		GithubClientSecret: firstNonEmpty(str("github_client_secret"), str("github_app_secret")),
		GithubAPIBaseURL:   str("github_api_base_url"),
		GithubOAuthBaseURL: str("github_oauth_base_url"),
		CodegenProvider:    strings.ToLower(str("codegen_provider")),
		OpenRouterBaseURL:  str("openrouter_api_base_url"),
		OpenRouterModel:    str("openrouter_model"),
		OllamaHost:         str("ollama_host"),
		OllamaModel:        str("ollama_model"),
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = ":8080"
		if port := str("port"); port != "" {
			cfg.BindAddr = ":" + port
		}
	}

	var err error
	if cfg.ShutdownTimeout, err = parseDuration("APP_SHUTDOWN_TIMEOUT", str("app_shutdown_timeout")); err != nil {
		return Config{}, err
	}
	if cfg.PipelineTimeout, err = parseDuration("APP_PIPELINE_TIMEOUT", str("app_pipeline_timeout")); err != nil {
		return Config{}, err
	}
	if cfg.NotifyConcurrency, err = parseInt("NOTIFY_CONCURRENCY", str("notify_concurrency")); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = parseBool("APP_ALLOW_ANY_ORIGIN", str("app_allow_any_origin")); err != nil {
		return Config{}, err
	}

	if cfg.DiscordToken == "" {
		return Config{}, errors.New("DISCORD_TOKEN is required")
	}
	rawKey := str("discord_public_key")
	if rawKey == "" {
		return Config{}, errors.New("DISCORD_PUBLIC_KEY is required")
	}
	if cfg.DiscordPublicKey, err = parsePublicKey(rawKey); err != nil {
		return Config{}, err
	}
	if cfg.DatabaseURL == "" && cfg.RecordsFixtures == "" {
		return Config{}, errors.New("DATABASE_URL or RECORDS_FIXTURES is required")
	}
	switch cfg.CodegenProvider {
	case ProviderOpenRouter, ProviderOllama:
	default:
		return Config{}, fmt.Errorf("CODEGEN_PROVIDER must be %q or %q", ProviderOpenRouter, ProviderOllama)
	}
	if cfg.NotifyConcurrency <= 0 {
		return Config{}, fmt.Errorf("NOTIFY_CONCURRENCY must be positive")
	}
	if cfg.ShutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	return cfg, nil
}

// DeviceFlowEnabled reports whether /connect-github can run.
func (c Config) DeviceFlowEnabled() bool {
	return c.GithubClientID != "" && c.GithubClientSecret != ""
}

func parsePublicKey(raw string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("DISCORD_PUBLIC_KEY parse error: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("DISCORD_PUBLIC_KEY must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

func parseDuration(key, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func parseInt(key, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func parseBool(key, v string) (bool, error) {
	switch strings.ToLower(v) {
	case "", "0", "false", "f", "no", "n", "off":
		return false, nil
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
