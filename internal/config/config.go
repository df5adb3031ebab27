package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// APIKey identifies the principal a ticket is issued to.
type APIKey struct {
	UserID   string
	TenantID string
}

// Config contains all runtime settings for the voice session service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	APIKeys    map[string]APIKey
	DevAuth    bool
	TicketRate string

	TicketStore string
	TicketTTL   time.Duration
	RedisURL    string

	DatabaseURL    string
	StyleCacheSize int

	FFmpegPath string

	SpeechProvider   string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAISTTModel   string
	OpenAITTSModel   string
	WhisperServerURL string
	DefaultVoice     string

	AgentMode    string
	AgentHTTPURL string
	AgentTimeout time.Duration

	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

// LoadWithDotEnv loads an optional dotenv file into the process environment
// and then calls Load. Variables already set in the environment win.
func LoadWithDotEnv(path string) (Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	return Load()
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "parley"),
		TicketRate:       envOrDefault("APP_TICKET_RATE", "30-M"),
		TicketStore:      strings.ToLower(envOrDefault("TICKET_STORE", "memory")),
		TicketTTL:        60 * time.Second,
		RedisURL:         stringsTrimSpace("REDIS_URL"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		StyleCacheSize:   512,
		FFmpegPath:       envOrDefault("FFMPEG_PATH", "ffmpeg"),
		SpeechProvider:   strings.ToLower(envOrDefault("SPEECH_PROVIDER", "auto")),
		OpenAIAPIKey:     stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:    stringsTrimSpace("OPENAI_BASE_URL"),
		OpenAISTTModel:   envOrDefault("OPENAI_STT_MODEL", "whisper-1"),
		OpenAITTSModel:   envOrDefault("OPENAI_TTS_MODEL", "tts-1"),
		WhisperServerURL: stringsTrimSpace("WHISPER_SERVER_URL"),
		DefaultVoice:     envOrDefault("TTS_DEFAULT_VOICE", "alloy"),
		AgentMode:        strings.ToLower(envOrDefault("AGENT_MODE", "auto")),
		AgentHTTPURL:     stringsTrimSpace("AGENT_HTTP_URL"),
		AgentTimeout:     20 * time.Second,
		LogLevel:         strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOrDefault("LOG_FORMAT", "json")),
		LogFile:          stringsTrimSpace("LOG_FILE"),
		LogMaxSizeMB:     100,
		LogMaxBackups:    5,
		LogMaxAgeDays:    14,

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 5 * time.Minute,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TicketTTL, err = durationFromEnv("TICKET_TTL", cfg.TicketTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.AgentTimeout, err = durationFromEnv("AGENT_TIMEOUT", cfg.AgentTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.DevAuth, err = boolFromEnv("APP_DEV_AUTH", cfg.DevAuth)
	if err != nil {
		return Config{}, err
	}
	cfg.StyleCacheSize, err = intFromEnv("STYLE_CACHE_SIZE", cfg.StyleCacheSize)
	if err != nil {
		return Config{}, err
	}
	cfg.LogMaxSizeMB, err = intFromEnv("LOG_MAX_SIZE_MB", cfg.LogMaxSizeMB)
	if err != nil {
		return Config{}, err
	}
	cfg.LogMaxBackups, err = intFromEnv("LOG_MAX_BACKUPS", cfg.LogMaxBackups)
	if err != nil {
		return Config{}, err
	}
	cfg.LogMaxAgeDays, err = intFromEnv("LOG_MAX_AGE_DAYS", cfg.LogMaxAgeDays)
	if err != nil {
		return Config{}, err
	}
	cfg.APIKeys, err = parseAPIKeys(stringsTrimSpace("APP_API_KEYS"))
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.TicketTTL <= 0 {
		return Config{}, fmt.Errorf("TICKET_TTL must be positive")
	}
	if cfg.StyleCacheSize <= 0 {
		return Config{}, fmt.Errorf("STYLE_CACHE_SIZE must be positive")
	}
	switch cfg.TicketStore {
	case "memory":
	case "redis":
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL is required when TICKET_STORE=redis")
		}
	default:
		return Config{}, fmt.Errorf("TICKET_STORE must be memory or redis, got %q", cfg.TicketStore)
	}
	switch cfg.SpeechProvider {
	case "auto", "openai", "whisper", "mock":
	default:
		return Config{}, fmt.Errorf("SPEECH_PROVIDER must be one of auto|openai|whisper|mock, got %q", cfg.SpeechProvider)
	}
	switch cfg.AgentMode {
	case "auto", "http", "mock":
	default:
		return Config{}, fmt.Errorf("AGENT_MODE must be one of auto|http|mock, got %q", cfg.AgentMode)
	}
	if len(cfg.APIKeys) == 0 && !cfg.DevAuth {
		return Config{}, fmt.Errorf("APP_API_KEYS is required unless APP_DEV_AUTH=true")
	}

	return cfg, nil
}

// parseAPIKeys reads "key=user[:tenant],key2=user2" pairs.
func parseAPIKeys(raw string) (map[string]APIKey, error) {
	out := make(map[string]APIKey)
	if raw == "" {
		return out, nil
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, principal, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("APP_API_KEYS parse error: entry %q must be key=user[:tenant]", entry)
		}
		user, tenant, _ := strings.Cut(strings.TrimSpace(principal), ":")
		if user == "" {
			return nil, fmt.Errorf("APP_API_KEYS parse error: entry %q has no user", entry)
		}
		if tenant == "" {
			tenant = "default"
		}
		out[key] = APIKey{UserID: user, TenantID: tenant}
	}
	return out, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
