package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultPersona = "You are a friendly, helpful assistant in a Telegram chat. Answer concisely and in the language the user writes in."

// Config holds the application configuration
type Config struct {
	TelegramToken  string
	AllowedUserIDs []int64

	// Bot mode configuration
	WebhookMode bool   // If true, use webhook mode; if false, use polling mode
	WebhookURL  string // URL for webhook (required if WebhookMode is true)
	Port        string

	// OpenAI-compatible provider
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	ChatModel          string
	VisionModel        string
	ImageModel         string
	TranscriptionModel string
	SpeechModel        string
	SpeechVoice        string
	ImageSize          string
	ImageQuality       string
	ProviderTimeout    time.Duration

	// Conversation behaviour
	Persona               string
	MaxOutputTokens       int
	MaxHistoryTurns       int
	HistoryCharBudget     int
	DocumentPrefixChars   int
	LowercaseImagePrompts bool
	ImagePhrases          []string
	TextOnlyTriggers      []string

	// Dispatch
	MaxWorkers        int
	DedupeWindow      int
	SendRatePerSecond float64

	// ClickHouse configuration (optional; the interaction log stays in memory without it)
	ClickHouseHost     string
	ClickHousePort     int
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string
	ClickHouseUseTLS   bool

	UseMockDB bool

	// AdminToken enables the /interactions endpoint when set
	AdminToken string

	LogLevel string
	LogDev   bool
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	config := &Config{}
	var err error

	// Telegram Bot Token (required)
	config.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	if config.TelegramToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	config.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	if config.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	config.OpenAIBaseURL = os.Getenv("OPENAI_BASE_URL")

	// Allowed User IDs (optional, empty allows everyone)
	if allowedIDsStr := os.Getenv("ALLOWED_USER_IDS"); allowedIDsStr != "" {
		for _, idStr := range strings.Split(allowedIDsStr, ",") {
			if strings.TrimSpace(idStr) == "" {
				continue
			}
			id, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid user ID in ALLOWED_USER_IDS: %s", idStr)
			}
			config.AllowedUserIDs = append(config.AllowedUserIDs, id)
		}
	}

	// Bot mode configuration
	config.WebhookMode = os.Getenv("WEBHOOK_MODE") == "true"
	if config.WebhookMode {
		config.WebhookURL = strings.TrimRight(os.Getenv("WEBHOOK_URL"), "/")
		if config.WebhookURL == "" {
			return nil, fmt.Errorf("WEBHOOK_URL is required when WEBHOOK_MODE is true")
		}
	}
	config.Port = getEnv("PORT", "8080")

	config.ChatModel = getEnv("CHAT_MODEL", "gpt-4o")
	config.VisionModel = getEnv("VISION_MODEL", config.ChatModel)
	config.ImageModel = getEnv("IMAGE_MODEL", "dall-e-3")
	config.TranscriptionModel = getEnv("TRANSCRIPTION_MODEL", "whisper-1")
	config.SpeechModel = getEnv("SPEECH_MODEL", "tts-1")
	config.SpeechVoice = getEnv("SPEECH_VOICE", "alloy")
	config.ImageSize = getEnv("IMAGE_SIZE", "1024x1024")
	config.ImageQuality = getEnv("IMAGE_QUALITY", "standard")
	if config.ProviderTimeout, err = getEnvDuration("PROVIDER_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}

	config.Persona = getEnv("BOT_PERSONA", defaultPersona)
	if config.MaxOutputTokens, err = getEnvInt("MAX_OUTPUT_TOKENS", 1000); err != nil {
		return nil, err
	}
	if config.MaxHistoryTurns, err = getEnvInt("MAX_HISTORY_TURNS", 40); err != nil {
		return nil, err
	}
	if config.HistoryCharBudget, err = getEnvInt("HISTORY_CHAR_BUDGET", 24000); err != nil {
		return nil, err
	}
	if config.DocumentPrefixChars, err = getEnvInt("DOCUMENT_PREFIX_CHARS", 12000); err != nil {
		return nil, err
	}
	if config.LowercaseImagePrompts, err = getEnvBool("LOWERCASE_IMAGE_PROMPTS", true); err != nil {
		return nil, err
	}
	config.ImagePhrases = getEnvList("IMAGE_PHRASES", nil)
	config.TextOnlyTriggers = getEnvList("TEXT_ONLY_TRIGGERS",
		[]string{"text only", "reply in text", "antworte schriftlich", "nur text", "als text"})

	if config.MaxWorkers, err = getEnvInt("MAX_WORKERS", 64); err != nil {
		return nil, err
	}
	if config.MaxWorkers < 1 {
		return nil, fmt.Errorf("MAX_WORKERS must be at least 1")
	}
	if config.DedupeWindow, err = getEnvInt("DEDUPE_WINDOW", 1024); err != nil {
		return nil, err
	}
	rateStr := getEnv("SEND_RATE_PER_SECOND", "25")
	config.SendRatePerSecond, err = strconv.ParseFloat(rateStr, 64)
	if err != nil || config.SendRatePerSecond <= 0 {
		return nil, fmt.Errorf("invalid SEND_RATE_PER_SECOND: %s", rateStr)
	}

	// Without a ClickHouse host the interaction log is kept in memory
	config.ClickHouseHost = os.Getenv("CLICKHOUSE_HOST")
	config.UseMockDB = os.Getenv("USE_MOCK_DB") == "true" || config.ClickHouseHost == ""

	if !config.UseMockDB {
		if config.ClickHousePort, err = getEnvInt("CLICKHOUSE_PORT", 9000); err != nil {
			return nil, err
		}
		config.ClickHouseDatabase = getEnv("CLICKHOUSE_DATABASE", "default")
		config.ClickHouseUser = getEnv("CLICKHOUSE_USER", "default")
		config.ClickHousePassword = os.Getenv("CLICKHOUSE_PASSWORD")
		// Password is optional, can be empty

		config.ClickHouseUseTLS = os.Getenv("CLICKHOUSE_USE_TLS") == "true"
	}

	config.AdminToken = os.Getenv("ADMIN_TOKEN")

	config.LogLevel = getEnv("LOG_LEVEL", "info")
	config.LogDev = os.Getenv("LOG_DEV") == "true"

	return config, nil
}

// getEnv retrieves environment variable or returns default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

// getEnvList splits a comma-separated variable, dropping empty items
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
