package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("CLICKHOUSE_HOST", "")
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "gpt-4o", cfg.ChatModel)
	assert.Equal(t, "gpt-4o", cfg.VisionModel)
	assert.Equal(t, "dall-e-3", cfg.ImageModel)
	assert.Equal(t, 40, cfg.MaxHistoryTurns)
	assert.Equal(t, 60*time.Second, cfg.ProviderTimeout)
	assert.True(t, cfg.LowercaseImagePrompts)
	assert.Nil(t, cfg.ImagePhrases)
	assert.Contains(t, cfg.TextOnlyTriggers, "nur text")
	assert.Empty(t, cfg.AllowedUserIDs)
	assert.True(t, cfg.UseMockDB, "no ClickHouse host means in-memory log")
	assert.Equal(t, 25.0, cfg.SendRatePerSecond)
	assert.Equal(t, 64, cfg.MaxWorkers)
	assert.Empty(t, cfg.AdminToken)
}

func TestLoadFromEnv_Required(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("OPENAI_API_KEY", "sk")
	_, err := LoadFromEnv()
	assert.ErrorContains(t, err, "TELEGRAM_BOT_TOKEN")

	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("OPENAI_API_KEY", "")
	_, err = LoadFromEnv()
	assert.ErrorContains(t, err, "OPENAI_API_KEY")
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("ALLOWED_USER_IDS", "1, 2,,3")
	t.Setenv("WEBHOOK_MODE", "true")
	t.Setenv("WEBHOOK_URL", "https://bot.example/")
	t.Setenv("PROVIDER_TIMEOUT", "15s")
	t.Setenv("LOWERCASE_IMAGE_PROMPTS", "false")
	t.Setenv("IMAGE_PHRASES", "draw , paint")
	t.Setenv("CLICKHOUSE_HOST", "ch.local")
	t.Setenv("CLICKHOUSE_PORT", "9440")
	t.Setenv("CLICKHOUSE_USE_TLS", "true")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3}, cfg.AllowedUserIDs)
	assert.Equal(t, "https://bot.example", cfg.WebhookURL)
	assert.Equal(t, 15*time.Second, cfg.ProviderTimeout)
	assert.False(t, cfg.LowercaseImagePrompts)
	assert.Equal(t, []string{"draw", "paint"}, cfg.ImagePhrases)
	assert.False(t, cfg.UseMockDB)
	assert.Equal(t, 9440, cfg.ClickHousePort)
	assert.Equal(t, "default", cfg.ClickHouseDatabase)
	assert.True(t, cfg.ClickHouseUseTLS)
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	testCases := []struct {
		name  string
		key   string
		value string
	}{
		{name: "user id", key: "ALLOWED_USER_IDS", value: "12,abc"},
		{name: "webhook without url", key: "WEBHOOK_MODE", value: "true"},
		{name: "negative turns", key: "MAX_HISTORY_TURNS", value: "-1"},
		{name: "bad duration", key: "PROVIDER_TIMEOUT", value: "soon"},
		{name: "bad bool", key: "LOWERCASE_IMAGE_PROMPTS", value: "maybe"},
		{name: "zero workers", key: "MAX_WORKERS", value: "0"},
		{name: "bad rate", key: "SEND_RATE_PER_SECOND", value: "fast"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv("WEBHOOK_URL", "")
			t.Setenv(tc.key, tc.value)

			_, err := LoadFromEnv()
			assert.Error(t, err)
		})
	}
}
