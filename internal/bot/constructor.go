package bot

import (
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// Telegram allows about 30 messages per second per bot
	defaultSendRate = 25
	// Bot API downloads are limited to 20 MB
	defaultMaxFileBytes = 20 << 20
)

// NewBot creates a new Telegram bot. An empty allow-list lets everyone in.
func NewBot(token string, allowedUserIDs []int64, opts Options, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		logger.Error("Failed to create bot API", zap.Error(err))
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	logger.Info("Bot created", zap.String("bot_username", api.Self.UserName))

	b := newBot(api, allowedUserIDs, opts, logger)
	return b, nil
}

func newBot(api *tgbotapi.BotAPI, allowedUserIDs []int64, opts Options, logger *zap.Logger) *Bot {
	allowedUsers := make(map[int64]bool)
	for _, id := range allowedUserIDs {
		allowedUsers[id] = true
	}

	if opts.SendRatePerSecond <= 0 {
		opts.SendRatePerSecond = defaultSendRate
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = defaultMaxFileBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Bot{
		api:          api,
		allowedUsers: allowedUsers,
		limiter:      rate.NewLimiter(rate.Limit(opts.SendRatePerSecond), int(opts.SendRatePerSecond)+1),
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		maxFileBytes: opts.MaxFileBytes,
		logger:       logger,
	}
}

// SetSink sets where parsed updates are submitted
func (b *Bot) SetSink(s Sink) {
	b.sink = s
}
