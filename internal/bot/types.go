package bot

import (
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gptbot/internal/models"
)

// Sink accepts parsed updates for processing. Submit must not block.
type Sink interface {
	Submit(u models.InboundUpdate) bool
}

// Bot represents the Telegram bot wrapper
type Bot struct {
	api          *tgbotapi.BotAPI
	sink         Sink
	allowedUsers map[int64]bool
	limiter      *rate.Limiter
	httpClient   *http.Client
	maxFileBytes int64
	logger       *zap.Logger
}

// Options tunes outbound throttling and downloads
type Options struct {
	SendRatePerSecond float64
	MaxFileBytes      int64
}
