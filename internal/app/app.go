package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"gptbot/internal/bot"
	"gptbot/internal/capability"
	"gptbot/internal/classify"
	"gptbot/internal/config"
	"gptbot/internal/conversation"
	"gptbot/internal/dispatch"
	"gptbot/internal/documents"
	"gptbot/internal/llm"
	"gptbot/internal/storage"
	"gptbot/internal/storage/ch"
	"gptbot/internal/storage/stubs"
)

const appName = "GPT Bot"

// App represents the application
type App struct {
	config     *config.Config
	logger     *zap.Logger
	db         storage.Storage
	bot        *bot.Bot
	dispatcher *dispatch.Dispatcher
	server     *http.Server
}

// New creates and initializes a new application instance
func New() (*App, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	app := &App{config: cfg, logger: logger}

	logger.Info("Starting " + appName)

	if err := app.initDatabase(); err != nil {
		return nil, err
	}

	if err := app.initBot(); err != nil {
		return nil, err
	}

	if err := app.initDispatcher(); err != nil {
		return nil, err
	}

	app.initHTTPServer()

	return app, nil
}

func newLogger(level string, dev bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}

	zcfg := zap.NewProductionConfig()
	if dev {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

// initDatabase initializes the interaction log
func (a *App) initDatabase() error {
	var db storage.Storage
	if a.config.UseMockDB {
		a.logger.Info("Using in-memory interaction log")
		db = stubs.NewMockDB(stubs.DefaultCapacity)
	} else {
		a.logger.Info("Connecting to ClickHouse",
			zap.String("host", a.config.ClickHouseHost),
			zap.Int("port", a.config.ClickHousePort),
			zap.String("database", a.config.ClickHouseDatabase),
			zap.String("user", a.config.ClickHouseUser),
			zap.Bool("tls", a.config.ClickHouseUseTLS),
		)
		clickhouseDB, err := ch.NewClickHouseDB(
			a.config.ClickHouseHost,
			a.config.ClickHousePort,
			a.config.ClickHouseDatabase,
			a.config.ClickHouseUser,
			a.config.ClickHousePassword,
			a.config.ClickHouseUseTLS,
		)
		if err != nil {
			return fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		db = clickhouseDB
	}

	ctx := context.Background()
	if err := db.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.logger.Info("Database initialized successfully")

	a.db = db
	return nil
}

// initBot initializes the Telegram bot
func (a *App) initBot() error {
	telegramBot, err := bot.NewBot(a.config.TelegramToken, a.config.AllowedUserIDs, bot.Options{
		SendRatePerSecond: a.config.SendRatePerSecond,
	}, a.logger.Named("bot"))
	if err != nil {
		return fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	a.logger.Info("Bot created successfully", zap.Int64s("allowed_users", a.config.AllowedUserIDs))

	a.bot = telegramBot
	return nil
}

// initDispatcher wires the classifier, handlers and provider behind the bot
func (a *App) initDispatcher() error {
	cfg := a.config

	client, err := llm.New(llm.Config{
		APIKey:             cfg.OpenAIAPIKey,
		BaseURL:            cfg.OpenAIBaseURL,
		ChatModel:          cfg.ChatModel,
		VisionModel:        cfg.VisionModel,
		ImageModel:         cfg.ImageModel,
		TranscriptionModel: cfg.TranscriptionModel,
		SpeechModel:        cfg.SpeechModel,
		MaxTokens:          cfg.MaxOutputTokens,
	}, a.logger.Named("llm"))
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}

	docs := documents.NewRegistry()

	handlers := capability.New(capability.Config{
		MaxTokens:           cfg.MaxOutputTokens,
		HistoryCharBudget:   cfg.HistoryCharBudget,
		DocumentPrefixChars: cfg.DocumentPrefixChars,
		ImageSize:           cfg.ImageSize,
		ImageQuality:        cfg.ImageQuality,
		Voice:               cfg.SpeechVoice,
		TextOnlyTriggers:    cfg.TextOnlyTriggers,
		CallTimeout:         cfg.ProviderTimeout,
	}, capability.Deps{
		Conversations: conversation.NewStore(cfg.Persona, cfg.MaxHistoryTurns),
		Documents:     conversation.NewDocumentStore(),
		Completer:     client,
		Images:        client,
		Vision:        client,
		Transcriber:   client,
		Synthesizer:   client,
		Files:         a.bot,
		Docs:          docs,
		Logger:        a.logger.Named("capability"),
	})

	classifier := classify.New(classify.Options{
		ImagePhrases:         cfg.ImagePhrases,
		LowercaseImagePrompt: cfg.LowercaseImagePrompts,
		Formats:              docs.Formats(),
	})

	d, err := dispatch.New(dispatch.Options{
		MaxWorkers:   cfg.MaxWorkers,
		DedupeWindow: cfg.DedupeWindow,
	}, dispatch.Deps{
		Classifier: classifier,
		Handler:    handlers,
		Sender:     a.bot,
		Recorder:   a.db,
		Logger:     a.logger.Named("dispatch"),
	})
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	a.bot.SetSink(d)
	a.dispatcher = d
	return nil
}

// initHTTPServer initializes the HTTP server for health checks and webhook
func (a *App) initHTTPServer() {
	mux := http.NewServeMux()
	bot.NewHTTPServer(a.bot, appName, a.config.WebhookMode).RegisterRoutes(mux)
	if a.config.AdminToken != "" {
		mux.HandleFunc("/interactions", interactionsHandler(a.db, a.config.AdminToken, a.logger.Named("http")))
	}

	a.server = &http.Server{
		Addr:         ":" + a.config.Port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		a.logger.Info("Starting HTTP server", zap.String("port", a.config.Port))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
}

// Run starts the application and blocks until shutdown
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.config.WebhookMode {
		a.logger.Info("Starting bot in WEBHOOK mode", zap.String("url", a.config.WebhookURL))
		if err := a.bot.StartWebhook(a.config.WebhookURL); err != nil {
			return fmt.Errorf("failed to setup webhook: %w", err)
		}
		a.logger.Info("Webhook configured. Bot will receive updates via HTTP endpoint " + bot.WebhookPath)
	} else {
		go func() {
			a.logger.Info("Starting bot in POLLING mode...")
			if err := a.bot.Start(ctx); err != nil {
				a.logger.Error("Failed to start bot", zap.Error(err))
				stop()
			}
		}()
	}

	<-ctx.Done()

	a.logger.Info("Shutting down...")
	return a.Shutdown()
}

// Shutdown gracefully shuts down the application
func (a *App) Shutdown() error {
	defer func() { _ = a.logger.Sync() }()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop intake first, then let in-flight updates finish
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("HTTP server shutdown error", zap.Error(err))
	}
	if err := a.dispatcher.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("Dispatcher shutdown error", zap.Error(err))
	}

	if err := a.db.Close(); err != nil {
		a.logger.Error("Error closing database", zap.Error(err))
		return err
	}

	a.logger.Info("Shutdown complete")
	return nil
}
