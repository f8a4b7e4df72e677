package bot

import (
	"encoding/json"
	"fmt"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// WebhookPath is where Telegram posts updates in webhook mode
const WebhookPath = "/telegram-webhook"

// maxWebhookBody bounds a single update payload
const maxWebhookBody = 1 << 20

// HTTPServer serves the health check and webhook endpoints
type HTTPServer struct {
	bot         *Bot
	webhookMode bool
	name        string
}

// NewHTTPServer creates the HTTP handlers for bot
func NewHTTPServer(bot *Bot, name string, webhookMode bool) *HTTPServer {
	return &HTTPServer{
		bot:         bot,
		webhookMode: webhookMode,
		name:        name,
	}
}

// RegisterRoutes registers the bot routes on the provided mux
func (hs *HTTPServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", hs.handleHealth)
	mux.HandleFunc("/", hs.handleIndex)
	mux.HandleFunc(WebhookPath, hs.handleWebhook)
}

func (hs *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (hs *HTTPServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	mode := "polling"
	if hs.webhookMode {
		mode = "webhook"
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "%s is running (mode: %s)", hs.name, mode)
}

// handleWebhook acknowledges every POST with 200 so Telegram does not redeliver.
// Undecodable bodies are logged and dropped.
func (hs *HTTPServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&update); err != nil {
		hs.bot.logger.Warn("Error decoding webhook update", zap.Error(err))
		w.WriteHeader(http.StatusOK)
		return
	}

	// Only enqueues; processing happens on the dispatcher
	hs.bot.HandleUpdate(update)

	w.WriteHeader(http.StatusOK)
}
