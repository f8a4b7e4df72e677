package app

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"gptbot/internal/storage"
)

const (
	defaultInteractionLimit = 50
	maxInteractionLimit     = 500
)

type interactionView struct {
	CreatedAt  time.Time `json:"created_at"`
	ChatID     int64     `json:"chat_id"`
	UpdateID   int       `json:"update_id"`
	Class      string    `json:"class"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
}

// interactionsHandler serves GET /interactions?chat_id=N&limit=M, newest first.
// Requests must carry "Authorization: Bearer <token>".
func interactionsHandler(db storage.Storage, token string, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		chatID, err := strconv.ParseInt(r.URL.Query().Get("chat_id"), 10, 64)
		if err != nil {
			http.Error(w, "chat_id is required", http.StatusBadRequest)
			return
		}

		limit := defaultInteractionLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
		}
		limit = min(limit, maxInteractionLimit)

		entries, err := db.RecentInteractions(r.Context(), chatID, limit)
		if err != nil {
			logger.Error("Failed to load interactions", zap.Int64("chat_id", chatID), zap.Error(err))
			http.Error(w, "failed to load interactions", http.StatusInternalServerError)
			return
		}

		views := make([]interactionView, 0, len(entries))
		for _, e := range entries {
			views = append(views, interactionView{
				CreatedAt:  e.CreatedAt,
				ChatID:     e.ChatID,
				UpdateID:   e.UpdateID,
				Class:      e.Class,
				Status:     e.Status,
				Error:      e.Error,
				DurationMS: e.Duration.Milliseconds(),
			})
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(views); err != nil {
			logger.Warn("Failed to write interactions", zap.Error(err))
		}
	}
}
