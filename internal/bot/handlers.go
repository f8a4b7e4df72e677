package bot

import (
	"context"
	"errors"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"gptbot/internal/models"
)

var (
	// ErrNoMessage is returned for updates that carry no message (edits, callbacks, polls)
	ErrNoMessage = errors.New("update has no message")
	// ErrNoContent is returned for messages without text or a supported attachment
	ErrNoContent = errors.New("message has no supported content")
)

const unauthorizedReply = "Sorry, you are not authorized to use this bot."

// ParseUpdate normalizes a Telegram update
func ParseUpdate(update tgbotapi.Update) (models.InboundUpdate, error) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return models.InboundUpdate{}, ErrNoMessage
	}

	u := models.InboundUpdate{
		UpdateID: update.UpdateID,
		ChatID:   msg.Chat.ID,
		Caption:  msg.Caption,
	}
	if msg.From != nil {
		u.SenderID = msg.From.ID
		u.SenderName = msg.From.UserName
		if u.SenderName == "" {
			u.SenderName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		}
	}

	switch {
	case msg.Voice != nil:
		u.Voice = &models.Attachment{
			FileID:   msg.Voice.FileID,
			FileName: "voice.ogg",
			MimeType: msg.Voice.MimeType,
			Size:     msg.Voice.FileSize,
		}
	case msg.Audio != nil:
		name := msg.Audio.FileName
		if name == "" {
			name = "audio.mp3"
		}
		u.Voice = &models.Attachment{
			FileID:   msg.Audio.FileID,
			FileName: name,
			MimeType: msg.Audio.MimeType,
			Size:     msg.Audio.FileSize,
		}
	case len(msg.Photo) > 0:
		// Sizes are ordered smallest first
		largest := msg.Photo[len(msg.Photo)-1]
		u.Photo = &models.Attachment{
			FileID:   largest.FileID,
			FileName: "photo.jpg",
			MimeType: "image/jpeg",
			Size:     largest.FileSize,
		}
	case msg.Document != nil:
		u.Document = &models.Attachment{
			FileID:   msg.Document.FileID,
			FileName: msg.Document.FileName,
			MimeType: msg.Document.MimeType,
			Size:     msg.Document.FileSize,
		}
	case strings.TrimSpace(msg.Text) != "":
		u.Text = msg.Text
	default:
		return models.InboundUpdate{}, ErrNoContent
	}

	return u, nil
}

func (b *Bot) isAllowed(userID int64) bool {
	return len(b.allowedUsers) == 0 || b.allowedUsers[userID]
}

// HandleUpdate parses update and hands it to the sink. It never blocks on processing.
func (b *Bot) HandleUpdate(update tgbotapi.Update) {
	u, err := ParseUpdate(update)
	if err != nil {
		if errors.Is(err, ErrNoMessage) {
			b.logger.Debug("Ignoring update without message", zap.Int("update_id", update.UpdateID))
		} else {
			b.logger.Warn("Dropping unsupported update",
				zap.Int("update_id", update.UpdateID),
				zap.Error(err),
			)
		}
		return
	}

	if !b.isAllowed(u.SenderID) {
		b.logger.Warn("Unauthorized access attempt",
			zap.Int64("user_id", u.SenderID),
			zap.String("username", u.SenderName),
			zap.Int64("chat_id", u.ChatID),
		)
		if err := b.SendText(context.Background(), u.ChatID, unauthorizedReply); err != nil {
			b.logger.Warn("Failed to send unauthorized reply", zap.Error(err))
		}
		return
	}

	if b.sink == nil {
		b.logger.Error("No sink configured, dropping update", zap.Int("update_id", u.UpdateID))
		return
	}
	if !b.sink.Submit(u) {
		b.logger.Debug("Update not accepted",
			zap.Int("update_id", u.UpdateID),
			zap.Int64("chat_id", u.ChatID),
		)
	}
}
