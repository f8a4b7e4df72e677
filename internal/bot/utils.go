package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"gptbot/internal/models"
)

// maxMessageRunes is Telegram's text message limit
const maxMessageRunes = 4096

// maxCaptionRunes is Telegram's media caption limit
const maxCaptionRunes = 1024

// send waits for the outbound limiter, then sends c
func (b *Bot) send(ctx context.Context, c tgbotapi.Chattable) error {
	if b.api == nil {
		return nil // For testing
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := b.api.Send(c); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// SendText sends text, split into several messages when it exceeds Telegram's limit
func (b *Bot) SendText(ctx context.Context, chatID int64, text string) error {
	for _, part := range splitMessage(text, maxMessageRunes) {
		if err := b.send(ctx, tgbotapi.NewMessage(chatID, part)); err != nil {
			return err
		}
	}
	return nil
}

// SendPhoto sends an image by URL; Telegram fetches it
func (b *Bot) SendPhoto(ctx context.Context, chatID int64, url, caption string) error {
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(url))
	photo.Caption = truncateRunes(caption, maxCaptionRunes)
	return b.send(ctx, photo)
}

// SendVoice uploads opus audio as a voice note
func (b *Bot) SendVoice(ctx context.Context, chatID int64, audio []byte, caption string) error {
	voice := tgbotapi.NewVoice(chatID, tgbotapi.FileBytes{Name: "reply.ogg", Bytes: audio})
	voice.Caption = truncateRunes(caption, maxCaptionRunes)
	return b.send(ctx, voice)
}

// SendDocument uploads data as a file named fileName
func (b *Bot) SendDocument(ctx context.Context, chatID int64, fileName string, data []byte, caption string) error {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: fileName, Bytes: data})
	doc.Caption = truncateRunes(caption, maxCaptionRunes)
	return b.send(ctx, doc)
}

// NotifyActivity shows the chat action matching the reply class is about to produce
func (b *Bot) NotifyActivity(ctx context.Context, chatID int64, class models.RequestClass) error {
	if b.api == nil {
		return nil // For testing
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := b.api.Request(tgbotapi.NewChatAction(chatID, chatAction(class)))
	return err
}

func chatAction(class models.RequestClass) string {
	switch class {
	case models.ClassGenerateImage:
		return tgbotapi.ChatUploadPhoto
	case models.ClassTranscribe, models.ClassSynthesizeSpeech:
		return tgbotapi.ChatRecordVoice
	case models.ClassCreateFile, models.ClassDownloadDocument:
		return tgbotapi.ChatUploadDocument
	default:
		return tgbotapi.ChatTyping
	}
}

// FetchFile downloads an attachment by its Telegram file id
func (b *Bot) FetchFile(ctx context.Context, fileID string) ([]byte, error) {
	if b.api == nil {
		return nil, errors.New("bot api is not initialized")
	}
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve file %s: %w", fileID, err)
	}
	return b.download(ctx, url)
}

func (b *Bot) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, b.maxFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	if int64(len(data)) > b.maxFileBytes {
		return nil, fmt.Errorf("file exceeds %d bytes", b.maxFileBytes)
	}
	return data, nil
}

// splitMessage cuts text into chunks of at most limit runes, preferring line breaks
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var parts []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		if nl := lastIndexRune(runes[:limit], '\n'); nl > limit/2 {
			cut = nl + 1
		}
		parts = append(parts, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

func lastIndexRune(runes []rune, r rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == r {
			return i
		}
	}
	return -1
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
