package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"gptbot/internal/models"
)

// maxSpeechBytes caps a synthesized audio response
const maxSpeechBytes = 20 << 20

// Config selects the endpoint and models
type Config struct {
	APIKey             string
	BaseURL            string
	ChatModel          string
	VisionModel        string
	ImageModel         string
	TranscriptionModel string
	SpeechModel        string
	MaxTokens          int
}

// Client talks to an OpenAI-compatible API
type Client struct {
	api           *openai.Client
	cfg           Config
	maxAudioBytes int64
	logger        *zap.Logger
}

// New creates a client, defaulting unset models
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = openai.GPT4o
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = cfg.ChatModel
	}
	if cfg.ImageModel == "" {
		cfg.ImageModel = openai.CreateImageModelDallE3
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = openai.Whisper1
	}
	if cfg.SpeechModel == "" {
		cfg.SpeechModel = string(openai.TTSModel1)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	return &Client{
		api:           openai.NewClientWithConfig(clientCfg),
		cfg:           cfg,
		maxAudioBytes: maxSpeechBytes,
		logger:        logger,
	}, nil
}

func toMessages(turns []models.Turn) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		role := openai.ChatMessageRoleUser
		switch t.Role {
		case models.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case models.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	return messages
}

// Complete returns the assistant answer for turns
func (c *Client) Complete(ctx context.Context, turns []models.Turn, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.cfg.ChatModel,
		Messages:  toMessages(turns),
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion: empty response")
	}

	c.logger.Debug("Chat completion",
		zap.String("model", c.cfg.ChatModel),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens))

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// GenerateImage returns the URL of a generated image
func (c *Client) GenerateImage(ctx context.Context, prompt, size, quality string) (string, error) {
	req := openai.ImageRequest{
		Prompt:         prompt,
		Model:          c.cfg.ImageModel,
		N:              1,
		Size:           size,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	}
	// Only dall-e-3 and newer accept a quality setting
	if c.cfg.ImageModel != openai.CreateImageModelDallE2 {
		req.Quality = quality
	}

	resp, err := c.api.CreateImage(ctx, req)
	if err != nil {
		return "", fmt.Errorf("image generation: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", errors.New("image generation: no image returned")
	}
	return resp.Data[0].URL, nil
}

// DescribeImage sends image inline as a data URL with instruction
func (c *Client) DescribeImage(ctx context.Context, image []byte, mimeType, instruction string) (string, error) {
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.cfg.VisionModel,
		MaxTokens: c.cfg.MaxTokens,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: instruction},
				{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    dataURL,
						Detail: openai.ImageURLDetailAuto,
					},
				},
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("image description: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("image description: empty response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Transcribe converts audio to text. fileName carries the container format.
func (c *Client) Transcribe(ctx context.Context, audio []byte, fileName string) (string, error) {
	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.cfg.TranscriptionModel,
		FilePath: fileName,
		Reader:   bytes.NewReader(audio),
	})
	if err != nil {
		return "", fmt.Errorf("transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// Synthesize returns opus-encoded speech for text
func (c *Client) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if voice == "" {
		voice = string(openai.VoiceAlloy)
	}
	resp, err := c.api.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(c.cfg.SpeechModel),
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatOpus,
	})
	if err != nil {
		return nil, fmt.Errorf("speech synthesis: %w", err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(io.LimitReader(resp, c.maxAudioBytes+1))
	if err != nil {
		return nil, fmt.Errorf("speech synthesis: read audio: %w", err)
	}
	if int64(len(audio)) > c.maxAudioBytes {
		return nil, fmt.Errorf("speech synthesis: audio exceeds %d bytes", c.maxAudioBytes)
	}
	return audio, nil
}
