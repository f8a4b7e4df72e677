package capability

import (
	"context"

	"gptbot/internal/models"
)

// Completer produces an assistant answer for a conversation
type Completer interface {
	Complete(ctx context.Context, turns []models.Turn, maxTokens int) (string, error)
}

// ImageGenerator creates an image from a prompt and returns its URL
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt, size, quality string) (string, error)
}

// ImageDescriber answers instruction about an image
type ImageDescriber interface {
	DescribeImage(ctx context.Context, image []byte, mimeType, instruction string) (string, error)
}

// Transcriber turns speech into text
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, fileName string) (string, error)
}

// Synthesizer turns text into encoded speech
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// FileFetcher downloads an attachment from the transport
type FileFetcher interface {
	FetchFile(ctx context.Context, fileID string) ([]byte, error)
}

// DocumentProcessor extracts text from uploads and renders generated files
type DocumentProcessor interface {
	Extract(fileName string, data []byte) (string, error)
	Render(format, text string) ([]byte, error)
	Formats() []string
}
