package capability

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"gptbot/internal/conversation"
	"gptbot/internal/models"
)

// User-facing replies
const (
	MsgGeneric          = "Something went wrong, please try again."
	MsgChatFailed       = "Sorry, I could not get an answer right now. Please try again later."
	MsgImageFailed      = "Image generation failed. Please try again with a different description."
	MsgVisionFailed     = "Sorry, I could not analyze this image."
	MsgTranscribeFailed = "Sorry, I could not understand this voice message."
	MsgSpeechFailed     = "Sorry, I could not generate speech right now."
	MsgFetchFailed      = "Sorry, I could not download your file."
	MsgNoDocument       = "Nothing ingested yet. Upload a document first."
	MsgSummaryFailed    = "The document was saved, but I could not summarize it. You can still ask about it with /askdoc."
	MsgCreateFailed     = "Sorry, I could not create the file."
	MsgResetDone        = "Conversation cleared."
)

const (
	DefaultVisionInstruction  = "Describe this image in detail."
	DefaultSummaryInstruction = "Summarize the following document in a few short paragraphs."
	DefaultCallTimeout        = 60 * time.Second
)

// DefaultTextOnlyTriggers make a voice message get a text answer
var DefaultTextOnlyTriggers = []string{"text only", "reply in text", "antworte schriftlich", "nur text", "als text"}

var formatInstructions = map[string]string{
	"pdf":  "Write the content as plain text paragraphs separated by blank lines. Do not use markdown.",
	"docx": "Write the content as plain text, one paragraph per line. Do not use markdown.",
	"xlsx": "Write the content as a table: one row per line, cells separated by a tab character. Start with a header row. Output only the table.",
	"html": "Write the content as plain text paragraphs separated by blank lines. Do not output HTML tags.",
}

// Config tunes the handlers
type Config struct {
	MaxTokens           int
	HistoryCharBudget   int
	DocumentPrefixChars int
	ImageSize           string
	ImageQuality        string
	Voice               string
	TextOnlyTriggers    []string
	VisionInstruction   string
	SummaryInstruction  string
	CallTimeout         time.Duration
}

// Deps are the stores and collaborators the handlers use
type Deps struct {
	Conversations *conversation.Store
	Documents     *conversation.DocumentStore

	Completer   Completer
	Images      ImageGenerator
	Vision      ImageDescriber
	Transcriber Transcriber
	Synthesizer Synthesizer
	Files       FileFetcher
	Docs        DocumentProcessor

	Logger *zap.Logger
}

type handlerFunc func(ctx context.Context, chatID int64, p models.Payload) (models.Reply, error)

// Handlers implements one capability per request class.
//
// Handle always returns a reply that can be sent. A non-nil error means the
// reply is a fallback for a failure that should be logged.
type Handlers struct {
	cfg      Config
	deps     Deps
	logger   *zap.Logger
	handlers map[models.RequestClass]handlerFunc
}

// New creates the handler set, filling unset config values with defaults
func New(cfg Config, deps Deps) *Handlers {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.VisionInstruction == "" {
		cfg.VisionInstruction = DefaultVisionInstruction
	}
	if cfg.SummaryInstruction == "" {
		cfg.SummaryInstruction = DefaultSummaryInstruction
	}
	if cfg.TextOnlyTriggers == nil {
		cfg.TextOnlyTriggers = DefaultTextOnlyTriggers
	}
	if deps.Conversations == nil {
		deps.Conversations = conversation.NewStore("", conversation.DefaultMaxTurns)
	}
	if deps.Documents == nil {
		deps.Documents = conversation.NewDocumentStore()
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Handlers{cfg: cfg, deps: deps, logger: logger}
	h.handlers = map[models.RequestClass]handlerFunc{
		models.ClassChat:             h.chat,
		models.ClassGenerateImage:    h.generateImage,
		models.ClassAnalyzeImage:     h.analyzeImage,
		models.ClassTranscribe:       h.transcribe,
		models.ClassSynthesizeSpeech: h.synthesizeSpeech,
		models.ClassIngestDocument:   h.ingestDocument,
		models.ClassAskDocument:      h.askDocument,
		models.ClassDownloadDocument: h.downloadDocument,
		models.ClassCreateFile:       h.createFile,
		models.ClassStart:            h.start,
		models.ClassReset:            h.reset,
	}
	return h
}

// Handle runs the handler for class
func (h *Handlers) Handle(ctx context.Context, class models.RequestClass, chatID int64, p models.Payload) (models.Reply, error) {
	fn, ok := h.handlers[class]
	if !ok {
		return models.TextReply(MsgGeneric), fmt.Errorf("no handler for request class %q", class)
	}
	return fn(ctx, chatID, p)
}

func (h *Handlers) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, h.cfg.CallTimeout)
}

// converse completes the chat history plus text. The user and assistant turns are
// appended together after a successful completion, so a failed call leaves history unchanged.
func (h *Handlers) converse(ctx context.Context, chatID int64, text string) (string, error) {
	if h.deps.Completer == nil {
		return "", errors.New("completion is not configured")
	}

	turns := h.deps.Conversations.GetOrCreate(chatID)
	turns = append(turns, models.Turn{Role: models.RoleUser, Content: text})
	turns = conversation.Trim(turns, h.cfg.HistoryCharBudget)

	cctx, cancel := h.withTimeout(ctx)
	defer cancel()

	answer, err := h.deps.Completer.Complete(cctx, turns, h.cfg.MaxTokens)
	if err != nil {
		return "", fmt.Errorf("completion failed: %w", err)
	}

	h.deps.Conversations.Append(chatID, models.RoleUser, text)
	h.deps.Conversations.Append(chatID, models.RoleAssistant, answer)
	return answer, nil
}

func (h *Handlers) chat(ctx context.Context, chatID int64, p models.Payload) (models.Reply, error) {
	answer, err := h.converse(ctx, chatID, p.Text)
	if err != nil {
		return models.TextReply(MsgChatFailed), err
	}
	return models.TextReply(answer), nil
}

func (h *Handlers) generateImage(ctx context.Context, _ int64, p models.Payload) (models.Reply, error) {
	if h.deps.Images == nil {
		return models.TextReply(MsgImageFailed), errors.New("image generation is not configured")
	}

	cctx, cancel := h.withTimeout(ctx)
	defer cancel()

	url, err := h.deps.Images.GenerateImage(cctx, p.Text, h.cfg.ImageSize, h.cfg.ImageQuality)
	if err != nil {
		return models.TextReply(MsgImageFailed), fmt.Errorf("image generation failed: %w", err)
	}
	if url == "" {
		return models.TextReply(MsgImageFailed), errors.New("image generation returned no image")
	}
	return models.PhotoReply(url, ""), nil
}

func (h *Handlers) fetch(ctx context.Context, a *models.Attachment) ([]byte, error) {
	if a == nil {
		return nil, errors.New("update has no attachment")
	}
	if h.deps.Files == nil {
		return nil, errors.New("file download is not configured")
	}

	cctx, cancel := h.withTimeout(ctx)
	defer cancel()

	data, err := h.deps.Files.FetchFile(cctx, a.FileID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch file %s: %w", a.FileID, err)
	}
	return data, nil
}

func (h *Handlers) analyzeImage(ctx context.Context, chatID int64, p models.Payload) (models.Reply, error) {
	data, err := h.fetch(ctx, p.Attachment)
	if err != nil {
		return models.TextReply(MsgFetchFailed), err
	}
	if h.deps.Vision == nil {
		return models.TextReply(MsgVisionFailed), errors.New("image analysis is not configured")
	}

	instruction := h.cfg.VisionInstruction
	note := "[image]"
	if caption := strings.TrimSpace(p.Caption); caption != "" {
		instruction = instruction + "\n\n" + caption
		note = note + " " + caption
	}

	mimeType := p.Attachment.MimeType
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	cctx, cancel := h.withTimeout(ctx)
	defer cancel()

	description, err := h.deps.Vision.DescribeImage(cctx, data, mimeType, instruction)
	if err != nil {
		return models.TextReply(MsgVisionFailed), fmt.Errorf("image analysis failed: %w", err)
	}

	h.deps.Conversations.Append(chatID, models.RoleUser, note)
	h.deps.Conversations.Append(chatID, models.RoleAssistant, description)
	return models.TextReply(description), nil
}

func (h *Handlers) transcribe(ctx context.Context, chatID int64, p models.Payload) (models.Reply, error) {
	data, err := h.fetch(ctx, p.Attachment)
	if err != nil {
		return models.TextReply(MsgFetchFailed), err
	}
	if h.deps.Transcriber == nil {
		return models.TextReply(MsgTranscribeFailed), errors.New("transcription is not configured")
	}

	fileName := p.Attachment.FileName
	if fileName == "" {
		fileName = "voice.ogg"
	}

	tctx, cancel := h.withTimeout(ctx)
	transcript, err := h.deps.Transcriber.Transcribe(tctx, data, fileName)
	cancel()
	if err != nil {
		return models.TextReply(MsgTranscribeFailed), fmt.Errorf("transcription failed: %w", err)
	}
	if strings.TrimSpace(transcript) == "" {
		return models.TextReply(MsgTranscribeFailed), errors.New("transcription returned no text")
	}

	answer, err := h.converse(ctx, chatID, transcript)
	if err != nil {
		return models.TextReply(MsgChatFailed), err
	}

	if h.wantsText(transcript) || h.deps.Synthesizer == nil {
		return models.TextReply(answer), nil
	}

	sctx, cancel := h.withTimeout(ctx)
	defer cancel()

	audio, err := h.deps.Synthesizer.Synthesize(sctx, answer, h.cfg.Voice)
	if err != nil || len(audio) == 0 {
		// The answer exists, so deliver it as text
		h.logger.Warn("Speech synthesis failed, replying with text",
			zap.Int64("chat_id", chatID),
			zap.Error(err))
		return models.TextReply(answer), nil
	}
	return models.VoiceReply(audio, ""), nil
}

// wantsText reports whether the transcript asks for a written answer
func (h *Handlers) wantsText(transcript string) bool {
	lower := strings.ToLower(transcript)
	for _, trigger := range h.cfg.TextOnlyTriggers {
		if trigger = strings.ToLower(strings.TrimSpace(trigger)); trigger != "" && strings.Contains(lower, trigger) {
			return true
		}
	}
	return false
}

func (h *Handlers) synthesizeSpeech(ctx context.Context, _ int64, p models.Payload) (models.Reply, error) {
	if h.deps.Synthesizer == nil {
		return models.TextReply(MsgSpeechFailed), errors.New("speech synthesis is not configured")
	}

	cctx, cancel := h.withTimeout(ctx)
	defer cancel()

	audio, err := h.deps.Synthesizer.Synthesize(cctx, p.Text, h.cfg.Voice)
	if err != nil {
		return models.TextReply(MsgSpeechFailed), fmt.Errorf("speech synthesis failed: %w", err)
	}
	if len(audio) == 0 {
		return models.TextReply(MsgSpeechFailed), errors.New("speech synthesis returned no audio")
	}
	return models.VoiceReply(audio, ""), nil
}

func (h *Handlers) ingestDocument(ctx context.Context, chatID int64, p models.Payload) (models.Reply, error) {
	data, err := h.fetch(ctx, p.Attachment)
	if err != nil {
		return models.TextReply(MsgFetchFailed), err
	}
	if h.deps.Docs == nil {
		return models.TextReply(MsgGeneric), errors.New("document processing is not configured")
	}

	fileName := p.Attachment.FileName
	if fileName == "" {
		fileName = "document"
	}

	text, err := h.deps.Docs.Extract(fileName, data)
	if err != nil {
		h.logger.Info("Document extraction failed",
			zap.Int64("chat_id", chatID),
			zap.String("file_name", fileName),
			zap.Error(err))
		return models.TextReply(extractionMessage(fileName, err)), nil
	}

	h.deps.Documents.Put(chatID, conversation.Document{FileName: fileName, Text: text})

	if h.deps.Completer == nil {
		return models.TextReply(MsgSummaryFailed), errors.New("completion is not configured")
	}

	prompt := fmt.Sprintf("%s\n\nDocument %q:\n%s", h.cfg.SummaryInstruction, fileName, prefix(text, h.cfg.DocumentPrefixChars))
	turns := []models.Turn{
		{Role: models.RoleSystem, Content: h.deps.Conversations.Persona()},
		{Role: models.RoleUser, Content: prompt},
	}

	cctx, cancel := h.withTimeout(ctx)
	defer cancel()

	summary, err := h.deps.Completer.Complete(cctx, turns, h.cfg.MaxTokens)
	if err != nil {
		return models.TextReply(MsgSummaryFailed), fmt.Errorf("document summary failed: %w", err)
	}

	h.deps.Conversations.Append(chatID, models.RoleUser, "[document] "+fileName)
	h.deps.Conversations.Append(chatID, models.RoleAssistant, summary)
	return models.TextReply(summary), nil
}

func extractionMessage(fileName string, err error) string {
	var reason interface{ UserReason() string }
	if errors.As(err, &reason) {
		return fmt.Sprintf("Could not read %s: %s.", fileName, reason.UserReason())
	}
	return fmt.Sprintf("Could not read %s.", fileName)
}

func (h *Handlers) askDocument(ctx context.Context, chatID int64, p models.Payload) (models.Reply, error) {
	doc, ok := h.deps.Documents.Get(chatID)
	if !ok {
		return models.TextReply(MsgNoDocument), nil
	}
	if h.deps.Completer == nil {
		return models.TextReply(MsgChatFailed), errors.New("completion is not configured")
	}

	prompt := fmt.Sprintf(
		"Answer the question using only the document below. If the document does not contain the answer, say so.\n\nDocument %q:\n%s\n\nQuestion: %s",
		doc.FileName, prefix(doc.Text, h.cfg.DocumentPrefixChars), p.Text)
	turns := []models.Turn{
		{Role: models.RoleSystem, Content: h.deps.Conversations.Persona()},
		{Role: models.RoleUser, Content: prompt},
	}

	cctx, cancel := h.withTimeout(ctx)
	defer cancel()

	answer, err := h.deps.Completer.Complete(cctx, turns, h.cfg.MaxTokens)
	if err != nil {
		return models.TextReply(MsgChatFailed), fmt.Errorf("document question failed: %w", err)
	}
	return models.TextReply(answer), nil
}

func (h *Handlers) downloadDocument(_ context.Context, chatID int64, _ models.Payload) (models.Reply, error) {
	doc, ok := h.deps.Documents.Get(chatID)
	if !ok {
		return models.TextReply(MsgNoDocument), nil
	}
	base := strings.TrimSuffix(doc.FileName, filepath.Ext(doc.FileName))
	if base == "" {
		base = "document"
	}
	return models.DocumentReply(base+".txt", []byte(doc.Text), ""), nil
}

func (h *Handlers) createFile(ctx context.Context, _ int64, p models.Payload) (models.Reply, error) {
	if h.deps.Docs == nil || h.deps.Completer == nil {
		return models.TextReply(MsgCreateFailed), errors.New("file creation is not configured")
	}

	format := strings.ToLower(p.Format)
	prompt := p.Instruction
	if extra, ok := formatInstructions[format]; ok {
		prompt = prompt + "\n\n" + extra
	}
	turns := []models.Turn{
		{Role: models.RoleSystem, Content: h.deps.Conversations.Persona()},
		{Role: models.RoleUser, Content: prompt},
	}

	cctx, cancel := h.withTimeout(ctx)
	content, err := h.deps.Completer.Complete(cctx, turns, h.cfg.MaxTokens)
	cancel()
	if err != nil {
		return models.TextReply(MsgCreateFailed), fmt.Errorf("file content completion failed: %w", err)
	}

	data, err := h.deps.Docs.Render(format, stripCodeFence(content))
	if err != nil {
		return models.TextReply(fmt.Sprintf("Could not create a %s file. Supported formats: %s.", format, strings.Join(h.deps.Docs.Formats(), ", "))),
			fmt.Errorf("render failed: %w", err)
	}
	return models.DocumentReply("document."+format, data, ""), nil
}

func (h *Handlers) start(_ context.Context, _ int64, _ models.Payload) (models.Reply, error) {
	formats := "pdf, docx, xlsx, html"
	if h.deps.Docs != nil {
		formats = strings.Join(h.deps.Docs.Formats(), ", ")
	}
	return models.TextReply(fmt.Sprintf(helpText, formats)), nil
}

func (h *Handlers) reset(_ context.Context, chatID int64, _ models.Payload) (models.Reply, error) {
	h.deps.Conversations.Reset(chatID)
	h.deps.Documents.Delete(chatID)
	return models.TextReply(MsgResetDone), nil
}

const helpText = `Hi! Send me a message and I will answer.

You can also:
- send a photo to get it described
- send a voice message to talk with me (say "text only" for a written answer)
- upload a document (txt, md, csv, pdf, docx, xlsx) to get a summary
- "generate an image of ..." to create an image

Commands:
/askdoc <question> - ask about the uploaded document
/download - get the uploaded document as text
/create <format> <instruction> - create a file (%s)
/speak <text> - read text aloud
/reset - forget our conversation`

// prefix returns at most n runes of s; n <= 0 returns s
func prefix(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// stripCodeFence removes a surrounding ``` block if the model wrapped its output in one
func stripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 {
		trimmed = trimmed[nl+1:]
	} else {
		trimmed = ""
	}
	trimmed = strings.TrimSuffix(strings.TrimRight(trimmed, " \n"), "```")
	return strings.TrimSpace(trimmed)
}
