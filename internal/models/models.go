package models

import "time"

// Role tags a turn in a conversation
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one role-tagged message in a conversation history
type Turn struct {
	Role    Role
	Content string
}

// Attachment references a blob held by the transport
type Attachment struct {
	FileID   string
	FileName string
	MimeType string
	Size     int
}

// InboundUpdate is the normalized view of a platform update.
// Exactly one of Text, Photo, Voice or Document is set.
type InboundUpdate struct {
	UpdateID   int
	ChatID     int64
	SenderID   int64
	SenderName string

	Text     string
	Caption  string
	Photo    *Attachment
	Voice    *Attachment
	Document *Attachment
}

// RequestClass is the capability an update invokes
type RequestClass string

const (
	ClassChat             RequestClass = "chat"
	ClassGenerateImage    RequestClass = "generate_image"
	ClassAnalyzeImage     RequestClass = "analyze_image"
	ClassTranscribe       RequestClass = "transcribe"
	ClassSynthesizeSpeech RequestClass = "synthesize_speech"
	ClassIngestDocument   RequestClass = "ingest_document"
	ClassAskDocument      RequestClass = "ask_document"
	ClassDownloadDocument RequestClass = "download_document"
	ClassCreateFile       RequestClass = "create_file"
	ClassStart            RequestClass = "start"
	ClassReset            RequestClass = "reset"
)

// Payload is the normalized input handed to a capability handler
type Payload struct {
	Text        string
	Format      string
	Instruction string
	Caption     string
	Attachment  *Attachment
}

// ReplyKind selects how a reply is delivered
type ReplyKind int

const (
	ReplyText ReplyKind = iota
	ReplyPhoto
	ReplyVoice
	ReplyDocument
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyText:
		return "text"
	case ReplyPhoto:
		return "photo"
	case ReplyVoice:
		return "voice"
	case ReplyDocument:
		return "document"
	default:
		return "unknown"
	}
}

// Reply is the outbound answer produced for one update
type Reply struct {
	Kind     ReplyKind
	Text     string // message text, or caption for media replies
	PhotoURL string
	Data     []byte
	FileName string
}

// TextReply builds a plain text reply
func TextReply(text string) Reply {
	return Reply{Kind: ReplyText, Text: text}
}

// PhotoReply builds a photo reply referencing a remote image
func PhotoReply(url, caption string) Reply {
	return Reply{Kind: ReplyPhoto, PhotoURL: url, Text: caption}
}

// VoiceReply builds a voice reply from encoded audio
func VoiceReply(audio []byte, caption string) Reply {
	return Reply{Kind: ReplyVoice, Data: audio, Text: caption}
}

// DocumentReply builds a downloadable document reply
func DocumentReply(fileName string, data []byte, caption string) Reply {
	return Reply{Kind: ReplyDocument, FileName: fileName, Data: data, Text: caption}
}

// IsZero reports whether the reply carries nothing to send
func (r Reply) IsZero() bool {
	return r.Text == "" && r.PhotoURL == "" && len(r.Data) == 0
}

// Interaction statuses
const (
	StatusOK                  = "ok"
	StatusFailed              = "failed"
	StatusClassificationError = "classification_error"
	StatusSendFailed          = "send_failed"
)

// Interaction is one row in the interaction log
type Interaction struct {
	CreatedAt time.Time
	ChatID    int64
	UpdateID  int
	Class     string
	Status    string
	Error     string
	Duration  time.Duration
}
