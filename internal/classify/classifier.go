package classify

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"gptbot/internal/models"
)

var (
	// ErrEmptyUpdate is returned for an update carrying no usable content
	ErrEmptyUpdate = errors.New("update carries no content")
	// ErrMalformedCommand is returned for a recognized command with missing arguments
	ErrMalformedCommand = errors.New("malformed command")
	// ErrUnsupportedFormat is returned when /create names a format outside the whitelist
	ErrUnsupportedFormat = errors.New("unsupported format")
)

// Error is a classification failure carrying a hint for the user
type Error struct {
	Class models.RequestClass
	Hint  string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("classify %s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// DefaultImagePhrases trigger image generation when a message starts with them
var DefaultImagePhrases = []string{
	"erstelle ein bild von",
	"generate an image of",
	"create an image of",
	"/image",
}

// DefaultFormats is the /create whitelist
var DefaultFormats = []string{"pdf", "docx", "xlsx", "html"}

// Options configures a Classifier
type Options struct {
	ImagePhrases         []string
	LowercaseImagePrompt bool
	Formats              []string
}

// textRule maps a message prefix to a request class. match reports whether
// the rule applies and returns the text after the prefix.
type textRule struct {
	class models.RequestClass
	match func(text string) (rest string, ok bool)
	parse func(rest string) (models.Payload, error)
}

// Classifier decides which capability an update invokes
type Classifier struct {
	rules   []textRule
	formats map[string]bool
	lower   bool
}

// New builds a classifier from opts, falling back to the default phrase and format sets
func New(opts Options) *Classifier {
	phrases := opts.ImagePhrases
	if len(phrases) == 0 {
		phrases = DefaultImagePhrases
	}
	formats := opts.Formats
	if len(formats) == 0 {
		formats = DefaultFormats
	}

	c := &Classifier{
		formats: make(map[string]bool, len(formats)),
		lower:   opts.LowercaseImagePrompt,
	}
	for _, f := range formats {
		c.formats[strings.ToLower(strings.TrimSpace(f))] = true
	}

	// Slash-prefixed phrases are commands and get first-token and @botname handling
	var imageCommands, imagePhrases []string
	for _, p := range phrases {
		p = strings.TrimSpace(p)
		if name, ok := strings.CutPrefix(p, "/"); ok {
			imageCommands = append(imageCommands, strings.ToLower(name))
		} else if p != "" {
			imagePhrases = append(imagePhrases, p)
		}
	}

	// Order is precedence: the first matching rule wins
	c.rules = []textRule{
		{class: models.ClassGenerateImage, match: commandMatcher(imageCommands...), parse: c.parseImagePrompt},
		{class: models.ClassGenerateImage, match: phraseMatcher(imagePhrases), parse: c.parseImagePrompt},
		{class: models.ClassAskDocument, match: commandMatcher("askdoc"), parse: parseQuestion},
		{class: models.ClassDownloadDocument, match: commandMatcher("download", "getdoc"), parse: parseNothing},
		{class: models.ClassCreateFile, match: commandMatcher("create"), parse: c.parseCreateFile},
		{class: models.ClassStart, match: commandMatcher("start", "help"), parse: parseNothing},
		{class: models.ClassReset, match: commandMatcher("reset"), parse: parseNothing},
		{class: models.ClassSynthesizeSpeech, match: commandMatcher("speak"), parse: parseSpeech},
	}
	return c
}

// Formats returns the sorted /create whitelist
func (c *Classifier) Formats() []string {
	out := make([]string, 0, len(c.formats))
	for f := range c.formats {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Classify returns the request class and normalized payload for u
func (c *Classifier) Classify(u models.InboundUpdate) (models.RequestClass, models.Payload, error) {
	switch {
	case u.Voice != nil:
		return models.ClassTranscribe, models.Payload{Attachment: u.Voice, Caption: u.Caption}, nil
	case u.Photo != nil:
		return models.ClassAnalyzeImage, models.Payload{Attachment: u.Photo, Caption: u.Caption}, nil
	case u.Document != nil:
		if strings.HasPrefix(strings.ToLower(u.Document.MimeType), "image/") {
			return models.ClassAnalyzeImage, models.Payload{Attachment: u.Document, Caption: u.Caption}, nil
		}
		return models.ClassIngestDocument, models.Payload{Attachment: u.Document, Caption: u.Caption}, nil
	}

	if strings.TrimSpace(u.Text) == "" {
		return "", models.Payload{}, &Error{Class: models.ClassChat, Hint: "Please send a message, a photo, a voice note or a document.", Err: ErrEmptyUpdate}
	}

	for _, r := range c.rules {
		rest, ok := r.match(u.Text)
		if !ok {
			continue
		}
		payload, err := r.parse(rest)
		if err != nil {
			var ce *Error
			if errors.As(err, &ce) {
				ce.Class = r.class
				return r.class, models.Payload{}, ce
			}
			return r.class, models.Payload{}, &Error{Class: r.class, Err: err}
		}
		return r.class, payload, nil
	}

	return models.ClassChat, models.Payload{Text: u.Text}, nil
}

// phraseMatcher matches any of phrases at the start of the text, ignoring case.
// The phrase must be followed by whitespace or the end of the text.
func phraseMatcher(phrases []string) func(string) (string, bool) {
	normalized := make([]string, len(phrases))
	copy(normalized, phrases)
	// Longest phrase first so a short phrase cannot shadow a longer one
	sort.SliceStable(normalized, func(i, j int) bool { return len(normalized[i]) > len(normalized[j]) })

	return func(text string) (string, bool) {
		trimmed := strings.TrimLeftFunc(text, unicode.IsSpace)
		for _, p := range normalized {
			if len(trimmed) < len(p) || !strings.EqualFold(trimmed[:len(p)], p) {
				continue
			}
			rest := trimmed[len(p):]
			if r, _ := utf8.DecodeRuneInString(rest); rest == "" || unicode.IsSpace(r) {
				return rest, true
			}
		}
		return "", false
	}
}

// commandMatcher matches a slash command by its first token, accepting an @botname suffix
func commandMatcher(names ...string) func(string) (string, bool) {
	return func(text string) (string, bool) {
		trimmed := strings.TrimLeftFunc(text, unicode.IsSpace)
		if !strings.HasPrefix(trimmed, "/") {
			return "", false
		}
		end := strings.IndexFunc(trimmed, unicode.IsSpace)
		token, rest := trimmed, ""
		if end >= 0 {
			token, rest = trimmed[:end], trimmed[end:]
		}
		cmd := strings.ToLower(strings.TrimPrefix(token, "/"))
		if at := strings.IndexByte(cmd, '@'); at >= 0 {
			cmd = cmd[:at]
		}
		for _, n := range names {
			if cmd == n {
				return rest, true
			}
		}
		return "", false
	}
}

func (c *Classifier) parseImagePrompt(rest string) (models.Payload, error) {
	prompt := strings.TrimSpace(rest)
	if prompt == "" {
		return models.Payload{}, &Error{
			Hint: "Please describe the image, e.g. \"generate an image of a lighthouse at dusk\".",
			Err:  ErrMalformedCommand,
		}
	}
	if c.lower {
		prompt = strings.ToLower(prompt)
	}
	return models.Payload{Text: prompt}, nil
}

func parseQuestion(rest string) (models.Payload, error) {
	q := strings.TrimSpace(rest)
	if q == "" {
		return models.Payload{}, &Error{Hint: "Usage: /askdoc <question about the uploaded document>", Err: ErrMalformedCommand}
	}
	return models.Payload{Text: q}, nil
}

func parseSpeech(rest string) (models.Payload, error) {
	text := strings.TrimSpace(rest)
	if text == "" {
		return models.Payload{}, &Error{Hint: "Usage: /speak <text to read aloud>", Err: ErrMalformedCommand}
	}
	return models.Payload{Text: text}, nil
}

func parseNothing(rest string) (models.Payload, error) {
	return models.Payload{Text: strings.TrimSpace(rest)}, nil
}

func (c *Classifier) parseCreateFile(rest string) (models.Payload, error) {
	usage := fmt.Sprintf("Usage: /create <format> <instruction>\nSupported formats: %s", strings.Join(c.Formats(), ", "))

	rest = strings.TrimSpace(rest)
	if rest == "" {
		return models.Payload{}, &Error{Hint: usage, Err: ErrMalformedCommand}
	}

	format, instruction := rest, ""
	if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
		format, instruction = rest[:i], strings.TrimSpace(rest[i:])
	}
	format = strings.ToLower(strings.TrimPrefix(format, "."))

	if !c.formats[format] {
		return models.Payload{}, &Error{
			Hint: fmt.Sprintf("Unsupported format %q. Supported formats: %s", format, strings.Join(c.Formats(), ", ")),
			Err:  fmt.Errorf("%w: %s", ErrUnsupportedFormat, format),
		}
	}
	if instruction == "" {
		return models.Payload{}, &Error{Hint: usage, Err: ErrMalformedCommand}
	}
	return models.Payload{Format: format, Instruction: instruction}, nil
}
