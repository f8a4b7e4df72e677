package documents

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Registry selects extractors by file extension and renderers by output format
type Registry struct {
	extractors map[string]Extractor
	renderers  map[string]Renderer
}

// NewRegistry returns a registry with the built-in extractors and renderers
func NewRegistry() *Registry {
	r := &Registry{
		extractors: make(map[string]Extractor),
		renderers:  make(map[string]Renderer),
	}

	for _, ext := range []string{"txt", "md", "csv"} {
		r.RegisterExtractor(ext, ExtractorFunc(extractPlain))
	}
	r.RegisterExtractor("pdf", ExtractorFunc(extractPDF))
	r.RegisterExtractor("docx", ExtractorFunc(extractDOCX))
	r.RegisterExtractor("xlsx", ExtractorFunc(extractXLSX))

	r.RegisterRenderer("pdf", RendererFunc(renderPDF))
	r.RegisterRenderer("docx", RendererFunc(renderDOCX))
	r.RegisterRenderer("xlsx", RendererFunc(renderXLSX))
	r.RegisterRenderer("html", RendererFunc(renderHTML))
	return r
}

// RegisterExtractor adds or replaces the extractor for ext
func (r *Registry) RegisterExtractor(ext string, e Extractor) {
	r.extractors[normalize(ext)] = e
}

// RegisterRenderer adds or replaces the renderer for format
func (r *Registry) RegisterRenderer(format string, rd Renderer) {
	r.renderers[normalize(format)] = rd
}

// Extract returns the text of fileName. Errors are *ExtractionError.
func (r *Registry) Extract(fileName string, data []byte) (string, error) {
	ext := normalize(filepath.Ext(fileName))
	e, ok := r.extractors[ext]
	if !ok {
		return "", &ExtractionError{
			FileName: fileName,
			Reason:   fmt.Sprintf("unsupported file type, supported types: %s", strings.Join(r.Extensions(), ", ")),
			Err:      fmt.Errorf("%w: %q", ErrUnsupportedType, ext),
		}
	}

	text, err := e.Extract(data)
	if err != nil {
		return "", &ExtractionError{FileName: fileName, Reason: "the file could not be read", Err: err}
	}
	if strings.TrimSpace(text) == "" {
		return "", &ExtractionError{FileName: fileName, Reason: "no text could be extracted", Err: ErrNoText}
	}
	return text, nil
}

// Render produces file bytes for format
func (r *Registry) Render(format, text string) ([]byte, error) {
	rd, ok := r.renderers[normalize(format)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	data, err := rd.Render(text)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", format, err)
	}
	return data, nil
}

// Formats lists renderable output formats, sorted
func (r *Registry) Formats() []string {
	return sortedKeys(r.renderers)
}

// Extensions lists extractable file extensions, sorted
func (r *Registry) Extensions() []string {
	return sortedKeys(r.extractors)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "."))
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
