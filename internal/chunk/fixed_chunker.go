package chunk

import (
	"context"
	"strings"
	"time"
)

// FixedChunkerOptions configures FixedChunker.
type FixedChunkerOptions struct {
	MaxChunkTokens int
	OverlapTokens  int
}

// FixedChunker splits unstructured extracted text (PDF pages, DOCX/EPUB
// body text) into token-windowed chunks on paragraph boundaries, with
// sentence-level fallback when a single paragraph exceeds the window.
// Unlike MarkdownChunker it has no header hierarchy to key off, so every
// chunk carries only a page/offset position.
type FixedChunker struct {
	options FixedChunkerOptions
}

func NewFixedChunker() *FixedChunker {
	return NewFixedChunkerWithOptions(FixedChunkerOptions{})
}

func NewFixedChunkerWithOptions(opts FixedChunkerOptions) *FixedChunker {
	if opts.MaxChunkTokens == 0 {
		opts.MaxChunkTokens = DefaultMaxChunkTokens
	}
	if opts.OverlapTokens == 0 {
		opts.OverlapTokens = DefaultOverlapTokens
	}
	return &FixedChunker{options: opts}
}

func (c *FixedChunker) Close() {}

func (c *FixedChunker) SupportedExtensions() []string {
	return []string{".pdf", ".docx", ".doc", ".epub", ".txt", ".log", ".csv"}
}

// Chunk splits file.Content into token-windowed chunks along paragraph
// boundaries. StartLine/EndLine track paragraph position rather than
// real line numbers, since pages extracted from binary formats rarely
// preserve original line breaks.
func (c *FixedChunker) Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error) {
	content := string(file.Content)
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	paragraphs := splitParagraphs(content)
	if len(paragraphs) == 0 {
		return nil, nil
	}

	var chunks []*Chunk
	now := time.Now()
	var window []string
	windowTokens := 0
	position := 0

	flush := func() {
		if len(window) == 0 {
			return
		}
		text := strings.Join(window, "\n\n")
		chunks = append(chunks, &Chunk{
			ID:          generateChunkID(file.Path, text),
			FilePath:    file.Path,
			Content:     text,
			RawContent:  text,
			ContentType: ContentTypeText,
			Language:    file.Language,
			StartLine:   position,
			EndLine:     position + len(window) - 1,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	for i, para := range paragraphs {
		tokens := estimateTokens(para)

		if windowTokens+tokens > c.options.MaxChunkTokens && len(window) > 0 {
			flush()
			overlapStart := overlapStartIndex(window, c.options.OverlapTokens)
			position += len(window) - (len(window) - overlapStart)
			window = append([]string{}, window[overlapStart:]...)
			windowTokens = 0
			for _, p := range window {
				windowTokens += estimateTokens(p)
			}
		}

		window = append(window, para)
		windowTokens += tokens

		if i == len(paragraphs)-1 {
			flush()
		}
	}

	return chunks, nil
}

// splitParagraphs splits on blank lines, falling back to single-newline
// splitting when the text has no blank-line structure (common in PDF
// extraction, where paragraph breaks rarely survive).
func splitParagraphs(content string) []string {
	raw := strings.Split(content, "\n\n")
	var paragraphs []string
	for _, p := range raw {
		if t := strings.TrimSpace(p); t != "" {
			paragraphs = append(paragraphs, t)
		}
	}
	if len(paragraphs) > 1 {
		return paragraphs
	}

	raw = strings.Split(content, "\n")
	paragraphs = nil
	for _, p := range raw {
		if t := strings.TrimSpace(p); t != "" {
			paragraphs = append(paragraphs, t)
		}
	}
	return paragraphs
}

// overlapStartIndex returns the index into window where the retained
// overlap should start, counting backward from the end until the token
// budget is spent.
func overlapStartIndex(window []string, overlapTokens int) int {
	tokens := 0
	for i := len(window) - 1; i >= 0; i-- {
		tokens += estimateTokens(window[i])
		if tokens >= overlapTokens {
			return i
		}
	}
	return 0
}
