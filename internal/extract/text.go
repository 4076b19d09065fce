package extract

import "context"

// PlainTextExtractor returns the whole file as a single page.
type PlainTextExtractor struct{}

func NewPlainTextExtractor() *PlainTextExtractor { return &PlainTextExtractor{} }

func (e *PlainTextExtractor) Extract(_ context.Context, _ string, content []byte) (*Result, error) {
	return &Result{
		Pages:  []Page{{Text: string(content), Index: 0}},
		Method: "plaintext",
	}, nil
}

func (e *PlainTextExtractor) SupportedExtensions() []string {
	return []string{".txt", ".log", ".csv"}
}

// MarkdownExtractor returns the whole file as a single page tagged
// "markdown" so the pipeline routes it through the markdown chunker and,
// for files under an Obsidian vault root, the graph builder.
type MarkdownExtractor struct{}

func NewMarkdownExtractor() *MarkdownExtractor { return &MarkdownExtractor{} }

func (e *MarkdownExtractor) Extract(_ context.Context, _ string, content []byte) (*Result, error) {
	return &Result{
		Pages:  []Page{{Text: string(content), Index: 0}},
		Method: "markdown",
	}, nil
}

func (e *MarkdownExtractor) SupportedExtensions() []string {
	return []string{".md", ".markdown"}
}
