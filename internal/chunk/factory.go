package chunk

// Factory selects the right Chunker for a document's detected file
// type (the ExtensionStrategy/extract.Result classification, not the
// raw extension), so the pipeline coordinator can dispatch pages from
// any extractor to the chunker that understands their structure.
type Factory struct {
	code     Chunker
	markdown Chunker
	fixed    Chunker
}

// NewFactory builds a Factory from already-constructed chunkers. Any
// that is nil falls back to a fresh default instance.
func NewFactory(code, markdown, fixed Chunker) *Factory {
	if code == nil {
		code = NewCodeChunker()
	}
	if markdown == nil {
		markdown = NewMarkdownChunker()
	}
	if fixed == nil {
		fixed = NewFixedChunker()
	}
	return &Factory{code: code, markdown: markdown, fixed: fixed}
}

// codeFileTypes are the ExtensionStrategy file types routed to the
// tree-sitter AST chunker.
var codeFileTypes = map[string]bool{
	"python": true, "javascript": true, "typescript": true,
	"java": true, "csharp": true, "go": true, "rust": true,
}

// For returns the chunker appropriate for fileType, the file-type
// string the validation chain assigned (e.g. "python", "markdown",
// "pdf", "ipynb").
func (f *Factory) For(fileType string) Chunker {
	switch {
	case fileType == "markdown":
		return f.markdown
	case codeFileTypes[fileType]:
		return f.code
	default:
		// pdf, docx, epub, text, doc and notebook markdown cells all
		// land here: unstructured prose with no AST and no header
		// hierarchy to chunk by.
		return f.fixed
	}
}

func (f *Factory) Close() {
	if c, ok := f.code.(interface{ Close() }); ok {
		c.Close()
	}
	if c, ok := f.markdown.(interface{ Close() }); ok {
		c.Close()
	}
	if c, ok := f.fixed.(interface{ Close() }); ok {
		c.Close()
	}
}
