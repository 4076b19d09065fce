// Package extract defines the document-extraction boundary: the core
// ingestion pipeline only ever calls Extractor, never a format-specific
// parser directly. Extractors for binary formats are best-effort — full
// rendering fidelity for PDF/DOCX/EPUB is outside this module's scope;
// these implementations recover text well enough to chunk and index,
// tagging their output with the extraction method that produced it.
package extract

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Page is one page or notebook-cell worth of extracted text.
type Page struct {
	Text  string
	Index int // page number (PDF) or cell index (Jupyter), 0-indexed
}

// Result is what an Extractor returns for one file.
type Result struct {
	Pages  []Page
	Method string // tag describing how the text was obtained
}

// Extractor turns raw file bytes into extracted text pages.
type Extractor interface {
	Extract(ctx context.Context, path string, content []byte) (*Result, error)
	SupportedExtensions() []string
}

// Repairer attempts to recover a damaged source file before re-extraction
// fails outright (e.g. a PDF repaired by Ghostscript). The default no-op
// implementation always declines; a real repair tool chain is a pluggable
// collaborator the core only consumes through this interface.
type Repairer interface {
	Repair(ctx context.Context, path string) (repaired []byte, ok bool, err error)
}

// NoOpRepairer never repairs anything.
type NoOpRepairer struct{}

func (NoOpRepairer) Repair(_ context.Context, _ string) ([]byte, bool, error) {
	return nil, false, nil
}

// Converter performs an out-of-process format conversion (EPUB→PDF via
// pandoc/xelatex, HTML→PDF via headless Chromium). The default declines,
// same rationale as Repairer.
type Converter interface {
	Convert(ctx context.Context, path string, content []byte) (converted []byte, ok bool, err error)
}

// NoOpConverter never converts anything.
type NoOpConverter struct{}

func (NoOpConverter) Convert(_ context.Context, _ string, _ []byte) ([]byte, bool, error) {
	return nil, false, nil
}

// Registry selects an Extractor by file extension.
type Registry struct {
	byExt map[string]Extractor
}

// NewRegistry builds a registry with the default extractor set.
func NewRegistry(repairer Repairer, converter Converter) *Registry {
	if repairer == nil {
		repairer = NoOpRepairer{}
	}
	if converter == nil {
		converter = NoOpConverter{}
	}

	r := &Registry{byExt: make(map[string]Extractor)}
	r.register(NewPlainTextExtractor())
	r.register(NewMarkdownExtractor())
	r.register(NewPDFExtractor(repairer))
	r.register(NewDOCXExtractor())
	r.register(NewEPUBExtractor(converter))
	r.register(NewJupyterExtractor())
	return r
}

func (r *Registry) register(e Extractor) {
	for _, ext := range e.SupportedExtensions() {
		r.byExt[ext] = e
	}
}

// For returns the extractor registered for path's extension, or nil.
func (r *Registry) For(path string) Extractor {
	ext := strings.ToLower(filepath.Ext(path))
	return r.byExt[ext]
}

// Extract is a convenience wrapper that looks up the right extractor.
func (r *Registry) Extract(ctx context.Context, path string, content []byte) (*Result, error) {
	e := r.For(path)
	if e == nil {
		return nil, fmt.Errorf("no extractor registered for %s", path)
	}
	return e.Extract(ctx, path, content)
}
