package extract

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// PDFExtractor recovers text from a PDF well enough to chunk and index.
// No PDF-rendering library is wired in (see DESIGN.md), so this walks
// the raw object stream directly: it inflates FlateDecode content
// streams and pulls literal-string operands out of Tj/TJ text-showing
// operators. Layout, fonts and embedded images are not reproduced — this
// is a deliberately reduced-fidelity extraction.
type PDFExtractor struct {
	repairer Repairer
}

func NewPDFExtractor(repairer Repairer) *PDFExtractor {
	if repairer == nil {
		repairer = NoOpRepairer{}
	}
	return &PDFExtractor{repairer: repairer}
}

func (e *PDFExtractor) SupportedExtensions() []string { return []string{".pdf"} }

var (
	pdfStreamRe      = regexp.MustCompile(`(?s)stream\r?\n(.*?)\r?\nendstream`)
	pdfTextShowRe    = regexp.MustCompile(`\(((?:[^()\\]|\\.)*)\)\s*Tj`)
	pdfTextArrayRe   = regexp.MustCompile(`\[((?:[^\[\]]|\\.)*)\]\s*TJ`)
	pdfArrayStringRe = regexp.MustCompile(`\(((?:[^()\\]|\\.)*)\)`)
)

// Extract pulls one "page" per content stream found in the PDF object
// list. Real PDFs frequently have one content stream per page, which
// keeps this heuristic useful without a cross-reference-table parser.
func (e *PDFExtractor) Extract(ctx context.Context, path string, content []byte) (*Result, error) {
	if !bytes.HasPrefix(content, []byte("%PDF-")) {
		repaired, ok, err := e.repairer.Repair(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("pdf repair failed for %s: %w", path, err)
		}
		if !ok {
			return nil, fmt.Errorf("%s is not a valid PDF and could not be repaired", path)
		}
		content = repaired
	}

	streams := pdfStreamRe.FindAllSubmatch(content, -1)
	if len(streams) == 0 {
		return nil, fmt.Errorf("no content streams found in %s", path)
	}

	var pages []Page
	for i, m := range streams {
		raw := m[1]
		text := extractTextFromStream(raw)
		if strings.TrimSpace(text) == "" {
			continue
		}
		pages = append(pages, Page{Text: text, Index: i})
	}

	if len(pages) == 0 {
		return nil, fmt.Errorf("no extractable text in %s", path)
	}

	return &Result{Pages: pages, Method: "pdf_raw_stream"}, nil
}

// extractTextFromStream inflates a stream if it looks like zlib-compressed
// data, then pulls literal-string operands from Tj/TJ operators.
func extractTextFromStream(raw []byte) string {
	body := raw
	if r, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
		if inflated, err := io.ReadAll(r); err == nil {
			body = inflated
		}
		_ = r.Close()
	}

	var sb strings.Builder
	for _, m := range pdfTextShowRe.FindAllSubmatch(body, -1) {
		sb.WriteString(unescapePDFString(m[1]))
		sb.WriteByte(' ')
	}
	for _, m := range pdfTextArrayRe.FindAllSubmatch(body, -1) {
		for _, s := range pdfArrayStringRe.FindAllSubmatch(m[1], -1) {
			sb.WriteString(unescapePDFString(s[1]))
		}
		sb.WriteByte(' ')
	}
	return sb.String()
}

func unescapePDFString(b []byte) string {
	s := string(b)
	replacer := strings.NewReplacer(`\(`, "(", `\)`, ")", `\\`, `\`, `\n`, "\n", `\r`, "\r", `\t`, "\t")
	return replacer.Replace(s)
}

// CheckIntegrity performs the PDFIntegrity validation check: a failure
// here is recorded but is not critical (it is not evidence of hostile
// content, just a malformed or truncated file).
func CheckIntegrity(content []byte) error {
	if !bytes.HasPrefix(content, []byte("%PDF-")) {
		return fmt.Errorf("missing %%PDF- header")
	}
	tail := content
	if len(tail) > 2048 {
		tail = tail[len(tail)-2048:]
	}
	if !bytes.Contains(tail, []byte("%%EOF")) {
		return fmt.Errorf("missing %%%%EOF trailer marker")
	}
	return nil
}
