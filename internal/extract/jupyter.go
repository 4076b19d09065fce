package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// JupyterExtractor reads a .ipynb notebook's cells in order. Code cells
// and markdown cells are kept distinct in the output (prefixed per
// cell) so the chunker downstream can dispatch code cells to the
// notebook's kernel-language AST chunker and markdown cells to the
// markdown chunker. Adjacent cells of the same type are merged into one
// page; a markdown cell that opens with a header starts a new page
// instead of merging into the previous one.
type JupyterExtractor struct{}

func NewJupyterExtractor() *JupyterExtractor { return &JupyterExtractor{} }

func (e *JupyterExtractor) SupportedExtensions() []string { return []string{".ipynb"} }

type ipynbNotebook struct {
	Metadata struct {
		Kernelspec struct {
			Language string `json:"language"`
			Name     string `json:"name"`
		} `json:"kernelspec"`
		LanguageInfo struct {
			Name string `json:"name"`
		} `json:"language_info"`
	} `json:"metadata"`
	Cells []ipynbCell `json:"cells"`
}

type ipynbCell struct {
	CellType string          `json:"cell_type"`
	Source   json.RawMessage `json:"source"`
}

func (c ipynbCell) text() string {
	var lines []string
	if err := json.Unmarshal(c.Source, &lines); err == nil {
		return strings.Join(lines, "")
	}
	var single string
	if err := json.Unmarshal(c.Source, &single); err == nil {
		return single
	}
	return ""
}

func (e *JupyterExtractor) Extract(_ context.Context, path string, content []byte) (*Result, error) {
	var nb ipynbNotebook
	if err := json.Unmarshal(content, &nb); err != nil {
		return nil, fmt.Errorf("parse notebook %s: %w", path, err)
	}

	lang := nb.Metadata.Kernelspec.Language
	if lang == "" {
		lang = nb.Metadata.LanguageInfo.Name
	}

	var pages []Page
	var sb strings.Builder
	currentType := ""
	idx := 0

	flush := func() {
		if sb.Len() == 0 {
			return
		}
		pages = append(pages, Page{Text: sb.String(), Index: idx})
		idx++
		sb.Reset()
	}

	for _, cell := range nb.Cells {
		text := strings.TrimRight(cell.text(), "\n")
		if text == "" {
			continue
		}

		cellType := cell.CellType
		startsNewPage := cellType != currentType || (cellType == "markdown" && strings.HasPrefix(strings.TrimSpace(text), "#"))

		if startsNewPage && sb.Len() > 0 {
			flush()
		}
		currentType = cellType

		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		if cellType == "code" {
			sb.WriteString(fmt.Sprintf("```%s\n%s\n```", lang, text))
		} else {
			sb.WriteString(text)
		}
	}
	flush()

	if len(pages) == 0 {
		return nil, fmt.Errorf("no extractable cells in %s", path)
	}

	return &Result{Pages: pages, Method: "jupyter_cells"}, nil
}
