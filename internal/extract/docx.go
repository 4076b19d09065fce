package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// DOCXExtractor reads a DOCX (zip-based OOXML) document's main body text.
// Paragraph and run boundaries are preserved as newlines; styling, tables
// layout and embedded media are not reproduced.
type DOCXExtractor struct{}

func NewDOCXExtractor() *DOCXExtractor { return &DOCXExtractor{} }

func (e *DOCXExtractor) SupportedExtensions() []string { return []string{".docx"} }

type docxBody struct {
	Paragraphs []docxParagraph `xml:"p"`
}

type docxParagraph struct {
	Runs []docxRun `xml:"r"`
}

type docxRun struct {
	Text string `xml:"t"`
}

func (e *DOCXExtractor) Extract(_ context.Context, path string, content []byte) (*Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("%s is not a valid zip-based document: %w", path, err)
	}

	var docXML []byte
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("open word/document.xml: %w", err)
			}
			docXML, err = io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return nil, fmt.Errorf("read word/document.xml: %w", err)
			}
			break
		}
	}
	if docXML == nil {
		return nil, fmt.Errorf("%s has no word/document.xml (not a DOCX)", path)
	}

	var body struct {
		XMLName xml.Name  `xml:"document"`
		Body    docxBody  `xml:"body"`
	}
	if err := xml.Unmarshal(docXML, &body); err != nil {
		return nil, fmt.Errorf("parse document.xml: %w", err)
	}

	var sb strings.Builder
	for _, p := range body.Body.Paragraphs {
		for _, r := range p.Runs {
			sb.WriteString(r.Text)
		}
		sb.WriteByte('\n')
	}

	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no extractable text in %s", path)
	}

	return &Result{
		Pages:  []Page{{Text: text, Index: 0}},
		Method: "docx_ooxml",
	}, nil
}
