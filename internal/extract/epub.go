package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strings"
)

// EPUBExtractor reads an EPUB (zip-based) book's spine in reading order
// and strips the XHTML markup from each item to plain text, one Page per
// spine item. Full reflow/pandoc-quality rendering ("pandoc → xelatex",
// falling back to "pandoc → HTML → headless-Chromium → PDF" on structural
// failure) is an external tool chain represented here by the pluggable
// Converter interface and is not itself implemented.
type EPUBExtractor struct {
	converter Converter
}

func NewEPUBExtractor(converter Converter) *EPUBExtractor {
	if converter == nil {
		converter = NoOpConverter{}
	}
	return &EPUBExtractor{converter: converter}
}

func (e *EPUBExtractor) SupportedExtensions() []string { return []string{".epub"} }

type opfPackage struct {
	Manifest struct {
		Items []struct {
			ID   string `xml:"id,attr"`
			Href string `xml:"href,attr"`
		} `xml:"item"`
	} `xml:"manifest"`
	Spine struct {
		ItemRefs []struct {
			IDRef string `xml:"idref,attr"`
		} `xml:"itemref"`
	} `xml:"spine"`
}

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

func (e *EPUBExtractor) Extract(ctx context.Context, epubPath string, content []byte) (*Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("%s is not a valid zip-based document: %w", epubPath, err)
	}

	opfPath, opfBytes, err := findOPF(zr)
	if err != nil {
		if converted, ok, cerr := e.converter.Convert(ctx, epubPath, content); cerr == nil && ok {
			return &Result{Pages: []Page{{Text: string(converted), Index: 0}}, Method: "epub_converted"}, nil
		}
		return nil, err
	}

	var pkg opfPackage
	if err := xml.Unmarshal(opfBytes, &pkg); err != nil {
		return nil, fmt.Errorf("parse OPF package document: %w", err)
	}

	hrefByID := make(map[string]string, len(pkg.Manifest.Items))
	for _, item := range pkg.Manifest.Items {
		hrefByID[item.ID] = item.Href
	}

	opfDir := path.Dir(opfPath)
	var pages []Page
	for i, ref := range pkg.Spine.ItemRefs {
		href, ok := hrefByID[ref.IDRef]
		if !ok {
			continue
		}
		full := path.Clean(path.Join(opfDir, href))
		text, err := readZipFileAsText(zr, full)
		if err != nil {
			continue
		}
		pages = append(pages, Page{Text: stripHTML(text), Index: i})
	}

	if len(pages) == 0 {
		return nil, fmt.Errorf("no spine content extracted from %s", epubPath)
	}

	return &Result{Pages: pages, Method: "epub_spine"}, nil
}

func findOPF(zr *zip.Reader) (string, []byte, error) {
	containerBytes, err := readZipFileAsBytes(zr, "META-INF/container.xml")
	if err != nil {
		return "", nil, fmt.Errorf("missing META-INF/container.xml: %w", err)
	}

	var container struct {
		RootFiles struct {
			RootFile []struct {
				FullPath string `xml:"full-path,attr"`
			} `xml:"rootfile"`
		} `xml:"rootfiles"`
	}
	if err := xml.Unmarshal(containerBytes, &container); err != nil {
		return "", nil, fmt.Errorf("parse container.xml: %w", err)
	}
	if len(container.RootFiles.RootFile) == 0 {
		return "", nil, fmt.Errorf("container.xml names no OPF rootfile")
	}

	opfPath := container.RootFiles.RootFile[0].FullPath
	opfBytes, err := readZipFileAsBytes(zr, opfPath)
	if err != nil {
		return "", nil, fmt.Errorf("read OPF %s: %w", opfPath, err)
	}
	return opfPath, opfBytes, nil
}

func readZipFileAsBytes(zr *zip.Reader, name string) ([]byte, error) {
	idx := sort.Search(len(zr.File), func(i int) bool { return zr.File[i].Name >= name })
	if idx < len(zr.File) && zr.File[idx].Name == name {
		rc, err := zr.File[idx].Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	for _, f := range zr.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, fmt.Errorf("no such entry: %s", name)
}

func readZipFileAsText(zr *zip.Reader, name string) (string, error) {
	b, err := readZipFileAsBytes(zr, name)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func stripHTML(s string) string {
	s = htmlTagRe.ReplaceAllString(s, " ")
	s = strings.NewReplacer("&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
