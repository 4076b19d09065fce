package validate

import (
	"archive/zip"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kbindex/ragkb/internal/extract"
)

// extensionTypeMap maps a lowercase extension to the file type the rest
// of the chain (and the chunker selection downstream) will key off of.
var extensionTypeMap = map[string]string{
	".pdf":      "pdf",
	".docx":     "docx",
	".doc":      "doc",
	".epub":     "epub",
	".md":       "markdown",
	".markdown": "markdown",
	".py":       "python",
	".js":       "javascript",
	".jsx":      "javascript",
	".ts":       "typescript",
	".tsx":      "typescript",
	".java":     "java",
	".cs":       "csharp",
	".go":       "go",
	".rs":       "rust",
	".ipynb":    "ipynb",
	".txt":      "text",
	".log":      "text",
	".csv":      "text",
}

// textFileTypes are the types TextFileStrategy and MagicSignatureStrategy
// treat as having no binary magic bytes to verify.
var textFileTypes = map[string]bool{
	"markdown": true, "python": true, "javascript": true, "typescript": true,
	"java": true, "csharp": true, "go": true, "rust": true, "ipynb": true, "text": true,
}

// FileExistenceStrategy checks the file exists and is not empty. First
// in the chain: nothing downstream is worth running on a missing file.
type FileExistenceStrategy struct{}

func (FileExistenceStrategy) Name() string { return "FileExistenceStrategy" }

func (FileExistenceStrategy) Validate(st *State) (Result, error) {
	if st.Info == nil {
		return reject("unknown", fmt.Sprintf("file does not exist: %s", st.Path), "FileExistenceStrategy", SeverityCritical), nil
	}
	if st.Info.Size() == 0 {
		return reject("unknown", "file is empty", "FileExistenceStrategy", SeverityWarning), nil
	}
	return ok("unknown"), nil
}

// ExtensionStrategy maps the extension to an expected file type,
// rejecting extensions the pipeline has no extractor or chunker for.
type ExtensionStrategy struct{}

func (ExtensionStrategy) Name() string { return "ExtensionStrategy" }

func (ExtensionStrategy) Validate(st *State) (Result, error) {
	ext := strings.ToLower(filepath.Ext(st.Path))
	fileType, known := extensionTypeMap[ext]
	if !known {
		return reject("unknown", fmt.Sprintf("unsupported file extension: %s", ext), "ExtensionStrategy", SeverityInfo), nil
	}
	st.ExpectedType = fileType
	return ok(fileType), nil
}

// FileSizeStrategy rejects files over a hard cap and flags (but admits)
// files over a softer warning threshold.
type FileSizeStrategy struct {
	MaxSizeBytes  int64
	WarnSizeBytes int64
}

func NewFileSizeStrategy(maxMB, warnMB int) FileSizeStrategy {
	return FileSizeStrategy{
		MaxSizeBytes:  int64(maxMB) * 1024 * 1024,
		WarnSizeBytes: int64(warnMB) * 1024 * 1024,
	}
}

func (FileSizeStrategy) Name() string { return "FileSizeStrategy" }

func (s FileSizeStrategy) Validate(st *State) (Result, error) {
	size := st.Info.Size()
	if size > s.MaxSizeBytes {
		return reject(st.ExpectedType,
			fmt.Sprintf("file too large: %.1f MB (max %d MB)", float64(size)/(1024*1024), s.MaxSizeBytes/(1024*1024)),
			"FileSizeStrategy", SeverityCritical), nil
	}
	if size > s.WarnSizeBytes {
		r := ok(st.ExpectedType)
		r.Severity = SeverityWarning
		r.Reason = fmt.Sprintf("large file: %.1f MB", float64(size)/(1024*1024))
		return r, nil
	}
	return ok(st.ExpectedType), nil
}

// ArchiveBombStrategy guards against zip bombs hiding inside zip-based
// formats (docx, epub): a suspicious compression ratio, an oversized
// uncompressed payload, or nested archives all fail the file.
type ArchiveBombStrategy struct {
	MaxCompressionRatio   float64
	MaxUncompressedBytes  int64
	MaxNestedArchiveCount int
}

func NewArchiveBombStrategy() ArchiveBombStrategy {
	return ArchiveBombStrategy{
		MaxCompressionRatio:   100,
		MaxUncompressedBytes:  1000 * 1024 * 1024,
		MaxNestedArchiveCount: 2,
	}
}

func (ArchiveBombStrategy) Name() string { return "ArchiveBombStrategy" }

func (s ArchiveBombStrategy) Validate(st *State) (Result, error) {
	if st.ExpectedType != "docx" && st.ExpectedType != "epub" {
		return ok(st.ExpectedType), nil
	}

	header, err := st.Header(4)
	if err != nil || string(header) != "PK\x03\x04" {
		return ok(st.ExpectedType), nil
	}

	zr, err := zip.OpenReader(st.Path)
	if err != nil {
		return reject("unknown", "corrupted ZIP archive", "ArchiveBombStrategy", SeverityWarning), nil
	}
	defer zr.Close()

	var uncompressed int64
	var nested int
	for _, f := range zr.File {
		uncompressed += int64(f.UncompressedSize64)
		lower := strings.ToLower(f.Name)
		if strings.HasSuffix(lower, ".zip") || strings.HasSuffix(lower, ".tar") || strings.HasSuffix(lower, ".gz") {
			nested++
		}
	}

	if uncompressed > s.MaxUncompressedBytes {
		return reject(st.ExpectedType,
			fmt.Sprintf("archive bomb: uncompressed size %dMB exceeds limit", uncompressed/(1024*1024)),
			"ArchiveBombStrategy", SeverityCritical), nil
	}

	compressed := st.Info.Size()
	if compressed > 0 {
		ratio := float64(uncompressed) / float64(compressed)
		if ratio > s.MaxCompressionRatio {
			return reject(st.ExpectedType,
				fmt.Sprintf("archive bomb: compression ratio %.0f:1 is suspicious", ratio),
				"ArchiveBombStrategy", SeverityCritical), nil
		}
	}

	if nested > s.MaxNestedArchiveCount {
		return reject(st.ExpectedType,
			fmt.Sprintf("archive bomb: contains %d nested archives", nested),
			"ArchiveBombStrategy", SeverityCritical), nil
	}

	return ok(st.ExpectedType), nil
}

// executableSignatures are magic bytes that identify native executables
// and shell scripts, regardless of what extension the file carries.
var executableSignatures = []struct {
	magic []byte
	desc  string
}{
	{[]byte("\x7fELF"), "ELF executable"},
	{[]byte("MZ"), "Windows PE executable"},
	{[]byte("\xca\xfe\xba\xbe"), "Mach-O executable"},
	{[]byte("\xfe\xed\xfa\xce"), "Mach-O 32-bit executable"},
	{[]byte("\xfe\xed\xfa\xcf"), "Mach-O 64-bit executable"},
	{[]byte("\xce\xfa\xed\xfe"), "Mach-O reverse byte order executable"},
}

func matchExecutableSignature(header []byte) (string, bool) {
	for _, sig := range executableSignatures {
		if len(header) >= len(sig.magic) && string(header[:len(sig.magic)]) == string(sig.magic) {
			return sig.desc, true
		}
	}
	return "", false
}

// ExtensionMismatchStrategy catches the classic malware-renamed-as-document
// attack: content whose magic bytes disagree with what the extension claims.
type ExtensionMismatchStrategy struct{}

func (ExtensionMismatchStrategy) Name() string { return "ExtensionMismatchStrategy" }

func (ExtensionMismatchStrategy) Validate(st *State) (Result, error) {
	checked := map[string]bool{"pdf": true, "docx": true, "epub": true, "markdown": true, "text": true}
	if !checked[st.ExpectedType] {
		return ok(st.ExpectedType), nil
	}

	header, err := st.Header(512)
	if err != nil {
		return reject("unknown", fmt.Sprintf("cannot read file: %v", err), "ExtensionMismatchStrategy", SeverityCritical), nil
	}

	if desc, isExec := matchExecutableSignature(header); isExec {
		return reject("executable",
			fmt.Sprintf("executable masquerading as %s (%s)", st.ExpectedType, desc),
			"ExtensionMismatchStrategy", SeverityCritical), nil
	}

	actual := detectActualType(header)
	if actual == "" || actual == st.ExpectedType {
		return ok(st.ExpectedType), nil
	}
	if actual == "zip_based" && (st.ExpectedType == "docx" || st.ExpectedType == "epub") {
		return ok(st.ExpectedType), nil
	}

	return reject(actual,
		fmt.Sprintf("extension claims %s but file is %s", st.ExpectedType, actual),
		"ExtensionMismatchStrategy", SeverityCritical), nil
}

func detectActualType(header []byte) string {
	if _, isExec := matchExecutableSignature(header); isExec {
		return "executable"
	}
	if strings.HasPrefix(string(header), "%PDF-") {
		return "pdf"
	}
	if len(header) >= 4 && string(header[:4]) == "PK\x03\x04" {
		return "zip_based"
	}
	return ""
}

// ExecutablePermissionStrategy flags any execute bit on a file living in
// a document repository. Shebang scripts are tagged file_type="script"
// so the coordinator rejects them outright rather than attempting the
// chmod remediation it tries for an accidentally +x document.
type ExecutablePermissionStrategy struct{}

func (ExecutablePermissionStrategy) Name() string { return "ExecutablePermissionStrategy" }

func (ExecutablePermissionStrategy) Validate(st *State) (Result, error) {
	mode := st.Info.Mode()
	if mode&0o111 == 0 {
		return ok(st.ExpectedType), nil
	}

	header, err := st.Header(2)
	if err == nil && string(header) == "#!" {
		return reject("script", "script with executable permissions (shebang detected)", "ExecutablePermissionStrategy", SeverityCritical), nil
	}
	return reject(st.ExpectedType, "executable permission detected", "ExecutablePermissionStrategy", SeverityWarning), nil
}

// TextFileStrategy verifies a file claiming a text-based type actually
// looks like text: mostly printable ASCII/UTF-8, not binary garbage.
type TextFileStrategy struct{}

func (TextFileStrategy) Name() string { return "TextFileStrategy" }

func (TextFileStrategy) Validate(st *State) (Result, error) {
	if !textFileTypes[st.ExpectedType] {
		return ok(st.ExpectedType), nil
	}

	header, err := st.Header(512)
	if err != nil {
		return reject("unknown", fmt.Sprintf("cannot read file: %v", err), "TextFileStrategy", SeverityCritical), nil
	}
	if !looksLikeText(header) {
		return reject("binary", fmt.Sprintf("file appears to be binary, expected text-based %s", st.ExpectedType), "TextFileStrategy", SeverityCritical), nil
	}
	return ok(st.ExpectedType), nil
}

func looksLikeText(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	printable := 0
	for _, b := range data {
		if (b >= 32 && b <= 126) || b == 9 || b == 10 || b == 13 {
			printable++
		}
	}
	return float64(printable)/float64(len(data)) > 0.9
}

// magicSignatures lists the expected magic bytes per binary file type.
// Text-based types are absent: they have none to check.
var magicSignatures = map[string][]byte{
	"pdf":   []byte("%PDF-"),
	"docx":  []byte("PK\x03\x04"),
	"doc":   []byte("\xd0\xcf\x11\xe0\xa1\xb1\x1a\xe1"),
	"epub":  []byte("PK\x03\x04"),
}

// MagicSignatureStrategy confirms a binary file's header matches the
// signature its expected type requires.
type MagicSignatureStrategy struct{}

func (MagicSignatureStrategy) Name() string { return "MagicSignatureStrategy" }

func (MagicSignatureStrategy) Validate(st *State) (Result, error) {
	sig, hasSig := magicSignatures[st.ExpectedType]
	if !hasSig {
		return ok(st.ExpectedType), nil
	}

	header, err := st.Header(512)
	if err != nil {
		return reject("unknown", fmt.Sprintf("cannot read file: %v", err), "MagicSignatureStrategy", SeverityCritical), nil
	}
	if len(header) >= len(sig) && string(header[:len(sig)]) == string(sig) {
		return ok(st.ExpectedType), nil
	}
	return reject("unknown", fmt.Sprintf("file signature does not match %s format", st.ExpectedType), "MagicSignatureStrategy", SeverityCritical), nil
}

// PDFIntegrityStrategy checks a PDF has both the header and trailer a
// well-formed file needs. A failure here is recorded but non-critical:
// it flags a truncated or malformed PDF, not hostile content.
type PDFIntegrityStrategy struct{}

func (PDFIntegrityStrategy) Name() string { return "PDFIntegrityStrategy" }

func (PDFIntegrityStrategy) Validate(st *State) (Result, error) {
	if st.ExpectedType != "pdf" {
		return ok(st.ExpectedType), nil
	}
	content, err := st.Content()
	if err != nil {
		return reject("unknown", fmt.Sprintf("cannot read file: %v", err), "PDFIntegrityStrategy", SeverityCritical), nil
	}
	if err := extract.CheckIntegrity(content); err != nil {
		return reject("pdf", fmt.Sprintf("PDF integrity check failed: %v", err), "PDFIntegrityStrategy", SeverityWarning), nil
	}
	return ok(st.ExpectedType), nil
}
