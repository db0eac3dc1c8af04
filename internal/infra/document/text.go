// Package document reads plain text out of uploaded ledger files.
// Supported formats are .txt (UTF-8, falling back to Latin-1) and .pdf.
package document

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/boddenberg/cheque-tally-go/internal/domain"

	"github.com/ledongthuc/pdf"
	"golang.org/x/text/encoding/charmap"
)

// Extractor implements port.TextExtractor.
type Extractor struct{}

// NewExtractor creates a new Extractor.
func NewExtractor() *Extractor { return &Extractor{} }

// ExtractText dispatches on the file extension. Unreadable or unsupported
// files yield *domain.ErrValidation.
func (Extractor) ExtractText(filename string, data []byte) (string, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	switch ext {
	case "txt":
		return decodeText(data)
	case "pdf":
		return pdfText(data)
	default:
		return "", &domain.ErrValidation{
			Field:   "file",
			Message: fmt.Sprintf("unsupported file format: .%s. Supported formats: .txt, .pdf", ext),
		}
	}
}

func decodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return string(data), nil
	}
	// Every byte sequence is valid Latin-1.
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return "", &domain.ErrValidation{
			Field:   "file",
			Message: "failed to decode text file; ensure it is encoded in UTF-8 or Latin-1",
		}
	}
	return string(out), nil
}

func pdfText(data []byte) (text string, err error) {
	// The PDF parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", pdfError(fmt.Errorf("%v", r))
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", pdfError(err)
	}

	n := r.NumPage()
	if n == 0 {
		return "", &domain.ErrValidation{Field: "file", Message: "PDF file is empty (no pages)"}
	}

	var sb strings.Builder
	for i := 1; i <= n; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return "", pdfError(fmt.Errorf("page %d: %w", i, err))
		}
		if pageText == "" {
			continue
		}
		fmt.Fprintf(&sb, "--- PAGE %d ---\n%s\n", i, pageText)
	}

	if strings.TrimSpace(sb.String()) == "" {
		return "", &domain.ErrValidation{
			Field:   "file",
			Message: "PDF file contains no extractable text (may be scanned image)",
		}
	}
	return sb.String(), nil
}

func pdfError(err error) error {
	return &domain.ErrValidation{Field: "file", Message: "failed to extract text from PDF: " + err.Error()}
}
