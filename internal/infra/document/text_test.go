package document_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/boddenberg/cheque-tally-go/internal/domain"
	"github.com/boddenberg/cheque-tally-go/internal/infra/document"
)

func TestExtractText_TXT(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		data     []byte
		want     string
	}{
		{"utf-8", "ledger.txt", []byte("CHQ1 José 100.00\n"), "CHQ1 José 100.00\n"},
		{"utf-8 with BOM", "ledger.txt", []byte("\xef\xbb\xbfCHQ1\n"), "CHQ1\n"},
		{"latin-1 fallback", "ledger.TXT", []byte("CHQ1 Jos\xe9 100.00\n"), "CHQ1 José 100.00\n"},
		{"empty", "ledger.txt", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := document.NewExtractor().ExtractText(tt.filename, tt.data)
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractText_UnsupportedFormat(t *testing.T) {
	_, err := document.NewExtractor().ExtractText("ledger.xlsx", []byte("x"))

	var validation *domain.ErrValidation
	if !errors.As(err, &validation) {
		t.Fatalf("expected *domain.ErrValidation, got %v", err)
	}
	if !strings.Contains(validation.Message, ".xlsx") {
		t.Errorf("expected message to name the extension, got %q", validation.Message)
	}
}

func TestExtractText_CorruptPDF(t *testing.T) {
	_, err := document.NewExtractor().ExtractText("statement.pdf", []byte("not a pdf at all"))

	var validation *domain.ErrValidation
	if !errors.As(err, &validation) {
		t.Fatalf("expected *domain.ErrValidation, got %v", err)
	}
}
