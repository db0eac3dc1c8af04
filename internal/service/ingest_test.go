package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/boddenberg/cheque-tally-go/internal/domain"
	"github.com/boddenberg/cheque-tally-go/internal/infra/observability"
	"github.com/boddenberg/cheque-tally-go/internal/infra/resilience"
	"github.com/boddenberg/cheque-tally-go/internal/service"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func newIngestService(store *memStore, text *mockTextExtractor, ext *mockExtractor, chunkSize int, metrics *observability.Metrics) *service.IngestService {
	return service.NewIngestService(
		store, store,
		text, ext,
		resilience.NewBulkhead(2),
		chunkSize,
		metrics,
		zap.NewNop(),
	)
}

func TestUploadCompanyExpenses_Success(t *testing.T) {
	store := newMemStore()
	seedSession(store)
	store.company["sess-1"] = nil

	text := "CHQ10 Carol 12.50 2024-02-02\nCHQ11 Dave 7.25\n"
	ext := &mockExtractor{
		company: func(string) []domain.ExtractedCompanyCheque {
			return []domain.ExtractedCompanyCheque{
				{ChequeNumber: "CHQ10", PayeeName: "Carol", Amount: decPtr("12.50"), IssueDate: strPtr("2024-02-02")},
				{ChequeNumber: "CHQ11", PayeeName: "Dave", Amount: decPtr("7.25")},
			}
		},
	}
	metrics := observability.NewMetrics()
	svc := newIngestService(store, &mockTextExtractor{text: text}, ext, 4000, metrics)

	resp, err := svc.UploadCompanyExpenses(context.Background(), "sess-1", "user-1", "ledger.txt", []byte(text))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if resp.Status != "success" || resp.ChequesExtracted != 2 {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.ExtractionNotes != "Processed 1 chunk(s)." {
		t.Errorf("unexpected notes %q", resp.ExtractionNotes)
	}
	stored := store.company["sess-1"]
	if len(stored) != 2 {
		t.Fatalf("expected 2 stored cheques, got %d", len(stored))
	}
	for _, c := range stored {
		if c.ID == "" || c.SessionID != "sess-1" {
			t.Errorf("expected id and session to be set, got %+v", c)
		}
		if c.RawText != text {
			t.Errorf("expected raw text to be the whole document")
		}
	}
	if stored[1].IssueDate != nil {
		t.Errorf("expected missing issue date to stay nil")
	}

	snap := metrics.GetTallySnapshot()
	if snap.ChunksProcessed != 1 || snap.PromptTokens != 10 {
		t.Errorf("unexpected metrics %+v", snap)
	}
}

func TestUploadCompanyExpenses_FailedChunkDoesNotAbort(t *testing.T) {
	store := newMemStore()
	seedSession(store)
	store.company["sess-1"] = nil

	// Chunk size 10 puts each line in its own chunk.
	text := "CHQ20 ok\nFAIL line\nCHQ21 ok\n"
	ext := &mockExtractor{
		failWith: errors.New("model timeout"),
		company: func(chunk string) []domain.ExtractedCompanyCheque {
			number := strings.Fields(chunk)[0]
			return []domain.ExtractedCompanyCheque{{ChequeNumber: number, Amount: decPtr("1.00")}}
		},
	}
	metrics := observability.NewMetrics()
	svc := newIngestService(store, &mockTextExtractor{text: text}, ext, 10, metrics)

	resp, err := svc.UploadCompanyExpenses(context.Background(), "sess-1", "user-1", "ledger.txt", []byte(text))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if resp.ChequesExtracted != 2 {
		t.Fatalf("expected 2 cheques from the healthy chunks, got %d", resp.ChequesExtracted)
	}
	if resp.Cheques[0].ChequeNumber != "CHQ20" || resp.Cheques[1].ChequeNumber != "CHQ21" {
		t.Errorf("expected chunk order to be preserved, got %s, %s", resp.Cheques[0].ChequeNumber, resp.Cheques[1].ChequeNumber)
	}
	want := "Processed 3 chunk(s). [chunk 2/3] extraction failed: model timeout"
	if resp.ExtractionNotes != want {
		t.Errorf("notes = %q, want %q", resp.ExtractionNotes, want)
	}
	if ext.calls != 3 {
		t.Errorf("expected every chunk to be attempted, got %d calls", ext.calls)
	}
	if snap := metrics.GetTallySnapshot(); snap.ChunksFailed != 1 || snap.ChunksProcessed != 3 {
		t.Errorf("unexpected chunk metrics %+v", snap)
	}
}

func TestUploadCompanyExpenses_ChunkNotes(t *testing.T) {
	store := newMemStore()
	seedSession(store)

	ext := &mockExtractor{
		notes:   "payee unreadable",
		company: func(string) []domain.ExtractedCompanyCheque { return nil },
	}
	svc := newIngestService(store, &mockTextExtractor{text: "smudged\n"}, ext, 4000, observability.NewMetrics())

	resp, err := svc.UploadCompanyExpenses(context.Background(), "sess-1", "user-1", "ledger.txt", []byte("x"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if resp.ExtractionNotes != "Processed 1 chunk(s). [chunk 1/1] payee unreadable" {
		t.Errorf("unexpected notes %q", resp.ExtractionNotes)
	}
	if resp.ChequesExtracted != 0 || resp.Cheques == nil {
		t.Errorf("expected an empty, non-nil cheque list, got %+v", resp.Cheques)
	}
}

func TestUploadCompanyExpenses_InvalidRecordSkipped(t *testing.T) {
	store := newMemStore()
	seedSession(store)
	store.company["sess-1"] = nil

	ext := &mockExtractor{
		company: func(string) []domain.ExtractedCompanyCheque {
			return []domain.ExtractedCompanyCheque{
				{ChequeNumber: "CHQ30", Amount: decPtr("5")},
				{ChequeNumber: "CHQ31"},
				{ChequeNumber: "CHQ32", Amount: decPtr("-3")},
				{ChequeNumber: "  ", Amount: decPtr("4")},
			}
		},
	}
	svc := newIngestService(store, &mockTextExtractor{text: "ledger\n"}, ext, 4000, observability.NewMetrics())

	resp, err := svc.UploadCompanyExpenses(context.Background(), "sess-1", "user-1", "ledger.txt", []byte("x"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if resp.ChequesExtracted != 1 || len(store.company["sess-1"]) != 1 {
		t.Fatalf("expected only the valid record to be stored, got %d", resp.ChequesExtracted)
	}
	for _, want := range []string{"[record 2] skipped", "[record 3] skipped", "[record 4] skipped: cheque number is required"} {
		if !strings.Contains(resp.ExtractionNotes, want) {
			t.Errorf("expected notes to contain %q, got %q", want, resp.ExtractionNotes)
		}
	}
}

func TestUploadBankTransactions_Success(t *testing.T) {
	store := newMemStore()
	seedSession(store)
	store.bank["sess-1"] = nil

	ext := &mockExtractor{
		bank: func(string) []domain.ExtractedBankCheque {
			return []domain.ExtractedBankCheque{
				{ChequeNumber: "CHQ1", Amount: decPtr("100.00"), ClearingDate: "2024-01-20"},
				{ChequeNumber: "CHQ9", Amount: decPtr("9.00")},
			}
		},
	}
	svc := newIngestService(store, &mockTextExtractor{text: "statement\n"}, ext, 4000, observability.NewMetrics())

	resp, err := svc.UploadBankTransactions(context.Background(), "sess-1", "user-1", "statement.pdf", []byte("%PDF"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if resp.ChequesExtracted != 1 || resp.Cheques[0].ClearingDate != "2024-01-20" {
		t.Errorf("unexpected response %+v", resp)
	}
	if !strings.Contains(resp.ExtractionNotes, "no clearing date") {
		t.Errorf("expected skipped clearing date note, got %q", resp.ExtractionNotes)
	}
}

func TestUpload_Errors(t *testing.T) {
	tests := []struct {
		name    string
		userID  string
		data    []byte
		text    *mockTextExtractor
		wantErr any
	}{
		{"foreign session", "intruder", []byte("x"), &mockTextExtractor{text: "x"}, new(*domain.ErrNotFound)},
		{"empty file", "user-1", nil, &mockTextExtractor{text: "x"}, new(*domain.ErrValidation)},
		{"unsupported format", "user-1", []byte("x"), &mockTextExtractor{err: &domain.ErrValidation{Field: "file", Message: "unsupported"}}, new(*domain.ErrValidation)},
		{"blank text", "user-1", []byte("x"), &mockTextExtractor{text: " \n "}, new(*domain.ErrValidation)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			seedSession(store)
			ext := &mockExtractor{company: func(string) []domain.ExtractedCompanyCheque { return nil }}
			svc := newIngestService(store, tt.text, ext, 4000, observability.NewMetrics())

			_, err := svc.UploadCompanyExpenses(context.Background(), "sess-1", tt.userID, "ledger.txt", tt.data)

			if !errors.As(err, tt.wantErr) {
				t.Fatalf("unexpected error %v", err)
			}
			if ext.calls != 0 {
				t.Errorf("expected no extraction calls, got %d", ext.calls)
			}
		})
	}
}
