package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/boddenberg/cheque-tally-go/internal/domain"
	"github.com/boddenberg/cheque-tally-go/internal/infra/observability"
	"github.com/boddenberg/cheque-tally-go/internal/infra/resilience"
	"github.com/boddenberg/cheque-tally-go/internal/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ingestTracer = otel.Tracer("service/ingest")

// DefaultChunkSize is the largest chunk, in characters, sent to the
// extraction model in one call.
const DefaultChunkSize = 4000

// IngestService turns uploaded ledger files into stored cheque records.
type IngestService struct {
	sessions  port.SessionStore
	cheques   port.ChequeStore
	text      port.TextExtractor
	extractor port.ChequeExtractor
	bulkhead  *resilience.Bulkhead
	chunkSize int
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewIngestService creates the ingest service. The bulkhead bounds how many
// chunks of one document are extracted at the same time.
func NewIngestService(
	sessions port.SessionStore,
	cheques port.ChequeStore,
	text port.TextExtractor,
	extractor port.ChequeExtractor,
	bulkhead *resilience.Bulkhead,
	chunkSize int,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *IngestService {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &IngestService{
		sessions:  sessions,
		cheques:   cheques,
		text:      text,
		extractor: extractor,
		bulkhead:  bulkhead,
		chunkSize: chunkSize,
		metrics:   metrics,
		logger:    logger,
	}
}

// ============================================================
// Company expenses: POST /v1/sessions/{id}/company/upload-expenses
// ============================================================

func (s *IngestService) UploadCompanyExpenses(ctx context.Context, sessionID, userID, filename string, data []byte) (*domain.UploadResponse[domain.CompanyCheque], error) {
	ctx, span := ingestTracer.Start(ctx, "IngestService.UploadCompanyExpenses")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID), attribute.String("file.name", filename))

	text, err := s.readDocument(ctx, sessionID, userID, filename, data)
	if err != nil {
		return nil, err
	}

	ext := extractAll(ctx, s, splitChunks(text, s.chunkSize), s.extractor.ExtractCompanyCheques)

	now := time.Now().UTC()
	records := make([]domain.CompanyCheque, 0, len(ext.Records))
	notes := ext.Notes
	for i, r := range ext.Records {
		if err := validateCompanyRecord(r); err != nil {
			notes = appendNote(notes, fmt.Sprintf("[record %d] skipped: %s", i+1, err.Message))
			continue
		}
		records = append(records, domain.CompanyCheque{
			ID:           uuid.NewString(),
			SessionID:    sessionID,
			ChequeNumber: strings.TrimSpace(r.ChequeNumber),
			PayeeName:    strings.TrimSpace(r.PayeeName),
			Amount:       *r.Amount,
			IssueDate:    r.IssueDate,
			RawText:      text,
			CreatedAt:    now,
		})
	}

	stored := []domain.CompanyCheque{}
	if len(records) > 0 {
		if stored, err = s.cheques.AddCompanyCheques(ctx, records); err != nil {
			return nil, fmt.Errorf("store company cheques: %w", err)
		}
	}

	s.logger.Info("company expenses uploaded",
		zap.String("session_id", sessionID),
		zap.String("filename", filename),
		zap.Int("extracted", len(ext.Records)),
		zap.Int("stored", len(stored)),
	)

	return &domain.UploadResponse[domain.CompanyCheque]{
		Status:           "success",
		ChequesExtracted: len(stored),
		Cheques:          stored,
		ExtractionNotes:  notes,
	}, nil
}

// ============================================================
// Bank transactions: POST /v1/sessions/{id}/bank/upload-transactions
// ============================================================

func (s *IngestService) UploadBankTransactions(ctx context.Context, sessionID, userID, filename string, data []byte) (*domain.UploadResponse[domain.BankCheque], error) {
	ctx, span := ingestTracer.Start(ctx, "IngestService.UploadBankTransactions")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID), attribute.String("file.name", filename))

	text, err := s.readDocument(ctx, sessionID, userID, filename, data)
	if err != nil {
		return nil, err
	}

	ext := extractAll(ctx, s, splitChunks(text, s.chunkSize), s.extractor.ExtractBankCheques)

	now := time.Now().UTC()
	records := make([]domain.BankCheque, 0, len(ext.Records))
	notes := ext.Notes
	for i, r := range ext.Records {
		if err := validateBankRecord(r); err != nil {
			notes = appendNote(notes, fmt.Sprintf("[record %d] skipped: %s", i+1, err.Message))
			continue
		}
		records = append(records, domain.BankCheque{
			ID:           uuid.NewString(),
			SessionID:    sessionID,
			ChequeNumber: strings.TrimSpace(r.ChequeNumber),
			Amount:       *r.Amount,
			ClearingDate: strings.TrimSpace(r.ClearingDate),
			RawText:      text,
			CreatedAt:    now,
		})
	}

	stored := []domain.BankCheque{}
	if len(records) > 0 {
		if stored, err = s.cheques.AddBankCheques(ctx, records); err != nil {
			return nil, fmt.Errorf("store bank cheques: %w", err)
		}
	}

	s.logger.Info("bank transactions uploaded",
		zap.String("session_id", sessionID),
		zap.String("filename", filename),
		zap.Int("extracted", len(ext.Records)),
		zap.Int("stored", len(stored)),
	)

	return &domain.UploadResponse[domain.BankCheque]{
		Status:           "success",
		ChequesExtracted: len(stored),
		Cheques:          stored,
		ExtractionNotes:  notes,
	}, nil
}

// readDocument checks ownership and returns the document text.
func (s *IngestService) readDocument(ctx context.Context, sessionID, userID, filename string, data []byte) (string, error) {
	if _, err := s.sessions.GetSession(ctx, sessionID, userID); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", &domain.ErrValidation{Field: "file", Message: "uploaded file is empty"}
	}

	text, err := s.text.ExtractText(filename, data)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", &domain.ErrValidation{Field: "file", Message: "no text could be extracted from the uploaded file"}
	}
	return text, nil
}

// ============================================================
// Chunked extraction
// ============================================================

// extractAll extracts every chunk, at most bulkhead-many at a time. A chunk
// that fails is recorded in its outcome and never aborts the others.
func extractAll[T any](
	ctx context.Context,
	s *IngestService,
	chunks []string,
	extract func(context.Context, string) (*domain.ChunkExtraction[T], error),
) *domain.Extraction[T] {
	outcomes := make([]domain.ChunkOutcome[T], len(chunks))

	g, gCtx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			outcomes[i] = extractChunk(gCtx, s, i, len(chunks), chunk, extract)
			return nil
		})
	}
	_ = g.Wait()

	return combineOutcomes(outcomes)
}

func extractChunk[T any](
	ctx context.Context,
	s *IngestService,
	index, total int,
	chunk string,
	extract func(context.Context, string) (*domain.ChunkExtraction[T], error),
) domain.ChunkOutcome[T] {
	out := domain.ChunkOutcome[T]{Index: index + 1, Total: total}

	if err := s.bulkhead.Acquire(ctx); err != nil {
		out.Err = err
		s.metrics.IncrChunk("failed")
		return out
	}
	defer s.bulkhead.Release()

	start := time.Now()
	res, err := extract(ctx, chunk)
	s.metrics.RecordRequestDuration("extract_chunk", time.Since(start))
	if err != nil {
		s.logger.Warn("chunk extraction failed",
			zap.Int("chunk", index+1),
			zap.Int("total", total),
			zap.Error(err),
		)
		s.metrics.IncrChunk("failed")
		s.metrics.IncrExternalError("llm")
		out.Err = err
		return out
	}

	s.metrics.IncrChunk("ok")
	s.metrics.RecordTokens(res.Usage.PromptTokens, res.Usage.CompletionTokens)
	out.Records = res.Records
	out.Notes = strings.TrimSpace(res.Notes)
	return out
}

// combineOutcomes concatenates records in chunk order and builds the
// extraction notes: "Processed N chunk(s)." followed by one entry per chunk
// that failed or carried a note.
func combineOutcomes[T any](outcomes []domain.ChunkOutcome[T]) *domain.Extraction[T] {
	ext := &domain.Extraction[T]{Records: []T{}, Outcomes: outcomes}

	var notes []string
	for _, o := range outcomes {
		switch {
		case o.Failed():
			notes = append(notes, fmt.Sprintf("[chunk %d/%d] extraction failed: %v", o.Index, o.Total, o.Err))
		case o.Notes != "":
			notes = append(notes, fmt.Sprintf("[chunk %d/%d] %s", o.Index, o.Total, o.Notes))
		}
		ext.Records = append(ext.Records, o.Records...)
	}

	ext.Notes = fmt.Sprintf("Processed %d chunk(s).", len(outcomes))
	if len(notes) > 0 {
		ext.Notes += " " + strings.Join(notes, " | ")
	}
	return ext
}

// splitChunks splits text on line boundaries into chunks of at most size
// characters. A single line longer than size becomes its own chunk. The
// result always has at least one element.
func splitChunks(text string, size int) []string {
	var (
		chunks  []string
		current strings.Builder
		n       int
	)
	for _, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		l := utf8.RuneCountInString(line)
		if n+l > size && current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			n = 0
		}
		current.WriteString(line)
		n += l
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	if len(chunks) == 0 {
		return []string{text}
	}
	return chunks
}

func appendNote(notes, note string) string {
	return notes + " | " + note
}

// ============================================================
// Record validation
// ============================================================

func validateCompanyRecord(r domain.ExtractedCompanyCheque) *domain.ErrValidation {
	if strings.TrimSpace(r.ChequeNumber) == "" {
		return &domain.ErrValidation{Field: "cheque_number", Message: "cheque number is required"}
	}
	if r.Amount == nil || !r.Amount.IsPositive() {
		return &domain.ErrValidation{Field: "amount", Message: fmt.Sprintf("cheque %s has no positive amount", r.ChequeNumber)}
	}
	return nil
}

func validateBankRecord(r domain.ExtractedBankCheque) *domain.ErrValidation {
	if strings.TrimSpace(r.ChequeNumber) == "" {
		return &domain.ErrValidation{Field: "cheque_number", Message: "cheque number is required"}
	}
	if r.Amount == nil || !r.Amount.IsPositive() {
		return &domain.ErrValidation{Field: "amount", Message: fmt.Sprintf("cheque %s has no positive amount", r.ChequeNumber)}
	}
	if strings.TrimSpace(r.ClearingDate) == "" {
		return &domain.ErrValidation{Field: "clearing_date", Message: fmt.Sprintf("cheque %s has no clearing date", r.ChequeNumber)}
	}
	return nil
}
