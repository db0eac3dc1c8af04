package domain

import "github.com/shopspring/decimal"

// ============================================================
// Structured extraction of cheque records from uploaded text
// ============================================================

// ExtractedCompanyCheque is a company cheque as returned by the extraction
// model, before validation. Amount is nil when the model omitted it.
type ExtractedCompanyCheque struct {
	ChequeNumber string           `json:"cheque_number"`
	PayeeName    string           `json:"payee_name"`
	Amount       *decimal.Decimal `json:"amount"`
	IssueDate    *string          `json:"issue_date"`
}

// ExtractedBankCheque is a bank clearing as returned by the extraction
// model, before validation.
type ExtractedBankCheque struct {
	ChequeNumber string           `json:"cheque_number"`
	Amount       *decimal.Decimal `json:"amount"`
	ClearingDate string           `json:"clearing_date"`
}

// ChunkOutcome is the result of extracting one chunk of a document.
// Exactly one of Records (possibly empty) or Err is meaningful.
type ChunkOutcome[T any] struct {
	Index   int    `json:"index"`
	Total   int    `json:"total"`
	Records []T    `json:"records,omitempty"`
	Notes   string `json:"notes,omitempty"`
	Err     error  `json:"-"`
}

// Failed reports whether the chunk could not be extracted.
func (o ChunkOutcome[T]) Failed() bool { return o.Err != nil }

// Extraction is the combined best-effort output over all chunks of a
// document.
type Extraction[T any] struct {
	Records  []T               `json:"records"`
	Outcomes []ChunkOutcome[T] `json:"-"`
	Notes    string            `json:"extraction_notes"`
}

// TokenUsage reports LLM token consumption for one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UploadResponse is returned by the upload endpoints.
type UploadResponse[T any] struct {
	Status           string `json:"status"`
	ChequesExtracted int    `json:"cheques_extracted"`
	Cheques          []T    `json:"cheques"`
	ExtractionNotes  string `json:"extraction_notes"`
}

// ChunkExtraction is what the extraction model returned for one chunk.
type ChunkExtraction[T any] struct {
	Records []T        `json:"cheques"`
	Notes   string     `json:"extraction_notes"`
	Usage   TokenUsage `json:"-"`
}
