// Package domain defines the core business entities for the cheque tally
// service. These models are independent of storage and transport and
// represent the canonical data structures used throughout the service.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Ledger records
// ============================================================

// CompanyCheque is a cheque issued by the company, as extracted from an
// uploaded expense ledger.
type CompanyCheque struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"session_id"`
	ChequeNumber string          `json:"cheque_number"`
	PayeeName    string          `json:"payee_name"`
	Amount       decimal.Decimal `json:"amount"`
	IssueDate    *string         `json:"issue_date"`
	RawText      string          `json:"raw_text,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// BankCheque is a cheque cleared by the bank, as extracted from a bank
// statement.
type BankCheque struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"session_id"`
	ChequeNumber string          `json:"cheque_number"`
	Amount       decimal.Decimal `json:"amount"`
	ClearingDate string          `json:"clearing_date"`
	RawText      string          `json:"raw_text,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ============================================================
// Reconciliation output
// ============================================================

// MatchOutcome classifies a cheque after reconciliation.
type MatchOutcome string

const (
	OutcomeCashed        MatchOutcome = "cashed"
	OutcomePending       MatchOutcome = "pending"
	OutcomeUnmatchedBank MatchOutcome = "unmatched_bank"
)

// CashedCheque is a company cheque linked to a bank clearing.
type CashedCheque struct {
	CompanyChequeNumber string          `json:"company_cheque_number"`
	BankChequeNumber    string          `json:"bank_cheque_number"`
	PayeeName           string          `json:"payee_name"`
	Amount              decimal.Decimal `json:"amount"`
	IssueDate           *string         `json:"issue_date"`
	ClearingDate        string          `json:"clearing_date"`
}

// PendingCheque is a company cheque with no qualifying bank clearing.
type PendingCheque struct {
	ChequeNumber    string          `json:"cheque_number"`
	PayeeName       string          `json:"payee_name"`
	Amount          decimal.Decimal `json:"amount"`
	IssueDate       *string         `json:"issue_date"`
	DaysOutstanding int             `json:"days_outstanding"`
}

// UnmatchedSummary lists the normalized cheque keys left without a
// counterpart on either side.
type UnmatchedSummary struct {
	UnmatchedBankCheques               []string `json:"unmatched_bank_cheques"`
	UnmatchedCompanyCheques            []string `json:"unmatched_company_cheques"`
	BankChequesWithoutCompanyRecord    int      `json:"bank_cheques_without_company_record"`
	CompanyChequesWithoutBankClearance int      `json:"company_cheques_without_bank_clearance"`
}

// TallyReport is the reconciliation report returned to callers.
type TallyReport struct {
	SessionID            string           `json:"session_id"`
	TotalCashedCheques   int              `json:"total_cashed_cheques"`
	TotalUncashedCheques int              `json:"total_uncashed_cheques"`
	TotalCashedAmount    decimal.Decimal  `json:"total_cashed_amount"`
	TotalUncashedAmount  decimal.Decimal  `json:"total_uncashed_amount"`
	CashedCheques        []CashedCheque   `json:"cashed_cheques"`
	UncashedCheques      []PendingCheque  `json:"uncashed_cheques"`
	Unmatched            UnmatchedSummary `json:"unmatched"`
	CreatedAt            time.Time        `json:"created_at"`
}

// TallyResult is the persisted form of a TallyReport. There is at most one
// per session; the list fields hold JSON text.
type TallyResult struct {
	SessionID          string          `json:"session_id"`
	Cashed             string          `json:"cashed"`
	Pending            string          `json:"pending"`
	Unmatched          string          `json:"unmatched"`
	TotalCashedAmount  decimal.Decimal `json:"total_cashed_amount"`
	TotalPendingAmount decimal.Decimal `json:"total_pending_amount"`
	CreatedAt          time.Time       `json:"created_at"`
}
