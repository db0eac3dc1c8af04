package reconciliation

import (
	"encoding/json"
	"fmt"

	"github.com/boddenberg/cheque-tally-go/internal/domain"

	"github.com/shopspring/decimal"
)

// Totals sums the amounts of the cashed and pending lists. Empty lists sum
// to zero; no rounding is applied.
func Totals(cashed []domain.CashedCheque, pending []domain.PendingCheque) (totalCashed, totalPending decimal.Decimal) {
	for _, c := range cashed {
		totalCashed = totalCashed.Add(c.Amount)
	}
	for _, p := range pending {
		totalPending = totalPending.Add(p.Amount)
	}
	return totalCashed, totalPending
}

// Reconcile runs a full reconciliation for one session and assembles the
// report, stamped with the engine clock in UTC.
//
// Both ledgers must be non-empty; otherwise a *domain.ErrPrecondition is
// returned before any matching happens.
func (e *Engine) Reconcile(sessionID string, company []domain.CompanyCheque, bank []domain.BankCheque) (*domain.TallyReport, error) {
	if len(company) == 0 || len(bank) == 0 {
		return nil, &domain.ErrPrecondition{
			Message: "session must have both company expenses and bank transactions before running tally",
		}
	}

	set, err := e.Match(company, bank)
	if err != nil {
		return nil, err
	}

	totalCashed, totalPending := Totals(set.Cashed, set.Pending)

	return &domain.TallyReport{
		SessionID:            sessionID,
		TotalCashedCheques:   len(set.Cashed),
		TotalUncashedCheques: len(set.Pending),
		TotalCashedAmount:    totalCashed,
		TotalUncashedAmount:  totalPending,
		CashedCheques:        set.Cashed,
		UncashedCheques:      set.Pending,
		Unmatched:            set.Unmatched,
		CreatedAt:            e.now().UTC(),
	}, nil
}

// ============================================================
// Persisted form
// ============================================================

// EncodeResult converts a report into its persisted form: the cashed,
// pending and unmatched parts each become a JSON text blob and the totals
// are carried as separate fields.
func EncodeResult(report *domain.TallyReport) (*domain.TallyResult, error) {
	cashed, err := json.Marshal(nonNil(report.CashedCheques))
	if err != nil {
		return nil, fmt.Errorf("encode cashed cheques: %w", err)
	}
	pending, err := json.Marshal(nonNil(report.UncashedCheques))
	if err != nil {
		return nil, fmt.Errorf("encode pending cheques: %w", err)
	}
	unmatched, err := json.Marshal(report.Unmatched)
	if err != nil {
		return nil, fmt.Errorf("encode unmatched summary: %w", err)
	}

	return &domain.TallyResult{
		SessionID:          report.SessionID,
		Cashed:             string(cashed),
		Pending:            string(pending),
		Unmatched:          string(unmatched),
		TotalCashedAmount:  report.TotalCashedAmount,
		TotalPendingAmount: report.TotalUncashedAmount,
		CreatedAt:          report.CreatedAt,
	}, nil
}

// DecodeResult rebuilds the report from its persisted form.
func DecodeResult(result *domain.TallyResult) (*domain.TallyReport, error) {
	cashed := []domain.CashedCheque{}
	if result.Cashed != "" {
		if err := json.Unmarshal([]byte(result.Cashed), &cashed); err != nil {
			return nil, fmt.Errorf("decode cashed cheques: %w", err)
		}
	}
	pending := []domain.PendingCheque{}
	if result.Pending != "" {
		if err := json.Unmarshal([]byte(result.Pending), &pending); err != nil {
			return nil, fmt.Errorf("decode pending cheques: %w", err)
		}
	}
	var unmatched domain.UnmatchedSummary
	if result.Unmatched != "" {
		if err := json.Unmarshal([]byte(result.Unmatched), &unmatched); err != nil {
			return nil, fmt.Errorf("decode unmatched summary: %w", err)
		}
	}

	return &domain.TallyReport{
		SessionID:            result.SessionID,
		TotalCashedCheques:   len(cashed),
		TotalUncashedCheques: len(pending),
		TotalCashedAmount:    result.TotalCashedAmount,
		TotalUncashedAmount:  result.TotalPendingAmount,
		CashedCheques:        cashed,
		UncashedCheques:      pending,
		Unmatched:            unmatched,
		CreatedAt:            result.CreatedAt,
	}, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
