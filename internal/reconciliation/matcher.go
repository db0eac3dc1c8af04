package reconciliation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/boddenberg/cheque-tally-go/internal/domain"
)

// MatchSet is the classification of one company ledger against one bank
// ledger. Cashed and Pending keep the company ledger's input order.
type MatchSet struct {
	Cashed    []domain.CashedCheque
	Pending   []domain.PendingCheque
	Unmatched domain.UnmatchedSummary
}

// Match classifies every company cheque as cashed or pending.
//
// Bank clearings are indexed by normalized cheque number; when two clearings
// share a key the later one wins. A company cheque is cashed only when a
// clearing with its key exists and the amounts differ by less than the
// tolerance. A clearing whose amount did not match stays in the unmatched
// bank set.
//
// Records are validated up front; the first malformed record aborts the
// match with a *domain.ErrValidation naming it.
func (e *Engine) Match(company []domain.CompanyCheque, bank []domain.BankCheque) (*MatchSet, error) {
	if err := validateLedgers(company, bank); err != nil {
		return nil, err
	}

	bankByKey := make(map[string]domain.BankCheque, len(bank))
	for _, b := range bank {
		bankByKey[NormalizeKey(b.ChequeNumber)] = b
	}

	unmatchedBank := make(map[string]struct{}, len(bankByKey))
	for key := range bankByKey {
		unmatchedBank[key] = struct{}{}
	}
	unmatchedCompany := make(map[string]struct{})

	set := &MatchSet{
		Cashed:  make([]domain.CashedCheque, 0, len(company)),
		Pending: make([]domain.PendingCheque, 0),
	}

	for _, c := range company {
		key := NormalizeKey(c.ChequeNumber)

		b, ok := bankByKey[key]
		if ok && c.Amount.Sub(b.Amount).Abs().LessThan(e.tolerance) {
			set.Cashed = append(set.Cashed, domain.CashedCheque{
				CompanyChequeNumber: c.ChequeNumber,
				BankChequeNumber:    b.ChequeNumber,
				PayeeName:           c.PayeeName,
				Amount:              c.Amount,
				IssueDate:           nonEmpty(c.IssueDate),
				ClearingDate:        b.ClearingDate,
			})
			delete(unmatchedBank, key)
			continue
		}

		set.Pending = append(set.Pending, domain.PendingCheque{
			ChequeNumber:    c.ChequeNumber,
			PayeeName:       c.PayeeName,
			Amount:          c.Amount,
			IssueDate:       nonEmpty(c.IssueDate),
			DaysOutstanding: e.DaysOutstanding(c.IssueDate),
		})
		unmatchedCompany[key] = struct{}{}
	}

	set.Unmatched = domain.UnmatchedSummary{
		UnmatchedBankCheques:               sortedKeys(unmatchedBank),
		UnmatchedCompanyCheques:            sortedKeys(unmatchedCompany),
		BankChequesWithoutCompanyRecord:    len(unmatchedBank),
		CompanyChequesWithoutBankClearance: len(unmatchedCompany),
	}
	return set, nil
}

func validateLedgers(company []domain.CompanyCheque, bank []domain.BankCheque) error {
	for i, c := range company {
		if strings.TrimSpace(c.ChequeNumber) == "" {
			return &domain.ErrValidation{
				Field:   fmt.Sprintf("company_cheques[%d].cheque_number", i),
				Message: "cheque number is required",
			}
		}
	}
	for i, b := range bank {
		if strings.TrimSpace(b.ChequeNumber) == "" {
			return &domain.ErrValidation{
				Field:   fmt.Sprintf("bank_cheques[%d].cheque_number", i),
				Message: "cheque number is required",
			}
		}
		if strings.TrimSpace(b.ClearingDate) == "" {
			return &domain.ErrValidation{
				Field:   fmt.Sprintf("bank_cheques[%d].clearing_date", i),
				Message: "clearing date is required",
			}
		}
	}
	return nil
}

// nonEmpty maps an empty issue date to nil so reports carry null rather
// than "".
func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
