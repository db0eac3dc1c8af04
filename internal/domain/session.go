package domain

import "time"

// ============================================================
// Reconciliation sessions
// ============================================================

// Session is the unit of reconciliation: one company ledger and one bank
// ledger compared together. Deleting a session removes its records and
// its tally result.
type Session struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	SessionName string    `json:"session_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionDetail is a session together with its raw ledger records.
type SessionDetail struct {
	Session
	CompanyExpenses  []CompanyCheque `json:"company_expenses"`
	BankTransactions []BankCheque    `json:"bank_transactions"`
}

// CreateSessionRequest is the body for POST /v1/sessions.
type CreateSessionRequest struct {
	SessionName string `json:"session_name"`
}
