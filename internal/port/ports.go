// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"

	"github.com/boddenberg/cheque-tally-go/internal/domain"
)

// UserStore persists user accounts.
type UserStore interface {
	// CreateUser returns *domain.ErrConflict when the email is taken.
	CreateUser(ctx context.Context, user *domain.User) (*domain.User, error)
	// GetUserByEmail returns *domain.ErrNotFound when no user has the email.
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
}

// SessionStore persists reconciliation sessions. Every lookup is scoped to
// the owning user; a session owned by someone else is reported as not found.
type SessionStore interface {
	CreateSession(ctx context.Context, session *domain.Session) (*domain.Session, error)
	ListSessions(ctx context.Context, userID string) ([]domain.Session, error)
	GetSession(ctx context.Context, sessionID, userID string) (*domain.Session, error)
	// DeleteSession removes the session together with its ledger records
	// and its tally result.
	DeleteSession(ctx context.Context, sessionID, userID string) error
}

// ChequeStore persists the raw ledger records of a session.
type ChequeStore interface {
	AddCompanyCheques(ctx context.Context, cheques []domain.CompanyCheque) ([]domain.CompanyCheque, error)
	AddBankCheques(ctx context.Context, cheques []domain.BankCheque) ([]domain.BankCheque, error)
	ListCompanyCheques(ctx context.Context, sessionID string) ([]domain.CompanyCheque, error)
	ListBankCheques(ctx context.Context, sessionID string) ([]domain.BankCheque, error)
}

// TallyStore persists one tally result per session.
type TallyStore interface {
	// UpsertTallyResult inserts the result or replaces every field of the
	// existing row for the same session, atomically. Concurrent calls for
	// one session are serialized.
	UpsertTallyResult(ctx context.Context, result *domain.TallyResult) (*domain.TallyResult, error)
	// GetTallyResult returns *domain.ErrNotFound when the session has never
	// been tallied.
	GetTallyResult(ctx context.Context, sessionID string) (*domain.TallyResult, error)
}

// Store is a complete persistence backend.
type Store interface {
	UserStore
	SessionStore
	ChequeStore
	TallyStore

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	Close()
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}

// ChequeExtractor turns one chunk of document text into cheque records.
type ChequeExtractor interface {
	ExtractCompanyCheques(ctx context.Context, chunk string) (*domain.ChunkExtraction[domain.ExtractedCompanyCheque], error)
	ExtractBankCheques(ctx context.Context, chunk string) (*domain.ChunkExtraction[domain.ExtractedBankCheque], error)
}

// TextExtractor reads the plain text out of an uploaded document.
type TextExtractor interface {
	ExtractText(filename string, data []byte) (string, error)
}
