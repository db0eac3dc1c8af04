// Package sqlite is an embedded persistence backend for single-node
// deployments and tests. Use ":memory:" for a throwaway database.
//
// Amounts are stored as decimal TEXT and timestamps as RFC 3339 TEXT.
// Foreign keys are enforced so deleting a session cascades to its ledger
// records and its tally result.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/boddenberg/cheque-tally-go/internal/domain"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("sqlite")

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	username      TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	session_name TEXT NOT NULL,
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

CREATE TABLE IF NOT EXISTS company_expenses (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	cheque_number TEXT NOT NULL,
	payee_name    TEXT NOT NULL DEFAULT '',
	amount        TEXT NOT NULL,
	issue_date    TEXT,
	raw_text      TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL,
	seq           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_company_expenses_session ON company_expenses(session_id, seq);

CREATE TABLE IF NOT EXISTS bank_transactions (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	cheque_number TEXT NOT NULL,
	amount        TEXT NOT NULL,
	clearing_date TEXT NOT NULL,
	raw_text      TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL,
	seq           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bank_transactions_session ON bank_transactions(session_id, seq);

CREATE TABLE IF NOT EXISTS tally_results (
	session_id           TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
	cashed               TEXT NOT NULL,
	pending              TEXT NOT NULL,
	unmatched            TEXT NOT NULL,
	total_cashed_amount  TEXT NOT NULL,
	total_pending_amount TEXT NOT NULL,
	created_at           TEXT NOT NULL
);
`

// Store implements port.Store on SQLite.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex // serializes write transactions
	logger *zap.Logger
}

// New opens (or creates) the database at path and migrates the schema.
func New(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: a :memory: database exists per connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info("sqlite store ready", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("sqlite: close failed", zap.Error(err))
	}
}

// ============================================================
// Users
// ============================================================

func (s *Store) CreateUser(ctx context.Context, user *domain.User) (*domain.User, error) {
	ctx, span := tracer.Start(ctx, "SQLite.CreateUser")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, username, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.Username, user.PasswordHash, formatTime(user.CreatedAt),
	)
	if isUniqueViolation(err) {
		return nil, &domain.ErrConflict{Message: "email already registered"}
	}
	if err != nil {
		return nil, &domain.ErrPersistence{Op: "create user", Err: err}
	}
	return user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	ctx, span := tracer.Start(ctx, "SQLite.GetUserByEmail")
	defer span.End()

	var (
		u       domain.User
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, username, password_hash, created_at FROM users WHERE email = ?`, email,
	).Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "user", ID: email}
	}
	if err != nil {
		return nil, &domain.ErrPersistence{Op: "get user", Err: err}
	}
	u.CreatedAt = parseTime(created)
	return &u, nil
}

// ============================================================
// Sessions
// ============================================================

func (s *Store) CreateSession(ctx context.Context, session *domain.Session) (*domain.Session, error) {
	ctx, span := tracer.Start(ctx, "SQLite.CreateSession")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, session_name, created_at) VALUES (?, ?, ?, ?)`,
		session.ID, session.UserID, session.SessionName, formatTime(session.CreatedAt),
	)
	if err != nil {
		return nil, &domain.ErrPersistence{Op: "create session", Err: err}
	}
	return session, nil
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]domain.Session, error) {
	ctx, span := tracer.Start(ctx, "SQLite.ListSessions")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, session_name, created_at FROM sessions WHERE user_id = ? ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, &domain.ErrPersistence{Op: "list sessions", Err: err}
	}
	defer rows.Close()

	sessions := []domain.Session{}
	for rows.Next() {
		var (
			sess    domain.Session
			created string
		)
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.SessionName, &created); err != nil {
			return nil, &domain.ErrPersistence{Op: "list sessions", Err: err}
		}
		sess.CreatedAt = parseTime(created)
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.ErrPersistence{Op: "list sessions", Err: err}
	}
	return sessions, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	ctx, span := tracer.Start(ctx, "SQLite.GetSession")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	var (
		sess    domain.Session
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, session_name, created_at FROM sessions WHERE id = ? AND user_id = ?`, sessionID, userID,
	).Scan(&sess.ID, &sess.UserID, &sess.SessionName, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "session", ID: sessionID}
	}
	if err != nil {
		return nil, &domain.ErrPersistence{Op: "get session", Err: err}
	}
	sess.CreatedAt = parseTime(created)
	return &sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID, userID string) error {
	ctx, span := tracer.Start(ctx, "SQLite.DeleteSession")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return &domain.ErrPersistence{Op: "delete session", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &domain.ErrNotFound{Resource: "session", ID: sessionID}
	}
	return nil
}

// ============================================================
// Ledger records
// ============================================================

func (s *Store) AddCompanyCheques(ctx context.Context, cheques []domain.CompanyCheque) ([]domain.CompanyCheque, error) {
	ctx, span := tracer.Start(ctx, "SQLite.AddCompanyCheques")
	defer span.End()
	span.SetAttributes(attribute.Int("cheques.count", len(cheques)))

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO company_expenses (id, session_id, cheque_number, payee_name, amount, issue_date, raw_text, created_at, seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM company_expenses))`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range cheques {
			if _, err := stmt.ExecContext(ctx,
				c.ID, c.SessionID, c.ChequeNumber, c.PayeeName, c.Amount.String(), c.IssueDate, c.RawText, formatTime(c.CreatedAt),
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, &domain.ErrPersistence{Op: "add company cheques", Err: err}
	}
	return cheques, nil
}

func (s *Store) AddBankCheques(ctx context.Context, cheques []domain.BankCheque) ([]domain.BankCheque, error) {
	ctx, span := tracer.Start(ctx, "SQLite.AddBankCheques")
	defer span.End()
	span.SetAttributes(attribute.Int("cheques.count", len(cheques)))

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO bank_transactions (id, session_id, cheque_number, amount, clearing_date, raw_text, created_at, seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM bank_transactions))`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, b := range cheques {
			if _, err := stmt.ExecContext(ctx,
				b.ID, b.SessionID, b.ChequeNumber, b.Amount.String(), b.ClearingDate, b.RawText, formatTime(b.CreatedAt),
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, &domain.ErrPersistence{Op: "add bank cheques", Err: err}
	}
	return cheques, nil
}

func (s *Store) ListCompanyCheques(ctx context.Context, sessionID string) ([]domain.CompanyCheque, error) {
	ctx, span := tracer.Start(ctx, "SQLite.ListCompanyCheques")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, cheque_number, payee_name, amount, issue_date, raw_text, created_at
		FROM company_expenses WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, &domain.ErrPersistence{Op: "list company cheques", Err: err}
	}
	defer rows.Close()

	cheques := []domain.CompanyCheque{}
	for rows.Next() {
		var (
			c       domain.CompanyCheque
			amount  string
			issue   sql.NullString
			created string
		)
		if err := rows.Scan(&c.ID, &c.SessionID, &c.ChequeNumber, &c.PayeeName, &amount, &issue, &c.RawText, &created); err != nil {
			return nil, &domain.ErrPersistence{Op: "list company cheques", Err: err}
		}
		if c.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, &domain.ErrPersistence{Op: "list company cheques", Err: fmt.Errorf("cheque %s: %w", c.ID, err)}
		}
		if issue.Valid {
			c.IssueDate = &issue.String
		}
		c.CreatedAt = parseTime(created)
		cheques = append(cheques, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.ErrPersistence{Op: "list company cheques", Err: err}
	}
	return cheques, nil
}

func (s *Store) ListBankCheques(ctx context.Context, sessionID string) ([]domain.BankCheque, error) {
	ctx, span := tracer.Start(ctx, "SQLite.ListBankCheques")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, cheque_number, amount, clearing_date, raw_text, created_at
		FROM bank_transactions WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, &domain.ErrPersistence{Op: "list bank cheques", Err: err}
	}
	defer rows.Close()

	cheques := []domain.BankCheque{}
	for rows.Next() {
		var (
			b       domain.BankCheque
			amount  string
			created string
		)
		if err := rows.Scan(&b.ID, &b.SessionID, &b.ChequeNumber, &amount, &b.ClearingDate, &b.RawText, &created); err != nil {
			return nil, &domain.ErrPersistence{Op: "list bank cheques", Err: err}
		}
		if b.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, &domain.ErrPersistence{Op: "list bank cheques", Err: fmt.Errorf("cheque %s: %w", b.ID, err)}
		}
		b.CreatedAt = parseTime(created)
		cheques = append(cheques, b)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.ErrPersistence{Op: "list bank cheques", Err: err}
	}
	return cheques, nil
}

// ============================================================
// Tally results
// ============================================================

func (s *Store) UpsertTallyResult(ctx context.Context, result *domain.TallyResult) (*domain.TallyResult, error) {
	ctx, span := tracer.Start(ctx, "SQLite.UpsertTallyResult")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", result.SessionID))

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tally_results (session_id, cashed, pending, unmatched, total_cashed_amount, total_pending_amount, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (session_id) DO UPDATE SET
				cashed = excluded.cashed,
				pending = excluded.pending,
				unmatched = excluded.unmatched,
				total_cashed_amount = excluded.total_cashed_amount,
				total_pending_amount = excluded.total_pending_amount,
				created_at = excluded.created_at`,
			result.SessionID, result.Cashed, result.Pending, result.Unmatched,
			result.TotalCashedAmount.String(), result.TotalPendingAmount.String(), formatTime(result.CreatedAt),
		)
		return err
	})
	if err != nil {
		s.logger.Error("sqlite: tally upsert rolled back",
			zap.String("session_id", result.SessionID),
			zap.Error(err),
		)
		return nil, &domain.ErrPersistence{Op: "upsert tally result", Err: err}
	}
	return result, nil
}

func (s *Store) GetTallyResult(ctx context.Context, sessionID string) (*domain.TallyResult, error) {
	ctx, span := tracer.Start(ctx, "SQLite.GetTallyResult")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	var (
		r                     domain.TallyResult
		totalCashed, totalPen string
		created               string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, cashed, pending, unmatched, total_cashed_amount, total_pending_amount, created_at
		FROM tally_results WHERE session_id = ?`, sessionID,
	).Scan(&r.SessionID, &r.Cashed, &r.Pending, &r.Unmatched, &totalCashed, &totalPen, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "tally report", ID: sessionID}
	}
	if err != nil {
		return nil, &domain.ErrPersistence{Op: "get tally result", Err: err}
	}
	if r.TotalCashedAmount, err = decimal.NewFromString(totalCashed); err != nil {
		return nil, &domain.ErrPersistence{Op: "get tally result", Err: err}
	}
	if r.TotalPendingAmount, err = decimal.NewFromString(totalPen); err != nil {
		return nil, &domain.ErrPersistence{Op: "get tally result", Err: err}
	}
	r.CreatedAt = parseTime(created)
	return &r, nil
}

// ============================================================
// Helpers
// ============================================================

// inTx runs fn in a write transaction, rolling back when fn fails.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("sqlite: rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
