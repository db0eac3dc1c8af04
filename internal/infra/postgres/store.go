// Package postgres is the PostgreSQL persistence backend, built on a pgx
// connection pool.
//
// Amounts are NUMERIC columns, exchanged as text so no precision is lost on
// the way in or out. Tally upserts take a per-session advisory lock inside
// the transaction before writing.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/boddenberg/cheque-tally-go/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("postgres")

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	username      TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	session_name TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

CREATE TABLE IF NOT EXISTS company_expenses (
	seq           BIGSERIAL,
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	cheque_number TEXT NOT NULL,
	payee_name    TEXT NOT NULL DEFAULT '',
	amount        NUMERIC NOT NULL,
	issue_date    TEXT,
	raw_text      TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_company_expenses_session ON company_expenses(session_id, seq);

CREATE TABLE IF NOT EXISTS bank_transactions (
	seq           BIGSERIAL,
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	cheque_number TEXT NOT NULL,
	amount        NUMERIC NOT NULL,
	clearing_date TEXT NOT NULL,
	raw_text      TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_bank_transactions_session ON bank_transactions(session_id, seq);

CREATE TABLE IF NOT EXISTS tally_results (
	session_id           TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
	cashed               TEXT NOT NULL,
	pending              TEXT NOT NULL,
	unmatched            TEXT NOT NULL,
	total_cashed_amount  NUMERIC NOT NULL,
	total_pending_amount NUMERIC NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL
);
`

// Store implements port.Store on PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New connects to databaseURL, pings it and migrates the schema.
func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info("postgres store ready")
	return &Store{pool: pool, logger: logger}, nil
}

// Ping checks the pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// ============================================================
// Users
// ============================================================

func (s *Store) CreateUser(ctx context.Context, user *domain.User) (*domain.User, error) {
	ctx, span := tracer.Start(ctx, "Postgres.CreateUser")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, username, password_hash, created_at) VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Email, user.Username, user.PasswordHash, user.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return nil, &domain.ErrConflict{Message: "email already registered"}
	}
	if err != nil {
		return nil, &domain.ErrPersistence{Op: "create user", Err: err}
	}
	return user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	ctx, span := tracer.Start(ctx, "Postgres.GetUserByEmail")
	defer span.End()

	var u domain.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, username, password_hash, created_at FROM users WHERE email = $1`, email,
	).Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "user", ID: email}
	}
	if err != nil {
		return nil, &domain.ErrPersistence{Op: "get user", Err: err}
	}
	return &u, nil
}

// ============================================================
// Sessions
// ============================================================

func (s *Store) CreateSession(ctx context.Context, session *domain.Session) (*domain.Session, error) {
	ctx, span := tracer.Start(ctx, "Postgres.CreateSession")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, session_name, created_at) VALUES ($1, $2, $3, $4)`,
		session.ID, session.UserID, session.SessionName, session.CreatedAt,
	)
	if err != nil {
		return nil, &domain.ErrPersistence{Op: "create session", Err: err}
	}
	return session, nil
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]domain.Session, error) {
	ctx, span := tracer.Start(ctx, "Postgres.ListSessions")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, session_name, created_at FROM sessions WHERE user_id = $1 ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, &domain.ErrPersistence{Op: "list sessions", Err: err}
	}
	defer rows.Close()

	sessions := []domain.Session{}
	for rows.Next() {
		var sess domain.Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.SessionName, &sess.CreatedAt); err != nil {
			return nil, &domain.ErrPersistence{Op: "list sessions", Err: err}
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.ErrPersistence{Op: "list sessions", Err: err}
	}
	return sessions, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	ctx, span := tracer.Start(ctx, "Postgres.GetSession")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	var sess domain.Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, session_name, created_at FROM sessions WHERE id = $1 AND user_id = $2`, sessionID, userID,
	).Scan(&sess.ID, &sess.UserID, &sess.SessionName, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "session", ID: sessionID}
	}
	if err != nil {
		return nil, &domain.ErrPersistence{Op: "get session", Err: err}
	}
	return &sess, nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID, userID string) error {
	ctx, span := tracer.Start(ctx, "Postgres.DeleteSession")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1 AND user_id = $2`, sessionID, userID)
	if err != nil {
		return &domain.ErrPersistence{Op: "delete session", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &domain.ErrNotFound{Resource: "session", ID: sessionID}
	}
	return nil
}

// ============================================================
// Ledger records
// ============================================================

func (s *Store) AddCompanyCheques(ctx context.Context, cheques []domain.CompanyCheque) ([]domain.CompanyCheque, error) {
	ctx, span := tracer.Start(ctx, "Postgres.AddCompanyCheques")
	defer span.End()
	span.SetAttributes(attribute.Int("cheques.count", len(cheques)))

	batch := &pgx.Batch{}
	for _, c := range cheques {
		batch.Queue(`
			INSERT INTO company_expenses (id, session_id, cheque_number, payee_name, amount, issue_date, raw_text, created_at)
			VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8)`,
			c.ID, c.SessionID, c.ChequeNumber, c.PayeeName, c.Amount.String(), c.IssueDate, c.RawText, c.CreatedAt,
		)
	}
	if err := s.sendBatch(ctx, batch); err != nil {
		return nil, &domain.ErrPersistence{Op: "add company cheques", Err: err}
	}
	return cheques, nil
}

func (s *Store) AddBankCheques(ctx context.Context, cheques []domain.BankCheque) ([]domain.BankCheque, error) {
	ctx, span := tracer.Start(ctx, "Postgres.AddBankCheques")
	defer span.End()
	span.SetAttributes(attribute.Int("cheques.count", len(cheques)))

	batch := &pgx.Batch{}
	for _, b := range cheques {
		batch.Queue(`
			INSERT INTO bank_transactions (id, session_id, cheque_number, amount, clearing_date, raw_text, created_at)
			VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)`,
			b.ID, b.SessionID, b.ChequeNumber, b.Amount.String(), b.ClearingDate, b.RawText, b.CreatedAt,
		)
	}
	if err := s.sendBatch(ctx, batch); err != nil {
		return nil, &domain.ErrPersistence{Op: "add bank cheques", Err: err}
	}
	return cheques, nil
}

// sendBatch runs every queued statement inside one transaction.
func (s *Store) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *Store) ListCompanyCheques(ctx context.Context, sessionID string) ([]domain.CompanyCheque, error) {
	ctx, span := tracer.Start(ctx, "Postgres.ListCompanyCheques")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, cheque_number, payee_name, amount::text, issue_date, raw_text, created_at
		FROM company_expenses WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, &domain.ErrPersistence{Op: "list company cheques", Err: err}
	}
	defer rows.Close()

	cheques := []domain.CompanyCheque{}
	for rows.Next() {
		var (
			c      domain.CompanyCheque
			amount string
		)
		if err := rows.Scan(&c.ID, &c.SessionID, &c.ChequeNumber, &c.PayeeName, &amount, &c.IssueDate, &c.RawText, &c.CreatedAt); err != nil {
			return nil, &domain.ErrPersistence{Op: "list company cheques", Err: err}
		}
		if c.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, &domain.ErrPersistence{Op: "list company cheques", Err: fmt.Errorf("cheque %s: %w", c.ID, err)}
		}
		cheques = append(cheques, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.ErrPersistence{Op: "list company cheques", Err: err}
	}
	return cheques, nil
}

func (s *Store) ListBankCheques(ctx context.Context, sessionID string) ([]domain.BankCheque, error) {
	ctx, span := tracer.Start(ctx, "Postgres.ListBankCheques")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, cheque_number, amount::text, clearing_date, raw_text, created_at
		FROM bank_transactions WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, &domain.ErrPersistence{Op: "list bank cheques", Err: err}
	}
	defer rows.Close()

	cheques := []domain.BankCheque{}
	for rows.Next() {
		var (
			b      domain.BankCheque
			amount string
		)
		if err := rows.Scan(&b.ID, &b.SessionID, &b.ChequeNumber, &amount, &b.ClearingDate, &b.RawText, &b.CreatedAt); err != nil {
			return nil, &domain.ErrPersistence{Op: "list bank cheques", Err: err}
		}
		if b.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, &domain.ErrPersistence{Op: "list bank cheques", Err: fmt.Errorf("cheque %s: %w", b.ID, err)}
		}
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

// UpsertTallyResult writes the result under pg_advisory_xact_lock keyed by
// the session, so concurrent runs for one session apply one after the
// other. The lock is released when the transaction ends.
func (s *Store) UpsertTallyResult(ctx context.Context, result *domain.TallyResult) (*domain.TallyResult, error) {
	ctx, span := tracer.Start(ctx, "Postgres.UpsertTallyResult")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", result.SessionID))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, &domain.ErrPersistence{Op: "upsert tally result", Err: fmt.Errorf("begin: %w", err)}
	}
	defer func() {
		// No-op after a successful commit.
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("postgres: rollback failed", zap.String("session_id", result.SessionID), zap.Error(rbErr))
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, result.SessionID); err != nil {
		return nil, s.upsertFailed(result.SessionID, fmt.Errorf("lock: %w", err))
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO tally_results (session_id, cashed, pending, unmatched, total_cashed_amount, total_pending_amount, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7)
		ON CONFLICT (session_id) DO UPDATE SET
			cashed = EXCLUDED.cashed,
			pending = EXCLUDED.pending,
			unmatched = EXCLUDED.unmatched,
			total_cashed_amount = EXCLUDED.total_cashed_amount,
			total_pending_amount = EXCLUDED.total_pending_amount,
			created_at = EXCLUDED.created_at`,
		result.SessionID, result.Cashed, result.Pending, result.Unmatched,
		result.TotalCashedAmount.String(), result.TotalPendingAmount.String(), result.CreatedAt,
	)
	if err != nil {
		return nil, s.upsertFailed(result.SessionID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, s.upsertFailed(result.SessionID, fmt.Errorf("commit: %w", err))
	}
	return result, nil
}

func (s *Store) upsertFailed(sessionID string, err error) error {
	s.logger.Error("postgres: tally upsert rolled back",
		zap.String("session_id", sessionID),
		zap.Error(err),
	)
	return &domain.ErrPersistence{Op: "upsert tally result", Err: err}
}

func (s *Store) GetTallyResult(ctx context.Context, sessionID string) (*domain.TallyResult, error) {
	ctx, span := tracer.Start(ctx, "Postgres.GetTallyResult")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	var (
		r                          domain.TallyResult
		totalCashed, totalPending string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, cashed, pending, unmatched, total_cashed_amount::text, total_pending_amount::text, created_at
		FROM tally_results WHERE session_id = $1`, sessionID,
	).Scan(&r.SessionID, &r.Cashed, &r.Pending, &r.Unmatched, &totalCashed, &totalPending, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "tally report", ID: sessionID}
	}
	if err != nil {
		return nil, &domain.ErrPersistence{Op: "get tally result", Err: err}
	}
	if r.TotalCashedAmount, err = decimal.NewFromString(totalCashed); err != nil {
		return nil, &domain.ErrPersistence{Op: "get tally result", Err: err}
	}
	if r.TotalPendingAmount, err = decimal.NewFromString(totalPending); err != nil {
		return nil, &domain.ErrPersistence{Op: "get tally result", Err: err}
	}
	return &r, nil
}
