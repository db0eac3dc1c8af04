package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/boddenberg/cheque-tally-go/internal/domain"

	"go.opentelemetry.io/otel/attribute"
)

// ============================================================
// port.Store implementation: CRUD via PostgREST
// ============================================================

// userRow maps the users table; domain.User hides the password hash from
// JSON.
type userRow struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// --- Users ---

func (c *Client) CreateUser(ctx context.Context, user *domain.User) (*domain.User, error) {
	ctx, span := tracer.Start(ctx, "Supabase.CreateUser")
	defer span.End()

	row := userRow{
		ID:           user.ID,
		Email:        user.Email,
		Username:     user.Username,
		PasswordHash: user.PasswordHash,
		CreatedAt:    user.CreatedAt,
	}
	err := c.call(ctx, "create user", func() error {
		_, err := c.doPost(ctx, "users", row, "return=minimal")
		var dup *errUniqueViolation
		if errors.As(err, &dup) {
			return &domain.ErrConflict{Message: "email already registered"}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (c *Client) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetUserByEmail")
	defer span.End()

	var rows []userRow
	err := c.call(ctx, "get user", func() error {
		return c.getJSON(ctx, "users?email="+eq(email)+"&limit=1", &rows)
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &domain.ErrNotFound{Resource: "user", ID: email}
	}
	r := rows[0]
	return &domain.User{
		ID:           r.ID,
		Email:        r.Email,
		Username:     r.Username,
		PasswordHash: r.PasswordHash,
		CreatedAt:    r.CreatedAt,
	}, nil
}

// --- Sessions ---

func (c *Client) CreateSession(ctx context.Context, session *domain.Session) (*domain.Session, error) {
	ctx, span := tracer.Start(ctx, "Supabase.CreateSession")
	defer span.End()

	err := c.call(ctx, "create session", func() error {
		_, err := c.doPost(ctx, "sessions", session, "return=minimal")
		return err
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (c *Client) ListSessions(ctx context.Context, userID string) ([]domain.Session, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListSessions")
	defer span.End()

	sessions := []domain.Session{}
	err := c.call(ctx, "list sessions", func() error {
		return c.getJSON(ctx, "sessions?user_id="+eq(userID)+"&order=created_at.desc", &sessions)
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (c *Client) GetSession(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetSession")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	var rows []domain.Session
	err := c.call(ctx, "get session", func() error {
		return c.getJSON(ctx, "sessions?id="+eq(sessionID)+"&user_id="+eq(userID)+"&limit=1", &rows)
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &domain.ErrNotFound{Resource: "session", ID: sessionID}
	}
	return &rows[0], nil
}

func (c *Client) DeleteSession(ctx context.Context, sessionID, userID string) error {
	ctx, span := tracer.Start(ctx, "Supabase.DeleteSession")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	var deleted []domain.Session
	err := c.call(ctx, "delete session", func() error {
		body, err := c.doDelete(ctx, "sessions?id="+eq(sessionID)+"&user_id="+eq(userID))
		if err != nil {
			return err
		}
		return decodeRows(body, &deleted)
	})
	if err != nil {
		return err
	}
	if len(deleted) == 0 {
		return &domain.ErrNotFound{Resource: "session", ID: sessionID}
	}
	return nil
}

// --- Ledger records ---

func (c *Client) AddCompanyCheques(ctx context.Context, cheques []domain.CompanyCheque) ([]domain.CompanyCheque, error) {
	ctx, span := tracer.Start(ctx, "Supabase.AddCompanyCheques")
	defer span.End()
	span.SetAttributes(attribute.Int("cheques.count", len(cheques)))

	err := c.call(ctx, "add company cheques", func() error {
		// A bulk insert is a single statement, so it is all or nothing.
		_, err := c.doPost(ctx, "company_expenses", cheques, "return=minimal")
		return err
	})
	if err != nil {
		return nil, err
	}
	return cheques, nil
}

func (c *Client) AddBankCheques(ctx context.Context, cheques []domain.BankCheque) ([]domain.BankCheque, error) {
	ctx, span := tracer.Start(ctx, "Supabase.AddBankCheques")
	defer span.End()
	span.SetAttributes(attribute.Int("cheques.count", len(cheques)))

	err := c.call(ctx, "add bank cheques", func() error {
		_, err := c.doPost(ctx, "bank_transactions", cheques, "return=minimal")
		return err
	})
	if err != nil {
		return nil, err
	}
	return cheques, nil
}

func (c *Client) ListCompanyCheques(ctx context.Context, sessionID string) ([]domain.CompanyCheque, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListCompanyCheques")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	cheques := []domain.CompanyCheque{}
	err := c.call(ctx, "list company cheques", func() error {
		return c.getJSON(ctx, "company_expenses?session_id="+eq(sessionID)+"&order=seq.asc", &cheques)
	})
	if err != nil {
		return nil, err
	}
	return cheques, nil
}

func (c *Client) ListBankCheques(ctx context.Context, sessionID string) ([]domain.BankCheque, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListBankCheques")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	cheques := []domain.BankCheque{}
	err := c.call(ctx, "list bank cheques", func() error {
		return c.getJSON(ctx, "bank_transactions?session_id="+eq(sessionID)+"&order=seq.asc", &cheques)
	})
	if err != nil {
		return nil, err
	}
	return cheques, nil
}

// --- Tally results ---

// UpsertTallyResult relies on PostgREST's single-statement upsert
// (INSERT ... ON CONFLICT (session_id) DO UPDATE), which is atomic on the
// server.
func (c *Client) UpsertTallyResult(ctx context.Context, result *domain.TallyResult) (*domain.TallyResult, error) {
	ctx, span := tracer.Start(ctx, "Supabase.UpsertTallyResult")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", result.SessionID))

	var stored []domain.TallyResult
	err := c.call(ctx, "upsert tally result", func() error {
		body, err := c.doPost(ctx, "tally_results?on_conflict=session_id", result,
			"resolution=merge-duplicates,return=representation")
		if err != nil {
			return err
		}
		return decodeRows(body, &stored)
	})
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return result, nil
	}
	return &stored[0], nil
}

func (c *Client) GetTallyResult(ctx context.Context, sessionID string) (*domain.TallyResult, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetTallyResult")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	var rows []domain.TallyResult
	err := c.call(ctx, "get tally result", func() error {
		return c.getJSON(ctx, "tally_results?session_id="+eq(sessionID)+"&limit=1", &rows)
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &domain.ErrNotFound{Resource: "tally report", ID: sessionID}
	}
	return &rows[0], nil
}

// ============================================================
// Decoding
// ============================================================

// getJSON GETs path and decodes the row array into out. An empty result
// leaves out untouched.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	body, err := c.doRequest(ctx, http.MethodGet, path)
	if err != nil {
		return err
	}
	return decodeRows(body, out)
}

func decodeRows(body []byte, out any) error {
	if body == nil || string(body) == "[]" {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode rows: %w", err)
	}
	return nil
}
