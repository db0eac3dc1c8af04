package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/boddenberg/cheque-tally-go/internal/domain"
	"github.com/boddenberg/cheque-tally-go/internal/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var sessionTracer = otel.Tracer("service/session")

// SessionService manages reconciliation sessions. Every operation is
// scoped to the calling user.
type SessionService struct {
	sessions port.SessionStore
	cheques  port.ChequeStore
	reports  port.Cache[*domain.TallyReport]
	logger   *zap.Logger
}

// NewSessionService creates a new session service.
func NewSessionService(sessions port.SessionStore, cheques port.ChequeStore, reports port.Cache[*domain.TallyReport], logger *zap.Logger) *SessionService {
	return &SessionService{
		sessions: sessions,
		cheques:  cheques,
		reports:  reports,
		logger:   logger,
	}
}

// Create opens a new, empty session.
func (s *SessionService) Create(ctx context.Context, userID string, req *domain.CreateSessionRequest) (*domain.Session, error) {
	ctx, span := sessionTracer.Start(ctx, "SessionService.Create")
	defer span.End()

	name := strings.TrimSpace(req.SessionName)
	if name == "" {
		return nil, &domain.ErrValidation{Field: "session_name", Message: "is required"}
	}

	session, err := s.sessions.CreateSession(ctx, &domain.Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		SessionName: name,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.logger.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("user_id", userID),
	)
	return session, nil
}

// List returns the user's sessions, newest first.
func (s *SessionService) List(ctx context.Context, userID string) ([]domain.Session, error) {
	ctx, span := sessionTracer.Start(ctx, "SessionService.List")
	defer span.End()

	return s.sessions.ListSessions(ctx, userID)
}

// Get returns a session with both ledgers.
func (s *SessionService) Get(ctx context.Context, sessionID, userID string) (*domain.SessionDetail, error) {
	ctx, span := sessionTracer.Start(ctx, "SessionService.Get")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	session, err := s.sessions.GetSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	detail := &domain.SessionDetail{Session: *session}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		company, err := s.cheques.ListCompanyCheques(gCtx, sessionID)
		if err != nil {
			return fmt.Errorf("company cheques: %w", err)
		}
		detail.CompanyExpenses = company
		return nil
	})
	g.Go(func() error {
		bank, err := s.cheques.ListBankCheques(gCtx, sessionID)
		if err != nil {
			return fmt.Errorf("bank cheques: %w", err)
		}
		detail.BankTransactions = bank
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return detail, nil
}

// Delete removes the session with its records and tally result.
func (s *SessionService) Delete(ctx context.Context, sessionID, userID string) error {
	ctx, span := sessionTracer.Start(ctx, "SessionService.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	if err := s.sessions.DeleteSession(ctx, sessionID, userID); err != nil {
		return err
	}
	s.reports.Delete(reportCacheKey(sessionID))

	s.logger.Info("session deleted",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
	)
	return nil
}
