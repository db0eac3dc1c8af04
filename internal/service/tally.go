package service

import (
	"context"
	"fmt"
	"time"

	"github.com/boddenberg/cheque-tally-go/internal/domain"
	"github.com/boddenberg/cheque-tally-go/internal/infra/observability"
	"github.com/boddenberg/cheque-tally-go/internal/port"
	"github.com/boddenberg/cheque-tally-go/internal/reconciliation"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("service/tally")

// DefaultPersistTimeout bounds a single tally result write.
const DefaultPersistTimeout = 10 * time.Second

func reportCacheKey(sessionID string) string {
	return fmt.Sprintf("report:%s", sessionID)
}

// TallyService runs reconciliations and serves the stored reports.
type TallyService struct {
	sessions       port.SessionStore
	cheques        port.ChequeStore
	results        port.TallyStore
	engine         *reconciliation.Engine
	cache          port.Cache[*domain.TallyReport]
	persistTimeout time.Duration
	metrics        *observability.Metrics
	logger         *zap.Logger
}

// NewTallyService creates the tally service with all dependencies injected.
// A non-positive persistTimeout falls back to DefaultPersistTimeout.
func NewTallyService(
	sessions port.SessionStore,
	cheques port.ChequeStore,
	results port.TallyStore,
	engine *reconciliation.Engine,
	cache port.Cache[*domain.TallyReport],
	persistTimeout time.Duration,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *TallyService {
	if persistTimeout <= 0 {
		persistTimeout = DefaultPersistTimeout
	}
	return &TallyService{
		sessions:       sessions,
		cheques:        cheques,
		results:        results,
		engine:         engine,
		cache:          cache,
		persistTimeout: persistTimeout,
		metrics:        metrics,
		logger:         logger,
	}
}

// Run reconciles the session's ledgers, stores the result (replacing any
// earlier one) and returns the report.
func (s *TallyService) Run(ctx context.Context, sessionID, userID string) (*domain.TallyReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "TallyService.Run")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	start := time.Now()
	defer func() {
		s.metrics.RecordRequestDuration("tally_run", time.Since(start))
	}()

	report, err := s.run(ctx, sessionID, userID)
	if err != nil {
		s.metrics.IncrRun("error")
		return nil, err
	}
	s.metrics.IncrRun("success")
	s.metrics.RecordClassified(domain.OutcomeCashed, report.TotalCashedCheques)
	s.metrics.RecordClassified(domain.OutcomePending, report.TotalUncashedCheques)
	s.metrics.RecordClassified(domain.OutcomeUnmatchedBank, report.Unmatched.BankChequesWithoutCompanyRecord)

	s.logger.Info("tally completed",
		zap.String("session_id", sessionID),
		zap.Int("cashed", report.TotalCashedCheques),
		zap.Int("pending", report.TotalUncashedCheques),
		zap.String("cashed_amount", report.TotalCashedAmount.String()),
		zap.String("pending_amount", report.TotalUncashedAmount.String()),
	)
	return report, nil
}

func (s *TallyService) run(ctx context.Context, sessionID, userID string) (*domain.TallyReport, error) {
	if _, err := s.sessions.GetSession(ctx, sessionID, userID); err != nil {
		return nil, err
	}

	// --- Step 1: Load both ledgers concurrently ---
	var (
		company []domain.CompanyCheque
		bank    []domain.BankCheque
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := s.cheques.ListCompanyCheques(gCtx, sessionID)
		if err != nil {
			return fmt.Errorf("load company cheques: %w", err)
		}
		company = c
		return nil
	})
	g.Go(func() error {
		b, err := s.cheques.ListBankCheques(gCtx, sessionID)
		if err != nil {
			return fmt.Errorf("load bank cheques: %w", err)
		}
		bank = b
		return nil
	})
	if err := g.Wait(); err != nil {
		s.logger.Error("failed to load ledgers", zap.String("session_id", sessionID), zap.Error(err))
		return nil, err
	}

	// --- Step 2: Reconcile ---
	report, err := s.engine.Reconcile(sessionID, company, bank)
	if err != nil {
		return nil, err
	}

	// --- Step 3: Persist (insert or overwrite) ---
	result, err := reconciliation.EncodeResult(report)
	if err != nil {
		return nil, err
	}

	persistCtx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	defer cancel()

	if _, err := s.results.UpsertTallyResult(persistCtx, result); err != nil {
		s.logger.Error("failed to store tally result",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("store tally result: %w", err)
	}

	// Concurrent runs may commit out of order; GetReport refills the cache
	// from the committed row.
	s.cache.Delete(reportCacheKey(sessionID))
	return report, nil
}

// GetReport returns the last stored report for the session.
func (s *TallyService) GetReport(ctx context.Context, sessionID, userID string) (*domain.TallyReport, error) {
	ctx, span := tracer.Start(ctx, "TallyService.GetReport")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	if _, err := s.sessions.GetSession(ctx, sessionID, userID); err != nil {
		return nil, err
	}

	cacheKey := reportCacheKey(sessionID)
	if report, ok := s.cache.Get(cacheKey); ok && report != nil {
		s.metrics.IncrCacheHit("report")
		return report, nil
	}
	s.metrics.IncrCacheMiss("report")

	result, err := s.results.GetTallyResult(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	report, err := reconciliation.DecodeResult(result)
	if err != nil {
		return nil, &domain.ErrPersistence{Op: "decode tally result", Err: err}
	}

	s.cache.Set(cacheKey, report)
	return report, nil
}
