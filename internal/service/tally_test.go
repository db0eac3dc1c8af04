package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/boddenberg/cheque-tally-go/internal/domain"
	"github.com/boddenberg/cheque-tally-go/internal/infra/cache"
	"github.com/boddenberg/cheque-tally-go/internal/infra/observability"
	"github.com/boddenberg/cheque-tally-go/internal/reconciliation"
	"github.com/boddenberg/cheque-tally-go/internal/service"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2024, 3, 1, 15, 30, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTallyService(store *memStore, metrics *observability.Metrics) *service.TallyService {
	engine := reconciliation.New(reconciliation.Config{Now: func() time.Time { return fixedNow }})
	return service.NewTallyService(
		store, store, store,
		engine,
		cache.New[*domain.TallyReport](5*time.Minute),
		time.Second,
		metrics,
		zap.NewNop(),
	)
}

// seedSession creates sess-1 for user-1 with two company cheques and one
// clearing.
func seedSession(store *memStore) {
	store.sessions["sess-1"] = domain.Session{ID: "sess-1", UserID: "user-1", SessionName: "March"}
	store.company["sess-1"] = []domain.CompanyCheque{
		{ID: "c1", SessionID: "sess-1", ChequeNumber: "CHQ1", PayeeName: "Alice", Amount: dec("100.00"), IssueDate: strPtr("2024-01-10")},
		{ID: "c2", SessionID: "sess-1", ChequeNumber: "CHQ2", PayeeName: "Bob", Amount: dec("50.00"), IssueDate: strPtr("2024-02-01")},
	}
	store.bank["sess-1"] = []domain.BankCheque{
		{ID: "b1", SessionID: "sess-1", ChequeNumber: " chq1 ", Amount: dec("100.00"), ClearingDate: "2024-01-20"},
	}
}

func TestTallyRun_Success(t *testing.T) {
	store := newMemStore()
	seedSession(store)
	metrics := observability.NewMetrics()
	svc := newTallyService(store, metrics)

	report, err := svc.Run(context.Background(), "sess-1", "user-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if report.TotalCashedCheques != 1 || report.TotalUncashedCheques != 1 {
		t.Fatalf("expected 1 cashed and 1 pending, got %d/%d", report.TotalCashedCheques, report.TotalUncashedCheques)
	}
	if report.CashedCheques[0].BankChequeNumber != " chq1 " {
		t.Errorf("expected bank cheque number as recorded, got %q", report.CashedCheques[0].BankChequeNumber)
	}
	if !report.TotalCashedAmount.Equal(dec("100")) || !report.TotalUncashedAmount.Equal(dec("50")) {
		t.Errorf("unexpected totals %s/%s", report.TotalCashedAmount, report.TotalUncashedAmount)
	}
	if got := report.UncashedCheques[0].DaysOutstanding; got != 29 {
		t.Errorf("expected 29 days outstanding, got %d", got)
	}
	if len(report.Unmatched.UnmatchedBankCheques) != 0 {
		t.Errorf("expected no unmatched bank cheques, got %v", report.Unmatched.UnmatchedBankCheques)
	}
	if !report.CreatedAt.Equal(fixedNow) {
		t.Errorf("expected report stamped with engine clock, got %s", report.CreatedAt)
	}

	stored, ok := store.results["sess-1"]
	if !ok {
		t.Fatal("expected tally result to be persisted")
	}
	if !stored.TotalCashedAmount.Equal(dec("100")) {
		t.Errorf("expected persisted cashed total 100, got %s", stored.TotalCashedAmount)
	}

	snap := metrics.GetTallySnapshot()
	if snap.TotalRuns != 1 || snap.ChequesCashed != 1 || snap.ChequesPending != 1 {
		t.Errorf("unexpected metrics %+v", snap)
	}
}

func TestTallyRun_RerunOverwrites(t *testing.T) {
	store := newMemStore()
	seedSession(store)
	svc := newTallyService(store, observability.NewMetrics())

	if _, err := svc.Run(context.Background(), "sess-1", "user-1"); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// The second clearing arrives; re-running must replace the result.
	store.bank["sess-1"] = append(store.bank["sess-1"],
		domain.BankCheque{ID: "b2", SessionID: "sess-1", ChequeNumber: "CHQ2", Amount: dec("50.00"), ClearingDate: "2024-02-10"})

	report, err := svc.Run(context.Background(), "sess-1", "user-1")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.TotalCashedCheques != 2 || report.TotalUncashedCheques != 0 {
		t.Errorf("expected 2 cashed and 0 pending, got %d/%d", report.TotalCashedCheques, report.TotalUncashedCheques)
	}
	if store.resultCount() != 1 {
		t.Errorf("expected exactly one stored result, got %d", store.resultCount())
	}
	if store.upserts != 2 {
		t.Errorf("expected 2 upserts, got %d", store.upserts)
	}

	got, err := svc.GetReport(context.Background(), "sess-1", "user-1")
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if got.TotalCashedCheques != 2 {
		t.Errorf("expected report to reflect the latest run, got %d cashed", got.TotalCashedCheques)
	}
}

func TestTallyRun_EmptyLedgerIsPrecondition(t *testing.T) {
	store := newMemStore()
	seedSession(store)
	store.bank["sess-1"] = nil
	metrics := observability.NewMetrics()
	svc := newTallyService(store, metrics)

	_, err := svc.Run(context.Background(), "sess-1", "user-1")

	var precondition *domain.ErrPrecondition
	if !errors.As(err, &precondition) {
		t.Fatalf("expected *domain.ErrPrecondition, got %v", err)
	}
	if store.resultCount() != 0 {
		t.Error("expected nothing persisted")
	}
	if snap := metrics.GetTallySnapshot(); snap.FailedRuns != 1 {
		t.Errorf("expected 1 failed run, got %d", snap.FailedRuns)
	}
}

func TestTallyRun_OtherUsersSessionIsNotFound(t *testing.T) {
	store := newMemStore()
	seedSession(store)
	svc := newTallyService(store, observability.NewMetrics())

	_, err := svc.Run(context.Background(), "sess-1", "intruder")

	var notFound *domain.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected *domain.ErrNotFound, got %v", err)
	}
}

func TestTallyRun_PersistenceFailure(t *testing.T) {
	store := newMemStore()
	seedSession(store)
	store.upsertErr = &domain.ErrPersistence{Op: "upsert tally result", Err: errors.New("disk full")}
	svc := newTallyService(store, observability.NewMetrics())

	report, err := svc.Run(context.Background(), "sess-1", "user-1")

	if report != nil {
		t.Error("expected no report on persistence failure")
	}
	var persistence *domain.ErrPersistence
	if !errors.As(err, &persistence) {
		t.Fatalf("expected *domain.ErrPersistence, got %v", err)
	}

	// A failed run must not leave a cached report behind.
	_, err = svc.GetReport(context.Background(), "sess-1", "user-1")
	var notFound *domain.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Errorf("expected *domain.ErrNotFound after failed run, got %v", err)
	}
}

func TestTallyRun_LoadFailure(t *testing.T) {
	store := newMemStore()
	seedSession(store)
	store.listErr = &domain.ErrPersistence{Op: "list cheques", Err: errors.New("connection reset")}
	svc := newTallyService(store, observability.NewMetrics())

	_, err := svc.Run(context.Background(), "sess-1", "user-1")

	var persistence *domain.ErrPersistence
	if !errors.As(err, &persistence) {
		t.Fatalf("expected *domain.ErrPersistence, got %v", err)
	}
}

func TestTallyRun_CancelledContext(t *testing.T) {
	store := newMemStore()
	seedSession(store)
	svc := newTallyService(store, observability.NewMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.Run(ctx, "sess-1", "user-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestGetReport_CacheHit(t *testing.T) {
	store := newMemStore()
	seedSession(store)
	metrics := observability.NewMetrics()
	svc := newTallyService(store, metrics)

	if _, err := svc.Run(context.Background(), "sess-1", "user-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := svc.GetReport(context.Background(), "sess-1", "user-1"); err != nil {
			t.Fatalf("get report: %v", err)
		}
	}

	// The first read after a run fills the cache from the store.
	if snap := metrics.GetTallySnapshot(); snap.ReportCacheHitRate != 0.5 {
		t.Errorf("expected cache hit rate 0.5, got %f", snap.ReportCacheHitRate)
	}
}

func TestTallyRun_EvictsStaleCachedReport(t *testing.T) {
	store := newMemStore()
	seedSession(store)
	reports := cache.New[*domain.TallyReport](5 * time.Minute)
	engine := reconciliation.New(reconciliation.Config{Now: func() time.Time { return fixedNow }})
	svc := service.NewTallyService(store, store, store, engine, reports, time.Second, observability.NewMetrics(), zap.NewNop())
	ctx := context.Background()

	if _, err := svc.Run(ctx, "sess-1", "user-1"); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// The bank clears CHQ2; a concurrent, slower run then caches its older
	// report just before this run commits.
	store.bank["sess-1"] = append(store.bank["sess-1"],
		domain.BankCheque{ID: "b2", SessionID: "sess-1", ChequeNumber: "CHQ2", Amount: dec("50.00"), ClearingDate: "2024-02-10"})
	reports.Set("report:sess-1", &domain.TallyReport{SessionID: "sess-1", TotalCashedCheques: 1, TotalUncashedCheques: 1})

	if _, err := svc.Run(ctx, "sess-1", "user-1"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if _, ok := reports.Get("report:sess-1"); ok {
		t.Fatal("expected run to evict the cached report")
	}

	got, err := svc.GetReport(ctx, "sess-1", "user-1")
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if got.TotalCashedCheques != 2 || got.TotalUncashedCheques != 0 {
		t.Errorf("expected the committed result (2 cashed), got %d/%d", got.TotalCashedCheques, got.TotalUncashedCheques)
	}
}

func TestGetReport_LoadsFromStore(t *testing.T) {
	store := newMemStore()
	seedSession(store)
	svc := newTallyService(store, observability.NewMetrics())

	// Result written by an earlier process; the cache is cold.
	report, _ := reconciliation.New(reconciliation.Config{Now: func() time.Time { return fixedNow }}).
		Reconcile("sess-1", store.company["sess-1"], store.bank["sess-1"])
	result, err := reconciliation.EncodeResult(report)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	store.results["sess-1"] = *result

	got, err := svc.GetReport(context.Background(), "sess-1", "user-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.TotalCashedCheques != 1 || got.CashedCheques[0].CompanyChequeNumber != "CHQ1" {
		t.Errorf("unexpected report %+v", got)
	}
}

func TestGetReport_NeverRun(t *testing.T) {
	store := newMemStore()
	seedSession(store)
	svc := newTallyService(store, observability.NewMetrics())

	_, err := svc.GetReport(context.Background(), "sess-1", "user-1")

	var notFound *domain.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected *domain.ErrNotFound, got %v", err)
	}
	if notFound.Resource != "tally report" {
		t.Errorf("expected tally report resource, got %s", notFound.Resource)
	}
}
