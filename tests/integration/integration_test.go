package integration_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/boddenberg/cheque-tally-go/internal/domain"
	"github.com/boddenberg/cheque-tally-go/internal/handler"
	"github.com/boddenberg/cheque-tally-go/internal/infra/cache"
	"github.com/boddenberg/cheque-tally-go/internal/infra/document"
	"github.com/boddenberg/cheque-tally-go/internal/infra/llm"
	"github.com/boddenberg/cheque-tally-go/internal/infra/observability"
	"github.com/boddenberg/cheque-tally-go/internal/infra/resilience"
	"github.com/boddenberg/cheque-tally-go/internal/infra/sqlite"
	"github.com/boddenberg/cheque-tally-go/internal/reconciliation"
	"github.com/boddenberg/cheque-tally-go/internal/service"

	"go.uber.org/zap"
)

const (
	companyLedger = "CHQ1 Alice 100.00 2024-01-10\nCHQ2 Bob 50.00 2024-02-01\n"
	bankStatement = "2024-01-20 cheque chq1 100.00\n2024-01-25 cheque CHQ9 10.00\n"
)

// mockModel answers chat completions with fixed extractions, telling the
// two ledgers apart by their prompts.
func mockModel(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
			t.Errorf("bad completion request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		content := `{"cheques":[` +
			`{"cheque_number":"CHQ1","payee_name":"Alice","amount":100.00,"issue_date":"2024-01-10"},` +
			`{"cheque_number":"CHQ2","payee_name":"Bob","amount":50.00,"issue_date":"2024-02-01"}],"extraction_notes":""}`
		if strings.Contains(req.Messages[0].Content, "banking data extraction") {
			content = `{"cheques":[` +
				`{"cheque_number":"chq1","amount":100.00,"clearing_date":"2024-01-20"},` +
				`{"cheque_number":"CHQ9","amount":10.00,"clearing_date":"2024-01-25"}],"extraction_notes":""}`
		}

		body, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
			"usage":   map[string]int{"prompt_tokens": 100, "completion_tokens": 40, "total_tokens": 140},
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}))
}

func newServer(t *testing.T, modelURL string) *httptest.Server {
	t.Helper()
	logger := zap.NewNop()
	metrics := observability.NewMetrics()

	store, err := sqlite.New(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(store.Close)

	reports := cache.New[*domain.TallyReport](5 * time.Minute)
	resilienceCfg := resilience.Config{MaxRetries: 1, InitialBackoff: 10 * time.Millisecond, MaxConcurrency: 2}
	extractor := llm.NewClient(http.DefaultClient,
		llm.Config{BaseURL: modelURL, APIKey: "sk-test", Model: "gpt-4o-mini"},
		resilience.NewCircuitBreaker("llm-integration", resilience.BreakerConfig{}, zap.NewNop()),
		resilienceCfg,
	)
	engine := reconciliation.New(reconciliation.Config{
		Now: func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) },
	})

	router := handler.NewRouter(handler.Services{
		Auth:     service.NewAuthService(store, "integration-secret", time.Hour, logger),
		Sessions: service.NewSessionService(store, store, reports, logger),
		Ingest:   service.NewIngestService(store, store, document.NewExtractor(), extractor, resilience.NewBulkhead(2), 4000, metrics, logger),
		Tally:    service.NewTallyService(store, store, store, engine, reports, time.Second, metrics, logger),
	}, store, []string{"*"}, metrics, logger)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

type client struct {
	t     *testing.T
	base  string
	token string
}

func (c *client) do(method, path string, body any) *http.Response {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, c.base+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (c *client) upload(path, filename, content string) *http.Response {
	c.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", filename)
	fw.Write([]byte(content))
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, c.base+path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatalf("upload %s: %v", path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response, wantStatus int) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if resp.StatusCode != wantStatus {
		var e map[string]any
		json.NewDecoder(resp.Body).Decode(&e)
		t.Fatalf("expected %d, got %d: %v", wantStatus, resp.StatusCode, e)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

// TestIntegration_FullFlow drives signup to tally report over HTTP.
func TestIntegration_FullFlow(t *testing.T) {
	model := mockModel(t)
	defer model.Close()
	srv := newServer(t, model.URL)
	c := &client{t: t, base: srv.URL}

	// --- Auth ---
	decode[domain.SignupResponse](t, c.do(http.MethodPost, "/v1/auth/signup",
		domain.SignupRequest{Email: "ana@example.com", Username: "ana", Password: "s3cret-pass"}), http.StatusCreated)
	login := decode[domain.LoginResponse](t, c.do(http.MethodPost, "/v1/auth/login",
		domain.LoginRequest{Email: "ana@example.com", Password: "s3cret-pass"}), http.StatusOK)
	c.token = login.AccessToken

	// --- Session ---
	session := decode[domain.Session](t, c.do(http.MethodPost, "/v1/sessions",
		domain.CreateSessionRequest{SessionName: "March close"}), http.StatusCreated)
	base := fmt.Sprintf("/v1/sessions/%s", session.ID)

	// Tally before any upload is a precondition failure.
	resp := c.do(http.MethodPost, base+"/tally/run", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 before uploads, got %d", resp.StatusCode)
	}

	// --- Uploads ---
	company := decode[domain.UploadResponse[domain.CompanyCheque]](t, c.upload(base+"/company/upload-expenses", "ledger.txt", companyLedger), http.StatusOK)
	if company.ChequesExtracted != 2 || company.ExtractionNotes != "Processed 1 chunk(s)." {
		t.Errorf("unexpected company upload %+v", company)
	}
	bank := decode[domain.UploadResponse[domain.BankCheque]](t, c.upload(base+"/bank/upload-transactions", "statement.txt", bankStatement), http.StatusOK)
	if bank.ChequesExtracted != 2 {
		t.Errorf("unexpected bank upload %+v", bank)
	}

	// --- Tally ---
	report := decode[domain.TallyReport](t, c.do(http.MethodPost, base+"/tally/run", nil), http.StatusOK)
	if report.TotalCashedCheques != 1 || report.TotalUncashedCheques != 1 {
		t.Fatalf("expected 1 cashed and 1 pending, got %d/%d", report.TotalCashedCheques, report.TotalUncashedCheques)
	}
	if report.CashedCheques[0].BankChequeNumber != "chq1" {
		t.Errorf("expected bank cheque number as recorded, got %s", report.CashedCheques[0].BankChequeNumber)
	}
	if report.UncashedCheques[0].DaysOutstanding != 29 {
		t.Errorf("expected 29 days outstanding, got %d", report.UncashedCheques[0].DaysOutstanding)
	}
	if got := report.Unmatched.UnmatchedBankCheques; len(got) != 1 || got[0] != "CHQ9" {
		t.Errorf("expected CHQ9 unmatched, got %v", got)
	}

	// Re-running overwrites the stored result.
	decode[domain.TallyReport](t, c.do(http.MethodPost, base+"/tally/run", nil), http.StatusOK)

	stored := decode[domain.TallyReport](t, c.do(http.MethodGet, base+"/tally/report", nil), http.StatusOK)
	if !stored.TotalCashedAmount.Equal(report.TotalCashedAmount) || !stored.TotalUncashedAmount.Equal(report.TotalUncashedAmount) {
		t.Errorf("stored totals %s/%s differ from run %s/%s",
			stored.TotalCashedAmount, stored.TotalUncashedAmount, report.TotalCashedAmount, report.TotalUncashedAmount)
	}

	// --- Session detail, other users, delete ---
	detail := decode[domain.SessionDetail](t, c.do(http.MethodGet, base, nil), http.StatusOK)
	if len(detail.CompanyExpenses) != 2 || len(detail.BankTransactions) != 2 {
		t.Errorf("unexpected session detail: %d company, %d bank", len(detail.CompanyExpenses), len(detail.BankTransactions))
	}
	if detail.CompanyExpenses[0].RawText != companyLedger {
		t.Errorf("expected raw text to be the uploaded ledger")
	}

	decode[domain.SignupResponse](t, c.do(http.MethodPost, "/v1/auth/signup",
		domain.SignupRequest{Email: "eve@example.com", Username: "eve", Password: "s3cret-pass"}), http.StatusCreated)
	eveLogin := decode[domain.LoginResponse](t, c.do(http.MethodPost, "/v1/auth/login",
		domain.LoginRequest{Email: "eve@example.com", Password: "s3cret-pass"}), http.StatusOK)
	eve := &client{t: t, base: srv.URL, token: eveLogin.AccessToken}
	resp = eve.do(http.MethodGet, base+"/tally/report", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for another user's session, got %d", resp.StatusCode)
	}

	decode[domain.SuccessResponse](t, c.do(http.MethodDelete, base, nil), http.StatusOK)
	resp = c.do(http.MethodGet, base+"/tally/report", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestIntegration_UnsupportedUpload(t *testing.T) {
	model := mockModel(t)
	defer model.Close()
	srv := newServer(t, model.URL)
	c := &client{t: t, base: srv.URL}

	c.do(http.MethodPost, "/v1/auth/signup", domain.SignupRequest{Email: "ana@example.com", Username: "ana", Password: "s3cret-pass"}).Body.Close()
	login := decode[domain.LoginResponse](t, c.do(http.MethodPost, "/v1/auth/login",
		domain.LoginRequest{Email: "ana@example.com", Password: "s3cret-pass"}), http.StatusOK)
	c.token = login.AccessToken
	session := decode[domain.Session](t, c.do(http.MethodPost, "/v1/sessions",
		domain.CreateSessionRequest{SessionName: "x"}), http.StatusCreated)

	resp := c.upload("/v1/sessions/"+session.ID+"/company/upload-expenses", "ledger.xlsx", "binary")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unsupported format, got %d", resp.StatusCode)
	}
}
