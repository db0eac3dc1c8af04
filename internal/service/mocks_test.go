package service_test

import (
	"context"
	"strings"
	"sync"

	"github.com/boddenberg/cheque-tally-go/internal/domain"
)

// --- Mocks ---

// memStore is an in-memory port.Store.
type memStore struct {
	mu       sync.Mutex
	users    map[string]domain.User // by email
	sessions map[string]domain.Session
	company  map[string][]domain.CompanyCheque
	bank     map[string][]domain.BankCheque
	results  map[string]domain.TallyResult
	upserts  int

	listErr   error
	upsertErr error
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[string]domain.User{},
		sessions: map[string]domain.Session{},
		company:  map[string][]domain.CompanyCheque{},
		bank:     map[string][]domain.BankCheque{},
		results:  map[string]domain.TallyResult{},
	}
}

func (m *memStore) CreateUser(_ context.Context, u *domain.User) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Email]; ok {
		return nil, &domain.ErrConflict{Message: "email already registered"}
	}
	m.users[u.Email] = *u
	out := *u
	return &out, nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[email]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "user", ID: email}
	}
	return &u, nil
}

func (m *memStore) CreateSession(_ context.Context, s *domain.Session) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = *s
	out := *s
	return &out, nil
}

func (m *memStore) ListSessions(_ context.Context, userID string) ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.Session{}
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) GetSession(_ context.Context, sessionID, userID string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.UserID != userID {
		return nil, &domain.ErrNotFound{Resource: "session", ID: sessionID}
	}
	return &s, nil
}

func (m *memStore) DeleteSession(_ context.Context, sessionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.UserID != userID {
		return &domain.ErrNotFound{Resource: "session", ID: sessionID}
	}
	delete(m.sessions, sessionID)
	delete(m.company, sessionID)
	delete(m.bank, sessionID)
	delete(m.results, sessionID)
	return nil
}

func (m *memStore) AddCompanyCheques(_ context.Context, cheques []domain.CompanyCheque) ([]domain.CompanyCheque, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range cheques {
		m.company[c.SessionID] = append(m.company[c.SessionID], c)
	}
	return cheques, nil
}

func (m *memStore) AddBankCheques(_ context.Context, cheques []domain.BankCheque) ([]domain.BankCheque, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range cheques {
		m.bank[b.SessionID] = append(m.bank[b.SessionID], b)
	}
	return cheques, nil
}

func (m *memStore) ListCompanyCheques(_ context.Context, sessionID string) ([]domain.CompanyCheque, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]domain.CompanyCheque{}, m.company[sessionID]...), nil
}

func (m *memStore) ListBankCheques(_ context.Context, sessionID string) ([]domain.BankCheque, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]domain.BankCheque{}, m.bank[sessionID]...), nil
}

func (m *memStore) UpsertTallyResult(_ context.Context, r *domain.TallyResult) (*domain.TallyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return nil, m.upsertErr
	}
	m.upserts++
	m.results[r.SessionID] = *r
	out := *r
	return &out, nil
}

func (m *memStore) GetTallyResult(_ context.Context, sessionID string) (*domain.TallyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[sessionID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "tally report", ID: sessionID}
	}
	return &r, nil
}

func (m *memStore) resultCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

type mockTextExtractor struct {
	text string
	err  error
}

func (m *mockTextExtractor) ExtractText(_ string, _ []byte) (string, error) {
	return m.text, m.err
}

// mockExtractor answers per chunk; a chunk containing "FAIL" errors.
type mockExtractor struct {
	mu       sync.Mutex
	calls    int
	company  func(chunk string) []domain.ExtractedCompanyCheque
	bank     func(chunk string) []domain.ExtractedBankCheque
	notes    string
	failWith error
}

func (m *mockExtractor) ExtractCompanyCheques(_ context.Context, chunk string) (*domain.ChunkExtraction[domain.ExtractedCompanyCheque], error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.failWith != nil && strings.Contains(chunk, "FAIL") {
		return nil, m.failWith
	}
	return &domain.ChunkExtraction[domain.ExtractedCompanyCheque]{
		Records: m.company(chunk),
		Notes:   m.notes,
		Usage:   domain.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (m *mockExtractor) ExtractBankCheques(_ context.Context, chunk string) (*domain.ChunkExtraction[domain.ExtractedBankCheque], error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.failWith != nil && strings.Contains(chunk, "FAIL") {
		return nil, m.failWith
	}
	return &domain.ChunkExtraction[domain.ExtractedBankCheque]{
		Records: m.bank(chunk),
		Notes:   m.notes,
	}, nil
}
