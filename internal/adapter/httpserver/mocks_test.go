package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	wshub "github.com/policy-lab/polis/internal/adapter/websocket"
	"github.com/policy-lab/polis/internal/domain"
	"github.com/policy-lab/polis/internal/platform/config"
	"github.com/policy-lab/polis/internal/platform/crypto"
	"github.com/policy-lab/polis/internal/view"
	"github.com/stretchr/testify/require"
)

// --- Mocks ---

type mockBackend struct {
	mu                sync.Mutex
	getConversationFn func(ctx context.Context, conversationID string) (*domain.Conversation, error)
	listUnvotedFn     func(ctx context.Context, conversationID string) ([]domain.Statement, error)
	submitVoteFn      func(ctx context.Context, conversationID string, statementID int64, vote domain.StatementVote) error
	votes             []domain.StatementVote
	sentiments        []domain.SentimentKind
}

func (m *mockBackend) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	if m.getConversationFn != nil {
		return m.getConversationFn(ctx, conversationID)
	}
	return &domain.Conversation{ID: conversationID, Topic: "Bike lanes"}, nil
}

func (m *mockBackend) ListUnvotedStatements(ctx context.Context, conversationID string) ([]domain.Statement, error) {
	if m.listUnvotedFn != nil {
		return m.listUnvotedFn(ctx, conversationID)
	}
	return []domain.Statement{{ID: 1, Text: "More lanes"}, {ID: 2, Text: "Fewer cars"}}, nil
}

func (m *mockBackend) ListVotedStatements(context.Context, string) ([]domain.Statement, error) {
	return nil, nil
}

func (m *mockBackend) SubmitVote(ctx context.Context, conversationID string, statementID int64, vote domain.StatementVote) error {
	m.mu.Lock()
	m.votes = append(m.votes, vote)
	m.mu.Unlock()
	if m.submitVoteFn != nil {
		return m.submitVoteFn(ctx, conversationID, statementID, vote)
	}
	return nil
}

func (m *mockBackend) SubmitSentiment(_ context.Context, _ string, vote domain.SentimentKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentiments = append(m.sentiments, vote)
	return nil
}

func (m *mockBackend) submittedVotes() []domain.StatementVote {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.StatementVote(nil), m.votes...)
}

type mockParticipants struct {
	mu         sync.Mutex
	tokens     []string
	backend    *mockBackend
	identities map[string]domain.Identity
	resolveErr error
}

func newMockParticipants() *mockParticipants {
	return &mockParticipants{
		backend: &mockBackend{},
		identities: map[string]domain.Identity{
			"tok-alice": signedIn(1, "alice", false),
			"tok-admin": signedIn(2, "root", true),
		},
	}
}

func signedIn(uid int64, username string, admin bool) domain.Identity {
	return domain.Identity{AccountID: &uid, Username: username, IsAdmin: admin}
}

func (m *mockParticipants) ResolveIdentity(_ context.Context, token string) (domain.Identity, error) {
	if m.resolveErr != nil {
		return domain.Identity{}, m.resolveErr
	}
	return m.identities[token], nil
}

func (m *mockParticipants) ForToken(token string) view.Backend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = append(m.tokens, token)
	return m.backend
}

func (m *mockParticipants) boundTokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tokens...)
}

type mockDebouncer struct {
	mu        sync.Mutex
	debounced bool
	err       error
	calls     []string
}

func (m *mockDebouncer) IsDebounced(_ context.Context, conversationID string, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, conversationID+":"+username)
	return m.debounced, m.err
}

type mockErrorRecorder struct {
	mu    sync.Mutex
	types []string
}

func (m *mockErrorRecorder) ErrorRecorded(errType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types = append(m.types, errType)
}

func (m *mockErrorRecorder) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.types...)
}

// --- Test server ---

type testServerOption func(*Deps)

func withHealthChecks(checks ...HealthCheck) testServerOption {
	return func(d *Deps) { d.HealthChecks = checks }
}

func withDebouncer(db domain.Debouncer) testServerOption {
	return func(d *Deps) { d.Debouncer = db }
}

func withLimits(l connectionLimiter) testServerOption {
	return func(d *Deps) { d.Limits = l }
}

func withViews(wrap func(viewRegistry) viewRegistry) testServerOption {
	return func(d *Deps) { d.Views = wrap(d.Views) }
}

func withTokens(sealer crypto.TokenSealer) testServerOption {
	return func(d *Deps) { d.Tokens = sealer }
}

func withErrorRecorder(rec ErrorRecorder) testServerOption {
	return func(d *Deps) { d.ErrorRecorder = rec }
}

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:                  "test",
		Port:                    "0",
		BackendURL:              "http://backend.test",
		BackendTimeout:          time.Second,
		SessionSecret:           "test-session-secret-of-32-chars!",
		ToggleDebounce:          500 * time.Millisecond,
		ViewIdleTimeout:         time.Hour,
		MaxWebSocketConnections: 100,
		SessionMaxAge:           time.Hour,
	}
}

func newTestServer(t *testing.T, participants *mockParticipants, opts ...testServerOption) *Server {
	t.Helper()

	clock := clockwork.NewRealClock()
	hub := wshub.NewHub(clock, nil, 0)
	t.Cleanup(hub.Stop)

	registry := view.NewRegistry(view.Options{Publisher: hub, Clock: clock}, time.Hour, nil)
	t.Cleanup(registry.Stop)

	deps := Deps{
		Participants: participants,
		Views:        registry,
		Hub:          hub,
		Limits:       wshub.NewConnectionLimits(clock, 100, 10, 100, 100),
	}
	for _, opt := range opts {
		opt(&deps)
	}

	return NewServer(testConfig(), deps)
}

// --- Test client ---

const testCSRFToken = "0123456789abcdef0123456789abcdef"

// testClient replays cookies between requests the way a browser would and always sends
// the CSRF header.
type testClient struct {
	t       *testing.T
	srv     *Server
	cookies map[string]*http.Cookie
}

func newTestClient(t *testing.T, srv *Server) *testClient {
	return &testClient{
		t:   t,
		srv: srv,
		cookies: map[string]*http.Cookie{
			csrfCookieName: {Name: csrfCookieName, Value: testCSRFToken},
		},
	}
}

func (tc *testClient) do(method, path string, body any) *httptest.ResponseRecorder {
	tc.t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(tc.t, err)
		reader = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set("X-CSRF-Token", testCSRFToken)
	for _, c := range tc.cookies {
		req.AddCookie(c)
	}

	rec := httptest.NewRecorder()
	tc.srv.echo.ServeHTTP(rec, req)

	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(tc.cookies, c.Name)
			continue
		}
		tc.cookies[c.Name] = c
	}
	return rec
}

func (tc *testClient) signIn(token string) {
	tc.t.Helper()
	rec := tc.do(http.MethodPost, "/auth/session", map[string]string{"token": token})
	require.Equal(tc.t, http.StatusOK, rec.Code, rec.Body.String())
}

// openView opens conversationID and returns the view ID.
func (tc *testClient) openView(conversationID string) string {
	tc.t.Helper()
	rec := tc.do(http.MethodPost, "/api/views", map[string]string{"conversation_id": conversationID})
	require.Equal(tc.t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp openViewResponse
	require.NoError(tc.t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(tc.t, resp.ViewID)
	return resp.ViewID
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (tc *testClient) snapshotCookies() map[string]*http.Cookie {
	out := make(map[string]*http.Cookie, len(tc.cookies))
	for k, v := range tc.cookies {
		out[k] = v
	}
	return out
}
