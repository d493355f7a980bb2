package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/vyaesop/eeee/internal/auth"
	"github.com/vyaesop/eeee/internal/database"
	"github.com/vyaesop/eeee/internal/events"
	"github.com/vyaesop/eeee/internal/ledger"
	"github.com/vyaesop/eeee/internal/settlement"
	"github.com/vyaesop/eeee/internal/tiers"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeRunner struct {
	mu         sync.Mutex
	calls      int
	thresholds []time.Duration
	err        error
}

func (f *fakeRunner) RunNow(ctx context.Context) (*settlement.BatchResult, error) {
	return f.RunWithThreshold(ctx, 24*time.Hour)
}

func (f *fakeRunner) RunWithThreshold(_ context.Context, threshold time.Duration) (*settlement.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.thresholds = append(f.thresholds, threshold)
	if f.err != nil {
		return nil, f.err
	}
	return &settlement.BatchResult{RunID: "run-1", Threshold: threshold, Settled: 2}, nil
}

func (f *fakeRunner) Status() settlement.Status {
	return settlement.Status{Spec: "@daily"}
}

type harness struct {
	server *Server
	ledger *ledger.Service
	store  *database.MemoryStore
	auth   *auth.Service
	runner *fakeRunner
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store := database.NewMemoryStore(nil)
	return newHarnessOn(t, cfg, store, store)
}

// newHarnessOn serves backing through the ledger and API; store is the same
// data for direct assertions.
func newHarnessOn(t *testing.T, cfg Config, store *database.MemoryStore, backing database.Store) *harness {
	t.Helper()
	bus := events.NewEventBus()
	clock := t0
	ledgerSvc, err := ledger.NewService(backing, tiers.Default(), ledger.DefaultPolicy(),
		ledger.WithClock(func() time.Time { return clock }),
		ledger.WithEventBus(bus),
	)
	require.NoError(t, err)

	authSvc, err := auth.NewService(backing, ledgerSvc, auth.Config{
		JWTSecret:           "test-secret",
		AccessTokenDuration: time.Hour,
		BcryptCost:          bcrypt.MinCost,
	})
	require.NoError(t, err)

	runner := &fakeRunner{}
	if cfg.CronSecret == "" {
		cfg.CronSecret = "cron-secret"
	}
	srv, err := NewServer(cfg, Dependencies{
		Ledger:      ledgerSvc,
		Store:       backing,
		Auth:        authSvc,
		Settlements: runner,
		Events:      bus,
	})
	require.NoError(t, err)

	return &harness{server: srv, ledger: ledgerSvc, store: store, auth: authSvc, runner: runner}
}

// member registers an account and returns its id and token
func (h *harness) member(t *testing.T, email string) (string, string) {
	t.Helper()
	resp, err := h.auth.Register(context.Background(), auth.RegisterRequest{Email: email, Password: "pass1234"})
	require.NoError(t, err)
	return resp.User.ID, resp.AccessToken
}

func (h *harness) admin(t *testing.T) string {
	t.Helper()
	require.NoError(t, h.auth.SeedAdmin(context.Background(), "admin@example.com", "admin1234"))
	resp, err := h.auth.Login(context.Background(), auth.LoginRequest{Email: "admin@example.com", Password: "admin1234"})
	require.NoError(t, err)
	return resp.AccessToken
}

func (h *harness) do(method, path, token, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	return w
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t, Config{})
	w := h.do(http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "healthy", body["database"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, Config{})
	h.do(http.MethodGet, "/health", "", "")

	w := h.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestGetTiers(t *testing.T) {
	h := newHarness(t, Config{})
	w := h.do(http.MethodGet, "/api/tiers", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var list []TierResponse
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &list))
	require.Len(t, list, 11)
	assert.Equal(t, tiers.ZeroTierName, list[0].Name)
	assert.Equal(t, "0", list[0].DailyReturnRate)
	require.NotNil(t, list[0].MaxDeposit)
	assert.Equal(t, "799.99", *list[0].MaxDeposit)
	assert.Nil(t, list[len(list)-1].MaxDeposit)
}

func TestAccountFlow(t *testing.T) {
	h := newHarness(t, Config{})
	_, token := h.member(t, "flow@example.com")

	w := h.do(http.MethodPost, "/api/account/deposit", token, `{"amount":"1000"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var receipt struct {
		Account struct {
			Principal string `json:"principal"`
			Tier      string `json:"tier"`
		} `json:"account"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &receipt))
	assert.Equal(t, "1000", receipt.Account.Principal)
	assert.Equal(t, "Gold assets 1", receipt.Account.Tier)

	w = h.do(http.MethodGet, "/api/account", token, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodGet, "/api/account/preview", token, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodPost, "/api/account/withdraw", token, `{"amount":"100"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.do(http.MethodPost, "/api/account/settle", token, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodPut, "/api/account/auto-compound", token, `{"enabled":false}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodGet, "/api/account/entries?limit=10", token, "")
	require.Equal(t, http.StatusOK, w.Code)
	var entries []database.Entry
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, database.EntryWithdrawal, entries[0].Type)
	assert.True(t, entries[1].Amount.Equal(decimal.NewFromInt(1000)))
}

func TestReferralsEndpoint(t *testing.T) {
	h := newHarness(t, Config{})
	referrerID, referrerToken := h.member(t, "referrer@example.com")
	referrer, err := h.store.GetAccount(context.Background(), referrerID)
	require.NoError(t, err)

	resp, err := h.auth.Register(context.Background(), auth.RegisterRequest{
		Email: "friend@example.com", Password: "pass1234", ReferralCode: referrer.ReferralCode,
	})
	require.NoError(t, err)
	w := h.do(http.MethodPost, "/api/account/deposit", resp.AccessToken, `{"amount":"1000"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodGet, "/api/account/referrals", referrerToken, "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Count      int    `json:"count"`
		TotalBonus string `json:"total_bonus"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "50", body.TotalBonus)
}

func TestErrorStatusMapping(t *testing.T) {
	h := newHarness(t, Config{})
	_, token := h.member(t, "errors@example.com")

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		status int
		code   string
	}{
		{"no token", http.MethodGet, "/api/account", "", "", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"not a decimal", http.MethodPost, "/api/account/deposit", token, `{"amount":"abc"}`, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"negative deposit", http.MethodPost, "/api/account/deposit", token, `{"amount":"-5"}`, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"zero withdrawal", http.MethodPost, "/api/account/withdraw", token, `{"amount":"0"}`, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"insufficient funds", http.MethodPost, "/api/account/withdraw", token, `{"amount":"10"}`, http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS"},
		{"missing toggle", http.MethodPut, "/api/account/auto-compound", token, `{}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad limit", http.MethodGet, "/api/account/entries?limit=-1", token, "", http.StatusBadRequest, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode(t, w).Error)
		})
	}
}

func TestUnknownAccountIsNotFound(t *testing.T) {
	h := newHarness(t, Config{})
	m := auth.NewJWTManager("test-secret", time.Hour)
	token, err := m.GenerateAccessToken(auth.UserClaims{UserID: "ghost"})
	require.NoError(t, err)

	w := h.do(http.MethodGet, "/api/account", token, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(ledger.KindAccountNotFound), decode(t, w).Error)
}

func TestLedgerStatus(t *testing.T) {
	tests := []struct {
		kind   ledger.Kind
		status int
	}{
		{ledger.KindInvalidAmount, http.StatusBadRequest},
		{ledger.KindBelowMinimumWithdrawal, http.StatusBadRequest},
		{ledger.KindInvalidInput, http.StatusBadRequest},
		{ledger.KindAccountNotFound, http.StatusNotFound},
		{ledger.KindReferrerNotFound, http.StatusNotFound},
		{ledger.KindAccountExists, http.StatusConflict},
		{ledger.KindTransactionConflict, http.StatusConflict},
		{ledger.KindInsufficientFunds, http.StatusUnprocessableEntity},
		{"", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.status, ledgerStatus(tt.kind))
		})
	}
}

func TestAdminSettlementRun(t *testing.T) {
	h := newHarness(t, Config{})
	_, memberToken := h.member(t, "member@example.com")
	adminToken := h.admin(t)

	w := h.do(http.MethodPost, "/api/admin/settlements/run", "", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(http.MethodPost, "/api/admin/settlements/run", memberToken, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(http.MethodPost, "/api/admin/settlements/run", "", "", "X-Cron-Secret", "wrong")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(http.MethodPost, "/api/admin/settlements/run", "", "", "X-Cron-Secret", "cron-secret")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.do(http.MethodPost, "/api/admin/settlements/run", adminToken, `{"threshold":"1h"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result settlement.BatchResult
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &result))
	assert.Equal(t, time.Hour, result.Threshold)

	w = h.do(http.MethodPost, "/api/admin/settlements/run", adminToken, `{"threshold":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, 2, h.runner.calls)
	assert.Equal(t, []time.Duration{24 * time.Hour, time.Hour}, h.runner.thresholds)

	h.runner.err = settlement.ErrBatchInProgress
	w = h.do(http.MethodPost, "/api/admin/settlements/run", adminToken, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(http.MethodGet, "/api/admin/settlements/status", adminToken, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminAccounts(t *testing.T) {
	h := newHarness(t, Config{})
	_, memberToken := h.member(t, "member@example.com")
	adminToken := h.admin(t)

	w := h.do(http.MethodGet, "/api/admin/accounts", memberToken, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(http.MethodGet, "/api/admin/accounts", adminToken, "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &body))
	assert.Equal(t, 2, body.Count)
}

func TestAdminSetRole(t *testing.T) {
	h := newHarness(t, Config{})
	memberID, memberToken := h.member(t, "member@example.com")
	adminToken := h.admin(t)
	primary, err := h.store.GetCredentialByEmail(context.Background(), "admin@example.com")
	require.NoError(t, err)

	path := "/api/admin/accounts/" + memberID + "/role"
	w := h.do(http.MethodPut, path, memberToken, `{"role":"admin"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(http.MethodPut, path, adminToken, `{"role":"admin"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Role string `json:"role"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &body))
	assert.Equal(t, "admin", body.Role)

	cred, err := h.store.GetCredential(context.Background(), memberID)
	require.NoError(t, err)
	assert.True(t, cred.IsAdmin())

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"primary admin", "/api/admin/accounts/" + primary.AccountID + "/role", `{"role":"user"}`, http.StatusForbidden, "PRIMARY_ADMIN"},
		{"unknown account", "/api/admin/accounts/missing/role", `{"role":"user"}`, http.StatusNotFound, "ACCOUNT_NOT_FOUND"},
		{"invalid role", path, `{"role":"owner"}`, http.StatusBadRequest, "INVALID_ROLE"},
		{"missing role", path, `{}`, http.StatusBadRequest, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(http.MethodPut, tt.path, adminToken, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decode(t, w).Error)
		})
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	h := newHarness(t, Config{RateLimit: 0.001, RateBurst: 1})
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/tiers", "", "").Code)
	w := h.do(http.MethodGet, "/api/tiers", "", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMITED", decode(t, w).Error)

	// health is outside the limited group
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/health", "", "").Code)
}

func TestSplitOrigins(t *testing.T) {
	assert.Equal(t, []string{"http://a", "http://b"}, SplitOrigins(" http://a, ,http://b "))
	assert.Nil(t, SplitOrigins(""))
}

func TestEarningsStream(t *testing.T) {
	h := newHarness(t, Config{StreamInterval: time.Hour})
	id, token := h.member(t, "stream@example.com")

	ts := httptest.NewServer(h.server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/ws/earnings")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/earnings?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() map[string]interface{} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	assert.Equal(t, MessageConnected, read()["type"])
	first := read()
	assert.Equal(t, MessageProjection, first["type"])
	assert.Equal(t, id, first["account_id"])

	_, err = h.ledger.Deposit(context.Background(), id, decimal.NewFromInt(1000))
	require.NoError(t, err)

	var sawProjection, sawEvent bool
	for i := 0; i < 10 && !(sawProjection && sawEvent); i++ {
		msg := read()
		switch msg["type"] {
		case MessageProjection:
			data := msg["data"].(map[string]interface{})
			if data["principal"] == "1000" {
				assert.Equal(t, "Gold assets 1", data["tier"])
				sawProjection = true
			}
		case MessageEvent:
			sawEvent = true
		}
	}
	assert.True(t, sawProjection, "projection was not refreshed after the deposit")
	assert.True(t, sawEvent, "ledger event was not relayed")

	// the stream never writes
	acct, err := h.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), acct.Version)
}

// racingStore commits a write right after the first armed read of an account,
// as if another instance had written between two steps of the caller.
type racingStore struct {
	*database.MemoryStore
	armed atomic.Bool
	write func(id string)
}

func (s *racingStore) GetAccount(ctx context.Context, id string) (*database.Account, error) {
	acct, err := s.MemoryStore.GetAccount(ctx, id)
	if err == nil && s.armed.CompareAndSwap(true, false) {
		s.write(id)
	}
	return acct, err
}

func TestEarningsStream_WriteDuringSnapshotIsSeen(t *testing.T) {
	mem := database.NewMemoryStore(nil)
	racing := &racingStore{MemoryStore: mem}
	racing.write = func(id string) {
		_, err := database.UpdateAccount(context.Background(), mem, id, func(a *database.Account) error {
			a.Principal = decimal.NewFromInt(1000)
			return nil
		})
		assert.NoError(t, err)
	}
	h := newHarnessOn(t, Config{StreamInterval: time.Hour}, mem, racing)
	_, token := h.member(t, "race@example.com")

	ts := httptest.NewServer(h.server.Handler())
	defer ts.Close()

	racing.armed.Store(true)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/earnings?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	seen := false
	for i := 0; i < 5 && !seen; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg), "projection with the concurrent write never arrived")
		if msg["type"] != MessageProjection {
			continue
		}
		if data := msg["data"].(map[string]interface{}); data["principal"] == "1000" {
			seen = true
		}
	}
	assert.True(t, seen)
}
