package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/vyaesop/eeee/internal/database"
	"github.com/vyaesop/eeee/internal/ledger"
	"github.com/vyaesop/eeee/internal/tiers"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestAuth(t *testing.T) (*Service, *database.MemoryStore) {
	t.Helper()
	store := database.NewMemoryStore(nil)
	ledgerSvc, err := ledger.NewService(store, tiers.Default(), ledger.DefaultPolicy())
	require.NoError(t, err)

	svc, err := NewService(store, ledgerSvc, Config{
		JWTSecret:           "test-secret",
		AccessTokenDuration: time.Hour,
		BcryptCost:          bcrypt.MinCost,
	})
	require.NoError(t, err)
	return svc, store
}

func TestJWT_RoundTrip(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	token, err := m.GenerateAccessToken(UserClaims{UserID: "u1", Email: "a@b.c", IsAdmin: true})
	require.NoError(t, err)

	claims, err := m.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "a@b.c", claims.Email)
	assert.True(t, claims.IsAdmin)
	assert.Equal(t, int64(3600), m.GetAccessTokenDuration())
}

func TestJWT_Rejects(t *testing.T) {
	m := NewJWTManager("secret", time.Minute)
	token, err := m.GenerateAccessToken(UserClaims{UserID: "u1"})
	require.NoError(t, err)

	_, err = NewJWTManager("other", time.Minute).ValidateAccessToken(token)
	assert.Equal(t, ErrInvalidToken, err)

	_, err = m.ValidateAccessToken("not-a-token")
	assert.Equal(t, ErrInvalidToken, err)

	later := NewJWTManager("secret", time.Minute)
	later.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = later.ValidateAccessToken(token)
	assert.Equal(t, ErrTokenExpired, err)
}

func TestPasswordStrength(t *testing.T) {
	pm := NewPasswordManager(bcrypt.MinCost, 8)
	tests := []struct {
		password string
		ok       bool
	}{
		{"short1", false},
		{"allletters", false},
		{"12345678", false},
		{"letters123", true},
		{strings.Repeat("a1", 40), false},
	}
	for _, tt := range tests {
		t.Run(tt.password, func(t *testing.T) {
			err := pm.ValidatePasswordStrength(tt.password)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}

	hash, err := pm.HashPassword("letters123")
	require.NoError(t, err)
	assert.True(t, pm.VerifyPassword("letters123", hash))
	assert.False(t, pm.VerifyPassword("letters124", hash))
}

func TestService_RegisterAndLogin(t *testing.T) {
	svc, store := newTestAuth(t)
	ctx := context.Background()

	resp, err := svc.Register(ctx, RegisterRequest{Email: "Member@Example.com", Password: "pass1234"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, "member@example.com", resp.User.Email)
	assert.Equal(t, tiers.ZeroTierName, resp.User.Tier)
	assert.Len(t, resp.User.ReferralCode, 6)
	assert.False(t, resp.User.IsAdmin)

	acct, err := store.GetAccount(ctx, resp.User.ID)
	require.NoError(t, err)
	assert.True(t, acct.Principal.IsZero())

	login, err := svc.Login(ctx, LoginRequest{Email: "member@example.com", Password: "pass1234"})
	require.NoError(t, err)
	assert.Equal(t, resp.User.ID, login.User.ID)

	claims, err := svc.GetJWTManager().ValidateAccessToken(login.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, resp.User.ID, claims.UserID)

	_, err = svc.Login(ctx, LoginRequest{Email: "member@example.com", Password: "wrong1234"})
	assert.Equal(t, ErrInvalidCredentials, err)
	_, err = svc.Login(ctx, LoginRequest{Email: "nobody@example.com", Password: "pass1234"})
	assert.Equal(t, ErrInvalidCredentials, err)
}

func TestService_RegisterErrors(t *testing.T) {
	svc, _ := newTestAuth(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{Email: "a@example.com", Password: "weak"})
	var authErr AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, ErrWeakPassword.Code, authErr.Code)

	_, err = svc.Register(ctx, RegisterRequest{Email: "a@example.com", Password: "pass1234"})
	require.NoError(t, err)
	_, err = svc.Register(ctx, RegisterRequest{Email: "a@example.com", Password: "pass1234"})
	assert.ErrorIs(t, err, ledger.ErrAccountExists)

	_, err = svc.Register(ctx, RegisterRequest{Email: "b@example.com", Password: "pass1234", ReferralCode: "NOPE00"})
	assert.ErrorIs(t, err, ledger.ErrReferrerNotFound)
}

func TestService_SeedAdmin(t *testing.T) {
	svc, store := newTestAuth(t)
	ctx := context.Background()

	require.NoError(t, svc.SeedAdmin(ctx, "admin@example.com", "admin1234"))
	cred, err := store.GetCredentialByEmail(ctx, "admin@example.com")
	require.NoError(t, err)
	assert.True(t, cred.IsAdmin())

	// second run is a no-op
	require.NoError(t, svc.SeedAdmin(ctx, "admin@example.com", "admin1234"))

	login, err := svc.Login(ctx, LoginRequest{Email: "admin@example.com", Password: "admin1234"})
	require.NoError(t, err)
	assert.True(t, login.User.IsAdmin)

	assert.NoError(t, svc.SeedAdmin(ctx, "", ""))
}

func TestService_SetRole(t *testing.T) {
	svc, store := newTestAuth(t)
	ctx := context.Background()

	require.NoError(t, svc.SeedAdmin(ctx, "admin@example.com", "admin1234"))
	primary, err := store.GetCredentialByEmail(ctx, "admin@example.com")
	require.NoError(t, err)
	member, err := svc.Register(ctx, RegisterRequest{Email: "m@example.com", Password: "pass1234"})
	require.NoError(t, err)

	cred, err := svc.SetRole(ctx, member.User.ID, database.RoleAdmin)
	require.NoError(t, err)
	assert.True(t, cred.IsAdmin())

	login, err := svc.Login(ctx, LoginRequest{Email: "m@example.com", Password: "pass1234"})
	require.NoError(t, err)
	assert.True(t, login.User.IsAdmin)

	cred, err = svc.SetRole(ctx, member.User.ID, database.RoleUser)
	require.NoError(t, err)
	assert.False(t, cred.IsAdmin())

	tests := []struct {
		name    string
		id      string
		role    string
		wantErr error
	}{
		{"primary admin demotion", primary.AccountID, database.RoleUser, ErrPrimaryAdmin},
		{"unknown role", member.User.ID, "owner", ErrInvalidRole},
		{"unknown account", "missing", database.RoleAdmin, ErrAccountNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SetRole(ctx, tt.id, tt.role)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	still, err := store.GetCredential(ctx, primary.AccountID)
	require.NoError(t, err)
	assert.True(t, still.IsAdmin())
}

func TestMiddleware(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	member, _ := m.GenerateAccessToken(UserClaims{UserID: "u1"})
	admin, _ := m.GenerateAccessToken(UserClaims{UserID: "root", IsAdmin: true})

	r := gin.New()
	r.GET("/me", Middleware(m), func(c *gin.Context) {
		if claims := GetUserClaims(c); claims == nil || claims.UserID != GetUserID(c) {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, GetUserID(c))
	})
	r.GET("/admin", Middleware(m), RequireAdmin(), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	tests := []struct {
		name   string
		path   string
		header string
		status int
		body   string
	}{
		{"missing token", "/me", "", http.StatusUnauthorized, ""},
		{"bad scheme", "/me", "Basic abc", http.StatusUnauthorized, ""},
		{"bearer header", "/me", "Bearer " + member, http.StatusOK, "u1"},
		{"query token", "/me?token=" + member, "", http.StatusOK, "u1"},
		{"garbage token", "/me", "Bearer garbage", http.StatusUnauthorized, ""},
		{"member on admin route", "/admin", "Bearer " + member, http.StatusForbidden, ""},
		{"admin on admin route", "/admin", "Bearer " + admin, http.StatusOK, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, w.Body.String())
			}
		})
	}
}

func TestHandlers_StatusMapping(t *testing.T) {
	svc, _ := newTestAuth(t)
	r := gin.New()
	NewHandlers(svc).RegisterRoutes(r.Group("/api/auth"))

	post := func(path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusCreated, post("/api/auth/register", `{"email":"x@example.com","password":"pass1234"}`).Code)
	assert.Equal(t, http.StatusConflict, post("/api/auth/register", `{"email":"x@example.com","password":"pass1234"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post("/api/auth/register", `{"email":"not-an-email","password":"pass1234"}`).Code)
	assert.Equal(t, http.StatusNotFound, post("/api/auth/register", `{"email":"y@example.com","password":"pass1234","referral_code":"ZZZZZZ"}`).Code)
	assert.Equal(t, http.StatusOK, post("/api/auth/login", `{"email":"x@example.com","password":"pass1234"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, post("/api/auth/login", `{"email":"x@example.com","password":"nope12345"}`).Code)
}
