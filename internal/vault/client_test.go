package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/vyaesop/eeee/config"
)

func TestClient_DisabledUsesLocalStore(t *testing.T) {
	c, err := NewClient(config.VaultConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	ctx := context.Background()

	got, err := c.LoadSecrets(ctx, Secrets{JWTSecret: "from-config", CronSecret: "cron-config"})
	if err != nil {
		t.Fatalf("LoadSecrets() error = %v", err)
	}
	if got.JWTSecret != "from-config" || got.CronSecret != "cron-config" {
		t.Errorf("LoadSecrets() = %+v, want config fallbacks", got)
	}

	if err := c.StoreSecrets(ctx, map[string]string{KeyJWTSecret: "stored"}); err != nil {
		t.Fatalf("StoreSecrets() error = %v", err)
	}
	got, _ = c.LoadSecrets(ctx, Secrets{JWTSecret: "from-config", CronSecret: "cron-config"})
	if got.JWTSecret != "stored" || got.CronSecret != "cron-config" {
		t.Errorf("LoadSecrets() = %+v", got)
	}

	if err := c.Health(ctx); err != nil {
		t.Errorf("Health() error = %v", err)
	}
}

func TestClient_ReadsKVv2(t *testing.T) {
	var reads int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/membership-ledger" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Vault-Token") != "root" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		atomic.AddInt32(&reads, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"data":     map[string]interface{}{KeyJWTSecret: "vault-jwt"},
				"metadata": map[string]interface{}{"version": 1},
			},
		})
	}))
	defer srv.Close()

	c, err := NewClient(config.VaultConfig{Enabled: true, Address: srv.URL, Token: "root"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	got, err := c.LoadSecrets(context.Background(), Secrets{JWTSecret: "fallback", CronSecret: "cron-fallback"})
	if err != nil {
		t.Fatalf("LoadSecrets() error = %v", err)
	}
	if got.JWTSecret != "vault-jwt" {
		t.Errorf("JWTSecret = %q, want vault-jwt", got.JWTSecret)
	}
	if got.CronSecret != "cron-fallback" {
		t.Errorf("CronSecret = %q, want fallback", got.CronSecret)
	}

	// cron_secret is absent so the second lookup goes back to Vault
	if n := atomic.LoadInt32(&reads); n != 2 {
		t.Errorf("vault reads = %d, want 2", n)
	}

	c.ClearCache()
	if _, err := c.GetSecret(context.Background(), KeyJWTSecret); err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if n := atomic.LoadInt32(&reads); n != 3 {
		t.Errorf("vault reads after ClearCache = %d, want 3", n)
	}
}

func TestClient_ReadError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
	}))
	defer srv.Close()

	c, err := NewClient(config.VaultConfig{Enabled: true, Address: srv.URL, Token: "bad"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	got, err := c.LoadSecrets(context.Background(), Secrets{JWTSecret: "fallback"})
	if err == nil {
		t.Fatal("LoadSecrets() expected error")
	}
	if got.JWTSecret != "fallback" {
		t.Errorf("JWTSecret = %q, want fallback on error", got.JWTSecret)
	}
}
