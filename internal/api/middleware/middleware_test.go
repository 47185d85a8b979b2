package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"
)

func actorEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(GetActor(r.Context())))
	})
}

func sign(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestJWTAuth(t *testing.T) {
	secret := []byte("test-secret")
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))

	tests := []struct {
		name   string
		header string
		status int
		actor  string
	}{
		{"missing", "", http.StatusUnauthorized, ""},
		{"valid", "Bearer " + sign(t, secret, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "pharm-7", ExpiresAt: future}}), http.StatusOK, "pharm-7"},
		{"wrong secret", "Bearer " + sign(t, []byte("other"), Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "pharm-7", ExpiresAt: future}}), http.StatusUnauthorized, ""},
		{"expired", "Bearer " + sign(t, secret, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "pharm-7", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))}}), http.StatusUnauthorized, ""},
		{"no expiry", "Bearer " + sign(t, secret, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "pharm-7"}}), http.StatusUnauthorized, ""},
		{"no subject", "Bearer " + sign(t, secret, Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future}}), http.StatusUnauthorized, ""},
	}

	h := JWTAuth(secret)(actorEcho())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if tt.actor != "" && rec.Body.String() != tt.actor {
				t.Errorf("actor = %q, want %q", rec.Body.String(), tt.actor)
			}
		})
	}
}

func TestAPIKeyAuth(t *testing.T) {
	h := APIKeyAuth(map[string]string{"k1": "pos-terminal"})(actorEcho())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "k1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "client:pos-terminal" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "nope")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequestIDAndRecover(t *testing.T) {
	panicky := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	h := RequestID(Recover(zaptest.NewLogger(t))(panicky))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") != "req-1" {
		t.Errorf("request id not echoed")
	}
}

func TestGetActorDefaultsToAnonymous(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := GetActor(req.Context()); got != "anonymous" {
		t.Errorf("got %q", got)
	}
}
