package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const testSecretKey = "unit-test-secret"

func signedToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func authProbe(t *testing.T) (http.Handler, *uuid.UUID) {
	t.Helper()
	var captured uuid.UUID
	handler := AuthMiddleware(testSecretKey)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := GetAuthUserID(r.Context())
		if !ok {
			t.Error("expected user id on context")
		}
		captured = userID
		w.WriteHeader(http.StatusOK)
	}))
	return handler, &captured
}

func TestAuthMiddlewareAcceptsValidToken(t *testing.T) {
	userID := uuid.New()
	token := signedToken(t, testSecretKey, jwt.MapClaims{
		"sub": userID.String(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	handler, captured := authProbe(t)
	req := httptest.NewRequest("GET", "/entitlement", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if *captured != userID {
		t.Fatalf("expected user id %s on context, got %s", userID, *captured)
	}
}

func TestAuthMiddlewareRejectsBadRequests(t *testing.T) {
	expired := signedToken(t, testSecretKey, jwt.MapClaims{
		"sub": uuid.New().String(),
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	wrongKey := signedToken(t, "some-other-secret", jwt.MapClaims{
		"sub": uuid.New().String(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	badSubject := signedToken(t, testSecretKey, jwt.MapClaims{
		"sub": "not-a-uuid",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc123"},
		{"expired token", "Bearer " + expired},
		{"wrong signing key", "Bearer " + wrongKey},
		{"subject not a uuid", "Bearer " + badSubject},
	}

	handler, _ := authProbe(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/entitlement", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestInternalKeyMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name      string
		configKey string
		presented string
		want      int
	}{
		{"valid key", "internal-key", "internal-key", http.StatusOK},
		{"wrong key", "internal-key", "guess", http.StatusForbidden},
		{"missing key", "internal-key", "", http.StatusForbidden},
		{"disabled when unconfigured", "", "anything", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := InternalKeyMiddleware(tt.configKey)(next)
			req := httptest.NewRequest("GET", "/internal/unmatched-deposits", nil)
			if tt.presented != "" {
				req.Header.Set("X-Internal-API-Key", tt.presented)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}
