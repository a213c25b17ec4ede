package stashserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mobiletoly/go-stashsync/internal/auth"
)

func TestJWTAuth_GenerateToken(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	userID := "test-user-123"
	deviceID := "test-device-456"
	duration := time.Hour

	token, err := jwtAuth.GenerateToken(userID, deviceID, duration)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if token == "" {
		t.Error("Generated token should not be empty")
	}

	claims, err := jwtAuth.ValidateToken(token)
	if err != nil {
		t.Fatalf("Failed to validate generated token: %v", err)
	}
	if claims.DeviceID != deviceID {
		t.Errorf("Expected device %s, got %s", deviceID, claims.DeviceID)
	}
	if claims.Subject != userID {
		t.Errorf("Expected user_id %s, got %s", userID, claims.Subject)
	}
	if claims.Issuer != "go-stashsync" {
		t.Errorf("Expected issuer 'go-stashsync', got %s", claims.Issuer)
	}
	if claims.ExpiresAt == nil {
		t.Fatal("Token should have expiration time")
	}

	expectedExpiry := time.Now().Add(duration)
	if diff := claims.ExpiresAt.Time.Sub(expectedExpiry).Abs(); diff > 2*time.Second {
		t.Errorf("Token expiry differs by %v", diff)
	}
}

func TestJWTAuth_ValidateToken_InvalidSecret(t *testing.T) {
	token, err := NewJWTAuth("secret-1").GenerateToken("test-user", "test-device", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if _, err := NewJWTAuth("secret-2").ValidateToken(token); err == nil {
		t.Error("Expected validation to fail with different secret")
	}
}

func TestJWTAuth_ValidateToken_ExpiredToken(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("test-user", "test-device", -time.Minute)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if _, err := jwtAuth.ValidateToken(token); err == nil {
		t.Error("Expected validation to fail for expired token")
	}
}

func TestJWTAuth_ValidateToken_MalformedToken(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	testCases := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"invalid format", "not.a.jwt"},
		{"random string", "random-string"},
		{"partial token", "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := jwtAuth.ValidateToken(tc.token); err == nil {
				t.Errorf("Expected validation to fail for %s", tc.name)
			}
		})
	}
}

func TestJWTAuth_ValidateToken_MissingSubject(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	claims := &JWTClaims{
		DeviceID: "test-device",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jwtAuth.secret)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	if _, err := jwtAuth.ValidateToken(tokenString); err == nil {
		t.Error("Expected validation to fail for missing subject")
	}
}

func TestJWTAuth_DeviceIsOptional(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("user-1", "", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	claims, err := jwtAuth.ValidateToken(token)
	if err != nil {
		t.Fatalf("Failed to validate token: %v", err)
	}
	if claims.Subject != "user-1" || claims.DeviceID != "" {
		t.Errorf("Unexpected claims: sub=%s did=%s", claims.Subject, claims.DeviceID)
	}
}

func TestJWTAuth_Middleware(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	var gotScope string
	handler := jwtAuth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotScope, _ = auth.GetScope(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	token, err := jwtAuth.GenerateToken("user-42", "phone", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	testCases := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer " + token, http.StatusNoContent},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/bags", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Errorf("Expected status %d, got %d", tc.status, rec.Code)
			}
		})
	}
	if gotScope != "user-42" {
		t.Errorf("Expected scope user-42 in request context, got %q", gotScope)
	}
}
