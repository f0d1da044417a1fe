package security

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestCSRFManager_GenerateToken(t *testing.T) {
	manager := NewCSRFManager("test-secret-key", 24*time.Hour)

	token, err := manager.GenerateToken("session-123")
	if err != nil {
		t.Fatalf("Failed to generate CSRF token: %v", err)
	}
	if token == "" {
		t.Error("Generated token should not be empty")
	}
}

func TestCSRFManager_ValidateToken_Success(t *testing.T) {
	manager := NewCSRFManager("test-secret-key", 24*time.Hour)
	sessionID := "session-123"

	token, err := manager.GenerateToken(sessionID)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if err := manager.ValidateToken(token, sessionID); err != nil {
		t.Errorf("Token validation failed: %v", err)
	}
}

func TestCSRFManager_ValidateToken_WrongSession(t *testing.T) {
	manager := NewCSRFManager("test-secret-key", 24*time.Hour)

	token, _ := manager.GenerateToken("session-123")

	if err := manager.ValidateToken(token, "session-456"); err != ErrInvalidToken {
		t.Errorf("Expected ErrInvalidToken, got: %v", err)
	}
}

func TestCSRFManager_ValidateToken_Expired(t *testing.T) {
	manager := NewCSRFManager("test-secret-key", time.Minute)
	issued := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return issued }

	token, err := manager.GenerateToken("session-123")
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	manager.now = func() time.Time { return issued.Add(2 * time.Minute) }
	if err := manager.ValidateToken(token, "session-123"); err != ErrExpiredToken {
		t.Errorf("Expected ErrExpiredToken, got: %v", err)
	}
}

func TestCSRFManager_ValidateToken_InvalidFormat(t *testing.T) {
	manager := NewCSRFManager("test-secret-key", 24*time.Hour)

	tests := []struct {
		name  string
		token string
	}{
		{"Empty token", ""},
		{"Random string", "not-a-valid-token"},
		{"Invalid base64", "!!!invalid!!!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := manager.ValidateToken(tt.token, "session-123"); err == nil {
				t.Error("Expected validation to fail for invalid token")
			}
		})
	}
}

func TestCSRFManager_ValidateToken_WrongSecret(t *testing.T) {
	manager1 := NewCSRFManager("secret-1", 24*time.Hour)
	manager2 := NewCSRFManager("secret-2", 24*time.Hour)

	token, _ := manager1.GenerateToken("session-123")

	if err := manager2.ValidateToken(token, "session-123"); err != ErrInvalidToken {
		t.Errorf("Expected ErrInvalidToken when using wrong secret, got: %v", err)
	}
}

func TestCSRFManager_TokenUniqueness(t *testing.T) {
	manager := NewCSRFManager("test-secret-key", 24*time.Hour)

	token1, _ := manager.GenerateToken(AnonymousBinding)
	token2, _ := manager.GenerateToken(AnonymousBinding)
	if token1 == token2 {
		t.Error("Generated tokens should be unique even for same binding")
	}
	if err := manager.ValidateToken(token1, AnonymousBinding); err != nil {
		t.Errorf("Token 1 should be valid: %v", err)
	}
	if err := manager.ValidateToken(token2, AnonymousBinding); err != nil {
		t.Errorf("Token 2 should be valid: %v", err)
	}
}

func TestCSRFManager_Check(t *testing.T) {
	manager := NewCSRFManager("test-secret-key", time.Hour)
	token, _ := manager.GenerateToken("sid")

	form := url.Values{CSRFField: {token}}
	r := httptest.NewRequest("POST", "/verify", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if err := manager.Check(r, "sid"); err != nil {
		t.Errorf("form token rejected: %v", err)
	}

	r = httptest.NewRequest("POST", "/verify", nil)
	r.Header.Set(CSRFHeader, token)
	if err := manager.Check(r, "sid"); err != nil {
		t.Errorf("header token rejected: %v", err)
	}

	r = httptest.NewRequest("POST", "/verify", nil)
	if err := manager.Check(r, "sid"); err != ErrMissingToken {
		t.Errorf("Expected ErrMissingToken, got: %v", err)
	}
}
