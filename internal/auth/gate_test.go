package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-for-testing-only"

func signClaims(t *testing.T, secret string, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func TestAuthenticate(t *testing.T) {
	gate := NewGate(testSecret)
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))
	past := jwt.NewNumericDate(time.Now().Add(-time.Hour))

	tests := []struct {
		name     string
		token    string
		wantKind error
		wantCode int
		wantUser int64
	}{
		{
			name:     "missing",
			token:    "",
			wantKind: ErrTokenMissing,
			wantCode: CloseAuthRequired,
		},
		{
			name:     "garbage",
			token:    "not-a-jwt",
			wantKind: ErrTokenMalformed,
			wantCode: CloseInvalidFormat,
		},
		{
			name: "no user block",
			token: signClaims(t, testSecret, jwt.MapClaims{
				"sub": "12",
				"exp": future.Unix(),
			}),
			wantKind: ErrTokenMalformed,
			wantCode: CloseInvalidFormat,
		},
		{
			name: "wrong secret",
			token: signClaims(t, "other-secret", &Claims{
				User:             &UserClaim{ID: 12},
				RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future},
			}),
			wantKind: ErrTokenInvalid,
			wantCode: CloseInvalidAuth,
		},
		{
			name: "expired",
			token: signClaims(t, testSecret, &Claims{
				User:             &UserClaim{ID: 12},
				RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: past},
			}),
			wantKind: ErrTokenInvalid,
			wantCode: CloseInvalidAuth,
		},
		{
			name: "numeric id",
			token: signClaims(t, testSecret, &Claims{
				User:             &UserClaim{ID: 12},
				RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future},
			}),
			wantUser: 12,
		},
		{
			name: "string id",
			token: signClaims(t, testSecret, &Claims{
				User:             &UserClaim{ID: "12345"},
				RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future},
			}),
			wantUser: 12345,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := gate.Authenticate(tt.token)
			if tt.wantKind == nil {
				if err != nil {
					t.Fatalf("Authenticate() unexpected error: %v", err)
				}
				if id.UserID != tt.wantUser {
					t.Errorf("UserID = %d, want %d", id.UserID, tt.wantUser)
				}
				return
			}

			if !errors.Is(err, tt.wantKind) {
				t.Fatalf("Authenticate() error = %v, want %v", err, tt.wantKind)
			}
			var rej *RejectionError
			if !errors.As(err, &rej) {
				t.Fatalf("error %T is not a *RejectionError", err)
			}
			if rej.CloseCode() != tt.wantCode {
				t.Errorf("CloseCode() = %d, want %d", rej.CloseCode(), tt.wantCode)
			}
		})
	}
}

func TestRejectionReasonIncludesCause(t *testing.T) {
	gate := NewGate(testSecret)
	token := signClaims(t, testSecret, &Claims{
		User:             &UserClaim{ID: 3},
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
	})

	_, err := gate.Authenticate(token)
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected rejection, got %v", err)
	}
	reason := rej.CloseReason()
	if !strings.HasPrefix(reason, "Invalid authentication: ") {
		t.Errorf("CloseReason() = %q, want prefix %q", reason, "Invalid authentication: ")
	}
	if !strings.Contains(reason, "expired") {
		t.Errorf("CloseReason() = %q, want mention of expiry", reason)
	}
	if len(reason) > 123 {
		t.Errorf("CloseReason() is %d bytes, exceeds close frame limit", len(reason))
	}
}

func TestRejectionReasonTruncatesOnRuneBoundary(t *testing.T) {
	// "Invalid authentication: " is 24 bytes; two-byte runes after it put
	// the 123 byte limit inside a rune.
	rej := &RejectionError{Kind: ErrTokenInvalid, Cause: errors.New(strings.Repeat("é", 100))}

	reason := rej.CloseReason()
	if len(reason) > maxCloseReason {
		t.Errorf("CloseReason() is %d bytes, exceeds close frame limit", len(reason))
	}
	if !utf8.ValidString(reason) {
		t.Errorf("CloseReason() = %q, not valid UTF-8", reason)
	}
	if len(reason) != 122 {
		t.Errorf("CloseReason() is %d bytes, want 122", len(reason))
	}
}

func TestIssueRoundTrip(t *testing.T) {
	gate := NewGate(testSecret)
	token, err := gate.Issue(77, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	id, err := gate.Authenticate(token)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if id.UserID != 77 {
		t.Errorf("UserID = %d, want 77", id.UserID)
	}
}

func TestIsAuthCloseCode(t *testing.T) {
	for _, code := range []int{CloseAuthRequired, CloseInvalidAuth, CloseInvalidFormat} {
		if !IsAuthCloseCode(code) {
			t.Errorf("IsAuthCloseCode(%d) = false", code)
		}
	}
	if IsAuthCloseCode(1006) {
		t.Error("IsAuthCloseCode(1006) = true")
	}
}
