// Package auth validates bearer credentials presented by clients.
package auth

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
)

// Websocket close codes sent when a handshake credential is rejected.
const (
	CloseAuthRequired  = 4001
	CloseInvalidAuth   = 4002
	CloseInvalidFormat = 4003
)

// Close frames carry at most 123 bytes of reason.
const maxCloseReason = 123

var (
	// ErrTokenMissing means no credential was presented.
	ErrTokenMissing = errors.New("authentication required")
	// ErrTokenMalformed means the credential could not be decoded or
	// carries no user identity.
	ErrTokenMalformed = errors.New("invalid token format")
	// ErrTokenInvalid means the credential decoded but failed verification.
	ErrTokenInvalid = errors.New("invalid authentication")
)

// RejectionError describes why a credential was refused.
type RejectionError struct {
	Kind  error
	Cause error
}

func (e *RejectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
	}
	return e.Kind.Error()
}

func (e *RejectionError) Unwrap() error { return e.Kind }

// CloseCode maps the rejection to its websocket close code.
func (e *RejectionError) CloseCode() int {
	switch {
	case errors.Is(e.Kind, ErrTokenMissing):
		return CloseAuthRequired
	case errors.Is(e.Kind, ErrTokenMalformed):
		return CloseInvalidFormat
	default:
		return CloseInvalidAuth
	}
}

// CloseReason is the human readable close reason.
func (e *RejectionError) CloseReason() string {
	switch {
	case errors.Is(e.Kind, ErrTokenMissing):
		return "Authentication required"
	case errors.Is(e.Kind, ErrTokenMalformed):
		return "Invalid token format"
	default:
		reason := "Invalid authentication"
		if e.Cause != nil {
			reason += ": " + e.Cause.Error()
		}
		return truncateReason(reason)
	}
}

// IsAuthCloseCode reports whether a close code was sent by the gate.
func IsAuthCloseCode(code int) bool {
	return code == CloseAuthRequired || code == CloseInvalidAuth || code == CloseInvalidFormat
}

// UserClaim is the user block embedded by the auth service.
type UserClaim struct {
	ID any `json:"id"`
}

// Claims represents JWT claims.
type Claims struct {
	User *UserClaim `json:"user"`
	jwt.RegisteredClaims
}

// UserID extracts a positive numeric user id. The auth service has issued
// both JSON numbers and numeric strings.
func (c *Claims) UserID() (int64, error) {
	if c.User == nil || c.User.ID == nil {
		return 0, errors.New("missing user id")
	}
	switch v := c.User.ID.(type) {
	case float64:
		if v <= 0 || v != math.Trunc(v) || v > math.MaxInt64 {
			return 0, fmt.Errorf("user id %v is not a positive integer", v)
		}
		return int64(v), nil
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || id <= 0 {
			return 0, fmt.Errorf("user id %q is not a positive integer", v)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("unsupported user id type %T", v)
	}
}

// Identity is an authenticated caller.
type Identity struct {
	UserID int64
}

// Gate verifies HS256 credentials.
type Gate struct {
	secret []byte
	parser *jwt.Parser
	now    func() time.Time
}

// NewGate creates a gate for the shared signing secret.
func NewGate(secret string) *Gate {
	return &Gate{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name})),
		now:    time.Now,
	}
}

// Authenticate validates a raw credential. Failures are *RejectionError.
func (g *Gate) Authenticate(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, &RejectionError{Kind: ErrTokenMissing}
	}

	// Structural decode first so a garbage token is distinguishable from a
	// well-formed token with a bad signature.
	unverified := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, unverified); err != nil {
		return Identity{}, &RejectionError{Kind: ErrTokenMalformed, Cause: err}
	}
	if _, err := unverified.UserID(); err != nil {
		return Identity{}, &RejectionError{Kind: ErrTokenMalformed, Cause: err}
	}

	claims := &Claims{}
	token, err := g.parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return g.secret, nil
	})
	if err != nil || !token.Valid {
		if err == nil {
			err = jwt.ErrTokenUnverifiable
		}
		return Identity{}, &RejectionError{Kind: ErrTokenInvalid, Cause: err}
	}

	userID, err := claims.UserID()
	if err != nil {
		return Identity{}, &RejectionError{Kind: ErrTokenMalformed, Cause: err}
	}

	return Identity{UserID: userID}, nil
}

// Issue signs a credential for userID. The auth service owns issuance in
// production; this exists for tooling and tests.
func (g *Gate) Issue(userID int64, ttl time.Duration) (string, error) {
	now := g.now()
	claims := &Claims{
		User: &UserClaim{ID: userID},
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
}

// truncateReason cuts reason to the close frame limit on a rune boundary.
func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	n := maxCloseReason
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}
