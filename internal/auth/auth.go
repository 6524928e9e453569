package auth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// ConfigError marks verifier construction failures (bad or absent key
// material). It is deliberately distinct from credential errors: a
// misconfigured verifier must fail the process at boot, never surface as a
// per-request 401.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "auth configuration error: " + e.Reason
}

// ConnKind classifies an authenticated connection.
type ConnKind string

const (
	KindPeer    ConnKind = "peer"
	KindStation ConnKind = "station"
	KindAdmin   ConnKind = "admin"
)

// Claims is the verified identity attached to a connection.
type Claims struct {
	UserID    string
	SessionID string
	Kind      ConnKind
	ExpiresAt time.Time
}

type Verifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// CredentialFromRequest extracts a bearer token from an HTTP request:
// Authorization header (preferred) or ?token= query fallback for WebSocket
// clients that cannot set headers.
func CredentialFromRequest(r *http.Request) (string, error) {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		const prefix = "Bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):]), nil
		}
		return "", ErrInvalidCredentials
	}
	return CredentialFromQuery(r.URL.Query())
}

func CredentialFromQuery(q url.Values) (string, error) {
	if token := strings.TrimSpace(q.Get("token")); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}

// IsUnauthorized reports whether err should be treated as an authentication
// failure (as opposed to a server-side fault).
func IsUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrMissingCredentials) || errors.Is(err, ErrInvalidCredentials)
}
