package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/stationlink/signaling/internal/config"
)

// defaultAsymmetricAlgs is the algorithm allow-list used for the JWKS and
// static-public-key strategies. HS256 is only accepted when the verifier is
// explicitly built from a shared symmetric secret.
var defaultAsymmetricAlgs = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

type jwtVerifier struct {
	keyfunc jwt.Keyfunc
	methods []string

	issuer   string
	audience []string
	leeway   time.Duration

	now func() time.Time
}

// NewVerifier builds the token verifier from configuration. Key-resolution
// strategies are tried in fixed priority: remote JWKS, static public key,
// shared symmetric secret. Construction fails with a *ConfigError when no
// strategy is configured or the configured key material cannot be parsed.
//
// The provided context bounds the lifetime of the background JWKS refresh;
// cancel it on shutdown.
func NewVerifier(ctx context.Context, cfg config.AuthConfig) (Verifier, error) {
	v := jwtVerifier{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		leeway:   cfg.ClockSkew,
		now:      time.Now,
	}

	switch {
	case strings.TrimSpace(cfg.JWKSURL) != "":
		kf, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURL})
		if err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("fetch jwks %q: %v", cfg.JWKSURL, err)}
		}
		v.keyfunc = kf.Keyfunc
		v.methods = defaultAsymmetricAlgs

	case strings.TrimSpace(cfg.PublicKeyPEM) != "":
		key, alg, err := parsePublicKey(cfg.PublicKeyPEM, cfg.PublicKeyAlg)
		if err != nil {
			return nil, err
		}
		v.keyfunc = func(*jwt.Token) (any, error) { return key, nil }
		v.methods = []string{alg}

	case strings.TrimSpace(cfg.Secret) != "":
		secret := []byte(cfg.Secret)
		v.keyfunc = func(*jwt.Token) (any, error) { return secret, nil }
		v.methods = []string{"HS256"}

	default:
		return nil, &ConfigError{Reason: "no key material configured (need JWKS URL, public key, or secret)"}
	}

	return v, nil
}

func parsePublicKey(pem, alg string) (any, string, error) {
	alg = strings.TrimSpace(alg)
	if alg == "" {
		return nil, "", &ConfigError{Reason: "public key configured without an algorithm"}
	}

	var (
		key any
		err error
	)
	switch {
	case strings.HasPrefix(alg, "RS"), strings.HasPrefix(alg, "PS"):
		key, err = jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
	case strings.HasPrefix(alg, "ES"):
		key, err = jwt.ParseECPublicKeyFromPEM([]byte(pem))
	case alg == "EdDSA":
		key, err = jwt.ParseEdPublicKeyFromPEM([]byte(pem))
	default:
		return nil, "", &ConfigError{Reason: fmt.Sprintf("unsupported public key algorithm %q", alg)}
	}
	if err != nil {
		return nil, "", &ConfigError{Reason: fmt.Sprintf("parse public key for %s: %v", alg, err)}
	}
	if !algInAllowList(alg) {
		return nil, "", &ConfigError{Reason: fmt.Sprintf("algorithm %q is not in the asymmetric allow-list", alg)}
	}
	return key, alg, nil
}

func algInAllowList(alg string) bool {
	for _, a := range defaultAsymmetricAlgs {
		if a == alg {
			return true
		}
	}
	return false
}

type tokenClaims struct {
	SessionID string `json:"sid,omitempty"`
	Role      string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func (v jwtVerifier) Verify(ctx context.Context, token string) (Claims, error) {
	if strings.TrimSpace(token) == "" {
		return Claims{}, ErrMissingCredentials
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, v.keyfunc, opts...)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if !parsed.Valid {
		return Claims{}, ErrInvalidCredentials
	}

	// Audience accepts "any of" the configured values; golang-jwt's WithAudience
	// matches a single value only.
	if len(v.audience) > 0 && !audienceMatches(claims.Audience, v.audience) {
		return Claims{}, fmt.Errorf("%w: audience mismatch", ErrInvalidCredentials)
	}

	if claims.Subject == "" {
		return Claims{}, fmt.Errorf("%w: missing sub claim", ErrInvalidCredentials)
	}
	if claims.SessionID == "" {
		return Claims{}, fmt.Errorf("%w: missing sid claim", ErrInvalidCredentials)
	}

	out := Claims{
		UserID:    claims.Subject,
		SessionID: claims.SessionID,
		Kind:      kindFromRole(claims.Role),
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

func audienceMatches(got jwt.ClaimStrings, want []string) bool {
	for _, g := range got {
		for _, w := range want {
			if g == w {
				return true
			}
		}
	}
	return false
}

func kindFromRole(role string) ConnKind {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case string(KindStation):
		return KindStation
	case string(KindAdmin):
		return KindAdmin
	default:
		return KindPeer
	}
}
