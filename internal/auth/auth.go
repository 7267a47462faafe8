package auth

import (
	"context"
	"errors"
	"time"

	"apex-build/internal/wes"
)

// ErrInvalidCredentials is returned by Sapporo-mode login on a bad
// username/password pair.
var ErrInvalidCredentials = errors.New("invalid username or password")

// Authenticator is the single entry point the router depends on,
// regardless of which of the two mutually exclusive modes is active
// (spec §4.5). Disabled mode (AuthEnabled == false) is handled by the
// router skipping Authenticator entirely, not by a third Authenticator
// implementation.
type Authenticator struct {
	cfg      wes.AuthConfig
	jwt      *JWTService
	password *PasswordService
	external *ExternalVerifier
}

// New builds an Authenticator from cfg. In external mode it eagerly
// constructs the JWKS verifier (but does not fetch anything yet — the
// first Verify call populates the caches).
func New(cfg wes.AuthConfig, allowInsecureIdp bool) (*Authenticator, error) {
	a := &Authenticator{cfg: cfg, password: NewPasswordService()}

	if !cfg.AuthEnabled {
		return a, nil
	}

	switch cfg.IdpProvider {
	case "sapporo":
		a.jwt = NewJWTService(cfg.SapporoAuthConfig.SecretKey, "wes-run-manager")
	case "external":
		v, err := NewExternalVerifier(cfg.ExternalConfig.IdpURL, cfg.ExternalConfig.JWTAudience, allowInsecureIdp)
		if err != nil {
			return nil, err
		}
		a.external = v
	default:
		return nil, errors.New("idp_provider must be one of sapporo, external")
	}

	return a, nil
}

// Login verifies username/password against the configured Sapporo
// user list and issues a session token. Only valid when idp_provider
// is sapporo.
func (a *Authenticator) Login(username, password string) (string, error) {
	if a.jwt == nil {
		return "", errors.New("login is only available in sapporo auth mode")
	}

	var match *wes.SapporoUser
	for i := range a.cfg.SapporoAuthConfig.Users {
		if a.cfg.SapporoAuthConfig.Users[i].Username == username {
			match = &a.cfg.SapporoAuthConfig.Users[i]
			break
		}
	}
	if match == nil {
		return "", ErrInvalidCredentials
	}

	ok, err := a.password.VerifyPassword(password, match.PasswordHash)
	if err != nil || !ok {
		return "", ErrInvalidCredentials
	}

	var expiresAt *time.Time
	if a.cfg.SapporoAuthConfig.ExpiresDeltaHours != nil {
		t := time.Now().Add(time.Duration(*a.cfg.SapporoAuthConfig.ExpiresDeltaHours * float64(time.Hour)))
		expiresAt = &t
	}

	return a.jwt.IssueToken(username, expiresAt)
}

// Verify checks tokenString under whichever mode is active and
// returns the bound username.
func (a *Authenticator) Verify(ctx context.Context, tokenString string) (string, error) {
	if a.jwt != nil {
		claims, err := a.jwt.ValidateToken(tokenString)
		if err != nil {
			return "", err
		}
		return claims.Subject, nil
	}
	return a.external.Verify(ctx, tokenString)
}

// Enabled reports whether auth is configured at all.
func (a *Authenticator) Enabled() bool {
	return a.cfg.AuthEnabled
}
