package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the single WES session token's claim set: sub/iat/exp only
// — there is no refresh token, since Sapporo-mode sessions are
// short-lived bearers reissued by calling POST /token again.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTService issues and verifies local HS256 session tokens for the
// Sapporo (local) auth mode.
type JWTService struct {
	secretKey []byte
	issuer    string
}

// NewJWTService constructs a JWTService signing with secretKey.
func NewJWTService(secretKey, issuer string) *JWTService {
	return &JWTService{secretKey: []byte(secretKey), issuer: issuer}
}

// IssueToken signs a token for username. A nil expiresAt produces a
// non-expiring token, which callers MUST reject outside debug builds.
func (j *JWTService) IssueToken(username string, expiresAt *time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
			Issuer:   j.issuer,
			Subject:  username,
		},
	}
	if expiresAt != nil {
		claims.ExpiresAt = jwt.NewNumericDate(*expiresAt)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secretKey)
}

// ValidateToken verifies signature and expiry, rejecting any algorithm
// other than HMAC (key-confusion guard, mirrored in external mode by
// rejecting the opposite family — see oidc.go).
func (j *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return j.secretKey, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}
