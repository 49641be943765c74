package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	warperrors "github.com/mirkobrombin/go-taskwarp/v1/errors"
)

const (
	DefaultIssuer   = "taskwarp-server"
	DefaultAudience = "taskwarp-client"
)

// Signer mints bearer tokens for new sessions. The token is only a lookup key:
// the session store remains the authority on whether it is still valid.
type Signer interface {
	Mint(id Identity, now time.Time) (string, error)
}

// Verifier is implemented by signers whose tokens can be rejected before the
// store is consulted.
type Verifier interface {
	Verify(token string, now time.Time) (*Claims, error)
}

// OpaqueSigner mints random UUID tokens.
type OpaqueSigner struct{}

// Mint implements Signer.
func (OpaqueSigner) Mint(Identity, time.Time) (string, error) {
	return uuid.NewString(), nil
}

// Claims is the payload of tokens minted by JWTSigner.
type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	jwt.RegisteredClaims
}

// JWTSigner mints HS256 JSON Web Tokens.
type JWTSigner struct {
	Secret     []byte
	Expiration time.Duration
	Issuer     string
	Audience   string
}

// NewJWTSigner returns a JWTSigner with the default issuer and audience.
func NewJWTSigner(secret []byte, expiration time.Duration) *JWTSigner {
	return &JWTSigner{Secret: secret, Expiration: expiration, Issuer: DefaultIssuer, Audience: DefaultAudience}
}

// Mint implements Signer. Every token carries a unique id so two sessions of
// the same user opened in the same second still get distinct tokens.
func (s *JWTSigner) Mint(id Identity, now time.Time) (string, error) {
	if len(s.Secret) == 0 {
		return "", fmt.Errorf("jwt secret is not configured")
	}
	claims := Claims{
		UserID: id.UserID,
		Email:  id.Email,
		Name:   id.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   id.UserID,
			Issuer:    s.Issuer,
			Audience:  jwt.ClaimStrings{s.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if s.Expiration > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.Expiration))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
}

// Verify checks the signature, issuer, audience and validity window of token
// at now and returns its claims.
func (s *JWTSigner) Verify(token string, now time.Time) (*Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.Issuer),
		jwt.WithAudience(s.Audience),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil || !parsed.Valid {
		return nil, warperrors.ErrUnauthenticated
	}
	return &claims, nil
}
