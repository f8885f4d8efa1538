// Package auth authenticates API clients with a bcrypt-hashed client secret
// and issues HS256 access tokens.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenTTL = time.Hour
	issuer          = "keybridge"
)

var (
	ErrInvalidClient = errors.New("invalid client credentials")
	ErrInvalidToken  = errors.New("invalid access token")
)

type Authenticator struct {
	clientID   string
	secretHash []byte
	signingKey []byte
	ttl        time.Duration
	now        func() time.Time
}

func NewAuthenticator(clientID, secretHash, signingKey string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Authenticator{
		clientID:   clientID,
		secretHash: []byte(secretHash),
		signingKey: []byte(signingKey),
		ttl:        ttl,
		now:        time.Now,
	}
}

// CheckClient compares the presented credentials with the configured client.
func (a *Authenticator) CheckClient(clientID, secret string) error {
	if len(a.secretHash) == 0 || clientID == "" {
		return ErrInvalidClient
	}
	if subtle.ConstantTimeCompare([]byte(clientID), []byte(a.clientID)) != 1 {
		return ErrInvalidClient
	}
	if err := bcrypt.CompareHashAndPassword(a.secretHash, []byte(secret)); err != nil {
		return ErrInvalidClient
	}
	return nil
}

func (a *Authenticator) IssueToken(clientID string) (string, time.Duration, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   clientID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.signingKey)
	if err != nil {
		return "", 0, err
	}
	return signed, a.ttl, nil
}

// VerifyToken returns the client id of a valid, unexpired token.
func (a *Authenticator) VerifyToken(token string) (string, error) {
	keyFunc := func(t *jwt.Token) (interface{}, error) {
		return a.signingKey, nil
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject != a.clientID {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// ExtractAccessToken returns the bearer token of the Authorization header.
func ExtractAccessToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}
