package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalid = errors.New("invalid token")

// Claims identifies the user a session token was issued to.
type Claims struct {
	Username string `json:"username"`
	Provider string `json:"provider,omitempty"` // e.g. github
	jwt.RegisteredClaims
}

// Issuer signs session tokens. The mock backend uses it; the client only inspects tokens.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

func NewIssuer(secret string) *Issuer {
	if secret == "" {
		secret = "change-me-secret"
	}
	return &Issuer{secret: []byte(secret), now: time.Now}
}

func (i *Issuer) Generate(username string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Parse verifies the signature and expiry of tokenStr.
func (i *Issuer) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil || !token.Valid {
		return nil, ErrInvalid
	}
	if claims, ok := token.Claims.(*Claims); ok {
		return claims, nil
	}
	return nil, ErrInvalid
}

// Inspect decodes a token without verifying its signature and rejects expired ones.
func Inspect(tokenStr string, now time.Time) (*Claims, error) {
	if tokenStr == "" {
		return nil, ErrInvalid
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return nil, ErrInvalid
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return nil, ErrInvalid
	}
	return claims, nil
}

// Authenticated reports whether tokenStr is a well-formed, unexpired session token.
func Authenticated(tokenStr string) bool {
	_, err := Inspect(tokenStr, time.Now())
	return err == nil
}
