// Package auth validates the HS256 service tokens presented by trusted
// callers (the bot front-end). End-user identity lives with the callers;
// this API only authenticates services.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid service token")

type Service interface {
	ValidateToken(token string) (string, error)
	IssueToken(serviceName string, ttl time.Duration) (string, error)
}

type service struct {
	secret []byte
}

func NewService(secret string) *service {
	return &service{secret: []byte(secret)}
}

var _ Service = (*service)(nil)

// IssueToken signs a token whose subject is the calling service's name.
// Used by ops tooling and tests; production tokens are issued out of band.
func (s *service) IssueToken(serviceName string, ttl time.Duration) (string, error) {
	c := jwt.RegisteredClaims{
		Subject:   serviceName,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

// ValidateToken verifies the signature and expiry and returns the service
// name from the subject claim.
func (s *service) ValidateToken(token string) (string, error) {
	tok, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}
	c, ok := tok.Claims.(*jwt.RegisteredClaims)
	if !ok || !tok.Valid || c.Subject == "" {
		return "", ErrInvalidToken
	}
	return c.Subject, nil
}
