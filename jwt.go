package liveq

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims of the application's auth token, read without verification.
// verification is the server's job; the client only inspects the token for
// logging and to avoid resending one that is already expired.
type AuthToken struct {
	Subject   string
	Issuer    string
	ExpiresAt time.Time
}

func ParseAuthTokenUnverified(token string) (*AuthToken, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	authToken := &AuthToken{}
	if subject, err := claims.GetSubject(); err == nil {
		authToken.Subject = subject
	}
	if issuer, err := claims.GetIssuer(); err == nil {
		authToken.Issuer = issuer
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		authToken.ExpiresAt = expiresAt.Time
	}
	return authToken, nil
}

func (self *AuthToken) Expired() bool {
	return !self.ExpiresAt.IsZero() && self.ExpiresAt.Before(time.Now())
}
