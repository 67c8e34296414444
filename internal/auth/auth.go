// Package auth validates the account credentials a client presents in its
// handshake data.
//
// It intentionally avoids policy decisions and storage concerns.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator checks that token authenticates account.
type Validator interface {
	Validate(account, token string) error
}

// StaticToken accepts any account presenting one shared token.
// It is intended only for development and proofs of concept.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(_ string, token string) error {
	return compare(s.Token, token)
}

// Accounts maps account names to their tokens. A stored token may be a
// bcrypt hash (see HashToken) instead of the plain value.
type Accounts map[string]string

func (a Accounts) Validate(account, token string) error {
	want, ok := a[strings.TrimSpace(account)]
	if !ok {
		return ErrUnauthorized
	}
	return compare(want, token)
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(account, token string) error

func (f FuncValidator) Validate(account, token string) error {
	return f(account, token)
}

// HashToken returns the bcrypt hash of token for use in Accounts.
func HashToken(token string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

func compare(stored, presented string) error {
	if stored == "" {
		return ErrUnauthorized
	}
	if isBcryptHash(stored) {
		if bcrypt.CompareHashAndPassword([]byte(stored), []byte(presented)) != nil {
			return ErrUnauthorized
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) != 1 {
		return ErrUnauthorized
	}
	return nil
}
