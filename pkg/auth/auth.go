// Package auth checks the bearer tokens HTTP clients carry in their
// Authorization header.
//
// Tokens are validated by a Validator. StaticTokens serves a fixed token
// list; anything that verifies tokens elsewhere can implement Validator.
package auth

import (
	"context"
	"time"
)

// Validator verifies a token and returns who it belongs to
type Validator interface {
	Validate(ctx context.Context, token string) (*UserInfo, error)
}

// ValidatorFunc adapts a function to Validator
type ValidatorFunc func(ctx context.Context, token string) (*UserInfo, error)

// Validate calls f
func (f ValidatorFunc) Validate(ctx context.Context, token string) (*UserInfo, error) {
	return f(ctx, token)
}

// UserInfo describes the holder of a validated token
type UserInfo struct {
	ID         string                 `json:"id"`
	Username   string                 `json:"username,omitempty"`
	Scopes     []string               `json:"scopes,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	ExpiresAt  *time.Time             `json:"expiresAt,omitempty"`
}

// HasScope reports whether scope was granted
func (u *UserInfo) HasScope(scope string) bool {
	for _, s := range u.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AuthError is a rejected credential
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return e.Message
}

// Error codes, reported in the WWW-Authenticate challenge
const (
	ErrTokenInvalid      = "invalid_token"
	ErrTokenExpired      = "token_expired"
	ErrAuthRequired      = "authentication_required"
	ErrInsufficientScope = "insufficient_scope"
)

// NewAuthError creates an authentication error
func NewAuthError(code, message string) *AuthError {
	return &AuthError{Code: code, Message: message}
}

type userKey struct{}

// ContextWithUserInfo attaches the token holder to ctx
func ContextWithUserInfo(ctx context.Context, u *UserInfo) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserInfoFromContext returns the holder attached by the middleware
func UserInfoFromContext(ctx context.Context) (*UserInfo, bool) {
	u, ok := ctx.Value(userKey{}).(*UserInfo)
	return u, ok
}
