package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"strconv"
	"sync"
	"time"
)

// StaticTokens validates against a fixed set of tokens. Tokens are kept as
// SHA-256 digests and compared in constant time.
type StaticTokens struct {
	mu     sync.RWMutex
	tokens map[[sha256.Size]byte]*UserInfo
	now    func() time.Time
}

// NewStaticTokens creates a validator accepting each token, mapped to its
// holder. A nil holder gets a UserInfo with ID "token-<n>".
func NewStaticTokens(tokens map[string]*UserInfo) *StaticTokens {
	s := &StaticTokens{tokens: make(map[[sha256.Size]byte]*UserInfo, len(tokens)), now: time.Now}
	for token, u := range tokens {
		s.Add(token, u)
	}
	return s
}

// Add accepts token from now on
func (s *StaticTokens) Add(token string, u *UserInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u == nil {
		u = &UserInfo{ID: "token-" + strconv.Itoa(len(s.tokens)+1)}
	}
	s.tokens[sha256.Sum256([]byte(token))] = u
}

// Revoke stops accepting token
func (s *StaticTokens) Revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, sha256.Sum256([]byte(token)))
	s.mu.Unlock()
}

// Validate implements Validator
func (s *StaticTokens) Validate(_ context.Context, token string) (*UserInfo, error) {
	if token == "" {
		return nil, NewAuthError(ErrAuthRequired, "bearer token required")
	}
	digest := sha256.Sum256([]byte(token))

	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *UserInfo
	for known, u := range s.tokens {
		if subtle.ConstantTimeCompare(known[:], digest[:]) == 1 {
			found = u
		}
	}
	if found == nil {
		return nil, NewAuthError(ErrTokenInvalid, "invalid bearer token")
	}
	if found.ExpiresAt != nil && s.now().After(*found.ExpiresAt) {
		return nil, NewAuthError(ErrTokenExpired, "bearer token expired")
	}
	return found, nil
}
