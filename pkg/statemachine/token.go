package statemachine

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// TokenManager issues and validates the short-lived join tokens a new
// meta-service node presents when asking the leader to add it as a raft
// voter. Tokens are leader-local, like the StateMachine's operational
// switches: they exist to gate AddVoter, not to describe cluster topology,
// so they are never replicated through Apply.
type TokenManager struct {
	tokens map[string]*JoinToken
	mu     sync.RWMutex
}

// JoinToken is a credential admitting one node into the meta-service's raft
// cluster. It stays valid until it expires or is revoked; ValidateToken does
// not consume it.
type JoinToken struct {
	Token     string
	NodeID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewTokenManager returns an empty TokenManager.
func NewTokenManager() *TokenManager {
	return &TokenManager{tokens: make(map[string]*JoinToken)}
}

// GenerateToken mints a token for nodeID valid for duration.
func (tm *TokenManager) GenerateToken(nodeID string, duration time.Duration) (*JoinToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate random token: %w", err)
	}

	jt := &JoinToken{
		Token:     hex.EncodeToString(raw),
		NodeID:    nodeID,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(duration),
	}

	tm.mu.Lock()
	tm.tokens[jt.Token] = jt
	tm.mu.Unlock()
	return jt, nil
}

// ValidateToken returns the node ID a token was issued for, or an error if
// the token is unknown or expired.
func (tm *TokenManager) ValidateToken(token string) (string, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	jt, ok := tm.tokens[token]
	if !ok {
		return "", fmt.Errorf("invalid join token")
	}
	if time.Now().After(jt.ExpiresAt) {
		return "", fmt.Errorf("join token expired")
	}
	return jt.NodeID, nil
}

// RevokeToken invalidates a token immediately.
func (tm *TokenManager) RevokeToken(token string) {
	tm.mu.Lock()
	delete(tm.tokens, token)
	tm.mu.Unlock()
}

// CleanupExpiredTokens drops every token past its expiry.
func (tm *TokenManager) CleanupExpiredTokens() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	now := time.Now()
	for token, jt := range tm.tokens {
		if now.After(jt.ExpiresAt) {
			delete(tm.tokens, token)
		}
	}
}

// ListTokens returns every outstanding token.
func (tm *TokenManager) ListTokens() []*JoinToken {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	out := make([]*JoinToken, 0, len(tm.tokens))
	for _, jt := range tm.tokens {
		out = append(out, jt)
	}
	return out
}
