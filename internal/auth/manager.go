/*
 * Copyright 2025 Cong Wang
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package auth issues and validates bearer tokens carrying agent
// capabilities and tenant scopes.
package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/a2ahub/a2a-engine/internal/config"
	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/logging"
	"github.com/a2ahub/a2a-engine/internal/types"
)

// Claims is the token payload
type Claims struct {
	jwt.RegisteredClaims
	Scopes       []string           `json:"scopes,omitempty"`
	TenantID     string             `json:"tenantId,omitempty"`
	AgentID      string             `json:"agentId,omitempty"`
	SessionID    string             `json:"sessionId,omitempty"`
	Capabilities []types.Capability `json:"capabilities,omitempty"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
}

// Principal names the caller for audit purposes
func (c *Claims) Principal() string {
	if c.AgentID != "" {
		return c.AgentID
	}
	return c.Subject
}

// ParsedScopes returns the well-formed scopes carried by the claims
func (c *Claims) ParsedScopes() []Scope {
	scopes, _ := ParseScopes(c.Scopes)
	return scopes
}

// IssueRequest describes a token to mint
type IssueRequest struct {
	Subject      string             `json:"subject"`
	AgentID      string             `json:"agent_id,omitempty"`
	TenantID     string             `json:"tenant_id,omitempty"`
	SessionID    string             `json:"session_id,omitempty"`
	Capabilities []types.Capability `json:"capabilities,omitempty"`
	Scopes       []string           `json:"scopes,omitempty"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
	TTL          time.Duration      `json:"ttl,omitempty"`
}

type cacheEntry struct {
	claims    *Claims
	expiresAt time.Time
}

// Manager issues and validates tokens. Valid tokens are cached by raw
// string until expiry or revocation.
type Manager struct {
	cfg    config.AuthConfig
	logger *logging.Logger
	now    func() time.Time

	method    jwt.SigningMethod
	signKey   interface{}
	verifyKey interface{}

	mu      sync.RWMutex
	cache   map[string]cacheEntry
	revoked map[string]time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithRSAKey sets the RS256 signing key
func WithRSAKey(key *rsa.PrivateKey) Option {
	return func(m *Manager) {
		m.signKey = key
		m.verifyKey = &key.PublicKey
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a token manager for the configured signing method
func NewManager(cfg config.AuthConfig, logger *logging.Logger, opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:     cfg,
		logger:  logger.WithComponent("auth"),
		now:     time.Now,
		cache:   make(map[string]cacheEntry),
		revoked: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}

	switch cfg.SigningMethod {
	case "", "HS256":
		m.method = jwt.SigningMethodHS256
		secret := []byte(cfg.Secret)
		if len(secret) == 0 {
			secret = make([]byte, 32)
			if _, err := rand.Read(secret); err != nil {
				return nil, fmt.Errorf("failed to generate token secret: %w", err)
			}
			m.logger.Warn("No token secret configured; generated an ephemeral one")
		}
		m.signKey = secret
		m.verifyKey = secret
	case "RS256":
		m.method = jwt.SigningMethodRS256
		if m.signKey == nil {
			key, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				return nil, fmt.Errorf("failed to generate token signing key: %w", err)
			}
			m.signKey = key
			m.verifyKey = &key.PublicKey
		}
	default:
		return nil, fmt.Errorf("unsupported signing method: %s", cfg.SigningMethod)
	}

	return m, nil
}

// Issue mints a signed token
func (m *Manager) Issue(req IssueRequest) (string, *Claims, error) {
	if req.Subject == "" {
		req.Subject = req.AgentID
	}
	if req.Subject == "" {
		return "", nil, a2aerrors.New(a2aerrors.ErrValidationFailed, "token subject is required")
	}
	if _, rejected := ParseScopes(req.Scopes); len(rejected) > 0 {
		return "", nil, a2aerrors.Newf(a2aerrors.ErrValidationFailed, "malformed scopes: %v", rejected)
	}
	for _, c := range req.Capabilities {
		if !c.Valid() {
			return "", nil, a2aerrors.Newf(a2aerrors.ErrValidationFailed, "unknown capability %q", c)
		}
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.cfg.TokenTTL
	}

	now := m.now().UTC()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   req.Subject,
			Issuer:    m.cfg.Issuer,
			Audience:  jwt.ClaimStrings{m.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scopes:       req.Scopes,
		TenantID:     req.TenantID,
		AgentID:      req.AgentID,
		SessionID:    req.SessionID,
		Capabilities: req.Capabilities,
		Metadata:     req.Metadata,
	}

	token, err := jwt.NewWithClaims(m.method, claims).SignedString(m.signKey)
	if err != nil {
		return "", nil, a2aerrors.Wrap(a2aerrors.ErrCryptoFailed, "failed to sign token", err)
	}

	m.logger.WithFields(map[string]interface{}{
		"subject":   claims.Subject,
		"tenant_id": claims.TenantID,
		"jti":       claims.ID,
	}).Debug("Issued token")

	return token, claims, nil
}

// Validate checks signature, required fields and expiry. An expired token
// is rejected even when cached.
func (m *Manager) Validate(token string) (*Claims, error) {
	now := m.now()

	m.mu.RLock()
	entry, cached := m.cache[token]
	_, revoked := m.revoked[token]
	m.mu.RUnlock()

	if revoked {
		return nil, a2aerrors.New(a2aerrors.ErrTokenInvalid, "token has been revoked")
	}

	if cached {
		if !now.Before(entry.expiresAt) {
			m.mu.Lock()
			delete(m.cache, token)
			m.mu.Unlock()
			return nil, a2aerrors.New(a2aerrors.ErrTokenExpired, "token has expired")
		}
		return entry.claims, nil
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return m.verifyKey, nil
	},
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithIssuer(m.cfg.Issuer),
		jwt.WithAudience(m.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, a2aerrors.Wrap(a2aerrors.ErrTokenExpired, "token has expired", err)
		}
		return nil, a2aerrors.Wrap(a2aerrors.ErrTokenInvalid, "token validation failed", err)
	}
	if !parsed.Valid {
		return nil, a2aerrors.New(a2aerrors.ErrTokenInvalid, "token is not valid")
	}
	if claims.Subject == "" || claims.IssuedAt == nil {
		return nil, a2aerrors.New(a2aerrors.ErrTokenInvalid, "token is missing required claims")
	}
	if !claims.ExpiresAt.After(claims.IssuedAt.Time) {
		return nil, a2aerrors.New(a2aerrors.ErrTokenInvalid, "token expiry precedes issue time")
	}

	m.mu.Lock()
	m.cache[token] = cacheEntry{claims: claims, expiresAt: claims.ExpiresAt.Time}
	m.mu.Unlock()

	return claims, nil
}

// Revoke drops token from the cache and rejects it until it would have
// expired. The expiry of an uncached token is read from its unverified exp
// claim; tokens without one are held for a full TokenTTL.
func (m *Manager) Revoke(token string) {
	expiresAt := m.now().Add(m.cfg.TokenTTL)
	var unverified Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &unverified); err == nil && unverified.ExpiresAt != nil {
		expiresAt = unverified.ExpiresAt.Time
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.cache[token]; ok {
		expiresAt = entry.expiresAt
		delete(m.cache, token)
	}
	m.revoked[token] = expiresAt
}

// CleanupExpired purges expired cache and revocation entries
func (m *Manager) CleanupExpired() int {
	now := m.now()
	removed := 0

	m.mu.Lock()
	defer m.mu.Unlock()
	for token, entry := range m.cache {
		if !now.Before(entry.expiresAt) {
			delete(m.cache, token)
			removed++
		}
	}
	for token, until := range m.revoked {
		if now.After(until) {
			delete(m.revoked, token)
		}
	}
	return removed
}

// CacheSize returns the number of cached tokens
func (m *Manager) CacheSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

// Authorize reports whether validated claims carry capability
func Authorize(claims *Claims, capability types.Capability) bool {
	if claims == nil {
		return false
	}
	for _, c := range claims.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// HasScope reports whether validated claims grant the required scope
func HasScope(claims *Claims, required Scope) bool {
	if claims == nil {
		return false
	}
	return AnyGrants(claims.ParsedScopes(), required)
}
