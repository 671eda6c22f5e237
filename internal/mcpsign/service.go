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

// Package mcpsign signs and verifies the MCP header set used for
// service-to-service calls between agents.
package mcpsign

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/a2ahub/a2a-engine/internal/config"
	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/logging"
)

// Algorithm is a header signature algorithm
type Algorithm string

const (
	AlgorithmHMACSHA256 Algorithm = "hmac-sha256"
	AlgorithmEd25519    Algorithm = "ed25519"
)

// Algorithms lists every supported algorithm
var Algorithms = []Algorithm{AlgorithmHMACSHA256, AlgorithmEd25519}

func (a Algorithm) supported() bool {
	return a == AlgorithmHMACSHA256 || a == AlgorithmEd25519
}

// Denial reasons reported by Verify
const (
	ReasonMissingSignature     = "missing_signature"
	ReasonMalformedSignature   = "malformed_signature"
	ReasonUnsupportedAlgorithm = "unsupported_algorithm"
	ReasonUnknownKey           = "unknown_key"
	ReasonKeyExpired           = "key_expired"
	ReasonSignatureExpired     = "signature_expired"
	ReasonCallerMismatch       = "caller_mismatch"
	ReasonInvalidSignature     = "invalid_signature"
	ReasonReplayedNonce        = "replayed_nonce"
)

// ErrNoSigningKey is returned by SignOutbound when the agent holds no usable key
var ErrNoSigningKey = errors.New("no MCP signing key")

// maxClockSkew tolerates signatures stamped slightly in the future
const maxClockSkew = 30 * time.Second

// KeyInfo is the public description of a signing key
type KeyInfo struct {
	KeyID     string     `json:"key_id"`
	AgentID   string     `json:"agent_id"`
	Algorithm Algorithm  `json:"algorithm"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	PublicKey string     `json:"public_key,omitempty"` // hex, ed25519 only
}

type signingKey struct {
	KeyInfo
	secret  []byte
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

func (k *signingKey) expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// canSign is false for shared Ed25519 keys that only carry the public half
func (k *signingKey) canSign() bool {
	return k.Algorithm != AlgorithmEd25519 || k.private != nil
}

// VerifyResult is the outcome of verifying a header set
type VerifyResult struct {
	Valid   bool   `json:"valid"`
	Reason  string `json:"reason,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	KeyID   string `json:"key_id,omitempty"`
}

// Err converts a failed result into an A2AError
func (r VerifyResult) Err() error {
	if r.Valid {
		return nil
	}
	return a2aerrors.Newf(a2aerrors.ErrMCPSignature, "MCP signature rejected: %s", r.Reason).
		WithDetail("reason", r.Reason)
}

// Service issues per-agent keys and signs or verifies header sets
type Service struct {
	cfg    config.MCPConfig
	logger *logging.Logger
	now    func() time.Time

	mu      sync.RWMutex
	keys    map[string]*signingKey // key ID -> key
	byAgent map[string][]string    // agent ID -> key IDs, newest last
	nonces  map[string]time.Time   // nonce -> time it may be forgotten
}

// NewService creates an MCP signing service
func NewService(cfg config.MCPConfig, logger *logging.Logger) *Service {
	if cfg.MaxSignatureAge <= 0 {
		cfg.MaxSignatureAge = 300 * time.Second
	}
	s := &Service{
		cfg:     cfg,
		logger:  logger.WithComponent("mcpsign"),
		now:     time.Now,
		keys:    make(map[string]*signingKey),
		byAgent: make(map[string][]string),
		nonces:  make(map[string]time.Time),
	}
	for _, k := range cfg.Keys {
		if _, err := s.ImportKey(k); err != nil {
			s.logger.WithField("key_id", k.KeyID).Error("Skipping configured MCP key", err)
		}
	}
	return s
}

// ImportKey installs a pre-shared key. Imported keys never expire; remove
// them from the configuration to retire them.
func (s *Service) ImportKey(kc config.MCPKeyConfig) (*KeyInfo, error) {
	alg := Algorithm(kc.Algorithm)
	if !alg.supported() {
		return nil, a2aerrors.Newf(a2aerrors.ErrValidationFailed, "unsupported algorithm %q", alg)
	}
	if kc.KeyID == "" || kc.AgentID == "" {
		return nil, a2aerrors.New(a2aerrors.ErrValidationFailed, "key_id and agent_id are required")
	}

	key := &signingKey{KeyInfo: KeyInfo{
		KeyID:     kc.KeyID,
		AgentID:   kc.AgentID,
		Algorithm: alg,
		CreatedAt: s.now().UTC(),
	}}
	switch alg {
	case AlgorithmHMACSHA256:
		secret, err := hex.DecodeString(kc.Secret)
		if err != nil || len(secret) == 0 {
			return nil, a2aerrors.New(a2aerrors.ErrValidationFailed, "HMAC secret must be non-empty hex")
		}
		key.secret = secret
	case AlgorithmEd25519:
		if kc.PrivateKey != "" {
			seed, err := hex.DecodeString(kc.PrivateKey)
			if err != nil || len(seed) != ed25519.SeedSize {
				return nil, a2aerrors.Newf(a2aerrors.ErrValidationFailed, "Ed25519 private key must be a %d byte hex seed", ed25519.SeedSize)
			}
			key.private = ed25519.NewKeyFromSeed(seed)
			key.public = key.private.Public().(ed25519.PublicKey)
		} else {
			pub, err := hex.DecodeString(kc.PublicKey)
			if err != nil || len(pub) != ed25519.PublicKeySize {
				return nil, a2aerrors.Newf(a2aerrors.ErrValidationFailed, "Ed25519 public key must be %d bytes of hex", ed25519.PublicKeySize)
			}
			key.public = pub
		}
		key.PublicKey = hex.EncodeToString(key.public)
	}

	s.mu.Lock()
	if _, exists := s.keys[key.KeyID]; exists {
		s.mu.Unlock()
		return nil, a2aerrors.Newf(a2aerrors.ErrValidationFailed, "key %s already exists", key.KeyID)
	}
	s.keys[key.KeyID] = key
	s.byAgent[key.AgentID] = append(s.byAgent[key.AgentID], key.KeyID)
	s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"agent_id":  key.AgentID,
		"key_id":    key.KeyID,
		"algorithm": alg,
	}).Info("Imported MCP signing key")

	info := key.KeyInfo
	return &info, nil
}

// IssueKey creates a signing key for agentID. A zero ttl uses the
// configured key TTL; a negative one never expires.
func (s *Service) IssueKey(agentID string, alg Algorithm, ttl time.Duration) (*KeyInfo, error) {
	if !alg.supported() {
		return nil, a2aerrors.Newf(a2aerrors.ErrValidationFailed, "unsupported algorithm %q", alg)
	}
	if ttl == 0 {
		ttl = s.cfg.KeyTTL
	}

	now := s.now().UTC()
	key := &signingKey{KeyInfo: KeyInfo{
		KeyID:     uuid.NewString(),
		AgentID:   agentID,
		Algorithm: alg,
		CreatedAt: now,
	}}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
	}

	switch alg {
	case AlgorithmHMACSHA256:
		key.secret = make([]byte, 32)
		if _, err := rand.Read(key.secret); err != nil {
			return nil, a2aerrors.Wrap(a2aerrors.ErrCryptoFailed, "failed to generate HMAC key", err)
		}
	case AlgorithmEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, a2aerrors.Wrap(a2aerrors.ErrCryptoFailed, "failed to generate Ed25519 key", err)
		}
		key.public, key.private = pub, priv
		key.PublicKey = hex.EncodeToString(pub)
	}

	s.mu.Lock()
	s.keys[key.KeyID] = key
	s.byAgent[agentID] = append(s.byAgent[agentID], key.KeyID)
	s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"agent_id":  agentID,
		"key_id":    key.KeyID,
		"algorithm": alg,
	}).Info("Issued MCP signing key")

	info := key.KeyInfo
	return &info, nil
}

// activeKey returns the newest unexpired key of alg for agentID
func (s *Service) activeKey(agentID string, alg Algorithm) (*signingKey, bool) {
	now := s.now()
	ids := s.byAgent[agentID]
	for i := len(ids) - 1; i >= 0; i-- {
		k := s.keys[ids[i]]
		if k != nil && k.Algorithm == alg && k.canSign() && !k.expired(now) {
			return k, true
		}
	}
	return nil, false
}

// Sign stamps h with a fresh nonce and timestamp and sets AuthSig. A key is
// issued for agentID on first use.
func (s *Service) Sign(h *Headers, agentID string, alg Algorithm) error {
	if alg == "" {
		alg = Algorithm(s.cfg.DefaultAlgorithm)
	}
	if !alg.supported() {
		return a2aerrors.Newf(a2aerrors.ErrValidationFailed, "unsupported algorithm %q", alg)
	}

	s.mu.RLock()
	key, ok := s.activeKey(agentID, alg)
	s.mu.RUnlock()
	if !ok {
		if _, err := s.IssueKey(agentID, alg, 0); err != nil {
			return err
		}
		s.mu.RLock()
		key, ok = s.activeKey(agentID, alg)
		s.mu.RUnlock()
		if !ok {
			return a2aerrors.Newf(a2aerrors.ErrInternalError, "no signing key available for %s", agentID)
		}
	}
	return s.signWith(h, key)
}

// SignOutbound signs h with a key agentID already holds, preferring the
// default algorithm. Unlike Sign it never issues a key; ErrNoSigningKey
// reports that h was left unsigned.
func (s *Service) SignOutbound(h *Headers, agentID string) error {
	preferred := Algorithm(s.cfg.DefaultAlgorithm)
	s.mu.RLock()
	key, ok := s.activeKey(agentID, preferred)
	for _, alg := range Algorithms {
		if ok {
			break
		}
		key, ok = s.activeKey(agentID, alg)
	}
	s.mu.RUnlock()
	if !ok {
		return ErrNoSigningKey
	}
	return s.signWith(h, key)
}

func (s *Service) signWith(h *Headers, key *signingKey) error {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return a2aerrors.Wrap(a2aerrors.ErrCryptoFailed, "failed to generate nonce", err)
	}
	nonce := hex.EncodeToString(nonceBytes)

	now := s.now().UTC()
	h.Timestamp = now
	message := []byte(h.canonical(now.Unix(), nonce))

	var sig []byte
	switch key.Algorithm {
	case AlgorithmHMACSHA256:
		mac := hmac.New(sha256.New, key.secret)
		mac.Write(message)
		sig = mac.Sum(nil)
	case AlgorithmEd25519:
		sig = ed25519.Sign(key.private, message)
	}

	h.AuthSig = strings.Join([]string{
		string(key.Algorithm),
		key.KeyID,
		base64.RawURLEncoding.EncodeToString(sig),
		strconv.FormatInt(now.Unix(), 10),
		nonce,
	}, ":")
	return nil
}

// Verify checks h's composite signature. Each check short-circuits with a
// specific reason for the audit trail. A zero maxAge uses the configured one.
func (s *Service) Verify(h *Headers, maxAge time.Duration) VerifyResult {
	if maxAge <= 0 {
		maxAge = s.cfg.MaxSignatureAge
	}
	if h.AuthSig == "" {
		return VerifyResult{Reason: ReasonMissingSignature}
	}

	parts := strings.Split(h.AuthSig, ":")
	if len(parts) != 5 {
		return VerifyResult{Reason: ReasonMalformedSignature}
	}
	alg, keyID, sigB64, tsStr, nonce := Algorithm(parts[0]), parts[1], parts[2], parts[3], parts[4]

	if !alg.supported() {
		return VerifyResult{Reason: ReasonUnsupportedAlgorithm, KeyID: keyID}
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil || nonce == "" {
		return VerifyResult{Reason: ReasonMalformedSignature, KeyID: keyID}
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return VerifyResult{Reason: ReasonMalformedSignature, KeyID: keyID}
	}

	s.mu.RLock()
	key, ok := s.keys[keyID]
	s.mu.RUnlock()
	if !ok || key.Algorithm != alg {
		return VerifyResult{Reason: ReasonUnknownKey, KeyID: keyID}
	}

	now := s.now()
	result := VerifyResult{AgentID: key.AgentID, KeyID: keyID}

	if key.expired(now) {
		result.Reason = ReasonKeyExpired
		return result
	}

	signedAt := time.Unix(ts, 0)
	if now.Sub(signedAt) > maxAge || signedAt.Sub(now) > maxClockSkew {
		result.Reason = ReasonSignatureExpired
		return result
	}

	if h.Caller != key.AgentID {
		result.Reason = ReasonCallerMismatch
		return result
	}

	message := []byte(h.canonical(ts, nonce))
	var valid bool
	switch alg {
	case AlgorithmHMACSHA256:
		mac := hmac.New(sha256.New, key.secret)
		mac.Write(message)
		valid = hmac.Equal(sig, mac.Sum(nil))
	case AlgorithmEd25519:
		valid = len(sig) == ed25519.SignatureSize && ed25519.Verify(key.public, message, sig)
	}
	if !valid {
		result.Reason = ReasonInvalidSignature
		return result
	}

	s.mu.Lock()
	if _, seen := s.nonces[nonce]; seen {
		s.mu.Unlock()
		result.Reason = ReasonReplayedNonce
		return result
	}
	s.nonces[nonce] = signedAt.Add(maxAge + maxClockSkew)
	s.mu.Unlock()

	result.Valid = true
	return result
}

// Rotate issues replacement keys for every algorithm and expires the old ones
func (s *Service) Rotate(agentID string) ([]KeyInfo, error) {
	now := s.now().UTC()

	s.mu.Lock()
	old := append([]string(nil), s.byAgent[agentID]...)
	for _, id := range old {
		if k := s.keys[id]; k != nil && !k.expired(now) {
			exp := now
			k.ExpiresAt = &exp
		}
	}
	s.mu.Unlock()

	var issued []KeyInfo
	for _, alg := range Algorithms {
		info, err := s.IssueKey(agentID, alg, 0)
		if err != nil {
			return issued, err
		}
		issued = append(issued, *info)
	}

	s.logger.WithFields(map[string]interface{}{
		"agent_id": agentID,
		"retired":  len(old),
	}).Info("Rotated MCP signing keys")
	return issued, nil
}

// Keys lists the public information of agentID's keys, oldest first
func (s *Service) Keys(agentID string) []KeyInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]KeyInfo, 0, len(s.byAgent[agentID]))
	for _, id := range s.byAgent[agentID] {
		if k := s.keys[id]; k != nil {
			out = append(out, k.KeyInfo)
		}
	}
	return out
}

// Cleanup drops expired keys and forgotten nonces. It returns the number of
// keys removed.
func (s *Service) Cleanup() int {
	now := s.now()
	removed := 0

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, k := range s.keys {
		if !k.expired(now) {
			continue
		}
		// keep expired keys for one signature window so late verifies report key_expired
		if now.Sub(*k.ExpiresAt) < s.cfg.MaxSignatureAge {
			continue
		}
		delete(s.keys, id)
		removed++
	}
	for agentID, ids := range s.byAgent {
		kept := ids[:0]
		for _, id := range ids {
			if _, ok := s.keys[id]; ok {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(s.byAgent, agentID)
		} else {
			s.byAgent[agentID] = kept
		}
	}
	for nonce, until := range s.nonces {
		if now.After(until) {
			delete(s.nonces, nonce)
		}
	}
	return removed
}

// Agents lists agents holding at least one key
func (s *Service) Agents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byAgent))
	for id := range s.byAgent {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Service) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("mcpsign.Service{keys=%d, agents=%d}", len(s.keys), len(s.byAgent))
}
