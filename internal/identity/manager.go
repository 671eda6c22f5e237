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

// Package identity manages per-agent RSA keypairs and self-signed X.509
// certificates, and signs or verifies raw payloads with them.
package identity

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/a2ahub/a2a-engine/internal/config"
	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/logging"
)

// KeySize is the RSA modulus size for agent keys
const KeySize = 2048

// Status is the lifecycle status of an identity
type Status string

const (
	StatusActive  Status = "active"
	StatusRotated Status = "rotated"
	StatusExpired Status = "expired"
)

// Identity is an agent's keypair and certificate
type Identity struct {
	AgentID     string
	PrivateKey  *rsa.PrivateKey
	Certificate *x509.Certificate
	CertPEM     []byte
	Fingerprint string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Status      Status

	// ReplacementProof is the previous key's signature over this
	// certificate's DER, set when the identity replaced an active one
	ReplacementProof []byte
}

// PublicKey returns the identity's public key
func (id *Identity) PublicKey() *rsa.PublicKey {
	return &id.PrivateKey.PublicKey
}

// ValidAt reports whether the certificate time bounds contain t
func (id *Identity) ValidAt(t time.Time) bool {
	return !t.Before(id.Certificate.NotBefore) && !t.After(id.Certificate.NotAfter)
}

// GenerateOptions customizes the certificate subject
type GenerateOptions struct {
	CommonName   string
	Organization string
}

// Manager owns agent identities. Rotation for one agent is serialized and
// swaps the cached identity atomically.
type Manager struct {
	store  Store
	cfg    config.IdentityConfig
	logger *logging.Logger
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]*Identity
	peers map[string]*x509.Certificate

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewManager creates an identity manager backed by store
func NewManager(store Store, cfg config.IdentityConfig, logger *logging.Logger) *Manager {
	if cfg.Validity <= 0 {
		cfg.Validity = 365 * 24 * time.Hour
	}
	return &Manager{
		store:  store,
		cfg:    cfg,
		logger: logger.WithComponent("identity"),
		now:    time.Now,
		cache:  make(map[string]*Identity),
		peers:  make(map[string]*x509.Certificate),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (m *Manager) agentLock(agentID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[agentID] = l
	}
	return l
}

// Generate creates a fresh identity for agentID. Any previously active
// identity is marked rotated.
func (m *Manager) Generate(ctx context.Context, agentID string, opts GenerateOptions) (*Identity, error) {
	lock := m.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()
	return m.generateLocked(ctx, agentID, opts)
}

func (m *Manager) generateLocked(ctx context.Context, agentID string, opts GenerateOptions) (*Identity, error) {
	key, err := generateKey(ctx)
	if err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrCryptoFailed, "failed to generate RSA key", err)
	}

	if opts.CommonName == "" {
		opts.CommonName = agentID
	}
	if opts.Organization == "" {
		opts.Organization = m.cfg.Organization
	}

	now := m.now().UTC()
	certDER, err := createCertificate(key, opts, now, now.Add(m.cfg.Validity))
	if err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrCryptoFailed, "failed to create certificate", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrCryptoFailed, "failed to parse certificate", err)
	}

	id := &Identity{
		AgentID:     agentID,
		PrivateKey:  key,
		Certificate: cert,
		CertPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		Fingerprint: fingerprint(certDER),
		CreatedAt:   now,
		ExpiresAt:   cert.NotAfter,
		Status:      StatusActive,
	}

	previous, err := m.store.Active(ctx, agentID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return nil, a2aerrors.NewInternalError("failed to read identity store", err)
	}

	if previous != nil {
		prevID, err := fromRecord(previous)
		if err != nil {
			return nil, a2aerrors.Wrap(a2aerrors.ErrCryptoFailed, "stored identity is corrupt", err)
		}
		if id.ReplacementProof, err = SignPSS(prevID.PrivateKey, certDER); err != nil {
			return nil, err
		}
	}

	if err := m.store.Save(ctx, toRecord(id)); err != nil {
		return nil, a2aerrors.NewInternalError("failed to persist identity", err)
	}
	if previous != nil {
		if err := m.store.SetStatus(ctx, agentID, previous.Fingerprint, StatusRotated); err != nil {
			return nil, a2aerrors.NewInternalError("failed to mark previous identity rotated", err)
		}
	}

	m.mu.Lock()
	m.cache[agentID] = id
	m.mu.Unlock()

	m.logger.WithFields(map[string]interface{}{
		"agent_id":    agentID,
		"fingerprint": id.Fingerprint,
		"expires_at":  id.ExpiresAt,
		"rotated":     previous != nil,
	}).Info("Generated agent identity")

	return id, nil
}

// Load returns the active identity for agentID. The certificate must be
// within its validity window.
func (m *Manager) Load(ctx context.Context, agentID string) (*Identity, error) {
	now := m.now()

	m.mu.RLock()
	id, ok := m.cache[agentID]
	m.mu.RUnlock()

	if !ok {
		rec, err := m.store.Active(ctx, agentID)
		if errors.Is(err, ErrRecordNotFound) {
			return nil, a2aerrors.Newf(a2aerrors.ErrIdentityNotFound, "no identity for agent %s", agentID)
		}
		if err != nil {
			return nil, a2aerrors.NewInternalError("failed to read identity store", err)
		}
		id, err = fromRecord(rec)
		if err != nil {
			return nil, a2aerrors.Wrap(a2aerrors.ErrCryptoFailed, "stored identity is corrupt", err)
		}

		m.mu.Lock()
		if cached, ok := m.cache[agentID]; ok {
			id = cached
		} else {
			m.cache[agentID] = id
		}
		m.mu.Unlock()
	}

	if !id.ValidAt(now) {
		return nil, a2aerrors.Newf(a2aerrors.ErrIdentityExpired,
			"identity for agent %s is outside its validity window", agentID).
			WithDetail("not_after", id.Certificate.NotAfter)
	}
	return id, nil
}

// Ensure loads the identity for agentID, generating one when absent or expired
func (m *Manager) Ensure(ctx context.Context, agentID string) (*Identity, error) {
	id, err := m.Load(ctx, agentID)
	if err == nil {
		return id, nil
	}
	if !a2aerrors.IsCode(err, a2aerrors.ErrIdentityNotFound) && !a2aerrors.IsCode(err, a2aerrors.ErrIdentityExpired) {
		return nil, err
	}
	return m.Generate(ctx, agentID, GenerateOptions{})
}

// Rotate replaces the active identity for agentID
func (m *Manager) Rotate(ctx context.Context, agentID string) (*Identity, error) {
	lock := m.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	current, ok := m.cache[agentID]
	m.mu.RUnlock()

	opts := GenerateOptions{}
	if ok {
		opts.CommonName = current.Certificate.Subject.CommonName
		if len(current.Certificate.Subject.Organization) > 0 {
			opts.Organization = current.Certificate.Subject.Organization[0]
		}
	} else if _, err := m.store.Active(ctx, agentID); errors.Is(err, ErrRecordNotFound) {
		return nil, a2aerrors.Newf(a2aerrors.ErrIdentityNotFound, "no identity to rotate for agent %s", agentID)
	}

	return m.generateLocked(ctx, agentID, opts)
}

// Sign signs data with the agent's private key using RSA-PSS/SHA-256
func (m *Manager) Sign(ctx context.Context, agentID string, data []byte) ([]byte, error) {
	id, err := m.Load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return SignPSS(id.PrivateKey, data)
}

// Verify checks an RSA-PSS/SHA-256 signature against the agent's certificate.
// Peer certificates imported with ImportPeer are consulted only when the
// agent has no local identity.
func (m *Manager) Verify(ctx context.Context, agentID string, data, signature []byte) (bool, error) {
	pub, err := m.PublicKey(ctx, agentID)
	if err != nil {
		return false, err
	}
	return VerifyPSS(pub, data, signature) == nil, nil
}

// PublicKey returns the verification key for agentID
func (m *Manager) PublicKey(ctx context.Context, agentID string) (*rsa.PublicKey, error) {
	cert, err := m.Certificate(ctx, agentID)
	if err != nil {
		return nil, err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, a2aerrors.Newf(a2aerrors.ErrCryptoFailed, "certificate for %s does not hold an RSA key", agentID)
	}
	return pub, nil
}

// Certificate returns the certificate for agentID. A local identity always
// wins over an imported peer certificate.
func (m *Manager) Certificate(ctx context.Context, agentID string) (*x509.Certificate, error) {
	local, err := m.HasLocal(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if local {
		id, err := m.Load(ctx, agentID)
		if err != nil {
			return nil, err
		}
		return id.Certificate, nil
	}

	m.mu.RLock()
	peer, isPeer := m.peers[agentID]
	m.mu.RUnlock()
	if !isPeer {
		return nil, a2aerrors.Newf(a2aerrors.ErrIdentityNotFound, "no identity for agent %s", agentID)
	}
	if now := m.now(); now.Before(peer.NotBefore) || now.After(peer.NotAfter) {
		return nil, a2aerrors.Newf(a2aerrors.ErrIdentityExpired, "peer certificate for %s has expired", agentID)
	}
	return peer, nil
}

// HasLocal reports whether agentID has an identity issued by this manager
func (m *Manager) HasLocal(ctx context.Context, agentID string) (bool, error) {
	m.mu.RLock()
	_, ok := m.cache[agentID]
	m.mu.RUnlock()
	if ok {
		return true, nil
	}
	_, err := m.store.Active(ctx, agentID)
	if errors.Is(err, ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, a2aerrors.NewInternalError("failed to read identity store", err)
	}
	return true, nil
}

// ImportPeer trusts a PEM certificate for a remote agent. A certificate can
// never shadow a local identity. Replacing a different, still valid peer
// certificate requires proof: an RSA-PSS signature over the new
// certificate's DER made with the key being replaced. Re-importing the
// trusted certificate is a no-op.
func (m *Manager) ImportPeer(ctx context.Context, agentID string, certPEM, proof []byte) error {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return a2aerrors.New(a2aerrors.ErrValidationFailed, "peer certificate is not PEM encoded")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return a2aerrors.Wrap(a2aerrors.ErrValidationFailed, "invalid peer certificate", err)
	}
	if _, ok := cert.PublicKey.(*rsa.PublicKey); !ok {
		return a2aerrors.New(a2aerrors.ErrValidationFailed, "peer certificate does not hold an RSA key")
	}
	// self-signed peers must at least verify against themselves
	if err := cert.CheckSignatureFrom(cert); err != nil {
		return a2aerrors.Wrap(a2aerrors.ErrSignatureVerificationFailed, "peer certificate self-signature invalid", err)
	}

	local, err := m.HasLocal(ctx, agentID)
	if err != nil {
		return err
	}
	if local {
		return a2aerrors.Newf(a2aerrors.ErrForbidden, "agent %s has a local identity", agentID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	replaced := false
	if current, ok := m.peers[agentID]; ok {
		if current.Equal(cert) {
			return nil
		}
		if now := m.now(); !now.Before(current.NotBefore) && !now.After(current.NotAfter) {
			if len(proof) == 0 {
				return a2aerrors.Newf(a2aerrors.ErrForbidden,
					"a different certificate is already trusted for %s", agentID)
			}
			if err := VerifyPSS(current.PublicKey.(*rsa.PublicKey), cert.Raw, proof); err != nil {
				return a2aerrors.Wrap(a2aerrors.ErrForbidden,
					"certificate replacement is not signed by the trusted key", err)
			}
		}
		replaced = true
	}
	m.peers[agentID] = cert

	m.logger.WithFields(map[string]interface{}{
		"agent_id":    agentID,
		"fingerprint": fingerprint(cert.Raw),
		"replaced":    replaced,
	}).Info("Imported peer certificate")
	return nil
}

// History returns every identity ever issued to agentID, oldest first
func (m *Manager) History(ctx context.Context, agentID string) ([]*Record, error) {
	recs, err := m.store.History(ctx, agentID)
	if err != nil {
		return nil, a2aerrors.NewInternalError("failed to read identity history", err)
	}
	for _, r := range recs {
		r.KeyPEM = nil
	}
	return recs, nil
}

// NeedsRotation reports whether the agent's certificate expires within threshold
func (m *Manager) NeedsRotation(ctx context.Context, agentID string, threshold time.Duration) (bool, error) {
	id, err := m.Load(ctx, agentID)
	if err != nil {
		if a2aerrors.IsCode(err, a2aerrors.ErrIdentityExpired) {
			return true, nil
		}
		return false, err
	}
	if m.cfg.KeyRotationInterval > 0 && m.now().Sub(id.CreatedAt) >= m.cfg.KeyRotationInterval {
		return true, nil
	}
	return id.ExpiresAt.Sub(m.now()) <= threshold, nil
}

// RotateDue rotates every active identity within the configured rotation
// threshold and returns the rotated agent IDs
func (m *Manager) RotateDue(ctx context.Context) ([]string, error) {
	recs, err := m.store.ListActive(ctx)
	if err != nil {
		return nil, a2aerrors.NewInternalError("failed to list identities", err)
	}

	var rotated []string
	for _, rec := range recs {
		due, err := m.NeedsRotation(ctx, rec.AgentID, m.cfg.CertRotationThreshold)
		if err != nil {
			m.logger.WithField("agent_id", rec.AgentID).Error("Rotation check failed", err)
			continue
		}
		if !due {
			continue
		}
		if _, err := m.Rotate(ctx, rec.AgentID); err != nil {
			m.logger.WithField("agent_id", rec.AgentID).Error("Identity rotation failed", err)
			continue
		}
		rotated = append(rotated, rec.AgentID)
	}
	return rotated, nil
}

// CleanupExpired marks active identities past their validity as expired and
// drops them from the cache
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	recs, err := m.store.ListActive(ctx)
	if err != nil {
		return 0, a2aerrors.NewInternalError("failed to list identities", err)
	}

	now := m.now()
	expired := 0
	for _, rec := range recs {
		if !now.After(rec.ExpiresAt) {
			continue
		}
		if err := m.store.SetStatus(ctx, rec.AgentID, rec.Fingerprint, StatusExpired); err != nil {
			m.logger.WithField("agent_id", rec.AgentID).Error("Failed to expire identity", err)
			continue
		}
		m.mu.Lock()
		if cached, ok := m.cache[rec.AgentID]; ok && cached.Fingerprint == rec.Fingerprint {
			delete(m.cache, rec.AgentID)
		}
		m.mu.Unlock()
		expired++
	}
	return expired, nil
}

// SignPSS signs data with RSA-PSS over SHA-256
func SignPSS(key *rsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	if err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrCryptoFailed, "RSA-PSS signing failed", err)
	}
	return sig, nil
}

// VerifyPSS verifies an RSA-PSS/SHA-256 signature
func VerifyPSS(pub *rsa.PublicKey, data, signature []byte) error {
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signature, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}); err != nil {
		return a2aerrors.Wrap(a2aerrors.ErrSignatureVerificationFailed, "signature does not match", err)
	}
	return nil
}

// generateKey runs RSA key generation on its own goroutine so callers can abandon it
func generateKey(ctx context.Context) (*rsa.PrivateKey, error) {
	type result struct {
		key *rsa.PrivateKey
		err error
	}
	ch := make(chan result, 1)
	go func() {
		key, err := rsa.GenerateKey(rand.Reader, KeySize)
		ch <- result{key, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.key, r.err
	}
}

func createCertificate(key *rsa.PrivateKey, opts GenerateOptions, notBefore, notAfter time.Time) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	subject := pkix.Name{CommonName: opts.CommonName}
	if opts.Organization != "" {
		subject.Organization = []string{opts.Organization}
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		Issuer:                subject,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	return x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
}

func fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

func toRecord(id *Identity) *Record {
	return &Record{
		AgentID:     id.AgentID,
		Fingerprint: id.Fingerprint,
		KeyPEM:      pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(id.PrivateKey)}),
		CertPEM:     id.CertPEM,
		CreatedAt:   id.CreatedAt,
		ExpiresAt:   id.ExpiresAt,
		Status:      id.Status,
	}
}

func fromRecord(rec *Record) (*Identity, error) {
	keyBlock, _ := pem.Decode(rec.KeyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("invalid key PEM for %s", rec.AgentID)
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key for %s: %w", rec.AgentID, err)
	}

	certBlock, _ := pem.Decode(rec.CertPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("invalid certificate PEM for %s", rec.AgentID)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate for %s: %w", rec.AgentID, err)
	}

	return &Identity{
		AgentID:     rec.AgentID,
		PrivateKey:  key,
		Certificate: cert,
		CertPEM:     rec.CertPEM,
		Fingerprint: rec.Fingerprint,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
		Status:      rec.Status,
	}, nil
}
