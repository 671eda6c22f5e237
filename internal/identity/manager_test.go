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

package identity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a2ahub/a2a-engine/internal/config"
	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/logging"
)

func newTestManager(t *testing.T, store Store) *Manager {
	t.Helper()
	cfg := config.DefaultConfig().Identity
	return NewManager(store, cfg, logging.Discard())
}

func TestGenerateAndLoad(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMemoryStore())

	id, err := m.Generate(ctx, "agent-a", GenerateOptions{Organization: "Acme"})
	require.NoError(t, err)

	assert.Equal(t, "agent-a", id.Certificate.Subject.CommonName)
	assert.Equal(t, []string{"Acme"}, id.Certificate.Subject.Organization)
	assert.Equal(t, KeySize, id.PrivateKey.N.BitLen())
	assert.Equal(t, StatusActive, id.Status)
	assert.WithinDuration(t, time.Now().Add(365*24*time.Hour), id.ExpiresAt, time.Minute)

	loaded, err := m.Load(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, id.Fingerprint, loaded.Fingerprint)
}

func TestLoadMissingIdentity(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())

	_, err := m.Load(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrIdentityNotFound))

	_, err = m.Sign(context.Background(), "ghost", []byte("data"))
	assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrIdentityNotFound))
}

func TestLoadExpiredCertificateEvenWhenCached(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMemoryStore())

	_, err := m.Generate(ctx, "agent-a", GenerateOptions{})
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(400 * 24 * time.Hour) }

	_, err = m.Load(ctx, "agent-a")
	require.Error(t, err)
	assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrIdentityExpired))

	_, err = m.Sign(ctx, "agent-a", []byte("payload"))
	assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrIdentityExpired))
}

func TestSignVerify(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMemoryStore())

	_, err := m.Generate(ctx, "agent-a", GenerateOptions{})
	require.NoError(t, err)

	data := []byte("nonce|wrapped|ciphertext")
	sig, err := m.Sign(ctx, "agent-a", data)
	require.NoError(t, err)

	ok, err := m.Verify(ctx, "agent-a", data, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	sig[0] ^= 0x01
	ok, err = m.Verify(ctx, "agent-a", data, sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRotateKeepsHistory(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMemoryStore())

	first, err := m.Generate(ctx, "agent-a", GenerateOptions{})
	require.NoError(t, err)

	second, err := m.Rotate(ctx, "agent-a")
	require.NoError(t, err)
	assert.NotEqual(t, first.Fingerprint, second.Fingerprint)

	active, err := m.Load(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, second.Fingerprint, active.Fingerprint)

	history, err := m.History(ctx, "agent-a")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, StatusRotated, history[0].Status)
	assert.Equal(t, StatusActive, history[1].Status)
	assert.Nil(t, history[0].KeyPEM, "history must not expose key material")

	// old signatures no longer verify against the active identity
	sig, err := SignPSS(first.PrivateKey, []byte("x"))
	require.NoError(t, err)
	ok, err := m.Verify(ctx, "agent-a", []byte("x"), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRotateUnknownAgent(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())
	_, err := m.Rotate(context.Background(), "ghost")
	assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrIdentityNotFound))
}

func TestImportPeer(t *testing.T) {
	ctx := context.Background()
	remote := newTestManager(t, NewMemoryStore())
	local := newTestManager(t, NewMemoryStore())

	peerID, err := remote.Generate(ctx, "agent-b", GenerateOptions{})
	require.NoError(t, err)

	require.NoError(t, local.ImportPeer(ctx, "agent-b", peerID.CertPEM, nil))
	require.NoError(t, local.ImportPeer(ctx, "agent-b", peerID.CertPEM, nil), "re-import of the trusted certificate")

	sig, err := remote.Sign(ctx, "agent-b", []byte("hello"))
	require.NoError(t, err)

	ok, err := local.Verify(ctx, "agent-b", []byte("hello"), sig)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Error(t, local.ImportPeer(ctx, "agent-c", []byte("not pem"), nil))
}

func TestImportPeerCannotShadowLocalIdentity(t *testing.T) {
	ctx := context.Background()
	local := newTestManager(t, NewMemoryStore())
	attacker := newTestManager(t, NewMemoryStore())

	own, err := local.Generate(ctx, "node-1", GenerateOptions{})
	require.NoError(t, err)
	forged, err := attacker.Generate(ctx, "node-1", GenerateOptions{CommonName: "evil"})
	require.NoError(t, err)

	err = local.ImportPeer(ctx, "node-1", forged.CertPEM, nil)
	assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrForbidden))

	cert, err := local.Certificate(ctx, "node-1")
	require.NoError(t, err)
	assert.True(t, cert.Equal(own.Certificate))
}

func TestCertificatePrefersLocalIdentity(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMemoryStore())
	other := newTestManager(t, NewMemoryStore())

	peer, err := other.Generate(ctx, "agent-b", GenerateOptions{})
	require.NoError(t, err)
	require.NoError(t, m.ImportPeer(ctx, "agent-b", peer.CertPEM, nil))

	// a local identity issued later takes precedence over the peer entry
	own, err := m.Generate(ctx, "agent-b", GenerateOptions{})
	require.NoError(t, err)

	cert, err := m.Certificate(ctx, "agent-b")
	require.NoError(t, err)
	assert.True(t, cert.Equal(own.Certificate))
}

func TestImportPeerReplacementRequiresProof(t *testing.T) {
	ctx := context.Background()
	remote := newTestManager(t, NewMemoryStore())
	local := newTestManager(t, NewMemoryStore())
	attacker := newTestManager(t, NewMemoryStore())

	original, err := remote.Generate(ctx, "agent-b", GenerateOptions{})
	require.NoError(t, err)
	assert.Empty(t, original.ReplacementProof)
	require.NoError(t, local.ImportPeer(ctx, "agent-b", original.CertPEM, nil))

	forged, err := attacker.Generate(ctx, "agent-b", GenerateOptions{CommonName: "evil"})
	require.NoError(t, err)
	err = local.ImportPeer(ctx, "agent-b", forged.CertPEM, nil)
	assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrForbidden))

	selfSigned, err := SignPSS(forged.PrivateKey, forged.Certificate.Raw)
	require.NoError(t, err)
	err = local.ImportPeer(ctx, "agent-b", forged.CertPEM, selfSigned)
	assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrForbidden), "proof must come from the trusted key")

	rotated, err := remote.Rotate(ctx, "agent-b")
	require.NoError(t, err)
	require.NotEmpty(t, rotated.ReplacementProof)
	require.NoError(t, local.ImportPeer(ctx, "agent-b", rotated.CertPEM, rotated.ReplacementProof))

	cert, err := local.Certificate(ctx, "agent-b")
	require.NoError(t, err)
	assert.True(t, cert.Equal(rotated.Certificate))
}

func TestNeedsRotationAndCleanup(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMemoryStore())

	_, err := m.Generate(ctx, "agent-a", GenerateOptions{})
	require.NoError(t, err)

	due, err := m.NeedsRotation(ctx, "agent-a", 30*24*time.Hour)
	require.NoError(t, err)
	assert.False(t, due)

	m.now = func() time.Time { return time.Now().Add(340 * 24 * time.Hour) }
	due, err = m.NeedsRotation(ctx, "agent-a", 30*24*time.Hour)
	require.NoError(t, err)
	assert.True(t, due)

	m.now = func() time.Time { return time.Now().Add(400 * 24 * time.Hour) }
	n, err := m.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	history, err := m.History(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, history[0].Status)
}

func TestEnsureGeneratesOnce(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMemoryStore())

	first, err := m.Ensure(ctx, "agent-a")
	require.NoError(t, err)
	second, err := m.Ensure(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
}

func TestSQLiteStorePersistsAcrossManagers(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "identities.db")

	store, err := OpenSQLiteStore(path)
	require.NoError(t, err)

	m := newTestManager(t, store)
	id, err := m.Generate(ctx, "agent-a", GenerateOptions{})
	require.NoError(t, err)
	_, err = m.Rotate(ctx, "agent-a")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	m2 := newTestManager(t, reopened)
	loaded, err := m2.Load(ctx, "agent-a")
	require.NoError(t, err)
	assert.NotEqual(t, id.Fingerprint, loaded.Fingerprint)

	history, err := m2.History(ctx, "agent-a")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, id.Fingerprint, history[0].Fingerprint)
	assert.Equal(t, StatusRotated, history[0].Status)

	active, err := reopened.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}
