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

package messaging

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a2ahub/a2a-engine/internal/config"
	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/identity"
	"github.com/a2ahub/a2a-engine/internal/logging"
	"github.com/a2ahub/a2a-engine/internal/metrics"
	"github.com/a2ahub/a2a-engine/internal/types"
)

var (
	keysOnce                       sync.Once
	senderKey, recipientKey, other *rsa.PrivateKey
)

func testKeys(t *testing.T) (sender, recipient, stranger *rsa.PrivateKey) {
	t.Helper()
	keysOnce.Do(func() {
		var err error
		for _, k := range []**rsa.PrivateKey{&senderKey, &recipientKey, &other} {
			if *k, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
				panic(err)
			}
		}
	})
	return senderKey, recipientKey, other
}

func newTestManager(opts ...Option) *Manager {
	return NewManager(config.MessageConfig{MaxSize: 10 * 1024 * 1024}, logging.Discard(), opts...)
}

func analyzeRequest(t *testing.T, m *Manager) *types.Message {
	t.Helper()
	msg, err := m.CreateMessage("agent-b", "agent-a", types.MessageTypeRequest,
		map[string]interface{}{"action": "analyze", "parameters": map[string]int{"x": 1}})
	require.NoError(t, err)
	return msg
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sender, recipient, _ := testKeys(t)
	m := newTestManager()
	msg := analyzeRequest(t, m)

	enc, err := m.Encrypt(msg, &recipient.PublicKey, sender)
	require.NoError(t, err)

	assert.Equal(t, msg.Header, enc.Header, "header travels in the clear")
	assert.Equal(t, "AES-256-GCM", enc.Encryption.Algorithm)
	assert.Equal(t, 256, enc.Encryption.KeySize)
	assert.Equal(t, "SHA-256", enc.Encryption.HashAlgorithm)
	nonce, err := hex.DecodeString(enc.Nonce)
	require.NoError(t, err)
	assert.Len(t, nonce, 12)
	assert.NotContains(t, enc.EncryptedPayload, hex.EncodeToString([]byte("analyze")))

	dec, err := m.Decrypt(enc, recipient, &sender.PublicKey)
	require.NoError(t, err)

	assert.Equal(t, msg.Header, dec.Header)
	assert.JSONEq(t, string(msg.Payload), string(dec.Payload))
	wantMeta, _ := json.Marshal(msg.Metadata)
	gotMeta, _ := json.Marshal(dec.Metadata)
	assert.JSONEq(t, string(wantMeta), string(gotMeta))
}

func TestEncryptUsesFreshSessionKeys(t *testing.T) {
	sender, recipient, _ := testKeys(t)
	m := newTestManager()
	msg := analyzeRequest(t, m)

	a, err := m.Encrypt(msg, &recipient.PublicKey, sender)
	require.NoError(t, err)
	b, err := m.Encrypt(msg, &recipient.PublicKey, sender)
	require.NoError(t, err)

	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.EncryptedSessionKey, b.EncryptedSessionKey)
	assert.NotEqual(t, a.EncryptedPayload, b.EncryptedPayload)
}

func TestDecryptRejectsTamperedSignature(t *testing.T) {
	sender, recipient, _ := testKeys(t)
	m := newTestManager()
	enc, err := m.Encrypt(analyzeRequest(t, m), &recipient.PublicKey, sender)
	require.NoError(t, err)

	sig, _ := hex.DecodeString(enc.Signature)
	sig[len(sig)/2] ^= 0x01
	enc.Signature = hex.EncodeToString(sig)

	dec, err := m.Decrypt(enc, recipient, &sender.PublicKey)
	assert.Nil(t, dec)
	assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrSignatureVerificationFailed), "got %v", err)
}

func TestDecryptVerifiesBeforeDecrypting(t *testing.T) {
	sender, recipient, _ := testKeys(t)
	m := newTestManager()
	enc, err := m.Encrypt(analyzeRequest(t, m), &recipient.PublicKey, sender)
	require.NoError(t, err)

	// a corrupted ciphertext under the original signature must be reported as
	// a signature failure, never reach the AEAD and fail there
	ct, _ := hex.DecodeString(enc.EncryptedPayload)
	ct[0] ^= 0xff
	enc.EncryptedPayload = hex.EncodeToString(ct)

	_, err = m.Decrypt(enc, recipient, &sender.PublicKey)
	assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrSignatureVerificationFailed), "got %v", err)
}

func TestDecryptWrongSender(t *testing.T) {
	sender, recipient, stranger := testKeys(t)
	m := newTestManager()
	enc, err := m.Encrypt(analyzeRequest(t, m), &recipient.PublicKey, sender)
	require.NoError(t, err)

	_, err = m.Decrypt(enc, recipient, &stranger.PublicKey)
	assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrSignatureVerificationFailed), "got %v", err)
}

func TestDecryptWrongRecipient(t *testing.T) {
	sender, recipient, stranger := testKeys(t)
	m := newTestManager()
	enc, err := m.Encrypt(analyzeRequest(t, m), &recipient.PublicKey, sender)
	require.NoError(t, err)

	_, err = m.Decrypt(enc, stranger, &sender.PublicKey)
	assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrDecryptionFailed), "got %v", err)
}

func TestDecryptAEADFailure(t *testing.T) {
	sender, recipient, _ := testKeys(t)
	m := newTestManager()
	enc, err := m.Encrypt(analyzeRequest(t, m), &recipient.PublicKey, sender)
	require.NoError(t, err)

	// corrupt the metadata ciphertext and re-sign so only the tag check fails
	fields, err := decodeFields(enc)
	require.NoError(t, err)
	fields.metadata[len(fields.metadata)-1] ^= 0x01
	sig, err := identity.SignPSS(sender, signedBytes(fields.nonce, fields.wrappedKey, fields.payload, fields.metadata))
	require.NoError(t, err)
	enc.EncryptedMetadata = hex.EncodeToString(fields.metadata)
	enc.Signature = hex.EncodeToString(sig)

	dec, err := m.Decrypt(enc, recipient, &sender.PublicKey)
	assert.Nil(t, dec)
	assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrDecryptionFailed), "got %v", err)
}

func TestDecryptMalformedHex(t *testing.T) {
	sender, recipient, _ := testKeys(t)
	m := newTestManager()
	enc, err := m.Encrypt(analyzeRequest(t, m), &recipient.PublicKey, sender)
	require.NoError(t, err)

	enc.Nonce = "zz"
	_, err = m.Decrypt(enc, recipient, &sender.PublicKey)
	assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrDecryptionFailed), "got %v", err)
}

func TestEncryptRequiresKeys(t *testing.T) {
	_, recipient, _ := testKeys(t)
	m := newTestManager()
	_, err := m.Encrypt(analyzeRequest(t, m), &recipient.PublicKey, nil)
	assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrEncryptionFailed), "got %v", err)
}

func TestCryptoMetrics(t *testing.T) {
	sender, recipient, stranger := testKeys(t)
	sm := metrics.NewSimpleMetrics()
	m := newTestManager(WithMetrics(sm))

	enc, err := m.Encrypt(analyzeRequest(t, m), &recipient.PublicKey, sender)
	require.NoError(t, err)
	_, _ = m.Decrypt(enc, recipient, &sender.PublicKey)
	_, _ = m.Decrypt(enc, recipient, &stranger.PublicKey)

	assert.Equal(t, int64(1), sm.Count("crypto", "encrypt:success"))
	assert.Equal(t, int64(1), sm.Count("crypto", "decrypt:success"))
	assert.Equal(t, int64(1), sm.Count("crypto", "decrypt:failure"))
}

func TestSealForAndOpen(t *testing.T) {
	ctx := context.Background()
	ids := identity.NewManager(identity.NewMemoryStore(), config.IdentityConfig{}, logging.Discard())
	_, err := ids.Generate(ctx, "agent-a", identity.GenerateOptions{})
	require.NoError(t, err)
	_, err = ids.Generate(ctx, "agent-b", identity.GenerateOptions{})
	require.NoError(t, err)

	m := newTestManager()
	msg := analyzeRequest(t, m)

	enc, err := m.SealFor(ctx, ids, msg)
	require.NoError(t, err)

	dec, err := m.Open(ctx, ids, enc)
	require.NoError(t, err)
	assert.JSONEq(t, string(msg.Payload), string(dec.Payload))

	_, err = m.Open(ctx, ids, &types.EncryptedMessage{Header: types.Header{RecipientID: "agent-z", SenderID: "agent-b"}})
	assert.True(t, a2aerrors.IsCode(err, a2aerrors.ErrIdentityNotFound), "got %v", err)
}
