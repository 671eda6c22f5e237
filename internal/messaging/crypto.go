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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/hkdf"

	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/identity"
	"github.com/a2ahub/a2a-engine/internal/types"
	"github.com/a2ahub/a2a-engine/internal/validation"
)

const (
	sessionKeySize = 32 // AES-256
	nonceSize      = 12 // GCM standard nonce
)

// HKDF info labels for the per-field subkeys
var (
	payloadKeyInfo  = []byte("a2a/v1 payload")
	metadataKeyInfo = []byte("a2a/v1 metadata")
)

// Encrypt seals msg for the holder of recipientKey and signs the result with
// senderKey. Payload and metadata are canonicalized and encrypted separately
// under subkeys derived from one random session key, which is wrapped with
// RSA-OAEP. The header travels in the clear.
func (m *Manager) Encrypt(msg *types.Message, recipientKey *rsa.PublicKey, senderKey *rsa.PrivateKey) (*types.EncryptedMessage, error) {
	start := m.now()
	enc, err := encrypt(msg, recipientKey, senderKey)
	m.metrics.RecordCrypto("encrypt", err == nil, m.now().Sub(start))
	if err != nil {
		m.logger.Error("Message encryption failed", err)
		return nil, err
	}
	return enc, nil
}

// Decrypt verifies the sender signature and, only if it matches, opens the
// session key and both ciphertexts. No plaintext is returned on any failure.
func (m *Manager) Decrypt(enc *types.EncryptedMessage, recipientKey *rsa.PrivateKey, senderKey *rsa.PublicKey) (*types.Message, error) {
	start := m.now()
	msg, err := decrypt(enc, recipientKey, senderKey)
	m.metrics.RecordCrypto("decrypt", err == nil, m.now().Sub(start))
	if err != nil {
		logger := m.logger
		if enc != nil {
			logger = logger.WithFields(map[string]interface{}{
				"message_id": enc.Header.MessageID,
				"sender_id":  enc.Header.SenderID,
			})
		}
		logger.Warnf("Message decryption rejected: %v", err)
		return nil, err
	}
	return msg, nil
}

func encrypt(msg *types.Message, recipientKey *rsa.PublicKey, senderKey *rsa.PrivateKey) (*types.EncryptedMessage, error) {
	if msg == nil || recipientKey == nil || senderKey == nil {
		return nil, a2aerrors.New(a2aerrors.ErrEncryptionFailed, "message, recipient key and sender key are required")
	}

	payload, err := canonicalJSON(msg.Payload)
	if err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrEncryptionFailed, "failed to canonicalize payload", err)
	}
	metadata, err := canonicalJSON(msg.Metadata)
	if err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrEncryptionFailed, "failed to canonicalize metadata", err)
	}

	sessionKey := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(rand.Reader, sessionKey); err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrEncryptionFailed, "failed to generate session key", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrEncryptionFailed, "failed to generate nonce", err)
	}

	payloadAEAD, metadataAEAD, err := fieldCiphers(sessionKey, nonce)
	if err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrEncryptionFailed, "failed to derive field keys", err)
	}
	encPayload := payloadAEAD.Seal(nil, nonce, payload, nil)
	encMetadata := metadataAEAD.Seal(nil, nonce, metadata, nil)

	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, recipientKey, sessionKey, nil)
	if err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrEncryptionFailed, "failed to wrap session key", err)
	}

	signature, err := identity.SignPSS(senderKey, signedBytes(nonce, wrappedKey, encPayload, encMetadata))
	if err != nil {
		return nil, err
	}

	return &types.EncryptedMessage{
		Header:              msg.Header,
		EncryptedPayload:    hex.EncodeToString(encPayload),
		EncryptedMetadata:   hex.EncodeToString(encMetadata),
		EncryptedSessionKey: hex.EncodeToString(wrappedKey),
		Nonce:               hex.EncodeToString(nonce),
		Signature:           hex.EncodeToString(signature),
		Encryption: types.EncryptionInfo{
			Algorithm:     validation.EncryptionAlgorithm,
			KeySize:       validation.EncryptionKeySize,
			HashAlgorithm: validation.EncryptionHash,
		},
	}, nil
}

func decrypt(enc *types.EncryptedMessage, recipientKey *rsa.PrivateKey, senderKey *rsa.PublicKey) (*types.Message, error) {
	if enc == nil || recipientKey == nil || senderKey == nil {
		return nil, a2aerrors.New(a2aerrors.ErrDecryptionFailed, "message, recipient key and sender key are required")
	}

	fields, err := decodeFields(enc)
	if err != nil {
		return nil, err
	}

	if err := identity.VerifyPSS(senderKey, signedBytes(fields.nonce, fields.wrappedKey, fields.payload, fields.metadata), fields.signature); err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrSignatureVerificationFailed,
			"signature verification failed for message "+enc.Header.MessageID, err)
	}

	sessionKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, recipientKey, fields.wrappedKey, nil)
	if err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrDecryptionFailed, "failed to unwrap session key", err)
	}
	if len(fields.nonce) != nonceSize {
		return nil, a2aerrors.Newf(a2aerrors.ErrDecryptionFailed, "invalid nonce length %d", len(fields.nonce))
	}

	payloadAEAD, metadataAEAD, err := fieldCiphers(sessionKey, fields.nonce)
	if err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrDecryptionFailed, "failed to derive field keys", err)
	}

	payload, err := payloadAEAD.Open(nil, fields.nonce, fields.payload, nil)
	if err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrDecryptionFailed, "payload authentication failed", err)
	}
	metadataJSON, err := metadataAEAD.Open(nil, fields.nonce, fields.metadata, nil)
	if err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrDecryptionFailed, "metadata authentication failed", err)
	}

	var metadata types.Metadata
	if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrDecryptionFailed, "failed to parse metadata", err)
	}
	if !json.Valid(payload) {
		return nil, a2aerrors.New(a2aerrors.ErrDecryptionFailed, "decrypted payload is not valid JSON")
	}

	return &types.Message{
		Header:   enc.Header,
		Payload:  json.RawMessage(payload),
		Metadata: metadata,
	}, nil
}

type sealedFields struct {
	payload    []byte
	metadata   []byte
	wrappedKey []byte
	nonce      []byte
	signature  []byte
}

func decodeFields(enc *types.EncryptedMessage) (*sealedFields, error) {
	var f sealedFields
	for _, field := range []struct {
		name string
		src  string
		dst  *[]byte
	}{
		{"encrypted_payload", enc.EncryptedPayload, &f.payload},
		{"encrypted_metadata", enc.EncryptedMetadata, &f.metadata},
		{"encrypted_session_key", enc.EncryptedSessionKey, &f.wrappedKey},
		{"nonce", enc.Nonce, &f.nonce},
		{"signature", enc.Signature, &f.signature},
	} {
		b, err := hex.DecodeString(field.src)
		if err != nil {
			return nil, a2aerrors.Wrap(a2aerrors.ErrDecryptionFailed, field.name+" is not valid hex", err)
		}
		*field.dst = b
	}
	return &f, nil
}

// signedBytes is nonce || wrapped key || payload ciphertext || metadata ciphertext
func signedBytes(nonce, wrappedKey, encPayload, encMetadata []byte) []byte {
	out := make([]byte, 0, len(nonce)+len(wrappedKey)+len(encPayload)+len(encMetadata))
	out = append(out, nonce...)
	out = append(out, wrappedKey...)
	out = append(out, encPayload...)
	return append(out, encMetadata...)
}

// fieldCiphers derives independent payload and metadata keys from the
// session key, salted with the nonce, so the shared nonce is never reused
// under a single key.
func fieldCiphers(sessionKey, nonce []byte) (cipher.AEAD, cipher.AEAD, error) {
	payloadAEAD, err := derivedAEAD(sessionKey, nonce, payloadKeyInfo)
	if err != nil {
		return nil, nil, err
	}
	metadataAEAD, err := derivedAEAD(sessionKey, nonce, metadataKeyInfo)
	if err != nil {
		return nil, nil, err
	}
	return payloadAEAD, metadataAEAD, nil
}

func derivedAEAD(sessionKey, salt, info []byte) (cipher.AEAD, error) {
	key := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sessionKey, salt, info), key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// canonicalJSON encodes v (or passes raw JSON through) in RFC 8785 form
func canonicalJSON(v interface{}) ([]byte, error) {
	var data []byte
	switch raw := v.(type) {
	case json.RawMessage:
		data = raw
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return nil, err
		}
	}
	return jcs.Transform(data)
}

// KeySource resolves agent keys; *identity.Manager satisfies it
type KeySource interface {
	Load(ctx context.Context, agentID string) (*identity.Identity, error)
	PublicKey(ctx context.Context, agentID string) (*rsa.PublicKey, error)
}

// SealFor encrypts msg for its recipient using the recipient's certificate
// key and the sender's active identity.
func (m *Manager) SealFor(ctx context.Context, keys KeySource, msg *types.Message) (*types.EncryptedMessage, error) {
	recipientKey, err := keys.PublicKey(ctx, msg.Header.RecipientID)
	if err != nil {
		return nil, err
	}
	sender, err := keys.Load(ctx, msg.Header.SenderID)
	if err != nil {
		return nil, err
	}
	return m.Encrypt(msg, recipientKey, sender.PrivateKey)
}

// Open decrypts enc using the recipient's active identity and the sender's
// certificate key.
func (m *Manager) Open(ctx context.Context, keys KeySource, enc *types.EncryptedMessage) (*types.Message, error) {
	recipient, err := keys.Load(ctx, enc.Header.RecipientID)
	if err != nil {
		return nil, err
	}
	senderKey, err := keys.PublicKey(ctx, enc.Header.SenderID)
	if err != nil {
		return nil, err
	}
	return m.Decrypt(enc, recipient.PrivateKey, senderKey)
}
