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
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"

	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/types"
)

// CompressionGzip is the only supported payload compression
const CompressionGzip = "gzip"

// maxDecompressedSize bounds gunzip output for messages with no size limit
const maxDecompressedSize = 64 << 20

// Compress gzips the payload when it is at least the configured threshold
// and the result is strictly smaller. The compressed payload is carried as
// a base64 JSON string. The input message is not modified.
func (m *Manager) Compress(msg *types.Message) (*types.Message, error) {
	if msg.Metadata.Compressed || len(msg.Payload) < m.cfg.CompressionThreshold {
		return msg, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(msg.Payload); err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrInternalError, "failed to compress payload", err)
	}
	if err := zw.Close(); err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrInternalError, "failed to compress payload", err)
	}

	encoded, err := json.Marshal(buf.Bytes())
	if err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrInternalError, "failed to encode compressed payload", err)
	}
	if len(encoded) >= len(msg.Payload) {
		return msg, nil
	}

	out := *msg
	out.Payload = encoded
	out.Metadata.Compressed = true
	out.Metadata.Compression = &types.CompressionInfo{
		Algorithm:      CompressionGzip,
		OriginalSize:   len(msg.Payload),
		CompressedSize: buf.Len(),
	}
	return &out, nil
}

// Decompress restores a payload produced by Compress. Uncompressed messages
// are returned unchanged.
func (m *Manager) Decompress(msg *types.Message) (*types.Message, error) {
	if !msg.Metadata.Compressed {
		return msg, nil
	}
	if info := msg.Metadata.Compression; info != nil && info.Algorithm != CompressionGzip {
		return nil, a2aerrors.Newf(a2aerrors.ErrMessageValidationFailed, "unsupported compression: %s", info.Algorithm)
	}

	var compressed []byte
	if err := json.Unmarshal(msg.Payload, &compressed); err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrMessageValidationFailed, "compressed payload is not a base64 string", err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrMessageValidationFailed, "invalid gzip payload", err)
	}
	defer func() {
		_ = zr.Close() // nolint:errcheck
	}()

	limit := m.cfg.MaxSize
	if limit <= 0 {
		limit = maxDecompressedSize
	}
	payload, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, a2aerrors.Wrap(a2aerrors.ErrMessageValidationFailed, "invalid gzip payload", err)
	}
	if int64(len(payload)) > limit {
		return nil, a2aerrors.Newf(a2aerrors.ErrMessageTooLarge, "decompressed payload exceeds %d bytes", limit)
	}
	if !json.Valid(payload) {
		return nil, a2aerrors.New(a2aerrors.ErrMessageValidationFailed, "decompressed payload is not valid JSON")
	}

	out := *msg
	out.Payload = payload
	out.Metadata.Compressed = false
	out.Metadata.Compression = nil
	return &out, nil
}
