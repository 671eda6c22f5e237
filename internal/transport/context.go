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

package transport

import "context"

type peerKey struct{}

// WithPeer marks ctx as carrying an envelope received from a peer
func WithPeer(ctx context.Context) context.Context {
	return context.WithValue(ctx, peerKey{}, true)
}

// WithoutPeer clears the marker for envelopes a node sends to itself while
// handling a peer's envelope
func WithoutPeer(ctx context.Context) context.Context {
	return context.WithValue(ctx, peerKey{}, false)
}

// FromPeer reports whether ctx belongs to an envelope received by Server,
// as opposed to one delivered in process
func FromPeer(ctx context.Context) bool {
	v, _ := ctx.Value(peerKey{}).(bool)
	return v
}
