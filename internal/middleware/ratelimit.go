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

package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
)

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPLimiter is a token bucket per client IP. It sits in front of the
// principal limiter to shed floods before any token work is done.
type IPLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*ipEntry
}

// NewIPLimiter creates a limiter allowing rps requests per second with the
// given burst per IP. A non-positive rps disables limiting.
func NewIPLimiter(rps float64, burst int) *IPLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &IPLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*ipEntry),
	}
}

// Allow reports whether ip may make a request now
func (l *IPLimiter) Allow(ip string) bool {
	if l.rps <= 0 {
		return true
	}

	l.mu.Lock()
	e, ok := l.clients[ip]
	if !ok {
		e = &ipEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[ip] = e
	}
	e.lastSeen = time.Now()
	l.mu.Unlock()

	return e.limiter.Allow()
}

// Cleanup forgets clients idle for longer than idle and returns how many
// were dropped
func (l *IPLimiter) Cleanup(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for ip, e := range l.clients {
		if e.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
			removed++
		}
	}
	return removed
}

// RateLimit rejects requests from client IPs over their token bucket
func RateLimit(l *IPLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			Abort(c, a2aerrors.New(a2aerrors.ErrRateLimitExceeded, "too many requests, please try again later"))
			return
		}
		c.Next()
	}
}
