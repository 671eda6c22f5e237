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
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/a2ahub/a2a-engine/internal/auth"
	"github.com/a2ahub/a2a-engine/internal/config"
	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/logging"
	"github.com/a2ahub/a2a-engine/internal/mcpsign"
	"github.com/a2ahub/a2a-engine/internal/metrics"
	"github.com/a2ahub/a2a-engine/internal/security"
)

// Context keys set by the middleware chain
const (
	KeyRequestID  = "request_id"
	KeyClaims     = "claims"
	KeyAuthMethod = "auth_method"
	KeyMCPHeaders = "mcp_headers"
	KeyAdmin      = "admin_authenticated"
	KeyTenant     = "tenant_id"
)

// HeaderTenantID selects the tenant of a node API request
const HeaderTenantID = "X-Tenant-ID"

// TokenValidator validates bearer tokens; *auth.Manager satisfies it
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// AccessValidator enforces tenant isolation; *tenancy.Service satisfies it
type AccessValidator interface {
	ValidateAccess(ctx context.Context, claims *auth.Claims, tenant, session string, domain auth.Domain, op auth.Operation) error
}

// RateChecker limits principals; *security.Service satisfies it
type RateChecker interface {
	CheckRateLimit(ctx context.Context, key security.RateKey) error
	IsUserBlocked(principal string) bool
}

// SignatureVerifier checks MCP header signatures; *mcpsign.Service satisfies it
type SignatureVerifier interface {
	Verify(h *mcpsign.Headers, maxAge time.Duration) mcpsign.VerifyResult
}

// Logger logs every request through the structured logger and records
// HTTP metrics
func Logger(logger *logging.Logger, m metrics.MetricsProvider) gin.HandlerFunc {
	if m == nil {
		m = metrics.NoopMetrics{}
	}
	logger = logger.WithComponent("http")
	return func(c *gin.Context) {
		start := time.Now()
		m.IncHTTPRequestsInFlight()
		defer m.DecHTTPRequestsInFlight()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		duration := time.Since(start)
		m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), duration)
		logger.WithContext(c.Request.Context()).LogRequest(
			c.Request.Method,
			c.Request.URL.Path,
			c.ClientIP(),
			c.Request.UserAgent(),
			c.Writer.Status(),
			duration,
		)
	}
}

// RequestID adds a unique request ID to each request and its context
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Header("X-Request-ID", requestID)
		c.Set(KeyRequestID, requestID)
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}

// CORS adds CORS headers
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", strings.Join([]string{
			"Content-Type", "Authorization", "X-Request-ID", "X-A2A-Protocol-Version", "X-Admin-Key", HeaderTenantID,
			mcpsign.HeaderTenantID, mcpsign.HeaderTraceID, mcpsign.HeaderConversationID,
			mcpsign.HeaderCaller, mcpsign.HeaderReplyTo, mcpsign.HeaderAuthSig, mcpsign.HeaderTimestamp,
		}, ", "))
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// SecurityHeaders adds security-related headers
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if c.Request.TLS != nil {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}

// RequestSizeLimit limits the size of incoming requests
func RequestSizeLimit(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			Abort(c, a2aerrors.Newf(a2aerrors.ErrMessageTooLarge,
				"request body too large, maximum size is %d bytes", maxSize))
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// ProtocolVersion rejects requests that ask for an unsupported protocol
// version
func ProtocolVersion(supported string) gin.HandlerFunc {
	return func(c *gin.Context) {
		version := c.GetHeader("X-A2A-Protocol-Version")
		if version != "" && version != supported {
			Abort(c, a2aerrors.Newf(a2aerrors.ErrValidationFailed, "unsupported protocol version: %s", version).
				WithDetail("supported_version", supported))
			return
		}
		c.Next()
	}
}

// Auth validates bearer JWTs. When authentication is not required a
// missing token passes through anonymously, but a presented token must
// still be valid.
func Auth(cfg config.AuthConfig, tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			if cfg.RequireAuth {
				Abort(c, a2aerrors.New(a2aerrors.ErrUnauthorized, "valid authentication is required"))
				return
			}
			c.Next()
			return
		}

		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			Abort(c, a2aerrors.New(a2aerrors.ErrTokenInvalid, "authorization header must carry a bearer token"))
			return
		}

		claims, err := tokens.Validate(strings.TrimSpace(token))
		if err != nil {
			Abort(c, err)
			return
		}

		c.Set(KeyClaims, claims)
		c.Set(KeyAuthMethod, "jwt")
		ctx := logging.WithAgentID(c.Request.Context(), claims.Principal())
		if claims.TenantID != "" {
			ctx = logging.WithTenantID(ctx, claims.TenantID)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// ClaimsFrom returns the claims stored by Auth
func ClaimsFrom(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(KeyClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok && claims != nil
}

// AdminAuth admits callers presenting a key from the admin key file or a
// token granting admin:admin on every tenant. With no key file configured
// only the token is checked, and only when authentication is required.
func AdminAuth(cfg config.AuthConfig) gin.HandlerFunc {
	header := cfg.AdminAPIKeyHeader
	if header == "" {
		header = "X-Admin-Key"
	}
	adminScope := auth.NewScope(auth.DomainAdmin, auth.OpAdmin, "*", "*")

	return func(c *gin.Context) {
		if claims, ok := ClaimsFrom(c); ok && auth.HasScope(claims, adminScope) {
			c.Set(KeyAdmin, true)
			c.Set(KeyAuthMethod, "jwt_admin")
			c.Next()
			return
		}

		if cfg.AdminKeyFile == "" {
			if cfg.RequireAuth {
				Abort(c, a2aerrors.New(a2aerrors.ErrForbidden, "admin scope required").
					WithDetail("required_scope", adminScope.String()))
				return
			}
			c.Next()
			return
		}

		adminKey := c.GetHeader(header)
		if adminKey == "" {
			Abort(c, a2aerrors.New(a2aerrors.ErrUnauthorized, "admin API key required for administrative operations").
				WithDetails(map[string]interface{}{
					"required_header": header,
					"endpoint":        c.Request.URL.Path,
				}))
			return
		}

		if !validateAdminKey(adminKey, cfg.AdminKeyFile) {
			Abort(c, a2aerrors.New(a2aerrors.ErrForbidden, "invalid admin API key").
				WithDetail("endpoint", c.Request.URL.Path))
			return
		}

		c.Set(KeyAdmin, true)
		c.Set(KeyAuthMethod, "admin_key")
		c.Next()
	}
}

// TenantGuard enforces tenant isolation for domain:op. The tenant comes
// from the :tenant path parameter, the X-Tenant-ID header or the caller's
// bound tenant, in that order. Admin-authenticated requests skip the check.
func TenantGuard(validator AccessValidator, domain auth.Domain, op auth.Operation) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetBool(KeyAdmin) {
			c.Next()
			return
		}

		claims, _ := ClaimsFrom(c)
		tenant := c.Param("tenant")
		if tenant == "" {
			tenant = c.GetHeader(HeaderTenantID)
		}
		if tenant == "" && claims != nil {
			tenant = claims.TenantID
		}

		session := "*"
		if claims != nil && claims.SessionID != "" {
			session = claims.SessionID
		}

		if err := validator.ValidateAccess(c.Request.Context(), claims, tenant, session, domain, op); err != nil {
			Abort(c, err)
			return
		}
		c.Set(KeyTenant, tenant)
		c.Next()
	}
}

// PrincipalRateLimit applies the security service's sliding-window limit
// keyed by principal, tenant and route. Anonymous callers are keyed by IP.
func PrincipalRateLimit(limiter RateChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := security.RateKey{User: "ip:" + c.ClientIP(), Endpoint: c.FullPath()}
		if claims, ok := ClaimsFrom(c); ok {
			key.User = claims.Principal()
			key.Tenant = claims.TenantID
			key.Agent = claims.AgentID
		}

		if limiter.IsUserBlocked(key.User) {
			Abort(c, a2aerrors.Newf(a2aerrors.ErrPrincipalBlocked, "principal %s is blocked", key.User))
			return
		}
		if err := limiter.CheckRateLimit(c.Request.Context(), key); err != nil {
			if a2aErr, ok := a2aerrors.AsA2AError(err); ok {
				if retry, ok := a2aErr.Details["retry_after_seconds"].(int); ok {
					c.Header("Retry-After", fmt.Sprint(retry))
				}
			}
			Abort(c, err)
			return
		}
		c.Next()
	}
}

// MCPVerify checks the MCP header signature when MCP headers are present.
// With required set, requests without MCP headers are rejected too. The
// header set is stored in the request context for the message handlers.
func MCPVerify(verifier SignatureVerifier, maxAge time.Duration, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !mcpsign.Present(c.Request.Header) {
			if required {
				Abort(c, a2aerrors.New(a2aerrors.ErrMCPSignature, "MCP headers required"))
				return
			}
			c.Next()
			return
		}

		headers, err := mcpsign.HeadersFromHTTP(c.Request.Header)
		if err != nil {
			Abort(c, a2aerrors.Wrap(a2aerrors.ErrInvalidRequestFormat, err.Error(), err))
			return
		}
		if headers.AuthSig != "" || required {
			if err := verifier.Verify(headers, maxAge).Err(); err != nil {
				Abort(c, err)
				return
			}
			headers.Verified = true
		}

		c.Set(KeyMCPHeaders, headers)
		ctx := mcpsign.WithHeaders(c.Request.Context(), headers)
		c.Request = c.Request.WithContext(logging.WithTraceID(ctx, headers.TraceID))
		c.Next()
	}
}

// Abort writes err as an error response and stops the chain. Errors that
// are not A2AErrors are reported as internal errors without their text.
func Abort(c *gin.Context, err error) {
	a2aErr, ok := a2aerrors.AsA2AError(err)
	if !ok {
		a2aErr = a2aerrors.New(a2aerrors.ErrInternalError, "internal error")
	}
	resp := a2aErr.ToErrorResponse()
	resp.Error.RequestID = c.GetString(KeyRequestID)
	if resp.Error.Timestamp.IsZero() {
		resp.Error.Timestamp = time.Now().UTC()
	}
	c.AbortWithStatusJSON(a2aErr.GetHTTPStatus(), resp)
}

// validateAdminKey validates the provided admin key against the key file
func validateAdminKey(providedKey, keyFile string) bool {
	data, err := os.ReadFile(filepath.Clean(keyFile))
	if err != nil {
		return false
	}

	// one key per line, blank lines and comments ignored
	lines := strings.Split(string(data), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(line)) == 1 {
			return true
		}
	}

	return false
}
