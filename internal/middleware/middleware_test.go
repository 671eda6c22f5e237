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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/a2ahub/a2a-engine/internal/auth"
	"github.com/a2ahub/a2a-engine/internal/config"
	"github.com/a2ahub/a2a-engine/internal/logging"
	"github.com/a2ahub/a2a-engine/internal/mcpsign"
	"github.com/a2ahub/a2a-engine/internal/metrics"
	"github.com/a2ahub/a2a-engine/internal/security"
	"github.com/a2ahub/a2a-engine/internal/storage"
	"github.com/a2ahub/a2a-engine/internal/tenancy"
	"github.com/a2ahub/a2a-engine/internal/types"
)

func okHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "success"})
}

func newAuthManager(t *testing.T, opts ...auth.Option) *auth.Manager {
	t.Helper()
	m, err := auth.NewManager(config.AuthConfig{
		Issuer:   "a2a-test",
		Audience: "a2a-test",
		Secret:   "0123456789abcdef0123456789abcdef",
		TokenTTL: time.Hour,
	}, logging.Discard(), opts...)
	if err != nil {
		t.Fatalf("Failed to create auth manager: %v", err)
	}
	return m
}

func issue(t *testing.T, m *auth.Manager, req auth.IssueRequest) string {
	t.Helper()
	token, _, err := m.Issue(req)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	return token
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.ErrorDetail {
	t.Helper()
	var body types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode error body %q: %v", w.Body.String(), err)
	}
	return body.Error
}

func writeAdminKeys(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "admin.keys")
	content := `# Admin keys for testing
test-admin-key-1
test-admin-key-2
# Another key
test-admin-key-3`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write admin keys file: %v", err)
	}
	return path
}

func TestAdminAuth_WithKeyFile(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.AuthConfig{
		RequireAuth:       true,
		AdminKeyFile:      writeAdminKeys(t),
		AdminAPIKeyHeader: "X-Admin-Key",
	}

	router := gin.New()
	router.Use(AdminAuth(cfg))
	router.GET("/admin/test", okHandler)

	tests := []struct {
		name           string
		adminKey       string
		expectedStatus int
		expectedCode   string
	}{
		{name: "valid admin key 1", adminKey: "test-admin-key-1", expectedStatus: http.StatusOK},
		{name: "valid admin key 3", adminKey: "test-admin-key-3", expectedStatus: http.StatusOK},
		{name: "comment line is not a key", adminKey: "# Another key", expectedStatus: http.StatusForbidden, expectedCode: "FORBIDDEN"},
		{name: "no admin key", expectedStatus: http.StatusUnauthorized, expectedCode: "UNAUTHORIZED"},
		{name: "invalid admin key", adminKey: "invalid-key", expectedStatus: http.StatusForbidden, expectedCode: "FORBIDDEN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/admin/test", nil)
			if tt.adminKey != "" {
				req.Header.Set("X-Admin-Key", tt.adminKey)
			}

			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if tt.expectedCode != "" {
				if got := decodeError(t, w).Code; got != tt.expectedCode {
					t.Errorf("Expected code %s, got %s", tt.expectedCode, got)
				}
			}
		})
	}
}

func TestAdminAuth_AdminScopeToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tokens := newAuthManager(t)

	cfg := config.AuthConfig{RequireAuth: true, AdminAPIKeyHeader: "X-Admin-Key"}
	router := gin.New()
	router.Use(Auth(cfg, tokens), AdminAuth(cfg))
	router.GET("/admin/test", okHandler)

	tests := []struct {
		name           string
		scopes         []string
		expectedStatus int
	}{
		{name: "global admin scope", scopes: []string{"admin:admin:*:*"}, expectedStatus: http.StatusOK},
		{name: "tenant admin scope", scopes: []string{"admin:admin:acme:*"}, expectedStatus: http.StatusForbidden},
		{name: "no scopes", expectedStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := issue(t, tokens, auth.IssueRequest{Subject: "operator", Scopes: tt.scopes})
			req := httptest.NewRequest("GET", "/admin/test", nil)
			req.Header.Set("Authorization", "Bearer "+token)

			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestAdminAuth_DisabledWithoutAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(AdminAuth(config.AuthConfig{}))
	router.GET("/admin/test", okHandler)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/admin/test", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tokens := newAuthManager(t)
	valid := issue(t, tokens, auth.IssueRequest{AgentID: "agent-a", TenantID: "acme"})
	past := newAuthManager(t, auth.WithClock(func() time.Time { return time.Now().Add(-2 * time.Hour) }))
	expired := issue(t, past, auth.IssueRequest{AgentID: "agent-a"})

	tests := []struct {
		name           string
		requireAuth    bool
		header         string
		expectedStatus int
		expectedCode   string
		expectClaims   bool
	}{
		{name: "anonymous allowed when not required", expectedStatus: http.StatusOK},
		{name: "anonymous rejected when required", requireAuth: true, expectedStatus: http.StatusUnauthorized, expectedCode: "UNAUTHORIZED"},
		{name: "valid token", requireAuth: true, header: "Bearer " + valid, expectedStatus: http.StatusOK, expectClaims: true},
		{name: "valid token when optional", header: "Bearer " + valid, expectedStatus: http.StatusOK, expectClaims: true},
		{name: "basic scheme", requireAuth: true, header: "Basic dXNlcjpwYXNz", expectedStatus: http.StatusUnauthorized, expectedCode: "TOKEN_INVALID"},
		{name: "empty bearer", requireAuth: true, header: "Bearer ", expectedStatus: http.StatusUnauthorized, expectedCode: "TOKEN_INVALID"},
		{name: "garbage token", header: "Bearer not.a.jwt", expectedStatus: http.StatusUnauthorized, expectedCode: "TOKEN_INVALID"},
		{name: "expired token", requireAuth: true, header: "Bearer " + expired, expectedStatus: http.StatusUnauthorized, expectedCode: "TOKEN_EXPIRED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(RequestID(), Auth(config.AuthConfig{RequireAuth: tt.requireAuth}, tokens))
			router.GET("/test", func(c *gin.Context) {
				claims, ok := ClaimsFrom(c)
				if ok != tt.expectClaims {
					t.Errorf("Expected claims present=%v, got %v", tt.expectClaims, ok)
				}
				if ok && claims.TenantID != "acme" {
					t.Errorf("Expected tenant acme, got %s", claims.TenantID)
				}
				okHandler(c)
			})

			req := httptest.NewRequest("GET", "/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if tt.expectedCode != "" {
				detail := decodeError(t, w)
				if detail.Code != tt.expectedCode {
					t.Errorf("Expected code %s, got %s", tt.expectedCode, detail.Code)
				}
				if detail.RequestID == "" {
					t.Error("Expected request ID in error body")
				}
			}
		})
	}
}

func TestTenantGuard(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tokens := newAuthManager(t)
	tenants := tenancy.NewService(config.TenancyConfig{Tenants: []string{"acme", "globex"}},
		storage.NewRingAuditSink(100), logging.Discard())

	router := gin.New()
	router.Use(Auth(config.AuthConfig{}, tokens))
	router.GET("/v1/tenants/:tenant/agents", TenantGuard(tenants, auth.DomainRegistry, auth.OpRead), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tenant": c.GetString(KeyTenant)})
	})
	router.GET("/v1/agents", TenantGuard(tenants, auth.DomainRegistry, auth.OpRead), okHandler)

	acmeReader := issue(t, tokens, auth.IssueRequest{Subject: "alice", TenantID: "acme", Scopes: []string{"registry:read:acme:*"}})
	globalReader := issue(t, tokens, auth.IssueRequest{Subject: "ops", Scopes: []string{"registry:read:*:*"}})
	writerOnly := issue(t, tokens, auth.IssueRequest{Subject: "bob", TenantID: "acme", Scopes: []string{"registry:write:acme:*"}})

	tests := []struct {
		name           string
		path           string
		token          string
		tenantHeader   string
		expectedStatus int
		expectedCode   string
	}{
		{name: "own tenant", path: "/v1/tenants/acme/agents", token: acmeReader, expectedStatus: http.StatusOK},
		{name: "cross tenant", path: "/v1/tenants/globex/agents", token: acmeReader, expectedStatus: http.StatusForbidden, expectedCode: "CROSS_TENANT_ACCESS"},
		{name: "global scope any tenant", path: "/v1/tenants/globex/agents", token: globalReader, expectedStatus: http.StatusOK},
		{name: "unknown tenant", path: "/v1/tenants/initech/agents", token: globalReader, expectedStatus: http.StatusNotFound, expectedCode: "UNKNOWN_TENANT"},
		{name: "missing scope", path: "/v1/tenants/acme/agents", token: writerOnly, expectedStatus: http.StatusForbidden, expectedCode: "TENANT_ISOLATION"},
		{name: "anonymous", path: "/v1/tenants/acme/agents", expectedStatus: http.StatusUnauthorized, expectedCode: "UNAUTHORIZED"},
		{name: "bound tenant fallback", path: "/v1/agents", token: acmeReader, expectedStatus: http.StatusOK},
		{name: "tenant header", path: "/v1/agents", token: globalReader, tenantHeader: "globex", expectedStatus: http.StatusOK},
		{name: "tenant header cross tenant", path: "/v1/agents", token: acmeReader, tenantHeader: "globex", expectedStatus: http.StatusForbidden, expectedCode: "CROSS_TENANT_ACCESS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			if tt.tenantHeader != "" {
				req.Header.Set(HeaderTenantID, tt.tenantHeader)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d: %s", tt.expectedStatus, w.Code, w.Body.String())
			}
			if tt.expectedCode != "" {
				detail := decodeError(t, w)
				if detail.Code != tt.expectedCode {
					t.Errorf("Expected code %s, got %s", tt.expectedCode, detail.Code)
				}
				if tt.expectedCode == "CROSS_TENANT_ACCESS" {
					if detail.Details["principal_tenant"] != "acme" || detail.Details["requested_tenant"] != "globex" {
						t.Errorf("Expected tenant mismatch in details, got %v", detail.Details)
					}
				}
			}
		})
	}
}

func TestPrincipalRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tokens := newAuthManager(t)
	monitor := security.NewService(config.SecurityConfig{RateLimit: 3, Window: time.Minute, BlockDuration: 5 * time.Minute}, logging.Discard())

	router := gin.New()
	router.Use(Auth(config.AuthConfig{}, tokens), PrincipalRateLimit(monitor))
	router.GET("/test", okHandler)

	alice := issue(t, tokens, auth.IssueRequest{Subject: "alice", TenantID: "acme"})
	bob := issue(t, tokens, auth.IssueRequest{Subject: "bob", TenantID: "acme"})

	send := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	for i := 0; i < 3; i++ {
		if w := send(alice); w.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i+1, w.Code)
		}
	}

	w := send(alice)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}
	if code := decodeError(t, w).Code; code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("Expected RATE_LIMIT_EXCEEDED, got %s", code)
	}

	if w := send(bob); w.Code != http.StatusOK {
		t.Errorf("Other principals are not limited, got %d", w.Code)
	}

	monitor.BlockUser("bob", "manual")
	if w := send(bob); w.Code != http.StatusForbidden {
		t.Errorf("Expected blocked principal to get 403, got %d", w.Code)
	}
}

func TestRateLimitPerIP(t *testing.T) {
	gin.SetMode(gin.TestMode)

	limiter := NewIPLimiter(0.001, 2)
	router := gin.New()
	router.Use(RateLimit(limiter))
	router.GET("/test", okHandler)

	send := func(ip string) int {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = ip + ":1234"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	if code := send("10.0.0.1"); code != http.StatusOK {
		t.Errorf("Expected 200, got %d", code)
	}
	if code := send("10.0.0.1"); code != http.StatusOK {
		t.Errorf("Expected 200 within burst, got %d", code)
	}
	if code := send("10.0.0.1"); code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 after burst, got %d", code)
	}
	if code := send("10.0.0.2"); code != http.StatusOK {
		t.Errorf("Expected 200 for another IP, got %d", code)
	}

	if removed := limiter.Cleanup(-time.Second); removed != 2 {
		t.Errorf("Expected 2 idle clients removed, got %d", removed)
	}

	unlimited := NewIPLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !unlimited.Allow("10.0.0.1") {
			t.Fatal("Expected disabled limiter to allow everything")
		}
	}
}

func TestMCPVerify(t *testing.T) {
	gin.SetMode(gin.TestMode)
	signer := mcpsign.NewService(config.MCPConfig{}, logging.Discard())
	if _, err := signer.IssueKey("agent-a", mcpsign.AlgorithmHMACSHA256, 0); err != nil {
		t.Fatalf("Failed to issue key: %v", err)
	}

	signed := func() http.Header {
		h := mcpsign.NewHeaders("acme", "agent-a")
		if err := signer.Sign(h, "agent-a", mcpsign.AlgorithmHMACSHA256); err != nil {
			t.Fatalf("Failed to sign: %v", err)
		}
		hdr := http.Header{}
		h.Apply(hdr)
		return hdr
	}

	tests := []struct {
		name           string
		required       bool
		headers        func() http.Header
		expectedStatus int
		expectedCode   string
	}{
		{name: "no headers optional", headers: http.Header{}.Clone, expectedStatus: http.StatusOK},
		{name: "no headers required", required: true, headers: http.Header{}.Clone, expectedStatus: http.StatusUnauthorized, expectedCode: "MCP_SIGNATURE_INVALID"},
		{name: "signed", required: true, headers: signed, expectedStatus: http.StatusOK},
		{name: "tampered tenant", headers: func() http.Header {
			hdr := signed()
			hdr.Set(mcpsign.HeaderTenantID, "globex")
			return hdr
		}, expectedStatus: http.StatusUnauthorized, expectedCode: "MCP_SIGNATURE_INVALID"},
		{name: "missing trace id", headers: func() http.Header {
			hdr := signed()
			hdr.Del(mcpsign.HeaderTraceID)
			return hdr
		}, expectedStatus: http.StatusBadRequest, expectedCode: "INVALID_REQUEST_FORMAT"},
		{name: "unsigned optional", headers: func() http.Header {
			hdr := http.Header{}
			mcpsign.NewHeaders("acme", "agent-a").Apply(hdr)
			return hdr
		}, expectedStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(MCPVerify(signer, time.Minute, tt.required))
			router.GET("/test", okHandler)

			req := httptest.NewRequest("GET", "/test", nil)
			for k, vs := range tt.headers() {
				for _, v := range vs {
					req.Header.Add(k, v)
				}
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d: %s", tt.expectedStatus, w.Code, w.Body.String())
			}
			if tt.expectedCode != "" {
				if code := decodeError(t, w).Code; code != tt.expectedCode {
					t.Errorf("Expected code %s, got %s", tt.expectedCode, code)
				}
			}
		})
	}
}

func TestMCPVerifyStoresHeadersInContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	signer := mcpsign.NewService(config.MCPConfig{}, logging.Discard())

	tests := []struct {
		name         string
		sign         bool
		wantVerified bool
	}{
		{name: "signed", sign: true, wantVerified: true},
		{name: "unsigned", sign: false, wantVerified: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := mcpsign.NewHeaders("acme", "agent-a")
			if tt.sign {
				if err := signer.Sign(h, "agent-a", mcpsign.AlgorithmHMACSHA256); err != nil {
					t.Fatalf("Failed to sign: %v", err)
				}
			}

			var seen *mcpsign.Headers
			router := gin.New()
			router.Use(MCPVerify(signer, time.Minute, false))
			router.GET("/test", func(c *gin.Context) {
				seen, _ = mcpsign.FromContext(c.Request.Context())
				c.Status(http.StatusOK)
			})

			req := httptest.NewRequest("GET", "/test", nil)
			h.Apply(req.Header)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
			}
			if seen == nil {
				t.Fatal("Expected MCP headers in the request context")
			}
			if seen.Caller != "agent-a" || seen.TenantID != "acme" {
				t.Errorf("Unexpected headers: %+v", seen)
			}
			if seen.Verified != tt.wantVerified {
				t.Errorf("Expected verified=%v, got %v", tt.wantVerified, seen.Verified)
			}
		})
	}
}

func TestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf strings.Builder
	logger := logging.NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	sm := metrics.NewSimpleMetrics()

	router := gin.New()
	router.Use(RequestID(), Logger(logger, sm))
	router.GET("/test", okHandler)

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if !strings.Contains(buf.String(), "req-123") {
		t.Errorf("Expected request ID in log output, got %s", buf.String())
	}
	if got := sm.Count("http", "GET:/test:200"); got != 1 {
		t.Errorf("Expected one recorded request, got %d", got)
	}
}

func TestRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestID())
	router.GET("/test", func(c *gin.Context) {
		if logging.GetRequestID(c.Request.Context()) != c.GetString(KeyRequestID) {
			t.Error("Expected request ID in request context")
		}
		okHandler(c)
	})

	tests := []struct {
		name     string
		provided string
	}{
		{name: "generated", provided: ""},
		{name: "propagated", provided: "custom-request-id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.provided != "" {
				req.Header.Set("X-Request-ID", tt.provided)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			got := w.Header().Get("X-Request-ID")
			if got == "" {
				t.Error("Expected X-Request-ID header")
			}
			if tt.provided != "" && got != tt.provided {
				t.Errorf("Expected %s, got %s", tt.provided, got)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(CORS())
	router.GET("/test", okHandler)

	req := httptest.NewRequest("OPTIONS", "/test", nil)
	req.Header.Set("Origin", "https://console.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("Expected preflight status %d, got %d", http.StatusNoContent, w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://console.example.com" {
		t.Errorf("Expected origin echoed, got %s", got)
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Headers"), mcpsign.HeaderAuthSig) {
		t.Error("Expected MCP headers to be allowed")
	}
}

func TestSecurityHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(SecurityHeaders())
	router.GET("/test", okHandler)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	expected := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}
	for header, value := range expected {
		if got := w.Header().Get(header); got != value {
			t.Errorf("Expected %s=%s, got %s", header, value, got)
		}
	}
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Error("Expected no HSTS header over plain HTTP")
	}
}

func TestRequestSizeLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestSizeLimit(16))
	router.POST("/test", okHandler)

	tests := []struct {
		name           string
		body           string
		expectedStatus int
	}{
		{name: "small body", body: `{"a":1}`, expectedStatus: http.StatusOK},
		{name: "large body", body: strings.Repeat("x", 64), expectedStatus: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest("POST", "/test", strings.NewReader(tt.body)))
			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestProtocolVersion(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(ProtocolVersion(types.ProtocolVersion))
	router.GET("/test", okHandler)

	tests := []struct {
		name           string
		version        string
		expectedStatus int
	}{
		{name: "no version", expectedStatus: http.StatusOK},
		{name: "supported", version: types.ProtocolVersion, expectedStatus: http.StatusOK},
		{name: "unsupported", version: "2.0", expectedStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.version != "" {
				req.Header.Set("X-A2A-Protocol-Version", tt.version)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestValidateAdminKey(t *testing.T) {
	keyFile := writeAdminKeys(t)

	tests := []struct {
		name     string
		key      string
		keyFile  string
		expected bool
	}{
		{name: "valid key", key: "test-admin-key-2", keyFile: keyFile, expected: true},
		{name: "invalid key", key: "nope", keyFile: keyFile, expected: false},
		{name: "empty key", key: "", keyFile: keyFile, expected: false},
		{name: "missing file", key: "test-admin-key-1", keyFile: filepath.Join(t.TempDir(), "missing"), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := validateAdminKey(tt.key, tt.keyFile); got != tt.expected {
				t.Errorf("validateAdminKey(%q) = %v, expected %v", tt.key, got, tt.expected)
			}
		})
	}
}
