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

package server

import (
	"time"

	"github.com/gin-gonic/gin"

	a2aerrors "github.com/a2ahub/a2a-engine/internal/errors"
	"github.com/a2ahub/a2a-engine/internal/middleware"
	"github.com/a2ahub/a2a-engine/internal/security"
)

// respondWithError writes err as the standard error body. Errors that are
// not A2AErrors are reported as internal errors without their text.
func (s *Server) respondWithError(c *gin.Context, err error) {
	a2aErr, ok := a2aerrors.AsA2AError(err)
	if !ok {
		a2aErr = a2aerrors.Wrap(a2aerrors.ErrInternalError, "internal error", err)
	}
	statusCode := a2aErr.GetHTTPStatus()

	logger := s.logger.WithContext(c.Request.Context()).WithFields(map[string]interface{}{
		"status_code": statusCode,
		"error_code":  a2aErr.Code,
		"method":      c.Request.Method,
		"path":        c.Request.URL.Path,
		"remote_addr": c.ClientIP(),
	})
	if statusCode >= 500 {
		logger.Error(a2aErr.Message, a2aErr.Cause)
	} else {
		logger.Warn(a2aErr.Message)
	}

	s.metrics.RecordError("server", string(a2aErr.Code))
	s.recordActivity(c, security.ActivityError)

	middleware.Abort(c, a2aErr)
}

// respondWithSuccess sends a successful response
func (s *Server) respondWithSuccess(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, data)
}

// recordActivity feeds the suspicious-activity detector
func (s *Server) recordActivity(c *gin.Context, kind security.ActivityKind) {
	a := security.Activity{
		Principal: "ip:" + c.ClientIP(),
		TenantID:  c.GetString(middleware.KeyTenant),
		Endpoint:  c.FullPath(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
	if claims, ok := middleware.ClaimsFrom(c); ok {
		a.Principal = claims.Principal()
		a.AgentID = claims.AgentID
		if a.TenantID == "" {
			a.TenantID = claims.TenantID
		}
	}
	s.rt.Security.RecordActivity(a)
}
