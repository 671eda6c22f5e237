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

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/a2ahub/a2a-engine/internal/types"
)

// ErrorCode represents standardized error codes
type ErrorCode string

const (
	// Identity and crypto errors
	ErrIdentityNotFound            ErrorCode = "IDENTITY_NOT_FOUND"
	ErrIdentityExpired             ErrorCode = "IDENTITY_EXPIRED"
	ErrSignatureVerificationFailed ErrorCode = "SIGNATURE_VERIFICATION_FAILED"
	ErrDecryptionFailed            ErrorCode = "DECRYPTION_FAILED"
	ErrEncryptionFailed            ErrorCode = "ENCRYPTION_FAILED"
	ErrCryptoFailed                ErrorCode = "CRYPTO_FAILED"

	// Token errors
	ErrTokenExpired ErrorCode = "TOKEN_EXPIRED"
	ErrTokenInvalid ErrorCode = "TOKEN_INVALID"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrForbidden    ErrorCode = "FORBIDDEN"

	// Tenant and policy errors
	ErrTenantIsolation   ErrorCode = "TENANT_ISOLATION"
	ErrCrossTenantAccess ErrorCode = "CROSS_TENANT_ACCESS"
	ErrUnknownTenant     ErrorCode = "UNKNOWN_TENANT"
	ErrUnknownAgent      ErrorCode = "UNKNOWN_AGENT"
	ErrToolNotAllowed    ErrorCode = "TOOL_NOT_ALLOWED"
	ErrPrincipalBlocked  ErrorCode = "PRINCIPAL_BLOCKED"
	ErrMCPSignature      ErrorCode = "MCP_SIGNATURE_INVALID"

	// Rate limiting errors
	ErrRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// State errors
	ErrRevisionConflict ErrorCode = "REVISION_CONFLICT"
	ErrInvalidState     ErrorCode = "INVALID_STATE"
	ErrNotFound         ErrorCode = "NOT_FOUND"

	// Transport errors
	ErrTransportTimeout ErrorCode = "TRANSPORT_TIMEOUT"
	ErrTransportError   ErrorCode = "TRANSPORT_ERROR"
	ErrDiscoveryFailed  ErrorCode = "DISCOVERY_FAILED"

	// Request validation errors
	ErrInvalidRequestFormat    ErrorCode = "INVALID_REQUEST_FORMAT"
	ErrValidationFailed        ErrorCode = "VALIDATION_FAILED"
	ErrMessageValidationFailed ErrorCode = "MESSAGE_VALIDATION_FAILED"
	ErrMessageTooLarge         ErrorCode = "MESSAGE_TOO_LARGE"
	ErrMessageExpired          ErrorCode = "MESSAGE_EXPIRED"
	ErrUnknownAction           ErrorCode = "UNKNOWN_ACTION"

	// System errors
	ErrHandlerFailed      ErrorCode = "HANDLER_FAILED"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// A2AError represents a structured engine error
type A2AError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"request_id,omitempty"`
	Cause     error                  `json:"-"` // Internal cause, not exposed in JSON
}

// Error implements the error interface
func (e *A2AError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *A2AError) Unwrap() error {
	return e.Cause
}

// Is matches another *A2AError by code, so errors.Is(err, errors.New(code, "")) works
func (e *A2AError) Is(target error) bool {
	t, ok := target.(*A2AError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ToErrorResponse converts A2AError to types.ErrorResponse
func (e *A2AError) ToErrorResponse() types.ErrorResponse {
	return types.ErrorResponse{
		Error: types.ErrorDetail{
			Code:      string(e.Code),
			Message:   e.Message,
			Details:   e.Details,
			Timestamp: e.Timestamp,
			RequestID: e.RequestID,
		},
	}
}

// New creates a new A2AError
func New(code ErrorCode, message string) *A2AError {
	return &A2AError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Newf creates a new A2AError with formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *A2AError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new A2AError wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *A2AError {
	e := New(code, message)
	e.Cause = cause
	return e
}

// Wrapf creates a new A2AError wrapping an existing error with formatted message
func Wrapf(code ErrorCode, cause error, format string, args ...interface{}) *A2AError {
	return Wrap(code, fmt.Sprintf(format, args...), cause)
}

// WithDetails adds details to an A2AError
func (e *A2AError) WithDetails(details map[string]interface{}) *A2AError {
	e.Details = details
	return e
}

// WithDetail adds a single detail entry
func (e *A2AError) WithDetail(key string, value interface{}) *A2AError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithRequestID adds a request ID to an A2AError
func (e *A2AError) WithRequestID(requestID string) *A2AError {
	e.RequestID = requestID
	return e
}

// IsRetryable determines if an error is retryable. Crypto and policy
// failures never are.
func (e *A2AError) IsRetryable() bool {
	switch e.Code {
	case ErrTransportTimeout, ErrRateLimitExceeded, ErrServiceUnavailable:
		return true
	case ErrTransportError:
		if e.Cause != nil {
			return containsAny(e.Cause.Error(), []string{
				"timeout", "connection refused", "no such host",
				"network unreachable", "connection reset", "EOF",
			})
		}
		return true
	default:
		return false
	}
}

// GetHTTPStatus returns the appropriate HTTP status code for the error
func (e *A2AError) GetHTTPStatus() int {
	switch e.Code {
	case ErrInvalidRequestFormat, ErrValidationFailed, ErrMessageValidationFailed,
		ErrMessageExpired, ErrUnknownAction:
		return http.StatusBadRequest

	case ErrUnauthorized, ErrTokenExpired, ErrTokenInvalid, ErrMCPSignature,
		ErrSignatureVerificationFailed:
		return http.StatusUnauthorized

	case ErrForbidden, ErrTenantIsolation, ErrCrossTenantAccess, ErrToolNotAllowed,
		ErrPrincipalBlocked:
		return http.StatusForbidden

	case ErrNotFound, ErrIdentityNotFound, ErrUnknownAgent, ErrUnknownTenant:
		return http.StatusNotFound

	case ErrRevisionConflict, ErrInvalidState:
		return http.StatusConflict

	case ErrIdentityExpired:
		return http.StatusGone

	case ErrMessageTooLarge:
		return http.StatusRequestEntityTooLarge

	case ErrDecryptionFailed:
		return http.StatusUnprocessableEntity

	case ErrRateLimitExceeded:
		return http.StatusTooManyRequests

	case ErrTransportError, ErrDiscoveryFailed:
		return http.StatusBadGateway

	case ErrServiceUnavailable:
		return http.StatusServiceUnavailable

	case ErrTransportTimeout:
		return http.StatusGatewayTimeout

	default:
		return http.StatusInternalServerError
	}
}

func containsAny(s string, substrings []string) bool {
	for _, substr := range substrings {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// Common error constructors for convenience

// NewValidationError creates a validation error
func NewValidationError(message string, details map[string]interface{}) *A2AError {
	return New(ErrValidationFailed, message).WithDetails(details)
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string) *A2AError {
	return Newf(ErrNotFound, "%s not found", resource)
}

// NewInternalError creates an internal error
func NewInternalError(message string, cause error) *A2AError {
	return Wrap(ErrInternalError, message, cause)
}

// NewTransportError creates a transport error
func NewTransportError(message string, cause error) *A2AError {
	return Wrap(ErrTransportError, message, cause)
}

// NewCrossTenantError creates a cross-tenant denial naming both tenants
func NewCrossTenantError(principalTenant, requestedTenant string) *A2AError {
	return Newf(ErrCrossTenantAccess, "principal bound to tenant %q cannot access tenant %q",
		principalTenant, requestedTenant).
		WithDetails(map[string]interface{}{
			"principal_tenant": principalTenant,
			"requested_tenant": requestedTenant,
		})
}

// IsA2AError checks if an error is an A2AError
func IsA2AError(err error) bool {
	_, ok := AsA2AError(err)
	return ok
}

// AsA2AError extracts an A2AError from err's chain if present
func AsA2AError(err error) (*A2AError, bool) {
	var a2aErr *A2AError
	if stderrors.As(err, &a2aErr) {
		return a2aErr, true
	}
	return nil, false
}

// IsCode reports whether err's chain contains an A2AError with code
func IsCode(err error, code ErrorCode) bool {
	a2aErr, ok := AsA2AError(err)
	return ok && a2aErr.Code == code
}

// CodeOf returns the code of err, or ErrInternalError for foreign errors
func CodeOf(err error) ErrorCode {
	if a2aErr, ok := AsA2AError(err); ok {
		return a2aErr.Code
	}
	return ErrInternalError
}
