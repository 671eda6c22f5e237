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

package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/a2ahub/a2a-engine/internal/config"
)

// LogLevel represents the severity level of a log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

var levelOrder = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp  time.Time              `json:"timestamp"`
	Level      LogLevel               `json:"level"`
	Message    string                 `json:"message"`
	Component  string                 `json:"component,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	MessageID  string                 `json:"message_id,omitempty"`
	AgentID    string                 `json:"agent_id,omitempty"`
	TenantID   string                 `json:"tenant_id,omitempty"`
	TraceID    string                 `json:"trace_id,omitempty"`
	Operation  string                 `json:"operation,omitempty"`
	Duration   *time.Duration         `json:"duration_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	StatusCode *int                   `json:"status_code,omitempty"`
	Method     string                 `json:"method,omitempty"`
	Path       string                 `json:"path,omitempty"`
	RemoteAddr string                 `json:"remote_addr,omitempty"`
	UserAgent  string                 `json:"user_agent,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	Caller     string                 `json:"caller,omitempty"`
}

// Logger provides structured logging functionality
type Logger struct {
	out       *output
	level     LogLevel
	format    string
	component string
	fields    map[string]interface{}
}

// output serializes writes from every logger derived from the same root
type output struct {
	mu sync.Mutex
	w  io.Writer
}

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	messageIDKey contextKey = "message_id"
	agentIDKey   contextKey = "agent_id"
	tenantIDKey  contextKey = "tenant_id"
	traceIDKey   contextKey = "trace_id"
)

// NewLogger creates a new logger writing to stdout
func NewLogger(cfg config.LoggingConfig) *Logger {
	return NewLoggerWithWriter(cfg, os.Stdout)
}

// NewLoggerWithWriter creates a new logger writing to w
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) *Logger {
	level := LogLevel(strings.ToLower(cfg.Level))
	if _, ok := levelOrder[level]; !ok {
		level = LevelInfo
	}
	return &Logger{
		out:    &output{w: w},
		level:  level,
		format: cfg.Format,
		fields: make(map[string]interface{}),
	}
}

// Discard returns a logger that drops everything, for tests
func Discard() *Logger {
	return NewLoggerWithWriter(config.LoggingConfig{Level: "fatal"}, io.Discard)
}

func (l *Logger) clone() *Logger {
	return &Logger{
		out:       l.out,
		level:     l.level,
		format:    l.format,
		component: l.component,
		fields:    copyFields(l.fields),
	}
}

// WithComponent creates a new logger with a component name
func (l *Logger) WithComponent(component string) *Logger {
	n := l.clone()
	n.component = component
	return n
}

// WithFields creates a new logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	n := l.clone()
	if n.fields == nil {
		n.fields = make(map[string]interface{})
	}
	for k, v := range fields {
		n.fields[k] = v
	}
	return n
}

// WithField creates a new logger with an additional field
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

// WithContext creates a new logger with context values
func (l *Logger) WithContext(ctx context.Context) *Logger {
	n := l.clone()
	if n.fields == nil {
		n.fields = make(map[string]interface{})
	}
	for _, key := range []contextKey{requestIDKey, messageIDKey, agentIDKey, tenantIDKey, traceIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			n.fields[string(key)] = v
		}
	}
	return n
}

// Debug logs a debug message
func (l *Logger) Debug(message string) {
	l.log(LevelDebug, message, nil)
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(LevelDebug, fmt.Sprintf(format, args...), nil)
}

// Info logs an info message
func (l *Logger) Info(message string) {
	l.log(LevelInfo, message, nil)
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(LevelInfo, fmt.Sprintf(format, args...), nil)
}

// Warn logs a warning message
func (l *Logger) Warn(message string) {
	l.log(LevelWarn, message, nil)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(LevelWarn, fmt.Sprintf(format, args...), nil)
}

// Error logs an error message
func (l *Logger) Error(message string, err error) {
	l.log(LevelError, message, err)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(err error, format string, args ...interface{}) {
	l.log(LevelError, fmt.Sprintf(format, args...), err)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, err error) {
	l.log(LevelFatal, message, err)
	os.Exit(1)
}

// LogRequest logs an HTTP request
func (l *Logger) LogRequest(method, path, remoteAddr, userAgent string, statusCode int, duration time.Duration) {
	if !l.shouldLog(LevelInfo) {
		return
	}
	entry := l.createEntry(LevelInfo, "HTTP request", nil)
	entry.Method = method
	entry.Path = path
	entry.RemoteAddr = remoteAddr
	entry.UserAgent = userAgent
	entry.StatusCode = &statusCode
	entry.Duration = &duration
	entry.Operation = "http_request"

	l.writeEntry(entry)
}

// LogMessageProcessing logs message processing events
func (l *Logger) LogMessageProcessing(messageID, operation, status string, duration *time.Duration, err error) {
	level := LevelInfo
	message := fmt.Sprintf("Message %s: %s", operation, status)
	if err != nil {
		level = LevelError
		message = fmt.Sprintf("Message %s failed: %s", operation, status)
	}
	if !l.shouldLog(level) {
		return
	}

	entry := l.createEntry(level, message, err)
	entry.MessageID = messageID
	entry.Operation = operation
	entry.Duration = duration
	if status != "" {
		if entry.Fields == nil {
			entry.Fields = make(map[string]interface{})
		}
		entry.Fields["status"] = status
	}

	l.writeEntry(entry)
}

// LogDelivery logs an outbound send to a peer agent
func (l *Logger) LogDelivery(messageID, recipient, protocol string, duration *time.Duration, err error) {
	level := LevelInfo
	message := fmt.Sprintf("Message delivery to %s via %s", recipient, protocol)
	if err != nil {
		level = LevelWarn
		message = fmt.Sprintf("Message delivery to %s via %s failed", recipient, protocol)
	}
	if !l.shouldLog(level) {
		return
	}

	entry := l.createEntry(level, message, err)
	entry.MessageID = messageID
	entry.Operation = "delivery"
	entry.Duration = duration
	if entry.Fields == nil {
		entry.Fields = make(map[string]interface{})
	}
	entry.Fields["recipient"] = recipient
	entry.Fields["protocol"] = protocol

	l.writeEntry(entry)
}

// LogAccessDecision logs an authorization decision. Denials log at warn.
func (l *Logger) LogAccessDecision(principal, tenant, operation string, allowed bool, reason string) {
	level := LevelDebug
	message := "Access allowed"
	if !allowed {
		level = LevelWarn
		message = "Access denied"
	}
	if !l.shouldLog(level) {
		return
	}

	entry := l.createEntry(level, message, nil)
	entry.TenantID = tenant
	entry.Operation = operation
	if entry.Fields == nil {
		entry.Fields = make(map[string]interface{})
	}
	entry.Fields["principal"] = principal
	entry.Fields["reason"] = reason

	l.writeEntry(entry)
}

func (l *Logger) log(level LogLevel, message string, err error) {
	if !l.shouldLog(level) {
		return
	}
	l.writeEntry(l.createEntry(level, message, err))
}

func (l *Logger) createEntry(level LogLevel, message string, err error) *LogEntry {
	entry := &LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Component: l.component,
		Fields:    copyFields(l.fields),
	}

	if err != nil {
		entry.Error = err.Error()
	}

	if level == LevelError || level == LevelFatal {
		if pc, file, line, ok := runtime.Caller(3); ok {
			if fn := runtime.FuncForPC(pc); fn != nil {
				entry.Caller = fmt.Sprintf("%s:%d %s", file, line, fn.Name())
			} else {
				entry.Caller = fmt.Sprintf("%s:%d", file, line)
			}
		}
	}

	// Promote context fields to top-level entry fields
	if entry.Fields != nil {
		for key, dst := range map[string]*string{
			string(requestIDKey): &entry.RequestID,
			string(messageIDKey): &entry.MessageID,
			string(agentIDKey):   &entry.AgentID,
			string(tenantIDKey):  &entry.TenantID,
			string(traceIDKey):   &entry.TraceID,
		} {
			if v, ok := entry.Fields[key].(string); ok {
				*dst = v
				delete(entry.Fields, key)
			}
		}
		if len(entry.Fields) == 0 {
			entry.Fields = nil
		}
	}

	return entry
}

func (l *Logger) writeEntry(entry *LogEntry) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()

	if l.format == "text" {
		fmt.Fprintf(l.out.w, "[%s] %s %s: %s%s\n",
			entry.Timestamp.Format(time.RFC3339),
			strings.ToUpper(string(entry.Level)),
			entry.Component,
			entry.Message,
			errSuffix(entry.Error))
		return
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.out.w, "[%s] %s %s: %s\n",
			entry.Timestamp.Format(time.RFC3339),
			strings.ToUpper(string(entry.Level)),
			entry.Component,
			entry.Message)
		return
	}

	fmt.Fprintln(l.out.w, string(data))
}

func errSuffix(e string) string {
	if e == "" {
		return ""
	}
	return " error=" + e
}

func (l *Logger) shouldLog(level LogLevel) bool {
	return levelOrder[level] >= levelOrder[l.level]
}

func copyFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// Context helper functions

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithMessageID adds a message ID to the context
func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, messageIDKey, messageID)
}

// WithAgentID adds an agent ID to the context
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey, agentID)
}

// WithTenantID adds a tenant ID to the context
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetRequestID extracts the request ID from context
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// GetMessageID extracts the message ID from context
func GetMessageID(ctx context.Context) string {
	v, _ := ctx.Value(messageIDKey).(string)
	return v
}

// GetTraceID extracts the trace ID from context
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}
