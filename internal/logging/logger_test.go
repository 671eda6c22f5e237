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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/a2ahub/a2a-engine/internal/config"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("Invalid JSON log line %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error", fmt.Errorf("boom"))

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[1].Error != "boom" {
		t.Errorf("Expected error field, got %q", entries[1].Error)
	}
	if entries[1].Caller == "" {
		t.Error("Expected caller on error entries")
	}
}

func TestContextFieldsPromoted(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "debug"}, &buf)

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithTenantID(ctx, "acme")
	ctx = WithTraceID(ctx, "trace-9")

	logger.WithComponent("tenancy").WithContext(ctx).WithField("extra", 1).Info("hello")

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Component != "tenancy" || e.RequestID != "req-1" || e.TenantID != "acme" || e.TraceID != "trace-9" {
		t.Errorf("Context fields not promoted: %+v", e)
	}
	if e.Fields["extra"] != float64(1) {
		t.Errorf("Expected extra field, got %v", e.Fields)
	}
	if _, ok := e.Fields["tenant_id"]; ok {
		t.Error("Promoted field left in fields map")
	}
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLoggerWithWriter(config.LoggingConfig{Level: "info"}, &buf)
	_ = parent.WithField("child", true)

	parent.Info("parent")
	entries := decodeLines(t, &buf)
	if _, ok := entries[0].Fields["child"]; ok {
		t.Error("Child field leaked into parent logger")
	}
}

func TestLogAccessDecision(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info"}, &buf)

	logger.LogAccessDecision("agent-a", "acme", "ui:read", true, "allowed")
	logger.LogAccessDecision("agent-a", "globex", "ui:read", false, "cross_tenant")

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("Expected only the denial at info level, got %d", len(entries))
	}
	if entries[0].TenantID != "globex" || entries[0].Fields["reason"] != "cross_tenant" {
		t.Errorf("Unexpected denial entry %+v", entries[0])
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, &buf)
	logger.WithComponent("transport").Warn("peer degraded")

	if !strings.Contains(buf.String(), "WARN transport: peer degraded") {
		t.Errorf("Unexpected text output %q", buf.String())
	}
}
