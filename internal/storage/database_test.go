/*
 * Copyright 2025 Sen Wang
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

package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/a2ahub/a2a-engine/internal/config"
	"github.com/a2ahub/a2a-engine/internal/types"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	mock.ExpectPing()
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{})
	if err != nil {
		mockDB.Close()
		t.Fatalf("failed to open gorm DB: %v", err)
	}
	return gormDB, mock
}

var agentColumns = []string{"id", "agent_id", "tenant_id", "capabilities", "services", "metadata", "status", "registered_at", "last_seen"}

func TestNewDatabaseStore_WithOverride(t *testing.T) {
	gormDB, _ := newMockDB(t)
	ds, err := NewDatabaseStore(config.DatabaseConfig{Driver: "postgres", DSN: "dsn"}, gormDB)
	if err != nil {
		t.Fatalf("NewDatabaseStore failed: %v", err)
	}
	if ds.db != gormDB {
		t.Fatalf("expected db override to be used")
	}
}

func TestPutAgent_Upsert(t *testing.T) {
	gormDB, mock := newMockDB(t)
	sqlDB, _ := gormDB.DB()
	defer sqlDB.Close()
	ds := &DatabaseStore{db: gormDB}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "agents"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	if err := ds.PutAgent(context.Background(), testRecord("agent-a")); err != nil {
		t.Fatalf("PutAgent failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPutAgent_Invalid(t *testing.T) {
	gormDB, _ := newMockDB(t)
	sqlDB, _ := gormDB.DB()
	defer sqlDB.Close()
	ds := &DatabaseStore{db: gormDB}

	if err := ds.PutAgent(context.Background(), nil); err == nil || err.Error() != "agent record cannot be nil" {
		t.Errorf("expected nil record error, got: %v", err)
	}
	if err := ds.PutAgent(context.Background(), &types.AgentRecord{}); err == nil || err.Error() != "agent ID cannot be empty" {
		t.Errorf("expected empty ID error, got: %v", err)
	}
}

func TestGetAgent_Success(t *testing.T) {
	gormDB, mock := newMockDB(t)
	sqlDB, _ := gormDB.DB()
	defer sqlDB.Close()
	ds := &DatabaseStore{db: gormDB}

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "agents" WHERE agent_id = $1 ORDER BY "agents"."id" LIMIT $2`)).
		WithArgs("agent-a", 1).
		WillReturnRows(sqlmock.NewRows(agentColumns).AddRow(
			1, "agent-a", "acme", `["ANALYSIS","REPORTING"]`, `["reports"]`,
			`{"endpoint":"http://localhost:9000"}`, "ACTIVE", now, now,
		))

	record, err := ds.GetAgent(context.Background(), "agent-a")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if record.TenantID != "acme" || len(record.Capabilities) != 2 {
		t.Errorf("unexpected record: %+v", record)
	}
	if !record.HasCapability(types.CapabilityReporting) {
		t.Errorf("expected REPORTING capability")
	}
	if record.Endpoint() != "http://localhost:9000" {
		t.Errorf("unexpected endpoint %q", record.Endpoint())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetAgent_NotFound(t *testing.T) {
	gormDB, mock := newMockDB(t)
	sqlDB, _ := gormDB.DB()
	defer sqlDB.Close()
	ds := &DatabaseStore{db: gormDB}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "agents"`)).
		WillReturnError(gorm.ErrRecordNotFound)

	_, err := ds.GetAgent(context.Background(), "missing")
	if !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestDeleteAgent(t *testing.T) {
	gormDB, mock := newMockDB(t)
	sqlDB, _ := gormDB.DB()
	defer sqlDB.Close()
	ds := &DatabaseStore{db: gormDB}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "agents" WHERE agent_id = $1`)).
		WithArgs("agent-a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := ds.DeleteAgent(context.Background(), "agent-a"); err != nil {
		t.Fatalf("DeleteAgent failed: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "agents" WHERE agent_id = $1`)).
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := ds.DeleteAgent(context.Background(), "ghost"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestListAgents(t *testing.T) {
	gormDB, mock := newMockDB(t)
	sqlDB, _ := gormDB.DB()
	defer sqlDB.Close()
	ds := &DatabaseStore{db: gormDB}

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "agents" ORDER BY agent_id`)).
		WillReturnRows(sqlmock.NewRows(agentColumns).
			AddRow(1, "a", "acme", `["ANALYSIS"]`, nil, nil, "ACTIVE", now, now).
			AddRow(2, "b", "acme", `["COMPLIANCE"]`, nil, nil, "BUSY", now, now))

	list, err := ds.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	if len(list) != 2 || list[1].Status != types.AgentStateBusy {
		t.Errorf("unexpected list: %+v", list)
	}
}

func TestAppendAttempt(t *testing.T) {
	gormDB, mock := newMockDB(t)
	sqlDB, _ := gormDB.DB()
	defer sqlDB.Close()
	ds := &DatabaseStore{db: gormDB}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "access_attempts"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectCommit()

	attempt := &types.AccessAttempt{
		Kind:            types.AuditKindTenant,
		Principal:       "bob",
		RequestedTenant: "globex",
		PrincipalTenant: "acme",
		Operation:       "ui:read",
		Reason:          "cross_tenant",
		Severity:        "high",
	}
	if err := ds.Append(context.Background(), attempt); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if attempt.ID != 7 {
		t.Errorf("expected ID 7, got %d", attempt.ID)
	}
	if attempt.Timestamp.IsZero() {
		t.Errorf("expected timestamp to be set by hook")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestQueryAttempts(t *testing.T) {
	gormDB, mock := newMockDB(t)
	sqlDB, _ := gormDB.DB()
	defer sqlDB.Close()
	ds := &DatabaseStore{db: gormDB}

	now := time.Now()
	cols := []string{"id", "kind", "timestamp", "principal", "requested_tenant", "principal_tenant", "session_id", "operation", "target_agent", "tool", "allowed", "reason", "severity"}
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "access_attempts" WHERE kind = $1 AND allowed = $2`)).
		WithArgs(types.AuditKindTenant, false, 10).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(2, "tenant", now, "bob", "globex", "acme", "", "ui:read", "", "", false, "cross_tenant", "high"))

	out, err := ds.Query(context.Background(), AuditFilter{Kind: types.AuditKindTenant, DeniedOnly: true, Limit: 10})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(out) != 1 || out[0].Reason != "cross_tenant" || out[0].ID != 2 {
		t.Errorf("unexpected results: %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestAuditStats(t *testing.T) {
	gormDB, mock := newMockDB(t)
	sqlDB, _ := gormDB.DB()
	defer sqlDB.Close()
	ds := &DatabaseStore{db: gormDB}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "access_attempts"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "access_attempts" WHERE allowed = $1`)).
		WithArgs(true).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT reason, COUNT(*) as count FROM "access_attempts" WHERE allowed = $1`)).
		WithArgs(false).
		WillReturnRows(sqlmock.NewRows([]string{"reason", "count"}).
			AddRow("cross_tenant", 2).
			AddRow("unknown_tenant", 1))

	stats, err := ds.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 10 || stats.Denied != 3 || stats.ByReason["cross_tenant"] != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestHealthCheck_Success(t *testing.T) {
	gormDB, mock := newMockDB(t)
	sqlDB, _ := gormDB.DB()
	defer sqlDB.Close()
	mock.ExpectPing()
	ds := &DatabaseStore{db: gormDB}
	if err := ds.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unfulfilled expectations: %v", err)
	}
}

func TestHealthCheck_PingFail(t *testing.T) {
	gormDB, mock := newMockDB(t)
	sqlDB, _ := gormDB.DB()
	defer sqlDB.Close()
	mock.ExpectPing().WillReturnError(errors.New("ping fail"))
	ds := &DatabaseStore{db: gormDB}
	if err := ds.HealthCheck(context.Background()); err == nil {
		t.Fatalf("expected ping error")
	}
}

func TestClose_NilDB(t *testing.T) {
	ds := &DatabaseStore{}
	if err := ds.Close(); err == nil {
		t.Fatalf("expected error closing nil database")
	}
}
