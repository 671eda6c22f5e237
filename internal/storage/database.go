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
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/a2ahub/a2a-engine/internal/config"
	"github.com/a2ahub/a2a-engine/internal/types"
)

// DatabaseStore implements RegistryStore and AuditSink on a SQL database
type DatabaseStore struct {
	config config.DatabaseConfig
	db     *gorm.DB
}

// NewDatabaseStore creates a new database store. If dbOverride is non-nil, it is used (for testing).
func NewDatabaseStore(cfg config.DatabaseConfig, dbOverride ...*gorm.DB) (*DatabaseStore, error) {
	var db *gorm.DB
	var err error
	if len(dbOverride) > 0 && dbOverride[0] != nil {
		db = dbOverride[0]
	} else {
		db, err = gorm.Open(
			postgres.New(postgres.Config{
				DriverName: cfg.Driver,
				DSN:        cfg.DSN,
			}),
			&gorm.Config{},
		)
		if err != nil {
			return nil, err
		}

		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		if cfg.MaxConnections > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxConnections)
		}
		if cfg.MaxIdleTime > 0 {
			sqlDB.SetConnMaxIdleTime(cfg.MaxIdleTime)
		}
	}
	return &DatabaseStore{
		config: cfg,
		db:     db,
	}, nil
}

// Migrate creates or updates the tables
func (ds *DatabaseStore) Migrate(ctx context.Context) error {
	return ds.db.WithContext(ctx).AutoMigrate(&Agent{}, &AccessAttempt{})
}

// PutAgent inserts a record or updates the existing row for its agent ID
func (ds *DatabaseStore) PutAgent(ctx context.Context, record *types.AgentRecord) error {
	if record == nil {
		return fmt.Errorf("agent record cannot be nil")
	}
	if record.AgentID == "" {
		return fmt.Errorf("agent ID cannot be empty")
	}

	model, err := toDBAgent(record)
	if err != nil {
		return fmt.Errorf("failed to convert agent: %w", err)
	}

	err = ds.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "agent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"tenant_id", "capabilities", "services", "metadata", "status", "last_seen",
		}),
	}).Create(model).Error
	if err != nil {
		return fmt.Errorf("failed to store agent: %w", err)
	}
	return nil
}

// GetAgent retrieves a record by agent ID
func (ds *DatabaseStore) GetAgent(ctx context.Context, agentID string) (*types.AgentRecord, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent ID cannot be empty")
	}

	var model Agent
	if err := ds.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}

	return model.toRecord()
}

// DeleteAgent removes a record
func (ds *DatabaseStore) DeleteAgent(ctx context.Context, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("agent ID cannot be empty")
	}

	result := ds.db.WithContext(ctx).Where("agent_id = ?", agentID).Delete(&Agent{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete agent: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return nil
}

// ListAgents returns every record ordered by agent ID
func (ds *DatabaseStore) ListAgents(ctx context.Context) ([]*types.AgentRecord, error) {
	var models []Agent
	if err := ds.db.WithContext(ctx).Order("agent_id").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	records := make([]*types.AgentRecord, 0, len(models))
	for i := range models {
		record, err := models[i].toRecord()
		if err != nil {
			return nil, fmt.Errorf("failed to convert agent: %w", err)
		}
		records = append(records, record)
	}
	return records, nil
}

// Append stores an access attempt
func (ds *DatabaseStore) Append(ctx context.Context, attempt *types.AccessAttempt) error {
	if attempt == nil {
		return fmt.Errorf("access attempt cannot be nil")
	}

	model := toDBAttempt(attempt)
	if err := ds.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("failed to store access attempt: %w", err)
	}
	attempt.ID = model.ID
	attempt.Timestamp = model.Timestamp
	return nil
}

// Query returns matching access attempts, newest first
func (ds *DatabaseStore) Query(ctx context.Context, filter AuditFilter) ([]types.AccessAttempt, error) {
	query := ds.db.WithContext(ctx).Model(&AccessAttempt{})

	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.Principal != "" {
		query = query.Where("principal = ?", filter.Principal)
	}
	if filter.Tenant != "" {
		query = query.Where("requested_tenant = ? OR principal_tenant = ?", filter.Tenant, filter.Tenant)
	}
	if filter.DeniedOnly {
		query = query.Where("allowed = ?", false)
	}
	if filter.Reason != "" {
		query = query.Where("reason = ?", filter.Reason)
	}
	if filter.Since != nil {
		query = query.Where("timestamp >= ?", *filter.Since)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var models []AccessAttempt
	if err := query.Order("id DESC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to query access attempts: %w", err)
	}

	out := make([]types.AccessAttempt, 0, len(models))
	for i := range models {
		out = append(out, models[i].toAttempt())
	}
	return out, nil
}

// Stats returns audit counters
func (ds *DatabaseStore) Stats(ctx context.Context) (AuditStats, error) {
	stats := AuditStats{ByReason: make(map[string]int64)}

	if err := ds.db.WithContext(ctx).Model(&AccessAttempt{}).Count(&stats.Total).Error; err != nil {
		return stats, fmt.Errorf("failed to count access attempts: %w", err)
	}
	if err := ds.db.WithContext(ctx).Model(&AccessAttempt{}).
		Where("allowed = ?", true).
		Count(&stats.Allowed).Error; err != nil {
		return stats, fmt.Errorf("failed to count allowed attempts: %w", err)
	}
	stats.Denied = stats.Total - stats.Allowed

	var reasonCounts []struct {
		Reason string
		Count  int64
	}
	if err := ds.db.WithContext(ctx).Model(&AccessAttempt{}).
		Select("reason, COUNT(*) as count").
		Where("allowed = ?", false).
		Group("reason").
		Scan(&reasonCounts).Error; err != nil {
		return stats, fmt.Errorf("failed to group access attempts: %w", err)
	}
	for _, rc := range reasonCounts {
		stats.ByReason[rc.Reason] = rc.Count
	}
	return stats, nil
}

// Close closes the database connection
func (ds *DatabaseStore) Close() error {
	if ds.db == nil {
		return fmt.Errorf("database instance is nil")
	}
	db, err := ds.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return db.Close()
}

// HealthCheck pings the database
func (ds *DatabaseStore) HealthCheck(ctx context.Context) error {
	if ds.db == nil {
		return fmt.Errorf("database instance is nil")
	}
	db, err := ds.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}
