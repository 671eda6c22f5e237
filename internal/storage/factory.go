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

package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/a2ahub/a2a-engine/internal/config"
)

// Stores bundles the registry store and audit sink selected by configuration
type Stores struct {
	Registry RegistryStore
	Audit    AuditSink
}

// Close closes the underlying registry store
func (s *Stores) Close() error {
	return s.Registry.Close()
}

// NewStores creates storage instances based on the configuration
func NewStores(ctx context.Context, cfg config.StorageConfig, auditCapacity int) (*Stores, error) {
	storageType := strings.ToLower(cfg.Type)
	if storageType == "" {
		storageType = "memory"
	}

	switch storageType {
	case "memory":
		return &Stores{
			Registry: NewMemoryRegistryStore(),
			Audit:    NewRingAuditSink(auditCapacity),
		}, nil

	case "database":
		ds, err := NewDatabaseStore(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := ds.Migrate(ctx); err != nil {
			ds.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		return &Stores{Registry: ds, Audit: ds}, nil

	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
