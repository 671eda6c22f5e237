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

package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const identitySchema = `
CREATE TABLE IF NOT EXISTS agent_identities (
	agent_id    TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	key_pem     BLOB NOT NULL,
	cert_pem    BLOB NOT NULL,
	created_at  INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL,
	status      TEXT NOT NULL,
	PRIMARY KEY (agent_id, fingerprint)
);
CREATE INDEX IF NOT EXISTS idx_agent_identities_status ON agent_identities(agent_id, status);
`

// SQLiteStore persists identities in a SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the identity database at path.
// Use ":memory:" for an ephemeral store.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open identity database: %w", err)
	}
	// sqlite serializes writers; one connection also keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(identitySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize identity schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Save inserts a new record
func (s *SQLiteStore) Save(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_identities (agent_id, fingerprint, key_pem, cert_pem, created_at, expires_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.AgentID, rec.Fingerprint, rec.KeyPEM, rec.CertPEM,
		rec.CreatedAt.UnixNano(), rec.ExpiresAt.UnixNano(), string(rec.Status))
	if err != nil {
		return fmt.Errorf("failed to save identity for %s: %w", rec.AgentID, err)
	}
	return nil
}

// Active returns the active record for agentID
func (s *SQLiteStore) Active(ctx context.Context, agentID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT agent_id, fingerprint, key_pem, cert_pem, created_at, expires_at, status
		 FROM agent_identities WHERE agent_id = ? AND status = ?
		 ORDER BY created_at DESC LIMIT 1`,
		agentID, string(StatusActive))

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

// History returns every record for agentID, oldest first
func (s *SQLiteStore) History(ctx context.Context, agentID string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, fingerprint, key_pem, cert_pem, created_at, expires_at, status
		 FROM agent_identities WHERE agent_id = ? ORDER BY created_at ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query identity history: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// SetStatus updates the status of the record with fingerprint
func (s *SQLiteStore) SetStatus(ctx context.Context, agentID, fingerprint string, status Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_identities SET status = ? WHERE agent_id = ? AND fingerprint = ?`,
		string(status), agentID, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to update identity status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// ListActive returns every active record
func (s *SQLiteStore) ListActive(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, fingerprint, key_pem, cert_pem, created_at, expires_at, status
		 FROM agent_identities WHERE status = ? ORDER BY agent_id`, string(StatusActive))
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec                  Record
		status               string
		createdAt, expiresAt int64
	)
	if err := row.Scan(&rec.AgentID, &rec.Fingerprint, &rec.KeyPEM, &rec.CertPEM, &createdAt, &expiresAt, &status); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.ExpiresAt = time.Unix(0, expiresAt).UTC()
	rec.Status = Status(status)
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
