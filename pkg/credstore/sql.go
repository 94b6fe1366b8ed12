// Copyright 2024-2026 Aiku AI

// Package credstore persists tenant credential records.
package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aiku/wa-gateway/pkg/gateway"
)

// SQLStore keeps credential records in the gateway_credentials table. The
// queries work on both PostgreSQL and SQLite.
type SQLStore struct {
	db *sql.DB
}

var _ gateway.CredentialStore = (*SQLStore)(nil)

// NewSQLStore creates a store over an already migrated database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Load returns the tenant's record, or nil if none is stored.
func (s *SQLStore) Load(ctx context.Context, tenantID string) (gateway.Credentials, error) {
	var material []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT material FROM gateway_credentials WHERE tenant_id = $1`, tenantID,
	).Scan(&material)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	return material, nil
}

// Save creates or replaces the tenant's record.
func (s *SQLStore) Save(ctx context.Context, tenantID string, creds gateway.Credentials) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_credentials (tenant_id, material, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id) DO UPDATE
		SET material = excluded.material, updated_at = excluded.updated_at
	`, tenantID, []byte(creds), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

// Erase deletes the tenant's record. Erasing a missing record is not an
// error.
func (s *SQLStore) Erase(ctx context.Context, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM gateway_credentials WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to erase credentials: %w", err)
	}
	return nil
}

// Tenants lists every tenant with a stored record.
func (s *SQLStore) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id FROM gateway_credentials ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tenants []string
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return nil, fmt.Errorf("failed to scan tenant row: %w", err)
		}
		tenants = append(tenants, tenantID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tenant rows: %w", err)
	}
	return tenants, nil
}
