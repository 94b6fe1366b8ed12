// Copyright 2024-2026 Aiku AI

package credstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/renameio/v2"

	"github.com/aiku/wa-gateway/pkg/gateway"
)

const credentialsFile = "creds"

// FileStore keeps one directory per tenant below a root directory. Tenant
// IDs are base64url-encoded so arbitrary IDs map to safe directory names.
type FileStore struct {
	root string
}

var _ gateway.CredentialStore = (*FileStore)(nil)

// NewFileStore creates a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create credentials directory: %w", err)
	}
	return &FileStore{root: dir}, nil
}

func (s *FileStore) tenantDir(tenantID string) string {
	return filepath.Join(s.root, base64.RawURLEncoding.EncodeToString([]byte(tenantID)))
}

func (s *FileStore) Load(_ context.Context, tenantID string) (gateway.Credentials, error) {
	data, err := os.ReadFile(filepath.Join(s.tenantDir(tenantID), credentialsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	return data, nil
}

// Save writes the record atomically: a reader sees either the previous
// record or the new one.
func (s *FileStore) Save(_ context.Context, tenantID string, creds gateway.Credentials) error {
	dir := s.tenantDir(tenantID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create tenant directory: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(dir, credentialsFile), creds, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	return nil
}

// Erase removes the tenant's whole directory.
func (s *FileStore) Erase(_ context.Context, tenantID string) error {
	if err := os.RemoveAll(s.tenantDir(tenantID)); err != nil {
		return fmt.Errorf("failed to erase credentials: %w", err)
	}
	return nil
}

func (s *FileStore) Tenants(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials directory: %w", err)
	}
	var tenants []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name, err := base64.RawURLEncoding.DecodeString(entry.Name())
		if err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, entry.Name(), credentialsFile)); err != nil {
			continue
		}
		tenants = append(tenants, string(name))
	}
	slices.Sort(tenants)
	return tenants, nil
}
