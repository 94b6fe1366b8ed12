// Copyright 2024-2026 Aiku AI

package credstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTenant = "shop-a"

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(db), mock
}

func TestSQLStore_LoadFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT material FROM gateway_credentials").
		WithArgs(testTenant).
		WillReturnRows(sqlmock.NewRows([]string{"material"}).AddRow([]byte("111@s.whatsapp.net")))

	creds, err := store.Load(context.Background(), testTenant)
	require.NoError(t, err)
	assert.Equal(t, "111@s.whatsapp.net", string(creds))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_LoadMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT material FROM gateway_credentials").
		WithArgs(testTenant).
		WillReturnError(sql.ErrNoRows)

	creds, err := store.Load(context.Background(), testTenant)
	require.NoError(t, err)
	assert.Nil(t, creds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_LoadError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT material FROM gateway_credentials").
		WillReturnError(errors.New("connection refused"))

	_, err := store.Load(context.Background(), testTenant)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load credentials")
}

func TestSQLStore_SaveUpserts(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO gateway_credentials").
		WithArgs(testTenant, []byte("111@s.whatsapp.net"), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Save(context.Background(), testTenant, []byte("111@s.whatsapp.net"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SaveError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO gateway_credentials").
		WillReturnError(errors.New("disk full"))

	err := store.Save(context.Background(), testTenant, []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save credentials")
}

func TestSQLStore_Erase(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM gateway_credentials").
		WithArgs(testTenant).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Erase(context.Background(), testTenant))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Tenants(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT tenant_id FROM gateway_credentials").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow("a").AddRow("b"))

	tenants, err := store.Tenants(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tenants)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_TenantsScanError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT tenant_id FROM gateway_credentials").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow("a").RowError(0, errors.New("bad row")))

	_, err := store.Tenants(context.Background())
	require.Error(t, err)
}

func TestMigrate_UnknownDialect(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = newMigrator(db, "mysql")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database dialect")
}
