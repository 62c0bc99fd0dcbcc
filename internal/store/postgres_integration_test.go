package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"docflow/api/internal/rbac"
)

func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("DOCFLOW_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("DOCFLOW_TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn, PoolConfig{})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations"), zerolog.Nop()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func TestPostgresStoreContract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	runStoreContract(t, func(t *testing.T) contractStore { return openTestPostgres(t) })
}

func TestPermissionAuditImmutability(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	s := openTestPostgres(t)
	ctx := context.Background()
	now := testNow()

	if _, err := s.InsertGrant(ctx, testPermission("perm_imm", rbac.Document("doc_imm"), "u1", rbac.LevelView, now), now); err != nil {
		t.Fatalf("InsertGrant() error = %v", err)
	}

	for _, statement := range []struct {
		op  string
		sql string
	}{
		{op: "UPDATE", sql: `UPDATE permission_audit SET detail='edited' WHERE permission_id='perm_imm'`},
		{op: "DELETE", sql: `DELETE FROM permission_audit WHERE permission_id='perm_imm'`},
	} {
		_, err := s.DB().ExecContext(ctx, statement.sql)
		if err == nil {
			t.Fatalf("expected %s to be blocked, but it succeeded", statement.op)
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) {
			t.Fatalf("expected PostgreSQL error, got: %v", err)
		}
		if pgErr.SQLState() != "55000" {
			t.Fatalf("expected SQLSTATE 55000, got: %s", pgErr.SQLState())
		}
		if pgErr.Message != "permission_audit is immutable; "+statement.op+" is not allowed" {
			t.Fatalf("unexpected error message: %s", pgErr.Message)
		}
	}
}
