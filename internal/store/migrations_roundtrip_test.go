package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestMigrationsRoundTripPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("DOCFLOW_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("DOCFLOW_TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn, PoolConfig{})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, migrationsDir, zerolog.Nop()); err != nil {
		t.Fatalf("apply up migrations (pass 1): %v", err)
	}
	assertActiveSlotIndex(ctx, t, db)

	if err := applyDownMigrations(ctx, db); err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}
	var leftover sql.NullString
	if err := db.QueryRowContext(ctx, `SELECT to_regclass('public.permissions_active_slot')::text`).Scan(&leftover); err != nil {
		t.Fatalf("look up index after down: %v", err)
	}
	if leftover.Valid {
		t.Fatalf("permissions_active_slot survived the down migrations")
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db, migrationsDir, zerolog.Nop()); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}
	assertActiveSlotIndex(ctx, t, db)
}

// assertActiveSlotIndex checks that the one-live-grant index is unique and
// partial on unrevoked rows.
func assertActiveSlotIndex(ctx context.Context, t *testing.T, db *sql.DB) {
	t.Helper()
	var def string
	err := db.QueryRowContext(ctx,
		`SELECT indexdef FROM pg_indexes WHERE schemaname = 'public' AND indexname = 'permissions_active_slot'`,
	).Scan(&def)
	if err != nil {
		t.Fatalf("permissions_active_slot missing: %v", err)
	}
	if !strings.HasPrefix(def, "CREATE UNIQUE INDEX") || !strings.Contains(def, "WHERE (revoked_at IS NULL)") {
		t.Fatalf("unexpected permissions_active_slot definition %q", def)
	}
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}

// applyDownMigrations runs every down file, newest first.
func applyDownMigrations(ctx context.Context, db *sql.DB) error {
	ups, err := upMigrations(migrationsDir)
	if err != nil {
		return err
	}
	for i := len(ups) - 1; i >= 0; i-- {
		down := strings.TrimSuffix(ups[i], ".up.sql") + ".down.sql"
		sqlBytes, err := os.ReadFile(filepath.Join(migrationsDir, down))
		if err != nil {
			return err
		}
		if sqlText := strings.TrimSpace(string(sqlBytes)); sqlText != "" {
			if _, err := db.ExecContext(ctx, sqlText); err != nil {
				return err
			}
		}
	}
	return nil
}
