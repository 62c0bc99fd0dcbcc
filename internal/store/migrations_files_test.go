package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const migrationsDir = "../../db/migrations"

func TestMigrationsPairAndNumberContiguously(t *testing.T) {
	ups, err := upMigrations(migrationsDir)
	if err != nil {
		t.Fatalf("upMigrations() error = %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no migrations discovered")
	}
	for i, name := range ups {
		prefix := fmt.Sprintf("%04d_", i+1)
		if !strings.HasPrefix(name, prefix) {
			t.Fatalf("migration %d is %s, want prefix %s", i+1, name, prefix)
		}
		down := strings.TrimSuffix(name, ".up.sql") + ".down.sql"
		if _, err := os.Stat(filepath.Join(migrationsDir, down)); err != nil {
			t.Fatalf("%s has no down file: %v", name, err)
		}
	}

	downs, err := filepath.Glob(filepath.Join(migrationsDir, "*.down.sql"))
	if err != nil {
		t.Fatalf("glob down files: %v", err)
	}
	if len(downs) != len(ups) {
		t.Fatalf("expected %d down files, got %d", len(ups), len(downs))
	}
}

func TestPermissionsDownDropsWhatUpCreates(t *testing.T) {
	up, err := os.ReadFile(filepath.Join(migrationsDir, "0002_permissions.up.sql"))
	if err != nil {
		t.Fatalf("read up migration: %v", err)
	}
	down, err := os.ReadFile(filepath.Join(migrationsDir, "0002_permissions.down.sql"))
	if err != nil {
		t.Fatalf("read down migration: %v", err)
	}
	for _, table := range []string{"permissions", "permission_audit"} {
		if !strings.Contains(string(up), "CREATE TABLE "+table+" ") {
			t.Fatalf("up migration does not create %s", table)
		}
		if !strings.Contains(string(down), "DROP TABLE IF EXISTS "+table+";") {
			t.Fatalf("down migration does not drop %s", table)
		}
	}
	// permission_audit references permissions, so it has to go first.
	if strings.Index(string(down), "permission_audit") > strings.Index(string(down), "TABLE IF EXISTS permissions;") {
		t.Fatal("down migration drops permissions before permission_audit")
	}
}
