package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPermissionAuditMigrationUsesBlockingTriggers(t *testing.T) {
	migrationPath := filepath.Join("..", "..", "db", "migrations", "0003_permission_audit_immutability_trigger.up.sql")
	sqlBytes, err := os.ReadFile(migrationPath)
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)

	expectedSnippets := []string{
		"permission_audit_immutable_guard",
		"RAISE EXCEPTION",
		"CREATE TRIGGER trg_permission_audit_block_update",
		"CREATE TRIGGER trg_permission_audit_block_delete",
	}
	for _, snippet := range expectedSnippets {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
	if strings.Contains(sqlText, "DO INSTEAD NOTHING") {
		t.Fatalf("expected hard-fail immutability guard, found silent DO INSTEAD NOTHING rule")
	}
}

func TestPermissionsMigrationKeepsOneActiveSlot(t *testing.T) {
	sqlBytes, err := os.ReadFile(filepath.Join("..", "..", "db", "migrations", "0002_permissions.up.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)
	if !strings.Contains(sqlText, "CREATE UNIQUE INDEX permissions_active_slot") || !strings.Contains(sqlText, "WHERE revoked_at IS NULL") {
		t.Fatal("expected partial unique index on unrevoked permission slots")
	}
}
