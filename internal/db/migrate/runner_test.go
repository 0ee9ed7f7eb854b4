package migrate

import (
	"errors"
	"io/fs"
	"strings"
	"testing"

	"tenant-control-plane/internal/db"
)

func TestRun_EmptyDSN(t *testing.T) {
	for _, dsn := range []string{"", "   "} {
		err := Run(dsn, "up")
		if err == nil {
			t.Fatalf("Run(%q) should return error", dsn)
		}
		if !strings.Contains(err.Error(), "DATABASE_URL is not set") {
			t.Errorf("error = %q, want DATABASE_URL hint", err.Error())
		}
	}
}

func TestRun_InvalidDirection(t *testing.T) {
	for _, direction := range []string{"", "invalid", "UP", "Up", "both"} {
		err := Run("postgres://localhost/test", direction)
		if err == nil {
			t.Errorf("Run with direction %q should return error", direction)
			continue
		}
		if !strings.Contains(err.Error(), "direction") {
			t.Errorf("error = %q, should mention direction", err.Error())
		}
	}
}

func TestRun_InvalidDSN(t *testing.T) {
	err := Run("invalid-dsn", "up")
	if err == nil {
		t.Fatal("Run with invalid DSN should return error")
	}
	if errors.Is(err, ErrNoChange) {
		t.Error("Run should never surface ErrNoChange")
	}
}

func TestVersion_EmptyDSN(t *testing.T) {
	if _, _, err := Version(""); err == nil {
		t.Fatal("Version with empty DSN should return error")
	}
}

func TestMigrations_PairsUpAndDown(t *testing.T) {
	entries, err := fs.ReadDir(db.Migrations, "migrations")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	ups, downs := map[string]bool{}, map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	if len(ups) == 0 {
		t.Fatal("no migrations embedded")
	}
	for v := range ups {
		if !downs[v] {
			t.Errorf("migration %s has no down file", v)
		}
	}
}

func TestMigrations_EnablesForcedRLS(t *testing.T) {
	b, err := fs.ReadFile(db.Migrations, "migrations/000002_row_level_security.up.sql")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	sql := string(b)
	for _, table := range []string{"organizations", "identities", "memberships", "audit_records"} {
		if !strings.Contains(sql, "ALTER TABLE "+table+" FORCE ROW LEVEL SECURITY") {
			t.Errorf("table %s does not force row level security", table)
		}
	}
}

func TestMigrations_AuditInsertBoundToScope(t *testing.T) {
	b, err := fs.ReadFile(db.Migrations, "migrations/000002_row_level_security.up.sql")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	sql := string(b)
	if strings.Contains(sql, "WITH CHECK (true)") {
		t.Error("a policy accepts every row")
	}
	if !strings.Contains(sql, "app_current_org() IS NULL OR org_id = app_current_org()") {
		t.Error("audit_records insert is not bound to the organization scope")
	}
}
