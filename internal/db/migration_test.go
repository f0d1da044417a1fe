package db

import (
	"strings"
	"testing"
)

func TestMigrationsAreOrderedAndReversible(t *testing.T) {
	migrations := GetAllMigrations()
	if len(migrations) == 0 {
		t.Fatal("expected at least one migration")
	}

	for i, m := range migrations {
		if m.Version != i+1 {
			t.Errorf("migration %q has version %d, want %d", m.Name, m.Version, i+1)
		}
		if strings.TrimSpace(m.UpScript) == "" || strings.TrimSpace(m.DownScript) == "" {
			t.Errorf("migration %d must have up and down scripts", m.Version)
		}
	}
}

func TestChecksumIsStable(t *testing.T) {
	a := checksum("CREATE TABLE x (id INT)")
	b := checksum("CREATE TABLE x (id INT)")
	c := checksum("CREATE TABLE y (id INT)")

	if a != b {
		t.Error("checksum should be deterministic")
	}
	if a == c {
		t.Error("different scripts should not share a checksum")
	}
	if len(a) != 64 {
		t.Errorf("expected hex sha256, got %d chars", len(a))
	}
}
