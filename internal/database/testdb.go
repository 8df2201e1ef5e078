package database

import (
	"fmt"
	"os"
	"testing"
)

// NewTestDB creates a temp-file SQLite database with the given name's
// schema applied, for repository tests that need a real database rather
// than a fake. Grounded in the teacher's internal/testing/db.go helper.
// The returned cleanup function closes the connection and removes the file.
func NewTestDB(t *testing.T, name string) (*DB, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", fmt.Sprintf("sodme_test_%s_*.db", name))
	if err != nil {
		t.Fatalf("failed to create temp database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := New(Config{Path: tmpPath, Profile: ProfileStandard, Name: name})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("failed to open test database %s: %v", name, err)
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("failed to migrate test database %s: %v", name, err)
	}

	return db, func() {
		_ = db.Close()
		_ = os.Remove(tmpPath)
	}
}
