// Package testutil provides shared test helpers.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/database"
)

// NewTestDB creates a temp-file SQLite database for a test. The file lives
// under t.TempDir() so each test gets an isolated database and the cleanup
// is automatic.
func NewTestDB(t *testing.T, name string) *database.DB {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), name+".db"),
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		t.Fatalf("failed to create test database %s: %v", name, err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("warning: failed to close test database %s: %v", name, err)
		}
	})
	return db
}
