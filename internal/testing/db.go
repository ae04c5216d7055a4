// Package testing provides testing utilities and helpers for the project.
package testing

import (
	"os"
	"testing"

	"github.com/doitsu2014/crypto-pocket-butler/internal/config"
	"github.com/doitsu2014/crypto-pocket-butler/internal/database"
)

// NewTestDB creates a temporary SQLite database with the full schema applied.
// Returns the database instance and an idempotent cleanup function.
func NewTestDB(t *testing.T) (*database.DB, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "test_butler_*.db")
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(config.DatabaseConfig{
		URL:                tmpPath,
		MaxConnections:     5,
		MinConnections:     1,
		ConnectTimeoutSecs: 5,
		AcquireTimeoutSecs: 5,
		IdleTimeoutSecs:    60,
		MaxLifetimeSecs:    300,
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to create test database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	return db, func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close test database: %v", err)
		}
		if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
			t.Logf("Warning: Failed to remove temporary database file %s: %v", tmpPath, err)
		}
	}
}

// MustExec runs a statement against the test database and fails the test on
// error. Handy for seeding fixtures inline.
func MustExec(t *testing.T, db *database.DB, query string, args ...interface{}) {
	t.Helper()
	if _, err := db.Conn().Exec(query, args...); err != nil {
		t.Fatalf("Failed to exec %q: %v", query, err)
	}
}
