// Package repotest opens a migrated, file-backed SQLite database for tests.
package repotest

import (
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/zhouzirui/replydesk/backend/internal/repository"
)

// NewDB returns a fresh database. A single connection serializes writers the
// way row locks would, so concurrent tests still observe the unique indexes.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "replydesk.db") + "?_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), repository.GormConfig("silent"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := repository.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}
