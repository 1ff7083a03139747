// Package testsupport holds helpers shared by package tests.
package testsupport

import (
	"testing"

	"github.com/zulandar/snapline/internal/db"
	"gorm.io/gorm"
)

// OpenDB returns a migrated in-memory SQLite database that is closed when
// the test finishes.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()
	gormDB, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gormDB.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return gormDB
}
