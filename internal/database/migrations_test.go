package database

import (
	"path/filepath"
	"testing"

	"github.com/folioworks/folio/internal/branches"
	"github.com/folioworks/folio/internal/identity"
)

func TestOpenSQLiteMigratesSchema(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), "folio.db")

	db, err := OpenSQLite(databasePath, nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	for _, table := range []string{"article_branches", "branch_versions", "user_identities", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %q after migration", table)
		}
	}

	var applied int64
	if err := db.Model(&migrationRecord{}).Count(&applied).Error; err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if applied == 0 {
		t.Fatalf("expected named migrations to be recorded")
	}
}

func TestOpenSQLiteIsIdempotent(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), "folio.db")

	first, err := OpenSQLite(databasePath, nil)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	if err := first.Create(&branches.BranchRecord{
		BranchID:  "branch-1",
		ArticleID: "article-1",
		Name:      "main",
		IsDefault: true,
		CreatedBy: "user-nadia",
	}).Error; err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := first.Create(&identity.Record{UserID: "user-nadia", DisplayName: "Nadia", Color: "#61afef"}).Error; err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	sqlDB, err := first.DB()
	if err != nil {
		t.Fatalf("failed to access database handle: %v", err)
	}
	sqlDB.Close()

	second, err := OpenSQLite(databasePath, nil)
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	var count int64
	if err := second.Model(&branches.BranchRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected data to survive reopen, got %d rows", count)
	}

	var migrations int64
	if err := second.Model(&migrationRecord{}).Count(&migrations).Error; err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if migrations != 1 {
		t.Fatalf("named migration applied more than once: %d rows", migrations)
	}
}
