package identity

import (
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func mustIdentityDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func mustIdentityService(t *testing.T) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{Database: mustIdentityDB(t), Clock: time.Now})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func TestResolveCreatesIdentityOnFirstSight(t *testing.T) {
	service := mustIdentityService(t)

	user, err := service.Resolve("user-1", "Nadia")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if user.ID != "user-1" || user.DisplayName != "Nadia" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if user.Color == "" {
		t.Fatalf("expected a presence color to be assigned")
	}

	again, err := service.Resolve("user-1", "Nadia")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if again.Color != user.Color {
		t.Fatalf("color changed between resolutions: %q vs %q", again.Color, user.Color)
	}
}

func TestResolveRefreshesDisplayName(t *testing.T) {
	service := mustIdentityService(t)

	if _, err := service.Resolve("user-1", "Nadia"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	renamed, err := service.Resolve("user-1", "Nadia K.")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if renamed.DisplayName != "Nadia K." {
		t.Fatalf("display name not refreshed: %q", renamed.DisplayName)
	}
}

func TestResolveSurvivesRefreshFailure(t *testing.T) {
	db := mustIdentityDB(t)
	core, logs := observer.New(zap.WarnLevel)
	service, err := NewService(ServiceConfig{Database: db, Clock: time.Now, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	if _, err := service.Resolve("user-1", "Nadia"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	// Freeze the table so the last-seen refresh fails while reads still work.
	freeze := "CREATE TRIGGER freeze_identities BEFORE UPDATE ON user_identities " +
		"BEGIN SELECT RAISE(ABORT, 'frozen'); END"
	if err := db.Exec(freeze).Error; err != nil {
		t.Fatalf("failed to install trigger: %v", err)
	}

	user, err := service.Resolve("user-1", "Nadia K.")
	if err != nil {
		t.Fatalf("resolve must not fail on a refresh error: %v", err)
	}
	if user.DisplayName != "Nadia K." {
		t.Fatalf("unexpected display name: %q", user.DisplayName)
	}
	if logs.FilterMessage("identity refresh failed").Len() != 1 {
		t.Fatalf("expected one refresh warning, got %d entries", logs.Len())
	}
}

func TestResolveFallsBackToUserID(t *testing.T) {
	service := mustIdentityService(t)

	user, err := service.Resolve("user-2", "")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if user.DisplayName != "user-2" {
		t.Fatalf("expected user id fallback, got %q", user.DisplayName)
	}
}

func TestResolveRejectsEmptyUserID(t *testing.T) {
	service := mustIdentityService(t)
	if _, err := service.Resolve("   ", "Nadia"); err == nil {
		t.Fatalf("expected error for blank user id")
	}
}

func TestColorAssignmentIsStable(t *testing.T) {
	if colorFor("user-1") != colorFor("user-1") {
		t.Fatalf("color assignment must be deterministic")
	}
}
