package branches

import (
	"context"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type stubArticles struct {
	content string
}

func (s *stubArticles) ArticleContent(_ context.Context, _ string) (string, error) {
	return s.content, nil
}

func mustDatabase(t *testing.T) *gorm.DB {
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
	if err := db.AutoMigrate(&BranchRecord{}, &VersionRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func mustService(t *testing.T, articles ContentAccessor) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:        mustDatabase(t),
		Clock:           time.Now,
		IDProvider:      NewUUIDProvider(),
		ContentAccessor: articles,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func mustArticleID(t *testing.T, value string) ArticleID {
	t.Helper()
	id, err := NewArticleID(value)
	if err != nil {
		t.Fatalf("unexpected article id error: %v", err)
	}
	return id
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustCreateBranch(t *testing.T, service *Service, params CreateBranchParams) Branch {
	t.Helper()
	branch, err := service.CreateBranch(context.Background(), params)
	if err != nil {
		t.Fatalf("create branch failed: %v", err)
	}
	return branch
}
