package branches

import (
	"context"
	"testing"

	"github.com/folioworks/folio/internal/replica"
)

// Full branch lifecycle: seed the default branch, fork it, edit the fork
// concurrently from two replicas, save the converged content, merge it back
// and verify the source becomes terminal.
func TestBranchLifecycleWithConcurrentEditing(t *testing.T) {
	service := mustService(t, &stubArticles{content: "Hello"})
	articleID := mustArticleID(t, "article-1")
	author := mustUserID(t, "user-nadia")
	reviewer := mustUserID(t, "user-amara")

	main := mustCreateBranch(t, service, CreateBranchParams{ArticleID: articleID, Name: "main", CreatedBy: author})
	feature := mustCreateBranch(t, service, CreateBranchParams{
		ArticleID:    articleID,
		Name:         "feature",
		BaseBranchID: main.ID,
		CreatedBy:    author,
	})

	head, found, err := service.HeadVersion(context.Background(), feature.ID)
	if err != nil || !found {
		t.Fatalf("feature head lookup failed: found=%v err=%v", found, err)
	}

	nadia, err := replica.NewStore(replica.StoreConfig{Origin: "nadia"})
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	amara, err := replica.NewStore(replica.StoreConfig{Origin: "amara"})
	if err != nil {
		t.Fatalf("store error: %v", err)
	}

	seed, err := nadia.Insert(0, head.Content)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := amara.Apply(seed); err != nil {
		t.Fatalf("seed apply failed: %v", err)
	}

	worldOp, err := nadia.Insert(5, " world")
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	bangOp, err := amara.Insert(5, "!")
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	// concurrent edits cross paths out of order
	if _, err := amara.Apply(worldOp); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := nadia.Apply(bangOp); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if nadia.Content() != amara.Content() || nadia.Content() != "Hello world!" {
		t.Fatalf("replicas diverged: %q vs %q", nadia.Content(), amara.Content())
	}

	saved, err := service.AppendVersion(context.Background(), feature.ID, nadia.Content(), author, "expand greeting")
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if saved.Number != 2 {
		t.Fatalf("expected version 2 on feature, got %d", saved.Number)
	}

	merged, err := service.MergeBranch(context.Background(), feature.ID, main.ID, reviewer)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if merged.Number != 2 || merged.Content != "Hello world!" {
		t.Fatalf("unexpected merge version on main: %+v", merged)
	}

	featureAfter, err := service.GetBranch(context.Background(), feature.ID, false)
	if err != nil {
		t.Fatalf("get branch failed: %v", err)
	}
	if target, ok := featureAfter.Status.MergedInto(); !ok || target != main.ID {
		t.Fatalf("feature not marked merged into main: %+v", featureAfter.Status)
	}
	if err := service.DeleteBranch(context.Background(), feature.ID); !IsConflict(err) {
		t.Fatalf("expected ConflictError deleting merged branch, got %v", err)
	}
}
