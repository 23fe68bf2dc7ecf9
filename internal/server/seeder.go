package server

import (
	"context"

	"github.com/folioworks/folio/internal/branches"
)

// BranchSeeder seeds rooms from durable branch history: a room opens on the
// head version of its branch, or empty when the branch has no versions yet.
type BranchSeeder struct {
	branches *branches.Service
}

// NewBranchSeeder wraps a branch service as a room seeder.
func NewBranchSeeder(service *branches.Service) *BranchSeeder {
	return &BranchSeeder{branches: service}
}

// SeedContent returns the content a fresh room for the pair starts from.
func (s *BranchSeeder) SeedContent(ctx context.Context, articleID, branchID string) (string, error) {
	id, err := branches.NewBranchID(branchID)
	if err != nil {
		return "", err
	}
	head, found, err := s.branches.HeadVersion(ctx, id)
	if err != nil {
		return "", err
	}
	if !found {
		return "", nil
	}
	return head.Content, nil
}
