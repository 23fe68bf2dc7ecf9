package branches

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AppendVersion persists the given content as the next numbered version of
// a branch. This is the only write path into history; concurrent appends
// are serialized by the surrounding transaction, so numbers stay gap-free.
// Appending to a merged branch is rejected with ConflictError.
func (s *Service) AppendVersion(ctx context.Context, branchID BranchID, content string, authorID UserID, summary string) (Version, error) {
	var created VersionRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := lockBranch(tx, branchID)
		if err != nil {
			return err
		}
		if record.IsMerged {
			return newConflictError("branch %q is merged and cannot take new versions", record.Name)
		}
		created, err = s.appendVersionTx(tx, record.BranchID, content, authorID.String(), summary)
		return err
	})
	if txErr != nil {
		s.logFailure(opAppendVersion, txErr, zap.String("branch_id", branchID.String()))
		return Version{}, txErr
	}
	return created.toDomain(), nil
}

// ListVersions returns a branch's versions ordered by number ascending.
func (s *Service) ListVersions(ctx context.Context, branchID BranchID) ([]Version, error) {
	var records []VersionRecord
	if err := s.db.WithContext(ctx).
		Where("branch_id = ?", branchID.String()).
		Order("number ASC").
		Find(&records).Error; err != nil {
		s.logFailure(opListVersions, err, zap.String("branch_id", branchID.String()))
		return nil, newServiceError(opListVersions, "query_failed", err)
	}
	versions := make([]Version, 0, len(records))
	for _, record := range records {
		versions = append(versions, record.toDomain())
	}
	return versions, nil
}

// HeadVersion returns the latest version of a branch, or false when the
// branch has no versions yet.
func (s *Service) HeadVersion(ctx context.Context, branchID BranchID) (Version, bool, error) {
	var head Version
	var found bool
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, hasHead, err := headVersion(tx, branchID)
		if err != nil {
			return newServiceError(opHeadVersion, "query_failed", err)
		}
		if hasHead {
			head = record.toDomain()
			found = true
		}
		return nil
	})
	if txErr != nil {
		s.logFailure(opHeadVersion, txErr, zap.String("branch_id", branchID.String()))
		return Version{}, false, txErr
	}
	return head, found, nil
}

func (s *Service) appendVersionTx(tx *gorm.DB, branchID, content, authorID, summary string) (VersionRecord, error) {
	head, hasHead, err := headVersion(tx, BranchID(branchID))
	if err != nil {
		return VersionRecord{}, newServiceError(opAppendVersion, "head_lookup_failed", err)
	}
	number := int64(1)
	if hasHead {
		number = head.Number + 1
	}

	versionID, err := s.ids.NewID()
	if err != nil {
		return VersionRecord{}, newServiceError(opAppendVersion, "id_generation_failed", err)
	}
	record := VersionRecord{
		VersionID: versionID,
		BranchID:  branchID,
		Number:    number,
		Content:   content,
		AuthorID:  authorID,
		Summary:   summary,
	}
	if err := tx.Create(&record).Error; err != nil {
		return VersionRecord{}, newServiceError(opAppendVersion, "version_insert_failed", err)
	}
	if err := tx.Model(&BranchRecord{}).
		Where("branch_id = ?", branchID).
		Update("updated_at", s.clock().UTC()).Error; err != nil {
		return VersionRecord{}, newServiceError(opAppendVersion, "branch_touch_failed", err)
	}
	return record, nil
}
