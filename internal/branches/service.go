package branches

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew    = "branches.service.new"
	opCreateBranch  = "branches.create_branch"
	opDeleteBranch  = "branches.delete_branch"
	opMergeBranch   = "branches.merge_branch"
	opListBranches  = "branches.list_branches"
	opGetBranch     = "branches.get_branch"
	opAppendVersion = "branches.append_version"
	opListVersions  = "branches.list_versions"
	opHeadVersion   = "branches.head_version"
)

// IDProvider issues identifiers for new branch and version rows.
type IDProvider interface {
	NewID() (string, error)
}

// ContentAccessor reads an article's canonical stored content. It seeds the
// first version of a brand-new default branch.
type ContentAccessor interface {
	ArticleContent(ctx context.Context, articleID string) (string, error)
}

// ServiceConfig describes the dependencies of the branch service.
type ServiceConfig struct {
	Database        *gorm.DB
	Clock           func() time.Time
	IDProvider      IDProvider
	ContentAccessor ContentAccessor
	Logger          *zap.Logger
}

// Service owns branch and version rows: it creates, lists, merges and
// deletes branches and appends immutable version snapshots. Mutations run
// in single transactions so readers never observe a half-merged or
// half-deleted branch.
type Service struct {
	db       *gorm.DB
	clock    func() time.Time
	ids      IDProvider
	articles ContentAccessor
	logger   *zap.Logger
}

// NewService constructs the branch service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:       cfg.Database,
		clock:    clock,
		ids:      cfg.IDProvider,
		articles: cfg.ContentAccessor,
		logger:   logger,
	}, nil
}

// CreateBranchParams describes a branch creation request.
type CreateBranchParams struct {
	ArticleID    ArticleID
	Name         string
	Description  string
	BaseBranchID BranchID
	CreatedBy    UserID
}

// CreateBranch creates a named branch for an article. The first branch of
// an article becomes its default and is seeded with version 1 from the
// article's canonical content; a branch created from a base copies the base
// head as its version 1; otherwise the branch starts without versions.
func (s *Service) CreateBranch(ctx context.Context, params CreateBranchParams) (Branch, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return Branch{}, newValidationError("branch name is required")
	}
	if len(name) > maxIdentifierLength {
		return Branch{}, newValidationError("branch name exceeds %d characters", maxIdentifierLength)
	}

	var created BranchRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing BranchRecord
		err := tx.Where("article_id = ? AND name = ?", params.ArticleID.String(), name).
			Take(&existing).Error
		if err == nil {
			return newValidationError("branch name %q already exists for this article", name)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opCreateBranch, "name_lookup_failed", err)
		}

		var branchCount int64
		if err := tx.Model(&BranchRecord{}).
			Where("article_id = ?", params.ArticleID.String()).
			Count(&branchCount).Error; err != nil {
			return newServiceError(opCreateBranch, "count_failed", err)
		}

		branchID, err := s.ids.NewID()
		if err != nil {
			return newServiceError(opCreateBranch, "id_generation_failed", err)
		}
		created = BranchRecord{
			BranchID:    branchID,
			ArticleID:   params.ArticleID.String(),
			Name:        name,
			Description: strings.TrimSpace(params.Description),
			IsDefault:   branchCount == 0,
			CreatedBy:   params.CreatedBy.String(),
		}
		if err := tx.Create(&created).Error; err != nil {
			return newServiceError(opCreateBranch, "branch_insert_failed", err)
		}

		seed, hasSeed, err := s.resolveSeedContent(ctx, tx, params, created.IsDefault)
		if err != nil {
			return err
		}
		if !hasSeed {
			return nil
		}
		versionID, err := s.ids.NewID()
		if err != nil {
			return newServiceError(opCreateBranch, "id_generation_failed", err)
		}
		version := VersionRecord{
			VersionID: versionID,
			BranchID:  branchID,
			Number:    1,
			Content:   seed,
			AuthorID:  params.CreatedBy.String(),
		}
		if err := tx.Create(&version).Error; err != nil {
			return newServiceError(opCreateBranch, "version_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logFailure(opCreateBranch, txErr, zap.String("article_id", params.ArticleID.String()))
		return Branch{}, txErr
	}
	return created.toDomain(), nil
}

// DeleteBranch removes a branch and its entire version history. The default
// branch and merged branches are protected and rejected with ConflictError.
func (s *Service) DeleteBranch(ctx context.Context, branchID BranchID) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := lockBranch(tx, branchID)
		if err != nil {
			return err
		}
		if record.IsDefault {
			return newConflictError("the default branch cannot be deleted")
		}
		if record.IsMerged {
			return newConflictError("branch %q is merged and kept as history", record.Name)
		}
		if err := tx.Where("branch_id = ?", record.BranchID).
			Delete(&VersionRecord{}).Error; err != nil {
			return newServiceError(opDeleteBranch, "version_delete_failed", err)
		}
		if err := tx.Delete(&BranchRecord{BranchID: record.BranchID}).Error; err != nil {
			return newServiceError(opDeleteBranch, "branch_delete_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logFailure(opDeleteBranch, txErr, zap.String("branch_id", branchID.String()))
	}
	return txErr
}

// MergeBranch folds the source branch's latest content into the target as a
// new version and marks the source merged. Merge replaces the target's
// content wholesale; it is not a structural three-way merge. The source
// keeps its version history but becomes terminal: no further versions,
// merges or deletion.
func (s *Service) MergeBranch(ctx context.Context, sourceID, targetID BranchID, mergedBy UserID) (Version, error) {
	if sourceID == targetID {
		return Version{}, newConflictError("a branch cannot be merged into itself")
	}

	var created VersionRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		source, err := lockBranch(tx, sourceID)
		if err != nil {
			return err
		}
		target, err := lockBranch(tx, targetID)
		if err != nil {
			return err
		}
		if source.ArticleID != target.ArticleID {
			return newValidationError("branches belong to different articles")
		}
		if source.IsMerged {
			return newConflictError("branch %q is already merged", source.Name)
		}
		if source.IsDefault {
			return newConflictError("the default branch cannot be merged away")
		}
		if target.IsMerged {
			return newConflictError("branch %q is merged and cannot take new versions", target.Name)
		}

		head, hasHead, err := headVersion(tx, sourceID)
		if err != nil {
			return newServiceError(opMergeBranch, "head_lookup_failed", err)
		}
		if !hasHead {
			return newValidationError("branch %q has no versions to merge", source.Name)
		}

		created, err = s.appendVersionTx(tx, target.BranchID, head.Content, mergedBy.String(), "merge of branch "+source.Name)
		if err != nil {
			return err
		}

		updates := map[string]any{
			"is_merged":             true,
			"merged_into_branch_id": target.BranchID,
			"updated_at":            s.clock().UTC(),
		}
		if err := tx.Model(&BranchRecord{}).
			Where("branch_id = ?", source.BranchID).
			Updates(updates).Error; err != nil {
			return newServiceError(opMergeBranch, "source_update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logFailure(opMergeBranch, txErr,
			zap.String("source_branch_id", sourceID.String()),
			zap.String("target_branch_id", targetID.String()))
		return Version{}, txErr
	}
	return created.toDomain(), nil
}

// ListBranches returns an article's branches, default first, then most
// recently updated, each with its version count.
func (s *Service) ListBranches(ctx context.Context, articleID ArticleID) ([]Branch, error) {
	var records []BranchRecord
	if err := s.db.WithContext(ctx).
		Where("article_id = ?", articleID.String()).
		Order("is_default DESC, updated_at DESC").
		Find(&records).Error; err != nil {
		s.logFailure(opListBranches, err, zap.String("article_id", articleID.String()))
		return nil, newServiceError(opListBranches, "query_failed", err)
	}

	result := make([]Branch, 0, len(records))
	for _, record := range records {
		branch := record.toDomain()
		var count int64
		if err := s.db.WithContext(ctx).Model(&VersionRecord{}).
			Where("branch_id = ?", record.BranchID).
			Count(&count).Error; err != nil {
			s.logFailure(opListBranches, err, zap.String("branch_id", record.BranchID))
			return nil, newServiceError(opListBranches, "count_failed", err)
		}
		branch.VersionCount = count
		result = append(result, branch)
	}
	return result, nil
}

// GetBranch returns one branch, optionally with its ordered version list.
func (s *Service) GetBranch(ctx context.Context, branchID BranchID, includeVersions bool) (Branch, error) {
	var record BranchRecord
	err := s.db.WithContext(ctx).
		Where("branch_id = ?", branchID.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Branch{}, newValidationError("unknown branch %q", branchID.String())
	}
	if err != nil {
		s.logFailure(opGetBranch, err, zap.String("branch_id", branchID.String()))
		return Branch{}, newServiceError(opGetBranch, "query_failed", err)
	}

	branch := record.toDomain()
	versions, err := s.ListVersions(ctx, branchID)
	if err != nil {
		return Branch{}, err
	}
	branch.VersionCount = int64(len(versions))
	if includeVersions {
		branch.Versions = versions
	}
	return branch, nil
}

func (s *Service) resolveSeedContent(ctx context.Context, tx *gorm.DB, params CreateBranchParams, isDefault bool) (string, bool, error) {
	if params.BaseBranchID != "" {
		base, err := lockBranch(tx, params.BaseBranchID)
		if err != nil {
			return "", false, err
		}
		if base.ArticleID != params.ArticleID.String() {
			return "", false, newValidationError("base branch belongs to a different article")
		}
		head, hasHead, err := headVersion(tx, params.BaseBranchID)
		if err != nil {
			return "", false, newServiceError(opCreateBranch, "base_head_lookup_failed", err)
		}
		if !hasHead {
			return "", false, nil
		}
		return head.Content, true, nil
	}
	if !isDefault {
		return "", false, nil
	}
	if s.articles == nil {
		return "", true, nil
	}
	content, err := s.articles.ArticleContent(ctx, params.ArticleID.String())
	if err != nil {
		return "", false, newServiceError(opCreateBranch, "article_content_failed", err)
	}
	return content, true, nil
}

func lockBranch(tx *gorm.DB, branchID BranchID) (BranchRecord, error) {
	var record BranchRecord
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("branch_id = ?", branchID.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return BranchRecord{}, newValidationError("unknown branch %q", branchID.String())
	}
	if err != nil {
		return BranchRecord{}, newServiceError(opGetBranch, "query_failed", err)
	}
	return record, nil
}

func headVersion(tx *gorm.DB, branchID BranchID) (VersionRecord, bool, error) {
	var record VersionRecord
	err := tx.Where("branch_id = ?", branchID.String()).
		Order("number DESC").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return VersionRecord{}, false, nil
	}
	if err != nil {
		return VersionRecord{}, false, err
	}
	return record, true, nil
}

func (s *Service) logFailure(operation string, err error, fields ...zap.Field) {
	if IsValidation(err) || IsConflict(err) {
		return
	}
	attrs := append([]zap.Field{zap.String("operation", operation), zap.Error(err)}, fields...)
	s.logger.Error("branch service error", attrs...)
}
