package branches

import "time"

// BranchRecord stores one branch row. MergedIntoBranchID is only set when
// IsMerged is true; rows convert to the tagged BranchStatus before leaving
// the package.
type BranchRecord struct {
	BranchID           string    `gorm:"column:branch_id;primaryKey;size:190;not null"`
	ArticleID          string    `gorm:"column:article_id;size:190;not null;index:idx_branches_article,priority:1;uniqueIndex:idx_branch_name,priority:1"`
	Name               string    `gorm:"column:name;size:190;not null;uniqueIndex:idx_branch_name,priority:2"`
	Description        string    `gorm:"column:description;type:text;not null;default:''"`
	IsDefault          bool      `gorm:"column:is_default;not null;default:false"`
	IsMerged           bool      `gorm:"column:is_merged;not null;default:false"`
	MergedIntoBranchID string    `gorm:"column:merged_into_branch_id;size:190;not null;default:''"`
	CreatedBy          string    `gorm:"column:created_by;size:190;not null"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (BranchRecord) TableName() string {
	return "article_branches"
}

// VersionRecord stores one immutable content snapshot. Rows are append-only;
// Number is unique and gap-free per branch.
type VersionRecord struct {
	VersionID string    `gorm:"column:version_id;primaryKey;size:190;not null"`
	BranchID  string    `gorm:"column:branch_id;size:190;not null;uniqueIndex:idx_version_number,priority:1"`
	Number    int64     `gorm:"column:number;not null;uniqueIndex:idx_version_number,priority:2"`
	Content   string    `gorm:"column:content;type:text;not null"`
	AuthorID  string    `gorm:"column:author_id;size:190;not null"`
	Summary   string    `gorm:"column:summary;size:500;not null;default:''"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (VersionRecord) TableName() string {
	return "branch_versions"
}

func (record BranchRecord) toDomain() Branch {
	status := ActiveStatus()
	if record.IsMerged {
		status = MergedStatus(BranchID(record.MergedIntoBranchID))
	}
	return Branch{
		ID:          BranchID(record.BranchID),
		ArticleID:   ArticleID(record.ArticleID),
		Name:        record.Name,
		Description: record.Description,
		IsDefault:   record.IsDefault,
		Status:      status,
		CreatedBy:   UserID(record.CreatedBy),
		CreatedAt:   record.CreatedAt,
		UpdatedAt:   record.UpdatedAt,
	}
}

func (record VersionRecord) toDomain() Version {
	return Version{
		ID:        record.VersionID,
		BranchID:  BranchID(record.BranchID),
		Number:    record.Number,
		Content:   record.Content,
		AuthorID:  UserID(record.AuthorID),
		Summary:   record.Summary,
		CreatedAt: record.CreatedAt,
	}
}
