package branches

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidArticleID indicates that an article identifier is empty or exceeds storage bounds.
	ErrInvalidArticleID = errors.New("branches: invalid article id")
	// ErrInvalidBranchID indicates that a branch identifier is empty or exceeds storage bounds.
	ErrInvalidBranchID = errors.New("branches: invalid branch id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("branches: invalid user id")
)

// ArticleID represents a validated article identifier.
type ArticleID string

// NewArticleID validates raw input and returns an ArticleID.
func NewArticleID(rawInput string) (ArticleID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidArticleID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidArticleID, maxIdentifierLength)
	}
	return ArticleID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ArticleID) String() string {
	return string(id)
}

// BranchID represents a validated branch identifier.
type BranchID string

// NewBranchID validates raw input and returns a BranchID.
func NewBranchID(rawInput string) (BranchID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBranchID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidBranchID, maxIdentifierLength)
	}
	return BranchID(trimmed), nil
}

// String returns the underlying string identifier.
func (id BranchID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// BranchStatus is the tagged branch state: a branch is either active or
// merged into a named target. A merged status without a target is
// unrepresentable.
type BranchStatus struct {
	merged     bool
	mergedInto BranchID
}

// ActiveStatus returns the status of a branch that can still take versions.
func ActiveStatus() BranchStatus {
	return BranchStatus{}
}

// MergedStatus returns the terminal status of a branch folded into target.
func MergedStatus(target BranchID) BranchStatus {
	return BranchStatus{merged: true, mergedInto: target}
}

// Merged reports whether the branch has been merged away.
func (s BranchStatus) Merged() bool {
	return s.merged
}

// MergedInto returns the merge target when the branch is merged.
func (s BranchStatus) MergedInto() (BranchID, bool) {
	if !s.merged {
		return "", false
	}
	return s.mergedInto, true
}

// Branch is the domain view of one line of article history.
type Branch struct {
	ID           BranchID
	ArticleID    ArticleID
	Name         string
	Description  string
	IsDefault    bool
	Status       BranchStatus
	CreatedBy    UserID
	CreatedAt    time.Time
	UpdatedAt    time.Time
	VersionCount int64
	Versions     []Version
}

// Version is one immutable content snapshot within a branch.
type Version struct {
	ID        string
	BranchID  BranchID
	Number    int64
	Content   string
	AuthorID  UserID
	Summary   string
	CreatedAt time.Time
}
