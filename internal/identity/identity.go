package identity

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidUser indicates that a user record could not be resolved.
var ErrInvalidUser = errors.New("identity: invalid user")

// presenceColors is the palette assigned to collaborators. A user keeps the
// same color across sessions because assignment hashes the user id.
var presenceColors = []string{
	"#e06c75", "#61afef", "#98c379", "#c678dd",
	"#d19a66", "#56b6c2", "#be5046", "#7f848e",
}

// Record maps a canonical user id to the attribution data the editing
// surface shows: display name and presence color.
type Record struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320;not null"`
	Color       string    `gorm:"column:color;size:16;not null"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Record) TableName() string {
	return "user_identities"
}

// User is the resolved identity handed to sessions and the branch service.
type User struct {
	ID          string
	DisplayName string
	Color       string
}

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service resolves canonical users for attribution. Identities are created
// on first sight and refreshed when the display name changes.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("identity: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// Resolve returns the user for the given id, creating the identity record
// when the id has not been seen before.
func (s *Service) Resolve(userID, displayName string) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, ErrInvalidUser
	}
	displayName = strings.TrimSpace(displayName)

	if cached, ok := s.cache.Load(userID); ok {
		user, ok := cached.(User)
		if ok && (displayName == "" || displayName == user.DisplayName) {
			return user, nil
		}
	}

	var record Record
	err := s.db.Where("user_id = ?", userID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		record = Record{
			UserID:      userID,
			DisplayName: displayName,
			Color:       colorFor(userID),
			LastSeenAt:  s.now(),
		}
		if record.DisplayName == "" {
			record.DisplayName = userID
		}
		if err := s.db.Create(&record).Error; err != nil {
			return User{}, err
		}
	} else if err != nil {
		return User{}, err
	} else {
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if displayName != "" && displayName != record.DisplayName {
			updates["display_name"] = displayName
			record.DisplayName = displayName
		}
		// Refresh failures leave a stale last-seen timestamp, not a wrong
		// identity; the resolved user is still served.
		if err := s.db.Model(&Record{}).
			Where("user_id = ?", userID).
			Updates(updates).Error; err != nil {
			s.logger.Warn("identity refresh failed",
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}

	user := User{ID: record.UserID, DisplayName: record.DisplayName, Color: record.Color}
	s.cache.Store(userID, user)
	return user, nil
}

func colorFor(userID string) string {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(userID))
	return presenceColors[int(hasher.Sum32())%len(presenceColors)]
}
