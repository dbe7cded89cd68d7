package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidUser indicates the request did not contain a usable identifier.
var ErrInvalidUser = errors.New("users: invalid user")

// User captures an identity known to the collaboration server. Rows exist so
// document ownership and collaborator grants have something to reference.
type User struct {
	ID          string    `gorm:"column:id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// ServiceConfig describes the dependencies required for user upkeep.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service upserts user rows as tokens are issued.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// EnsureUser creates the user row on first sight and refreshes the display
// name on later visits. A process-local cache of (id, name) pairs skips the
// store round-trip for repeat token requests.
func (s *Service) EnsureUser(ctx context.Context, userID, displayName string) error {
	id := strings.TrimSpace(userID)
	if id == "" {
		return ErrInvalidUser
	}
	name := strings.TrimSpace(displayName)

	cacheKey := id + ":" + name
	if _, seen := s.cache.Load(cacheKey); seen {
		return nil
	}

	var user User
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = User{
			ID:          id,
			DisplayName: name,
			LastSeenAt:  s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else {
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if name != "" && name != user.DisplayName {
			updates["display_name"] = name
		}
		if err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
	}

	s.cache.Store(cacheKey, struct{}{})
	return nil
}
