package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/schema"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrUserNotFound indicates the account has no membership in the workspace.
	ErrUserNotFound = errors.New("users: user not found")
	// ErrInvalidUser indicates a membership record is missing required identifiers.
	ErrInvalidUser = errors.New("users: invalid user")
)

// ServiceConfig describes the dependencies required for workspace user resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves accounts to their per-workspace users.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the workspace user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

func cacheKey(accountID, workspaceID string) string {
	return accountID + ":" + workspaceID
}

// SaveUser creates or updates a membership and refreshes the cache.
func (s *Service) SaveUser(ctx context.Context, user User) (User, error) {
	user.ID = normalize(user.ID)
	user.WorkspaceID = normalize(user.WorkspaceID)
	user.AccountID = normalize(user.AccountID)
	if user.ID == "" || user.WorkspaceID == "" || user.AccountID == "" {
		return User{}, ErrInvalidUser
	}
	if user.Role == "" {
		user.Role = schema.WorkspaceRoleCollaborator
	}
	now := s.now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role", "name", "email", "updated_at"}),
	}).Create(&user).Error
	if err != nil {
		return User{}, err
	}
	s.cache.Store(cacheKey(user.AccountID, user.WorkspaceID), user)
	return user, nil
}

// ResolveUser returns the membership of an account in a workspace.
func (s *Service) ResolveUser(ctx context.Context, accountID, workspaceID string) (User, error) {
	accountID = normalize(accountID)
	workspaceID = normalize(workspaceID)
	if accountID == "" || workspaceID == "" {
		return User{}, ErrUserNotFound
	}

	key := cacheKey(accountID, workspaceID)
	if cached, ok := s.cache.Load(key); ok {
		if user, ok := cached.(User); ok {
			return user, nil
		}
	}

	var user User
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND workspace_id = ?", accountID, workspaceID).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	if !user.Role.Active() {
		return User{}, ErrUserNotFound
	}

	s.cache.Store(key, user)
	return user, nil
}

// ListAccountUsers returns every active membership of an account.
func (s *Service) ListAccountUsers(ctx context.Context, accountID string) ([]User, error) {
	var memberships []User
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND role <> ?", normalize(accountID), schema.WorkspaceRoleNone).
		Order("workspace_id ASC").
		Find(&memberships).Error
	if err != nil {
		return nil, err
	}
	return memberships, nil
}

// ListWorkspaceUserIDs returns the ids of every active member of a workspace.
func (s *Service) ListWorkspaceUserIDs(ctx context.Context, workspaceID string) ([]string, error) {
	var identifiers []string
	err := s.db.WithContext(ctx).
		Model(&User{}).
		Where("workspace_id = ? AND role <> ?", normalize(workspaceID), schema.WorkspaceRoleNone).
		Order("id ASC").
		Pluck("id", &identifiers).Error
	if err != nil {
		return nil, err
	}
	return identifiers, nil
}
