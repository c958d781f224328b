package users

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/schema"
)

// User is an account's membership in one workspace. The same account holds a distinct user id
// per workspace, and node collaborations reference that id.
type User struct {
	ID          string               `gorm:"column:id;primaryKey;size:190;not null"`
	WorkspaceID string               `gorm:"column:workspace_id;size:190;not null;uniqueIndex:idx_workspace_users_account,priority:1;index:idx_workspace_users_workspace"`
	AccountID   string               `gorm:"column:account_id;size:190;not null;uniqueIndex:idx_workspace_users_account,priority:2;index:idx_workspace_users_account_lookup"`
	Role        schema.WorkspaceRole `gorm:"column:role;size:32;not null"`
	Name        string               `gorm:"column:name;size:256"`
	Email       string               `gorm:"column:email;size:320"`
	CreatedAt   time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing workspace users.
func (User) TableName() string {
	return "workspace_users"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
