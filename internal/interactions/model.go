package interactions

import "time"

// Interaction records when a user first and last saw or opened a node.
type Interaction struct {
	UserID        string     `gorm:"column:user_id;primaryKey;size:190;not null"`
	NodeID        string     `gorm:"column:node_id;primaryKey;size:190;not null;index:idx_interactions_node"`
	WorkspaceID   string     `gorm:"column:workspace_id;size:190;not null;index:idx_interactions_workspace_version,priority:1"`
	NodeType      string     `gorm:"column:node_type;size:32;not null"`
	FirstSeenAt   *time.Time `gorm:"column:first_seen_at"`
	LastSeenAt    *time.Time `gorm:"column:last_seen_at"`
	FirstOpenedAt *time.Time `gorm:"column:first_opened_at"`
	LastOpenedAt  *time.Time `gorm:"column:last_opened_at"`
	Version       int64      `gorm:"column:version;not null;uniqueIndex:idx_interactions_version;index:idx_interactions_workspace_version,priority:2"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt     *time.Time `gorm:"column:updated_at;autoUpdateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (Interaction) TableName() string {
	return "interactions"
}

// MessageReaction is one user's reaction on a message. Removal is a soft delete so that a
// later re-add reuses the row.
type MessageReaction struct {
	MessageID   string     `gorm:"column:message_id;primaryKey;size:190;not null"`
	UserID      string     `gorm:"column:user_id;primaryKey;size:190;not null"`
	Reaction    string     `gorm:"column:reaction;primaryKey;size:64;not null"`
	WorkspaceID string     `gorm:"column:workspace_id;size:190;not null;index:idx_message_reactions_workspace"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
	DeletedAt   *time.Time `gorm:"column:deleted_at"`
}

// TableName provides the explicit table binding for GORM.
func (MessageReaction) TableName() string {
	return "message_reactions"
}

// Models lists the tables owned by this package for auto migration.
func Models() []any {
	return []any{&Interaction{}, &MessageReaction{}}
}
