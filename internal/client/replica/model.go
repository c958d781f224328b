package replica

import (
	"time"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/client/queue"
)

// TransactionStatus tracks whether the server has accepted a local transaction.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusConfirmed TransactionStatus = "confirmed"
)

// LocalNode is the device view of a node.
type LocalNode struct {
	ID            string     `gorm:"column:id;primaryKey;size:190;not null"`
	Type          string     `gorm:"column:type;size:32;not null"`
	WorkspaceID   string     `gorm:"column:workspace_id;size:190;not null"`
	ParentID      *string    `gorm:"column:parent_id;size:190;index:idx_local_nodes_parent"`
	Attributes    string     `gorm:"column:attributes;type:text;not null"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null"`
	CreatedBy     string     `gorm:"column:created_by;size:190;not null"`
	UpdatedAt     *time.Time `gorm:"column:updated_at;autoUpdateTime:false"`
	UpdatedBy     *string    `gorm:"column:updated_by;size:190"`
	TransactionID string     `gorm:"column:transaction_id;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LocalNode) TableName() string {
	return "nodes"
}

// Parent returns the parent id or an empty string for roots.
func (n LocalNode) Parent() string {
	if n.ParentID == nil {
		return ""
	}
	return *n.ParentID
}

// LocalTransaction is one entry of the device copy of a node log. Pending entries were
// produced on this device and are not yet acknowledged.
type LocalTransaction struct {
	ID          string            `gorm:"column:id;primaryKey;size:190;not null"`
	NodeID      string            `gorm:"column:node_id;size:190;not null;index:idx_local_transactions_node"`
	NodeType    string            `gorm:"column:node_type;size:32;not null"`
	WorkspaceID string            `gorm:"column:workspace_id;size:190;not null"`
	ParentID    *string           `gorm:"column:parent_id;size:190"`
	Operation   string            `gorm:"column:operation;size:16;not null"`
	Data        []byte            `gorm:"column:data"`
	CreatedAt   time.Time         `gorm:"column:created_at;not null"`
	CreatedBy   string            `gorm:"column:created_by;size:190;not null"`
	Status      TransactionStatus `gorm:"column:status;size:16;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LocalTransaction) TableName() string {
	return "node_transactions"
}

// LocalReaction is the device copy of one reaction. DeletedAt marks a removed reaction.
type LocalReaction struct {
	MessageID   string     `gorm:"column:message_id;primaryKey;size:190;not null"`
	UserID      string     `gorm:"column:user_id;primaryKey;size:190;not null"`
	Reaction    string     `gorm:"column:reaction;primaryKey;size:64;not null"`
	WorkspaceID string     `gorm:"column:workspace_id;size:190;not null"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
	DeletedAt   *time.Time `gorm:"column:deleted_at"`
}

// TableName provides the explicit table binding for GORM.
func (LocalReaction) TableName() string {
	return "message_reactions"
}

// LocalInteraction keeps the effective read markers next to the last values the server accepted,
// so that a rejected mark can fall back to the confirmed one.
type LocalInteraction struct {
	NodeID         string     `gorm:"column:node_id;primaryKey;size:190;not null"`
	WorkspaceID    string     `gorm:"column:workspace_id;size:190;not null"`
	NodeType       string     `gorm:"column:node_type;size:32;not null"`
	SeenAt         *time.Time `gorm:"column:seen_at"`
	OpenedAt       *time.Time `gorm:"column:opened_at"`
	ServerSeenAt   *time.Time `gorm:"column:server_seen_at"`
	ServerOpenedAt *time.Time `gorm:"column:server_opened_at"`
}

// TableName provides the explicit table binding for GORM.
func (LocalInteraction) TableName() string {
	return "interactions"
}

// Models lists every table of the device database, including the mutation queue.
func Models() []any {
	models := []any{&LocalNode{}, &LocalTransaction{}, &LocalReaction{}, &LocalInteraction{}}
	return append(models, queue.Models()...)
}
