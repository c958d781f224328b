package nodes

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/schema"
)

// Operation enumerates the transaction log operations.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

const maxIdentifierLength = 190

// ErrInvalidIdentifier indicates that an identifier is empty, too long, or unsafe for JSON paths.
var ErrInvalidIdentifier = errors.New("nodes: invalid identifier")

// ValidateIdentifier checks that an id can be stored and used as a role map key.
func ValidateIdentifier(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidIdentifier, maxIdentifierLength)
	}
	if strings.ContainsAny(trimmed, "\"\\$[]*") {
		return "", fmt.Errorf("%w: %q contains reserved characters", ErrInvalidIdentifier, trimmed)
	}
	for _, r := range trimmed {
		if r < 0x20 {
			return "", fmt.Errorf("%w: control character", ErrInvalidIdentifier)
		}
	}
	return trimmed, nil
}

// Node is the materialized state of one node in the workspace hierarchy.
type Node struct {
	ID            string     `gorm:"column:id;primaryKey;size:190;not null"`
	Type          string     `gorm:"column:type;size:32;not null"`
	WorkspaceID   string     `gorm:"column:workspace_id;size:190;not null;index:idx_nodes_workspace"`
	ParentID      *string    `gorm:"column:parent_id;size:190;index:idx_nodes_parent"`
	Attributes    string     `gorm:"column:attributes;type:text;not null"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null"`
	CreatedBy     string     `gorm:"column:created_by;size:190;not null"`
	UpdatedAt     *time.Time `gorm:"column:updated_at;autoUpdateTime:false"`
	UpdatedBy     *string    `gorm:"column:updated_by;size:190"`
	TransactionID string     `gorm:"column:transaction_id;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Node) TableName() string {
	return "nodes"
}

// NodeType returns the typed node type.
func (n Node) NodeType() schema.NodeType {
	return schema.NodeType(n.Type)
}

// Parent returns the parent id or an empty string for roots.
func (n Node) Parent() string {
	if n.ParentID == nil {
		return ""
	}
	return *n.ParentID
}

// Transaction is an immutable entry of the per-node operation log.
type Transaction struct {
	ID              string    `gorm:"column:id;primaryKey;size:190;not null"`
	NodeID          string    `gorm:"column:node_id;size:190;not null;index:idx_node_transactions_node"`
	NodeType        string    `gorm:"column:node_type;size:32;not null"`
	WorkspaceID     string    `gorm:"column:workspace_id;size:190;not null;index:idx_node_transactions_workspace_version,priority:1"`
	Operation       Operation `gorm:"column:operation;size:16;not null"`
	Data            []byte    `gorm:"column:data"`
	CreatedAt       time.Time `gorm:"column:created_at;not null"`
	CreatedBy       string    `gorm:"column:created_by;size:190;not null"`
	ServerCreatedAt time.Time `gorm:"column:server_created_at;not null"`
	Version         int64     `gorm:"column:version;not null;uniqueIndex:idx_node_transactions_version;index:idx_node_transactions_workspace_version,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Transaction) TableName() string {
	return "node_transactions"
}

// Collaboration is the resolved access of one user on one node. Roles maps the granting node id
// to the role it grants; an empty map is the revocation state.
type Collaboration struct {
	UserID      string     `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_collaborations_user_version,priority:1"`
	NodeID      string     `gorm:"column:node_id;primaryKey;size:190;not null;index:idx_collaborations_node"`
	WorkspaceID string     `gorm:"column:workspace_id;size:190;not null"`
	Roles       string     `gorm:"column:roles;type:text;not null"`
	Version     int64      `gorm:"column:version;not null;index:idx_collaborations_user_version,priority:2"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
	CreatedBy   string     `gorm:"column:created_by;size:190;not null"`
	UpdatedAt   *time.Time `gorm:"column:updated_at;autoUpdateTime:false"`
	UpdatedBy   *string    `gorm:"column:updated_by;size:190"`
	DeletedAt   *time.Time `gorm:"column:deleted_at"`
}

// TableName provides the explicit table binding for GORM.
func (Collaboration) TableName() string {
	return "collaborations"
}

// NodePath is one ancestor/descendant pair of the closure table. Level 0 is the node itself.
type NodePath struct {
	AncestorID   string `gorm:"column:ancestor_id;primaryKey;size:190;not null"`
	DescendantID string `gorm:"column:descendant_id;primaryKey;size:190;not null;index:idx_node_paths_descendant"`
	WorkspaceID  string `gorm:"column:workspace_id;size:190;not null"`
	Level        int    `gorm:"column:level;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NodePath) TableName() string {
	return "node_paths"
}

// Sequence is a named monotonic counter used to assign versions.
type Sequence struct {
	Name  string `gorm:"column:name;primaryKey;size:64;not null"`
	Value int64  `gorm:"column:value;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Sequence) TableName() string {
	return "sequences"
}

// Models lists the tables owned by this package for AutoMigrate.
func Models() []any {
	return []any{&Node{}, &Transaction{}, &Collaboration{}, &NodePath{}, &Sequence{}}
}
