package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/client/queue"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/mutations"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/nodes"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/schema"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNodeNotFound indicates that the replica holds no node with the requested id.
	ErrNodeNotFound = errors.New("replica: node not found")
	// ErrNotMessage indicates a reaction on a node that is not a message.
	ErrNotMessage = errors.New("replica: reactions require a message")

	errMissingDatabase = errors.New("replica: database connection required")
	errMissingQueue    = errors.New("replica: mutation queue required")
	errMissingIdentity = errors.New("replica: user and workspace ids required")
)

// Config describes the dependencies of a device replica.
type Config struct {
	Database    *gorm.DB
	Queue       *queue.Store
	Registry    *schema.Registry
	IDProvider  nodes.IDProvider
	UserID      string
	WorkspaceID string
	Clock       func() time.Time
	// Notify runs after every committed local edit, typically Syncer.Wake.
	Notify func()
	Logger *zap.Logger
}

// Replica applies local edits to the device database and queues them for upload.
type Replica struct {
	db          *gorm.DB
	queue       *queue.Store
	registry    *schema.Registry
	ids         nodes.IDProvider
	userID      string
	workspaceID string
	clock       func() time.Time
	notify      func()
	logger      *zap.Logger
}

var _ queue.Reconciler = (*Replica)(nil)

// New validates the configuration and constructs the replica.
func New(cfg Config) (*Replica, error) {
	switch {
	case cfg.Database == nil:
		return nil, errMissingDatabase
	case cfg.Queue == nil:
		return nil, errMissingQueue
	case cfg.UserID == "" || cfg.WorkspaceID == "":
		return nil, errMissingIdentity
	}
	replica := &Replica{
		db:          cfg.Database,
		queue:       cfg.Queue,
		registry:    cfg.Registry,
		ids:         cfg.IDProvider,
		userID:      cfg.UserID,
		workspaceID: cfg.WorkspaceID,
		clock:       cfg.Clock,
		notify:      cfg.Notify,
		logger:      cfg.Logger,
	}
	if replica.registry == nil {
		replica.registry = schema.DefaultRegistry()
	}
	if replica.ids == nil {
		replica.ids = nodes.NewUUIDProvider()
	}
	if replica.clock == nil {
		replica.clock = time.Now
	}
	if replica.notify == nil {
		replica.notify = func() {}
	}
	if replica.logger == nil {
		replica.logger = zap.NewNop()
	}
	return replica, nil
}

func (r *Replica) now() time.Time {
	return r.clock().UTC()
}

// CreateInput describes a node created on this device. An empty ID is generated.
type CreateInput struct {
	ID         string
	ParentID   string
	Type       schema.NodeType
	Attributes map[string]any
}

// CreateNode stores the node with a pending create transaction and queues its upload.
func (r *Replica) CreateNode(ctx context.Context, input CreateInput) (LocalNode, error) {
	definition, err := r.registry.Definition(input.Type)
	if err != nil {
		return LocalNode{}, err
	}
	nodeID := input.ID
	if nodeID == "" {
		if nodeID, err = r.ids.NewID(); err != nil {
			return LocalNode{}, err
		}
	}
	transactionID, err := r.ids.NewID()
	if err != nil {
		return LocalNode{}, err
	}
	fragment, err := documents.Fragment(definition, maps.Clone(input.Attributes))
	if err != nil {
		return LocalNode{}, err
	}
	document, err := documents.Materialize(fragment)
	if err != nil {
		return LocalNode{}, err
	}
	attributes, err := document.Attributes()
	if err != nil {
		return LocalNode{}, err
	}
	encoded, err := json.Marshal(attributes)
	if err != nil {
		return LocalNode{}, err
	}

	now := r.now()
	node := LocalNode{
		ID:            nodeID,
		Type:          string(input.Type),
		WorkspaceID:   r.workspaceID,
		Attributes:    string(encoded),
		CreatedAt:     now,
		CreatedBy:     r.userID,
		TransactionID: transactionID,
	}
	if input.ParentID != "" {
		parentID := input.ParentID
		node.ParentID = &parentID
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		parentType := schema.NodeType("")
		if node.ParentID != nil {
			parent, err := findNode(tx, *node.ParentID)
			if err != nil {
				return err
			}
			parentType = schema.NodeType(parent.Type)
		}
		if err := r.registry.ValidatePlacement(input.Type, parentType); err != nil {
			return err
		}
		if err := tx.Create(&node).Error; err != nil {
			return err
		}
		if err := tx.Create(&LocalTransaction{
			ID:          transactionID,
			NodeID:      nodeID,
			NodeType:    node.Type,
			WorkspaceID: r.workspaceID,
			ParentID:    node.ParentID,
			Operation:   string(nodes.OperationCreate),
			Data:        fragment,
			CreatedAt:   now,
			CreatedBy:   r.userID,
			Status:      StatusPending,
		}).Error; err != nil {
			return err
		}
		_, err := r.queue.Enqueue(tx, createMutationType(input.Type), mutations.NodeCreate{
			NodeID:        nodeID,
			TransactionID: transactionID,
			WorkspaceID:   r.workspaceID,
			ParentID:      input.ParentID,
			NodeType:      node.Type,
			Data:          fragment,
			CreatedAt:     now,
		})
		return err
	})
	if err != nil {
		return LocalNode{}, fmt.Errorf("create node %s: %w", nodeID, err)
	}
	r.notify()
	return node, nil
}

// UpdateNode replaces the attributes of a node. Unchanged attributes produce no transaction.
func (r *Replica) UpdateNode(ctx context.Context, nodeID string, attributes map[string]any) (LocalNode, error) {
	var updated LocalNode
	changed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		node, err := findNode(tx, nodeID)
		if err != nil {
			return err
		}
		definition, err := r.registry.Definition(schema.NodeType(node.Type))
		if err != nil {
			return err
		}
		document, err := documents.Materialize([]byte(node.Attributes))
		if err != nil {
			return err
		}
		fragment, err := document.Update(definition, maps.Clone(attributes))
		if err != nil {
			return err
		}
		if fragment == nil {
			updated = node
			return nil
		}
		current, err := document.Attributes()
		if err != nil {
			return err
		}
		encoded, err := json.Marshal(current)
		if err != nil {
			return err
		}
		transactionID, err := r.ids.NewID()
		if err != nil {
			return err
		}

		now := r.now()
		node.Attributes = string(encoded)
		node.UpdatedAt = &now
		updatedBy := r.userID
		node.UpdatedBy = &updatedBy
		node.TransactionID = transactionID
		if err := tx.Save(&node).Error; err != nil {
			return err
		}
		if err := tx.Create(&LocalTransaction{
			ID:          transactionID,
			NodeID:      node.ID,
			NodeType:    node.Type,
			WorkspaceID: node.WorkspaceID,
			ParentID:    node.ParentID,
			Operation:   string(nodes.OperationUpdate),
			Data:        fragment,
			CreatedAt:   now,
			CreatedBy:   r.userID,
			Status:      StatusPending,
		}).Error; err != nil {
			return err
		}
		if _, err := r.queue.Enqueue(tx, mutations.TypeApplyUpdateTransaction, mutations.NodeUpdate{
			NodeID:        node.ID,
			TransactionID: transactionID,
			WorkspaceID:   node.WorkspaceID,
			Data:          fragment,
			CreatedAt:     now,
		}); err != nil {
			return err
		}
		updated = node
		changed = true
		return nil
	})
	if err != nil {
		return LocalNode{}, fmt.Errorf("update node %s: %w", nodeID, err)
	}
	if changed {
		r.notify()
	}
	return updated, nil
}

// DeleteNode removes the node from the replica and queues the delete. Descendants are removed
// by the server cascade and arrive through the transactions stream.
func (r *Replica) DeleteNode(ctx context.Context, nodeID string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		node, err := findNode(tx, nodeID)
		if err != nil {
			return err
		}
		transactionID, err := r.ids.NewID()
		if err != nil {
			return err
		}
		now := r.now()
		if err := tx.Delete(&LocalNode{}, "id = ?", node.ID).Error; err != nil {
			return err
		}
		if err := tx.Create(&LocalTransaction{
			ID:          transactionID,
			NodeID:      node.ID,
			NodeType:    node.Type,
			WorkspaceID: node.WorkspaceID,
			ParentID:    node.ParentID,
			Operation:   string(nodes.OperationDelete),
			CreatedAt:   now,
			CreatedBy:   r.userID,
			Status:      StatusPending,
		}).Error; err != nil {
			return err
		}
		_, err = r.queue.Enqueue(tx, deleteMutationType(schema.NodeType(node.Type)), mutations.NodeDelete{
			NodeID:        node.ID,
			TransactionID: transactionID,
			WorkspaceID:   node.WorkspaceID,
			CreatedAt:     now,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("delete node %s: %w", nodeID, err)
	}
	r.notify()
	return nil
}

// GetNode returns the local state of a node.
func (r *Replica) GetNode(ctx context.Context, nodeID string) (LocalNode, error) {
	return findNode(r.db.WithContext(ctx), nodeID)
}

// Transactions lists the local log of a node in application order.
func (r *Replica) Transactions(ctx context.Context, nodeID string) ([]LocalTransaction, error) {
	return nodeTransactions(r.db.WithContext(ctx), nodeID)
}

func findNode(tx *gorm.DB, nodeID string) (LocalNode, error) {
	var node LocalNode
	err := tx.Where("id = ?", nodeID).Take(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LocalNode{}, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	return node, err
}

func nodeTransactions(tx *gorm.DB, nodeID string) ([]LocalTransaction, error) {
	var transactions []LocalTransaction
	if err := tx.Where("node_id = ?", nodeID).Order("created_at ASC, id ASC").Find(&transactions).Error; err != nil {
		return nil, err
	}
	return transactions, nil
}

func createMutationType(nodeType schema.NodeType) mutations.Type {
	switch nodeType {
	case schema.TypeFile:
		return mutations.TypeCreateFile
	case schema.TypeMessage:
		return mutations.TypeCreateMessage
	default:
		return mutations.TypeApplyCreateTransaction
	}
}

func deleteMutationType(nodeType schema.NodeType) mutations.Type {
	switch nodeType {
	case schema.TypeFile:
		return mutations.TypeDeleteFile
	case schema.TypeMessage:
		return mutations.TypeDeleteMessage
	default:
		return mutations.TypeApplyDeleteTransaction
	}
}
