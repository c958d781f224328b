package nodes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/events"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/schema"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CreateNodeInput describes a node authored by the server itself. ID is generated when empty.
type CreateNodeInput struct {
	ID          string
	WorkspaceID string
	ParentID    string
	Type        schema.NodeType
	Attributes  schema.Attributes
	CreatedBy   string
}

// CreateTransactionInput is a create transaction authored on a device.
type CreateTransactionInput struct {
	NodeID        string
	TransactionID string
	WorkspaceID   string
	ParentID      string
	NodeType      schema.NodeType
	Data          []byte
	CreatedAt     time.Time
}

type createPlan struct {
	operation     string
	nodeID        string
	transactionID string
	workspaceID   string
	parentID      string
	nodeType      schema.NodeType
	fragment      []byte
	createdAt     time.Time
	createdBy     string
	authorize     func(attributes map[string]any, chain []Node) error
}

// CreateNode validates the attributes, stores the node with its create transaction, and seeds
// its collaborations from the parent.
func (s *Service) CreateNode(ctx context.Context, input CreateNodeInput) (Node, error) {
	nodeID := input.ID
	if nodeID == "" {
		generated, err := s.idProvider.NewID()
		if err != nil {
			return Node{}, s.fail(opCreateNode, reasonIDGeneration, err)
		}
		nodeID = generated
	}
	transactionID, err := s.idProvider.NewID()
	if err != nil {
		return Node{}, s.fail(opCreateNode, reasonIDGeneration, err)
	}
	definition, err := s.registry.Definition(input.Type)
	if err != nil {
		return Node{}, s.fail(opCreateNode, reasonInvalidInput, err)
	}
	fragment, err := documents.Fragment(definition, input.Attributes.Clone())
	if err != nil {
		return Node{}, s.fail(opCreateNode, reasonInvalidInput, fmt.Errorf("%w: %v", ErrInvalidAttributes, err))
	}
	now := s.now()
	return s.createFromPlan(ctx, createPlan{
		operation:     opCreateNode,
		nodeID:        nodeID,
		transactionID: transactionID,
		workspaceID:   input.WorkspaceID,
		parentID:      input.ParentID,
		nodeType:      input.Type,
		fragment:      fragment,
		createdAt:     now,
		createdBy:     input.CreatedBy,
	})
}

// ApplyCreateTransaction applies a device-authored create after checking the actor may create
// the node under its parent. Resubmitting an applied transaction succeeds without changes.
func (s *Service) ApplyCreateTransaction(ctx context.Context, actor Actor, input CreateTransactionInput) (Node, error) {
	if actor.WorkspaceID != input.WorkspaceID {
		return Node{}, s.fail(opApplyCreateTransaction, reasonInvalidInput, ErrWorkspaceMismatch)
	}
	if _, err := ValidateIdentifier(input.TransactionID); err != nil {
		return Node{}, s.fail(opApplyCreateTransaction, reasonInvalidInput, err)
	}
	existing, found, err := findTransaction(s.db.WithContext(ctx), input.TransactionID)
	if err != nil {
		return Node{}, s.fail(opApplyCreateTransaction, reasonTransactionLookup, err,
			zap.String(fieldTransactionID, input.TransactionID))
	}
	if found {
		if existing.NodeID != input.NodeID {
			return Node{}, s.fail(opApplyCreateTransaction, reasonInvalidInput, ErrNodeExists)
		}
		return s.currentNode(ctx, input.NodeID)
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	return s.createFromPlan(ctx, createPlan{
		operation:     opApplyCreateTransaction,
		nodeID:        input.NodeID,
		transactionID: input.TransactionID,
		workspaceID:   input.WorkspaceID,
		parentID:      input.ParentID,
		nodeType:      input.NodeType,
		fragment:      input.Data,
		createdAt:     createdAt.UTC(),
		createdBy:     actor.UserID,
		authorize: func(attributes map[string]any, chain []Node) error {
			return s.canCreate(accessRequest{
				actor:      actor,
				nodeID:     input.NodeID,
				nodeType:   input.NodeType,
				createdBy:  actor.UserID,
				attributes: attributes,
				chain:      chain,
			})
		},
	})
}

func (s *Service) createFromPlan(ctx context.Context, plan createPlan) (Node, error) {
	for _, identifier := range []string{plan.nodeID, plan.transactionID, plan.workspaceID, plan.createdBy} {
		if _, err := ValidateIdentifier(identifier); err != nil {
			return Node{}, s.fail(plan.operation, reasonInvalidInput, err)
		}
	}
	definition, err := s.registry.Definition(plan.nodeType)
	if err != nil {
		return Node{}, s.fail(plan.operation, reasonInvalidInput, err)
	}
	document, err := documents.Materialize(plan.fragment)
	if err != nil {
		return Node{}, s.fail(plan.operation, reasonInvalidInput, err)
	}
	attributes, err := document.Attributes()
	if err != nil {
		return Node{}, s.fail(plan.operation, reasonInvalidInput, fmt.Errorf("%w: %v", ErrInvalidAttributes, err))
	}
	if err := definition.Validate(attributes); err != nil {
		return Node{}, s.fail(plan.operation, reasonInvalidInput, fmt.Errorf("%w: %v", ErrInvalidAttributes, err))
	}
	collaborators, err := definition.Collaborators(attributes)
	if err != nil {
		return Node{}, s.fail(plan.operation, reasonInvalidInput, fmt.Errorf("%w: %v", ErrInvalidAttributes, err))
	}
	encoded, err := encodeAttributes(attributes)
	if err != nil {
		return Node{}, s.fail(plan.operation, reasonInvalidInput, err)
	}

	now := s.now()
	node := Node{
		ID:            plan.nodeID,
		Type:          plan.nodeType.String(),
		WorkspaceID:   plan.workspaceID,
		Attributes:    encoded,
		CreatedAt:     plan.createdAt,
		CreatedBy:     plan.createdBy,
		TransactionID: plan.transactionID,
	}
	if plan.parentID != "" {
		parentID := plan.parentID
		node.ParentID = &parentID
	}
	transaction := Transaction{
		ID:              plan.transactionID,
		NodeID:          plan.nodeID,
		NodeType:        plan.nodeType.String(),
		WorkspaceID:     plan.workspaceID,
		Operation:       OperationCreate,
		Data:            plan.fragment,
		CreatedAt:       plan.createdAt,
		CreatedBy:       plan.createdBy,
		ServerCreatedAt: now,
	}
	logFields := []zap.Field{
		zap.String(fieldNodeID, plan.nodeID),
		zap.String(fieldWorkspaceID, plan.workspaceID),
	}

	var pending []events.Event
	reason := reasonPersistFailed
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.checkCreateTarget(tx, node); err != nil {
			reason = reasonInvalidInput
			return err
		}
		chain, err := s.checkPlacement(tx, node)
		if err != nil {
			reason = reasonInvalidInput
			return err
		}
		if plan.authorize != nil {
			if err := plan.authorize(attributes, chain); err != nil {
				reason = reasonInvalidInput
				return err
			}
		}

		base, err := ReserveVersions(tx, SequenceTransactions, 1)
		if err != nil {
			return err
		}
		transaction.Version = base + 1
		if err := tx.Create(&node).Error; err != nil {
			return err
		}
		if err := tx.Create(&transaction).Error; err != nil {
			return err
		}
		if err := insertNodePaths(tx, node); err != nil {
			return err
		}
		if err := seedFromParent(tx, node, plan.createdBy, now); err != nil {
			return err
		}
		if _, err := propagateCollaborators(tx, node, diffCollaborators(nil, collaborators), plan.createdBy, now); err != nil {
			return err
		}

		userIDs, err := listCollaboratorIDs(tx, node.ID)
		if err != nil {
			return err
		}
		pending = append(pending, nodeEvent(events.NodeCreated, node))
		for _, userID := range userIDs {
			pending = append(pending, collaboratorEvent(events.CollaboratorAdded, node, userID))
		}
		return nil
	})
	if txErr != nil {
		return Node{}, s.fail(plan.operation, reason, txErr, logFields...)
	}

	s.publish(pending)
	return node, nil
}

func (s *Service) checkCreateTarget(tx *gorm.DB, node Node) error {
	_, err := findNode(tx, node.ID)
	if err == nil {
		return ErrNodeExists
	}
	if !errors.Is(err, ErrNodeNotFound) {
		return err
	}
	deleted, err := nodeDeleted(tx, node.ID)
	if err != nil {
		return err
	}
	if deleted {
		return ErrNodeDeleted
	}
	return nil
}

// checkPlacement validates the parent relationship and returns the parent's ancestor chain.
func (s *Service) checkPlacement(tx *gorm.DB, node Node) ([]Node, error) {
	if node.ParentID == nil {
		return nil, s.registry.ValidatePlacement(node.NodeType(), "")
	}
	parent, err := findNode(tx, *node.ParentID)
	if err != nil {
		if errors.Is(err, ErrNodeNotFound) {
			return nil, fmt.Errorf("%w: parent %s", ErrNodeNotFound, *node.ParentID)
		}
		return nil, err
	}
	if parent.WorkspaceID != node.WorkspaceID {
		return nil, ErrWorkspaceMismatch
	}
	if err := s.registry.ValidatePlacement(node.NodeType(), parent.NodeType()); err != nil {
		return nil, err
	}
	return loadAncestors(tx, parent.ID)
}

func (s *Service) currentNode(ctx context.Context, nodeID string) (Node, error) {
	node, err := findNode(s.db.WithContext(ctx), nodeID)
	if errors.Is(err, ErrNodeNotFound) {
		return Node{ID: nodeID}, nil
	}
	return node, err
}

func nodeEvent(eventType events.Type, node Node) events.Event {
	return events.Event{
		Type:        eventType,
		WorkspaceID: node.WorkspaceID,
		NodeID:      node.ID,
		NodeType:    node.Type,
	}
}
