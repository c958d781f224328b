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

// Transform derives new attributes from a deep copy of the current ones. Returning false declines
// the update permanently.
type Transform func(current schema.Attributes) (schema.Attributes, bool)

// UpdateNodeInput describes a server authored update.
type UpdateNodeInput struct {
	NodeID    string
	UpdatedBy string
	Transform Transform
}

// UpdateTransactionInput is an update transaction authored on a device.
type UpdateTransactionInput struct {
	NodeID        string
	TransactionID string
	WorkspaceID   string
	Data          []byte
	CreatedAt     time.Time
}

// updateAttempt is the state read at the start of one CAS attempt.
type updateAttempt struct {
	node       Node
	chain      []Node
	definition schema.Definition
	document   *documents.Document
	before     map[string]any
}

// UpdateNode replays the node's transactions, applies the transform, and stores the delta guarded
// by the transaction id read at the start of the attempt. Lost races retry up to ten times.
func (s *Service) UpdateNode(ctx context.Context, input UpdateNodeInput) (Node, error) {
	if input.Transform == nil {
		return Node{}, s.fail(opUpdateNode, reasonInvalidInput, errors.New("transform is required"))
	}
	if _, err := ValidateIdentifier(input.UpdatedBy); err != nil {
		return Node{}, s.fail(opUpdateNode, reasonInvalidInput, err)
	}
	transactionID, err := s.idProvider.NewID()
	if err != nil {
		return Node{}, s.fail(opUpdateNode, reasonIDGeneration, err)
	}

	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		node, err := s.tryUpdateNode(ctx, input, transactionID)
		if errors.Is(err, ErrConcurrentUpdate) {
			s.loggerOrDefault().Debug("node update lost race",
				zap.String(fieldNodeID, input.NodeID),
				zap.Int(fieldAttempt, attempt))
			continue
		}
		if err != nil {
			return Node{}, s.fail(opUpdateNode, reasonFor(err), err, zap.String(fieldNodeID, input.NodeID))
		}
		return node, nil
	}
	return Node{}, s.fail(opUpdateNode, reasonRetriesExhausted, ErrRetriesExhausted, zap.String(fieldNodeID, input.NodeID))
}

func (s *Service) tryUpdateNode(ctx context.Context, input UpdateNodeInput, transactionID string) (Node, error) {
	attempt, err := s.beginAttempt(ctx, input.NodeID)
	if err != nil {
		return Node{}, err
	}
	desired, ok := input.Transform(schema.Attributes(attempt.before).Clone())
	if !ok || desired == nil {
		return Node{}, ErrTransformDeclined
	}
	fragment, err := attempt.document.Update(attempt.definition, desired)
	if err != nil {
		return Node{}, fmt.Errorf("%w: %v", ErrInvalidAttributes, err)
	}
	if fragment == nil {
		return attempt.node, nil
	}
	now := s.now()
	return s.commitUpdate(ctx, attempt, Transaction{
		ID:        transactionID,
		Data:      fragment,
		CreatedAt: now,
		CreatedBy: input.UpdatedBy,
	})
}

// ApplyUpdateTransaction applies a device-authored delta under the same CAS discipline as
// UpdateNode, re-checking authorization on every attempt.
func (s *Service) ApplyUpdateTransaction(ctx context.Context, actor Actor, input UpdateTransactionInput) (Node, error) {
	if actor.WorkspaceID != input.WorkspaceID {
		return Node{}, s.fail(opApplyUpdateTransaction, reasonInvalidInput, ErrWorkspaceMismatch)
	}
	if _, err := ValidateIdentifier(input.TransactionID); err != nil {
		return Node{}, s.fail(opApplyUpdateTransaction, reasonInvalidInput, err)
	}
	existing, found, err := findTransaction(s.db.WithContext(ctx), input.TransactionID)
	if err != nil {
		return Node{}, s.fail(opApplyUpdateTransaction, reasonTransactionLookup, err,
			zap.String(fieldTransactionID, input.TransactionID))
	}
	if found {
		if existing.NodeID != input.NodeID {
			return Node{}, s.fail(opApplyUpdateTransaction, reasonInvalidInput, ErrNodeExists)
		}
		return s.currentNode(ctx, input.NodeID)
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		node, err := s.tryApplyUpdate(ctx, actor, input, createdAt.UTC())
		if errors.Is(err, ErrConcurrentUpdate) {
			s.loggerOrDefault().Debug("node transaction lost race",
				zap.String(fieldNodeID, input.NodeID),
				zap.Int(fieldAttempt, attempt))
			continue
		}
		if err != nil {
			return Node{}, s.fail(opApplyUpdateTransaction, reasonFor(err), err,
				zap.String(fieldNodeID, input.NodeID),
				zap.String(fieldUserID, actor.UserID))
		}
		return node, nil
	}
	return Node{}, s.fail(opApplyUpdateTransaction, reasonRetriesExhausted, ErrRetriesExhausted, zap.String(fieldNodeID, input.NodeID))
}

func (s *Service) tryApplyUpdate(ctx context.Context, actor Actor, input UpdateTransactionInput, createdAt time.Time) (Node, error) {
	attempt, err := s.beginAttempt(ctx, input.NodeID)
	if err != nil {
		return Node{}, err
	}
	if attempt.node.WorkspaceID != input.WorkspaceID {
		return Node{}, ErrWorkspaceMismatch
	}
	err = s.canUpdate(accessRequest{
		actor:      actor,
		nodeID:     attempt.node.ID,
		nodeType:   attempt.node.NodeType(),
		createdBy:  attempt.node.CreatedBy,
		attributes: attempt.before,
		chain:      attempt.chain,
	})
	if err != nil {
		return Node{}, err
	}
	if err := attempt.document.ApplyUpdate(input.Data); err != nil {
		return Node{}, err
	}
	return s.commitUpdate(ctx, attempt, Transaction{
		ID:        input.TransactionID,
		Data:      input.Data,
		CreatedAt: createdAt,
		CreatedBy: actor.UserID,
	})
}

func (s *Service) beginAttempt(ctx context.Context, nodeID string) (updateAttempt, error) {
	db := s.db.WithContext(ctx)
	node, err := findNode(db, nodeID)
	if errors.Is(err, ErrNodeNotFound) {
		deleted, lookupErr := nodeDeleted(db, nodeID)
		if lookupErr != nil {
			return updateAttempt{}, lookupErr
		}
		if deleted {
			return updateAttempt{}, ErrNodeDeleted
		}
		return updateAttempt{}, ErrNodeNotFound
	}
	if err != nil {
		return updateAttempt{}, err
	}
	chain, err := loadAncestors(db, nodeID)
	if err != nil {
		return updateAttempt{}, err
	}
	transactions, err := loadTransactions(db, nodeID)
	if err != nil {
		return updateAttempt{}, err
	}
	fragments := make([][]byte, 0, len(transactions))
	for _, transaction := range transactions {
		if len(transaction.Data) > 0 {
			fragments = append(fragments, transaction.Data)
		}
	}
	document, err := documents.Materialize(fragments...)
	if err != nil {
		return updateAttempt{}, err
	}
	before, err := document.Attributes()
	if err != nil {
		return updateAttempt{}, err
	}
	definition, err := s.registry.Definition(node.NodeType())
	if err != nil {
		return updateAttempt{}, err
	}
	return updateAttempt{
		node:       node,
		chain:      chain,
		definition: definition,
		document:   document,
		before:     before,
	}, nil
}

// commitUpdate persists the attempt's document state with the CAS predicate on transaction_id.
func (s *Service) commitUpdate(ctx context.Context, attempt updateAttempt, transaction Transaction) (Node, error) {
	after, err := attempt.document.Attributes()
	if err != nil {
		return Node{}, err
	}
	if err := attempt.definition.Validate(after); err != nil {
		return Node{}, fmt.Errorf("%w: %v", ErrInvalidAttributes, err)
	}
	beforeCollaborators, err := attempt.definition.Collaborators(attempt.before)
	if err != nil {
		beforeCollaborators = map[string]schema.Role{}
	}
	afterCollaborators, err := attempt.definition.Collaborators(after)
	if err != nil {
		return Node{}, fmt.Errorf("%w: %v", ErrInvalidAttributes, err)
	}
	encoded, err := encodeAttributes(after)
	if err != nil {
		return Node{}, err
	}

	now := s.now()
	updated := attempt.node
	updated.Attributes = encoded
	updated.UpdatedAt = &now
	updatedBy := transaction.CreatedBy
	updated.UpdatedBy = &updatedBy
	updated.TransactionID = transaction.ID

	transaction.NodeID = updated.ID
	transaction.NodeType = updated.Type
	transaction.WorkspaceID = updated.WorkspaceID
	transaction.Operation = OperationUpdate
	transaction.ServerCreatedAt = now

	var pending []events.Event
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Node{}).
			Where("id = ? AND transaction_id = ?", attempt.node.ID, attempt.node.TransactionID).
			Updates(map[string]any{
				"attributes":     encoded,
				"updated_at":     now,
				"updated_by":     updatedBy,
				"transaction_id": transaction.ID,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrConcurrentUpdate
		}
		base, err := ReserveVersions(tx, SequenceTransactions, 1)
		if err != nil {
			return err
		}
		transaction.Version = base + 1
		if err := tx.Create(&transaction).Error; err != nil {
			return err
		}
		collaboratorEvents, err := propagateCollaborators(tx, updated, diffCollaborators(beforeCollaborators, afterCollaborators), updatedBy, now)
		if err != nil {
			return err
		}
		pending = append(pending, nodeEvent(events.NodeUpdated, updated))
		pending = append(pending, collaboratorEvents...)
		return nil
	})
	if txErr != nil {
		return Node{}, txErr
	}

	s.publish(pending)
	return updated, nil
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrTransformDeclined):
		return "transform_declined"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNodeNotFound), errors.Is(err, ErrNodeDeleted):
		return "node_missing"
	case errors.Is(err, ErrConcurrentUpdate):
		return reasonCasConflict
	case IsPermanent(err):
		return reasonInvalidInput
	default:
		return reasonPersistFailed
	}
}
