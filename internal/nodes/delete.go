package nodes

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DeleteTransactionInput is a delete transaction authored on a device.
type DeleteTransactionInput struct {
	NodeID        string
	TransactionID string
	WorkspaceID   string
	CreatedAt     time.Time
}

// ApplyDeleteTransaction removes the node and its descendants. Each removed node loses its
// transaction log and keeps a single terminal delete transaction. Collaborations are kept so the
// delete still reaches everyone who could see the node. Deleting a missing node succeeds.
func (s *Service) ApplyDeleteTransaction(ctx context.Context, actor Actor, input DeleteTransactionInput) error {
	if actor.WorkspaceID != input.WorkspaceID {
		return s.fail(opApplyDeleteTransaction, reasonInvalidInput, ErrWorkspaceMismatch)
	}
	if _, err := ValidateIdentifier(input.TransactionID); err != nil {
		return s.fail(opApplyDeleteTransaction, reasonInvalidInput, err)
	}
	if _, found, err := findTransaction(s.db.WithContext(ctx), input.TransactionID); err != nil {
		return s.fail(opApplyDeleteTransaction, reasonTransactionLookup, err,
			zap.String(fieldTransactionID, input.TransactionID))
	} else if found {
		return nil
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		err := s.tryDelete(ctx, actor, input, createdAt.UTC())
		if errors.Is(err, ErrConcurrentUpdate) {
			s.loggerOrDefault().Debug("node delete lost race",
				zap.String(fieldNodeID, input.NodeID),
				zap.Int(fieldAttempt, attempt))
			continue
		}
		if errors.Is(err, ErrNodeNotFound) {
			return nil
		}
		if err != nil {
			return s.fail(opApplyDeleteTransaction, reasonFor(err), err,
				zap.String(fieldNodeID, input.NodeID),
				zap.String(fieldUserID, actor.UserID))
		}
		return nil
	}
	return s.fail(opApplyDeleteTransaction, reasonRetriesExhausted, ErrRetriesExhausted, zap.String(fieldNodeID, input.NodeID))
}

func (s *Service) tryDelete(ctx context.Context, actor Actor, input DeleteTransactionInput, createdAt time.Time) error {
	db := s.db.WithContext(ctx)
	node, err := findNode(db, input.NodeID)
	if err != nil {
		return err
	}
	if node.WorkspaceID != input.WorkspaceID {
		return ErrWorkspaceMismatch
	}
	chain, err := loadAncestors(db, node.ID)
	if err != nil {
		return err
	}
	attributes, err := decodeAttributes(node.Attributes)
	if err != nil {
		return err
	}
	err = s.canDelete(accessRequest{
		actor:      actor,
		nodeID:     node.ID,
		nodeType:   node.NodeType(),
		createdBy:  node.CreatedBy,
		attributes: attributes,
		chain:      chain,
	})
	if err != nil {
		return err
	}

	now := s.now()
	var pending []events.Event
	txErr := db.Transaction(func(tx *gorm.DB) error {
		subtree, err := loadSubtree(tx, node.ID)
		if err != nil {
			return err
		}
		result := tx.Where("id = ? AND transaction_id = ?", node.ID, node.TransactionID).Delete(&Node{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrConcurrentUpdate
		}

		base, err := ReserveVersions(tx, SequenceTransactions, int64(len(subtree)))
		if err != nil {
			return err
		}
		removed := make([]string, 0, len(subtree))
		for index, target := range subtree {
			transactionID := input.TransactionID
			if target.ID != node.ID {
				transactionID, err = s.idProvider.NewID()
				if err != nil {
					return err
				}
				if err := tx.Where("id = ?", target.ID).Delete(&Node{}).Error; err != nil {
					return err
				}
			}
			if err := tx.Where("node_id = ?", target.ID).Delete(&Transaction{}).Error; err != nil {
				return err
			}
			terminal := Transaction{
				ID:              transactionID,
				NodeID:          target.ID,
				NodeType:        target.Type,
				WorkspaceID:     target.WorkspaceID,
				Operation:       OperationDelete,
				CreatedAt:       createdAt,
				CreatedBy:       actor.UserID,
				ServerCreatedAt: now,
				Version:         base + int64(index) + 1,
			}
			if err := tx.Create(&terminal).Error; err != nil {
				return err
			}
			removed = append(removed, target.ID)
			pending = append(pending, nodeEvent(events.NodeDeleted, target))
		}
		return tx.Where("descendant_id IN ?", removed).Delete(&NodePath{}).Error
	})
	if txErr != nil {
		return txErr
	}

	s.publish(pending)
	return nil
}
