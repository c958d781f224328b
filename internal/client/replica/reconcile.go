package replica

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/mutations"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/nodes"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Acknowledge confirms the local effects of an accepted mutation.
func (r *Replica) Acknowledge(ctx context.Context, tx *gorm.DB, mutation mutations.Mutation) error {
	return r.reconcile(ctx, acknowledger{tx: tx}, mutation)
}

// Revert undoes the local effects of a mutation the server will never accept.
func (r *Replica) Revert(ctx context.Context, tx *gorm.DB, mutation mutations.Mutation) error {
	return r.reconcile(ctx, reverter{tx: tx, userID: r.userID, clock: r.now}, mutation)
}

// Discard forgets a mutation that consolidation made moot.
func (r *Replica) Discard(ctx context.Context, tx *gorm.DB, mutation mutations.Mutation) error {
	return r.reconcile(ctx, discarder{tx: tx}, mutation)
}

// reconcile skips mutations this build cannot decode so that they still leave the queue.
func (r *Replica) reconcile(ctx context.Context, handler mutations.Handler, mutation mutations.Mutation) error {
	err := mutations.Dispatch(ctx, handler, mutation)
	if errors.Is(err, mutations.ErrUnknownType) || errors.Is(err, mutations.ErrInvalidPayload) {
		r.logger.Warn("skipping undecodable mutation",
			zap.String("mutation_id", mutation.ID),
			zap.String("type", string(mutation.Type)),
			zap.Error(err))
		return nil
	}
	return err
}

type acknowledger struct {
	tx *gorm.DB
}

var _ mutations.Handler = acknowledger{}

func (a acknowledger) confirm(transactionID string) error {
	return a.tx.Model(&LocalTransaction{}).
		Where("id = ?", transactionID).
		Update("status", StatusConfirmed).Error
}

func (a acknowledger) CreateNode(_ context.Context, _ mutations.Mutation, payload mutations.NodeCreate) error {
	return a.confirm(payload.TransactionID)
}

func (a acknowledger) UpdateNode(_ context.Context, _ mutations.Mutation, payload mutations.NodeUpdate) error {
	return a.confirm(payload.TransactionID)
}

func (a acknowledger) DeleteNode(_ context.Context, _ mutations.Mutation, payload mutations.NodeDelete) error {
	return a.confirm(payload.TransactionID)
}

func (a acknowledger) AddReaction(context.Context, mutations.Mutation, mutations.Reaction) error {
	return nil
}

func (a acknowledger) RemoveReaction(context.Context, mutations.Mutation, mutations.Reaction) error {
	return nil
}

func (a acknowledger) MarkSeen(_ context.Context, _ mutations.Mutation, payload mutations.Interaction) error {
	return a.advance(payload, "server_seen_at")
}

func (a acknowledger) MarkOpened(_ context.Context, _ mutations.Mutation, payload mutations.Interaction) error {
	return a.advance(payload, "server_opened_at")
}

func (a acknowledger) advance(payload mutations.Interaction, column string) error {
	at := payload.At.UTC()
	return a.tx.Model(&LocalInteraction{}).
		Where("node_id = ? AND ("+column+" IS NULL OR "+column+" < ?)", payload.NodeID, at).
		Update(column, at).Error
}

// discarder removes the local log entries of node mutations that will never be sent, so that a
// later revert cannot replay them. Local state already reflects the superseding mutation.
type discarder struct {
	tx *gorm.DB
}

var _ mutations.Handler = discarder{}

func (d discarder) forget(transactionID string) error {
	return d.tx.Delete(&LocalTransaction{}, "id = ? AND status = ?", transactionID, StatusPending).Error
}

func (d discarder) CreateNode(_ context.Context, _ mutations.Mutation, payload mutations.NodeCreate) error {
	return d.forget(payload.TransactionID)
}

func (d discarder) UpdateNode(_ context.Context, _ mutations.Mutation, payload mutations.NodeUpdate) error {
	return d.forget(payload.TransactionID)
}

func (d discarder) DeleteNode(_ context.Context, _ mutations.Mutation, payload mutations.NodeDelete) error {
	return d.forget(payload.TransactionID)
}

func (discarder) AddReaction(context.Context, mutations.Mutation, mutations.Reaction) error {
	return nil
}

func (discarder) RemoveReaction(context.Context, mutations.Mutation, mutations.Reaction) error {
	return nil
}

func (discarder) MarkSeen(context.Context, mutations.Mutation, mutations.Interaction) error {
	return nil
}

func (discarder) MarkOpened(context.Context, mutations.Mutation, mutations.Interaction) error {
	return nil
}

type reverter struct {
	tx     *gorm.DB
	userID string
	clock  func() time.Time
}

var _ mutations.Handler = reverter{}

func (r reverter) CreateNode(_ context.Context, _ mutations.Mutation, payload mutations.NodeCreate) error {
	return r.discardTransaction(payload.NodeID, payload.TransactionID)
}

func (r reverter) UpdateNode(_ context.Context, _ mutations.Mutation, payload mutations.NodeUpdate) error {
	return r.discardTransaction(payload.NodeID, payload.TransactionID)
}

func (r reverter) DeleteNode(_ context.Context, _ mutations.Mutation, payload mutations.NodeDelete) error {
	return r.discardTransaction(payload.NodeID, payload.TransactionID)
}

func (r reverter) AddReaction(_ context.Context, _ mutations.Mutation, payload mutations.Reaction) error {
	return r.restoreReaction(payload, false)
}

func (r reverter) RemoveReaction(_ context.Context, _ mutations.Mutation, payload mutations.Reaction) error {
	return r.restoreReaction(payload, true)
}

func (r reverter) MarkSeen(_ context.Context, _ mutations.Mutation, payload mutations.Interaction) error {
	return r.tx.Model(&LocalInteraction{}).
		Where("node_id = ?", payload.NodeID).
		Update("seen_at", gorm.Expr("server_seen_at")).Error
}

func (r reverter) MarkOpened(_ context.Context, _ mutations.Mutation, payload mutations.Interaction) error {
	return r.tx.Model(&LocalInteraction{}).
		Where("node_id = ?", payload.NodeID).
		Update("opened_at", gorm.Expr("server_opened_at")).Error
}

func (r reverter) restoreReaction(payload mutations.Reaction, present bool) error {
	return setReaction(r.tx, LocalReaction{
		MessageID:   payload.MessageID,
		UserID:      r.userID,
		Reaction:    payload.Reaction,
		WorkspaceID: payload.WorkspaceID,
		CreatedAt:   payload.CreatedAt,
	}, present, r.clock())
}

// discardTransaction drops the transaction from the local log and rebuilds the node from the
// entries that remain.
func (r reverter) discardTransaction(nodeID, transactionID string) error {
	if err := r.tx.Delete(&LocalTransaction{}, "id = ?", transactionID).Error; err != nil {
		return err
	}
	return rebuildNode(r.tx, nodeID)
}

// rebuildNode replays the local log of a node. A log without a create, or one that ends in a
// delete, leaves no node behind.
func rebuildNode(tx *gorm.DB, nodeID string) error {
	transactions, err := nodeTransactions(tx, nodeID)
	if err != nil {
		return err
	}
	if len(transactions) == 0 || transactions[0].Operation != string(nodes.OperationCreate) ||
		transactions[len(transactions)-1].Operation == string(nodes.OperationDelete) {
		return tx.Delete(&LocalNode{}, "id = ?", nodeID).Error
	}

	create := transactions[0]
	fragments := make([][]byte, 0, len(transactions))
	for _, transaction := range transactions {
		fragments = append(fragments, transaction.Data)
	}
	document, err := documents.Materialize(fragments...)
	if err != nil {
		return err
	}
	attributes, err := document.Attributes()
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(attributes)
	if err != nil {
		return err
	}

	node := LocalNode{
		ID:            nodeID,
		Type:          create.NodeType,
		WorkspaceID:   create.WorkspaceID,
		ParentID:      create.ParentID,
		Attributes:    string(encoded),
		CreatedAt:     create.CreatedAt,
		CreatedBy:     create.CreatedBy,
		TransactionID: create.ID,
	}
	if last := transactions[len(transactions)-1]; last.ID != create.ID {
		updatedAt := last.CreatedAt
		updatedBy := last.CreatedBy
		node.UpdatedAt = &updatedAt
		node.UpdatedBy = &updatedBy
		node.TransactionID = last.ID
	}
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&node).Error
}
