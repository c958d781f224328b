package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/interactions"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/mutations"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/nodes"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/schema"
)

// NodeWriter applies remote node transactions.
type NodeWriter interface {
	ApplyCreateTransaction(ctx context.Context, actor nodes.Actor, input nodes.CreateTransactionInput) (nodes.Node, error)
	ApplyUpdateTransaction(ctx context.Context, actor nodes.Actor, input nodes.UpdateTransactionInput) (nodes.Node, error)
	ApplyDeleteTransaction(ctx context.Context, actor nodes.Actor, input nodes.DeleteTransactionInput) error
}

// InteractionWriter records reactions and read markers.
type InteractionWriter interface {
	AddReaction(ctx context.Context, actor nodes.Actor, input interactions.ReactionInput) error
	RemoveReaction(ctx context.Context, actor nodes.Actor, input interactions.ReactionInput) error
	MarkSeen(ctx context.Context, actor nodes.Actor, input interactions.MarkInput) (interactions.Interaction, error)
	MarkOpened(ctx context.Context, actor nodes.Actor, input interactions.MarkInput) (interactions.Interaction, error)
}

var errTypeMismatch = errors.New("mutation type does not match node type")

// applier executes uploaded mutations on behalf of one workspace user.
type applier struct {
	actor        nodes.Actor
	nodes        NodeWriter
	interactions InteractionWriter
}

var _ mutations.Handler = applier{}

// apply runs every mutation in order. Permanent failures reject that mutation only; any other
// failure stops the batch. The verdicts of the mutations applied before it are returned with the
// error, since those are already committed.
func (a applier) apply(ctx context.Context, batch []mutations.Mutation) ([]mutations.Result, error) {
	results := make([]mutations.Result, 0, len(batch))
	for _, mutation := range batch {
		err := mutations.Dispatch(ctx, a, mutation)
		switch {
		case err == nil:
			results = append(results, mutations.Result{ID: mutation.ID, Status: mutations.StatusSuccess})
		case rejectable(err):
			results = append(results, mutations.Result{ID: mutation.ID, Status: mutations.StatusRejected})
		default:
			return results, fmt.Errorf("mutation %s: %w", mutation.ID, err)
		}
	}
	return results, nil
}

func rejectable(err error) bool {
	return interactions.IsPermanent(err) ||
		errors.Is(err, nodes.ErrRetriesExhausted) ||
		errors.Is(err, mutations.ErrUnknownType) ||
		errors.Is(err, mutations.ErrInvalidPayload) ||
		errors.Is(err, errTypeMismatch)
}

func (a applier) CreateNode(ctx context.Context, mutation mutations.Mutation, payload mutations.NodeCreate) error {
	nodeType := schema.NodeType(payload.NodeType)
	switch {
	case mutation.Type == mutations.TypeCreateFile && nodeType != schema.TypeFile,
		mutation.Type == mutations.TypeCreateMessage && nodeType != schema.TypeMessage:
		return errTypeMismatch
	}
	_, err := a.nodes.ApplyCreateTransaction(ctx, a.actor, nodes.CreateTransactionInput{
		NodeID:        payload.NodeID,
		TransactionID: payload.TransactionID,
		WorkspaceID:   payload.WorkspaceID,
		ParentID:      payload.ParentID,
		NodeType:      nodeType,
		Data:          payload.Data,
		CreatedAt:     payload.CreatedAt,
	})
	return err
}

func (a applier) UpdateNode(ctx context.Context, _ mutations.Mutation, payload mutations.NodeUpdate) error {
	_, err := a.nodes.ApplyUpdateTransaction(ctx, a.actor, nodes.UpdateTransactionInput{
		NodeID:        payload.NodeID,
		TransactionID: payload.TransactionID,
		WorkspaceID:   payload.WorkspaceID,
		Data:          payload.Data,
		CreatedAt:     payload.CreatedAt,
	})
	return err
}

func (a applier) DeleteNode(ctx context.Context, _ mutations.Mutation, payload mutations.NodeDelete) error {
	return a.nodes.ApplyDeleteTransaction(ctx, a.actor, nodes.DeleteTransactionInput{
		NodeID:        payload.NodeID,
		TransactionID: payload.TransactionID,
		WorkspaceID:   payload.WorkspaceID,
		CreatedAt:     payload.CreatedAt,
	})
}

func (a applier) AddReaction(ctx context.Context, _ mutations.Mutation, payload mutations.Reaction) error {
	if err := a.checkWorkspace(payload.WorkspaceID); err != nil {
		return err
	}
	return a.interactions.AddReaction(ctx, a.actor, interactions.ReactionInput{
		MessageID: payload.MessageID,
		Reaction:  payload.Reaction,
		At:        payload.CreatedAt,
	})
}

func (a applier) RemoveReaction(ctx context.Context, _ mutations.Mutation, payload mutations.Reaction) error {
	if err := a.checkWorkspace(payload.WorkspaceID); err != nil {
		return err
	}
	return a.interactions.RemoveReaction(ctx, a.actor, interactions.ReactionInput{
		MessageID: payload.MessageID,
		Reaction:  payload.Reaction,
		At:        payload.CreatedAt,
	})
}

func (a applier) MarkSeen(ctx context.Context, _ mutations.Mutation, payload mutations.Interaction) error {
	if err := a.checkWorkspace(payload.WorkspaceID); err != nil {
		return err
	}
	_, err := a.interactions.MarkSeen(ctx, a.actor, interactions.MarkInput{NodeID: payload.NodeID, At: payload.At})
	return err
}

func (a applier) MarkOpened(ctx context.Context, _ mutations.Mutation, payload mutations.Interaction) error {
	if err := a.checkWorkspace(payload.WorkspaceID); err != nil {
		return err
	}
	_, err := a.interactions.MarkOpened(ctx, a.actor, interactions.MarkInput{NodeID: payload.NodeID, At: payload.At})
	return err
}

func (a applier) checkWorkspace(workspaceID string) error {
	if workspaceID != a.actor.WorkspaceID {
		return nodes.ErrWorkspaceMismatch
	}
	return nil
}
