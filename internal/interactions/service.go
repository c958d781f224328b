package interactions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/events"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/nodes"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/schema"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew       = "interactions.service.new"
	opMarkSeen         = "interactions.mark_seen"
	opMarkOpened       = "interactions.mark_opened"
	opAddReaction      = "interactions.add_reaction"
	opRemoveReaction   = "interactions.remove_reaction"
	opListInteractions = "interactions.list_interactions"

	reasonMissingDatabase = "missing_database"
	reasonMissingNodes    = "missing_node_access"
	reasonRejected        = "rejected"
	reasonPersistFailed   = "persist_failed"
	reasonQueryFailed     = "query_failed"

	fieldNodeID      = "node_id"
	fieldUserID      = "user_id"
	fieldWorkspaceID = "workspace_id"

	maxReactionLength = 64
)

const visibleInteractionSQL = `(interactions.user_id = ? OR EXISTS (
	SELECT 1 FROM collaborations c
	WHERE c.user_id = ? AND c.node_id = interactions.node_id AND c.roles <> '{}'))`

var noOpLogger = zap.NewNop()

// NodeAccess resolves nodes and the caller's effective role on them.
type NodeAccess interface {
	GetNode(ctx context.Context, nodeID string) (nodes.Node, error)
	EffectiveRole(ctx context.Context, userID, nodeID string) (schema.Role, error)
	Registry() *schema.Registry
}

// ServiceConfig describes the dependencies of the interaction service.
type ServiceConfig struct {
	Database  *gorm.DB
	Nodes     NodeAccess
	Clock     func() time.Time
	Publisher events.Publisher
	Logger    *zap.Logger
}

// Service records read receipts and message reactions.
type Service struct {
	db        *gorm.DB
	nodes     NodeAccess
	clock     func() time.Time
	publisher events.Publisher
	logger    *zap.Logger
}

// MarkInput names the node a user saw or opened and when.
type MarkInput struct {
	NodeID string
	At     time.Time
}

// ReactionInput names a reaction on a message.
type ReactionInput struct {
	MessageID string
	Reaction  string
	At        time.Time
}

type markKind int

const (
	markSeen markKind = iota
	markOpened
)

// NewService validates the configuration and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Nodes == nil {
		return nil, newServiceError(opServiceNew, reasonMissingNodes, errMissingNodes)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:        cfg.Database,
		nodes:     cfg.Nodes,
		clock:     clock,
		publisher: publisher,
		logger:    logger,
	}, nil
}

// MarkSeen records that the actor saw the node at input.At.
func (s *Service) MarkSeen(ctx context.Context, actor nodes.Actor, input MarkInput) (Interaction, error) {
	return s.mark(ctx, opMarkSeen, markSeen, actor, input)
}

// MarkOpened records that the actor opened the node at input.At.
func (s *Service) MarkOpened(ctx context.Context, actor nodes.Actor, input MarkInput) (Interaction, error) {
	return s.mark(ctx, opMarkOpened, markOpened, actor, input)
}

func (s *Service) mark(ctx context.Context, operation string, kind markKind, actor nodes.Actor, input MarkInput) (Interaction, error) {
	node, err := s.authorize(ctx, actor, input.NodeID, schema.RoleViewer)
	if err != nil {
		return Interaction{}, s.fail(operation, reasonRejected, err, zap.String(fieldNodeID, input.NodeID))
	}
	now := s.clock().UTC()
	at := input.At.UTC()
	if input.At.IsZero() {
		at = now
	}

	var stored Interaction
	changed := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var interaction Interaction
		lookupErr := tx.Where("user_id = ? AND node_id = ?", actor.UserID, node.ID).Take(&interaction).Error
		found := lookupErr == nil
		switch {
		case errors.Is(lookupErr, gorm.ErrRecordNotFound):
			interaction = Interaction{
				UserID:      actor.UserID,
				NodeID:      node.ID,
				WorkspaceID: node.WorkspaceID,
				NodeType:    node.Type,
				CreatedAt:   now,
			}
		case lookupErr != nil:
			return lookupErr
		}

		first, last := &interaction.FirstSeenAt, &interaction.LastSeenAt
		if kind == markOpened {
			first, last = &interaction.FirstOpenedAt, &interaction.LastOpenedAt
		}
		if !advance(first, last, at) {
			stored = interaction
			return nil
		}

		base, err := nodes.ReserveVersions(tx, nodes.SequenceInteractions, 1)
		if err != nil {
			return err
		}
		interaction.Version = base + 1
		if found {
			interaction.UpdatedAt = &now
			if err := tx.Save(&interaction).Error; err != nil {
				return err
			}
		} else if err := tx.Create(&interaction).Error; err != nil {
			return err
		}
		stored = interaction
		changed = true
		return nil
	})
	if err != nil {
		return Interaction{}, s.fail(operation, reasonPersistFailed, err,
			zap.String(fieldNodeID, node.ID),
			zap.String(fieldUserID, actor.UserID))
	}
	if changed {
		s.publisher.Publish(events.Event{
			Type:        events.InteractionUpdated,
			WorkspaceID: stored.WorkspaceID,
			NodeID:      stored.NodeID,
			NodeType:    stored.NodeType,
			UserID:      stored.UserID,
			OccurredAt:  now,
		})
	}
	return stored, nil
}

// advance widens the [first, last] window to include at and reports whether it moved.
func advance(first, last **time.Time, at time.Time) bool {
	changed := false
	if *first == nil || at.Before(**first) {
		value := at
		*first = &value
		changed = true
	}
	if *last == nil || at.After(**last) {
		value := at
		*last = &value
		changed = true
	}
	return changed
}

// AddReaction stores the actor's reaction on a message; re-adding a removed reaction restores it.
func (s *Service) AddReaction(ctx context.Context, actor nodes.Actor, input ReactionInput) error {
	reaction, err := normalizeReaction(input.Reaction)
	if err != nil {
		return s.fail(opAddReaction, reasonRejected, err, zap.String(fieldNodeID, input.MessageID))
	}
	node, err := s.authorize(ctx, actor, input.MessageID, schema.RoleCollaborator)
	if err == nil && node.NodeType() != schema.TypeMessage {
		err = fmt.Errorf("%w: %s is not a message", ErrInvalidReaction, node.ID)
	}
	if err != nil {
		return s.fail(opAddReaction, reasonRejected, err, zap.String(fieldNodeID, input.MessageID))
	}
	at := input.At.UTC()
	if input.At.IsZero() {
		at = s.clock().UTC()
	}
	record := MessageReaction{
		MessageID:   node.ID,
		UserID:      actor.UserID,
		Reaction:    reaction,
		WorkspaceID: node.WorkspaceID,
		CreatedAt:   at,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "message_id"}, {Name: "user_id"}, {Name: "reaction"}},
		DoUpdates: clause.Assignments(map[string]any{
			"deleted_at": nil,
			"created_at": at,
		}),
		Where: clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: "message_reactions.deleted_at IS NOT NULL"}}},
	}).Create(&record).Error
	if err != nil {
		return s.fail(opAddReaction, reasonPersistFailed, err, zap.String(fieldNodeID, node.ID))
	}
	return nil
}

// RemoveReaction soft deletes the actor's reaction. Removing a reaction that is absent, or whose
// message no longer exists, succeeds.
func (s *Service) RemoveReaction(ctx context.Context, actor nodes.Actor, input ReactionInput) error {
	reaction, err := normalizeReaction(input.Reaction)
	if err != nil {
		return s.fail(opRemoveReaction, reasonRejected, err, zap.String(fieldNodeID, input.MessageID))
	}
	if _, err := s.authorize(ctx, actor, input.MessageID, schema.RoleCollaborator); err != nil {
		if errors.Is(err, nodes.ErrNodeNotFound) {
			return nil
		}
		return s.fail(opRemoveReaction, reasonRejected, err, zap.String(fieldNodeID, input.MessageID))
	}
	at := input.At.UTC()
	if input.At.IsZero() {
		at = s.clock().UTC()
	}
	err = s.db.WithContext(ctx).
		Model(&MessageReaction{}).
		Where("message_id = ? AND user_id = ? AND reaction = ? AND deleted_at IS NULL", input.MessageID, actor.UserID, reaction).
		Update("deleted_at", at).Error
	if err != nil {
		return s.fail(opRemoveReaction, reasonPersistFailed, err, zap.String(fieldNodeID, input.MessageID))
	}
	return nil
}

// ListReactions returns the live reactions on a message.
func (s *Service) ListReactions(ctx context.Context, messageID string) ([]MessageReaction, error) {
	var reactions []MessageReaction
	err := s.db.WithContext(ctx).
		Where("message_id = ? AND deleted_at IS NULL", messageID).
		Order("created_at ASC, user_id ASC").
		Find(&reactions).Error
	return reactions, err
}

// ListInteractionsSince returns interactions after cursor on nodes the user collaborates on,
// plus the user's own.
func (s *Service) ListInteractionsSince(ctx context.Context, workspaceID, userID string, cursor int64, limit int) ([]Interaction, error) {
	var interactions []Interaction
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND version > ?", workspaceID, cursor).
		Where(visibleInteractionSQL, userID, userID).
		Order("version ASC").
		Limit(limit).
		Find(&interactions).Error
	if err != nil {
		return nil, s.fail(opListInteractions, reasonQueryFailed, err,
			zap.String(fieldWorkspaceID, workspaceID),
			zap.String(fieldUserID, userID))
	}
	return interactions, nil
}

func (s *Service) authorize(ctx context.Context, actor nodes.Actor, nodeID string, minimum schema.Role) (nodes.Node, error) {
	if !actor.WorkspaceRole.Active() {
		return nodes.Node{}, fmt.Errorf("%w: inactive workspace member", nodes.ErrUnauthorized)
	}
	node, err := s.nodes.GetNode(ctx, nodeID)
	if err != nil {
		return nodes.Node{}, err
	}
	if node.WorkspaceID != actor.WorkspaceID {
		return nodes.Node{}, nodes.ErrWorkspaceMismatch
	}
	if s.nodes.Registry().IsGlobal(node.NodeType()) {
		return node, nil
	}
	role, err := s.nodes.EffectiveRole(ctx, actor.UserID, node.ID)
	if err != nil {
		return nodes.Node{}, err
	}
	if !role.AtLeast(minimum) {
		return nodes.Node{}, fmt.Errorf("%w: %s requires %s", nodes.ErrUnauthorized, node.ID, minimum)
	}
	return node, nil
}

func normalizeReaction(raw string) (string, error) {
	reaction := strings.TrimSpace(raw)
	if reaction == "" || len(reaction) > maxReactionLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidReaction, raw)
	}
	return reaction, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("interactions service error", attrs...)
}

func (s *Service) fail(operation, reason string, err error, fields ...zap.Field) error {
	if !IsPermanent(err) {
		s.logError(operation, reason, err, fields...)
	}
	return newServiceError(operation, reason, err)
}
