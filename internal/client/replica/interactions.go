package replica

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/mutations"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/schema"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type markKind int

const (
	markSeen markKind = iota
	markOpened
)

// AddReaction records the user's reaction on a message and queues it.
func (r *Replica) AddReaction(ctx context.Context, messageID, reaction string) error {
	return r.react(ctx, messageID, reaction, true)
}

// RemoveReaction withdraws the user's reaction on a message and queues the removal.
func (r *Replica) RemoveReaction(ctx context.Context, messageID, reaction string) error {
	return r.react(ctx, messageID, reaction, false)
}

func (r *Replica) react(ctx context.Context, messageID, reaction string, present bool) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		message, err := findNode(tx, messageID)
		if err != nil {
			return err
		}
		if schema.NodeType(message.Type) != schema.TypeMessage {
			return ErrNotMessage
		}
		now := r.now()
		if err := setReaction(tx, LocalReaction{
			MessageID:   messageID,
			UserID:      r.userID,
			Reaction:    reaction,
			WorkspaceID: message.WorkspaceID,
			CreatedAt:   now,
		}, present, now); err != nil {
			return err
		}
		mutationType := mutations.TypeCreateMessageReaction
		if !present {
			mutationType = mutations.TypeDeleteMessageReaction
		}
		_, err = r.queue.Enqueue(tx, mutationType, mutations.Reaction{
			MessageID:   messageID,
			Reaction:    reaction,
			WorkspaceID: message.WorkspaceID,
			CreatedAt:   now,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("react on %s: %w", messageID, err)
	}
	r.notify()
	return nil
}

// setReaction upserts the reaction row as present or removed.
func setReaction(tx *gorm.DB, row LocalReaction, present bool, at time.Time) error {
	if !present {
		row.DeletedAt = &at
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}, {Name: "reaction"}},
		DoUpdates: clause.AssignmentColumns([]string{"deleted_at"}),
	}).Create(&row).Error
}

// Reactions lists the present reactions on a message.
func (r *Replica) Reactions(ctx context.Context, messageID string) ([]LocalReaction, error) {
	var reactions []LocalReaction
	err := r.db.WithContext(ctx).
		Where("message_id = ? AND deleted_at IS NULL", messageID).
		Order("reaction ASC, user_id ASC").
		Find(&reactions).Error
	return reactions, err
}

// MarkSeen records that the user saw the node and queues the marker.
func (r *Replica) MarkSeen(ctx context.Context, nodeID string) error {
	return r.mark(ctx, nodeID, markSeen)
}

// MarkOpened records that the user opened the node and queues the marker.
func (r *Replica) MarkOpened(ctx context.Context, nodeID string) error {
	return r.mark(ctx, nodeID, markOpened)
}

func (r *Replica) mark(ctx context.Context, nodeID string, kind markKind) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		node, err := findNode(tx, nodeID)
		if err != nil {
			return err
		}
		now := r.now()
		interaction, err := findInteraction(tx, nodeID)
		if err != nil {
			return err
		}
		interaction.NodeID = node.ID
		interaction.WorkspaceID = node.WorkspaceID
		interaction.NodeType = node.Type
		if kind == markOpened {
			interaction.OpenedAt = &now
		} else {
			interaction.SeenAt = &now
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&interaction).Error; err != nil {
			return err
		}
		_, err = r.queue.Enqueue(tx, markMutationType(schema.NodeType(node.Type), kind), mutations.Interaction{
			NodeID:      node.ID,
			WorkspaceID: node.WorkspaceID,
			At:          now,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("mark %s: %w", nodeID, err)
	}
	r.notify()
	return nil
}

// Interaction returns the read markers of a node. A node never marked yields an empty row.
func (r *Replica) Interaction(ctx context.Context, nodeID string) (LocalInteraction, error) {
	return findInteraction(r.db.WithContext(ctx), nodeID)
}

func findInteraction(tx *gorm.DB, nodeID string) (LocalInteraction, error) {
	var interaction LocalInteraction
	err := tx.Where("node_id = ?", nodeID).Take(&interaction).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LocalInteraction{NodeID: nodeID}, nil
	}
	return interaction, err
}

func markMutationType(nodeType schema.NodeType, kind markKind) mutations.Type {
	switch {
	case nodeType == schema.TypeFile && kind == markOpened:
		return mutations.TypeMarkFileOpened
	case nodeType == schema.TypeFile:
		return mutations.TypeMarkFileSeen
	case nodeType == schema.TypeMessage && kind == markOpened:
		return mutations.TypeMarkMessageOpened
	case nodeType == schema.TypeMessage:
		return mutations.TypeMarkMessageSeen
	case kind == markOpened:
		return mutations.TypeMarkEntryOpened
	default:
		return mutations.TypeMarkEntrySeen
	}
}
