package nodes

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/schema"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	visibleTransactionSQL = `(node_type IN ? OR EXISTS (
	SELECT 1 FROM collaborations c
	WHERE c.user_id = ? AND c.node_id = node_transactions.node_id AND c.roles <> '{}'))`
)

func listCollaboratorIDs(db *gorm.DB, nodeID string) ([]string, error) {
	var userIDs []string
	err := db.Model(&Collaboration{}).
		Where("node_id = ? AND roles <> ?", nodeID, emptyRoles).
		Order("user_id ASC").
		Pluck("user_id", &userIDs).Error
	return userIDs, err
}

// GetNode returns the stored node.
func (s *Service) GetNode(ctx context.Context, nodeID string) (Node, error) {
	return findNode(s.db.WithContext(ctx), nodeID)
}

// NodeAttributes decodes the materialized attributes of a node.
func NodeAttributes(node Node) (schema.Attributes, error) {
	attributes, err := decodeAttributes(node.Attributes)
	if err != nil {
		return nil, err
	}
	return schema.Attributes(attributes), nil
}

// ListNodeTransactions returns the node's log in version order.
func (s *Service) ListNodeTransactions(ctx context.Context, nodeID string) ([]Transaction, error) {
	return loadTransactions(s.db.WithContext(ctx), nodeID)
}

// Ancestors returns the node followed by its ancestors, nearest first.
func (s *Service) Ancestors(ctx context.Context, nodeID string) ([]Node, error) {
	return loadAncestors(s.db.WithContext(ctx), nodeID)
}

// ListNodeCollaboratorIDs returns the users holding a non-revoked collaboration on the node.
func (s *Service) ListNodeCollaboratorIDs(ctx context.Context, nodeID string) ([]string, error) {
	userIDs, err := listCollaboratorIDs(s.db.WithContext(ctx), nodeID)
	if err != nil {
		return nil, s.fail(opListCollaborations, reasonQueryFailed, err, zap.String(fieldNodeID, nodeID))
	}
	return userIDs, nil
}

// GetCollaboration returns the collaboration row of a user on a node.
func (s *Service) GetCollaboration(ctx context.Context, userID, nodeID string) (Collaboration, error) {
	var collaboration Collaboration
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND node_id = ?", userID, nodeID).
		Take(&collaboration).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Collaboration{}, ErrNodeNotFound
	}
	return collaboration, err
}

// EffectiveRole returns the strongest role in the user's collaboration on the node.
func (s *Service) EffectiveRole(ctx context.Context, userID, nodeID string) (schema.Role, error) {
	collaboration, err := s.GetCollaboration(ctx, userID, nodeID)
	if errors.Is(err, ErrNodeNotFound) {
		return schema.RoleNone, nil
	}
	if err != nil {
		return schema.RoleNone, err
	}
	roles, err := DecodeRoles(collaboration.Roles)
	if err != nil {
		return schema.RoleNone, err
	}
	return schema.HighestRole(roles), nil
}

// ListTransactionsSince returns transactions after cursor that the user may observe: globally
// visible node types plus nodes the user collaborates on.
func (s *Service) ListTransactionsSince(ctx context.Context, workspaceID, userID string, cursor int64, limit int) ([]Transaction, error) {
	globalTypes := make([]string, 0, 2)
	for _, nodeType := range s.registry.GlobalTypes() {
		globalTypes = append(globalTypes, nodeType.String())
	}
	var transactions []Transaction
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND version > ?", workspaceID, cursor).
		Where(visibleTransactionSQL, globalTypes, userID).
		Order("version ASC").
		Limit(limit).
		Find(&transactions).Error
	if err != nil {
		return nil, s.fail(opListTransactions, reasonQueryFailed, err,
			zap.String(fieldWorkspaceID, workspaceID),
			zap.String(fieldUserID, userID))
	}
	return transactions, nil
}

// ListCollaborationsSince returns the user's granted collaborations after cursor.
func (s *Service) ListCollaborationsSince(ctx context.Context, workspaceID, userID string, cursor int64, limit int) ([]Collaboration, error) {
	return s.listCollaborations(ctx, "roles <> ?", workspaceID, userID, cursor, limit)
}

// ListRevocationsSince returns the user's collaborations whose role map became empty after cursor.
func (s *Service) ListRevocationsSince(ctx context.Context, workspaceID, userID string, cursor int64, limit int) ([]Collaboration, error) {
	return s.listCollaborations(ctx, "roles = ?", workspaceID, userID, cursor, limit)
}

func (s *Service) listCollaborations(ctx context.Context, rolesFilter, workspaceID, userID string, cursor int64, limit int) ([]Collaboration, error) {
	var collaborations []Collaboration
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND workspace_id = ? AND version > ?", userID, workspaceID, cursor).
		Where(rolesFilter, emptyRoles).
		Order("version ASC").
		Limit(limit).
		Find(&collaborations).Error
	if err != nil {
		return nil, s.fail(opListCollaborations, reasonQueryFailed, err,
			zap.String(fieldWorkspaceID, workspaceID),
			zap.String(fieldUserID, userID))
	}
	return collaborations, nil
}
