package nodes

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/events"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/schema"
	"gorm.io/gorm"
)

const (
	emptyRoles = "{}"

	grantCollaboratorSQL = `INSERT INTO collaborations (user_id, node_id, workspace_id, roles, version, created_at, created_by)
SELECT ?, np.descendant_id, np.workspace_id, json_object(?, ?), ? + ROW_NUMBER() OVER (ORDER BY np.descendant_id), ?, ?
FROM node_paths np
WHERE np.ancestor_id = ?
ON CONFLICT(user_id, node_id) DO UPDATE SET
	roles = json_patch(collaborations.roles, excluded.roles),
	version = excluded.version,
	updated_at = excluded.created_at,
	updated_by = excluded.created_by,
	deleted_at = NULL`

	revokeCollaboratorSQL = `UPDATE collaborations SET
	roles = json_remove(roles, ?),
	version = ? + (SELECT COUNT(*) FROM node_paths p WHERE p.ancestor_id = ? AND p.descendant_id <= collaborations.node_id),
	updated_at = ?,
	updated_by = ?,
	deleted_at = CASE WHEN json_remove(roles, ?) = '{}' THEN ? ELSE deleted_at END
WHERE user_id = ?
	AND node_id IN (SELECT descendant_id FROM node_paths WHERE ancestor_id = ?)
	AND json_type(roles, ?) IS NOT NULL`

	seedFromParentSQL = `INSERT INTO collaborations (user_id, node_id, workspace_id, roles, version, created_at, created_by)
SELECT c.user_id, ?, c.workspace_id, c.roles, ? + ROW_NUMBER() OVER (ORDER BY c.user_id), ?, ?
FROM collaborations c
WHERE c.node_id = ? AND c.roles <> '{}'
ON CONFLICT(user_id, node_id) DO UPDATE SET
	roles = json_patch(collaborations.roles, excluded.roles),
	version = excluded.version,
	updated_at = excluded.created_at,
	updated_by = excluded.created_by,
	deleted_at = NULL`
)

// collaboratorDiff splits a before/after collaborator map into disjoint sets.
type collaboratorDiff struct {
	added   map[string]schema.Role
	updated map[string]schema.Role
	removed []string
}

func diffCollaborators(before, after map[string]schema.Role) collaboratorDiff {
	diff := collaboratorDiff{
		added:   map[string]schema.Role{},
		updated: map[string]schema.Role{},
	}
	for userID, role := range after {
		previous, existed := before[userID]
		switch {
		case !existed:
			diff.added[userID] = role
		case previous != role:
			diff.updated[userID] = role
		}
	}
	for userID := range before {
		if _, kept := after[userID]; !kept {
			diff.removed = append(diff.removed, userID)
		}
	}
	slices.Sort(diff.removed)
	return diff
}

func (d collaboratorDiff) empty() bool {
	return len(d.added) == 0 && len(d.updated) == 0 && len(d.removed) == 0
}

// grants returns added and updated collaborators in a stable order. Both receive the same upsert.
func (d collaboratorDiff) grants() []string {
	userIDs := make([]string, 0, len(d.added)+len(d.updated))
	for userID := range d.added {
		userIDs = append(userIDs, userID)
	}
	for userID := range d.updated {
		userIDs = append(userIDs, userID)
	}
	slices.Sort(userIDs)
	return userIDs
}

func (d collaboratorDiff) role(userID string) schema.Role {
	if role, ok := d.added[userID]; ok {
		return role
	}
	return d.updated[userID]
}

func rolePath(nodeID string) string {
	return fmt.Sprintf(`$."%s"`, nodeID)
}

// propagateCollaborators writes the diff to every descendant of node, including node itself.
func propagateCollaborators(tx *gorm.DB, node Node, diff collaboratorDiff, actorID string, now time.Time) ([]events.Event, error) {
	if diff.empty() {
		return nil, nil
	}
	if _, err := ValidateIdentifier(node.ID); err != nil {
		return nil, err
	}
	descendants, err := countDescendants(tx, node.ID)
	if err != nil {
		return nil, err
	}

	pending := make([]events.Event, 0, len(diff.added)+len(diff.updated)+len(diff.removed))
	for _, userID := range diff.grants() {
		if _, err := ValidateIdentifier(userID); err != nil {
			return nil, err
		}
		base, err := ReserveVersions(tx, SequenceCollaborations, descendants)
		if err != nil {
			return nil, err
		}
		err = tx.Exec(grantCollaboratorSQL,
			userID, node.ID, diff.role(userID).String(), base, now, actorID, node.ID,
		).Error
		if err != nil {
			return nil, err
		}
		pending = append(pending, collaboratorEvent(events.CollaboratorAdded, node, userID))
	}

	path := rolePath(node.ID)
	for _, userID := range diff.removed {
		base, err := ReserveVersions(tx, SequenceCollaborations, descendants)
		if err != nil {
			return nil, err
		}
		err = tx.Exec(revokeCollaboratorSQL,
			path, base, node.ID, now, actorID, path, now, userID, node.ID, path,
		).Error
		if err != nil {
			return nil, err
		}
		pending = append(pending, collaboratorEvent(events.CollaboratorRemoved, node, userID))
	}
	return pending, nil
}

// seedFromParent copies the parent's resolved role maps onto a freshly created node.
func seedFromParent(tx *gorm.DB, node Node, actorID string, now time.Time) error {
	if node.ParentID == nil {
		return nil
	}
	var inherited int64
	err := tx.Model(&Collaboration{}).
		Where("node_id = ? AND roles <> ?", *node.ParentID, emptyRoles).
		Count(&inherited).Error
	if err != nil {
		return err
	}
	if inherited == 0 {
		return nil
	}
	base, err := ReserveVersions(tx, SequenceCollaborations, inherited)
	if err != nil {
		return err
	}
	return tx.Exec(seedFromParentSQL, node.ID, base, now, actorID, *node.ParentID).Error
}

func collaboratorEvent(eventType events.Type, node Node, userID string) events.Event {
	return events.Event{
		Type:        eventType,
		WorkspaceID: node.WorkspaceID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		UserID:      userID,
	}
}

// DecodeRoles parses a stored role map.
func DecodeRoles(raw string) (map[string]schema.Role, error) {
	roles := map[string]schema.Role{}
	if raw == "" {
		return roles, nil
	}
	if err := json.Unmarshal([]byte(raw), &roles); err != nil {
		return nil, err
	}
	return roles, nil
}
