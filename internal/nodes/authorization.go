package nodes

import (
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/schema"
)

// Actor identifies the workspace user behind a remotely authored operation.
type Actor struct {
	UserID        string
	WorkspaceID   string
	WorkspaceRole schema.WorkspaceRole
}

// accessRequest is what the authorization rules see: the target, its proposed attributes, and
// the ancestor chain nearest first. For creates the chain starts at the parent.
type accessRequest struct {
	actor      Actor
	nodeID     string
	nodeType   schema.NodeType
	createdBy  string
	attributes map[string]any
	chain      []Node
}

func decodeAttributes(raw string) (map[string]any, error) {
	attributes := map[string]any{}
	if raw == "" {
		return attributes, nil
	}
	if err := json.Unmarshal([]byte(raw), &attributes); err != nil {
		return nil, err
	}
	return attributes, nil
}

func encodeAttributes(attributes map[string]any) (string, error) {
	encoded, err := json.Marshal(attributes)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// ResolveRole returns the strongest role granted to userID by any node of the chain.
func ResolveRole(registry *schema.Registry, chain []Node, userID string) (schema.Role, error) {
	resolved := schema.RoleNone
	for _, node := range chain {
		definition, err := registry.Definition(node.NodeType())
		if err != nil {
			return schema.RoleNone, err
		}
		attributes, err := decodeAttributes(node.Attributes)
		if err != nil {
			return schema.RoleNone, err
		}
		collaborators, err := definition.Collaborators(attributes)
		if err != nil {
			return schema.RoleNone, err
		}
		if role, ok := collaborators[userID]; ok && role.Rank() > resolved.Rank() {
			resolved = role
		}
	}
	return resolved, nil
}

func (s *Service) canCreate(request accessRequest) error {
	actor := request.actor
	if !actor.WorkspaceRole.Active() {
		return unauthorized("inactive workspace member")
	}
	switch request.nodeType {
	case schema.TypeWorkspace:
		if !actor.WorkspaceRole.CanManage() {
			return unauthorized("workspace requires admin")
		}
		return nil
	case schema.TypeUser:
		if request.nodeID == actor.UserID || actor.WorkspaceRole.CanManage() {
			return nil
		}
		return unauthorized("user nodes are self managed")
	case schema.TypeSpace, schema.TypeChat:
		definition, err := s.registry.Definition(request.nodeType)
		if err != nil {
			return err
		}
		collaborators, err := definition.Collaborators(request.attributes)
		if err != nil {
			return err
		}
		minimum := schema.RoleAdmin
		if request.nodeType == schema.TypeChat {
			minimum = schema.RoleCollaborator
		} else if !actor.WorkspaceRole.CanContribute() {
			return unauthorized("guests cannot create spaces")
		}
		if !collaborators[actor.UserID].AtLeast(minimum) {
			return unauthorized("creator must be a collaborator")
		}
		return nil
	}

	role, err := ResolveRole(s.registry, request.chain, actor.UserID)
	if err != nil {
		return err
	}
	minimum := schema.RoleEditor
	if request.nodeType == schema.TypeMessage || request.nodeType == schema.TypeFile {
		minimum = schema.RoleCollaborator
	}
	if !role.AtLeast(minimum) {
		return unauthorized(fmt.Sprintf("%s requires %s", request.nodeType, minimum))
	}
	return nil
}

func (s *Service) canUpdate(request accessRequest) error {
	return s.canModify(request, false)
}

func (s *Service) canDelete(request accessRequest) error {
	return s.canModify(request, true)
}

func (s *Service) canModify(request accessRequest, deleting bool) error {
	actor := request.actor
	if !actor.WorkspaceRole.Active() {
		return unauthorized("inactive workspace member")
	}
	switch request.nodeType {
	case schema.TypeWorkspace:
		if deleting && actor.WorkspaceRole != schema.WorkspaceRoleOwner {
			return unauthorized("workspace deletion requires owner")
		}
		if !actor.WorkspaceRole.CanManage() {
			return unauthorized("workspace requires admin")
		}
		return nil
	case schema.TypeUser:
		if (request.nodeID == actor.UserID && !deleting) || actor.WorkspaceRole.CanManage() {
			return nil
		}
		return unauthorized("user nodes are self managed")
	}

	role, err := ResolveRole(s.registry, request.chain, actor.UserID)
	if err != nil {
		return err
	}
	switch request.nodeType {
	case schema.TypeSpace, schema.TypeChat:
		if role.AtLeast(schema.RoleAdmin) {
			return nil
		}
		return unauthorized(fmt.Sprintf("%s requires admin", request.nodeType))
	case schema.TypeMessage, schema.TypeFile:
		if request.createdBy == actor.UserID && role.AtLeast(schema.RoleCollaborator) {
			return nil
		}
		if role.AtLeast(schema.RoleAdmin) {
			return nil
		}
		return unauthorized(fmt.Sprintf("%s belongs to its author", request.nodeType))
	default:
		if role.AtLeast(schema.RoleEditor) {
			return nil
		}
		return unauthorized(fmt.Sprintf("%s requires editor", request.nodeType))
	}
}

func unauthorized(detail string) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, detail)
}
