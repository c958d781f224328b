package schema

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
)

// NodeType names a kind of node in the workspace hierarchy.
type NodeType string

const (
	TypeWorkspace NodeType = "workspace"
	TypeUser      NodeType = "user"
	TypeSpace     NodeType = "space"
	TypeChat      NodeType = "chat"
	TypeFolder    NodeType = "folder"
	TypePage      NodeType = "page"
	TypeChannel   NodeType = "channel"
	TypeDatabase  NodeType = "database"
	TypeRecord    NodeType = "record"
	TypeMessage   NodeType = "message"
	TypeFile      NodeType = "file"
)

// String returns the node type name.
func (t NodeType) String() string {
	return string(t)
}

var (
	// ErrUnknownNodeType indicates that no definition is registered for a node type.
	ErrUnknownNodeType = errors.New("schema: unknown node type")
	// ErrInvalidAttributes indicates that attributes do not satisfy the node type schema.
	ErrInvalidAttributes = errors.New("schema: invalid attributes")
	// ErrInvalidParent indicates that a node type may not be placed under the given parent.
	ErrInvalidParent = errors.New("schema: invalid parent")
)

var attributeValidator = validator.New(validator.WithRequiredStructEnabled())

// Definition declares the placement rules and attribute shape of one node type.
type Definition struct {
	Type        NodeType
	ParentTypes []NodeType
	Global      bool
	newTarget   func() any
}

// IsRoot reports whether nodes of this type live at the top of the hierarchy.
func (d Definition) IsRoot() bool {
	return len(d.ParentTypes) == 0
}

// Validate decodes attributes into the typed shape and runs its validation tags.
func (d Definition) Validate(attributes map[string]any) error {
	_, err := d.decode(attributes)
	return err
}

// Collaborators returns the collaborator grants encoded in the attributes.
func (d Definition) Collaborators(attributes map[string]any) (map[string]Role, error) {
	target, err := d.decode(attributes)
	if err != nil {
		return nil, err
	}
	source, ok := target.(collaboratorSource)
	if !ok {
		return map[string]Role{}, nil
	}
	roles := make(map[string]Role, len(source.collaboratorRoles()))
	for userID, role := range source.collaboratorRoles() {
		roles[userID] = role
	}
	return roles, nil
}

func (d Definition) decode(attributes map[string]any) (any, error) {
	target := d.newTarget()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      target,
		TagName:     "mapstructure",
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(map[string]any(attributes)); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAttributes, d.Type, err)
	}
	if err := attributeValidator.Struct(target); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAttributes, d.Type, err)
	}
	return target, nil
}

// Registry holds the definitions of every supported node type.
type Registry struct {
	definitions map[NodeType]Definition
}

// NewRegistry builds a registry from explicit definitions.
func NewRegistry(definitions ...Definition) *Registry {
	registry := &Registry{definitions: make(map[NodeType]Definition, len(definitions))}
	for _, definition := range definitions {
		registry.definitions[definition.Type] = definition
	}
	return registry
}

var containerParents = []NodeType{TypeSpace, TypeFolder, TypePage}

// DefaultRegistry returns the built in workspace node types.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Definition{Type: TypeWorkspace, Global: true, newTarget: func() any { return &WorkspaceAttributes{} }},
		Definition{Type: TypeUser, Global: true, newTarget: func() any { return &UserAttributes{} }},
		Definition{Type: TypeSpace, newTarget: func() any { return &SpaceAttributes{} }},
		Definition{Type: TypeChat, newTarget: func() any { return &ChatAttributes{} }},
		Definition{Type: TypeFolder, ParentTypes: containerParents, newTarget: func() any { return &FolderAttributes{} }},
		Definition{Type: TypePage, ParentTypes: containerParents, newTarget: func() any { return &PageAttributes{} }},
		Definition{Type: TypeChannel, ParentTypes: containerParents, newTarget: func() any { return &ChannelAttributes{} }},
		Definition{Type: TypeDatabase, ParentTypes: containerParents, newTarget: func() any { return &DatabaseAttributes{} }},
		Definition{Type: TypeRecord, ParentTypes: []NodeType{TypeDatabase}, newTarget: func() any { return &RecordAttributes{} }},
		Definition{Type: TypeMessage, ParentTypes: []NodeType{TypeChannel, TypeChat, TypeMessage, TypeRecord, TypePage}, newTarget: func() any { return &MessageAttributes{} }},
		Definition{Type: TypeFile, ParentTypes: []NodeType{TypeSpace, TypeFolder, TypePage, TypeChannel, TypeChat, TypeMessage, TypeRecord}, newTarget: func() any { return &FileAttributes{} }},
	)
}

// Definition returns the definition of a node type.
func (r *Registry) Definition(nodeType NodeType) (Definition, error) {
	definition, ok := r.definitions[nodeType]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownNodeType, nodeType)
	}
	return definition, nil
}

// ParseNodeType validates a raw type name against the registry.
func (r *Registry) ParseNodeType(raw string) (NodeType, error) {
	nodeType := NodeType(strings.TrimSpace(raw))
	if _, err := r.Definition(nodeType); err != nil {
		return "", err
	}
	return nodeType, nil
}

// ValidatePlacement checks that a node of childType may sit under a parent of parentType.
// An empty parentType means the child is created as a root.
func (r *Registry) ValidatePlacement(childType NodeType, parentType NodeType) error {
	definition, err := r.Definition(childType)
	if err != nil {
		return err
	}
	if parentType == "" {
		if definition.IsRoot() {
			return nil
		}
		return fmt.Errorf("%w: %s requires a parent", ErrInvalidParent, childType)
	}
	if definition.IsRoot() {
		return fmt.Errorf("%w: %s must be a root", ErrInvalidParent, childType)
	}
	if !slices.Contains(definition.ParentTypes, parentType) {
		return fmt.Errorf("%w: %s under %s", ErrInvalidParent, childType, parentType)
	}
	return nil
}

// IsGlobal reports whether every workspace member observes nodes of this type.
func (r *Registry) IsGlobal(nodeType NodeType) bool {
	definition, ok := r.definitions[nodeType]
	return ok && definition.Global
}

// GlobalTypes lists the globally visible node types in a stable order.
func (r *Registry) GlobalTypes() []NodeType {
	types := make([]NodeType, 0, 2)
	for nodeType, definition := range r.definitions {
		if definition.Global {
			types = append(types, nodeType)
		}
	}
	slices.Sort(types)
	return types
}
