package mutations

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var payloadValidator = validator.New(validator.WithRequiredStructEnabled())

// Payload is the decoded data of a mutation. The set of implementations is closed: each one
// routes itself to exactly one Handler method.
type Payload interface {
	dispatch(ctx context.Context, handler Handler, mutation Mutation) error
	describe(mutationType Type) Descriptor
}

// NodeCreate carries the initial fragment of a node.
type NodeCreate struct {
	NodeID        string          `json:"nodeId" validate:"required,max=190"`
	TransactionID string          `json:"transactionId" validate:"required,max=190"`
	WorkspaceID   string          `json:"workspaceId" validate:"required,max=190"`
	ParentID      string          `json:"parentId,omitempty" validate:"max=190"`
	NodeType      string          `json:"nodeType" validate:"required,max=32"`
	Data          json.RawMessage `json:"data" validate:"required"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// NodeUpdate carries one update fragment of a node.
type NodeUpdate struct {
	NodeID        string          `json:"nodeId" validate:"required,max=190"`
	TransactionID string          `json:"transactionId" validate:"required,max=190"`
	WorkspaceID   string          `json:"workspaceId" validate:"required,max=190"`
	Data          json.RawMessage `json:"data" validate:"required"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// NodeDelete names a node to delete.
type NodeDelete struct {
	NodeID        string    `json:"nodeId" validate:"required,max=190"`
	TransactionID string    `json:"transactionId" validate:"required,max=190"`
	WorkspaceID   string    `json:"workspaceId" validate:"required,max=190"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Reaction names a reaction on a message.
type Reaction struct {
	MessageID   string    `json:"messageId" validate:"required,max=190"`
	Reaction    string    `json:"reaction" validate:"required,max=64"`
	WorkspaceID string    `json:"workspaceId" validate:"required,max=190"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Interaction names a node the user saw or opened.
type Interaction struct {
	NodeID      string    `json:"nodeId" validate:"required,max=190"`
	WorkspaceID string    `json:"workspaceId" validate:"required,max=190"`
	At          time.Time `json:"at"`
}

func (p NodeCreate) dispatch(ctx context.Context, handler Handler, mutation Mutation) error {
	return handler.CreateNode(ctx, mutation, p)
}

func (p NodeUpdate) dispatch(ctx context.Context, handler Handler, mutation Mutation) error {
	return handler.UpdateNode(ctx, mutation, p)
}

func (p NodeDelete) dispatch(ctx context.Context, handler Handler, mutation Mutation) error {
	return handler.DeleteNode(ctx, mutation, p)
}

func (p Reaction) dispatch(ctx context.Context, handler Handler, mutation Mutation) error {
	if mutation.Type == TypeDeleteMessageReaction {
		return handler.RemoveReaction(ctx, mutation, p)
	}
	return handler.AddReaction(ctx, mutation, p)
}

func (p Interaction) dispatch(ctx context.Context, handler Handler, mutation Mutation) error {
	switch mutation.Type {
	case TypeMarkEntryOpened, TypeMarkFileOpened, TypeMarkMessageOpened:
		return handler.MarkOpened(ctx, mutation, p)
	default:
		return handler.MarkSeen(ctx, mutation, p)
	}
}

func (p NodeCreate) describe(Type) Descriptor {
	return Descriptor{Action: ActionCreate, Entity: p.NodeID}
}

func (p NodeUpdate) describe(Type) Descriptor {
	return Descriptor{Action: ActionUpdate, Entity: p.NodeID}
}

func (p NodeDelete) describe(Type) Descriptor {
	return Descriptor{Action: ActionDelete, Entity: p.NodeID}
}

func (p Reaction) describe(mutationType Type) Descriptor {
	action := ActionAddReaction
	if mutationType == TypeDeleteMessageReaction {
		action = ActionRemoveReaction
	}
	return Descriptor{Action: action, Entity: p.MessageID + "/" + p.Reaction}
}

func (p Interaction) describe(mutationType Type) Descriptor {
	action := ActionMarkSeen
	switch mutationType {
	case TypeMarkEntryOpened, TypeMarkFileOpened, TypeMarkMessageOpened:
		action = ActionMarkOpened
	}
	return Descriptor{Action: action, Entity: p.NodeID}
}

func decodeAs[T Payload](data json.RawMessage) (Payload, error) {
	var payload T
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := payloadValidator.Struct(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return payload, nil
}

var decoders = map[Type]func(json.RawMessage) (Payload, error){
	TypeApplyCreateTransaction: decodeAs[NodeCreate],
	TypeCreateFile:             decodeAs[NodeCreate],
	TypeCreateMessage:          decodeAs[NodeCreate],
	TypeApplyUpdateTransaction: decodeAs[NodeUpdate],
	TypeApplyDeleteTransaction: decodeAs[NodeDelete],
	TypeDeleteFile:             decodeAs[NodeDelete],
	TypeDeleteMessage:          decodeAs[NodeDelete],
	TypeCreateMessageReaction:  decodeAs[Reaction],
	TypeDeleteMessageReaction:  decodeAs[Reaction],
	TypeMarkEntrySeen:          decodeAs[Interaction],
	TypeMarkEntryOpened:        decodeAs[Interaction],
	TypeMarkFileSeen:           decodeAs[Interaction],
	TypeMarkFileOpened:         decodeAs[Interaction],
	TypeMarkMessageSeen:        decodeAs[Interaction],
	TypeMarkMessageOpened:      decodeAs[Interaction],
}

// Decode returns the typed payload of a mutation.
func Decode(mutation Mutation) (Payload, error) {
	decode, ok := decoders[mutation.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, mutation.Type)
	}
	return decode(mutation.Data)
}

// Types lists every known mutation type.
func Types() []Type {
	types := make([]Type, 0, len(decoders))
	for mutationType := range decoders {
		types = append(types, mutationType)
	}
	return types
}
