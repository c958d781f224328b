package mutations

import "context"

// Handler reacts to every mutation family. The server applier, the client reverter and the
// client acknowledger all implement it, so adding a family fails to compile until each of them
// handles it.
type Handler interface {
	CreateNode(ctx context.Context, mutation Mutation, payload NodeCreate) error
	UpdateNode(ctx context.Context, mutation Mutation, payload NodeUpdate) error
	DeleteNode(ctx context.Context, mutation Mutation, payload NodeDelete) error
	AddReaction(ctx context.Context, mutation Mutation, payload Reaction) error
	RemoveReaction(ctx context.Context, mutation Mutation, payload Reaction) error
	MarkSeen(ctx context.Context, mutation Mutation, payload Interaction) error
	MarkOpened(ctx context.Context, mutation Mutation, payload Interaction) error
}

// Dispatch decodes the mutation and invokes the matching handler method.
func Dispatch(ctx context.Context, handler Handler, mutation Mutation) error {
	payload, err := Decode(mutation)
	if err != nil {
		return err
	}
	return payload.dispatch(ctx, handler, mutation)
}

// Action is the consolidation-relevant effect of a mutation on its entity.
type Action string

const (
	ActionCreate         Action = "create"
	ActionUpdate         Action = "update"
	ActionDelete         Action = "delete"
	ActionAddReaction    Action = "add_reaction"
	ActionRemoveReaction Action = "remove_reaction"
	ActionMarkSeen       Action = "mark_seen"
	ActionMarkOpened     Action = "mark_opened"
)

// Descriptor identifies what a mutation does and to which entity. Reaction entities are keyed by
// message and reaction.
type Descriptor struct {
	Action Action
	Entity string
}

// Describe decodes the mutation and returns its descriptor.
func Describe(mutation Mutation) (Descriptor, error) {
	payload, err := Decode(mutation)
	if err != nil {
		return Descriptor{}, err
	}
	return payload.describe(mutation.Type), nil
}
