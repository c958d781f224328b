package mutations

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type names a client mutation kind.
type Type string

const (
	TypeApplyCreateTransaction Type = "apply_create_transaction"
	TypeApplyUpdateTransaction Type = "apply_update_transaction"
	TypeApplyDeleteTransaction Type = "apply_delete_transaction"
	TypeCreateFile             Type = "create_file"
	TypeDeleteFile             Type = "delete_file"
	TypeCreateMessage          Type = "create_message"
	TypeDeleteMessage          Type = "delete_message"
	TypeCreateMessageReaction  Type = "create_message_reaction"
	TypeDeleteMessageReaction  Type = "delete_message_reaction"
	TypeMarkEntrySeen          Type = "mark_entry_seen"
	TypeMarkEntryOpened        Type = "mark_entry_opened"
	TypeMarkFileSeen           Type = "mark_file_seen"
	TypeMarkFileOpened         Type = "mark_file_opened"
	TypeMarkMessageSeen        Type = "mark_message_seen"
	TypeMarkMessageOpened      Type = "mark_message_opened"
)

var (
	// ErrUnknownType indicates a mutation type this build does not understand.
	ErrUnknownType = errors.New("mutations: unknown type")
	// ErrInvalidPayload indicates that mutation data does not decode into its payload shape.
	ErrInvalidPayload = errors.New("mutations: invalid payload")
)

// Mutation is one queued client operation as transmitted to the server.
type Mutation struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
}

// New encodes payload as the data of a mutation.
func New(id string, mutationType Type, payload Payload, createdAt time.Time) (Mutation, error) {
	if _, ok := decoders[mutationType]; !ok {
		return Mutation{}, fmt.Errorf("%w: %q", ErrUnknownType, mutationType)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Mutation{}, err
	}
	return Mutation{ID: id, Type: mutationType, Data: data, CreatedAt: createdAt.UTC()}, nil
}

// Status is the server's verdict on a transmitted mutation.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusRejected Status = "rejected"
)

// SyncRequest is the body of a mutation batch upload.
type SyncRequest struct {
	Mutations []Mutation `json:"mutations"`
}

// Result reports the verdict for one mutation id.
type Result struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// SyncResponse lists a verdict for every mutation of the request.
type SyncResponse struct {
	Results []Result `json:"results"`
}
