package mutations

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type recordingHandler struct {
	calls []string
}

func (h *recordingHandler) CreateNode(_ context.Context, _ Mutation, payload NodeCreate) error {
	h.calls = append(h.calls, "create:"+payload.NodeID)
	return nil
}

func (h *recordingHandler) UpdateNode(_ context.Context, _ Mutation, payload NodeUpdate) error {
	h.calls = append(h.calls, "update:"+payload.NodeID)
	return nil
}

func (h *recordingHandler) DeleteNode(_ context.Context, _ Mutation, payload NodeDelete) error {
	h.calls = append(h.calls, "delete:"+payload.NodeID)
	return nil
}

func (h *recordingHandler) AddReaction(_ context.Context, _ Mutation, payload Reaction) error {
	h.calls = append(h.calls, "react:"+payload.Reaction)
	return nil
}

func (h *recordingHandler) RemoveReaction(_ context.Context, _ Mutation, payload Reaction) error {
	h.calls = append(h.calls, "unreact:"+payload.Reaction)
	return nil
}

func (h *recordingHandler) MarkSeen(_ context.Context, _ Mutation, payload Interaction) error {
	h.calls = append(h.calls, "seen:"+payload.NodeID)
	return nil
}

func (h *recordingHandler) MarkOpened(_ context.Context, _ Mutation, payload Interaction) error {
	h.calls = append(h.calls, "opened:"+payload.NodeID)
	return nil
}

func mustMutation(t *testing.T, mutationType Type, payload Payload) Mutation {
	t.Helper()
	mutation, err := New("m-"+string(mutationType), mutationType, payload, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("failed to build %s: %v", mutationType, err)
	}
	return mutation
}

func TestDispatchRoutesEveryType(t *testing.T) {
	create := NodeCreate{NodeID: "n1", TransactionID: "t1", WorkspaceID: "ws", NodeType: "page", Data: json.RawMessage(`{"name":"x"}`)}
	update := NodeUpdate{NodeID: "n1", TransactionID: "t2", WorkspaceID: "ws", Data: json.RawMessage(`{"name":"y"}`)}
	remove := NodeDelete{NodeID: "n1", TransactionID: "t3", WorkspaceID: "ws"}
	reaction := Reaction{MessageID: "m1", Reaction: "heart", WorkspaceID: "ws"}
	interaction := Interaction{NodeID: "n1", WorkspaceID: "ws"}

	testCases := []struct {
		mutationType Type
		payload      Payload
		expected     string
	}{
		{TypeApplyCreateTransaction, create, "create:n1"},
		{TypeCreateFile, create, "create:n1"},
		{TypeCreateMessage, create, "create:n1"},
		{TypeApplyUpdateTransaction, update, "update:n1"},
		{TypeApplyDeleteTransaction, remove, "delete:n1"},
		{TypeDeleteFile, remove, "delete:n1"},
		{TypeDeleteMessage, remove, "delete:n1"},
		{TypeCreateMessageReaction, reaction, "react:heart"},
		{TypeDeleteMessageReaction, reaction, "unreact:heart"},
		{TypeMarkEntrySeen, interaction, "seen:n1"},
		{TypeMarkFileSeen, interaction, "seen:n1"},
		{TypeMarkMessageSeen, interaction, "seen:n1"},
		{TypeMarkEntryOpened, interaction, "opened:n1"},
		{TypeMarkFileOpened, interaction, "opened:n1"},
		{TypeMarkMessageOpened, interaction, "opened:n1"},
	}
	if len(testCases) != len(Types()) {
		t.Fatalf("expected a case per type, have %d cases for %d types", len(testCases), len(Types()))
	}

	for _, testCase := range testCases {
		t.Run(string(testCase.mutationType), func(t *testing.T) {
			handler := &recordingHandler{}
			if err := Dispatch(context.Background(), handler, mustMutation(t, testCase.mutationType, testCase.payload)); err != nil {
				t.Fatalf("dispatch failed: %v", err)
			}
			if len(handler.calls) != 1 || handler.calls[0] != testCase.expected {
				t.Fatalf("expected %s, got %v", testCase.expected, handler.calls)
			}
		})
	}
}

func TestDispatchRejectsUnknownAndMalformed(t *testing.T) {
	handler := &recordingHandler{}

	err := Dispatch(context.Background(), handler, Mutation{ID: "m1", Type: "rename_everything", Data: json.RawMessage(`{}`)})
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected unknown type, got %v", err)
	}
	err = Dispatch(context.Background(), handler, Mutation{ID: "m2", Type: TypeApplyDeleteTransaction, Data: json.RawMessage(`{"nodeId":"n1"}`)})
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected invalid payload for missing fields, got %v", err)
	}
	err = Dispatch(context.Background(), handler, Mutation{ID: "m3", Type: TypeMarkFileSeen, Data: json.RawMessage(`[1,2]`)})
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected invalid payload for non-object data, got %v", err)
	}
	if len(handler.calls) != 0 {
		t.Fatalf("handler must not run for rejected mutations")
	}
	if _, err := New("m4", "bogus", Interaction{}, time.Now()); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected New to reject unknown types, got %v", err)
	}
}

func TestDescribeKeysReactionsByMessageAndReaction(t *testing.T) {
	add := mustMutation(t, TypeCreateMessageReaction, Reaction{MessageID: "m1", Reaction: "heart", WorkspaceID: "ws"})
	removeOther := mustMutation(t, TypeDeleteMessageReaction, Reaction{MessageID: "m1", Reaction: "fire", WorkspaceID: "ws"})
	opened := mustMutation(t, TypeMarkFileOpened, Interaction{NodeID: "f1", WorkspaceID: "ws"})

	addDescriptor, err := Describe(add)
	if err != nil {
		t.Fatalf("describe failed: %v", err)
	}
	otherDescriptor, _ := Describe(removeOther)
	if addDescriptor.Action != ActionAddReaction || otherDescriptor.Action != ActionRemoveReaction {
		t.Fatalf("unexpected actions: %v %v", addDescriptor, otherDescriptor)
	}
	if addDescriptor.Entity == otherDescriptor.Entity {
		t.Fatalf("different reactions must not share an entity key")
	}
	openedDescriptor, _ := Describe(opened)
	if openedDescriptor != (Descriptor{Action: ActionMarkOpened, Entity: "f1"}) {
		t.Fatalf("unexpected descriptor: %#v", openedDescriptor)
	}
}
