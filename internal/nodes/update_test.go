package nodes

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/events"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/schema"
)

func TestReplayReproducesStoredAttributes(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()
	_, _, page := buildTree(t, service)

	for _, edit := range []Transform{
		setAttribute("content", "first draft"),
		setAttribute("name", "Renamed"),
		setAttribute("content", "second draft"),
	} {
		if _, err := service.UpdateNode(ctx, UpdateNodeInput{NodeID: page.ID, UpdatedBy: "u2", Transform: edit}); err != nil {
			t.Fatalf("update failed: %v", err)
		}
	}

	stored, err := service.GetNode(ctx, page.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	expected, err := NodeAttributes(stored)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	transactions, err := service.ListNodeTransactions(ctx, page.ID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(transactions) != 4 {
		t.Fatalf("expected create plus three updates, got %d", len(transactions))
	}
	if stored.TransactionID != transactions[len(transactions)-1].ID {
		t.Fatalf("node must point at its latest transaction")
	}

	fragments := make([][]byte, 0, len(transactions))
	for _, transaction := range transactions {
		fragments = append(fragments, transaction.Data)
	}
	for round := 0; round < 3; round++ {
		document, err := documents.Materialize(fragments...)
		if err != nil {
			t.Fatalf("replay failed: %v", err)
		}
		replayed, err := document.Attributes()
		if err != nil {
			t.Fatalf("attributes failed: %v", err)
		}
		if !reflect.DeepEqual(map[string]any(expected), replayed) {
			t.Fatalf("replay round %d diverged: %v vs %v", round, replayed, expected)
		}
	}
}

func TestConcurrentUpdateRetriesAndObservesWinner(t *testing.T) {
	service, _, publisher := newTestService(t)
	ctx := context.Background()
	_, _, page := buildTree(t, service)

	outerCalls := 0
	var observed []any
	_, err := service.UpdateNode(ctx, UpdateNodeInput{
		NodeID:    page.ID,
		UpdatedBy: "u2",
		Transform: func(current schema.Attributes) (schema.Attributes, bool) {
			outerCalls++
			observed = append(observed, current["content"])
			if outerCalls == 1 {
				_, nestedErr := service.UpdateNode(ctx, UpdateNodeInput{
					NodeID:    page.ID,
					UpdatedBy: "u1",
					Transform: setAttribute("content", "winner"),
				})
				if nestedErr != nil {
					t.Errorf("competing update failed: %v", nestedErr)
				}
			}
			current["name"] = "from loser"
			return current, true
		},
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if outerCalls != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", outerCalls)
	}
	if observed[0] != nil || observed[1] != "winner" {
		t.Fatalf("retry must observe the competing write, saw %v", observed)
	}
	stored, err := service.GetNode(ctx, page.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	attributes, _ := NodeAttributes(stored)
	if attributes["content"] != "winner" || attributes["name"] != "from loser" {
		t.Fatalf("expected both writes applied, got %v", attributes)
	}
	if updates := publisher.ofType(events.NodeUpdated); len(updates) != 2 {
		t.Fatalf("expected two committed updates, got %d", len(updates))
	}
}

func TestUpdateGivesUpAfterTenLostRaces(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()
	_, _, page := buildTree(t, service)

	outerCalls := 0
	_, err := service.UpdateNode(ctx, UpdateNodeInput{
		NodeID:    page.ID,
		UpdatedBy: "u2",
		Transform: func(current schema.Attributes) (schema.Attributes, bool) {
			outerCalls++
			_, nestedErr := service.UpdateNode(ctx, UpdateNodeInput{
				NodeID:    page.ID,
				UpdatedBy: "u1",
				Transform: setAttribute("content", fmt.Sprintf("interleaved-%d", outerCalls)),
			})
			if nestedErr != nil {
				t.Errorf("competing update failed: %v", nestedErr)
			}
			current["name"] = "never stored"
			return current, true
		},
	})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected retries exhausted, got %v", err)
	}
	if outerCalls != maxUpdateAttempts {
		t.Fatalf("expected %d attempts, got %d", maxUpdateAttempts, outerCalls)
	}
	stored, _ := service.GetNode(ctx, page.ID)
	attributes, _ := NodeAttributes(stored)
	if attributes["name"] == "never stored" {
		t.Fatalf("losing write must not be persisted")
	}
}

func TestDeclinedTransformIsPermanent(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()
	_, _, page := buildTree(t, service)

	calls := 0
	_, err := service.UpdateNode(ctx, UpdateNodeInput{
		NodeID:    page.ID,
		UpdatedBy: "u2",
		Transform: func(schema.Attributes) (schema.Attributes, bool) {
			calls++
			return nil, false
		},
	})
	if !errors.Is(err, ErrTransformDeclined) || !IsPermanent(err) {
		t.Fatalf("expected permanent decline, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("declined transform must not be retried, got %d calls", calls)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "nodes.update_node.transform_declined" {
		t.Fatalf("unexpected error code: %v", err)
	}
}

func TestUpdateRejectsSchemaViolationAndKeepsState(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()
	space, _, _ := buildTree(t, service)

	_, err := service.UpdateNode(ctx, UpdateNodeInput{
		NodeID:    space.ID,
		UpdatedBy: "u-owner",
		Transform: func(current schema.Attributes) (schema.Attributes, bool) {
			delete(current, "name")
			return current, true
		},
	})
	if !errors.Is(err, ErrInvalidAttributes) {
		t.Fatalf("expected invalid attributes, got %v", err)
	}
	transactions, _ := service.ListNodeTransactions(ctx, space.ID)
	if len(transactions) != 1 {
		t.Fatalf("rejected update must not append a transaction, got %d", len(transactions))
	}
}

func TestUnchangedUpdateWritesNothing(t *testing.T) {
	service, _, publisher := newTestService(t)
	ctx := context.Background()
	_, _, page := buildTree(t, service)

	node, err := service.UpdateNode(ctx, UpdateNodeInput{NodeID: page.ID, UpdatedBy: "u2", Transform: setAttribute("name", "P")})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if node.TransactionID != page.TransactionID {
		t.Fatalf("no-op update must keep the transaction id")
	}
	if len(publisher.ofType(events.NodeUpdated)) != 0 {
		t.Fatalf("no-op update must not publish")
	}
}

func TestApplyUpdateTransactionChecksRoleAndDeduplicates(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()
	_, _, page := buildTree(t, service)

	input := UpdateTransactionInput{
		NodeID:        page.ID,
		TransactionID: "client-tx-1",
		WorkspaceID:   testWorkspaceID,
		Data:          []byte(`{"content":"edited on device"}`),
	}
	outsider := Actor{UserID: "u3", WorkspaceID: testWorkspaceID, WorkspaceRole: schema.WorkspaceRoleCollaborator}
	if _, err := service.ApplyUpdateTransaction(ctx, outsider, input); !errors.Is(err, ErrUnauthorized) || !IsPermanent(err) {
		t.Fatalf("expected permanent unauthorized, got %v", err)
	}

	editor := Actor{UserID: "u2", WorkspaceID: testWorkspaceID, WorkspaceRole: schema.WorkspaceRoleCollaborator}
	node, err := service.ApplyUpdateTransaction(ctx, editor, input)
	if err != nil {
		t.Fatalf("editor update failed: %v", err)
	}
	if node.TransactionID != input.TransactionID {
		t.Fatalf("node must adopt the client transaction id, got %s", node.TransactionID)
	}
	if _, err := service.ApplyUpdateTransaction(ctx, editor, input); err != nil {
		t.Fatalf("resubmission must succeed: %v", err)
	}
	transactions, _ := service.ListNodeTransactions(ctx, page.ID)
	if len(transactions) != 2 {
		t.Fatalf("resubmission must not append, got %d transactions", len(transactions))
	}

	malformed := input
	malformed.TransactionID = "client-tx-2"
	malformed.Data = []byte(`["not","an","object"]`)
	if _, err := service.ApplyUpdateTransaction(ctx, editor, malformed); !IsPermanent(err) {
		t.Fatalf("expected permanent rejection for malformed fragment, got %v", err)
	}

	otherWorkspace := editor
	otherWorkspace.WorkspaceID = "ws-2"
	if _, err := service.ApplyUpdateTransaction(ctx, otherWorkspace, input); !errors.Is(err, ErrWorkspaceMismatch) {
		t.Fatalf("expected workspace mismatch, got %v", err)
	}
}
