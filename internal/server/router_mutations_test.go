package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/database"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/interactions"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/mutations"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/nodes"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/schema"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type mutationFixture struct {
	handler http.Handler
	nodes   *nodes.Service
}

func newMutationFixture(t *testing.T) mutationFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	clock := func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	nodeService, err := nodes.NewService(nodes.ServiceConfig{Database: db, IDProvider: nodes.NewUUIDProvider(), Clock: clock})
	if err != nil {
		t.Fatalf("failed to create node service: %v", err)
	}
	interactionService, err := interactions.NewService(interactions.ServiceConfig{Database: db, Nodes: nodeService, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create interaction service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create user service: %v", err)
	}

	ctx := context.Background()
	if _, err := userService.SaveUser(ctx, users.User{ID: "u1", WorkspaceID: "ws-1", AccountID: "acct-1", Role: schema.WorkspaceRoleCollaborator}); err != nil {
		t.Fatalf("failed to save user: %v", err)
	}
	if _, err := nodeService.CreateNode(ctx, nodes.CreateNodeInput{
		ID:          "space-1",
		WorkspaceID: "ws-1",
		Type:        schema.TypeSpace,
		Attributes:  schema.Attributes{"name": "Team", "collaborators": map[string]any{"u1": string(schema.RoleAdmin)}},
		CreatedBy:   "u1",
	}); err != nil {
		t.Fatalf("failed to seed space: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Tokens:       stubTokenValidator{claims: auth.AccountClaims{AccountID: "acct-1"}},
		Users:        userService,
		Nodes:        nodeService,
		Interactions: interactionService,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return mutationFixture{handler: handler, nodes: nodeService}
}

func mustMutation(t *testing.T, id string, mutationType mutations.Type, payload mutations.Payload) mutations.Mutation {
	t.Helper()
	mutation, err := mutations.New(id, mutationType, payload, time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("failed to build mutation %s: %v", id, err)
	}
	return mutation
}

func postMutations(t *testing.T, handler http.Handler, workspaceID string, batch []mutations.Mutation) (*httptest.ResponseRecorder, map[string]mutations.Status) {
	t.Helper()
	body, err := json.Marshal(mutations.SyncRequest{Mutations: batch})
	if err != nil {
		t.Fatalf("failed to encode request: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, "/v1/workspaces/"+workspaceID+"/mutations", bytes.NewReader(body))
	request.Header.Set("Authorization", "Bearer token")
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	statuses := map[string]mutations.Status{}
	if recorder.Code == http.StatusOK {
		var response mutations.SyncResponse
		if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		for _, result := range response.Results {
			statuses[result.ID] = result.Status
		}
	}
	return recorder, statuses
}

func TestMutationsEndpointReportsPerMutationStatus(t *testing.T) {
	f := newMutationFixture(t)

	batch := []mutations.Mutation{
		mustMutation(t, "m1", mutations.TypeApplyCreateTransaction, mutations.NodeCreate{
			NodeID: "page-1", TransactionID: "tx-page-1", WorkspaceID: "ws-1", ParentID: "space-1",
			NodeType: string(schema.TypePage), Data: json.RawMessage(`{"name":"Notes"}`),
		}),
		mustMutation(t, "m2", mutations.TypeCreateFile, mutations.NodeCreate{
			NodeID: "page-2", TransactionID: "tx-page-2", WorkspaceID: "ws-1", ParentID: "space-1",
			NodeType: string(schema.TypePage), Data: json.RawMessage(`{"name":"Not a file"}`),
		}),
		mustMutation(t, "m3", mutations.TypeApplyUpdateTransaction, mutations.NodeUpdate{
			NodeID: "missing", TransactionID: "tx-missing", WorkspaceID: "ws-1", Data: json.RawMessage(`{"name":"x"}`),
		}),
		{ID: "m4", Type: "rename_everything", Data: json.RawMessage(`{}`)},
		mustMutation(t, "m5", mutations.TypeMarkEntrySeen, mutations.Interaction{
			NodeID: "page-1", WorkspaceID: "ws-1", At: time.Date(2024, 5, 1, 11, 30, 0, 0, time.UTC),
		}),
		mustMutation(t, "m6", mutations.TypeMarkEntryOpened, mutations.Interaction{
			NodeID: "page-1", WorkspaceID: "ws-2", At: time.Date(2024, 5, 1, 11, 30, 0, 0, time.UTC),
		}),
	}

	recorder, statuses := postMutations(t, f.handler, "ws-1", batch)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	expected := map[string]mutations.Status{
		"m1": mutations.StatusSuccess,
		"m2": mutations.StatusRejected,
		"m3": mutations.StatusRejected,
		"m4": mutations.StatusRejected,
		"m5": mutations.StatusSuccess,
		"m6": mutations.StatusRejected,
	}
	for id, status := range expected {
		if statuses[id] != status {
			t.Fatalf("mutation %s: expected %s, got %q", id, status, statuses[id])
		}
	}

	node, err := f.nodes.GetNode(context.Background(), "page-1")
	if err != nil {
		t.Fatalf("created page missing: %v", err)
	}
	if node.TransactionID != "tx-page-1" {
		t.Fatalf("unexpected transaction id %s", node.TransactionID)
	}
	if _, err := f.nodes.GetNode(context.Background(), "page-2"); !errors.Is(err, nodes.ErrNodeNotFound) {
		t.Fatalf("rejected create must leave no node, got %v", err)
	}
}

func TestMutationsEndpointReplayIsIdempotent(t *testing.T) {
	f := newMutationFixture(t)
	batch := []mutations.Mutation{
		mustMutation(t, "m1", mutations.TypeApplyCreateTransaction, mutations.NodeCreate{
			NodeID: "page-1", TransactionID: "tx-page-1", WorkspaceID: "ws-1", ParentID: "space-1",
			NodeType: string(schema.TypePage), Data: json.RawMessage(`{"name":"Notes"}`),
		}),
		mustMutation(t, "m2", mutations.TypeApplyUpdateTransaction, mutations.NodeUpdate{
			NodeID: "page-1", TransactionID: "tx-page-1-edit", WorkspaceID: "ws-1", Data: json.RawMessage(`{"name":"Renamed"}`),
		}),
	}

	for attempt := 0; attempt < 2; attempt++ {
		recorder, statuses := postMutations(t, f.handler, "ws-1", batch)
		if recorder.Code != http.StatusOK {
			t.Fatalf("attempt %d: unexpected status %d", attempt, recorder.Code)
		}
		if statuses["m1"] != mutations.StatusSuccess || statuses["m2"] != mutations.StatusSuccess {
			t.Fatalf("attempt %d: replayed mutations must succeed, got %v", attempt, statuses)
		}
	}

	transactions, err := f.nodes.ListNodeTransactions(context.Background(), "page-1")
	if err != nil {
		t.Fatalf("failed to list transactions: %v", err)
	}
	if len(transactions) != 2 {
		t.Fatalf("replay must not duplicate transactions, got %d", len(transactions))
	}
}

func TestMutationsEndpointRejectsForeignWorkspacesAndBadBodies(t *testing.T) {
	f := newMutationFixture(t)
	seen := mustMutation(t, "m1", mutations.TypeMarkEntrySeen, mutations.Interaction{NodeID: "space-1", WorkspaceID: "ws-9"})

	recorder, _ := postMutations(t, f.handler, "ws-9", []mutations.Mutation{seen})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a workspace without membership, got %d", recorder.Code)
	}

	recorder, _ = postMutations(t, f.handler, "ws-1", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an empty batch, got %d", recorder.Code)
	}

	request := httptest.NewRequest(http.MethodPost, "/v1/workspaces/ws-1/mutations", strings.NewReader(`{}`))
	unauthenticated := httptest.NewRecorder()
	f.handler.ServeHTTP(unauthenticated, request)
	if unauthenticated.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a bearer token, got %d", unauthenticated.Code)
	}
}

type failingNodeWriter struct{}

func (failingNodeWriter) ApplyCreateTransaction(_ context.Context, _ nodes.Actor, input nodes.CreateTransactionInput) (nodes.Node, error) {
	return nodes.Node{ID: input.NodeID, TransactionID: input.TransactionID}, nil
}

func (failingNodeWriter) ApplyUpdateTransaction(context.Context, nodes.Actor, nodes.UpdateTransactionInput) (nodes.Node, error) {
	return nodes.Node{}, errors.New("database is locked")
}

func (failingNodeWriter) ApplyDeleteTransaction(context.Context, nodes.Actor, nodes.DeleteTransactionInput) error {
	return errors.New("database is locked")
}

type staticUsers struct{}

func (staticUsers) ResolveUser(_ context.Context, accountID, workspaceID string) (users.User, error) {
	return users.User{ID: "u1", AccountID: accountID, WorkspaceID: workspaceID, Role: schema.WorkspaceRoleCollaborator}, nil
}

func TestMutationsEndpointFailsWholeBatchOnInfrastructureErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{
		Tokens:       stubTokenValidator{claims: auth.AccountClaims{AccountID: "acct-1"}},
		Users:        staticUsers{},
		Nodes:        failingNodeWriter{},
		Interactions: &interactions.Service{},
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	deletion := mustMutation(t, "m1", mutations.TypeApplyDeleteTransaction, mutations.NodeDelete{
		NodeID: "page-1", TransactionID: "tx-delete", WorkspaceID: "ws-1",
	})

	recorder, statuses := postMutations(t, handler, "ws-1", []mutations.Mutation{deletion})
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", recorder.Code)
	}
	if len(statuses) != 0 {
		t.Fatalf("a failed batch must not report verdicts, got %v", statuses)
	}
}

func TestMutationsEndpointReportsCommittedPrefixBeforeInfrastructureError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{
		Tokens:       stubTokenValidator{claims: auth.AccountClaims{AccountID: "acct-1"}},
		Users:        staticUsers{},
		Nodes:        failingNodeWriter{},
		Interactions: &interactions.Service{},
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	batch := []mutations.Mutation{
		mustMutation(t, "m1", mutations.TypeApplyCreateTransaction, mutations.NodeCreate{
			NodeID: "page-1", TransactionID: "tx-page-1", WorkspaceID: "ws-1", ParentID: "space-1",
			NodeType: string(schema.TypePage), Data: json.RawMessage(`{"name":"Notes"}`),
		}),
		mustMutation(t, "m2", mutations.TypeApplyDeleteTransaction, mutations.NodeDelete{
			NodeID: "page-1", TransactionID: "tx-delete", WorkspaceID: "ws-1",
		}),
		mustMutation(t, "m3", mutations.TypeApplyCreateTransaction, mutations.NodeCreate{
			NodeID: "page-2", TransactionID: "tx-page-2", WorkspaceID: "ws-1", ParentID: "space-1",
			NodeType: string(schema.TypePage), Data: json.RawMessage(`{"name":"Later"}`),
		}),
	}

	recorder, statuses := postMutations(t, handler, "ws-1", batch)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for a partially applied batch, got %d", recorder.Code)
	}
	if statuses["m1"] != mutations.StatusSuccess {
		t.Fatalf("expected committed mutation to be reported as success, got %v", statuses)
	}
	if _, ok := statuses["m2"]; ok {
		t.Fatalf("failed mutation must stay unanswered, got %v", statuses)
	}
	if _, ok := statuses["m3"]; ok {
		t.Fatalf("mutations after the failure must stay unanswered, got %v", statuses)
	}
}

func TestRouterServesHealthAndMountsSynapse(t *testing.T) {
	gin.SetMode(gin.TestMode)
	upgrades := 0
	handler, err := NewHTTPHandler(Dependencies{
		Tokens:       stubTokenValidator{},
		Users:        staticUsers{},
		Nodes:        failingNodeWriter{},
		Interactions: &interactions.Service{},
		Synapse: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			upgrades++
			w.WriteHeader(http.StatusUpgradeRequired)
		}),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	health := httptest.NewRecorder()
	handler.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	if health.Code != http.StatusOK {
		t.Fatalf("expected healthy status, got %d", health.Code)
	}

	synapse := httptest.NewRecorder()
	handler.ServeHTTP(synapse, httptest.NewRequest(http.MethodGet, "/v1/synapse", http.NoBody))
	if synapse.Code != http.StatusUpgradeRequired || upgrades != 1 {
		t.Fatalf("expected the synapse handler to serve the route, got %d (%d calls)", synapse.Code, upgrades)
	}

	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingTokenValidator) {
		t.Fatalf("expected missing dependency error, got %v", err)
	}
}
