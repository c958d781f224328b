package synapse

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/events"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/interactions"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/nodes"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/schema"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/users"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultWriteTimeout = 10 * time.Second

var (
	errMissingStore    = errors.New("synapse: store is required")
	errMissingAudience = errors.New("synapse: audience is required")
	errMissingAccounts = errors.New("synapse: account resolver is required")
	errMissingTokens   = errors.New("synapse: token validator is required")
)

// Store answers the four stream queries.
type Store interface {
	ListTransactionsSince(ctx context.Context, workspaceID, userID string, cursor int64, limit int) ([]nodes.Transaction, error)
	ListCollaborationsSince(ctx context.Context, workspaceID, userID string, cursor int64, limit int) ([]nodes.Collaboration, error)
	ListRevocationsSince(ctx context.Context, workspaceID, userID string, cursor int64, limit int) ([]nodes.Collaboration, error)
	ListInteractionsSince(ctx context.Context, workspaceID, userID string, cursor int64, limit int) ([]interactions.Interaction, error)
}

type serviceStore struct {
	nodes        *nodes.Service
	interactions *interactions.Service
}

// NewStore combines the node and interaction services into a Store.
func NewStore(nodeService *nodes.Service, interactionService *interactions.Service) Store {
	return serviceStore{nodes: nodeService, interactions: interactionService}
}

func (s serviceStore) ListTransactionsSince(ctx context.Context, workspaceID, userID string, cursor int64, limit int) ([]nodes.Transaction, error) {
	return s.nodes.ListTransactionsSince(ctx, workspaceID, userID, cursor, limit)
}

func (s serviceStore) ListCollaborationsSince(ctx context.Context, workspaceID, userID string, cursor int64, limit int) ([]nodes.Collaboration, error) {
	return s.nodes.ListCollaborationsSince(ctx, workspaceID, userID, cursor, limit)
}

func (s serviceStore) ListRevocationsSince(ctx context.Context, workspaceID, userID string, cursor int64, limit int) ([]nodes.Collaboration, error) {
	return s.nodes.ListRevocationsSince(ctx, workspaceID, userID, cursor, limit)
}

func (s serviceStore) ListInteractionsSince(ctx context.Context, workspaceID, userID string, cursor int64, limit int) ([]interactions.Interaction, error) {
	return s.interactions.ListInteractionsSince(ctx, workspaceID, userID, cursor, limit)
}

// Audience resolves who may observe a node.
type Audience interface {
	ListNodeCollaboratorIDs(ctx context.Context, nodeID string) ([]string, error)
	IsGlobal(nodeType string) bool
}

type nodeAudience struct {
	nodes *nodes.Service
}

// NewAudience adapts the node service to an Audience.
func NewAudience(nodeService *nodes.Service) Audience {
	return nodeAudience{nodes: nodeService}
}

func (a nodeAudience) ListNodeCollaboratorIDs(ctx context.Context, nodeID string) ([]string, error) {
	return a.nodes.ListNodeCollaboratorIDs(ctx, nodeID)
}

func (a nodeAudience) IsGlobal(nodeType string) bool {
	return a.nodes.Registry().IsGlobal(schema.NodeType(nodeType))
}

// AccountResolver lists the workspace memberships of an account.
type AccountResolver interface {
	ListAccountUsers(ctx context.Context, accountID string) ([]users.User, error)
}

// TokenValidator authenticates upgrade requests.
type TokenValidator interface {
	ValidateRequest(r *http.Request) (auth.AccountClaims, error)
}

// ServiceConfig describes the dependencies of the fan-out service.
type ServiceConfig struct {
	Store        Store
	Audience     Audience
	Accounts     AccountResolver
	Tokens       TokenValidator
	Registry     *Registry
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

// Service accepts device connections and re-runs their pending fetches when writes commit.
type Service struct {
	store        Store
	audience     Audience
	accounts     AccountResolver
	tokens       TokenValidator
	registry     *Registry
	writeTimeout time.Duration
	logger       *zap.Logger
	upgrader     websocket.Upgrader
}

// NewService validates the configuration and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Store == nil:
		return nil, errMissingStore
	case cfg.Audience == nil:
		return nil, errMissingAudience
	case cfg.Accounts == nil:
		return nil, errMissingAccounts
	case cfg.Tokens == nil:
		return nil, errMissingTokens
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:        cfg.Store,
		audience:     cfg.Audience,
		accounts:     cfg.Accounts,
		tokens:       cfg.Tokens,
		registry:     registry,
		writeTimeout: writeTimeout,
		logger:       logger,
		upgrader: websocket.Upgrader{
			Subprotocols: Subprotocols,
			CheckOrigin:  func(*http.Request) bool { return true },
		},
	}, nil
}

// Registry exposes the connection registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// ServeHTTP authenticates the request, upgrades it and starts a connection. Requests without a
// valid token are refused before the upgrade and leave nothing behind.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := s.tokens.ValidateRequest(r)
	if err != nil {
		s.logger.Debug("synapse upgrade refused", zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	memberships, err := s.accounts.ListAccountUsers(r.Context(), claims.AccountID)
	if err != nil {
		s.logger.Error("synapse membership lookup failed", zap.String("account_id", claims.AccountID), zap.Error(err))
		http.Error(w, "membership lookup failed", http.StatusInternalServerError)
		return
	}
	if len(memberships) == 0 {
		http.Error(w, "no workspace memberships", http.StatusForbidden)
		return
	}

	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("synapse upgrade failed", zap.Error(err))
		return
	}

	served := make(map[string]string, len(memberships))
	for _, membership := range memberships {
		served[membership.ID] = membership.WorkspaceID
	}
	connection := NewConnection(ConnectionConfig{
		ID:           uuid.NewString(),
		AccountID:    claims.AccountID,
		DeviceID:     claims.DeviceID,
		Users:        served,
		Socket:       socket,
		Codec:        CodecFor(socket.Subprotocol()),
		Store:        s.store,
		WriteTimeout: s.writeTimeout,
		Logger:       s.logger,
		OnClose:      s.registry.Remove,
	})
	s.registry.Add(connection)
	connection.Start()
	s.logger.Debug("synapse connection opened",
		zap.String("connection_id", connection.ID()),
		zap.String("subprotocol", socket.Subprotocol()))
}

// Run consumes committed events until ctx ends, then closes every connection.
func (s *Service) Run(ctx context.Context, stream <-chan events.Event) error {
	defer s.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-stream:
			if !ok {
				return nil
			}
			s.HandleEvent(ctx, event)
		}
	}
}

// HandleEvent recomputes the audience of one event and triggers the affected streams.
func (s *Service) HandleEvent(ctx context.Context, event events.Event) {
	switch event.Type {
	case events.NodeCreated, events.NodeUpdated, events.NodeDeleted:
		for _, connection := range s.nodeAudience(ctx, event) {
			s.triggerServedUsers(connection, event, StreamTransactions)
		}
	case events.CollaboratorAdded:
		for _, connection := range s.registry.ForUser(event.UserID) {
			connection.Trigger(event.UserID, StreamCollaborations)
		}
	case events.CollaboratorRemoved:
		for _, connection := range s.registry.ForUser(event.UserID) {
			connection.Trigger(event.UserID, StreamRevocations)
		}
	case events.InteractionUpdated:
		for _, connection := range s.nodeAudience(ctx, event) {
			s.triggerServedUsers(connection, event, StreamInteractions)
		}
		for _, connection := range s.registry.ForUser(event.UserID) {
			connection.Trigger(event.UserID, StreamInteractions)
		}
	}
}

// nodeAudience returns the connections allowed to observe the event's node: every workspace
// connection for globally visible types, otherwise the connections of current collaborators.
func (s *Service) nodeAudience(ctx context.Context, event events.Event) []*Connection {
	if s.audience.IsGlobal(event.NodeType) {
		return s.registry.ForWorkspace(event.WorkspaceID)
	}
	userIDs, err := s.audience.ListNodeCollaboratorIDs(ctx, event.NodeID)
	if err != nil {
		s.logger.Error("synapse audience lookup failed", zap.String("node_id", event.NodeID), zap.Error(err))
		return nil
	}
	seen := make(map[string]struct{})
	var connections []*Connection
	for _, userID := range userIDs {
		for _, connection := range s.registry.ForUser(userID) {
			if _, ok := seen[connection.ID()]; ok {
				continue
			}
			seen[connection.ID()] = struct{}{}
			connections = append(connections, connection)
		}
	}
	return connections
}

func (s *Service) triggerServedUsers(connection *Connection, event events.Event, stream Stream) {
	for userID, workspaceID := range connection.users {
		if workspaceID == event.WorkspaceID {
			connection.Trigger(userID, stream)
		}
	}
}

func (s *Service) closeAll() {
	for _, connection := range s.registry.All() {
		connection.Close()
	}
}
