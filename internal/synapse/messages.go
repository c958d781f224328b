package synapse

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/interactions"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/nodes"
)

// Stream names one cursor-driven feed a device follows per workspace user.
type Stream string

const (
	StreamTransactions   Stream = "transactions"
	StreamCollaborations Stream = "collaborations"
	StreamRevocations    Stream = "revocations"
	StreamInteractions   Stream = "interactions"
)

// Inbound request types.
const (
	RequestFetchTransactions   = "fetch_transactions"
	RequestFetchCollaborations = "fetch_collaborations"
	RequestFetchRevocations    = "fetch_collaboration_revocations"
	RequestFetchInteractions   = "fetch_interactions"
)

var requestStreams = map[string]Stream{
	RequestFetchTransactions:   StreamTransactions,
	RequestFetchCollaborations: StreamCollaborations,
	RequestFetchRevocations:    StreamRevocations,
	RequestFetchInteractions:   StreamInteractions,
}

// BatchLimit is the page size of a stream query.
func (s Stream) BatchLimit() int {
	switch s {
	case StreamCollaborations, StreamRevocations:
		return 50
	default:
		return 20
	}
}

// Request asks for the entries of one stream after cursor.
type Request struct {
	Type        string `json:"type"`
	UserID      string `json:"userId"`
	WorkspaceID string `json:"workspaceId"`
	Cursor      int64  `json:"cursor"`
}

// Message is a batch pushed to a device. Exactly one of the entry lists is populated, matching
// Type.
type Message struct {
	Type           Stream               `json:"type"`
	UserID         string               `json:"userId"`
	WorkspaceID    string               `json:"workspaceId"`
	Transactions   []TransactionEntry   `json:"transactions,omitempty"`
	Collaborations []CollaborationEntry `json:"collaborations,omitempty"`
	Revocations    []CollaborationEntry `json:"revocations,omitempty"`
	Interactions   []InteractionEntry   `json:"interactions,omitempty"`
}

func (m Message) size() int {
	return len(m.Transactions) + len(m.Collaborations) + len(m.Revocations) + len(m.Interactions)
}

// TransactionEntry is the wire form of a node transaction.
type TransactionEntry struct {
	ID              string          `json:"id"`
	NodeID          string          `json:"nodeId"`
	NodeType        string          `json:"nodeType"`
	WorkspaceID     string          `json:"workspaceId"`
	Operation       string          `json:"operation"`
	Data            json.RawMessage `json:"data,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	CreatedBy       string          `json:"createdBy"`
	ServerCreatedAt time.Time       `json:"serverCreatedAt"`
	Version         int64           `json:"version"`
}

// CollaborationEntry is the wire form of a collaboration row. An empty Roles map is a revocation.
type CollaborationEntry struct {
	UserID      string            `json:"userId"`
	NodeID      string            `json:"nodeId"`
	WorkspaceID string            `json:"workspaceId"`
	Roles       map[string]string `json:"roles"`
	Version     int64             `json:"version"`
}

// InteractionEntry is the wire form of an interaction row.
type InteractionEntry struct {
	UserID        string     `json:"userId"`
	NodeID        string     `json:"nodeId"`
	NodeType      string     `json:"nodeType"`
	WorkspaceID   string     `json:"workspaceId"`
	FirstSeenAt   *time.Time `json:"firstSeenAt,omitempty"`
	LastSeenAt    *time.Time `json:"lastSeenAt,omitempty"`
	FirstOpenedAt *time.Time `json:"firstOpenedAt,omitempty"`
	LastOpenedAt  *time.Time `json:"lastOpenedAt,omitempty"`
	Version       int64      `json:"version"`
}

func transactionEntries(transactions []nodes.Transaction) []TransactionEntry {
	entries := make([]TransactionEntry, 0, len(transactions))
	for _, transaction := range transactions {
		entry := TransactionEntry{
			ID:              transaction.ID,
			NodeID:          transaction.NodeID,
			NodeType:        transaction.NodeType,
			WorkspaceID:     transaction.WorkspaceID,
			Operation:       string(transaction.Operation),
			CreatedAt:       transaction.CreatedAt,
			CreatedBy:       transaction.CreatedBy,
			ServerCreatedAt: transaction.ServerCreatedAt,
			Version:         transaction.Version,
		}
		if len(transaction.Data) > 0 {
			entry.Data = json.RawMessage(transaction.Data)
		}
		entries = append(entries, entry)
	}
	return entries
}

func collaborationEntries(collaborations []nodes.Collaboration) ([]CollaborationEntry, error) {
	entries := make([]CollaborationEntry, 0, len(collaborations))
	for _, collaboration := range collaborations {
		roles, err := nodes.DecodeRoles(collaboration.Roles)
		if err != nil {
			return nil, err
		}
		wire := make(map[string]string, len(roles))
		for nodeID, role := range roles {
			wire[nodeID] = string(role)
		}
		entries = append(entries, CollaborationEntry{
			UserID:      collaboration.UserID,
			NodeID:      collaboration.NodeID,
			WorkspaceID: collaboration.WorkspaceID,
			Roles:       wire,
			Version:     collaboration.Version,
		})
	}
	return entries, nil
}

func interactionEntries(rows []interactions.Interaction) []InteractionEntry {
	entries := make([]InteractionEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, InteractionEntry{
			UserID:        row.UserID,
			NodeID:        row.NodeID,
			NodeType:      row.NodeType,
			WorkspaceID:   row.WorkspaceID,
			FirstSeenAt:   row.FirstSeenAt,
			LastSeenAt:    row.LastSeenAt,
			FirstOpenedAt: row.FirstOpenedAt,
			LastOpenedAt:  row.LastOpenedAt,
			Version:       row.Version,
		})
	}
	return entries
}
