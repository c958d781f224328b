package synapse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/interactions"
	"github.com/MarcoPoloResearchLab/canopy/backend/internal/nodes"
	"github.com/gorilla/websocket"
)

var errSocketClosed = errors.New("socket closed")

type fakeSocket struct {
	inbound   chan []byte
	writes    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu               sync.Mutex
	writesAfterClose int
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound: make(chan []byte, 8),
		writes:  make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case data := <-s.inbound:
		return websocket.TextMessage, data, nil
	case <-s.closed:
		return 0, nil, errSocketClosed
	}
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	select {
	case <-s.closed:
		s.mu.Lock()
		s.writesAfterClose++
		s.mu.Unlock()
		return errSocketClosed
	default:
	}
	s.writes <- data
	return nil
}

func (s *fakeSocket) SetWriteDeadline(time.Time) error {
	return nil
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	return nil
}

// gatedStore serves transactions from memory. Each query reads its snapshot first and, while
// gated, then blocks until release.
type gatedStore struct {
	mu           sync.Mutex
	transactions []nodes.Transaction
	calls        int
	inFlight     int
	maxInFlight  int
	gate         chan struct{}
	started      chan struct{}
}

func newGatedStore(gated bool) *gatedStore {
	store := &gatedStore{started: make(chan struct{}, 16)}
	if gated {
		store.gate = make(chan struct{})
	}
	return store
}

func (s *gatedStore) add(transaction nodes.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions = append(s.transactions, transaction)
}

func (s *gatedStore) release() {
	close(s.gate)
}

func (s *gatedStore) stats() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, s.maxInFlight
}

func (s *gatedStore) ListTransactionsSince(ctx context.Context, workspaceID, _ string, cursor int64, limit int) ([]nodes.Transaction, error) {
	s.mu.Lock()
	s.calls++
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	var matched []nodes.Transaction
	for _, transaction := range s.transactions {
		if transaction.WorkspaceID == workspaceID && transaction.Version > cursor && len(matched) < limit {
			matched = append(matched, transaction)
		}
	}
	s.mu.Unlock()
	select {
	case s.started <- struct{}{}:
	default:
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	return matched, nil
}

func (s *gatedStore) ListCollaborationsSince(context.Context, string, string, int64, int) ([]nodes.Collaboration, error) {
	return nil, nil
}

func (s *gatedStore) ListRevocationsSince(context.Context, string, string, int64, int) ([]nodes.Collaboration, error) {
	return nil, nil
}

func (s *gatedStore) ListInteractionsSince(context.Context, string, string, int64, int) ([]interactions.Interaction, error) {
	return nil, nil
}

func startConnection(t *testing.T, socket *fakeSocket, store Store) *Connection {
	t.Helper()
	connection := NewConnection(ConnectionConfig{
		ID:     "conn-1",
		Users:  map[string]string{"u1": "ws-1"},
		Socket: socket,
		Store:  store,
	})
	connection.Start()
	t.Cleanup(connection.Close)
	return connection
}

func fetchTransactions(cursor int64) Request {
	return Request{Type: RequestFetchTransactions, UserID: "u1", WorkspaceID: "ws-1", Cursor: cursor}
}

func waitForWrite(t *testing.T, socket *fakeSocket) Message {
	t.Helper()
	select {
	case data := <-socket.writes:
		var message Message
		if err := json.Unmarshal(data, &message); err != nil {
			t.Fatalf("failed to decode push: %v", err)
		}
		return message
	case <-time.After(time.Second):
		t.Fatal("expected a push within deadline")
	}
	return Message{}
}

func waitForIdle(t *testing.T, connection *Connection, key subscriptionKey) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if entry, ok := connection.snapshot()[key]; ok && !entry.syncing {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("subscription never returned to idle")
}

func TestConnectionKeepsOneFetchInFlightPerStream(t *testing.T) {
	socket := newFakeSocket()
	store := newGatedStore(true)
	store.add(nodes.Transaction{ID: "t1", NodeID: "n1", WorkspaceID: "ws-1", Operation: nodes.OperationCreate, Version: 1})
	store.add(nodes.Transaction{ID: "t2", NodeID: "n1", WorkspaceID: "ws-1", Operation: nodes.OperationUpdate, Version: 2})
	connection := startConnection(t, socket, store)

	if !connection.Fetch(fetchTransactions(0)) {
		t.Fatal("fetch refused")
	}
	<-store.started
	connection.Fetch(fetchTransactions(0))
	connection.Fetch(fetchTransactions(1))
	connection.Trigger("u1", StreamTransactions)

	state := connection.snapshot()
	key := subscriptionKey{userID: "u1", stream: StreamTransactions}
	if entry, ok := state[key]; !ok || !entry.syncing || entry.cursor != 0 {
		t.Fatalf("expected one syncing subscription at cursor 0, got %#v", state)
	}
	if calls, _ := store.stats(); calls != 1 {
		t.Fatalf("duplicate fetches must be ignored while syncing, got %d queries", calls)
	}

	store.release()
	message := waitForWrite(t, socket)
	if message.Type != StreamTransactions || message.UserID != "u1" || len(message.Transactions) != 2 {
		t.Fatalf("unexpected push: %#v", message)
	}
	if state := connection.snapshot(); len(state) != 0 {
		t.Fatalf("a delivered batch must clear the subscription, got %#v", state)
	}

	connection.Trigger("u1", StreamTransactions)
	connection.snapshot()
	if calls, maxInFlight := store.stats(); calls != 1 || maxInFlight != 1 {
		t.Fatalf("trigger without a pending fetch must not query, got calls=%d max=%d", calls, maxInFlight)
	}
}

func TestConnectionEmptyResultWaitsForTrigger(t *testing.T) {
	socket := newFakeSocket()
	store := newGatedStore(false)
	connection := startConnection(t, socket, store)
	key := subscriptionKey{userID: "u1", stream: StreamTransactions}

	connection.Fetch(fetchTransactions(5))
	waitForIdle(t, connection, key)
	select {
	case <-socket.writes:
		t.Fatal("empty batches must not be pushed")
	default:
	}

	store.add(nodes.Transaction{ID: "t6", NodeID: "n1", WorkspaceID: "ws-1", Operation: nodes.OperationUpdate, Version: 6})
	connection.Trigger("u1", StreamTransactions)
	message := waitForWrite(t, socket)
	if len(message.Transactions) != 1 || message.Transactions[0].Version != 6 {
		t.Fatalf("trigger must resume from the stored cursor, got %#v", message)
	}
}

func TestConnectionRequeriesWhenWriteLandsDuringEmptyFetch(t *testing.T) {
	socket := newFakeSocket()
	store := newGatedStore(true)
	connection := startConnection(t, socket, store)

	connection.Fetch(fetchTransactions(5))
	<-store.started
	store.add(nodes.Transaction{ID: "t6", NodeID: "n1", WorkspaceID: "ws-1", Operation: nodes.OperationUpdate, Version: 6})
	connection.Trigger("u1", StreamTransactions)
	connection.snapshot()

	store.release()
	message := waitForWrite(t, socket)
	if len(message.Transactions) != 1 || message.Transactions[0].Version != 6 {
		t.Fatalf("write committed during the fetch must be pushed, got %#v", message)
	}
	if calls, maxInFlight := store.stats(); calls != 2 || maxInFlight != 1 {
		t.Fatalf("expected one follow-up query, got calls=%d max=%d", calls, maxInFlight)
	}
}

func TestConnectionIgnoresUsersItDoesNotServe(t *testing.T) {
	socket := newFakeSocket()
	store := newGatedStore(false)
	connection := startConnection(t, socket, store)

	if connection.Fetch(Request{Type: RequestFetchTransactions, UserID: "u2", WorkspaceID: "ws-1"}) {
		t.Fatal("fetch for a foreign user must be refused")
	}
	if connection.Fetch(Request{Type: RequestFetchTransactions, UserID: "u1", WorkspaceID: "ws-2"}) {
		t.Fatal("fetch for a foreign workspace must be refused")
	}
	if connection.Fetch(Request{Type: "fetch_everything", UserID: "u1", WorkspaceID: "ws-1"}) {
		t.Fatal("unknown request types must be refused")
	}
	if calls, _ := store.stats(); calls != 0 {
		t.Fatalf("refused fetches must not query, got %d", calls)
	}
}

func TestConnectionCloseReleasesStateAndDropsInflightResults(t *testing.T) {
	socket := newFakeSocket()
	store := newGatedStore(true)
	store.add(nodes.Transaction{ID: "t1", NodeID: "n1", WorkspaceID: "ws-1", Version: 1})
	closed := make(chan string, 1)
	connection := NewConnection(ConnectionConfig{
		ID:      "conn-2",
		Users:   map[string]string{"u1": "ws-1"},
		Socket:  socket,
		Store:   store,
		OnClose: func(c *Connection) { closed <- c.ID() },
	})
	connection.Start()

	connection.Fetch(fetchTransactions(0))
	<-store.started
	connection.Close()

	if state := connection.snapshot(); state != nil {
		t.Fatalf("closed connection must hold no cursor state, got %#v", state)
	}
	if id := <-closed; id != "conn-2" {
		t.Fatalf("unexpected close callback for %s", id)
	}
	store.release()
	time.Sleep(50 * time.Millisecond)
	select {
	case <-socket.writes:
		t.Fatal("no push may reach a closed connection")
	default:
	}
	socket.mu.Lock()
	defer socket.mu.Unlock()
	if socket.writesAfterClose != 0 {
		t.Fatalf("writer touched a closed socket %d times", socket.writesAfterClose)
	}
	if connection.Fetch(fetchTransactions(0)) {
		t.Fatal("closed connection must refuse fetches")
	}
}

func TestConnectionReadsRequestsFromSocket(t *testing.T) {
	socket := newFakeSocket()
	store := newGatedStore(false)
	store.add(nodes.Transaction{ID: "t1", NodeID: "n1", WorkspaceID: "ws-1", Version: 1})
	startConnection(t, socket, store)

	frame, _ := json.Marshal(fetchTransactions(0))
	socket.inbound <- []byte("not json")
	socket.inbound <- frame
	message := waitForWrite(t, socket)
	if len(message.Transactions) != 1 {
		t.Fatalf("unexpected push: %#v", message)
	}
}
