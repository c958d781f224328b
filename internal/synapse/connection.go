package synapse

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	commandBuffer  = 64
	outboundBuffer = 32
)

// Socket is the transport a connection reads requests from and writes batches to.
// *websocket.Conn satisfies it.
type Socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(deadline time.Time) error
	Close() error
}

type subscriptionKey struct {
	userID string
	stream Stream
}

type subscription struct {
	workspaceID string
	cursor      int64
	syncing     bool
	// stale marks a write that landed while the query ran; an empty result is re-queried.
	stale bool
}

type command any

type fetchCommand struct {
	key         subscriptionKey
	workspaceID string
	cursor      int64
}

type triggerCommand struct {
	key subscriptionKey
}

type resultCommand struct {
	key     subscriptionKey
	message Message
	err     error
}

type inspectCommand struct {
	reply chan<- map[subscriptionKey]subscription
}

// ConnectionConfig describes one authenticated device connection.
type ConnectionConfig struct {
	ID           string
	AccountID    string
	DeviceID     string
	Users        map[string]string
	Socket       Socket
	Codec        Codec
	Store        Store
	WriteTimeout time.Duration
	Logger       *zap.Logger
	OnClose      func(*Connection)
}

// Connection owns the sync cursors of one device. The cursor map is touched only by the run
// goroutine; everything else talks to it through commands.
type Connection struct {
	id           string
	accountID    string
	deviceID     string
	users        map[string]string
	socket       Socket
	codec        Codec
	store        Store
	writeTimeout time.Duration
	logger       *zap.Logger
	onClose      func(*Connection)

	commands chan command
	outbound chan []byte
	done     chan struct{}
	stopped  chan struct{}
	cancel   context.CancelFunc
	ctx      context.Context

	closeOnce sync.Once

	subscriptions map[subscriptionKey]*subscription
}

// NewConnection constructs a connection; Start launches its goroutines.
func NewConnection(cfg ConnectionConfig) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	codec := cfg.Codec
	if codec == nil {
		codec = jsonCodec{}
	}
	users := make(map[string]string, len(cfg.Users))
	for userID, workspaceID := range cfg.Users {
		users[userID] = workspaceID
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:            cfg.ID,
		accountID:     cfg.AccountID,
		deviceID:      cfg.DeviceID,
		users:         users,
		socket:        cfg.Socket,
		codec:         codec,
		store:         cfg.Store,
		writeTimeout:  cfg.WriteTimeout,
		logger:        logger.With(zap.String("connection_id", cfg.ID), zap.String("account_id", cfg.AccountID)),
		onClose:       cfg.OnClose,
		commands:      make(chan command, commandBuffer),
		outbound:      make(chan []byte, outboundBuffer),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
		cancel:        cancel,
		ctx:           ctx,
		subscriptions: make(map[subscriptionKey]*subscription),
	}
}

// ID returns the connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// Serves reports whether the connection carries the workspace user.
func (c *Connection) Serves(userID string) bool {
	_, ok := c.users[userID]
	return ok
}

// Start launches the actor, reader and writer goroutines.
func (c *Connection) Start() {
	go c.run()
	go c.writeLoop()
	go c.readLoop()
}

// Done is closed once the connection starts shutting down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close stops the connection and waits until its cursor state is released.
func (c *Connection) Close() {
	c.shutdown()
	<-c.stopped
}

func (c *Connection) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		if c.socket != nil {
			_ = c.socket.Close()
		}
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

// Fetch requests the entries of a stream after cursor on behalf of a served user.
func (c *Connection) Fetch(request Request) bool {
	stream, ok := requestStreams[request.Type]
	if !ok {
		return false
	}
	workspaceID, served := c.users[request.UserID]
	if !served || workspaceID != request.WorkspaceID {
		return false
	}
	return c.send(fetchCommand{
		key:         subscriptionKey{userID: request.UserID, stream: stream},
		workspaceID: request.WorkspaceID,
		cursor:      request.Cursor,
	})
}

// Trigger re-runs the pending fetch of a stream, if the device has one, after a write.
// It never blocks the caller.
func (c *Connection) Trigger(userID string, stream Stream) {
	if !c.Serves(userID) {
		return
	}
	select {
	case c.commands <- triggerCommand{key: subscriptionKey{userID: userID, stream: stream}}:
	case <-c.done:
	default:
		c.logger.Warn("synapse trigger dropped", zap.String("user_id", userID), zap.String("stream", string(stream)))
	}
}

func (c *Connection) send(cmd command) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.commands <- cmd:
		return true
	case <-c.done:
		return false
	}
}

func (c *Connection) run() {
	defer close(c.stopped)
	defer func() {
		c.subscriptions = nil
	}()
	for {
		select {
		case <-c.done:
			return
		case cmd := <-c.commands:
			c.handle(cmd)
		}
	}
}

func (c *Connection) handle(cmd command) {
	switch typed := cmd.(type) {
	case fetchCommand:
		entry, ok := c.subscriptions[typed.key]
		if ok && entry.syncing {
			return
		}
		if !ok {
			entry = &subscription{}
			c.subscriptions[typed.key] = entry
		}
		entry.workspaceID = typed.workspaceID
		entry.cursor = typed.cursor
		c.startQuery(typed.key, entry)
	case triggerCommand:
		entry, ok := c.subscriptions[typed.key]
		if !ok {
			return
		}
		if entry.syncing {
			entry.stale = true
			return
		}
		c.startQuery(typed.key, entry)
	case resultCommand:
		entry, ok := c.subscriptions[typed.key]
		if !ok {
			return
		}
		entry.syncing = false
		if typed.err != nil {
			entry.stale = false
			c.logger.Error("synapse fetch failed",
				zap.String("user_id", typed.key.userID),
				zap.String("stream", string(typed.key.stream)),
				zap.Error(typed.err))
			return
		}
		if typed.message.size() == 0 {
			if entry.stale {
				c.startQuery(typed.key, entry)
			}
			return
		}
		delete(c.subscriptions, typed.key)
		c.push(typed.message)
	case inspectCommand:
		snapshot := make(map[subscriptionKey]subscription, len(c.subscriptions))
		for key, entry := range c.subscriptions {
			snapshot[key] = *entry
		}
		typed.reply <- snapshot
	}
}

func (c *Connection) startQuery(key subscriptionKey, entry *subscription) {
	entry.syncing = true
	entry.stale = false
	workspaceID, cursor := entry.workspaceID, entry.cursor
	go func() {
		message, err := c.query(key, workspaceID, cursor)
		select {
		case c.commands <- resultCommand{key: key, message: message, err: err}:
		case <-c.done:
		}
	}()
}

func (c *Connection) query(key subscriptionKey, workspaceID string, cursor int64) (Message, error) {
	message := Message{Type: key.stream, UserID: key.userID, WorkspaceID: workspaceID}
	limit := key.stream.BatchLimit()
	switch key.stream {
	case StreamTransactions:
		rows, err := c.store.ListTransactionsSince(c.ctx, workspaceID, key.userID, cursor, limit)
		if err != nil {
			return message, err
		}
		message.Transactions = transactionEntries(rows)
	case StreamCollaborations:
		rows, err := c.store.ListCollaborationsSince(c.ctx, workspaceID, key.userID, cursor, limit)
		if err != nil {
			return message, err
		}
		entries, err := collaborationEntries(rows)
		if err != nil {
			return message, err
		}
		message.Collaborations = entries
	case StreamRevocations:
		rows, err := c.store.ListRevocationsSince(c.ctx, workspaceID, key.userID, cursor, limit)
		if err != nil {
			return message, err
		}
		entries, err := collaborationEntries(rows)
		if err != nil {
			return message, err
		}
		message.Revocations = entries
	case StreamInteractions:
		rows, err := c.store.ListInteractionsSince(c.ctx, workspaceID, key.userID, cursor, limit)
		if err != nil {
			return message, err
		}
		message.Interactions = interactionEntries(rows)
	}
	return message, nil
}

// push hands an encoded batch to the writer. A device that cannot keep up is disconnected and
// resumes from its persisted cursors on reconnect.
func (c *Connection) push(message Message) {
	payload, err := c.codec.Marshal(message)
	if err != nil {
		c.logger.Error("synapse encode failed", zap.Error(err))
		return
	}
	select {
	case c.outbound <- payload:
	default:
		c.logger.Warn("synapse outbound buffer full, closing connection")
		c.shutdown()
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.outbound:
			if c.writeTimeout > 0 {
				_ = c.socket.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if err := c.socket.WriteMessage(c.codec.FrameType(), payload); err != nil {
				c.logger.Debug("synapse write failed", zap.Error(err))
				c.shutdown()
				return
			}
		}
	}
}

func (c *Connection) readLoop() {
	defer c.shutdown()
	for {
		_, data, err := c.socket.ReadMessage()
		if err != nil {
			return
		}
		var request Request
		if err := c.codec.Unmarshal(data, &request); err != nil {
			c.logger.Debug("synapse request rejected", zap.Error(err))
			continue
		}
		if !c.Fetch(request) {
			select {
			case <-c.done:
				return
			default:
				c.logger.Debug("synapse request ignored",
					zap.String("type", request.Type),
					zap.String("user_id", request.UserID))
			}
		}
	}
}

// snapshot returns a copy of the cursor state; a stopped connection reports none.
func (c *Connection) snapshot() map[subscriptionKey]subscription {
	reply := make(chan map[subscriptionKey]subscription, 1)
	select {
	case c.commands <- inspectCommand{reply: reply}:
	case <-c.stopped:
		return nil
	}
	select {
	case state := <-reply:
		return state
	case <-c.stopped:
		return nil
	}
}
