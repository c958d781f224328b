package synapse

import "sync"

// Registry indexes open connections by id and by the workspace users they serve.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	byUser      map[string]map[string]*Connection
	byWorkspace map[string]map[string]*Connection
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		byUser:      make(map[string]map[string]*Connection),
		byWorkspace: make(map[string]map[string]*Connection),
	}
}

// Add registers a connection under every workspace user it carries.
func (r *Registry) Add(connection *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[connection.ID()] = connection
	for userID, workspaceID := range connection.users {
		index(r.byUser, userID, connection)
		index(r.byWorkspace, workspaceID, connection)
	}
}

// Remove drops a connection; removing an unknown connection is a no-op.
func (r *Registry) Remove(connection *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connections[connection.ID()]; !ok {
		return
	}
	delete(r.connections, connection.ID())
	for userID, workspaceID := range connection.users {
		unindex(r.byUser, userID, connection.ID())
		unindex(r.byWorkspace, workspaceID, connection.ID())
	}
}

// ForUser returns the connections of one workspace user.
func (r *Registry) ForUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.byUser[userID])
}

// ForWorkspace returns every connection carrying a user of the workspace.
func (r *Registry) ForWorkspace(workspaceID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.byWorkspace[workspaceID])
}

// Len reports the number of open connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// All returns every open connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.connections)
}

func index(target map[string]map[string]*Connection, key string, connection *Connection) {
	bucket, ok := target[key]
	if !ok {
		bucket = make(map[string]*Connection)
		target[key] = bucket
	}
	bucket[connection.ID()] = connection
}

func unindex(target map[string]map[string]*Connection, key, connectionID string) {
	bucket := target[key]
	if bucket == nil {
		return
	}
	delete(bucket, connectionID)
	if len(bucket) == 0 {
		delete(target, key)
	}
}

func collect(bucket map[string]*Connection) []*Connection {
	connections := make([]*Connection, 0, len(bucket))
	for _, connection := range bucket {
		connections = append(connections, connection)
	}
	return connections
}
