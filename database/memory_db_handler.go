package database

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryDBHandler is a Store that keeps everything in memory. It is used by tests and by
// commands that run without a database file.
type MemoryDBHandler struct {
	mu          sync.Mutex
	connections map[string]Connection
	tunnels     map[string]Tunnel
}

func NewMemoryDBHandler() *MemoryDBHandler {
	return &MemoryDBHandler{
		connections: map[string]Connection{},
		tunnels:     map[string]Tunnel{},
	}
}

func (dbHandler *MemoryDBHandler) Path() string {
	return "no path, this is in memory"
}

func (dbHandler *MemoryDBHandler) Close() error {
	return nil
}

func (dbHandler *MemoryDBHandler) PutConnection(connection *Connection) error {
	dbHandler.mu.Lock()
	defer dbHandler.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := dbHandler.connections[connection.Name]; ok {
		connection.CreatedAt = existing.CreatedAt
	} else {
		connection.CreatedAt = now
	}
	connection.UpdatedAt = now
	dbHandler.connections[connection.Name] = *connection
	return nil
}

func (dbHandler *MemoryDBHandler) GetConnection(name string) (Connection, error) {
	dbHandler.mu.Lock()
	defer dbHandler.mu.Unlock()
	connection, ok := dbHandler.connections[name]
	if !ok {
		return Connection{}, fmt.Errorf("%w: %s", ErrConnectionNotFound, name)
	}
	return connection, nil
}

func (dbHandler *MemoryDBHandler) DeleteConnection(name string) error {
	dbHandler.mu.Lock()
	defer dbHandler.mu.Unlock()
	if _, ok := dbHandler.connections[name]; !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, name)
	}
	delete(dbHandler.connections, name)
	return nil
}

func (dbHandler *MemoryDBHandler) ListConnections() ([]Connection, error) {
	dbHandler.mu.Lock()
	defer dbHandler.mu.Unlock()
	connections := make([]Connection, 0, len(dbHandler.connections))
	for _, connection := range dbHandler.connections {
		connections = append(connections, connection)
	}
	sort.Slice(connections, func(i, j int) bool { return connections[i].Name < connections[j].Name })
	return connections, nil
}

func (dbHandler *MemoryDBHandler) SaveTunnel(tunnel *Tunnel) error {
	dbHandler.mu.Lock()
	defer dbHandler.mu.Unlock()
	if existing, ok := dbHandler.tunnels[tunnel.ID]; ok {
		tunnel.CreatedAt = existing.CreatedAt
	} else if tunnel.CreatedAt.IsZero() {
		tunnel.CreatedAt = time.Now().UTC()
	}
	tunnel.UpdatedAt = time.Now().UTC()
	dbHandler.tunnels[tunnel.ID] = *tunnel
	return nil
}

func (dbHandler *MemoryDBHandler) GetTunnel(id string) (Tunnel, error) {
	dbHandler.mu.Lock()
	defer dbHandler.mu.Unlock()
	tunnel, ok := dbHandler.tunnels[id]
	if !ok {
		return Tunnel{}, fmt.Errorf("%w: %s", ErrTunnelNotFound, id)
	}
	return tunnel, nil
}

func (dbHandler *MemoryDBHandler) DeleteTunnel(id string) error {
	dbHandler.mu.Lock()
	defer dbHandler.mu.Unlock()
	if _, ok := dbHandler.tunnels[id]; !ok {
		return fmt.Errorf("%w: %s", ErrTunnelNotFound, id)
	}
	delete(dbHandler.tunnels, id)
	return nil
}

func (dbHandler *MemoryDBHandler) ListTunnels() ([]Tunnel, error) {
	dbHandler.mu.Lock()
	defer dbHandler.mu.Unlock()
	tunnels := make([]Tunnel, 0, len(dbHandler.tunnels))
	for _, tunnel := range dbHandler.tunnels {
		tunnels = append(tunnels, tunnel)
	}
	sort.Slice(tunnels, func(i, j int) bool {
		if tunnels[i].CreatedAt.Equal(tunnels[j].CreatedAt) {
			return tunnels[i].ID < tunnels[j].ID
		}
		return tunnels[i].CreatedAt.Before(tunnels[j].CreatedAt)
	})
	return tunnels, nil
}
