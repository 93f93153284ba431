// internal/handler/websocket_types.go
package handler

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"board-bridge/internal/connector"
)

// Client represents one host application connected to the companion
type Client struct {
	ID          string          `json:"id"`
	Connection  *websocket.Conn `json:"-"`
	Send        chan []byte     `json:"-"`
	UserAgent   string          `json:"user_agent"`
	RemoteAddr  string          `json:"remote_addr"`
	ConnectedAt time.Time       `json:"connected_at"`

	mu         sync.Mutex
	ports      map[string]*openPort
	cancelScan context.CancelFunc
	done       chan struct{}
	closeOnce  sync.Once
}

// openPort is a serial port opened on behalf of a client
type openPort struct {
	conn    connector.Connector
	unwatch func()
}

func newClient(id string, conn *websocket.Conn) *Client {
	return &Client{
		ID:          id,
		Connection:  conn,
		Send:        make(chan []byte, 256),
		ConnectedAt: time.Now(),
		ports:       make(map[string]*openPort),
		done:        make(chan struct{}),
	}
}

// port returns the open port for deviceID
func (c *Client) port(deviceID string) (*openPort, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.ports[deviceID]
	return p, ok
}

func (c *Client) addPort(deviceID string, p *openPort) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ports[deviceID] = p
}

// removePort forgets deviceID and reports whether it was held
func (c *Client) removePort(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ports[deviceID]; !ok {
		return false
	}
	delete(c.ports, deviceID)
	return true
}

// PortCount returns the number of ports the client holds open
func (c *Client) PortCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ports)
}

// closed is signalled once the client has been unregistered
func (c *Client) closed() <-chan struct{} {
	return c.done
}

// ConnectionManager tracks connected clients
type ConnectionManager struct {
	clients map[string]*Client
	mutex   sync.RWMutex
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		clients: make(map[string]*Client),
	}
}

// Register registers a new client
func (cm *ConnectionManager) Register(client *Client) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.clients[client.ID] = client
}

// Unregister removes a client and reports whether it was registered
func (cm *ConnectionManager) Unregister(client *Client) bool {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if _, ok := cm.clients[client.ID]; !ok {
		return false
	}
	delete(cm.clients, client.ID)
	client.closeOnce.Do(func() { close(client.done) })
	return true
}

// Count returns the number of connected clients
func (cm *ConnectionManager) Count() int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return len(cm.clients)
}

// GetStats returns connection statistics
func (cm *ConnectionManager) GetStats() *ConnectionStats {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	stats := &ConnectionStats{
		TotalConnections: len(cm.clients),
		Clients:          make([]*Client, 0, len(cm.clients)),
	}

	for _, client := range cm.clients {
		stats.OpenPorts += client.PortCount()
		stats.Clients = append(stats.Clients, client)
	}

	return stats
}

// ConnectionStats represents connection statistics
type ConnectionStats struct {
	TotalConnections int       `json:"total_connections"`
	OpenPorts        int       `json:"open_ports"`
	Clients          []*Client `json:"clients"`
}
