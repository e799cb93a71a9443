package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one WebSocket client with a write mutex that serializes
// outbound frames.
type Connection struct {
	ID        string    // connection ID (UUID)
	Conn      net.Conn  // connection the server reads from and writes to
	Principal Principal // authenticated user, set before OnConnect
	CreatedAt time.Time

	lastSeen   atomic.Int64 // unix nanos of the last frame read
	writeMu    sync.Mutex
	processing int32 // atomic flag: 0 = idle, 1 = being read by handleConn
}

func newConnection(id string, conn net.Conn, p Principal) *Connection {
	c := &Connection{ID: id, Conn: conn, Principal: p, CreatedAt: time.Now()}
	c.Touch()
	return c
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last recorded activity.
func (c *Connection) LastSeen() time.Time {
	n := c.lastSeen.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// WriteMessage sends a WebSocket text frame. The write mutex keeps
// concurrent writers from interleaving frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// WriteClose sends a close frame with the given status code.
func (c *Connection) WriteClose(code ws.StatusCode, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of connections, indexed by ID
// and by the net.Conn the poller reports.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove unregisters a connection by ID and closes it. It returns false if
// the connection was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection registered for c, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
