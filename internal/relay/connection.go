// ABOUTME: Live connections accepted by the relay router.
// ABOUTME: Agent connections carry identity and liveness; peers carry in-flight requests.

package relay

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gatewise/gatewise/internal/wire"
)

// socket is the subset of *websocket.Conn the relay uses, so tests can
// substitute a fake.
type socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// AgentConn is one registered connector agent connection. Exactly one entry
// per agent id is alive in the registry at any time.
type AgentConn struct {
	AgentID  string
	TenantID string
	OwnerID  string

	sock     socket
	writeMu  sync.Mutex
	lastSeen atomic.Int64 // unix nanos
	dropped  atomic.Bool
	logger   *slog.Logger
}

// NewAgentConn wraps an authenticated agent socket.
func NewAgentConn(agentID, tenantID, ownerID string, sock socket, logger *slog.Logger) *AgentConn {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("agent_id", agentID)
	c := &AgentConn{
		AgentID:  agentID,
		TenantID: tenantID,
		OwnerID:  ownerID,
		sock:     sock,
		logger:   logger,
	}
	c.Touch()
	return c
}

// Send writes one frame to the agent. Safe for concurrent use.
func (c *AgentConn) Send(f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sock.WriteMessage(websocket.TextMessage, data)
}

// Touch refreshes the liveness timestamp. Any inbound frame counts as a
// liveness signal.
func (c *AgentConn) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last inbound frame.
func (c *AgentConn) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// markDropped flips the connection to dropped exactly once; the first caller
// owns the deregistration side effects.
func (c *AgentConn) markDropped() bool {
	return c.dropped.CompareAndSwap(false, true)
}

// close sends a close frame with the given code and closes the socket.
func (c *AgentConn) close(code int, reason string) {
	c.writeMu.Lock()
	_ = c.sock.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.writeMu.Unlock()
	_ = c.sock.Close()
}

// Peer is one trusted edge-proxy connection. Peers are not tenant-scoped and
// may have many requests in flight simultaneously.
type Peer struct {
	ID string

	sock    socket
	writeMu sync.Mutex
	logger  *slog.Logger
}

// NewPeer wraps an authenticated edge-proxy socket.
func NewPeer(id string, sock socket, logger *slog.Logger) *Peer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("peer_id", id)
	return &Peer{
		ID:     id,
		sock:   sock,
		logger: logger,
	}
}

// Send writes one frame to the peer. Safe for concurrent use.
func (p *Peer) Send(f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.sock.WriteMessage(websocket.TextMessage, data)
}

func (p *Peer) close(code int, reason string) {
	p.writeMu.Lock()
	_ = p.sock.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	p.writeMu.Unlock()
	_ = p.sock.Close()
}
