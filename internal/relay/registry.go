// ABOUTME: Registry of live agent and edge-proxy connections.
// ABOUTME: Answers "is agent X reachable" and resolves a tenant to an online agent.

package relay

import (
	"errors"
	"log/slog"
	"sync"
)

// Registry errors
var (
	ErrAgentNotFound = errors.New("agent not connected")
	ErrNoAgentOnline = errors.New("no agent online for tenant")
)

// Registry tracks all live connections owned by one relay process. All
// mutations are atomic with respect to concurrent connection handlers.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*AgentConn
	peers  map[string]*Peer
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents: make(map[string]*AgentConn),
		peers:  make(map[string]*Peer),
		logger: logger,
	}
}

// RegisterAgent adds a new agent connection, returning any superseded
// connection with the same agent id. The superseded socket is the caller's to
// force-close; two live sockets must never both count as "the" agent.
func (r *Registry) RegisterAgent(conn *AgentConn) (superseded *AgentConn) {
	r.mu.Lock()
	superseded = r.agents[conn.AgentID]
	r.agents[conn.AgentID] = conn
	total := len(r.agents)
	r.mu.Unlock()

	r.logger.Info("agent connected",
		"agent_id", conn.AgentID,
		"tenant_id", conn.TenantID,
		"total_agents", total,
	)
	return superseded
}

// UnregisterAgent removes an agent connection, but only if the given
// connection is still the registered one; a superseded socket closing late
// must not evict its replacement.
func (r *Registry) UnregisterAgent(conn *AgentConn) bool {
	r.mu.Lock()
	current, ok := r.agents[conn.AgentID]
	if ok && current == conn {
		delete(r.agents, conn.AgentID)
	} else {
		ok = false
	}
	total := len(r.agents)
	r.mu.Unlock()

	if ok {
		r.logger.Info("agent disconnected",
			"agent_id", conn.AgentID,
			"tenant_id", conn.TenantID,
			"total_agents", total,
		)
	}
	return ok
}

// Agent retrieves a specific agent connection by id.
func (r *Registry) Agent(agentID string) (*AgentConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.agents[agentID]
	return conn, ok
}

// AgentForTenant returns an online agent connection serving the tenant, or
// nil when the tenant has none.
func (r *Registry) AgentForTenant(tenantID string) *AgentConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, conn := range r.agents {
		if conn.TenantID == tenantID {
			return conn
		}
	}
	return nil
}

// Agents returns a snapshot of all live agent connections.
func (r *Registry) Agents() []*AgentConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentConn, 0, len(r.agents))
	for _, conn := range r.agents {
		out = append(out, conn)
	}
	return out
}

// RegisterPeer adds an edge-proxy peer connection.
func (r *Registry) RegisterPeer(p *Peer) {
	r.mu.Lock()
	r.peers[p.ID] = p
	total := len(r.peers)
	r.mu.Unlock()

	r.logger.Info("edge peer connected", "peer_id", p.ID, "total_peers", total)
}

// UnregisterPeer removes an edge-proxy peer connection.
func (r *Registry) UnregisterPeer(p *Peer) {
	r.mu.Lock()
	delete(r.peers, p.ID)
	total := len(r.peers)
	r.mu.Unlock()

	r.logger.Info("edge peer disconnected", "peer_id", p.ID, "total_peers", total)
}
