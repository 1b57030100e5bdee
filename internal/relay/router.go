// ABOUTME: Frame routing between edge peers, connector agents and direct callers.
// ABOUTME: Origin tracking by request id plus the relay's own correlation table.

package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatewise/gatewise/internal/config"
	"github.com/gatewise/gatewise/internal/pending"
	"github.com/gatewise/gatewise/internal/wire"
)

// originTable records which peer must receive the response frames for a
// request id. Entries are cleared on the terminal frame, and each carries its
// own deadline timer so requests whose peer or agent vanished mid-flight do
// not accumulate forever.
type originTable struct {
	mu        sync.Mutex
	byRequest map[string]*originEntry
}

type originEntry struct {
	peer  *Peer
	timer *time.Timer
}

func newOriginTable() *originTable {
	return &originTable{byRequest: make(map[string]*originEntry)}
}

func (o *originTable) put(requestID string, p *Peer, ttl time.Duration) {
	e := &originEntry{peer: p}
	e.timer = time.AfterFunc(ttl, func() {
		o.remove(requestID)
	})

	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.byRequest[requestID]; ok {
		prev.timer.Stop()
	}
	o.byRequest[requestID] = e
}

// lookup returns the recorded origin and clears the record when the frame is
// terminal.
func (o *originTable) lookup(requestID string, terminal bool) *Peer {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.byRequest[requestID]
	if !ok {
		return nil
	}
	if terminal {
		e.timer.Stop()
		delete(o.byRequest, requestID)
	}
	return e.peer
}

func (o *originTable) remove(requestID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.byRequest[requestID]; ok {
		e.timer.Stop()
		delete(o.byRequest, requestID)
	}
}

func (o *originTable) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.byRequest)
}

// routeHTTPRequest forwards a peer's request to an online agent for its
// tenant, or synthesizes an error frame back immediately. No pending entry is
// created for peer-originated requests; the peer keeps its own.
func (s *Server) routeHTTPRequest(p *Peer, req *wire.HTTPRequest) {
	agent := s.registry.AgentForTenant(req.TenantID)
	if agent == nil {
		s.logger.Warn("no agent online for tenant",
			"tenant_id", req.TenantID,
			"request_id", req.RequestID,
		)
		s.sendErrorToPeer(p, req.RequestID, ErrNoAgentOnline.Error())
		return
	}

	ttl := time.Duration(req.TimeoutMs) * time.Millisecond
	if ttl <= 0 {
		ttl = config.DefaultRequestTimeout
	}
	s.origins.put(req.RequestID, p, ttl)
	if err := agent.Send(req); err != nil {
		s.origins.remove(req.RequestID)
		s.logger.Error("forwarding request to agent failed",
			"agent_id", agent.AgentID,
			"request_id", req.RequestID,
			"error", err,
		)
		s.sendErrorToPeer(p, req.RequestID, "agent unreachable: "+err.Error())
	}
}

func (s *Server) sendErrorToPeer(p *Peer, requestID, msg string) {
	if err := p.Send(&wire.HTTPResponseError{RequestID: requestID, Error: msg}); err != nil {
		s.logger.Debug("writing error frame to peer failed", "peer_id", p.ID, "error", err)
	}
}

// routeResponse forwards a response frame from an agent to the peer that
// originated the request, or resolves one of the relay's own direct calls.
// Frames for unknown request ids are dropped.
func (s *Server) routeResponse(agent *AgentConn, f wire.Frame) {
	requestID := wire.RequestID(f)
	if requestID == "" {
		return
	}

	if p := s.origins.lookup(requestID, wire.Terminal(f)); p != nil {
		if err := p.Send(f); err != nil {
			s.logger.Debug("forwarding response to peer failed",
				"peer_id", p.ID,
				"request_id", requestID,
				"error", err,
			)
		}
		return
	}

	switch v := f.(type) {
	case *wire.HTTPResponseStart:
		s.pending.Start(requestID, v.StatusCode, v.Headers)
	case *wire.HTTPResponseChunk:
		s.pending.AppendChunk(requestID, v.Data)
	case *wire.HTTPResponseEnd:
		s.pending.Finish(requestID)
	case *wire.HTTPResponseError:
		s.pending.Fail(requestID, v.Error)
	}
}

// SendHTTPRequest performs one tunneled call to a specific agent and waits
// for the reassembled response. Fails immediately when the agent is not
// connected; otherwise resolves, rejects with the agent's reported error, or
// times out.
func (s *Server) SendHTTPRequest(ctx context.Context, agentID string, target wire.Target, timeout time.Duration) (*pending.Response, error) {
	agent, ok := s.registry.Agent(agentID)
	if !ok {
		return nil, ErrAgentNotFound
	}

	requestID := uuid.New().String()
	call := s.pending.Add(requestID, timeout)

	req := &wire.HTTPRequest{
		RequestID: requestID,
		TenantID:  agent.TenantID,
		Target:    target,
		TimeoutMs: timeout.Milliseconds(),
	}
	if err := agent.Send(req); err != nil {
		s.pending.Remove(requestID)
		return nil, err
	}

	s.logger.Debug("request dispatched to agent",
		"agent_id", agentID,
		"request_id", requestID,
	)
	return call.Wait(ctx)
}
