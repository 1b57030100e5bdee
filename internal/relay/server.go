// ABOUTME: WebSocket endpoint of the relay: agent and edge-proxy handshakes,
// ABOUTME: read loops, and liveness-driven disconnect handling.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gatewise/gatewise/internal/auth"
	"github.com/gatewise/gatewise/internal/config"
	"github.com/gatewise/gatewise/internal/pending"
	"github.com/gatewise/gatewise/internal/store"
	"github.com/gatewise/gatewise/internal/wire"
)

// Close codes sent to agents and peers whose handshake is rejected.
const (
	CloseMissingAuth      = 4001
	CloseInvalidToken     = 4002
	CloseWrongTokenType   = 4003
	CloseIdentityMismatch = 4004
	ClosePeerRejected     = 4005
)

const (
	headerPeer   = "X-Gatewise-Peer"
	headerSecret = "X-Gatewise-Secret"

	peerKindEdgeProxy = "edge-proxy"
)

// Server owns the relay's listening socket and everything behind it: the
// connection registry, the heartbeat monitor, the origin table for
// peer-forwarded requests, and the pending table for direct calls.
type Server struct {
	cfg        *config.Relay
	verifier   *auth.Verifier
	connectors store.ConnectorStore

	registry  *Registry
	pending   *pending.Table
	origins   *originTable
	heartbeat *Heartbeat
	upgrader  websocket.Upgrader
	httpSrv   *http.Server

	logger *slog.Logger
}

func NewServer(cfg *config.Relay, connectors store.ConnectorStore, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "relay")

	verifier, err := auth.NewVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("relay auth: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		verifier:   verifier,
		connectors: connectors,
		registry:   NewRegistry(logger),
		pending:    pending.NewTable(logger),
		origins:    newOriginTable(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
	s.heartbeat = NewHeartbeat(s.registry, cfg.Agents.HeartbeatInterval, cfg.Agents.StaleAfter, s.dropAgent, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/connect", s.handleConnect)
	mux.HandleFunc("/health", s.handleHealth)
	s.httpSrv = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Run serves until ctx is canceled, then shuts the listener down and closes
// every live connection.
func (s *Server) Run(ctx context.Context) error {
	go s.heartbeat.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("relay server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, conn := range s.registry.Agents() {
		s.dropAgent(conn, "server shutting down")
	}
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","agents":%d}`, len(s.registry.Agents()))
}

// handleConnect upgrades the socket first so a rejection can carry a close
// code the remote end actually sees, then branches on the declared peer kind.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	peerKind := r.Header.Get(headerPeer)
	authHeader := r.Header.Get("Authorization")
	peerSecret := r.Header.Get(headerSecret)

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	if peerKind != "" {
		s.servePeer(sock, peerKind, peerSecret, r.RemoteAddr)
		return
	}
	s.serveAgent(sock, authHeader, r.RemoteAddr)
}

func (s *Server) serveAgent(sock *websocket.Conn, authHeader, remote string) {
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || token == "" {
		s.rejectSocket(sock, CloseMissingAuth, "missing authorization")
		return
	}

	claims, err := s.verifier.VerifyAgentToken(token)
	if err != nil {
		code := CloseInvalidToken
		if errors.Is(err, auth.ErrWrongTokenType) {
			code = CloseWrongTokenType
		}
		s.logger.Warn("agent token rejected", "remote", remote, "error", err)
		s.rejectSocket(sock, code, "invalid token")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	rec, err := s.connectors.GetConnector(ctx, claims.AgentID)
	cancel()
	if err != nil || rec.TenantID != claims.TenantID {
		s.logger.Warn("agent identity mismatch",
			"agent_id", claims.AgentID,
			"tenant_id", claims.TenantID,
			"error", err,
		)
		s.rejectSocket(sock, CloseIdentityMismatch, "unknown agent")
		return
	}

	conn := NewAgentConn(claims.AgentID, claims.TenantID, claims.OwnerID, sock, s.logger)
	if superseded := s.registry.RegisterAgent(conn); superseded != nil {
		// A replacement socket wins; the old one is told to go away so it
		// does not linger half-dead behind a NAT.
		superseded.markDropped()
		superseded.close(websocket.ClosePolicyViolation, "superseded by new connection")
	}
	s.markOnline(conn.AgentID, true)
	s.logger.Info("agent connected", "agent_id", conn.AgentID, "tenant_id", conn.TenantID, "remote", remote)

	s.readAgentFrames(conn)
}

func (s *Server) servePeer(sock *websocket.Conn, kind, secret, remote string) {
	if kind != peerKindEdgeProxy || !auth.SecretsEqual(secret, s.cfg.Auth.PeerSecret) {
		s.logger.Warn("peer handshake rejected", "kind", kind, "remote", remote)
		s.rejectSocket(sock, ClosePeerRejected, "peer not authorized")
		return
	}

	peer := NewPeer(uuid.New().String(), sock, s.logger)
	s.registry.RegisterPeer(peer)
	s.logger.Info("edge proxy connected", "peer_id", peer.ID, "remote", remote)

	s.readPeerFrames(peer)
}

func (s *Server) rejectSocket(sock *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(2 * time.Second)
	if err := sock.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		s.logger.Debug("writing close frame failed", "error", err)
	}
	sock.Close()
}

// readAgentFrames pumps the agent socket until it dies. Every decodable frame
// counts as liveness; response frames are routed, pings answered, anything
// else dropped.
func (s *Server) readAgentFrames(conn *AgentConn) {
	defer s.dropAgent(conn, "connection closed")

	for {
		_, data, err := conn.sock.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				conn.logger.Debug("agent read error", "error", err)
			}
			return
		}

		frame, err := wire.Decode(data)
		if err != nil {
			conn.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		conn.Touch()

		switch f := frame.(type) {
		case *wire.Ping:
			if err := conn.Send(&wire.Pong{TS: f.TS}); err != nil {
				return
			}
		case *wire.Pong:
			// Touch above already refreshed liveness.
		case *wire.HTTPResponseStart, *wire.HTTPResponseChunk, *wire.HTTPResponseEnd, *wire.HTTPResponseError:
			s.routeResponse(conn, frame)
		default:
			conn.logger.Warn("unexpected frame from agent", "type", fmt.Sprintf("%T", frame))
		}
	}
}

// readPeerFrames pumps an edge-proxy socket. Peers only ever originate
// requests and answer pings.
func (s *Server) readPeerFrames(peer *Peer) {
	defer func() {
		s.registry.UnregisterPeer(peer)
		peer.close(websocket.CloseNormalClosure, "")
		s.logger.Info("edge proxy disconnected", "peer_id", peer.ID)
	}()

	for {
		_, data, err := peer.sock.ReadMessage()
		if err != nil {
			return
		}

		frame, err := wire.Decode(data)
		if err != nil {
			peer.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}

		switch f := frame.(type) {
		case *wire.HTTPRequest:
			s.routeHTTPRequest(peer, f)
		case *wire.Ping:
			if err := peer.Send(&wire.Pong{TS: f.TS}); err != nil {
				return
			}
		default:
			peer.logger.Warn("unexpected frame from peer", "type", fmt.Sprintf("%T", frame))
		}
	}
}

// dropAgent tears down an agent connection exactly once: whichever of the
// read loop, the heartbeat sweep, or shutdown gets here first owns the
// deregistration and the offline mark.
func (s *Server) dropAgent(conn *AgentConn, reason string) {
	if !conn.markDropped() {
		return
	}
	conn.close(websocket.CloseGoingAway, reason)
	s.registry.UnregisterAgent(conn)
	s.markOnline(conn.AgentID, false)
	s.logger.Info("agent disconnected", "agent_id", conn.AgentID, "reason", reason)
}

func (s *Server) markOnline(agentID string, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.connectors.SetConnectorOnline(ctx, agentID, online); err != nil {
		s.logger.Error("updating connector online state failed",
			"agent_id", agentID,
			"online", online,
			"error", err,
		)
	}
}
