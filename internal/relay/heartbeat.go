// ABOUTME: Periodic liveness probing of registered agent connections.
// ABOUTME: Evicts agents that miss the stale window and pings the rest.

package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/gatewise/gatewise/internal/wire"
)

// Heartbeat probes every registered agent on a fixed interval. Agents whose
// last liveness signal is older than staleAfter are closed and evicted; the
// rest receive a PING frame. Probing never blocks on a pending request.
type Heartbeat struct {
	registry   *Registry
	interval   time.Duration
	staleAfter time.Duration
	drop       func(conn *AgentConn, reason string)
	logger     *slog.Logger
}

// NewHeartbeat creates a monitor over the given registry. drop is invoked for
// each evicted agent and owns close/deregister/mark-offline.
func NewHeartbeat(registry *Registry, interval, staleAfter time.Duration, drop func(conn *AgentConn, reason string), logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		registry:   registry,
		interval:   interval,
		staleAfter: staleAfter,
		drop:       drop,
		logger:     logger,
	}
}

// Run probes until the context is canceled.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Heartbeat) sweep() {
	now := time.Now()
	for _, conn := range h.registry.Agents() {
		if now.Sub(conn.LastSeen()) > h.staleAfter {
			h.logger.Warn("agent missed liveness window",
				"agent_id", conn.AgentID,
				"last_seen", conn.LastSeen(),
			)
			h.drop(conn, "heartbeat timeout")
			continue
		}
		if err := conn.Send(&wire.Ping{TS: now.UnixMilli()}); err != nil {
			h.logger.Debug("ping failed", "agent_id", conn.AgentID, "error", err)
		}
	}
}
