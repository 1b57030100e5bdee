// ABOUTME: Tests for the heartbeat monitor.
// ABOUTME: Validates ping emission and stale-connection eviction.

package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewise/gatewise/internal/wire"
)

type dropRecorder struct {
	mu      sync.Mutex
	dropped []*AgentConn
	reasons []string
}

func (d *dropRecorder) drop(conn *AgentConn, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !conn.markDropped() {
		return
	}
	d.dropped = append(d.dropped, conn)
	d.reasons = append(d.reasons, reason)
}

func (d *dropRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dropped)
}

func TestHeartbeatSweep(t *testing.T) {
	t.Run("fresh agent gets a ping", func(t *testing.T) {
		reg := NewRegistry(nil)
		conn, sock := newTestAgent("agent-1", "tenant-1")
		reg.RegisterAgent(conn)

		rec := &dropRecorder{}
		hb := NewHeartbeat(reg, time.Minute, time.Hour, rec.drop, nil)
		hb.sweep()

		assert.Equal(t, 0, rec.count())
		frames := sock.frames(t)
		require.Len(t, frames, 1)
		assert.IsType(t, &wire.Ping{}, frames[0])
	})

	t.Run("stale agent is dropped not pinged", func(t *testing.T) {
		reg := NewRegistry(nil)
		conn, sock := newTestAgent("agent-1", "tenant-1")
		reg.RegisterAgent(conn)
		conn.lastSeen.Store(time.Now().Add(-time.Hour).UnixNano())

		rec := &dropRecorder{}
		hb := NewHeartbeat(reg, time.Minute, 90*time.Second, rec.drop, nil)
		hb.sweep()

		assert.Equal(t, 1, rec.count())
		assert.Equal(t, "heartbeat timeout", rec.reasons[0])
		assert.Empty(t, sock.frames(t))
	})

	t.Run("drop fires exactly once across repeated sweeps", func(t *testing.T) {
		reg := NewRegistry(nil)
		conn, _ := newTestAgent("agent-1", "tenant-1")
		reg.RegisterAgent(conn)
		conn.lastSeen.Store(time.Now().Add(-time.Hour).UnixNano())

		rec := &dropRecorder{}
		hb := NewHeartbeat(reg, time.Minute, 90*time.Second, rec.drop, nil)
		hb.sweep()
		hb.sweep()
		hb.sweep()

		assert.Equal(t, 1, rec.count())
	})

	t.Run("inbound frame refreshes liveness", func(t *testing.T) {
		reg := NewRegistry(nil)
		conn, _ := newTestAgent("agent-1", "tenant-1")
		reg.RegisterAgent(conn)
		conn.lastSeen.Store(time.Now().Add(-time.Hour).UnixNano())

		conn.Touch()

		rec := &dropRecorder{}
		hb := NewHeartbeat(reg, time.Minute, 90*time.Second, rec.drop, nil)
		hb.sweep()

		assert.Equal(t, 0, rec.count())
	})
}
