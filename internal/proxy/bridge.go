// ABOUTME: The edge proxy's single outbound leg to the relay: dial loop with
// ABOUTME: fixed backoff, frame pump, and the local correlation table.

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/gatewise/gatewise/internal/config"
	"github.com/gatewise/gatewise/internal/pending"
	"github.com/gatewise/gatewise/internal/wire"
)

// ErrBridgeDown is returned when a dispatch is attempted while the relay
// connection is not open. No frame is sent.
var ErrBridgeDown = errors.New("relay connection is down")

// Dispatcher is the interface the front door uses to tunnel a request. It is
// satisfied by *Bridge and faked in tests.
type Dispatcher interface {
	Dispatch(ctx context.Context, tenantID, deviceID string, target wire.Target, timeout time.Duration) (*pending.Response, error)
}

// Bridge maintains exactly one outbound connection to the relay router,
// authenticated as an edge-proxy peer. Reconnects run forever with a fixed
// delay; only the first attempt's outcome is reported to the caller.
type Bridge struct {
	cfg    config.RelayLink
	logger *slog.Logger

	pending *pending.Table

	mu   sync.Mutex
	conn *websocket.Conn

	firstConnect chan error
	firstOnce    sync.Once
	connected    atomic.Bool
}

func NewBridge(cfg config.RelayLink, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bridge")
	return &Bridge{
		cfg:          cfg,
		logger:       logger,
		pending:      pending.NewTable(logger),
		firstConnect: make(chan error, 1),
	}
}

// Start runs the connect/reconnect loop until ctx is canceled and returns
// the outcome of the first connection attempt. Later reconnects are silent.
func (b *Bridge) Start(ctx context.Context) error {
	go b.run(ctx)

	select {
	case err := <-b.firstConnect:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected reports whether the relay leg is currently open.
func (b *Bridge) Connected() bool {
	return b.connected.Load()
}

func (b *Bridge) run(ctx context.Context) {
	// Min == Max gives a fixed delay with no growth between attempts.
	delay := &backoff.Backoff{
		Min:    b.cfg.ReconnectDelay,
		Max:    b.cfg.ReconnectDelay,
		Jitter: false,
	}

	for {
		err := b.connectAndPump(ctx)
		b.firstOnce.Do(func() { b.firstConnect <- err })
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			b.logger.Warn("relay connection lost", "error", err, "retry_in", b.cfg.ReconnectDelay)
		}

		select {
		case <-time.After(delay.Duration()):
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) connectAndPump(ctx context.Context) error {
	header := http.Header{}
	header.Set("X-Gatewise-Peer", "edge-proxy")
	header.Set("X-Gatewise-Secret", b.cfg.PeerSecret)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, b.cfg.URL, header)
	cancel()
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	b.connected.Store(true)
	b.logger.Info("connected to relay", "url", b.cfg.URL)

	defer func() {
		b.connected.Store(false)
		b.mu.Lock()
		b.conn = nil
		b.mu.Unlock()
		conn.Close()
	}()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := wire.Decode(data)
		if err != nil {
			b.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		b.handleFrame(frame)
	}
}

func (b *Bridge) handleFrame(frame wire.Frame) {
	switch f := frame.(type) {
	case *wire.HTTPResponseStart:
		b.pending.Start(f.RequestID, f.StatusCode, f.Headers)
	case *wire.HTTPResponseChunk:
		b.pending.AppendChunk(f.RequestID, f.Data)
	case *wire.HTTPResponseEnd:
		b.pending.Finish(f.RequestID)
	case *wire.HTTPResponseError:
		b.pending.Fail(f.RequestID, f.Error)
	case *wire.Ping:
		if err := b.send(&wire.Pong{TS: f.TS}); err != nil {
			b.logger.Debug("pong write failed", "error", err)
		}
	default:
		b.logger.Warn("unexpected frame from relay", "type", fmt.Sprintf("%T", frame))
	}
}

func (b *Bridge) send(f wire.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return ErrBridgeDown
	}
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	return b.conn.WriteMessage(websocket.TextMessage, data)
}

// Dispatch tunnels one HTTP call through the relay and waits for the
// reassembled response. Fails fast when the relay leg is down.
func (b *Bridge) Dispatch(ctx context.Context, tenantID, deviceID string, target wire.Target, timeout time.Duration) (*pending.Response, error) {
	if !b.connected.Load() {
		return nil, ErrBridgeDown
	}

	requestID := uuid.New().String()
	call := b.pending.Add(requestID, timeout)

	req := &wire.HTTPRequest{
		RequestID: requestID,
		TenantID:  tenantID,
		DeviceID:  deviceID,
		Target:    target,
		TimeoutMs: timeout.Milliseconds(),
	}
	if err := b.send(req); err != nil {
		b.pending.Remove(requestID)
		return nil, err
	}
	return call.Wait(ctx)
}
