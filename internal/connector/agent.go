// ABOUTME: On-premise connector agent: dials the relay, answers pings and
// ABOUTME: executes tunneled HTTP requests against LAN devices.

package connector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/gatewise/gatewise/internal/config"
	"github.com/gatewise/gatewise/internal/wire"
)

// chunkSize bounds a single response chunk frame. Device UIs ship multi-MB
// firmware pages, so bodies are streamed rather than sent whole.
const chunkSize = 64 * 1024

const defaultRequestTimeout = 30 * time.Second

// frameSender abstracts the write half of the relay socket so request
// execution can be tested without a live connection.
type frameSender interface {
	sendFrame(f wire.Frame) error
}

// Agent is the connector process core: one outbound relay connection,
// reconnected forever, and an HTTP client for the device side.
type Agent struct {
	cfg    config.ConnectorLink
	client *http.Client
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewAgent(cfg config.ConnectorLink, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg: cfg,
		client: &http.Client{
			// Redirects are surfaced to the browser so the rewrite engine
			// can re-scope the Location header.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger.With("component", "connector"),
	}
}

// Run dials the relay and serves frames until ctx is canceled, reconnecting
// with a fixed delay after any disconnect.
func (a *Agent) Run(ctx context.Context) error {
	delay := &backoff.Backoff{
		Min:    a.cfg.ReconnectDelay,
		Max:    a.cfg.ReconnectDelay,
		Jitter: false,
	}

	for {
		if err := a.connectAndServe(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("relay connection lost", "error", err, "retry_in", a.cfg.ReconnectDelay)
		}
		select {
		case <-time.After(delay.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Agent) connectAndServe(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.cfg.Token)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, a.cfg.URL, header)
	cancel()
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	a.logger.Info("connected to relay", "url", a.cfg.URL)

	defer func() {
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
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
			a.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}

		switch f := frame.(type) {
		case *wire.Ping:
			if err := a.sendFrame(&wire.Pong{TS: f.TS}); err != nil {
				return err
			}
		case *wire.HTTPRequest:
			go a.execute(ctx, f)
		default:
			a.logger.Warn("unexpected frame from relay", "type", fmt.Sprintf("%T", frame))
		}
	}
}

func (a *Agent) sendFrame(f wire.Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("relay connection is down")
	}
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

// execute performs one tunneled HTTP call against a device and streams the
// response back as start/chunk/end frames. Any failure collapses into a
// single error frame.
func (a *Agent) execute(ctx context.Context, req *wire.HTTPRequest) {
	a.executeTo(ctx, a, req)
}

func (a *Agent) executeTo(ctx context.Context, sink frameSender, req *wire.HTTPRequest) {
	timeout := defaultRequestTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := a.logger.With("request_id", req.RequestID, "device_id", req.DeviceID)

	resp, err := a.deviceRequest(reqCtx, req.Target)
	if err != nil {
		logger.Warn("device request failed", "error", err)
		a.sendError(sink, req.RequestID, err.Error())
		return
	}
	defer resp.Body.Close()

	headers := make(map[string]string, len(resp.Header))
	for k, vs := range resp.Header {
		if len(vs) > 0 {
			headers[k] = vs[0]
		}
	}

	if err := sink.sendFrame(&wire.HTTPResponseStart{
		RequestID:  req.RequestID,
		StatusCode: resp.StatusCode,
		Headers:    headers,
	}); err != nil {
		logger.Debug("writing response start failed", "error", err)
		return
	}

	buf := make([]byte, chunkSize)
	index := 0
	for {
		n, readErr := io.ReadFull(resp.Body, buf)
		if n > 0 {
			chunk := &wire.HTTPResponseChunk{
				RequestID: req.RequestID,
				Data:      append([]byte(nil), buf[:n]...),
				Index:     index,
			}
			if err := sink.sendFrame(chunk); err != nil {
				logger.Debug("writing response chunk failed", "error", err)
				return
			}
			index++
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			logger.Warn("reading device response failed", "error", readErr)
			a.sendError(sink, req.RequestID, "reading device response: "+readErr.Error())
			return
		}
	}

	if err := sink.sendFrame(&wire.HTTPResponseEnd{RequestID: req.RequestID}); err != nil {
		logger.Debug("writing response end failed", "error", err)
	}
	logger.Debug("request completed", "status", resp.StatusCode, "chunks", index)
}

func (a *Agent) deviceRequest(ctx context.Context, target wire.Target) (*http.Response, error) {
	url := target.BaseURL + target.Path
	var body io.Reader
	if len(target.Body) > 0 {
		body = bytes.NewReader(target.Body)
	}

	req, err := http.NewRequestWithContext(ctx, target.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("building device request: %w", err)
	}
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling device: %w", err)
	}
	return resp, nil
}

func (a *Agent) sendError(sink frameSender, requestID, msg string) {
	if err := sink.sendFrame(&wire.HTTPResponseError{RequestID: requestID, Error: msg}); err != nil {
		a.logger.Debug("writing error frame failed", "error", err)
	}
}
