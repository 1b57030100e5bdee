// ABOUTME: Correlation table for in-flight tunneled HTTP calls.
// ABOUTME: Tracks one entry per request id until a terminal frame or deadline.

package pending

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrRequestTimeout is returned when a request's deadline elapses before a
// terminal frame arrives.
var ErrRequestTimeout = errors.New("request timed out")

// RemoteError carries the error string from an HTTP_RESPONSE_ERROR frame.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return "remote error: " + e.Msg }

// Response is a fully reassembled device response.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

type result struct {
	resp *Response
	err  error
}

type entry struct {
	statusCode int
	headers    map[string]string
	chunks     [][]byte
	timer      *time.Timer
	done       chan result
}

// Call is the caller's handle on one pending request.
type Call struct {
	done <-chan result
}

// Wait blocks until the request resolves, fails, times out, or the context is
// canceled.
func (c *Call) Wait(ctx context.Context) (*Response, error) {
	select {
	case r := <-c.done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Table owns all pending entries for one process. Entries are removed on both
// the success and the timeout path; ids are never reused, so frames arriving
// after removal are no-ops.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  *slog.Logger
}

// NewTable creates an empty correlation table.
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Add registers a pending request with its own deadline and returns the
// caller's handle. No cancellation is sent upstream on expiry; the far side
// may still finish work whose frames will simply be dropped.
func (t *Table) Add(requestID string, timeout time.Duration) *Call {
	done := make(chan result, 1)
	e := &entry{done: done}
	e.timer = time.AfterFunc(timeout, func() {
		t.expire(requestID)
	})

	t.mu.Lock()
	t.entries[requestID] = e
	t.mu.Unlock()

	return &Call{done: done}
}

// Remove drops a pending entry without resolving it, for callers that failed
// to dispatch after registering.
func (t *Table) Remove(requestID string) {
	t.mu.Lock()
	e, ok := t.entries[requestID]
	if ok {
		delete(t.entries, requestID)
	}
	t.mu.Unlock()
	if ok {
		e.timer.Stop()
	}
}

// Start records the status line and headers of a response.
func (t *Table) Start(requestID string, statusCode int, headers map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[requestID]
	if !ok {
		return
	}
	e.statusCode = statusCode
	e.headers = headers
}

// AppendChunk accumulates one decoded body fragment in arrival order.
func (t *Table) AppendChunk(requestID string, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[requestID]
	if !ok {
		return
	}
	e.chunks = append(e.chunks, data)
}

// Finish concatenates the accumulated fragments and resolves the caller.
// A response whose start frame carried no headers resolves with an empty map,
// never a nil one.
func (t *Table) Finish(requestID string) {
	e := t.take(requestID)
	if e == nil {
		return
	}
	if e.headers == nil {
		e.headers = make(map[string]string)
	}

	var size int
	for _, c := range e.chunks {
		size += len(c)
	}
	body := make([]byte, 0, size)
	for _, c := range e.chunks {
		body = append(body, c...)
	}

	e.done <- result{resp: &Response{
		StatusCode: e.statusCode,
		Headers:    e.headers,
		Body:       body,
	}}
}

// Fail rejects the caller with the error reported by the far side.
func (t *Table) Fail(requestID, msg string) {
	e := t.take(requestID)
	if e == nil {
		return
	}
	e.done <- result{err: &RemoteError{Msg: msg}}
}

// Len reports the number of in-flight entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// take removes and returns an entry, stopping its timer. Returns nil when the
// id is unknown, which makes late or duplicate terminal frames idempotent.
func (t *Table) take(requestID string) *entry {
	t.mu.Lock()
	e, ok := t.entries[requestID]
	if ok {
		delete(t.entries, requestID)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	e.timer.Stop()
	return e
}

func (t *Table) expire(requestID string) {
	t.mu.Lock()
	e, ok := t.entries[requestID]
	if ok {
		delete(t.entries, requestID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	t.logger.Debug("pending request timed out", "request_id", requestID)
	e.done <- result{err: ErrRequestTimeout}
}
