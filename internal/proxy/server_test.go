// ABOUTME: Tests for the browser-facing front door.
// ABOUTME: Validates proxying, rewriting, session close, orphan recovery, and error mapping.

package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewise/gatewise/internal/config"
	"github.com/gatewise/gatewise/internal/pending"
	"github.com/gatewise/gatewise/internal/store"
	"github.com/gatewise/gatewise/internal/wire"
)

// fakeDispatcher answers tunneled requests from a canned response or error.
type fakeDispatcher struct {
	mu       sync.Mutex
	requests []wire.Target
	resp     *pending.Response
	err      error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _, _ string, target wire.Target, _ time.Duration) (*pending.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, target)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeDispatcher) lastTarget(t *testing.T) wire.Target {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

type fakeDeviceStore struct {
	devices map[string]*store.Device
}

func (f *fakeDeviceStore) GetDevice(_ context.Context, id string) (*store.Device, error) {
	d, ok := f.devices[id]
	if !ok {
		return nil, store.ErrDeviceNotFound
	}
	return d, nil
}

func newTestServer(dispatcher Dispatcher, sessions store.SessionStore) *Server {
	cfg := &config.Proxy{
		Server: config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Relay:  config.RelayLink{RequestTimeout: time.Second},
	}
	devices := &fakeDeviceStore{devices: map[string]*store.Device{
		"device-1": {ID: "device-1", TenantID: "tenant-1", PrimaryHost: "192.168.1.50"},
	}}
	return NewServer(cfg, dispatcher, sessions, devices, nil)
}

func TestProxySession(t *testing.T) {
	t.Run("proxies and rewrites an html response", func(t *testing.T) {
		dispatcher := &fakeDispatcher{resp: &pending.Response{
			StatusCode: 200,
			Headers:    map[string]string{"Content-Type": "text/html"},
			Body:       []byte("<html><head></head><body><p>door panel</p></body></html>"),
		}}
		srv := newTestServer(dispatcher, newFakeSessionStore(activeSession("abc123")))

		req := httptest.NewRequest(http.MethodGet, "/remote/s/abc123/panel?lang=en", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, 200, rec.Code)
		assert.Contains(t, rec.Body.String(), `<base href="/remote/s/abc123/">`)
		assert.Contains(t, rec.Body.String(), "gatewise-bar")

		target := dispatcher.lastTarget(t)
		assert.Equal(t, "http://192.168.1.50", target.BaseURL)
		assert.Equal(t, "/panel?lang=en", target.Path)
		assert.Equal(t, http.MethodGet, target.Method)
	})

	t.Run("session not found maps to 404", func(t *testing.T) {
		srv := newTestServer(&fakeDispatcher{}, newFakeSessionStore())

		req := httptest.NewRequest(http.MethodGet, "/remote/s/ghost/panel", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("ended session maps to 403", func(t *testing.T) {
		sess := activeSession("abc123")
		sess.Status = store.SessionStatusEnded
		srv := newTestServer(&fakeDispatcher{}, newFakeSessionStore(sess))

		req := httptest.NewRequest(http.MethodGet, "/remote/s/abc123/panel", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, rec.Body.String(), "ended")
	})

	t.Run("expired session maps to 403", func(t *testing.T) {
		sess := activeSession("abc123")
		sess.ExpiresAt = time.Now().Add(-time.Minute)
		srv := newTestServer(&fakeDispatcher{}, newFakeSessionStore(sess))

		req := httptest.NewRequest(http.MethodGet, "/remote/s/abc123/panel", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, rec.Body.String(), "expired")
	})

	t.Run("timeout maps to 504", func(t *testing.T) {
		dispatcher := &fakeDispatcher{err: pending.ErrRequestTimeout}
		srv := newTestServer(dispatcher, newFakeSessionStore(activeSession("abc123")))

		req := httptest.NewRequest(http.MethodGet, "/remote/s/abc123/panel", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	})

	t.Run("bridge down maps to 502", func(t *testing.T) {
		dispatcher := &fakeDispatcher{err: ErrBridgeDown}
		srv := newTestServer(dispatcher, newFakeSessionStore(activeSession("abc123")))

		req := httptest.NewRequest(http.MethodGet, "/remote/s/abc123/panel", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("remote error maps to 502 with diagnostic", func(t *testing.T) {
		dispatcher := &fakeDispatcher{err: &pending.RemoteError{Msg: "connection refused"}}
		srv := newTestServer(dispatcher, newFakeSessionStore(activeSession("abc123")))

		req := httptest.NewRequest(http.MethodGet, "/remote/s/abc123/panel", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Contains(t, rec.Body.String(), "connection refused")
	})

	t.Run("request body and headers are tunneled", func(t *testing.T) {
		dispatcher := &fakeDispatcher{resp: &pending.Response{StatusCode: 204, Headers: map[string]string{}}}
		srv := newTestServer(dispatcher, newFakeSessionStore(activeSession("abc123")))

		req := httptest.NewRequest(http.MethodPost, "/remote/s/abc123/api/unlock", strings.NewReader(`{"door":1}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Connection", "keep-alive")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		target := dispatcher.lastTarget(t)
		assert.Equal(t, []byte(`{"door":1}`), target.Body)
		assert.Equal(t, "application/json", target.Headers["Content-Type"])
		assert.NotContains(t, target.Headers, "Connection")
	})
}

func TestCloseSession(t *testing.T) {
	t.Run("post close ends the session", func(t *testing.T) {
		sessions := newFakeSessionStore(activeSession("abc123"))
		srv := newTestServer(&fakeDispatcher{}, sessions)

		req := httptest.NewRequest(http.MethodPost, "/remote/s/abc123/__close", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"abc123"}, sessions.ended)
	})

	t.Run("closing unknown session returns 404", func(t *testing.T) {
		srv := newTestServer(&fakeDispatcher{}, newFakeSessionStore())

		req := httptest.NewRequest(http.MethodPost, "/remote/s/ghost/__close", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestOrphanRecovery(t *testing.T) {
	t.Run("referer with session prefix redirects", func(t *testing.T) {
		srv := newTestServer(&fakeDispatcher{}, newFakeSessionStore())

		req := httptest.NewRequest(http.MethodGet, "/app.css", nil)
		req.Header.Set("Referer", "https://host/remote/s/abc123/page")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
		assert.Equal(t, "/remote/s/abc123/app.css", rec.Header().Get("Location"))
	})

	t.Run("query string survives the redirect", func(t *testing.T) {
		srv := newTestServer(&fakeDispatcher{}, newFakeSessionStore())

		req := httptest.NewRequest(http.MethodGet, "/api/poll?v=2", nil)
		req.Header.Set("Referer", "https://host/remote/s/abc123/page")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
		assert.Equal(t, "/remote/s/abc123/api/poll?v=2", rec.Header().Get("Location"))
	})

	t.Run("no referer falls through", func(t *testing.T) {
		srv := newTestServer(&fakeDispatcher{}, newFakeSessionStore())

		req := httptest.NewRequest(http.MethodGet, "/app.css", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unparsable referer falls through", func(t *testing.T) {
		srv := newTestServer(&fakeDispatcher{}, newFakeSessionStore())

		req := httptest.NewRequest(http.MethodGet, "/app.css", nil)
		req.Header.Set("Referer", "://bad")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHealth(t *testing.T) {
	srv := newTestServer(&fakeDispatcher{}, newFakeSessionStore())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}
