// ABOUTME: Browser-facing front door: session-scoped reverse proxying with
// ABOUTME: response rewriting, session close, and orphaned-asset recovery.

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gatewise/gatewise/internal/config"
	"github.com/gatewise/gatewise/internal/pending"
	"github.com/gatewise/gatewise/internal/rewrite"
	"github.com/gatewise/gatewise/internal/store"
	"github.com/gatewise/gatewise/internal/wire"
)

const sessionPathRoot = "/remote/s/"

// sessionRefPattern pulls a session id out of a referer path.
var sessionRefPattern = regexp.MustCompile(`/remote/s/([^/]+)/`)

// Hop-by-hop headers are meaningless once the request is re-framed over the
// tunnel.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Server is the public-facing HTTP process. Every request under the session
// path root is validated, tunneled through the bridge, rewritten and
// returned; everything else goes through orphaned-asset recovery.
type Server struct {
	cfg        *config.Proxy
	dispatcher Dispatcher
	sessions   store.SessionStore
	devices    store.DeviceStore
	httpSrv    *http.Server
	logger     *slog.Logger
}

func NewServer(cfg *config.Proxy, dispatcher Dispatcher, sessions store.SessionStore, devices store.DeviceStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "proxy")

	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		sessions:   sessions,
		devices:    devices,
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc(sessionPathRoot, s.handleSession)
	mux.HandleFunc("/", s.handleOrphan)
	s.httpSrv = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("proxy listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("proxy server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

// handleSession serves ALL /remote/s/{sessionId}/* plus the __close action.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionID, rest, ok := splitSessionPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if rest == "__close" && r.Method == http.MethodPost {
		s.handleClose(w, r, sessionID)
		return
	}

	sess, err := ValidateSession(r.Context(), s.sessions, sessionID)
	if err != nil {
		s.writeSessionError(w, sessionID, err)
		return
	}

	dev, err := s.devices.GetDevice(r.Context(), sess.DeviceID)
	if err != nil {
		s.logger.Error("device lookup failed", "session_id", sessionID, "device_id", sess.DeviceID, "error", err)
		http.Error(w, "device not found", http.StatusBadGateway)
		return
	}

	baseURL, err := ResolveTarget(sess, dev)
	if err != nil {
		http.Error(w, "no reachable target for device", http.StatusBadGateway)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	path := "/" + rest
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	target := wire.Target{
		BaseURL: baseURL,
		Method:  r.Method,
		Path:    path,
		Headers: tunnelHeaders(r.Header),
		Body:    body,
	}

	resp, err := s.dispatcher.Dispatch(r.Context(), sess.TenantID, sess.DeviceID, target, s.cfg.Relay.RequestTimeout)
	if err != nil {
		s.writeDispatchError(w, sessionID, err)
		return
	}

	prefix := sessionPathRoot + sessionID + "/"
	headers, rewritten := rewrite.Apply(rewrite.Context{
		Prefix:     prefix,
		ControlBar: controlBar(sessionID, prefix),
	}, resp.Headers, resp.Body)

	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(rewritten); err != nil {
		s.logger.Debug("writing response to browser failed", "session_id", sessionID, "error", err)
	}
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request, sessionID string) {
	if err := s.sessions.EndSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		s.logger.Error("ending session failed", "session_id", sessionID, "error", err)
		http.Error(w, "ending session failed", http.StatusInternalServerError)
		return
	}
	s.logger.Info("session ended", "session_id", sessionID)
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"closed"}`)
}

// handleOrphan recovers requests the rewrite engine missed: a non-prefixed
// path whose referer points into a session is redirected back under that
// session's prefix.
func (s *Server) handleOrphan(w http.ResponseWriter, r *http.Request) {
	if ref := r.Header.Get("Referer"); ref != "" {
		if u, err := url.Parse(ref); err == nil {
			if m := sessionRefPattern.FindStringSubmatch(u.Path); m != nil {
				dest := sessionPathRoot + m[1] + r.URL.Path
				if r.URL.RawQuery != "" {
					dest += "?" + r.URL.RawQuery
				}
				s.logger.Debug("redirecting orphaned asset", "path", r.URL.Path, "session_id", m[1])
				http.Redirect(w, r, dest, http.StatusTemporaryRedirect)
				return
			}
		}
	}
	http.NotFound(w, r)
}

func (s *Server) writeSessionError(w http.ResponseWriter, sessionID string, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
	case errors.Is(err, ErrSessionEnded):
		http.Error(w, "session has ended", http.StatusForbidden)
	case errors.Is(err, ErrSessionExpired):
		http.Error(w, "session has expired", http.StatusForbidden)
	default:
		s.logger.Error("session validation failed", "session_id", sessionID, "error", err)
		http.Error(w, "session validation failed", http.StatusInternalServerError)
	}
}

func (s *Server) writeDispatchError(w http.ResponseWriter, sessionID string, err error) {
	var remoteErr *pending.RemoteError
	switch {
	case errors.Is(err, pending.ErrRequestTimeout):
		http.Error(w, "device did not respond in time", http.StatusGatewayTimeout)
	case errors.Is(err, ErrBridgeDown):
		http.Error(w, "relay unavailable", http.StatusBadGateway)
	case errors.As(err, &remoteErr):
		http.Error(w, remoteErr.Msg, http.StatusBadGateway)
	default:
		s.logger.Error("dispatch failed", "session_id", sessionID, "error", err)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
	}
}

// splitSessionPath breaks "/remote/s/{id}/rest..." apart. The bare session
// root with no trailing slash is not a valid session path.
func splitSessionPath(p string) (sessionID, rest string, ok bool) {
	trimmed := strings.TrimPrefix(p, sessionPathRoot)
	if trimmed == p || trimmed == "" {
		return "", "", false
	}
	id, rest, _ := strings.Cut(trimmed, "/")
	if id == "" {
		return "", "", false
	}
	return id, rest, true
}

// tunnelHeaders flattens the browser's headers for the wire, dropping
// hop-by-hop fields that do not survive re-framing.
func tunnelHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) == 0 {
			continue
		}
		out[k] = vs[0]
	}
	for _, k := range hopByHopHeaders {
		delete(out, http.CanonicalHeaderKey(k))
	}
	delete(out, "Host")
	return out
}

// controlBar renders the in-page session chrome: a session indicator, a back
// link and an end-session control.
func controlBar(sessionID, prefix string) string {
	return fmt.Sprintf(`<div id="gatewise-bar" style="position:fixed;top:0;left:0;right:0;z-index:2147483647;background:#1a1a2e;color:#eee;font:13px sans-serif;padding:6px 12px;display:flex;gap:16px;align-items:center;">`+
		`<span>Remote session %s</span>`+
		`<a href="%s" style="color:#8be;">Back</a>`+
		`<button onclick="fetch('%s__close',{method:'POST'}).then(()=>window.close())" style="margin-left:auto;">End session</button>`+
		`</div>`, sessionID, prefix, prefix)
}
