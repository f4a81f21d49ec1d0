package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chara-tunnel/tunneld/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// maxRequestBody bounds how much of an inbound public request body is
// buffered before forwarding it in a single http_request message. Larger
// bodies are not part of spec.md's scope.
const maxRequestBody = 10 << 20 // 10MiB

// handleControlUpgrade serves the control channel endpoint (spec §4.1,
// §6): a GET on the configured control domain either upgrades to a
// websocket control session, or, absent the upgrade headers, answers
// with a short informational body.
func (s *Server) handleControlUpgrade(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "chara tunnel control endpoint; connect via websocket to register a tunnel\n")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("control upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	requested := r.URL.Query().Get("subdomain")
	taken := s.dir.takenSet()
	name, honored, err := s.allocator.Allocate(requested, taken)
	if err != nil {
		s.logger.Error("subdomain allocation failed", "error", err)
		conn.WriteMessage(websocket.TextMessage, mustJSON(protocol.NewError(err.Error())))
		conn.Close()
		return
	}

	sess := NewControlSession(uuid.NewString(), conn, s.dir, s.logger.With(slog.String("subdomain", name)))
	sess.Subdomain = name
	sess.RemoteAddr = r.RemoteAddr
	s.dir.register(name, sess)

	fullDomain := name + "." + s.cfg.Domain
	if err := sess.Send(protocol.NewSubdomainAssigned(fullDomain, honored)); err != nil {
		s.logger.Warn("failed to send subdomain_assigned", "error", err)
		sess.Close()
		return
	}

	s.logger.Info("agent connected", "subdomain", name, "requested", requested, "honored", honored, "remote", r.RemoteAddr)

	go sess.idleWatch(s.cfg.Timeouts.IdleTimeout)
	sess.Run()
}

func mustJSON(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}

// handlePublicRequest is the public HTTP ingress (spec §4.2, §4.3): it
// resolves the request's subdomain to a session, forwards the request
// over the control channel, and streams the agent's response back.
func (s *Server) handlePublicRequest(w http.ResponseWriter, r *http.Request) {
	label := firstLabel(r.Host)

	sess, ok := s.dir.Lookup(label)
	if !ok {
		http.Error(w, fmt.Sprintf("404 not found: no tunnel registered for this subdomain; connect an agent to %s", s.cfg.ControlDomain), http.StatusNotFound)
		return
	}

	var bodyBytes []byte
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Body != nil {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadGateway)
			return
		}
		bodyBytes = data
	}

	req := newPendingRequest(uuid.NewString())
	sess.registerRequest(req)

	msg := protocol.HTTPRequestMessage{
		Type:    protocol.TypeHTTPRequest,
		ID:      req.ID,
		Method:  r.Method,
		URL:     r.URL.String(),
		Path:    r.URL.Path,
		Headers: flattenHeader(r.Header),
		Body:    protocol.EncodeBinaryString(bodyBytes),
	}
	if err := sess.Send(msg); err != nil {
		sess.removeRequest(req.ID)
		http.Error(w, "502 bad gateway: failed to reach client", http.StatusBadGateway)
		return
	}

	ctx := r.Context()
	cancel := func() {}
	if timeout := s.cfg.RequestTimeout(); timeout > 0 {
		ctx, cancel = context.WithTimeout(r.Context(), timeout)
	}
	defer cancel()

	status, headers, body, err := req.Wait(ctx)
	if err != nil {
		sess.removeRequest(req.ID)
		req.cancel()
		if r.Context().Err() != nil {
			return // public client went away; nothing to answer
		}
		http.Error(w, "504 gateway timeout: request timeout after 30 seconds", http.StatusGatewayTimeout)
		return
	}
	defer body.Close()

	for k, vs := range headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}

	dst, err := s.pipeline.Wrap(w, w.Header(), r.Header.Get("Accept-Encoding"))
	if err != nil {
		sess.removeRequest(req.ID)
		http.Error(w, "502 bad gateway: response transform failed", http.StatusBadGateway)
		return
	}

	w.WriteHeader(status)
	io.Copy(dst, body)
	dst.Close()
}

// handleStatus answers a lightweight health/introspection endpoint
// (SPEC_FULL.md §5, supplemented over spec.md's silence on operability).
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"sessions":  s.dir.Count(),
		"domain":    s.cfg.Domain,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func firstLabel(host string) string {
	host = hostOnly(host)
	if i := strings.IndexByte(host, '.'); i >= 0 {
		return host[:i]
	}
	return host
}

func hostOnly(host string) string {
	if i := strings.IndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = strings.Join(vs, ", ")
		}
	}
	return out
}
