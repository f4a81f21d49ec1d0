package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chara-tunnel/tunneld/internal/protocol"
	"github.com/gorilla/websocket"
)

// ControlSession is one connected agent (spec §3, §4.4, §4.6). It owns
// the duplex control channel, the per-session request registry, and the
// session lifecycle. Control messages are dispatched serially on the
// goroutine running Run; the requests map is also touched by ingress
// handlers (registerRequest/removeRequest), so every access to it holds mu.
type ControlSession struct {
	ID         string
	Subdomain  string
	RemoteAddr string
	CreatedAt  time.Time

	codec  *protocol.Codec
	logger *slog.Logger
	dir    *SessionDirectory

	mu       sync.Mutex
	requests map[string]*PendingRequest

	closed       atomic.Bool
	lastActivity atomic.Int64
}

// NewControlSession wraps conn in a new session. It does not register the
// session: the caller assigns Subdomain and registers it in dir, and Close
// removes it from dir.
func NewControlSession(id string, conn *websocket.Conn, dir *SessionDirectory, logger *slog.Logger) *ControlSession {
	s := &ControlSession{
		ID:        id,
		CreatedAt: time.Now(),
		codec:     protocol.NewCodec(conn),
		logger:    logger,
		requests:  make(map[string]*PendingRequest),
		dir:       dir,
	}
	s.touch()
	return s
}

func (s *ControlSession) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// IdleDuration reports how long it has been since the last message was
// read from this session.
func (s *ControlSession) IdleDuration() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// Send writes a control message to the agent. Safe for concurrent use by
// multiple ingress handlers sharing this session.
func (s *ControlSession) Send(msg any) error {
	return s.codec.Send(msg)
}

func (s *ControlSession) registerRequest(req *PendingRequest) {
	s.mu.Lock()
	s.requests[req.ID] = req
	s.mu.Unlock()
}

func (s *ControlSession) removeRequest(id string) {
	s.mu.Lock()
	delete(s.requests, id)
	s.mu.Unlock()
}

func (s *ControlSession) getRequest(id string) (*PendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	return req, ok
}

// Run is the per-session dispatch loop (spec §4.4): it reads one control
// message at a time and processes it serially, which is the session's
// single-writer invariant. It returns once the connection is gone, after
// closing the session.
func (s *ControlSession) Run() {
	defer s.Close()
	for {
		typ, data, err := s.codec.ReadMessage()
		if err != nil {
			var pe *protocol.ProtocolError
			if errors.As(err, &pe) {
				s.touch()
				s.protocolError(pe.Message)
				continue
			}
			return
		}
		s.touch()
		s.dispatch(typ, data)
	}
}

func (s *ControlSession) dispatch(typ protocol.MessageType, data []byte) {
	switch typ {
	case protocol.TypePing:
		if err := s.codec.Send(protocol.NewPong()); err != nil {
			s.logger.Warn("send pong failed", "error", err)
		}

	case protocol.TypeHTTPResponseStart:
		var msg protocol.HTTPResponseStartMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.protocolError("malformed http_response_start")
			return
		}
		req, ok := s.getRequest(msg.ID)
		if !ok {
			s.logger.Warn("http_response_start for unknown request", "id", msg.ID)
			return
		}
		req.handleResponseStart(msg.StatusCode, toHeader(msg.Headers))

	case protocol.TypeHTTPData:
		var msg protocol.HTTPDataMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.protocolError("malformed http_data")
			return
		}
		req, ok := s.getRequest(msg.ID)
		if !ok {
			s.logger.Warn("http_data for unknown request", "id", msg.ID)
			return
		}
		req.handleData(msg.Data)

	case protocol.TypeHTTPResponseEnd:
		var msg protocol.HTTPResponseEndMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.protocolError("malformed http_response_end")
			return
		}
		req, ok := s.getRequest(msg.ID)
		if !ok {
			s.logger.Warn("http_response_end for unknown request", "id", msg.ID)
			return
		}
		req.handleResponseEnd(msg.Body, msg.Status, toHeader(msg.Headers))
		s.removeRequest(msg.ID)

	case protocol.TypeError:
		var msg protocol.ErrorMessage
		if err := json.Unmarshal(data, &msg); err == nil {
			s.logger.Info("agent reported error", "message", msg.Message)
		}

	default:
		s.protocolError(fmt.Sprintf("unknown message type %q", typ))
	}
}

// protocolError answers a parse/dispatch failure with an error frame;
// the session survives (spec §4.6 "message error").
func (s *ControlSession) protocolError(message string) {
	if err := s.codec.Send(protocol.NewError(message)); err != nil {
		s.logger.Warn("send error frame failed", "error", err)
	}
}

// Close removes the session from the directory, fails every pending
// request, and closes the connection (spec §4.6 "close", §7 "agent
// gone"). A request whose response has not started resolves with 503; one
// whose body is already streaming has its stream terminated with an error.
// Safe to call multiple times.
func (s *ControlSession) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.dir.remove(s.Subdomain, s)

	s.mu.Lock()
	pending := make([]*PendingRequest, 0, len(s.requests))
	for _, req := range s.requests {
		pending = append(pending, req)
	}
	s.requests = make(map[string]*PendingRequest)
	s.mu.Unlock()

	for _, req := range pending {
		req.abort(http.StatusServiceUnavailable, "Client disconnected")
	}

	s.codec.Close()
}

// idleWatch closes the session once it has gone idleTimeout without a
// message. Spec.md is silent on idle GC; this is carried over from the
// teacher's session-ticker pattern (SPEC_FULL.md §5).
func (s *ControlSession) idleWatch(idleTimeout time.Duration) {
	if idleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if s.closed.Load() {
			return
		}
		if s.IdleDuration() > idleTimeout {
			s.logger.Info("closing idle control session", "idle", s.IdleDuration())
			s.Close()
			return
		}
	}
}

func toHeader(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}
