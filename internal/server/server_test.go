package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chara-tunnel/tunneld/internal/config"
	"github.com/chara-tunnel/tunneld/internal/protocol"
	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, mutate func(*config.ServerConfig)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Domain = "example.com"
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)

	// The control domain must match the Host the test dialer presents,
	// which is httptest's loopback address.
	cfg.ControlDomain = strings.TrimPrefix(ts.URL, "http://")
	return srv, ts
}

// connectAgent dials the control upgrade endpoint for subdomain name and
// returns the resulting codec once subdomain_assigned has been read.
func connectAgent(t *testing.T, ts *httptest.Server, controlDomain, requested string) (*protocol.Codec, string) {
	t.Helper()
	wsURL := "ws://" + controlDomain + "/?subdomain=" + requested

	header := http.Header{}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial control endpoint: %v", err)
	}
	codec := protocol.NewCodec(conn)
	t.Cleanup(func() { codec.Close() })

	typ, data, err := codec.ReadMessage()
	if err != nil {
		t.Fatalf("read subdomain_assigned: %v", err)
	}
	if typ != protocol.TypeSubdomainAssigned {
		t.Fatalf("first message type = %q, want subdomain_assigned", typ)
	}
	var msg protocol.SubdomainAssignedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal subdomain_assigned: %v", err)
	}
	return codec, msg.Subdomain
}

func TestIngress_BasicRoundTrip(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	_ = srv

	agent, fullDomain := connectAgent(t, ts, srv.cfg.ControlDomain, "app1")

	go func() {
		typ, data, err := agent.ReadMessage()
		if err != nil || typ != protocol.TypeHTTPRequest {
			return
		}
		var req protocol.HTTPRequestMessage
		json.Unmarshal(data, &req)
		agent.Send(protocol.HTTPResponseEndMessage{
			Type:    protocol.TypeHTTPResponseEnd,
			ID:      req.ID,
			Status:  http.StatusOK,
			Headers: map[string]string{"Content-Type": "text/plain"},
			Body:    protocol.BinaryPayload("hello from agent"),
		})
	}()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/hi", nil)
	req.Host = fullDomain
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello from agent" {
		t.Errorf("body = %q, want %q", body, "hello from agent")
	}
}

func TestIngress_UnknownSubdomainReturns404(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/", nil)
	req.Host = "nobody-here.example.com"
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), srv.cfg.ControlDomain) {
		t.Errorf("body = %q, want it to reference control domain %q", body, srv.cfg.ControlDomain)
	}
}

func TestIngress_AgentDisconnectReturns503(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	agent, fullDomain := connectAgent(t, ts, srv.cfg.ControlDomain, "app2")

	go func() {
		agent.ReadMessage() // read the http_request, then vanish
		agent.Close()
	}()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/", nil)
	req.Host = fullDomain
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestIngress_RequestTimeout(t *testing.T) {
	srv, ts := newTestServer(t, func(cfg *config.ServerConfig) {
		cfg.RequestTimeoutMs = 50
	})

	agent, fullDomain := connectAgent(t, ts, srv.cfg.ControlDomain, "app3")
	go func() {
		agent.ReadMessage() // read http_request, never answer
	}()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/", nil)
	req.Host = fullDomain

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", resp.StatusCode)
	}
}

func TestHandleStatus(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/_chara/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if payload["status"] != "ok" {
		t.Errorf("status field = %v, want ok", payload["status"])
	}
}
