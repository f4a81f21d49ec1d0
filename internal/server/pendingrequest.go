package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chara-tunnel/tunneld/internal/protocol"
)

// PendingRequest is an in-flight public request awaiting the agent (spec
// §3). Its resolver fires exactly once, delivering the response's status,
// headers, and body (either the whole body at once, for an agent that
// skipped streaming, or a pipe reader fed chunk-by-chunk as http_data
// messages arrive). Mutation after the resolver fires is confined to
// writes into the body pipe; the session's dispatch loop is the single
// writer throughout.
type PendingRequest struct {
	ID        string
	CreatedAt time.Time

	mu           sync.Mutex
	streamOpened bool
	bodyWriter   *io.PipeWriter

	resolveOnce sync.Once
	ready       chan struct{}
	result      pendingResult
}

type pendingResult struct {
	statusCode int
	headers    http.Header
	body       io.ReadCloser
}

func newPendingRequest(id string) *PendingRequest {
	return &PendingRequest{ID: id, CreatedAt: time.Now(), ready: make(chan struct{})}
}

// Wait suspends until the resolver fires or ctx is done, whichever comes
// first (spec §5).
func (p *PendingRequest) Wait(ctx context.Context) (int, http.Header, io.ReadCloser, error) {
	select {
	case <-p.ready:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.result.statusCode, p.result.headers, p.result.body, nil
	case <-ctx.Done():
		return 0, nil, nil, ctx.Err()
	}
}

func (p *PendingRequest) resolve(status int, headers http.Header, body io.ReadCloser) {
	p.resolveOnce.Do(func() {
		p.mu.Lock()
		p.result = pendingResult{statusCode: status, headers: headers, body: body}
		p.mu.Unlock()
		close(p.ready)
	})
}

// handleResponseStart opens the streaming body pipe and resolves the
// request. Later http_data/http_response_end messages feed the pipe.
func (p *PendingRequest) handleResponseStart(statusCode int, headers http.Header) {
	p.mu.Lock()
	if p.streamOpened {
		p.mu.Unlock()
		return
	}
	pr, pw := io.Pipe()
	p.bodyWriter = pw
	p.streamOpened = true
	p.mu.Unlock()

	if statusCode == 0 {
		statusCode = http.StatusOK
	}
	p.resolve(statusCode, headers, pr)
}

// handleData appends a chunk to the open body pipe. The write blocks
// until the downstream consumer accepts it, which is the source of the
// backpressure spec §5 calls for. If no stream has been opened yet, the
// chunk is silently dropped (a protocol violation the caller should log).
func (p *PendingRequest) handleData(chunk []byte) {
	p.mu.Lock()
	bw := p.bodyWriter
	opened := p.streamOpened
	p.mu.Unlock()

	if !opened || bw == nil || len(chunk) == 0 {
		return
	}
	bw.Write(chunk) // error means the reader side went away; nothing to do
}

// handleResponseEnd terminates the response. If a stream was already
// opened, any final body bytes are appended and the pipe is closed;
// status/headers on this message are ignored, matching spec §9's
// resolution of the "stream vs body" ambiguity. Otherwise this message
// alone constructs the whole response.
func (p *PendingRequest) handleResponseEnd(body []byte, status int, headers http.Header) {
	p.mu.Lock()
	opened := p.streamOpened
	bw := p.bodyWriter
	p.mu.Unlock()

	if opened {
		if len(body) > 0 && bw != nil {
			bw.Write(body)
		}
		if bw != nil {
			bw.Close()
		}
		return
	}

	if headers == nil {
		headers = http.Header{}
	}
	if status == 0 {
		status = http.StatusOK
	}
	p.resolve(status, headers, io.NopCloser(bytes.NewReader(body)))
}

// abort fails the request uniformly on session close (spec §4.6, §7
// "agent gone"): if no response had started, resolve with the given
// terminal status and body; if a stream was already open, terminate it
// so the in-flight response errors out instead of hanging.
func (p *PendingRequest) abort(status int, body string) {
	p.mu.Lock()
	opened := p.streamOpened
	bw := p.bodyWriter
	p.mu.Unlock()

	if opened {
		if bw != nil {
			bw.CloseWithError(protocol.ErrAgentGone)
		}
		return
	}
	p.resolve(status, http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}}, io.NopCloser(strings.NewReader(body)))
}

// cancel is called when the public caller disconnects before the
// resolver fired. It releases any open body pipe; the agent's work is
// not aborted (fire-and-forget, spec §4.3).
func (p *PendingRequest) cancel() {
	p.mu.Lock()
	bw := p.bodyWriter
	p.mu.Unlock()
	if bw != nil {
		bw.CloseWithError(io.ErrClosedPipe)
	}
}
