// Package pipeline implements the Response Pipeline (spec §4.5): a
// substitution stage followed by a compression stage, applied to each
// in-flight response stream before it reaches the public client.
package pipeline

import (
	"io"
	"net/http"

	"github.com/chara-tunnel/tunneld/internal/config"
	"github.com/chara-tunnel/tunneld/internal/protocol"
)

// Pipeline is a pure function of (stream, headers, config, acceptable
// codings), constructed once from the static ServerConfig and reused
// across every in-flight response.
type Pipeline struct {
	sub               *Substitutor
	acceptedEncodings []string
}

// New builds a Pipeline from the server's static configuration.
func New(cfg *config.ServerConfig) (*Pipeline, error) {
	sub, err := NewSubstitutor(cfg.Replacements)
	if err != nil {
		return nil, err
	}
	return &Pipeline{sub: sub, acceptedEncodings: cfg.AcceptedEncodings}, nil
}

type writeCloser struct {
	io.Writer
	closer io.Closer
}

func (w writeCloser) Close() error {
	if w.closer == nil {
		return nil
	}
	return w.closer.Close()
}

// Wrap returns a WriteCloser that the caller streams the raw (agent
// supplied) response body into; substitution and then compression are
// applied before bytes reach dst. headers is mutated in place to reflect
// whatever encoding was chosen. acceptEncoding is the original public
// request's Accept-Encoding header.
//
// Close on the returned writer flushes every stage in order without
// closing dst itself.
func (p *Pipeline) Wrap(dst io.Writer, headers http.Header, acceptEncoding string) (io.WriteCloser, error) {
	contentType := headers.Get("Content-Type")

	var w io.Writer = dst
	var closer io.Closer

	compressing := false
	if isCompressible(contentType) {
		if encoding := negotiateEncoding(acceptEncoding, p.acceptedEncodings); encoding != "" {
			enc, err := newEncoder(encoding, dst)
			if err != nil {
				return nil, &protocol.ProtocolError{Code: "transform_failed", Message: err.Error(), Underlying: protocol.ErrTransformFailed}
			}
			headers.Del("Content-Encoding")
			headers.Set("Content-Encoding", encoding)
			w = enc
			closer = enc
			compressing = true
		}
	}

	substituting := !p.sub.Empty() && isTextual(contentType)

	// Either stage can change the body length from whatever the agent
	// declared, so neither can leave the original Content-Length standing.
	if compressing || substituting {
		headers.Del("Content-Length")
		headers.Set("Transfer-Encoding", "chunked")
	}

	if substituting {
		return NewSubstitutingWriter(writeCloser{Writer: w, closer: closer}, p.sub), nil
	}

	return writeCloser{Writer: w, closer: closer}, nil
}
