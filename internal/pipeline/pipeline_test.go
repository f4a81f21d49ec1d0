package pipeline

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"testing"

	"github.com/chara-tunnel/tunneld/internal/config"
)

func TestSubstitutingWriter_ChunkBoundary(t *testing.T) {
	sub, err := NewSubstitutor([]config.TextReplacement{{Pattern: "foo", Replacement: "bar"}})
	if err != nil {
		t.Fatalf("NewSubstitutor: %v", err)
	}

	var out bytes.Buffer
	w := NewSubstitutingWriter(&out, sub)

	chunks := []string{"abc fo", "o xyz"}
	for _, c := range chunks {
		if _, err := w.Write([]byte(c)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	want := "abc bar xyz"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestSubstitutingWriter_BoundarySafetyMatchesWholeInput(t *testing.T) {
	sub, err := NewSubstitutor([]config.TextReplacement{{Pattern: "needle", Replacement: "X"}})
	if err != nil {
		t.Fatalf("NewSubstitutor: %v", err)
	}

	input := "start needle middle nee" + "dle end needl" + "e done"
	chunkings := [][]string{
		{input},
		{input[:10], input[10:]},
		splitEvery(input, 3),
		splitEvery(input, 1),
	}

	var whole bytes.Buffer
	ww := NewSubstitutingWriter(&whole, sub)
	ww.Write([]byte(input))
	ww.Close()
	want := whole.String()

	for i, chunks := range chunkings {
		var out bytes.Buffer
		w := NewSubstitutingWriter(&out, sub)
		for _, c := range chunks {
			if _, err := w.Write([]byte(c)); err != nil {
				t.Fatalf("chunking %d: Write: %v", i, err)
			}
		}
		if err := w.Close(); err != nil {
			t.Fatalf("chunking %d: Close: %v", i, err)
		}
		if out.String() != want {
			t.Errorf("chunking %d: output = %q, want %q", i, out.String(), want)
		}
	}
}

func splitEvery(s string, n int) []string {
	var out []string
	for len(s) > 0 {
		if n > len(s) {
			n = len(s)
		}
		out = append(out, s[:n])
		s = s[n:]
	}
	return out
}

func TestSubstitutingWriter_DoesNotSplitMultiByteRune(t *testing.T) {
	sub, err := NewSubstitutor(nil)
	if err != nil {
		t.Fatalf("NewSubstitutor: %v", err)
	}

	text := "héllo wörld" // contains multi-byte runes
	var out bytes.Buffer
	w := NewSubstitutingWriter(&out, sub)
	for i := 0; i < len(text); i++ {
		w.Write([]byte{text[i]})
	}
	w.Close()

	if out.String() != text {
		t.Errorf("output = %q, want %q", out.String(), text)
	}
}

func TestPipeline_CompressionGatedOnAcceptEncoding(t *testing.T) {
	cfg := &config.ServerConfig{AcceptedEncodings: []string{"gzip"}}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	headers := http.Header{"Content-Type": []string{"text/plain"}}
	var out bytes.Buffer
	w, err := p.Wrap(&out, headers, "identity")
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	w.Write([]byte("hello"))
	w.Close()

	if headers.Get("Content-Encoding") != "" {
		t.Errorf("Content-Encoding = %q, want empty (identity requested)", headers.Get("Content-Encoding"))
	}
	if out.String() != "hello" {
		t.Errorf("body = %q, want pass-through", out.String())
	}
}

func TestPipeline_SubstitutionWithoutCompressionStripsContentLength(t *testing.T) {
	cfg := &config.ServerConfig{
		AcceptedEncodings: []string{"gzip"},
		Replacements:      []config.TextReplacement{{Pattern: "foo", Replacement: "a much longer replacement"}},
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	headers := http.Header{"Content-Type": []string{"text/plain"}, "Content-Length": []string{"3"}}
	var out bytes.Buffer
	w, err := p.Wrap(&out, headers, "identity")
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	w.Write([]byte("foo"))
	w.Close()

	if headers.Get("Content-Length") != "" {
		t.Errorf("Content-Length = %q, want stripped since substitution changed body length", headers.Get("Content-Length"))
	}
	if headers.Get("Transfer-Encoding") != "chunked" {
		t.Errorf("Transfer-Encoding = %q, want chunked", headers.Get("Transfer-Encoding"))
	}
	if out.String() != "a much longer replacement" {
		t.Errorf("body = %q, want substituted text", out.String())
	}
}

func TestPipeline_CompressionAppliedWhenAccepted(t *testing.T) {
	cfg := &config.ServerConfig{AcceptedEncodings: []string{"gzip"}}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	headers := http.Header{"Content-Type": []string{"text/plain"}}
	var out bytes.Buffer
	w, err := p.Wrap(&out, headers, "gzip, deflate")
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	w.Write([]byte("hello world"))
	w.Close()

	if headers.Get("Content-Encoding") != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", headers.Get("Content-Encoding"))
	}

	gr, err := gzip.NewReader(&out)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	decoded, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("read gzip: %v", err)
	}
	if string(decoded) != "hello world" {
		t.Errorf("decoded = %q, want %q", decoded, "hello world")
	}
}

func TestPipeline_SkipsCompressionForImages(t *testing.T) {
	cfg := &config.ServerConfig{AcceptedEncodings: []string{"gzip"}}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	headers := http.Header{"Content-Type": []string{"image/png"}}
	var out bytes.Buffer
	w, err := p.Wrap(&out, headers, "gzip")
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	w.Write([]byte("not really png bytes"))
	w.Close()

	if headers.Get("Content-Encoding") != "" {
		t.Errorf("Content-Encoding = %q, want empty for image content type", headers.Get("Content-Encoding"))
	}
}
