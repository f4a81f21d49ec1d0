package pipeline

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/chara-tunnel/tunneld/internal/config"
)

// safetyWindow is the minimum carry-over buffer kept unprocessed at the
// tail of the stream, so a replacement target split across chunk
// boundaries is never missed. Spec suggests 1024 as an example window.
const safetyWindow = 1024

type compiledRule struct {
	literal     string
	re          *regexp.Regexp
	replacement string
}

// Substitutor applies an ordered list of text replacements to decoded
// response bodies. It is immutable after construction and safe to share
// across concurrent streams.
type Substitutor struct {
	rules  []compiledRule
	window int
}

// NewSubstitutor compiles replacements into a Substitutor. An empty
// replacement list yields a Substitutor whose Empty() is true.
func NewSubstitutor(replacements []config.TextReplacement) (*Substitutor, error) {
	rules := make([]compiledRule, 0, len(replacements))
	window := safetyWindow
	for i, r := range replacements {
		cr := compiledRule{replacement: r.Replacement}
		if r.Kind == config.ReplacementRegex {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("replacements[%d]: compile pattern %q: %w", i, r.Pattern, err)
			}
			cr.re = re
		} else {
			cr.literal = r.Pattern
		}
		if len(r.Pattern) > window {
			window = len(r.Pattern)
		}
		rules = append(rules, cr)
	}
	return &Substitutor{rules: rules, window: window}, nil
}

// Empty reports whether this Substitutor has no rules to apply.
func (s *Substitutor) Empty() bool {
	return len(s.rules) == 0
}

func (s *Substitutor) apply(text string) string {
	for _, r := range s.rules {
		if r.re != nil {
			text = r.re.ReplaceAllString(text, r.replacement)
		} else {
			text = strings.ReplaceAll(text, r.literal, r.replacement)
		}
	}
	return text
}

// SubstitutingWriter streams bytes through a Substitutor, holding back a
// carry-over buffer so replacements are never evaluated against a
// truncated match or a split UTF-8 code point. Write/Close form the
// entirety of its contract; it is single-writer, matching the control
// session's single-writer delivery of response chunks.
type SubstitutingWriter struct {
	dst io.Writer
	sub *Substitutor
	buf []byte
}

// NewSubstitutingWriter wraps dst so that writes are substituted before
// being forwarded.
func NewSubstitutingWriter(dst io.Writer, sub *Substitutor) *SubstitutingWriter {
	return &SubstitutingWriter{dst: dst, sub: sub}
}

func (w *SubstitutingWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)

	safeLen := validUTF8PrefixLen(w.buf)
	if safeLen > w.sub.window {
		processLen := safeLen - w.sub.window
		out := w.sub.apply(string(w.buf[:processLen]))
		if _, err := w.dst.Write([]byte(out)); err != nil {
			return 0, err
		}
		remaining := len(w.buf) - processLen
		copy(w.buf, w.buf[processLen:])
		w.buf = w.buf[:remaining]
	}
	return len(p), nil
}

// Close flushes whatever remains in the carry-over buffer through the
// substitutor, then closes dst if it is a Closer.
func (w *SubstitutingWriter) Close() error {
	if len(w.buf) > 0 {
		out := w.sub.apply(string(w.buf))
		w.buf = nil
		if _, err := w.dst.Write([]byte(out)); err != nil {
			return err
		}
	}
	if c, ok := w.dst.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// validUTF8PrefixLen returns the length of the longest prefix of buf that
// does not end in a truncated multi-byte UTF-8 sequence.
func validUTF8PrefixLen(buf []byte) int {
	n := len(buf)
	if n == 0 {
		return 0
	}
	limit := 4
	if limit > n {
		limit = n
	}
	for back := 1; back <= limit; back++ {
		idx := n - back
		if utf8.RuneStart(buf[idx]) {
			if !utf8.FullRune(buf[idx:]) {
				return idx
			}
			return n
		}
	}
	return n
}
