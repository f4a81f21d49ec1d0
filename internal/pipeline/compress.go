package pipeline

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"strings"
)

// incompressibleContentTypePrefixes lists content types the pipeline will
// never attempt to recompress, since they are already compressed (or
// near-incompressible) on the wire.
var incompressibleContentTypePrefixes = []string{
	"image/", "video/", "audio/",
	"application/zip", "application/gzip", "application/x-gzip",
	"application/x-rar", "application/pdf",
}

func isCompressible(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, p := range incompressibleContentTypePrefixes {
		if strings.HasPrefix(ct, p) {
			return false
		}
	}
	return true
}

func isTextual(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/") || strings.Contains(ct, "html") || strings.Contains(ct, "xml")
}

// negotiateEncoding picks the first coding present in both the request's
// Accept-Encoding header and accepted (in accepted's preference order).
func negotiateEncoding(acceptEncoding string, accepted []string) string {
	if acceptEncoding == "" {
		return ""
	}
	requested := make(map[string]struct{})
	for _, tok := range strings.Split(acceptEncoding, ",") {
		tok = strings.TrimSpace(tok)
		if i := strings.IndexByte(tok, ';'); i >= 0 {
			tok = tok[:i]
		}
		requested[strings.ToLower(tok)] = struct{}{}
	}
	for _, enc := range accepted {
		if _, ok := requested[enc]; ok {
			return enc
		}
	}
	return ""
}

// newEncoder wraps dst with a streaming compressor for encoding. Spec v1
// mandates gzip; deflate is supported as the listed optional coding. br
// is left unimplemented (see SPEC_FULL.md §3).
func newEncoder(encoding string, dst io.Writer) (io.WriteCloser, error) {
	switch encoding {
	case "gzip":
		return gzip.NewWriter(dst), nil
	case "deflate":
		return flate.NewWriter(dst, flate.DefaultCompression)
	default:
		return nil, fmt.Errorf("unsupported content coding %q", encoding)
	}
}
