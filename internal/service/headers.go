package service

import (
	"mime"
	"net/http"
	"net/textproto"
	"strings"

	"golang.org/x/net/http/httpguts"

	"iframe-proxy-go/internal/classify"
)

const (
	headerContentType           = "Content-Type"
	headerXFrameOptions         = "X-Frame-Options"
	headerContentSecurityPolicy = "Content-Security-Policy"
)

// framingHeaders are removed from every relayed response so the content can be framed.
var framingHeaders = []string{
	headerXFrameOptions,
	headerContentSecurityPolicy,
}

// hopHeaders are hop-by-hop headers, removed in both directions.
// As of RFC 7230, hop-by-hop headers are required to appear in the
// Connection header field; these are the ones defined by RFC 2616 and
// kept for backward compatibility.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection", // non-standard but still sent by libcurl
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te", // canonicalized version of "TE"
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RewriteRequestHeaders returns the headers to send upstream for a request on path.
// Host is dropped so the outbound request carries the target host.
func RewriteRequestHeaders(path string, src http.Header) http.Header {
	dst := cloneHeader(src)
	stripHopHeaders(dst)

	// Tell the upstream we accept trailers if the client did.
	if httpguts.HeaderValuesContainsToken(src["Te"], "trailers") {
		dst.Set("Te", "trailers")
	}
	dst.Del("Host")

	if classify.Classify(path) == classify.Script {
		dst.Set(headerContentType, classify.Script.ContentType())
	}
	return dst
}

// RewriteResponseHeaders returns the headers to send back to the client for an
// upstream response to a request on path. The input is not modified.
func RewriteResponseHeaders(path string, src http.Header) http.Header {
	dst := cloneHeader(src)
	stripHopHeaders(dst)

	for _, h := range framingHeaders {
		dst.Del(h)
	}

	if ct := classify.Classify(path).ContentType(); ct != "" {
		dst.Set(headerContentType, ct)
	}

	// Some upstreams answer script requests with an HTML error or redirect page.
	if classify.IsJS(path) && mediaType(src.Get(headerContentType)) == "text/html" {
		dst.Set(headerContentType, classify.Script.ContentType())
	}

	return dst
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return make(http.Header)
	}
	return src.Clone()
}

func stripHopHeaders(h http.Header) {
	for _, f := range h["Connection"] {
		for _, sf := range strings.Split(f, ",") {
			if sf = textproto.TrimString(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
		return strings.ToLower(strings.TrimSpace(mt))
	}
	return mt
}
