package proxy

import (
	"net/http"
	"strings"
)

// RFC 9110 hop-by-hop headers, never forwarded in either direction.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// copyForwardHeaders copies client headers onto the backend request,
// dropping hop-by-hop headers plus Content-Length (recomputed) and
// Accept-Encoding (the proxy never decodes bodies) and Expect.
func copyForwardHeaders(dst, src http.Header) {
	for k, vv := range src {
		ck := http.CanonicalHeaderKey(k)
		if hopByHop[ck] || ck == "Content-Length" || ck == "Accept-Encoding" || ck == "Expect" || ck == "Host" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// copyResponseHeaders copies backend headers onto the client response,
// preserving duplicates (multiple Set-Cookie values in particular).
func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		ck := http.CanonicalHeaderKey(k)
		if hopByHop[ck] || ck == "Content-Length" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// websocketForwardHeaders filters client headers for the backend
// WebSocket dial. The handshake headers are gorilla's to write.
func websocketForwardHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for k, vv := range src {
		ck := http.CanonicalHeaderKey(k)
		if hopByHop[ck] || ck == "Host" || strings.HasPrefix(ck, "Sec-Websocket-") {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	return dst
}

// subprotocols parses the Sec-WebSocket-Protocol offer from the client.
func subprotocols(r *http.Request) []string {
	raw := r.Header.Get("Sec-WebSocket-Protocol")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
