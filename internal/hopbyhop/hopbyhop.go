// Package hopbyhop removes headers that are only meaningful for a single
// connection leg.
package hopbyhop

import (
	"net/http"
	"net/textproto"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// headers lists the hop-by-hop headers of RFC 9110 section 7.6.1, plus the
// legacy Proxy-Connection. Names are canonical.
var headers = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// IsHopByHop reports whether name is a hop-by-hop header. The name must be
// canonical.
func IsHopByHop(name string) bool {
	for _, h := range headers {
		if h == name {
			return true
		}
	}
	return false
}

// Strip deletes hop-by-hop headers from h in place, including any header
// named by a Connection header option. A "Te: trailers" request is kept as
// exactly that, so trailer-aware upstreams still see it.
func Strip(h http.Header) {
	trailers := httpguts.HeaderValuesContainsToken(h["Te"], "trailers")
	for _, v := range h["Connection"] {
		for _, opt := range strings.Split(v, ",") {
			if opt = textproto.TrimString(opt); opt != "" {
				h.Del(opt)
			}
		}
	}
	for _, name := range headers {
		h.Del(name)
	}
	if trailers {
		h.Set("Te", "trailers")
	}
}

// Copy adds every end-to-end header of src to dst, preserving order and
// duplicate values. src is not modified.
func Copy(dst, src http.Header) {
	var named map[string]bool
	for _, v := range src["Connection"] {
		for _, opt := range strings.Split(v, ",") {
			if opt = textproto.TrimString(opt); opt != "" {
				if named == nil {
					named = make(map[string]bool)
				}
				named[http.CanonicalHeaderKey(opt)] = true
			}
		}
	}
	for name, values := range src {
		if IsHopByHop(name) || named[name] {
			continue
		}
		dst[name] = append(dst[name], values...)
	}
}
