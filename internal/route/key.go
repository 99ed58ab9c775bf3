// Package route holds the static mapping from local bindings to upstream
// targets and resolves inbound requests against it.
package route

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// Key identifies a local binding: the host:port a request arrived on,
// optionally narrowed to a path prefix.
type Key struct {
	Host       string
	Port       int
	PathPrefix string
}

// ParseKey parses "host:port" or "host:port/prefix". The host may be an IP
// address (IPv6 in brackets) or a domain name; it is normalized so that
// equivalent spellings produce equal keys.
func ParseKey(s string) (Key, error) {
	hostport, prefix := s, ""
	if i := strings.IndexByte(s, '/'); i >= 0 {
		hostport, prefix = s[:i], s[i:]
	}

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Key{}, fmt.Errorf("route key %q: %w", s, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Key{}, fmt.Errorf("route key %q: port must be 1-65535", s)
	}

	host, err = normalizeHost(host)
	if err != nil {
		return Key{}, fmt.Errorf("route key %q: %w", s, err)
	}

	return Key{Host: host, Port: port, PathPrefix: normalizePrefix(prefix)}, nil
}

// Addr returns the host:port part of the key.
func (k Key) Addr() string {
	return net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

func (k Key) String() string {
	return k.Addr() + k.PathPrefix
}

// normalizeHost lower-cases names, converts IDNs to their ASCII form and
// prints IP addresses canonically.
func normalizeHost(host string) (string, error) {
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", fmt.Errorf("empty host")
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", host, err)
	}
	return strings.ToLower(ascii), nil
}

// normalizePrefix drops a trailing slash; "/" on its own means no prefix.
func normalizePrefix(prefix string) string {
	return strings.TrimRight(prefix, "/")
}

// matchPrefix reports whether path falls under prefix on a segment boundary.
func matchPrefix(prefix, path string) bool {
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
