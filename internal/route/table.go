package route

import (
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/multierr"

	"portmap-proxy/internal/config"
	"portmap-proxy/internal/model"
	"portmap-proxy/internal/proxyerr"
)

// Route pairs a key with the upstream it forwards to.
type Route struct {
	Key    Key
	Target model.UpstreamTarget
}

// Table is the immutable mapping from keys to upstream targets. It is built
// once at startup and only read afterwards, so lookups need no locking.
type Table struct {
	// byAddr groups routes by host:port, longest path prefix first.
	byAddr map[string][]Route
	size   int
}

// NewTable builds a table from textual keys. Every malformed or duplicate key
// is reported.
func NewTable(entries map[string]model.UpstreamTarget) (*Table, error) {
	t := &Table{byAddr: make(map[string][]Route, len(entries))}
	seen := make(map[Key]string, len(entries))

	var err error
	for raw, target := range entries {
		key, kerr := ParseKey(raw)
		if kerr != nil {
			err = multierr.Append(err, kerr)
			continue
		}
		if target.Port < 1 || target.Port > 65535 || target.Host == "" {
			err = multierr.Append(err, fmt.Errorf("route %q: invalid upstream %q", raw, target.Authority()))
			continue
		}
		if prev, dup := seen[key]; dup {
			err = multierr.Append(err, fmt.Errorf("route %q duplicates %q", raw, prev))
			continue
		}
		seen[key] = raw

		addr := key.Addr()
		t.byAddr[addr] = append(t.byAddr[addr], Route{Key: key, Target: target})
		t.size++
	}
	if err != nil {
		return nil, err
	}

	for _, routes := range t.byAddr {
		sort.Slice(routes, func(i, j int) bool {
			return len(routes[i].Key.PathPrefix) > len(routes[j].Key.PathPrefix)
		})
	}

	return t, nil
}

// NewTableFromConfig builds the table from the routes section of cfg.
func NewTableFromConfig(cfg *config.Config) (*Table, error) {
	entries := make(map[string]model.UpstreamTarget, len(cfg.Routes))
	for key, r := range cfg.Routes {
		entries[key] = r.Target()
	}
	t, err := NewTable(entries)
	if err != nil {
		return nil, fmt.Errorf("route table: %w", err)
	}
	return t, nil
}

// Resolve returns the route for the binding a request arrived on. When
// several keys share the binding's host:port, the longest matching path
// prefix wins. It returns a proxyerr.ErrNoMapping error when nothing matches.
func (t *Table) Resolve(b Binding) (Route, error) {
	addr := net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
	for _, r := range t.byAddr[addr] {
		if matchPrefix(r.Key.PathPrefix, b.Path) {
			return r, nil
		}
	}
	return Route{}, proxyerr.New(proxyerr.KindNoMapping, "resolve "+addr, nil)
}

// Len returns the number of routes.
func (t *Table) Len() int {
	return t.size
}

// Routes returns every route ordered by key.
func (t *Table) Routes() []Route {
	out := make([]Route, 0, t.size)
	for _, routes := range t.byAddr {
		out = append(out, routes...)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Binding is the local address and path an inbound request arrived on.
type Binding struct {
	Host string
	Port int
	Path string
}

func (b Binding) String() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port)) + b.Path
}

// BindingFromRequest derives the binding from the Host header. A missing
// host or port is taken from the local address of the accepted connection.
func BindingFromRequest(r *http.Request) Binding {
	hostport := r.Host
	if hostport == "" {
		hostport = r.URL.Host
	}

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		host, portStr = strings.Trim(hostport, "[]"), ""
	}
	port, _ := strconv.Atoi(portStr)

	if host == "" || port == 0 {
		if local, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
			if tcp, ok := local.(*net.TCPAddr); ok {
				if host == "" {
					host = tcp.IP.String()
				}
				if port == 0 {
					port = tcp.Port
				}
			}
		}
	}
	if port == 0 {
		port = 80
	}

	if normalized, err := normalizeHost(host); err == nil {
		host = normalized
	} else {
		host = strings.ToLower(host)
	}

	return Binding{Host: host, Port: port, Path: r.URL.Path}
}
