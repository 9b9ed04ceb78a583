package httpparse

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// URL is a request target split the way a proxy sees it. Origin-form
// targets only carry a Remainder; authority-form targets only carry a Host
// and Port.
type URL struct {
	Scheme string
	// Host keeps IPv6 literals bracketed.
	Host string
	// Port is 0 when the target named none.
	Port int
	// Remainder is the path, query and fragment, verbatim.
	Remainder string
}

// ParseURL splits a request target. Targets starting with "/" are
// origin-form, targets starting with http:// or https:// are absolute-form,
// and anything else is read as authority-form host[:port].
func ParseURL(raw string) (*URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty request target", ErrMalformed)
	}
	if raw[0] == '/' {
		return &URL{Remainder: raw}, nil
	}

	for _, scheme := range []string{"http", "https"} {
		prefix := scheme + "://"
		if len(raw) < len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
			continue
		}
		rest := raw[len(prefix):]
		authority, remainder := rest, ""
		if i := strings.IndexAny(rest, "/?#"); i >= 0 {
			authority, remainder = rest[:i], rest[i:]
		}
		host, port, err := ParseHostPort(authority)
		if err != nil {
			return nil, err
		}
		return &URL{Scheme: scheme, Host: host, Port: port, Remainder: remainder}, nil
	}

	host, port, err := ParseHostPort(raw)
	if err != nil {
		return nil, err
	}
	return &URL{Host: host, Port: port}, nil
}

// ParseHostPort splits an authority into host and port. The last
// colon-separated token is the port when it is numeric; otherwise the whole
// input is the host. A host containing a colon comes back bracketed, so
// both "[::]:443" and ":::443" yield "[::]" and 443.
func ParseHostPort(raw string) (string, int, error) {
	host, port := raw, 0
	if i := strings.LastIndexByte(raw, ':'); i >= 0 {
		if n, err := strconv.Atoi(raw[i+1:]); err == nil {
			if n < 0 || n > 65535 {
				return "", 0, fmt.Errorf("%w: port out of range in %q", ErrMalformed, raw)
			}
			host, port = raw[:i], n
		}
	}
	if strings.IndexByte(host, ':') >= 0 && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return host, port, nil
}

// Hostname returns Host without IPv6 brackets, ready for net.JoinHostPort.
func (u *URL) Hostname() string {
	return strings.TrimSuffix(strings.TrimPrefix(u.Host, "["), "]")
}

// RequestURI returns the origin-form target, "/" when the URL has no path.
func (u *URL) RequestURI() string {
	switch {
	case u.Remainder == "":
		return "/"
	case u.Remainder[0] != '/':
		return "/" + u.Remainder
	default:
		return u.Remainder
	}
}

func (u *URL) String() string {
	var b strings.Builder
	if u.Scheme != "" {
		b.WriteString(u.Scheme)
		b.WriteString("://")
	}
	if u.Host != "" {
		if u.Port != 0 {
			b.WriteString(net.JoinHostPort(u.Hostname(), strconv.Itoa(u.Port)))
		} else {
			b.WriteString(u.Host)
		}
	}
	b.WriteString(u.Remainder)
	return b.String()
}
