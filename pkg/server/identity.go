package server

import (
	"net"
	"net/http"
	"strings"

	"github.com/elonfeng/readtrack/pkg/article"
)

// Default identity sources.
const (
	DefaultUserHeader    = "X-User-ID"
	DefaultSessionCookie = "sessionid"
)

// IdentityResolver derives the reader identity of a request: the
// authenticated user header, then the session cookie, then the client
// address, then "anonymous".
type IdentityResolver struct {
	Header string
	Cookie string
}

// Resolve never returns an empty string.
func (ir IdentityResolver) Resolve(r *http.Request) string {
	header := ir.Header
	if header == "" {
		header = DefaultUserHeader
	}
	if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
		return v
	}

	name := ir.Cookie
	if name == "" {
		name = DefaultSessionCookie
	}
	if c, err := r.Cookie(name); err == nil && c.Value != "" {
		return c.Value
	}

	if addr := remoteHost(r.RemoteAddr); addr != "" {
		return addr
	}
	return article.Anonymous
}

func remoteHost(addr string) string {
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
