// Package session binds each user to a single active session and the IP it
// was opened from. The firewall scopes every per-user sandbox port to that
// IP, so the session layer is the source of truth for "which address may
// reach which sandbox".
package session

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the client address of a request. Proxy headers win over
// the peer address: the first X-Forwarded-For entry, then X-Real-IP, then
// the connection's remote address. Falls back to 0.0.0.0 when nothing
// usable is present, which matches no firewall map entry.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
			return host
		}
		// RemoteAddr without a port, seen from some test servers.
		if ip := net.ParseIP(r.RemoteAddr); ip != nil {
			return r.RemoteAddr
		}
	}
	return "0.0.0.0"
}
