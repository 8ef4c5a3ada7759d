package runner

import (
	"net"
	"net/http"
	"strings"
)

// ClientAddress resolves the address a request is pinned to. With a trusted
// proxy header the first entry of that header wins; otherwise the socket
// address without its port.
func ClientAddress(r *http.Request, trustedHeader string) string {
	if trustedHeader != "" {
		if v := r.Header.Get(trustedHeader); v != "" {
			first, _, _ := strings.Cut(v, ",")
			if addr := strings.TrimSpace(first); addr != "" {
				return addr
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
