package http

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// IPConfig holds configuration for IP extraction and validation
type IPConfig struct {
	TrustedProxies []string // CIDR ranges of trusted proxies
}

// ExtractClientIP returns the address the attempt ledger should be keyed on.
// X-Forwarded-For and X-Real-IP are honoured only when the direct peer is a trusted
// proxy, otherwise any client could rotate its ledger key by setting a header.
// IPv4-mapped IPv6 addresses are reported in their IPv4 form.
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	remote, ok := remoteAddr(r)
	if !ok {
		return "unknown"
	}

	if config != nil && isTrustedProxy(remote, config.TrustedProxies) {
		if addr, ok := forwardedClient(r.Header.Get("X-Forwarded-For"), config.TrustedProxies); ok {
			return addr.String()
		}

		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
				return addr.Unmap().String()
			}
		}
	}

	return remote.String()
}

// forwardedClient walks X-Forwarded-For from the right, skipping trusted proxy hops.
// Entries left of the first untrusted hop were written by the client and are ignored.
// When every hop is trusted the leftmost one is returned.
func forwardedClient(xff string, trustedProxies []string) (netip.Addr, bool) {
	if xff == "" {
		return netip.Addr{}, false
	}

	var (
		last  netip.Addr
		found bool
	)
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		addr = addr.Unmap().WithZone("")
		if !isTrustedProxy(addr, trustedProxies) {
			return addr, true
		}
		last, found = addr, true
	}
	return last, found
}

// remoteAddr parses RemoteAddr with or without a port
func remoteAddr(r *http.Request) (netip.Addr, bool) {
	if r.RemoteAddr == "" {
		return netip.Addr{}, false
	}

	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}

// isTrustedProxy checks if an address is within any of the trusted proxy CIDR ranges
func isTrustedProxy(addr netip.Addr, trustedProxies []string) bool {
	for _, cidr := range trustedProxies {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			continue
		}
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
