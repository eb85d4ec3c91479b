package util

import (
	"net/http"
	"net/netip"
	"strings"
)

// TrustedProxies is the set of address ranges allowed to set forwarding
// headers on requests they relay.
type TrustedProxies struct {
	ranges []netip.Prefix
}

// NewTrustedProxies parses CIDR or single-address entries. An empty list
// yields nil: no proxy is trusted by default.
func NewTrustedProxies(entries []string) (*TrustedProxies, error) {
	ranges := make([]netip.Prefix, 0, len(entries))
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, err
			}
			ranges = append(ranges, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, netip.PrefixFrom(addr, addr.BitLen()))
	}
	if len(ranges) == 0 {
		return nil, nil
	}
	return &TrustedProxies{ranges: ranges}, nil
}

// Contains reports whether addr falls inside a trusted range.
func (t *TrustedProxies) Contains(addr netip.Addr) bool {
	if t == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range t.ranges {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP resolves the caller address for rate limiting. The
// X-Forwarded-For chain is honored only when the direct peer is a trusted
// proxy; the result is the rightmost entry that is not itself trusted.
func ClientIP(r *http.Request, trusted *TrustedProxies) string {
	remote := remoteAddr(r.RemoteAddr)
	if !remote.IsValid() {
		return strings.TrimSpace(r.RemoteAddr)
	}
	if !trusted.Contains(remote) {
		return remote.String()
	}
	chain := append(forwardedChain(r.Header.Get("X-Forwarded-For")), remote)
	for i := len(chain) - 1; i >= 0; i-- {
		if !trusted.Contains(chain[i]) {
			return chain[i].String()
		}
	}
	return chain[0].String()
}

func remoteAddr(raw string) netip.Addr {
	raw = strings.TrimSpace(raw)
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().Unmap()
	}
	if addr, err := netip.ParseAddr(raw); err == nil {
		return addr.Unmap()
	}
	return netip.Addr{}
}

func forwardedChain(raw string) []netip.Addr {
	parts := strings.Split(raw, ",")
	out := make([]netip.Addr, 0, len(parts))
	for _, part := range parts {
		addr, err := netip.ParseAddr(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		out = append(out, addr.Unmap())
	}
	return out
}
