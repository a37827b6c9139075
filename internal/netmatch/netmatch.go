// Package netmatch provides address and domain matching primitives used by
// the whitelist checks.
package netmatch

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/miekg/dns"
)

// ErrInvalidNetwork is returned when a network string is neither an IPv4
// nor an IPv6 CIDR (or bare address).
var ErrInvalidNetwork = errors.New("invalid network")

// ParseNetwork parses an IPv4 or IPv6 CIDR. A bare address is treated as a
// host network (/32 or /128).
func ParseNetwork(network string) (netip.Prefix, error) {
	s := strings.TrimSpace(network)
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Masked(), nil
	}
	if a, err := netip.ParseAddr(s); err == nil {
		return netip.PrefixFrom(a, a.BitLen()), nil
	}
	return netip.Prefix{}, fmt.Errorf("%w: %q", ErrInvalidNetwork, network)
}

// MatchesCIDR reports whether ip lies inside network. IPv4-mapped IPv6
// addresses match IPv4 networks.
func MatchesCIDR(ip net.IP, network string) (bool, error) {
	p, err := ParseNetwork(network)
	if err != nil {
		return false, err
	}
	a, ok := addrOf(ip)
	if !ok {
		return false, nil
	}
	if p.Contains(a) {
		return true, nil
	}
	// ::ffff:127.0.0.0/104 style entries must still see an unmapped client.
	if a.Is4() && p.Addr().Is4In6() {
		return p.Contains(netip.AddrFrom16(a.As16())), nil
	}
	return false, nil
}

// MatchesAny reports whether ip lies inside any of networks. It stops at the
// first malformed entry and returns its error.
func MatchesAny(ip net.IP, networks []string) (bool, error) {
	for _, n := range networks {
		ok, err := MatchesCIDR(ip, n)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// EqualIP compares addresses structurally, so equivalent textual forms and
// IPv4-mapped IPv6 addresses compare equal.
func EqualIP(a, b net.IP) bool {
	x, ok := addrOf(a)
	if !ok {
		return false
	}
	y, ok := addrOf(b)
	if !ok {
		return false
	}
	return x == y
}

// ReverseDNSName returns the in-addr.arpa or ip6.arpa query name for ip.
// IPv4-mapped addresses get the in-addr.arpa name.
func ReverseDNSName(ip net.IP) string {
	a, ok := addrOf(ip)
	if !ok {
		return ""
	}
	name, err := dns.ReverseAddr(a.String())
	if err != nil {
		return ""
	}
	return name
}

// DomainSuffix reports whether name equals domain or is a subdomain of it.
// Comparison is case-insensitive and ignores a trailing root dot.
func DomainSuffix(name, domain string) bool {
	name = normalizeDomain(name)
	domain = normalizeDomain(domain)
	if name == "" || domain == "" {
		return false
	}
	if name == domain {
		return true
	}
	return strings.HasSuffix(name, "."+domain)
}

// EqualDomain compares two domain names case-insensitively.
func EqualDomain(a, b string) bool {
	a = normalizeDomain(a)
	return a != "" && a == normalizeDomain(b)
}

// DomainOf returns the domain part of a mailbox, or "" when there is none.
func DomainOf(address string) string {
	address = strings.Trim(address, "<>")
	i := strings.LastIndexByte(address, '@')
	if i < 0 {
		return ""
	}
	return address[i+1:]
}

func normalizeDomain(s string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), "."))
}

// addrOf converts ip to an unmapped netip.Addr.
func addrOf(ip net.IP) (netip.Addr, bool) {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}
