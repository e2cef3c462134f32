// Package pool6 stores the NAT64 translation prefix and converts between
// the IPv4 addresses of the outside network and their IPv6 representation
// per RFC 6052.
package pool6

import (
	"fmt"
	"net/netip"

	"github.com/nat64io/nat64d/pkg/nat64"
)

// DefaultPrefix is the well-known NAT64 prefix of RFC 6052.
const DefaultPrefix = "64:ff9b::/96"

// validLens are the prefix lengths RFC 6052 section 2.2 permits.
var validLens = map[int]bool{32: true, 40: true, 48: true, 56: true, 64: true, 96: true}

// Pool holds one translation prefix. The prefix is fixed at creation;
// the session database relies on it never moving under live sessions.
type Pool struct {
	prefix netip.Prefix
}

// New validates and stores a translation prefix.
func New(prefix netip.Prefix) (*Pool, error) {
	if !prefix.Addr().Is6() || prefix.Addr().Is4In6() {
		return nil, fmt.Errorf("%w: pool6 prefix %s is not IPv6", nat64.ErrInvalid, prefix)
	}
	if !validLens[prefix.Bits()] {
		return nil, fmt.Errorf("%w: pool6 prefix length /%d (want 32, 40, 48, 56, 64 or 96)",
			nat64.ErrInvalid, prefix.Bits())
	}
	return &Pool{prefix: prefix.Masked()}, nil
}

// Default returns a pool holding the well-known prefix.
func Default() *Pool {
	p, _ := New(netip.MustParsePrefix(DefaultPrefix))
	return p
}

// Prefix returns the stored prefix.
func (p *Pool) Prefix() netip.Prefix {
	return p.prefix
}

// Contains reports whether addr6 lies inside the translation prefix.
func (p *Pool) Contains(addr6 netip.Addr) bool {
	return p.prefix.Contains(addr6)
}

// ExtractV4 recovers the IPv4 address embedded in addr6. The embedding
// skips byte 8 (the "u" octet) for prefixes shorter than /96.
func (p *Pool) ExtractV4(addr6 netip.Addr) (netip.Addr, error) {
	if !p.prefix.Contains(addr6) {
		return netip.Addr{}, fmt.Errorf("%w: %s is outside pool6 %s",
			nat64.ErrInvalid, addr6, p.prefix)
	}
	raw := addr6.As16()
	start := p.prefix.Bits() / 8

	var v4 [4]byte
	for i := 0; i < 4; i++ {
		if start+i == 8 {
			start++
		}
		v4[i] = raw[start+i]
	}
	return netip.AddrFrom4(v4), nil
}

// EmbedV4 produces the IPv6 representation of addr4 under the prefix.
func (p *Pool) EmbedV4(addr4 netip.Addr) (netip.Addr, error) {
	if !addr4.Is4() {
		return netip.Addr{}, fmt.Errorf("%w: %s is not IPv4", nat64.ErrInvalid, addr4)
	}
	raw := p.prefix.Addr().As16()
	v4 := addr4.As4()
	start := p.prefix.Bits() / 8

	for i := 0; i < 4; i++ {
		if start+i == 8 {
			start++
		}
		raw[start+i] = v4[i]
	}
	return netip.AddrFrom16(raw), nil
}

// ExtractTransport translates an IPv6 transport address to its IPv4 view,
// keeping the L4 identifier.
func (p *Pool) ExtractTransport(t6 nat64.TransportAddr) (nat64.TransportAddr, error) {
	addr4, err := p.ExtractV4(t6.Addr)
	if err != nil {
		return nat64.TransportAddr{}, err
	}
	return nat64.TransportAddr{Addr: addr4, Port: t6.Port}, nil
}

// EmbedTransport translates an IPv4 transport address to its IPv6 view.
func (p *Pool) EmbedTransport(t4 nat64.TransportAddr) (nat64.TransportAddr, error) {
	addr6, err := p.EmbedV4(t4.Addr)
	if err != nil {
		return nat64.TransportAddr{}, err
	}
	return nat64.TransportAddr{Addr: addr6, Port: t4.Port}, nil
}
