package pool4

import (
	"net/netip"
	"testing"

	"github.com/nat64io/nat64d/pkg/nat64"
)

func addr(t *testing.T, s string) nat64.TransportAddr {
	t.Helper()
	var a nat64.TransportAddr
	if err := a.UnmarshalText([]byte(s)); err != nil {
		t.Fatalf("bad transport address %q: %v", s, err)
	}
	return a
}

func TestDomainCoversEveryMask(t *testing.T) {
	p := New()
	if err := p.Add(0, nat64.TCP, netip.MustParsePrefix("192.0.2.1/32"),
		PortRange{Min: 1000, Max: 1003}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	d := p.Domain(0, nat64.TCP, addr(t, "2001:db8::1#40000"))
	if d == nil {
		t.Fatalf("Domain returned nil")
	}

	seen := map[nat64.TransportAddr]bool{}
	for {
		a, _, ok := d.Next()
		if !ok {
			break
		}
		if seen[a] {
			t.Fatalf("mask %v produced twice", a)
		}
		if !d.Matches(a) {
			t.Fatalf("domain does not match its own mask %v", a)
		}
		seen[a] = true
	}
	if len(seen) != 4 {
		t.Fatalf("domain produced %d masks, want 4", len(seen))
	}
}

func TestDomainConsecutiveFlag(t *testing.T) {
	p := New()
	if err := p.Add(0, nat64.UDP, netip.MustParsePrefix("192.0.2.1/32"),
		PortRange{Min: 1000, Max: 1009}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	d := p.Domain(0, nat64.UDP, addr(t, "2001:db8::1#40000"))

	prev, _, ok := d.Next()
	if !ok {
		t.Fatalf("empty domain")
	}
	for {
		a, consecutive, ok := d.Next()
		if !ok {
			break
		}
		want := a.Addr == prev.Addr && a.Port == prev.Port+1
		if consecutive != want {
			t.Fatalf("consecutive flag for %v after %v = %v, want %v",
				a, prev, consecutive, want)
		}
		prev = a
	}
}

func TestDomainOffsetIsStablePerEndpoint(t *testing.T) {
	p := New()
	if err := p.Add(0, nat64.UDP, netip.MustParsePrefix("192.0.2.0/30"),
		PortRange{Min: 1000, Max: 1100}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	src := addr(t, "2001:db8::17#5353")
	d1 := p.Domain(0, nat64.UDP, src)
	d2 := p.Domain(0, nat64.UDP, src)
	a1, _, _ := d1.Next()
	a2, _, _ := d2.Next()
	if a1 != a2 {
		t.Fatalf("same endpoint started at %v and %v", a1, a2)
	}
}

func TestDomainSelectsByMarkAndProto(t *testing.T) {
	p := New()
	p.Add(0, nat64.TCP, netip.MustParsePrefix("192.0.2.1/32"), PortRange{Min: 1, Max: 10})
	p.Add(7, nat64.TCP, netip.MustParsePrefix("198.51.100.1/32"), PortRange{Min: 1, Max: 10})

	if d := p.Domain(7, nat64.TCP, addr(t, "2001:db8::1#1")); d == nil || d.Mark() != 7 {
		t.Fatalf("mark 7 domain missing")
	} else if a, _, _ := d.Next(); a.Addr != netip.MustParseAddr("198.51.100.1") {
		t.Fatalf("mark 7 produced %v", a)
	}
	if d := p.Domain(0, nat64.UDP, addr(t, "2001:db8::1#1")); d != nil {
		t.Fatalf("UDP domain exists without a UDP entry")
	}
}

func TestTransportAddrCount(t *testing.T) {
	p := New()
	p.Add(0, nat64.TCP, netip.MustParsePrefix("192.0.2.0/31"), PortRange{Min: 1000, Max: 1001})
	p.Add(1, nat64.TCP, netip.MustParsePrefix("198.51.100.1/32"), PortRange{Min: 1, Max: 1})

	// 2 addresses x 2 ports + 1 address x 1 port.
	if n := p.TransportAddrCount(nat64.TCP); n != 5 {
		t.Fatalf("TransportAddrCount = %d, want 5", n)
	}
	if n := p.TransportAddrCount(nat64.UDP); n != 0 {
		t.Fatalf("UDP count = %d, want 0", n)
	}
}
