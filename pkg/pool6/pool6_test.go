package pool6

import (
	"net/netip"
	"testing"
)

func TestExtractAndEmbedWellKnown(t *testing.T) {
	p := Default()

	addr6 := netip.MustParseAddr("64:ff9b::203.0.113.7")
	got, err := p.ExtractV4(addr6)
	if err != nil {
		t.Fatalf("ExtractV4: %v", err)
	}
	if want := netip.MustParseAddr("203.0.113.7"); got != want {
		t.Fatalf("ExtractV4 = %v, want %v", got, want)
	}

	back, err := p.EmbedV4(got)
	if err != nil {
		t.Fatalf("EmbedV4: %v", err)
	}
	if back != addr6 {
		t.Fatalf("EmbedV4 = %v, want %v", back, addr6)
	}
}

// RFC 6052 section 2.4: shorter prefixes skip the u octet (byte 8).
func TestEmbedSkipsUOctet(t *testing.T) {
	cases := []struct {
		prefix string
		want   string
	}{
		{"2001:db8::/32", "2001:db8:c000:221::"},
		{"2001:db8:100::/40", "2001:db8:1c0:2:21::"},
		{"2001:db8:122::/48", "2001:db8:122:c000:2:2100::"},
		{"2001:db8:122:300::/56", "2001:db8:122:3c0:0:221::"},
		{"2001:db8:122:344::/64", "2001:db8:122:344:c0:2:2100:0"},
		{"2001:db8:122:344::/96", "2001:db8:122:344::c000:221"},
	}
	v4 := netip.MustParseAddr("192.0.2.33")

	for _, tc := range cases {
		p, err := New(netip.MustParsePrefix(tc.prefix))
		if err != nil {
			t.Fatalf("New(%s): %v", tc.prefix, err)
		}
		got, err := p.EmbedV4(v4)
		if err != nil {
			t.Fatalf("EmbedV4(%s): %v", tc.prefix, err)
		}
		if want := netip.MustParseAddr(tc.want); got != want {
			t.Fatalf("EmbedV4 under %s = %v, want %v", tc.prefix, got, want)
		}

		back, err := p.ExtractV4(got)
		if err != nil {
			t.Fatalf("ExtractV4(%s): %v", tc.prefix, err)
		}
		if back != v4 {
			t.Fatalf("ExtractV4 under %s = %v, want %v", tc.prefix, back, v4)
		}
	}
}

func TestRejectsBadPrefixes(t *testing.T) {
	if _, err := New(netip.MustParsePrefix("64:ff9b::/95")); err == nil {
		t.Fatalf("accepted /95")
	}
	if _, err := New(netip.MustParsePrefix("192.0.2.0/24")); err == nil {
		t.Fatalf("accepted an IPv4 prefix")
	}
}

func TestExtractOutsidePrefix(t *testing.T) {
	p := Default()
	if _, err := p.ExtractV4(netip.MustParseAddr("2001:db8::1")); err == nil {
		t.Fatalf("extracted from an address outside the prefix")
	}
}
