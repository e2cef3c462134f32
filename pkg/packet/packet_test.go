package packet

import (
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/nat64io/nat64d/pkg/nat64"
)

func mustAddr(t *testing.T, s string) nat64.TransportAddr {
	t.Helper()
	var a nat64.TransportAddr
	if err := a.UnmarshalText([]byte(s)); err != nil {
		t.Fatalf("bad transport address %q: %v", s, err)
	}
	return a
}

func buildV4TCP(t *testing.T, flags TCPFlags) []byte {
	t.Helper()
	ip4 := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    []byte{203, 0, 113, 7},
		DstIP:    []byte{192, 0, 2, 1},
	}
	tcp := &layers.TCP{
		SrcPort:    1234,
		DstPort:    1000,
		SYN:        flags.SYN,
		FIN:        flags.FIN,
		RST:        flags.RST,
		DataOffset: 5,
		Window:     65535,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip4); err != nil {
		t.Fatalf("checksum setup: %v", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip4, tcp); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

func TestParseV4TCP(t *testing.T) {
	raw := buildV4TCP(t, TCPFlags{SYN: true})
	p, err := ParseV4(raw)
	if err != nil {
		t.Fatalf("ParseV4: %v", err)
	}
	if p.Proto() != nat64.TCP {
		t.Fatalf("proto = %v, want TCP", p.Proto())
	}
	if !p.Flags().SYN || p.Flags().FIN || p.Flags().RST {
		t.Fatalf("flags = %+v, want SYN only", p.Flags())
	}
	t4 := p.Tuple4()
	if t4.Src4 != mustAddr(t, "203.0.113.7#1234") || t4.Dst4 != mustAddr(t, "192.0.2.1#1000") {
		t.Fatalf("tuple = %+v", t4)
	}
}

func TestParseV4Garbage(t *testing.T) {
	if _, err := ParseV4([]byte{0x45, 0x00}); err == nil {
		t.Fatalf("parsed a truncated packet")
	}
}

func TestTakeIsMoveOnly(t *testing.T) {
	p, err := ParseV4(buildV4TCP(t, TCPFlags{SYN: true}))
	if err != nil {
		t.Fatalf("ParseV4: %v", err)
	}
	if _, err := p.Take(); err != nil {
		t.Fatalf("first Take: %v", err)
	}
	if _, err := p.Take(); err == nil {
		t.Fatalf("second Take succeeded; stored packets must be move-only")
	}
}

func TestBuildProbe(t *testing.T) {
	session := nat64.SessionEntry{
		Src6: mustAddr(t, "2001:db8::1#40000"),
		Dst6: mustAddr(t, "64:ff9b::203.0.113.7#80"),
	}
	raw, err := BuildProbe(session)
	if err != nil {
		t.Fatalf("BuildProbe: %v", err)
	}

	pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv6, gopacket.Default)
	ip6, ok := pkt.NetworkLayer().(*layers.IPv6)
	if !ok {
		t.Fatalf("probe is not IPv6")
	}
	if ip6.HopLimit != 255 {
		t.Fatalf("probe hop limit = %d, want 255", ip6.HopLimit)
	}
	tcp, ok := pkt.TransportLayer().(*layers.TCP)
	if !ok {
		t.Fatalf("probe is not TCP")
	}
	if !tcp.ACK || tcp.SYN || tcp.FIN || tcp.RST {
		t.Fatalf("probe flags wrong: %+v", tcp)
	}
	if uint16(tcp.SrcPort) != 80 || uint16(tcp.DstPort) != 40000 {
		t.Fatalf("probe ports = %v -> %v", tcp.SrcPort, tcp.DstPort)
	}
	if len(tcp.Payload) != 0 {
		t.Fatalf("probe carries payload")
	}
}

func TestBuildICMPPortUnreachable(t *testing.T) {
	stored, err := ParseV4(buildV4TCP(t, TCPFlags{SYN: true}))
	if err != nil {
		t.Fatalf("ParseV4: %v", err)
	}

	raw, err := BuildICMPPortUnreachable(stored)
	if err != nil {
		t.Fatalf("BuildICMPPortUnreachable: %v", err)
	}

	pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.Default)
	ip4, ok := pkt.NetworkLayer().(*layers.IPv4)
	if !ok {
		t.Fatalf("error is not IPv4")
	}
	// The error goes back to the stored packet's source.
	if ip4.DstIP.String() != "203.0.113.7" {
		t.Fatalf("error aimed at %v, want the SYN's source", ip4.DstIP)
	}
	icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	if !ok {
		t.Fatalf("no ICMPv4 layer")
	}
	if icmp.TypeCode.Type() != layers.ICMPv4TypeDestinationUnreachable ||
		icmp.TypeCode.Code() != layers.ICMPv4CodePort {
		t.Fatalf("type/code = %v", icmp.TypeCode)
	}
	// RFC 792: the invoking header plus at least 8 bytes ride along.
	if len(icmp.Payload) < 28 {
		t.Fatalf("quoted %d bytes, want the IPv4 header + 8", len(icmp.Payload))
	}
}
