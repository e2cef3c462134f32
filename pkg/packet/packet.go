// Package packet models the packets the session database holds on to and
// the ones it originates (TCP liveness probes and ICMPv4 errors).
// Buffers stored by the database are move-only: once the engine steals a
// packet the previous owner must not forward or free it.
package packet

import (
	"fmt"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/nat64io/nat64d/pkg/nat64"
)

// TCPFlags is the subset of TCP header flags the state machine reads.
type TCPFlags struct {
	SYN bool
	FIN bool
	RST bool
}

// Packet is one raw inbound packet plus the metadata the engine needs.
// It is parsed once at ingress; the raw bytes are kept for deferred
// translation or ICMP error generation.
type Packet struct {
	data  []byte
	proto nat64.Proto
	flags TCPFlags

	src netip.Addr
	dst netip.Addr
	// sport/dport are ports for TCP/UDP; for ICMP both carry the id.
	sport uint16
	dport uint16

	taken bool
}

// ParseV4 decodes an inbound IPv4 packet. Only the first fragment of TCP,
// UDP and ICMP query packets is meaningful to the session database.
func ParseV4(data []byte) (*Packet, error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Lazy)
	ip4, ok := pkt.NetworkLayer().(*layers.IPv4)
	if !ok {
		return nil, fmt.Errorf("%w: not an IPv4 packet", nat64.ErrInvalid)
	}

	p := &Packet{data: data}
	p.src, _ = netip.AddrFromSlice(ip4.SrcIP.To4())
	p.dst, _ = netip.AddrFromSlice(ip4.DstIP.To4())

	switch ip4.Protocol {
	case layers.IPProtocolTCP:
		tcp, ok := pkt.TransportLayer().(*layers.TCP)
		if !ok {
			return nil, fmt.Errorf("%w: truncated TCP header", nat64.ErrInvalid)
		}
		p.proto = nat64.TCP
		p.sport = uint16(tcp.SrcPort)
		p.dport = uint16(tcp.DstPort)
		p.flags = TCPFlags{SYN: tcp.SYN, FIN: tcp.FIN, RST: tcp.RST}
	case layers.IPProtocolUDP:
		udp, ok := pkt.TransportLayer().(*layers.UDP)
		if !ok {
			return nil, fmt.Errorf("%w: truncated UDP header", nat64.ErrInvalid)
		}
		p.proto = nat64.UDP
		p.sport = uint16(udp.SrcPort)
		p.dport = uint16(udp.DstPort)
	case layers.IPProtocolICMPv4:
		icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		if !ok {
			return nil, fmt.Errorf("%w: truncated ICMP header", nat64.ErrInvalid)
		}
		p.proto = nat64.ICMP
		p.sport = icmp.Id
		p.dport = icmp.Id
	default:
		return nil, fmt.Errorf("%w: unsupported protocol %d", nat64.ErrInvalid, ip4.Protocol)
	}
	return p, nil
}

// NewV4 builds a Packet from already-known metadata, carrying raw bytes.
// The translator uses this when it has parsed headers itself.
func NewV4(data []byte, t nat64.Tuple4, flags TCPFlags) *Packet {
	return &Packet{
		data:  data,
		proto: t.Proto,
		flags: flags,
		src:   t.Src4.Addr,
		dst:   t.Dst4.Addr,
		sport: t.Src4.Port,
		dport: t.Dst4.Port,
	}
}

// Proto returns the packet's transport protocol.
func (p *Packet) Proto() nat64.Proto { return p.proto }

// Flags returns the TCP flags; zero value for non-TCP packets.
func (p *Packet) Flags() TCPFlags { return p.flags }

// Tuple4 returns the packet's tuple as seen on the IPv4 side.
func (p *Packet) Tuple4() nat64.Tuple4 {
	return nat64.Tuple4{
		Src4:  nat64.TransportAddr{Addr: p.src, Port: p.sport},
		Dst4:  nat64.TransportAddr{Addr: p.dst, Port: p.dport},
		Proto: p.proto,
	}
}

// Bytes exposes the raw buffer without transferring ownership.
func (p *Packet) Bytes() []byte { return p.data }

// Take transfers ownership of the packet. The engine calls this when it
// stores a packet; a second Take reports the double-use.
func (p *Packet) Take() (*Packet, error) {
	if p.taken {
		return nil, fmt.Errorf("%w: packet already stored", nat64.ErrInvalid)
	}
	p.taken = true
	return p, nil
}
