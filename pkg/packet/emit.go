package packet

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/nat64io/nat64d/pkg/nat64"
)

// Emitter sends the packets the session database originates. Both calls
// happen outside the table locks.
type Emitter interface {
	// SendProbe sends an empty ACK to the session's IPv6 endpoint to
	// confirm an idle established connection is still alive.
	SendProbe(session nat64.SessionEntry)
	// SendICMPError answers a stored packet with an ICMPv4 Destination
	// Unreachable (port). Ownership of the packet transfers here.
	SendICMPError(stored *Packet)
}

// WriteFunc delivers one serialized packet to the network layer.
type WriteFunc func(data []byte) error

// NetEmitter builds probe and error packets with gopacket and hands them
// to the configured writers. A nil writer silently drops, which is the
// correct behavior when one side of the translator is not attached.
type NetEmitter struct {
	Write6 WriteFunc // IPv6-side injection (probes)
	Write4 WriteFunc // IPv4-side injection (ICMP errors)
}

// SendProbe implements Emitter.
func (e *NetEmitter) SendProbe(session nat64.SessionEntry) {
	if e.Write6 == nil {
		return
	}
	data, err := BuildProbe(session)
	if err != nil {
		slog.Debug("could not build liveness probe", "err", err)
		return
	}
	if err := e.Write6(data); err != nil {
		slog.Debug("probe send failed", "session", session.Src6, "err", err)
	}
}

// SendICMPError implements Emitter.
func (e *NetEmitter) SendICMPError(stored *Packet) {
	if e.Write4 == nil {
		return
	}
	data, err := BuildICMPPortUnreachable(stored)
	if err != nil {
		slog.Debug("could not build ICMP error", "err", err)
		return
	}
	if err := e.Write4(data); err != nil {
		slog.Debug("ICMP error send failed", "err", err)
	}
}

// BuildProbe serializes the RFC 6146 liveness probe: an empty ACK from
// the outside peer's IPv6 representation to the inside endpoint.
func BuildProbe(session nat64.SessionEntry) ([]byte, error) {
	ip6 := &layers.IPv6{
		Version:    6,
		HopLimit:   255,
		NextHeader: layers.IPProtocolTCP,
		SrcIP:      net.IP(session.Dst6.Addr.AsSlice()),
		DstIP:      net.IP(session.Src6.Addr.AsSlice()),
	}
	tcp := &layers.TCP{
		SrcPort:    layers.TCPPort(session.Dst6.Port),
		DstPort:    layers.TCPPort(session.Src6.Port),
		ACK:        true,
		Window:     8192,
		DataOffset: 5,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip6); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip6, tcp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildICMPPortUnreachable wraps the stored packet's IPv4 header plus the
// first 8 payload bytes in a Destination Unreachable (port) message, per
// RFC 792. The error goes back to the stored packet's source.
func BuildICMPPortUnreachable(stored *Packet) ([]byte, error) {
	orig := stored.Bytes()
	if len(orig) < 20 {
		return nil, fmt.Errorf("%w: stored packet too short", nat64.ErrInvalid)
	}
	ihl := int(orig[0]&0x0f) * 4
	if ihl < 20 || ihl > len(orig) {
		return nil, fmt.Errorf("%w: stored packet header length %d", nat64.ErrInvalid, ihl)
	}
	quote := orig
	if max := ihl + 8; len(quote) > max {
		quote = quote[:max]
	}

	t4 := stored.Tuple4()
	ip4 := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.IP(t4.Dst4.Addr.AsSlice()),
		DstIP:    net.IP(t4.Src4.Addr.AsSlice()),
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(
			layers.ICMPv4TypeDestinationUnreachable,
			layers.ICMPv4CodePort),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip4, icmp, gopacket.Payload(quote)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
