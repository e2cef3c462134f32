// Package joold replicates session state between translator instances
// so an idle standby can take over live connections. Records are framed
// fixed-size snapshots; a frame never exceeds one typical MTU's worth.
package joold

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/nat64io/nat64d/pkg/nat64"
)

// syncMagic identifies session sync frames.
var syncMagic = [4]byte{'N', '6', '4', 'S'}

// Frame types.
const (
	msgSessions  = 1 // payload: recordSize-byte session records
	msgAdvertise = 2 // request: re-send every session
	msgHeartbeat = 3 // keepalive, no payload
)

const (
	headerSize = 8
	recordSize = 64

	// DefaultFrameSize keeps one frame inside a typical Ethernet MTU
	// after IP and TCP headers.
	DefaultFrameSize = 1452
)

// recordsPerFrame returns how many records a frame of the given size
// can carry.
func recordsPerFrame(frameSize int) int {
	n := (frameSize - headerSize) / recordSize
	if n < 1 {
		n = 1
	}
	return n
}

// putHeader writes a frame header: magic, type, record count.
func putHeader(buf []byte, msgType uint8, count int) {
	copy(buf[:4], syncMagic[:])
	buf[4] = msgType
	buf[5] = 0
	binary.BigEndian.PutUint16(buf[6:8], uint16(count))
}

// parseHeader validates and splits a frame header.
func parseHeader(buf []byte) (msgType uint8, count int, err error) {
	if [4]byte(buf[:4]) != syncMagic {
		return 0, 0, fmt.Errorf("%w: bad sync magic", nat64.ErrInvalid)
	}
	return buf[4], int(binary.BigEndian.Uint16(buf[6:8])), nil
}

// encodeRecord packs one session snapshot. Update times do not travel
// between machines; the record carries the session's age instead, which
// the receiver subtracts from its own clock.
func encodeRecord(buf []byte, se nat64.SessionEntry, now uint64) {
	age := uint32(0)
	if now > se.UpdateTime {
		age = uint32(now - se.UpdateTime)
	}

	buf[0] = uint8(se.Proto)
	buf[1] = uint8(se.State)
	buf[2] = uint8(se.Timer)
	buf[3] = 0
	binary.BigEndian.PutUint32(buf[4:8], age)

	src6 := se.Src6.Addr.As16()
	copy(buf[8:24], src6[:])
	binary.BigEndian.PutUint16(buf[24:26], se.Src6.Port)

	dst6 := se.Dst6.Addr.As16()
	copy(buf[26:42], dst6[:])
	binary.BigEndian.PutUint16(buf[42:44], se.Dst6.Port)

	src4 := se.Src4.Addr.As4()
	copy(buf[44:48], src4[:])
	binary.BigEndian.PutUint16(buf[48:50], se.Src4.Port)

	dst4 := se.Dst4.Addr.As4()
	copy(buf[50:54], dst4[:])
	binary.BigEndian.PutUint16(buf[54:56], se.Dst4.Port)

	clear(buf[56:recordSize])
}

// decodeRecord unpacks one session record, reconstructing the update
// time against the local clock.
func decodeRecord(buf []byte, now uint64) (nat64.SessionEntry, error) {
	se := nat64.SessionEntry{
		Proto: nat64.Proto(buf[0]),
		State: nat64.TCPState(buf[1]),
		Timer: nat64.TimerType(buf[2]),
	}
	if se.Proto != nat64.TCP && se.Proto != nat64.UDP && se.Proto != nat64.ICMP {
		return se, fmt.Errorf("%w: session record protocol %d", nat64.ErrInvalid, buf[0])
	}

	age := uint64(binary.BigEndian.Uint32(buf[4:8]))
	if age > now {
		age = now
	}
	se.UpdateTime = now - age

	se.Src6 = nat64.TransportAddr{
		Addr: netip.AddrFrom16([16]byte(buf[8:24])),
		Port: binary.BigEndian.Uint16(buf[24:26]),
	}
	se.Dst6 = nat64.TransportAddr{
		Addr: netip.AddrFrom16([16]byte(buf[26:42])),
		Port: binary.BigEndian.Uint16(buf[42:44]),
	}
	se.Src4 = nat64.TransportAddr{
		Addr: netip.AddrFrom4([4]byte(buf[44:48])),
		Port: binary.BigEndian.Uint16(buf[48:50]),
	}
	se.Dst4 = nat64.TransportAddr{
		Addr: netip.AddrFrom4([4]byte(buf[50:54])),
		Port: binary.BigEndian.Uint16(buf[54:56]),
	}
	return se, nil
}
