// Package nat64 holds the data model shared by the NAT64 engine and its
// surrounding services: transport addresses, tuples, BIB entries, sessions
// and the TCP connection states of RFC 6146.
package nat64

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Proto is the transport protocol of a BIB table.
type Proto uint8

const (
	TCP Proto = iota
	UDP
	ICMP
)

// Protos lists every protocol that owns a table, in table order.
var Protos = []Proto{TCP, UDP, ICMP}

func (p Proto) String() string {
	switch p {
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	case ICMP:
		return "ICMP"
	}
	return fmt.Sprintf("Proto(%d)", uint8(p))
}

// ParseProto parses a protocol name, case-insensitively.
func ParseProto(s string) (Proto, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return TCP, nil
	case "udp":
		return UDP, nil
	case "icmp":
		return ICMP, nil
	}
	return 0, fmt.Errorf("%w: unknown protocol %q", ErrInvalid, s)
}

// TransportAddr is an L3 address plus an L4 identifier. The identifier is
// a port for TCP/UDP and the ICMP id for ICMP.
type TransportAddr struct {
	Addr netip.Addr
	Port uint16
}

// Compare orders transport addresses by address first, then identifier.
// This is the ordering of every index in the database.
func (a TransportAddr) Compare(b TransportAddr) int {
	if c := a.Addr.Compare(b.Addr); c != 0 {
		return c
	}
	switch {
	case a.Port < b.Port:
		return -1
	case a.Port > b.Port:
		return 1
	}
	return 0
}

// IsValid reports whether the address part has been set.
func (a TransportAddr) IsValid() bool {
	return a.Addr.IsValid()
}

func (a TransportAddr) String() string {
	return fmt.Sprintf("%s#%d", a.Addr, a.Port)
}

// MarshalText implements encoding.TextMarshaler using the addr#port form.
func (a TransportAddr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses the addr#port form.
func (a *TransportAddr) UnmarshalText(text []byte) error {
	s := string(text)
	i := strings.LastIndexByte(s, '#')
	if i < 0 {
		return fmt.Errorf("%w: transport address %q lacks '#'", ErrInvalid, s)
	}
	addr, err := netip.ParseAddr(s[:i])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	port, err := strconv.ParseUint(s[i+1:], 10, 16)
	if err != nil {
		return fmt.Errorf("%w: bad port in %q", ErrInvalid, s)
	}
	a.Addr = addr
	a.Port = uint16(port)
	return nil
}

// Tuple6 is the relevant half of an inbound IPv6 packet's 5-tuple.
type Tuple6 struct {
	Src6  TransportAddr
	Dst6  TransportAddr
	Proto Proto
}

// Tuple4 is the relevant half of an inbound IPv4 packet's 5-tuple.
type Tuple4 struct {
	Src4  TransportAddr
	Dst4  TransportAddr
	Proto Proto
}

// TCPState is the per-session connection state of RFC 6146 section 3.5.2.
// UDP and ICMP sessions always hold Established.
type TCPState uint8

const (
	Established TCPState = iota
	V6Init
	V4Init
	V4FinRcv
	V6FinRcv
	V4FinV6FinRcv
	Trans
)

func (s TCPState) String() string {
	switch s {
	case Established:
		return "ESTABLISHED"
	case V6Init:
		return "V6_INIT"
	case V4Init:
		return "V4_INIT"
	case V4FinRcv:
		return "V4_FIN_RCV"
	case V6FinRcv:
		return "V6_FIN_RCV"
	case V4FinV6FinRcv:
		return "V4_FIN_V6_FIN_RCV"
	case Trans:
		return "TRANS"
	}
	return fmt.Sprintf("TCPState(%d)", uint8(s))
}

// TimerType identifies which of a table's three expiration lists a
// session is attached to.
type TimerType uint8

const (
	TimerEst TimerType = iota
	TimerTrans
	TimerSyn4
)

func (t TimerType) String() string {
	switch t {
	case TimerEst:
		return "est"
	case TimerTrans:
		return "trans"
	case TimerSyn4:
		return "syn4"
	}
	return fmt.Sprintf("TimerType(%d)", uint8(t))
}

// Direction tells the TCP state machine which side a packet came from.
type Direction uint8

const (
	Dir6To4 Direction = iota
	Dir4To6
)

// BIBEntry is a snapshot of one inside/outside transport address binding.
type BIBEntry struct {
	Src6   TransportAddr `json:"src6"`
	Src4   TransportAddr `json:"src4"`
	Proto  Proto         `json:"-"`
	Static bool          `json:"static"`
}

// SessionEntry is a snapshot of one session, denormalized with its owning
// BIB entry's addresses.
type SessionEntry struct {
	Src6  TransportAddr `json:"src6"`
	Dst6  TransportAddr `json:"dst6"`
	Src4  TransportAddr `json:"src4"`
	Dst4  TransportAddr `json:"dst4"`
	Proto Proto         `json:"-"`
	State TCPState      `json:"state"`

	Timer TimerType `json:"timer"`
	// UpdateTime is the monotonic tick (milliseconds) of the session's
	// last activity.
	UpdateTime uint64 `json:"update_time"`
	// TimeoutMillis is the full lifetime the session gets on its current
	// timer list.
	TimeoutMillis uint64 `json:"timeout_ms"`
	// HasStored reports whether the session is holding a packet awaiting
	// Simultaneous Open resolution.
	HasStored bool `json:"has_stored"`
}

// BIBSession is the lookup result handed to the translator: a BIB
// snapshot, optionally with a session snapshot on top.
type BIBSession struct {
	BIBSet     bool
	SessionSet bool
	Session    SessionEntry
}

// Counters is the per-table population answer for the counters query.
type Counters struct {
	BIBEntries uint64 `json:"bib_entries"`
	Sessions   uint64 `json:"sessions"`
	StoredPkts uint64 `json:"stored_pkts"`
}
