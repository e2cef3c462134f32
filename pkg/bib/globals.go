package bib

import "time"

// Session lifetimes and bounds from RFC 6146 section 4.
const (
	DefaultTCPEstTimeout   = 2 * time.Hour
	DefaultTCPTransTimeout = 4 * time.Minute
	DefaultTCPSyn4Timeout  = 6 * time.Second
	DefaultUDPTimeout      = 5 * time.Minute
	MinUDPTimeout          = 2 * time.Minute
	DefaultICMPTimeout     = 1 * time.Minute

	// DefaultMaxStoredPkts bounds the packets held for Simultaneous Open
	// detection, both queued SYNs and ones attached to sessions.
	DefaultMaxStoredPkts = 10
)

// Globals is the runtime configuration the engine consults on every
// packet. It is fixed at construction.
type Globals struct {
	TCPEstTimeout   time.Duration
	TCPTransTimeout time.Duration
	TCPSyn4Timeout  time.Duration
	UDPTimeout      time.Duration
	ICMPTimeout     time.Duration

	MaxStoredPkts int

	// BIBLogging and SessionLogging switch the lifecycle log lines on.
	BIBLogging     bool
	SessionLogging bool

	// DropByAddr enables Address-Dependent Filtering: inbound flows are
	// accepted only from peers the inside endpoint has contacted.
	DropByAddr bool
	// DropExternalTCP refuses TCP connections initiated from the IPv4
	// side outright, disabling Simultaneous Open storage.
	DropExternalTCP bool
}

// DefaultGlobals returns the RFC defaults.
func DefaultGlobals() Globals {
	return Globals{
		TCPEstTimeout:   DefaultTCPEstTimeout,
		TCPTransTimeout: DefaultTCPTransTimeout,
		TCPSyn4Timeout:  DefaultTCPSyn4Timeout,
		UDPTimeout:      DefaultUDPTimeout,
		ICMPTimeout:     DefaultICMPTimeout,
		MaxStoredPkts:   DefaultMaxStoredPkts,
	}
}

// sanitize clamps the values RFC 6146 puts floors under.
func (g *Globals) sanitize() {
	if g.UDPTimeout < MinUDPTimeout {
		g.UDPTimeout = MinUDPTimeout
	}
	if g.TCPEstTimeout <= 0 {
		g.TCPEstTimeout = DefaultTCPEstTimeout
	}
	if g.TCPTransTimeout <= 0 {
		g.TCPTransTimeout = DefaultTCPTransTimeout
	}
	if g.TCPSyn4Timeout <= 0 {
		g.TCPSyn4Timeout = DefaultTCPSyn4Timeout
	}
	if g.ICMPTimeout <= 0 {
		g.ICMPTimeout = DefaultICMPTimeout
	}
	if g.MaxStoredPkts <= 0 {
		g.MaxStoredPkts = DefaultMaxStoredPkts
	}
}
