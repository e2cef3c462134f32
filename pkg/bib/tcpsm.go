package bib

import (
	"github.com/nat64io/nat64d/pkg/nat64"
	"github.com/nat64io/nat64d/pkg/packet"
)

// Transition is the TCP state machine of RFC 6146 section 3.5.2, as a
// pure function: given the session's current state, the side the packet
// arrived on and its flags, it returns the next state and what to do
// with the session. It never handles the CLOSED pseudo-state; sessions
// only exist once an initial SYN has been seen.
func Transition(state nat64.TCPState, dir nat64.Direction, flags packet.TCPFlags) (nat64.TCPState, Fate) {
	switch state {
	case nat64.V6Init:
		if flags.SYN {
			if dir == nat64.Dir4To6 {
				return nat64.Established, FateTimerEst
			}
			// Retransmitted v6 SYN; restart the transitory wait.
			return nat64.V6Init, FateTimerTrans
		}
		return state, FatePreserve

	case nat64.V4Init:
		if flags.SYN && dir == nat64.Dir6To4 {
			return nat64.Established, FateTimerEst
		}
		return state, FatePreserve

	case nat64.Established:
		switch {
		case flags.FIN && dir == nat64.Dir4To6:
			return nat64.V4FinRcv, FateTimerEst
		case flags.FIN && dir == nat64.Dir6To4:
			return nat64.V6FinRcv, FateTimerEst
		case flags.RST:
			return nat64.Trans, FateTimerTrans
		}
		return nat64.Established, FateTimerEst

	case nat64.V4FinRcv:
		if flags.FIN && dir == nat64.Dir6To4 {
			return nat64.V4FinV6FinRcv, FateTimerTrans
		}
		return nat64.V4FinRcv, FateTimerEst

	case nat64.V6FinRcv:
		if flags.FIN && dir == nat64.Dir4To6 {
			return nat64.V4FinV6FinRcv, FateTimerTrans
		}
		return nat64.V6FinRcv, FateTimerEst

	case nat64.V4FinV6FinRcv:
		// Both sides are done; the transitory timer finishes the job.
		return state, FatePreserve

	case nat64.Trans:
		if !flags.RST {
			return nat64.Established, FateTimerEst
		}
		return state, FatePreserve
	}

	return state, FateDrop
}

// tcpStateMachine wraps Transition as the collision callback the TCP
// translation paths install by default. A v6 SYN arriving at a V4Init
// session resolves a pending Simultaneous Open, so the held v4 SYN is
// released for regular translation by its own retransmission.
func tcpStateMachine(dir nat64.Direction, flags packet.TCPFlags) CollisionFunc {
	return func(se *nat64.SessionEntry) Fate {
		next, fate := Transition(se.State, dir, flags)
		if se.State == nat64.V4Init && next == nat64.Established {
			se.HasStored = false
		}
		se.State = next
		return fate
	}
}
