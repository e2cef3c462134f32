package bib

import (
	"github.com/nat64io/nat64d/pkg/nat64"
	"github.com/nat64io/nat64d/pkg/packet"
)

// Fate is what the state machine (or an administrative callback) wants
// done with a session after inspecting it.
type Fate uint8

const (
	// FateTimerEst refreshes the session on the established list.
	FateTimerEst Fate = iota
	// FateTimerTrans refreshes the session on the transitory list.
	FateTimerTrans
	// FateTimerSlow places the session on the list named by the
	// snapshot's Timer field, insertion-sorted by the snapshot's
	// UpdateTime. ImportSession performs the same placement directly,
	// without a callback.
	FateTimerSlow
	// FateRm removes the session, cascading into the BIB entry when it
	// goes sessionless and is not static. A held packet is answered
	// with an ICMP error.
	FateRm
	// FateProbe queues a liveness probe for the session and refreshes
	// it on the transitory list. Strictly a keepalive: ICMP error
	// delivery only ever happens through FateRm on a session holding a
	// stored packet.
	FateProbe
	// FatePreserve leaves the session untouched.
	FatePreserve
	// FateDrop refuses the packet without changing the session.
	FateDrop
)

// CollisionFunc inspects a session snapshot and decides its fate. The
// callback may rewrite State, UpdateTime, Timer and HasStored in place;
// the table applies the changes under its lock. Clearing HasStored
// discards the held packet.
type CollisionFunc func(*nat64.SessionEntry) Fate

// justDie is the fate of anything expiring on a list with no state
// machine attached.
func justDie(*nat64.SessionEntry) Fate {
	return FateRm
}

// tcpEstExpire is the established-list fate for TCP: an idle established
// connection gets probed and downgraded to transitory; anything else on
// the list has no business staying.
func tcpEstExpire(se *nat64.SessionEntry) Fate {
	if se.State == nat64.Established {
		se.State = nat64.Trans
		return FateProbe
	}
	return FateRm
}

// probing is one outbound transmission decided under the table lock and
// performed after it is released: a keepalive probe when pkt is nil, an
// ICMP Port Unreachable answering pkt otherwise.
type probing struct {
	session nat64.SessionEntry
	pkt     *packet.Packet
}

// prepareProbe snapshots the session for later transmission, stealing
// its stored packet if it has one. A dummy snapshot is queued instead of
// the live session because session removal can cascade into BIB removal
// before the probe is sent.
func (t *table) prepareProbe(probes *[]probing, s *tabledSession, snap *nat64.SessionEntry) {
	if probes == nil {
		// Caller cannot transmit; pretend we did so the state still
		// evolves, and drop the payload.
		t.killStored(s)
		return
	}
	p := probing{session: *snap}
	if s.stored != nil {
		p.pkt = s.stored
		s.stored = nil
		t.pktCount--
	}
	*probes = append(*probes, p)
}

// killStored discards a session's held packet.
func (t *table) killStored(s *tabledSession) {
	if s.stored == nil {
		return
	}
	s.stored = nil
	t.pktCount--
}

// removeSession takes one session out of the table, emitting the ICMP
// error for a held packet and cascading into the owning BIB entry when
// it becomes sessionless and is not static.
func (t *table) removeSession(s *tabledSession, probes *[]probing, snap *nat64.SessionEntry) {
	b := s.bib

	if s.stored != nil {
		t.prepareProbe(probes, s, snap)
	}

	b.sessions.Delete(s)
	s.detach()
	t.logSession("Forgot session", s)
	t.sessionCount--
	t.db.stats.sessionsDestroyed.Add(1)

	if !b.static && b.sessions.Len() == 0 {
		t.tree6.Delete(b)
		t.tree4.Delete(b)
		t.logBIB("Forgot", b)
	}
}

// decideFate runs one callback decision for an existing session and
// applies it. Everything here happens under the table lock; the probes
// list carries the work that must wait for the unlock.
func (t *table) decideFate(cb CollisionFunc, s *tabledSession, probes *[]probing) error {
	if cb == nil {
		return nil
	}

	tmp := t.sessionEntry(s)
	fate := cb(&tmp)

	// The callback is entitled to tweak these.
	s.state = tmp.State
	s.updateTime = tmp.UpdateTime
	if !tmp.HasStored {
		t.killStored(s)
	}

	switch fate {
	case FateTimerEst:
		t.touch(s, &t.est)
	case FateProbe:
		// Keepalive only: a held packet stays with the session.
		if probes != nil {
			*probes = append(*probes, probing{session: tmp})
		}
		t.touch(s, &t.trans)
	case FateTimerTrans:
		t.touch(s, &t.trans)
	case FateRm:
		t.removeSession(s, probes, &tmp)
	case FatePreserve:
		// Nothing.
	case FateDrop:
		return nat64.ErrInvalid
	case FateTimerSlow:
		// An invalid timer type just keeps the current expirer.
		_ = t.queueUnsorted(s, tmp.Timer, true)
	}
	return nil
}

// postFate transmits everything the locked sections deferred.
func (db *DB) postFate(probes []probing) {
	for _, p := range probes {
		if p.pkt != nil {
			// Not a probe: a stored packet being answered.
			db.emitter.SendICMPError(p.pkt)
			db.stats.icmpErrorsSent.Add(1)
		} else {
			db.emitter.SendProbe(p.session)
			db.stats.probesSent.Add(1)
		}
	}
}
