package bib

import (
	"github.com/nat64io/nat64d/pkg/nat64"
	"github.com/nat64io/nat64d/pkg/packet"
)

// commitAdd4 hangs a prepared 4-to-6 session on its binding and returns
// the snapshot. The binding already exists: this path never allocates
// an outside address.
func (t *table) commitAdd4(b *tabledBIB, s *tabledSession, e *expirer) nat64.BIBSession {
	s.bib = b
	b.sessions.ReplaceOrInsert(s)
	t.sessionCount++
	t.db.stats.sessionsCreated.Add(1)
	t.attach(s, e)
	t.logSession("Added session", s)
	return t.sessionSnapshot(s)
}

// Add4 is the 4-to-6 find for UDP and ICMP. dst6 is the stored
// representation of the packet's source under the pool6 prefix.
func (db *DB) Add4(t4 nat64.Tuple4, dst6 nat64.TransportAddr) (nat64.BIBSession, error) {
	t := db.table(t4.Proto)
	if t == nil {
		return nat64.BIBSession{}, nat64.ErrInvalid
	}

	var result nat64.BIBSession
	var err error

	t.mu.Lock()
	b := t.findBIB4(t4.Dst4)
	switch {
	case b == nil:
		err = nat64.ErrNotFound

	default:
		if s := b.findSession(t4.Src4); s != nil {
			t.touch(s, &t.est)
			result = t.sessionSnapshot(s)
			break
		}

		// Address-Dependent Filtering: only peers the inside endpoint
		// has already contacted may open inbound flows.
		if db.globals.DropByAddr && !b.hasPeerAddr(t4.Src4) {
			db.stats.adfDrops.Add(1)
			err = nat64.ErrForbidden
			break
		}

		s := &tabledSession{
			dst6:  dst6,
			dst4:  t4.Src4,
			state: nat64.Established,
		}
		result = t.commitAdd4(b, s, &t.est)
	}
	t.mu.Unlock()

	if err == nil {
		db.notify(result)
	}
	return result, err
}

// AddTCP4 is the TCP variant of Add4: it drives the state machine from
// the v4 side, stores Simultaneous Open packets, and applies filtering
// policy. pkt is the inbound packet itself; when the return error is
// ErrStolen the database has kept it and the caller must not forward or
// reuse it. cb overrides the built-in state machine.
func (db *DB) AddTCP4(t4 nat64.Tuple4, dst6 nat64.TransportAddr,
	pkt *packet.Packet, cb CollisionFunc) (nat64.BIBSession, error) {

	if t4.Proto != nat64.TCP {
		return nat64.BIBSession{}, nat64.ErrInvalid
	}
	t := &db.tcp
	flags := pkt.Flags()
	if cb == nil {
		cb = tcpStateMachine(nat64.Dir4To6, flags)
	}

	var result nat64.BIBSession
	var err error
	var probes []probing
	sendICMP := false

	t.mu.Lock()
	b := t.findBIB4(t4.Dst4)
	var s *tabledSession
	if b != nil {
		s = b.findSession(t4.Src4)
	}

	switch {
	case s != nil:
		// Anything but the CLOSED pseudo-state.
		if err = t.decideFate(cb, s, &probes); err == nil {
			result = t.sessionSnapshot(s)
		}

	case !flags.SYN:
		// CLOSED: hand back the binding, if any, so the caller can
		// still translate a stray RST or ACK; no state is created.
		if b != nil {
			result = bibSnapshot(b)
		}
		err = nat64.ErrNotFound

	case db.globals.DropExternalTCP:
		err = nat64.ErrForbidden

	case b == nil:
		// Potential Simultaneous Open; hold the SYN (type 1) until the
		// v6 side speaks up or the wait times out.
		if t.pktCount >= db.globals.MaxStoredPkts {
			sendICMP = true
			err = nat64.ErrNoSpace
			break
		}
		n := &soNode{
			src4:       t4.Dst4,
			dst4:       t4.Src4,
			dst6:       dst6,
			updateTime: db.now(),
		}
		if err = t.queue.add(n); err != nil {
			break
		}
		n.pkt, err = pkt.Take()
		if err != nil {
			t.queue.unlink(n)
			break
		}
		t.pktCount++
		err = nat64.ErrStolen

	case db.globals.DropByAddr:
		// Provisional session (type 2): the packet waits attached to
		// the session until the v6 endpoint confirms the peer.
		if t.pktCount >= db.globals.MaxStoredPkts {
			sendICMP = true
			err = nat64.ErrNoSpace
			break
		}
		var stored *packet.Packet
		if stored, err = pkt.Take(); err != nil {
			break
		}
		s = &tabledSession{
			dst6:   dst6,
			dst4:   t4.Src4,
			state:  nat64.V4Init,
			stored: stored,
		}
		t.pktCount++
		result = t.commitAdd4(b, s, &t.syn4)
		err = nat64.ErrStolen

	default:
		s = &tabledSession{
			dst6:  dst6,
			dst4:  t4.Src4,
			state: nat64.V4Init,
		}
		result = t.commitAdd4(b, s, &t.trans)
	}
	t.mu.Unlock()

	db.postFate(probes)
	if sendICMP {
		// Too many Simultaneous Opens; answer as if there were none.
		db.emitter.SendICMPError(pkt)
		db.stats.icmpErrorsSent.Add(1)
	}
	if err == nil || err == nat64.ErrStolen {
		db.notify(result)
	}
	return result, err
}
