package bib

import (
	"github.com/nat64io/nat64d/pkg/nat64"
	"github.com/nat64io/nat64d/pkg/packet"
	"github.com/nat64io/nat64d/pkg/pool4"
)

// add6Args carries one 6-to-4 find-or-insert through its phases, which
// keeps the argument lists short and the allocation sites obvious.
type add6Args struct {
	src6  nat64.TransportAddr
	dst6  nat64.TransportAddr
	dst4  nat64.TransportAddr
	masks *pool4.MaskDomain
	state nat64.TCPState

	// The colliding entries, when the database already knows the flow.
	oldBIB     *tabledBIB
	oldSession *tabledSession
	// The entries to commit, when it does not.
	newBIB     *tabledBIB
	newSession *tabledSession
}

// maskVanished detects a binding whose outside address an operator has
// since removed from pool4. The stale binding must be evicted and the
// endpoint re-masked; clients reconnect.
func maskVanished(masks *pool4.MaskDomain, b *tabledBIB) bool {
	if masks == nil {
		return false
	}
	return masks.IsDynamic() && !masks.Matches(b.src4)
}

// detachBIB unhooks an entry and all its sessions from the table.
// Lifecycle logging stays with the expiration path; bulk detachment is
// an administrative act.
func (t *table) detachBIB(b *tabledBIB) {
	t.tree6.Delete(b)
	t.tree4.Delete(b)

	var detached uint64
	b.sessions.Ascend(func(s *tabledSession) bool {
		s.detach()
		if s.stored != nil {
			s.stored = nil
			t.pktCount--
		}
		detached++
		return true
	})
	t.sessionCount -= detached
	t.db.stats.sessionsDestroyed.Add(detached)
}

// upgradeSO promotes a stored type 1 packet into a live binding: the v6
// side of a Simultaneous Open has shown up, and it must adopt the
// outside address the v4 SYN was aimed at rather than a fresh mask.
// The stored SYN itself is discarded; the v4 node retransmits.
func (t *table) upgradeSO(a *add6Args) bool {
	if t.proto != nat64.TCP || t.queue == nil {
		return false
	}
	sos := t.queue.find(a.dst6, a.masks)
	if sos == nil {
		return false
	}
	t.pktCount--

	if a.masks == nil {
		// Replayed session import; the v4 half of this SO went to a
		// different instance and picked an address we cannot know.
		// Pretend the v4 packet never arrived.
		return false
	}

	b := &tabledBIB{
		src6:     a.src6,
		src4:     sos.src4,
		proto:    nat64.TCP,
		sessions: t.newSessionTree(),
	}
	s := &tabledSession{
		dst6:  sos.dst6,
		dst4:  sos.dst4,
		state: nat64.V4Init,
		bib:   b,
	}

	// src6 just missed the v6 index and the queue owned src4, so
	// neither insert can collide.
	t.tree6.ReplaceOrInsert(b)
	t.tree4.ReplaceOrInsert(b)
	b.sessions.ReplaceOrInsert(s)
	t.attach(s, &t.syn4)
	t.sessionCount++
	t.db.stats.sessionsCreated.Add(1)
	t.db.stats.soUpgrades.Add(1)

	t.logBIB("Mapped", b)
	t.logSession("Added session", s)

	a.oldBIB, a.oldSession = b, s
	return true
}

// findAvailableMask walks the mask domain until it produces an outside
// transport address no binding occupies. Candidates are usually
// consecutive, so we keep a cursor on the next occupied entry: a
// consecutive candidate is free unless it is that entry. The tree is
// searched at every jump in the candidate sequence and, for each taken
// candidate, to find its successor.
func (t *table) findAvailableMask(masks *pool4.MaskDomain) (nat64.TransportAddr, error) {
	if masks == nil {
		return nat64.TransportAddr{}, nat64.ErrNoFreeAddress
	}

	var cursor *tabledBIB
	cursorValid := false
	for {
		addr, consecutive, ok := masks.Next()
		if !ok {
			return nat64.TransportAddr{}, nat64.ErrNoFreeAddress
		}
		if !consecutive || !cursorValid {
			cursor = t.bib4LowerBound(addr)
			cursorValid = true
		}
		if cursor == nil || cursor.src4.Compare(addr) != 0 {
			return addr, nil
		}
		// Candidate is taken; its successor bounds the next ones.
		cursor = t.bib4Successor(addr)
	}
}

// findBIBSession6 is a find and an add at the same time: it resolves the
// colliding entries if the flow is known, otherwise prepares the entries
// to commit, allocating an outside address if even the binding is new.
func (t *table) findBIBSession6(a *add6Args) error {
	a.oldBIB = t.findBIB6(a.src6)
	if a.oldBIB != nil {
		if !maskVanished(a.masks, a.oldBIB) {
			if t.proto == nat64.ICMP {
				a.dst4.Port = a.oldBIB.src4.Port
			}
			a.oldSession = a.oldBIB.findSession(a.dst4)
			if a.oldSession == nil {
				// Known binding, new peer: only the session is new.
				a.newSession = &tabledSession{
					dst6:  a.dst6,
					dst4:  a.dst4,
					state: a.state,
				}
			}
			return nil // Typical happy path for existing flows.
		}

		// The operator shrank pool4 under this binding. Evict and
		// re-mask from scratch.
		t.detachBIB(a.oldBIB)
		a.oldBIB = nil
	} else if t.upgradeSO(a) {
		return nil // Unusual happy path: pending Simultaneous Open.
	}

	src4, err := t.findAvailableMask(a.masks)
	if err != nil {
		t.db.stats.maskExhaustions.Add(1)
		if a.masks != nil {
			t.db.warnExhausted(a.masks.Mark())
		}
		return err
	}

	a.newBIB = &tabledBIB{
		src6:     a.src6,
		src4:     src4,
		proto:    t.proto,
		sessions: t.newSessionTree(),
	}
	if t.proto == nat64.ICMP {
		a.dst4.Port = src4.Port
	}
	a.newSession = &tabledSession{
		dst6:  a.dst6,
		dst4:  a.dst4,
		state: a.state,
	}
	return nil
}

// commitAdd6 hangs the prepared session (and binding, if new) on the
// table and returns the resulting snapshot.
func (t *table) commitAdd6(a *add6Args, e *expirer) nat64.BIBSession {
	b := a.oldBIB
	if b == nil {
		b = a.newBIB
		t.tree6.ReplaceOrInsert(b)
		t.tree4.ReplaceOrInsert(b)
		t.logBIB("Mapped", b)
	}

	s := a.newSession
	s.bib = b
	b.sessions.ReplaceOrInsert(s)
	t.sessionCount++
	t.db.stats.sessionsCreated.Add(1)
	t.attach(s, e)
	t.logSession("Added session", s)

	return t.sessionSnapshot(s)
}

// notify hands a freshly created or refreshed session to the sync
// exporter, outside any lock.
func (db *DB) notify(result nat64.BIBSession) {
	if db.OnSessionChange != nil && result.SessionSet {
		db.OnSessionChange(result.Session)
	}
}

// Add6 is the 6-to-4 find-or-insert for UDP, ICMP, and TCP refreshes
// that bypass the state machine. masks supplies the outside addresses a
// new binding may draw from; dst4 is the already-translated destination.
func (db *DB) Add6(t6 nat64.Tuple6, masks *pool4.MaskDomain, dst4 nat64.TransportAddr) (nat64.BIBSession, error) {
	t := db.table(t6.Proto)
	if t == nil {
		return nat64.BIBSession{}, nat64.ErrInvalid
	}

	a := add6Args{
		src6:  t6.Src6,
		dst6:  t6.Dst6,
		dst4:  dst4,
		masks: masks,
		state: nat64.Established,
	}

	var result nat64.BIBSession
	t.mu.Lock()
	err := t.findBIBSession6(&a)
	if err == nil {
		if a.oldSession != nil {
			t.touch(a.oldSession, &t.est)
			result = t.sessionSnapshot(a.oldSession)
		} else {
			result = t.commitAdd6(&a, &t.est)
		}
	}
	t.mu.Unlock()

	if err == nil {
		db.notify(result)
	}
	return result, err
}

// AddTCP6 is the TCP variant of Add6: it drives the state machine from
// the v6 side and resolves pending Simultaneous Opens. cb overrides the
// built-in state machine; administrative callers use that.
func (db *DB) AddTCP6(t6 nat64.Tuple6, masks *pool4.MaskDomain, dst4 nat64.TransportAddr,
	flags packet.TCPFlags, cb CollisionFunc) (nat64.BIBSession, error) {

	if t6.Proto != nat64.TCP {
		return nat64.BIBSession{}, nat64.ErrInvalid
	}
	t := &db.tcp

	a := add6Args{
		src6:  t6.Src6,
		dst6:  t6.Dst6,
		dst4:  dst4,
		masks: masks,
		state: nat64.V6Init,
	}
	if cb == nil {
		cb = tcpStateMachine(nat64.Dir6To4, flags)
	}

	var result nat64.BIBSession
	var probes []probing

	t.mu.Lock()
	err := t.findBIBSession6(&a)
	switch {
	case err != nil:

	case a.oldSession != nil:
		// Anything but the CLOSED pseudo-state.
		if err = t.decideFate(cb, a.oldSession, &probes); err == nil {
			result = t.sessionSnapshot(a.oldSession)
		}

	case !flags.SYN:
		// CLOSED: no state is created for a stray non-SYN. Hand back
		// the binding, if any, so the caller can still translate it.
		if a.oldBIB != nil {
			result = bibSnapshot(a.oldBIB)
		}
		err = nat64.ErrNotFound

	default:
		result = t.commitAdd6(&a, &t.trans)
	}
	t.mu.Unlock()

	db.postFate(probes)
	if err == nil {
		db.notify(result)
	}
	return result, err
}
