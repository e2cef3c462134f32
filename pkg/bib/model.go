// Package bib implements the Binding Information Base and session
// database of a stateful NAT64 translator (RFC 6146 section 3.5): three
// per-protocol tables, each indexing its BIB entries by both transport
// addresses and its sessions per entry, with three expiration lists, the
// Simultaneous Open packet queue, and the TCP state machine.
package bib

import (
	"container/list"
	"sync"

	"github.com/google/btree"

	"github.com/nat64io/nat64d/pkg/nat64"
	"github.com/nat64io/nat64d/pkg/packet"
)

// btreeDegree keeps nodes around a cache line's worth of pointers.
const btreeDegree = 16

// tabledBIB is one stored BIB entry: the binding between an inside IPv6
// transport address and an outside IPv4 one, plus its sessions.
type tabledBIB struct {
	src6  nat64.TransportAddr
	src4  nat64.TransportAddr
	proto nat64.Proto

	// static entries survive becoming sessionless.
	static bool

	// sessions is ordered by dst4.
	//
	// One tree serves both directions. For TCP/UDP, dst4 is dst6 minus
	// the pool6 prefix, so a dst4 index and a dst6 index would sort
	// identically. For ICMP, dst4's identifier equals src4's and is
	// constant within the entry, so only dst4's address discriminates,
	// and that again is dst6's address minus the prefix.
	sessions *btree.BTreeG[*tabledSession]
}

// tabledSession is one stored session.
type tabledSession struct {
	dst6  nat64.TransportAddr
	dst4  nat64.TransportAddr
	state nat64.TCPState

	// bib is never nil while the session is in the table: a non-empty
	// session tree pins its BIB entry.
	bib *tabledBIB

	// updateTime is the monotonic tick of the last activity.
	updateTime uint64
	// expirer and elem place the session on exactly one timer list.
	expirer *expirer
	elem    *list.Element

	// stored holds the inbound SYN of a provisional Simultaneous Open
	// session. TCP only.
	stored *packet.Packet
}

func bibLess6(a, b *tabledBIB) bool { return a.src6.Compare(b.src6) < 0 }
func bibLess4(a, b *tabledBIB) bool { return a.src4.Compare(b.src4) < 0 }

func sessionLess(a, b *tabledSession) bool { return a.dst4.Compare(b.dst4) < 0 }

// table is the database of one protocol. Everything in it is guarded by
// mu; nothing that can block runs while it is held.
type table struct {
	db    *DB
	proto nat64.Proto

	mu sync.Mutex

	// tree6 and tree4 index the same set of entries.
	tree6 *btree.BTreeG[*tabledBIB]
	tree4 *btree.BTreeG[*tabledBIB]

	sessionCount uint64

	est   expirer
	trans expirer
	syn4  expirer

	// pktCount counts stored packets of both kinds. TCP only.
	pktCount int
	// queue holds type 1 packets: v4 SYNs with no binding yet. Nil for
	// UDP/ICMP.
	queue *pktQueue

	// sessionFree is shared by every session tree of the table.
	sessionFree *btree.FreeListG[*tabledSession]
}

func (t *table) init(db *DB, proto nat64.Proto, estFate CollisionFunc) {
	t.db = db
	t.proto = proto
	t.tree6 = btree.NewG(btreeDegree, bibLess6)
	t.tree4 = btree.NewG(btreeDegree, bibLess4)
	t.sessionFree = btree.NewFreeListG[*tabledSession](32)
	t.est.init(nat64.TimerEst, estFate)
	t.trans.init(nat64.TimerTrans, justDie)
	t.syn4.init(nat64.TimerSyn4, justDie)
}

func (t *table) newSessionTree() *btree.BTreeG[*tabledSession] {
	return btree.NewWithFreeListG(btreeDegree, sessionLess, t.sessionFree)
}

func (t *table) findBIB6(src6 nat64.TransportAddr) *tabledBIB {
	b, _ := t.tree6.Get(&tabledBIB{src6: src6})
	return b
}

func (t *table) findBIB4(src4 nat64.TransportAddr) *tabledBIB {
	b, _ := t.tree4.Get(&tabledBIB{src4: src4})
	return b
}

// bib4LowerBound returns the first entry whose src4 is >= addr, or nil.
func (t *table) bib4LowerBound(addr nat64.TransportAddr) *tabledBIB {
	var found *tabledBIB
	t.tree4.AscendGreaterOrEqual(&tabledBIB{src4: addr}, func(b *tabledBIB) bool {
		found = b
		return false
	})
	return found
}

// bib4Successor returns the entry ordered right after src4, or nil.
func (t *table) bib4Successor(src4 nat64.TransportAddr) *tabledBIB {
	var found *tabledBIB
	t.tree4.AscendGreaterOrEqual(&tabledBIB{src4: src4}, func(b *tabledBIB) bool {
		if b.src4.Compare(src4) == 0 {
			return true
		}
		found = b
		return false
	})
	return found
}

// findSession looks dst4 up in the entry's session tree.
func (b *tabledBIB) findSession(dst4 nat64.TransportAddr) *tabledSession {
	s, _ := b.sessions.Get(&tabledSession{dst4: dst4})
	return s
}

// hasPeerAddr reports whether any session of the entry goes to the given
// outside address, regardless of port. This is the Address-Dependent
// Filtering question.
func (b *tabledBIB) hasPeerAddr(dst4 nat64.TransportAddr) bool {
	allow := false
	pivot := &tabledSession{dst4: nat64.TransportAddr{Addr: dst4.Addr}}
	b.sessions.AscendGreaterOrEqual(pivot, func(s *tabledSession) bool {
		allow = s.dst4.Addr == dst4.Addr
		return false
	})
	return allow
}

// bibEntry converts a stored entry to its snapshot.
func bibEntry(b *tabledBIB) nat64.BIBEntry {
	return nat64.BIBEntry{
		Src6:   b.src6,
		Src4:   b.src4,
		Proto:  b.proto,
		Static: b.static,
	}
}

// sessionEntry converts a stored session to its snapshot, resolving the
// timeout from the session's current timer list.
func (t *table) sessionEntry(s *tabledSession) nat64.SessionEntry {
	se := nat64.SessionEntry{
		Src6:       s.bib.src6,
		Dst6:       s.dst6,
		Src4:       s.bib.src4,
		Dst4:       s.dst4,
		Proto:      s.bib.proto,
		State:      s.state,
		Timer:      s.expirer.typ,
		UpdateTime: s.updateTime,
		HasStored:  s.stored != nil,
	}
	se.TimeoutMillis = uint64(t.expirerTimeout(s.expirer).Milliseconds())
	return se
}

// bibSnapshot builds a BIB-only lookup result.
func bibSnapshot(b *tabledBIB) nat64.BIBSession {
	return nat64.BIBSession{
		BIBSet: true,
		Session: nat64.SessionEntry{
			Src6:  b.src6,
			Src4:  b.src4,
			Proto: b.proto,
		},
	}
}

// sessionSnapshot builds a full lookup result.
func (t *table) sessionSnapshot(s *tabledSession) nat64.BIBSession {
	return nat64.BIBSession{
		BIBSet:     true,
		SessionSet: true,
		Session:    t.sessionEntry(s),
	}
}
