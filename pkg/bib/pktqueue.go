package bib

import (
	"container/list"

	"github.com/google/btree"

	"github.com/nat64io/nat64d/pkg/nat64"
	"github.com/nat64io/nat64d/pkg/packet"
	"github.com/nat64io/nat64d/pkg/pool4"
)

// soNode is one stored type 1 packet: a v4 SYN that reached an address
// with no binding, held briefly in case it is the first half of a
// Simultaneous Open. src4 is the pool address the SYN was aimed at; dst4
// is the remote v4 node, dst6 its IPv6 representation.
type soNode struct {
	src4 nat64.TransportAddr
	dst4 nat64.TransportAddr
	dst6 nat64.TransportAddr

	updateTime uint64
	pkt        *packet.Packet
	elem       *list.Element
}

func soLess6(a, b *soNode) bool {
	if c := a.dst6.Compare(b.dst6); c != 0 {
		return c < 0
	}
	return a.src4.Compare(b.src4) < 0
}

func soLess4(a, b *soNode) bool {
	if c := a.src4.Compare(b.src4); c != 0 {
		return c < 0
	}
	return a.dst6.Compare(b.dst6) < 0
}

// pktQueue indexes stored type 1 packets by both lookup directions and
// keeps them on a FIFO for expiration. The owning table's lock guards
// all of it; the table also owns the shared stored-packet budget.
type pktQueue struct {
	byDst6 *btree.BTreeG[*soNode]
	bySrc4 *btree.BTreeG[*soNode]
	fifo   list.List
}

func newPktQueue() *pktQueue {
	q := &pktQueue{
		byDst6: btree.NewG(btreeDegree, soLess6),
		bySrc4: btree.NewG(btreeDegree, soLess4),
	}
	q.fifo.Init()
	return q
}

func (q *pktQueue) len() int {
	return q.fifo.Len()
}

// add stores a packet. The caller has already checked the budget.
func (q *pktQueue) add(n *soNode) error {
	if _, dup := q.byDst6.Get(n); dup {
		return nat64.ErrExists
	}
	q.byDst6.ReplaceOrInsert(n)
	q.bySrc4.ReplaceOrInsert(n)
	n.elem = q.fifo.PushBack(n)
	return nil
}

func (q *pktQueue) unlink(n *soNode) {
	q.byDst6.Delete(n)
	q.bySrc4.Delete(n)
	q.fifo.Remove(n.elem)
	n.elem = nil
}

// find returns (and removes) a stored packet whose remote endpoint is
// dst6 and whose local address the mask domain can still produce. This
// is the Simultaneous Open upgrade query of the 6-to-4 path.
func (q *pktQueue) find(dst6 nat64.TransportAddr, masks *pool4.MaskDomain) *soNode {
	var found *soNode
	pivot := &soNode{dst6: dst6}
	q.byDst6.AscendGreaterOrEqual(pivot, func(n *soNode) bool {
		if n.dst6.Compare(dst6) != 0 {
			return false
		}
		if masks == nil || masks.Matches(n.src4) {
			found = n
			return false
		}
		return true
	})
	if found != nil {
		q.unlink(found)
	}
	return found
}

// rm drops every stored packet aimed at src4. A freshly created static
// binding calls this; the v4 client will retransmit and find the
// binding.
func (q *pktQueue) rm(src4 nat64.TransportAddr) int {
	var victims []*soNode
	pivot := &soNode{src4: src4}
	q.bySrc4.AscendGreaterOrEqual(pivot, func(n *soNode) bool {
		if n.src4.Compare(src4) != 0 {
			return false
		}
		victims = append(victims, n)
		return true
	})
	for _, n := range victims {
		q.unlink(n)
	}
	return len(victims)
}

// prepareClean detaches every timed-out packet and returns them so the
// caller can answer each with an ICMP error once the lock is gone.
func (q *pktQueue) prepareClean(now, timeoutMillis uint64) []*soNode {
	var out []*soNode
	var next *list.Element
	for el := q.fifo.Front(); el != nil; el = next {
		next = el.Next()
		n := el.Value.(*soNode)
		if n.updateTime > now || now-n.updateTime < timeoutMillis {
			break
		}
		q.unlink(n)
		out = append(out, n)
	}
	return out
}
