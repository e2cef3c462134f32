package bib

import (
	"net/netip"

	"github.com/nat64io/nat64d/pkg/nat64"
	"github.com/nat64io/nat64d/pkg/pool4"
)

// AddStatic creates a binding by operator decree. A collision with the
// exact same address pair promotes the existing entry to static; any
// other collision is reported along with the entry in the way.
func (db *DB) AddStatic(e nat64.BIBEntry) (nat64.BIBEntry, error) {
	t := db.table(e.Proto)
	if t == nil {
		return nat64.BIBEntry{}, nat64.ErrInvalid
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if col := t.findBIB6(e.Src6); col != nil {
		if col.src4.Compare(e.Src4) == 0 {
			col.static = true
			return nat64.BIBEntry{}, nil
		}
		return bibEntry(col), nat64.ErrExists
	}
	if col := t.findBIB4(e.Src4); col != nil {
		return bibEntry(col), nat64.ErrExists
	}

	b := &tabledBIB{
		src6:     e.Src6,
		src4:     e.Src4,
		proto:    e.Proto,
		static:   true,
		sessions: t.newSessionTree(),
	}
	t.tree6.ReplaceOrInsert(b)
	t.tree4.ReplaceOrInsert(b)

	// The binding now answers for src4, so any SYNs parked on it are
	// moot; the v4 clients will retransmit into the new binding.
	if e.Proto == nat64.TCP {
		t.pktCount -= t.queue.rm(e.Src4)
	}
	return nat64.BIBEntry{}, nil
}

// Remove deletes the binding matching the exact (src6, src4, proto)
// triple, along with all its sessions.
func (db *DB) Remove(e nat64.BIBEntry) error {
	t := db.table(e.Proto)
	if t == nil {
		return nat64.ErrInvalid
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.findBIB6(e.Src6)
	if b == nil || b.src4.Compare(e.Src4) != 0 {
		return nat64.ErrNotFound
	}
	t.detachBIB(b)
	return nil
}

// RemoveRange deletes every binding whose outside address lies inside
// both the prefix and the port range. Operators run this after shrinking
// pool4.
func (db *DB) RemoveRange(proto nat64.Proto, prefix netip.Prefix, ports pool4.PortRange) error {
	t := db.table(proto)
	if t == nil {
		return nat64.ErrInvalid
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	start := nat64.TransportAddr{Addr: prefix.Masked().Addr(), Port: ports.Min}
	var victims []*tabledBIB
	t.tree4.AscendGreaterOrEqual(&tabledBIB{src4: start}, func(b *tabledBIB) bool {
		if !prefix.Contains(b.src4.Addr) {
			return false
		}
		if ports.Contains(b.src4.Port) {
			victims = append(victims, b)
		}
		return true
	})
	for _, b := range victims {
		t.detachBIB(b)
	}
	return nil
}

func (t *table) flush() {
	t.mu.Lock()
	defer t.mu.Unlock()

	var victims []*tabledBIB
	t.tree4.Ascend(func(b *tabledBIB) bool {
		victims = append(victims, b)
		return true
	})
	for _, b := range victims {
		t.detachBIB(b)
	}
}

// Flush empties one protocol's table, static entries included.
func (db *DB) Flush(proto nat64.Proto) error {
	t := db.table(proto)
	if t == nil {
		return nat64.ErrInvalid
	}
	t.flush()
	return nil
}

// FlushAll empties every table.
func (db *DB) FlushAll() {
	db.tcp.flush()
	db.udp.flush()
	db.icmp.flush()
}

// ForeachBIB iterates one table's bindings in ascending src4 order,
// resuming after offset when one is given. An offset that no longer
// exists resolves to the next greater entry, so paginated dumps survive
// expirations between pages. The callback runs under the table lock and
// stops the walk by returning an error.
func (db *DB) ForeachBIB(proto nat64.Proto, offset *nat64.TransportAddr,
	cb func(nat64.BIBEntry) error) error {

	t := db.table(proto)
	if t == nil {
		return nat64.ErrInvalid
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	visit := func(b *tabledBIB) bool {
		if offset != nil && b.src4.Compare(*offset) == 0 {
			return true
		}
		err = cb(bibEntry(b))
		return err == nil
	}

	if offset == nil {
		t.tree4.Ascend(visit)
	} else {
		t.tree4.AscendGreaterOrEqual(&tabledBIB{src4: *offset}, visit)
	}
	return err
}

// SessionOffset resumes a session dump after one (src4, dst4) position.
type SessionOffset struct {
	Src4 nat64.TransportAddr
	Dst4 nat64.TransportAddr
}

// ForeachSession iterates one table's sessions in ascending (src4,
// dst4) order, resuming after offset when one is given, with the same
// next-greater resolution as ForeachBIB.
func (db *DB) ForeachSession(proto nat64.Proto, offset *SessionOffset,
	cb func(nat64.SessionEntry) error) error {

	t := db.table(proto)
	if t == nil {
		return nat64.ErrInvalid
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var err error

	visitSessions := func(b *tabledBIB, from *nat64.TransportAddr) bool {
		visit := func(s *tabledSession) bool {
			if from != nil && s.dst4.Compare(*from) == 0 {
				return true
			}
			err = cb(t.sessionEntry(s))
			return err == nil
		}
		if from == nil {
			b.sessions.Ascend(visit)
		} else {
			b.sessions.AscendGreaterOrEqual(&tabledSession{dst4: *from}, visit)
		}
		return err == nil
	}

	if offset == nil {
		t.tree4.Ascend(func(b *tabledBIB) bool {
			return visitSessions(b, nil)
		})
		return err
	}

	t.tree4.AscendGreaterOrEqual(&tabledBIB{src4: offset.Src4}, func(b *tabledBIB) bool {
		if b.src4.Compare(offset.Src4) == 0 {
			return visitSessions(b, &offset.Dst4)
		}
		return visitSessions(b, nil)
	})
	return err
}
