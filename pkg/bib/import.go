package bib

import (
	"github.com/nat64io/nat64d/pkg/nat64"
)

// ImportSession installs a session replicated from another translator
// instance. The record carries its own update time, so placement on the
// timer list insertion-sorts instead of appending; that keeps every list
// monotonic even when records arrive out of order.
func (db *DB) ImportSession(se nat64.SessionEntry) error {
	t := db.table(se.Proto)
	if t == nil {
		return nat64.ErrInvalid
	}
	if t.expirerFor(se.Timer) == nil {
		return nat64.ErrInvalid
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.findBIB6(se.Src6)
	switch {
	case b == nil:
		// The peer allocated this mask; mirror the binding as-is.
		if col := t.findBIB4(se.Src4); col != nil {
			// src4 is taken by a different local binding. The
			// instances have diverged; dropping the record is the
			// only safe move.
			return nat64.ErrExists
		}
		b = &tabledBIB{
			src6:     se.Src6,
			src4:     se.Src4,
			proto:    se.Proto,
			sessions: t.newSessionTree(),
		}
		t.tree6.ReplaceOrInsert(b)
		t.tree4.ReplaceOrInsert(b)
		t.logBIB("Mapped", b)

	case b.src4.Compare(se.Src4) != 0:
		return nat64.ErrExists
	}

	if s := b.findSession(se.Dst4); s != nil {
		s.state = se.State
		s.updateTime = se.UpdateTime
		return t.queueUnsorted(s, se.Timer, true)
	}

	s := &tabledSession{
		dst6:       se.Dst6,
		dst4:       se.Dst4,
		state:      se.State,
		bib:        b,
		updateTime: se.UpdateTime,
	}
	b.sessions.ReplaceOrInsert(s)
	t.sessionCount++
	t.db.stats.sessionsCreated.Add(1)
	t.logSession("Added session", s)
	return t.queueUnsorted(s, se.Timer, false)
}
