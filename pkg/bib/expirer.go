package bib

import (
	"container/list"
	"time"

	"github.com/nat64io/nat64d/pkg/nat64"
)

// expirer is one expiration list: a FIFO kept sorted by updateTime.
// Touching a session detaches it and re-appends it at the tail, so the
// head is always the session closest to expiring.
type expirer struct {
	sessions list.List // of *tabledSession
	typ      nat64.TimerType
	// decide is consulted for every session the sweep finds expired.
	decide CollisionFunc
}

func (e *expirer) init(typ nat64.TimerType, decide CollisionFunc) {
	e.sessions.Init()
	e.typ = typ
	e.decide = decide
}

// expirerTimeout maps a timer list to its configured lifetime.
func (t *table) expirerTimeout(e *expirer) time.Duration {
	g := &t.db.globals
	switch t.proto {
	case nat64.TCP:
		switch e.typ {
		case nat64.TimerEst:
			return g.TCPEstTimeout
		case nat64.TimerTrans:
			return g.TCPTransTimeout
		case nat64.TimerSyn4:
			return g.TCPSyn4Timeout
		}
	case nat64.UDP:
		return g.UDPTimeout
	case nat64.ICMP:
		return g.ICMPTimeout
	}
	return 0
}

func (t *table) expirerFor(typ nat64.TimerType) *expirer {
	switch typ {
	case nat64.TimerEst:
		return &t.est
	case nat64.TimerTrans:
		return &t.trans
	case nat64.TimerSyn4:
		return &t.syn4
	}
	return nil
}

// detach removes the session from whatever timer list holds it.
func (s *tabledSession) detach() {
	if s.elem != nil {
		s.expirer.sessions.Remove(s.elem)
		s.elem = nil
	}
}

// attach appends the session to a timer list with a fresh timestamp.
func (t *table) attach(s *tabledSession, e *expirer) {
	s.updateTime = t.db.now()
	s.expirer = e
	s.elem = e.sessions.PushBack(s)
}

// touch refreshes the session: detach, stamp, re-append at the tail of
// the target list.
func (t *table) touch(s *tabledSession, e *expirer) {
	s.detach()
	t.attach(s, e)
}

// queueUnsorted places a session carrying an arbitrary updateTime onto
// the list named by typ, insertion-sorting from the tail so the
// sorted-by-updateTime invariant survives. The session sync import path
// is the only caller that needs this.
func (t *table) queueUnsorted(s *tabledSession, typ nat64.TimerType, detachFirst bool) error {
	e := t.expirerFor(typ)
	if e == nil {
		return nat64.ErrInvalid
	}

	if detachFirst {
		s.detach()
	}
	s.expirer = e

	for el := e.sessions.Back(); el != nil; el = el.Prev() {
		if el.Value.(*tabledSession).updateTime < s.updateTime {
			s.elem = e.sessions.InsertAfter(s, el)
			return nil
		}
	}
	s.elem = e.sessions.PushFront(s)
	return nil
}

// sweep walks the head of one expiration list, deciding the fate of
// every session whose lifetime has lapsed. The list is sorted, so the
// walk stops at the first live session.
func (t *table) sweep(e *expirer, probes *[]probing) {
	timeout := uint64(t.expirerTimeout(e).Milliseconds())
	now := t.db.now()

	var next *list.Element
	for el := e.sessions.Front(); el != nil; el = next {
		next = el.Next()
		s := el.Value.(*tabledSession)
		// Imported sessions can carry timestamps ahead of this clock.
		if s.updateTime > now || now-s.updateTime < timeout {
			break
		}
		t.decideFate(e.decide, s, probes)
	}
}
