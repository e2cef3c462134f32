package bib

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/nat64io/nat64d/pkg/logging"
	"github.com/nat64io/nat64d/pkg/nat64"
	"github.com/nat64io/nat64d/pkg/packet"
)

// DB is the session database: one table per protocol, shared by every
// translating goroutine and by the sweep and admin paths.
type DB struct {
	globals Globals

	tcp  table
	udp  table
	icmp table

	emitter packet.Emitter
	events  *logging.EventBuffer

	// now returns the current monotonic tick in milliseconds.
	now func() uint64

	// OnSessionChange, when set, receives a snapshot of every session
	// the translation paths create or refresh, after the table lock is
	// released. The session sync exporter hangs off this.
	OnSessionChange func(nat64.SessionEntry)

	stats stats
}

type stats struct {
	sessionsCreated   atomic.Uint64
	sessionsDestroyed atomic.Uint64
	soUpgrades        atomic.Uint64
	adfDrops          atomic.Uint64
	maskExhaustions   atomic.Uint64
	probesSent        atomic.Uint64
	icmpErrorsSent    atomic.Uint64

	lastExhaustLog atomic.Uint64 // tick of the last exhaustion warning
}

// Stats is a snapshot of the database's cumulative counters.
type Stats struct {
	SessionsCreated   uint64 `json:"sessions_created"`
	SessionsDestroyed uint64 `json:"sessions_destroyed"`
	SOUpgrades        uint64 `json:"so_upgrades"`
	ADFDrops          uint64 `json:"adf_drops"`
	MaskExhaustions   uint64 `json:"mask_exhaustions"`
	ProbesSent        uint64 `json:"probes_sent"`
	ICMPErrorsSent    uint64 `json:"icmp_errors_sent"`
}

// Option tweaks a DB at construction.
type Option func(*DB)

// WithEmitter installs the probe/ICMP transmitter.
func WithEmitter(e packet.Emitter) Option {
	return func(db *DB) { db.emitter = e }
}

// WithEventBuffer mirrors lifecycle log lines into an event buffer.
func WithEventBuffer(eb *logging.EventBuffer) Option {
	return func(db *DB) { db.events = eb }
}

// WithClock overrides the monotonic tick source. Tests use this.
func WithClock(now func() uint64) Option {
	return func(db *DB) { db.now = now }
}

// New builds an empty database.
func New(globals Globals, opts ...Option) *DB {
	globals.sanitize()
	db := &DB{
		globals: globals,
		now:     monotonicMillis,
		emitter: &packet.NetEmitter{},
	}
	for _, o := range opts {
		o(db)
	}

	db.tcp.init(db, nat64.TCP, tcpEstExpire)
	db.udp.init(db, nat64.UDP, justDie)
	db.icmp.init(db, nat64.ICMP, justDie)
	db.tcp.queue = newPktQueue()
	return db
}

// monotonicMillis reads the monotonic clock, coarse but immune to wall
// clock steps.
func monotonicMillis() uint64 {
	var ts unix.Timespec
	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	return uint64(ts.Sec)*1000 + uint64(ts.Nsec)/1_000_000
}

// Now returns the database's current monotonic tick in milliseconds.
// Session sync peers use it to translate update times between clocks.
func (db *DB) Now() uint64 {
	return db.now()
}

// Globals returns the configuration the database runs with.
func (db *DB) Globals() Globals {
	return db.globals
}

// Stats returns a snapshot of the cumulative counters.
func (db *DB) Stats() Stats {
	return Stats{
		SessionsCreated:   db.stats.sessionsCreated.Load(),
		SessionsDestroyed: db.stats.sessionsDestroyed.Load(),
		SOUpgrades:        db.stats.soUpgrades.Load(),
		ADFDrops:          db.stats.adfDrops.Load(),
		MaskExhaustions:   db.stats.maskExhaustions.Load(),
		ProbesSent:        db.stats.probesSent.Load(),
		ICMPErrorsSent:    db.stats.icmpErrorsSent.Load(),
	}
}

func (db *DB) table(proto nat64.Proto) *table {
	switch proto {
	case nat64.TCP:
		return &db.tcp
	case nat64.UDP:
		return &db.udp
	case nat64.ICMP:
		return &db.icmp
	}
	return nil
}

// Counters returns the population of one table.
func (db *DB) Counters(proto nat64.Proto) (nat64.Counters, error) {
	t := db.table(proto)
	if t == nil {
		return nat64.Counters{}, nat64.ErrInvalid
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return nat64.Counters{
		BIBEntries: uint64(t.tree4.Len()),
		Sessions:   t.sessionCount,
		StoredPkts: uint64(t.pktCount),
	}, nil
}

// FindBIB6 looks up a binding by its inside transport address.
func (db *DB) FindBIB6(proto nat64.Proto, src6 nat64.TransportAddr) (nat64.BIBEntry, error) {
	t := db.table(proto)
	if t == nil {
		return nat64.BIBEntry{}, nat64.ErrInvalid
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if b := t.findBIB6(src6); b != nil {
		return bibEntry(b), nil
	}
	return nat64.BIBEntry{}, nat64.ErrNotFound
}

// FindBIB4 looks up a binding by its outside transport address.
func (db *DB) FindBIB4(proto nat64.Proto, src4 nat64.TransportAddr) (nat64.BIBEntry, error) {
	t := db.table(proto)
	if t == nil {
		return nat64.BIBEntry{}, nat64.ErrInvalid
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if b := t.findBIB4(src4); b != nil {
		return bibEntry(b), nil
	}
	return nat64.BIBEntry{}, nat64.ErrNotFound
}

// Find6 resolves a 6-side tuple to its full snapshot without creating
// anything. dst4 is the translated destination, as in Add6.
func (db *DB) Find6(t6 nat64.Tuple6, dst4 nat64.TransportAddr) (nat64.BIBSession, error) {
	t := db.table(t6.Proto)
	if t == nil {
		return nat64.BIBSession{}, nat64.ErrInvalid
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.findBIB6(t6.Src6)
	if b == nil {
		return nat64.BIBSession{}, nat64.ErrNotFound
	}
	if t.proto == nat64.ICMP {
		dst4.Port = b.src4.Port
	}
	if s := b.findSession(dst4); s != nil {
		return t.sessionSnapshot(s), nil
	}
	return bibSnapshot(b), nil
}

// Find4 resolves a 4-side tuple to its full snapshot without creating
// anything.
func (db *DB) Find4(t4 nat64.Tuple4) (nat64.BIBSession, error) {
	t := db.table(t4.Proto)
	if t == nil {
		return nat64.BIBSession{}, nat64.ErrInvalid
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.findBIB4(t4.Dst4)
	if b == nil {
		return nat64.BIBSession{}, nat64.ErrNotFound
	}
	if s := b.findSession(t4.Src4); s != nil {
		return t.sessionSnapshot(s), nil
	}
	return bibSnapshot(b), nil
}

// Clean advances expiration for every table and the type 1 queue, then
// performs the deferred transmissions. The sweep scheduler calls this
// periodically.
func (db *DB) Clean() {
	var probes []probing
	var icmps []*soNode

	db.tcp.mu.Lock()
	db.tcp.sweep(&db.tcp.est, &probes)
	db.tcp.sweep(&db.tcp.trans, &probes)
	db.tcp.sweep(&db.tcp.syn4, &probes)
	expired := db.tcp.queue.prepareClean(db.now(),
		uint64(db.globals.TCPSyn4Timeout.Milliseconds()))
	db.tcp.pktCount -= len(expired)
	icmps = append(icmps, expired...)
	db.tcp.mu.Unlock()

	db.udp.mu.Lock()
	db.udp.sweep(&db.udp.est, &probes)
	db.udp.mu.Unlock()

	db.icmp.mu.Lock()
	db.icmp.sweep(&db.icmp.est, &probes)
	db.icmp.mu.Unlock()

	db.postFate(probes)
	for _, n := range icmps {
		db.emitter.SendICMPError(n.pkt)
		db.stats.icmpErrorsSent.Add(1)
	}
}

// Close empties every table. Held packets are answered with nothing;
// the process is going away.
func (db *DB) Close() {
	db.FlushAll()
}
