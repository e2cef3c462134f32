package bib

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nat64io/nat64d/pkg/logging"
)

// timestampLayout renders the GMT timestamps of the lifecycle log lines.
const timestampLayout = "2006/01/02 15:04:05"

// logBIB emits one binding lifecycle line when BIB logging is on.
// Operators correlate these with their RADIUS logs, so the format is
// stable: timestamp, verb, inside address, outside address, protocol.
func (t *table) logBIB(action string, b *tabledBIB) {
	if !t.db.globals.BIBLogging {
		return
	}
	now := time.Now().UTC()
	slog.Info(fmt.Sprintf("%s (GMT) - %s %s to %s (%s)",
		now.Format(timestampLayout), action, b.src6, b.src4, b.proto))

	if t.db.events != nil {
		t.db.events.Add(logging.EventRecord{
			Time:   now,
			Action: action,
			Proto:  b.proto.String(),
			Src6:   b.src6.String(),
			Src4:   b.src4.String(),
		})
	}
}

// logSession emits one session lifecycle line when session logging is
// on: timestamp, verb, then the full quintuple.
func (t *table) logSession(action string, s *tabledSession) {
	if !t.db.globals.SessionLogging {
		return
	}
	now := time.Now().UTC()
	slog.Info(fmt.Sprintf("%s (GMT) - %s %s|%s|%s|%s|%s",
		now.Format(timestampLayout), action,
		s.bib.src6, s.dst6, s.bib.src4, s.dst4, s.bib.proto))

	if t.db.events != nil {
		t.db.events.Add(logging.EventRecord{
			Time:   now,
			Action: action,
			Proto:  s.bib.proto.String(),
			Src6:   s.bib.src6.String(),
			Dst6:   s.dst6.String(),
			Src4:   s.bib.src4.String(),
			Dst4:   s.dst4.String(),
		})
	}
}

// warnExhausted rate-limits the pool exhaustion warning to one per
// minute, naming the mark so the operator knows which pool4 group ran
// dry.
func (db *DB) warnExhausted(mark uint32) {
	now := db.now()
	last := db.stats.lastExhaustLog.Load()
	if now-last < 60_000 {
		return
	}
	if db.stats.lastExhaustLog.CompareAndSwap(last, now) {
		slog.Warn("running out of pool4 transport addresses", "mark", mark)
	}
}
