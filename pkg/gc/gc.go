// Package gc drives the session database's expiration sweeps.
package gc

import (
	"context"
	"log/slog"
	"time"

	"github.com/nat64io/nat64d/pkg/bib"
)

// MinInterval bounds the sweep frequency so a misconfigured tick cannot
// monopolize the table locks.
const MinInterval = 250 * time.Millisecond

// GC periodically expires sessions and stored packets.
type GC struct {
	db       *bib.DB
	interval time.Duration
}

// New creates a sweep runner over the database.
func New(db *bib.DB, interval time.Duration) *GC {
	if interval < MinInterval {
		interval = MinInterval
	}
	return &GC{db: db, interval: interval}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (gc *GC) Run(ctx context.Context) {
	slog.Info("session GC started", "interval", gc.interval)
	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("session GC stopped")
			return
		case <-ticker.C:
			start := time.Now()
			gc.db.Clean()
			if d := time.Since(start); d > gc.interval {
				slog.Warn("session GC sweep overran its interval",
					"took", d, "interval", gc.interval)
			}
		}
	}
}
