// Package daemon implements the nat64d lifecycle: configuration, the
// session database and its satellites, and graceful shutdown.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nat64io/nat64d/pkg/api"
	"github.com/nat64io/nat64d/pkg/bib"
	"github.com/nat64io/nat64d/pkg/config"
	"github.com/nat64io/nat64d/pkg/gc"
	"github.com/nat64io/nat64d/pkg/joold"
	"github.com/nat64io/nat64d/pkg/logging"
	"github.com/nat64io/nat64d/pkg/packet"
)

// eventBufferSize bounds the in-memory lifecycle event history.
const eventBufferSize = 4096

// Options configures the daemon.
type Options struct {
	ConfigFile string
	APIAddr    string // overrides the config file when non-empty
}

// Daemon owns every long-running component.
type Daemon struct {
	opts   Options
	cfg    *config.Config
	engine *Engine
	sync   *joold.SessionSync
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.ConfigFile == "" {
		opts.ConfigFile = "/etc/nat64d/nat64d.yaml"
	}
	return &Daemon{opts: opts}
}

// Engine returns the data-plane surface, once Run has built it.
func (d *Daemon) Engine() *Engine {
	return d.engine
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting nat64d", "config", d.opts.ConfigFile, "pid", os.Getpid())

	cfg, err := config.Load(d.opts.ConfigFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		slog.Warn("config file missing, using defaults", "path", d.opts.ConfigFile)
		cfg = config.Default()
	}
	if d.opts.APIAddr != "" {
		cfg.APIAddr = d.opts.APIAddr
	}
	d.cfg = cfg

	p6, err := cfg.BuildPool6()
	if err != nil {
		return err
	}
	p4, err := cfg.BuildPool4()
	if err != nil {
		return err
	}

	events := logging.NewEventBuffer(eventBufferSize)
	db := bib.New(cfg.Globals(),
		bib.WithEventBuffer(events),
		bib.WithEmitter(&packet.NetEmitter{}),
	)
	defer db.Close()

	d.engine = &Engine{DB: db, Pool6: p6, Pool4: p4}

	if cfg.Sync.Enabled {
		d.sync = joold.New(cfg.Sync.Listen, cfg.Sync.Peer, cfg.Sync.FrameSize, db)
		db.OnSessionChange = d.sync.Queue
		if err := d.sync.Start(ctx); err != nil {
			return err
		}
		defer d.sync.Stop()
		slog.Info("session sync enabled",
			"listen", cfg.Sync.Listen, "peer", cfg.Sync.Peer)
	}

	sweeper := gc.New(db, time.Duration(cfg.SweepInterval))
	go sweeper.Run(ctx)

	srv := api.NewServer(api.Config{
		Addr:     cfg.APIAddr,
		DB:       db,
		Pool4:    p4,
		EventBuf: events,
		Sync:     d.sync,
	})
	apiErr := make(chan error, 1)
	go func() { apiErr <- srv.Run(ctx) }()

	slog.Info("nat64d ready",
		"pool6", p6.Prefix(),
		"api", cfg.APIAddr)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		<-apiErr
		return nil
	case err := <-apiErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
