package joold

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nat64io/nat64d/pkg/bib"
	"github.com/nat64io/nat64d/pkg/nat64"
)

// Database is the slice of the session database the sync protocol needs.
type Database interface {
	ImportSession(nat64.SessionEntry) error
	ForeachSession(proto nat64.Proto, offset *bib.SessionOffset,
		cb func(nat64.SessionEntry) error) error
	Now() uint64
}

// Stats tracks session synchronization statistics.
type Stats struct {
	SessionsSent     atomic.Uint64
	SessionsReceived atomic.Uint64
	SessionsRejected atomic.Uint64
	QueueDrops       atomic.Uint64
	Advertises       atomic.Uint64
	Errors           atomic.Uint64
	Connected        atomic.Bool
}

// StatsSnapshot is the JSON view of Stats.
type StatsSnapshot struct {
	Connected        bool   `json:"connected"`
	SessionsSent     uint64 `json:"sessions_sent"`
	SessionsReceived uint64 `json:"sessions_received"`
	SessionsRejected uint64 `json:"sessions_rejected"`
	QueueDrops       uint64 `json:"queue_drops"`
	Advertises       uint64 `json:"advertises"`
	Errors           uint64 `json:"errors"`
}

// SessionSync manages TCP-based session replication with one peer.
type SessionSync struct {
	localAddr string // local listen address (e.g. ":6466")
	peerAddr  string // peer connect address
	frameSize int
	db        Database
	stats     Stats

	mu       sync.Mutex
	conn     net.Conn
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	sendCh   chan nat64.SessionEntry
}

// New creates a session synchronization manager.
func New(localAddr, peerAddr string, frameSize int, db Database) *SessionSync {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	return &SessionSync{
		localAddr: localAddr,
		peerAddr:  peerAddr,
		frameSize: frameSize,
		db:        db,
		sendCh:    make(chan nat64.SessionEntry, 4096),
	}
}

// Stats returns a snapshot of the sync statistics.
func (s *SessionSync) Stats() StatsSnapshot {
	return StatsSnapshot{
		Connected:        s.stats.Connected.Load(),
		SessionsSent:     s.stats.SessionsSent.Load(),
		SessionsReceived: s.stats.SessionsReceived.Load(),
		SessionsRejected: s.stats.SessionsRejected.Load(),
		QueueDrops:       s.stats.QueueDrops.Load(),
		Advertises:       s.stats.Advertises.Load(),
		Errors:           s.stats.Errors.Load(),
	}
}

// Start begins the sync protocol (listener + connector + sender).
func (s *SessionSync) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	ln, err := net.Listen("tcp", s.localAddr)
	if err != nil {
		return fmt.Errorf("session sync listen: %w", err)
	}
	s.listener = ln
	slog.Info("session sync: listening", "addr", s.localAddr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, ln)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.connectLoop(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sendLoop(ctx)
	}()

	return nil
}

// Stop gracefully shuts session sync down.
func (s *SessionSync) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Queue enqueues one session snapshot for the peer. The database's
// OnSessionChange hook points here. Never blocks; a full queue drops.
func (s *SessionSync) Queue(se nat64.SessionEntry) {
	if !s.stats.Connected.Load() {
		return
	}
	select {
	case s.sendCh <- se:
	default:
		s.stats.QueueDrops.Add(1)
	}
}

// Advertise re-enqueues every session for the peer. Run after a peer
// reconnects, or on demand.
func (s *SessionSync) Advertise() {
	var n int
	for _, proto := range nat64.Protos {
		s.db.ForeachSession(proto, nil, func(se nat64.SessionEntry) error {
			s.Queue(se)
			n++
			return nil
		})
	}
	s.stats.Advertises.Add(1)
	slog.Info("session sync: advertised sessions", "count", n)
}

// RequestAdvertise asks the peer for its full session table.
func (s *SessionSync) RequestAdvertise() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("session sync: no peer connection")
	}
	buf := make([]byte, headerSize)
	putHeader(buf, msgAdvertise, 0)
	_, err := conn.Write(buf)
	return err
}

func (s *SessionSync) adoptConn(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.stats.Connected.Store(true)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.receiveLoop(ctx, conn)
	}()
}

func (s *SessionSync) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				slog.Warn("session sync: accept error", "err", err)
				time.Sleep(time.Second)
				continue
			}
		}
		slog.Info("session sync: peer connected", "remote", conn.RemoteAddr())
		s.adoptConn(ctx, conn)
		// A freshly attached standby wants everything we have.
		s.Advertise()
	}
}

func (s *SessionSync) connectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}

		if s.peerAddr == "" || s.stats.Connected.Load() {
			continue
		}

		conn, err := net.DialTimeout("tcp", s.peerAddr, 3*time.Second)
		if err != nil {
			continue // peer not up yet
		}
		slog.Info("session sync: connected to peer", "addr", s.peerAddr)
		s.adoptConn(ctx, conn)

		if err := s.RequestAdvertise(); err != nil {
			slog.Warn("session sync: advertise request failed", "err", err)
		}
	}
}

// sendLoop batches queued sessions into frames: one frame per flush,
// packed up to the frame size.
func (s *SessionSync) sendLoop(ctx context.Context) {
	maxRecords := recordsPerFrame(s.frameSize)
	buf := make([]byte, headerSize+maxRecords*recordSize)

	for {
		var first nat64.SessionEntry
		select {
		case <-ctx.Done():
			return
		case first = <-s.sendCh:
		}

		batch := []nat64.SessionEntry{first}
	fill:
		for len(batch) < maxRecords {
			select {
			case se := <-s.sendCh:
				batch = append(batch, se)
			default:
				break fill
			}
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			continue
		}

		now := s.db.Now()
		putHeader(buf, msgSessions, len(batch))
		for i, se := range batch {
			encodeRecord(buf[headerSize+i*recordSize:], se, now)
		}
		frame := buf[:headerSize+len(batch)*recordSize]

		if _, err := conn.Write(frame); err != nil {
			slog.Debug("session sync: send error", "err", err)
			s.stats.Errors.Add(1)
			s.handleDisconnect()
			continue
		}
		s.stats.SessionsSent.Add(uint64(len(batch)))
	}
}

func (s *SessionSync) receiveLoop(ctx context.Context, conn net.Conn) {
	defer s.handleDisconnect()

	hdr := make([]byte, headerSize)
	payload := make([]byte, recordsPerFrame(s.frameSize)*recordSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		if _, err := io.ReadFull(conn, hdr); err != nil {
			if ctx.Err() != nil {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				keep := make([]byte, headerSize)
				putHeader(keep, msgHeartbeat, 0)
				if _, err := conn.Write(keep); err != nil {
					return
				}
				continue
			}
			slog.Debug("session sync: read error", "err", err)
			return
		}

		msgType, count, err := parseHeader(hdr)
		if err != nil {
			slog.Warn("session sync: bad frame header", "err", err)
			s.stats.Errors.Add(1)
			return
		}
		if count > len(payload)/recordSize {
			slog.Warn("session sync: oversized frame", "records", count)
			s.stats.Errors.Add(1)
			return
		}

		body := payload[:count*recordSize]
		if count > 0 {
			if _, err := io.ReadFull(conn, body); err != nil {
				return
			}
		}

		s.handleFrame(msgType, body, count)
	}
}

func (s *SessionSync) handleFrame(msgType uint8, body []byte, count int) {
	switch msgType {
	case msgSessions:
		now := s.db.Now()
		for i := 0; i < count; i++ {
			se, err := decodeRecord(body[i*recordSize:], now)
			if err != nil {
				s.stats.SessionsRejected.Add(1)
				continue
			}
			if err := s.db.ImportSession(se); err != nil {
				s.stats.SessionsRejected.Add(1)
				continue
			}
			s.stats.SessionsReceived.Add(1)
		}

	case msgAdvertise:
		s.Advertise()

	case msgHeartbeat:
		// keepalive, no action needed
	}
}

func (s *SessionSync) handleDisconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if s.stats.Connected.Swap(false) {
		slog.Info("session sync: peer disconnected")
	}
}
