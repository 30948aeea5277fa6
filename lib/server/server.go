// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dcphub/dcphub/lib/clock"
	"github.com/dcphub/dcphub/lib/codec"
	"github.com/dcphub/dcphub/lib/netutil"
	"github.com/dcphub/dcphub/lib/protocol"
	"github.com/dcphub/dcphub/lib/session"
	"github.com/dcphub/dcphub/lib/version"
)

// Defaults.
const (
	DefaultMaxConnections = 256
	DefaultIdleTimeout    = 10 * time.Minute
	DefaultSweepInterval  = 30 * time.Second
)

// rejectWriteTimeout bounds the busy response to a connection over the
// limit.
const rejectWriteTimeout = 5 * time.Second

// Config configures a Server.
type Config struct {
	// Address is the TCP listen address for ListenAndServe.
	Address string

	// Session is shared by every session. Status and Sessions are
	// filled in by New.
	Session session.Config

	MaxConnections int
	IdleTimeout    time.Duration
	SweepInterval  time.Duration

	// Producers reports ingestion health for status snapshots.
	// Optional.
	Producers func() []protocol.ProducerHealth

	Clock  clock.Clock
	Logger *slog.Logger
}

// Server runs the distribution protocol.
type Server struct {
	config  Config
	clock   clock.Clock
	logger  *slog.Logger
	started time.Time

	nextID atomic.Uint64

	mu       sync.Mutex
	sessions map[uint64]*session.Session

	evicted  atomic.Uint64
	rejected atomic.Uint64

	// activeConnections tracks session goroutines so Serve can wait
	// for them on shutdown.
	activeConnections sync.WaitGroup
}

// New validates config and returns a Server.
func New(config Config) (*Server, error) {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = DefaultMaxConnections
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.Session.Clock == nil {
		config.Session.Clock = config.Clock
	}
	if config.Session.Logger == nil {
		config.Session.Logger = config.Logger
	}

	s := &Server{
		config:   config,
		clock:    config.Clock,
		logger:   config.Logger,
		started:  config.Clock.Now(),
		sessions: make(map[uint64]*session.Session),
	}
	s.config.Session.Status = s.Status
	s.config.Session.Sessions = s.Sessions
	s.config.Session.ApplyDefaults()
	if err := s.config.Session.Validate(); err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	return s, nil
}

// ListenAndServe listens on the configured TCP address and serves
// until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("server: listening on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is cancelled. It
// then closes the listener and every session, and returns once all
// session goroutines have finished. Serve takes ownership of
// listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	defer listener.Close()

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		s.runSweep(ctx)
	}()

	s.logger.Info("distribution server listening",
		"address", listener.Addr().String(),
		"security", string(s.config.Session.Security),
		"max_connections", s.config.MaxConnections,
	)

	var acceptErr error
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Warn("accept failed, retrying", "error", err)
				s.clock.Sleep(50 * time.Millisecond)
				continue
			}
			acceptErr = fmt.Errorf("server: accept: %w", err)
			break
		}
		s.accept(ctx, conn)
	}

	s.closeAll()
	s.activeConnections.Wait()
	<-sweepDone
	s.logger.Info("distribution server stopped")
	return acceptErr
}

func (s *Server) accept(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	if len(s.sessions) >= s.config.MaxConnections {
		s.mu.Unlock()
		s.rejected.Add(1)
		s.logger.Warn("connection limit reached, rejecting",
			"remote", conn.RemoteAddr().String(),
			"limit", s.config.MaxConnections)
		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			reject(conn, "server busy: connection limit reached")
		}()
		return
	}
	id := s.nextID.Add(1)
	sess := session.New(id, conn, &s.config.Session)
	s.sessions[id] = sess
	s.mu.Unlock()

	s.logger.Debug("connection accepted", "session", id, "remote", conn.RemoteAddr().String())

	s.activeConnections.Add(1)
	go func() {
		defer s.activeConnections.Done()
		defer s.remove(id)
		if err := sess.Run(ctx); err != nil && !netutil.IsExpectedCloseError(err) {
			s.logger.Debug("session ended with error", "session", id, "error", err)
		}
	}()
}

// reject writes a closing busy response and closes conn. On a tls
// listener the write happens before any handshake and fails, which
// closes the connection all the same.
func reject(conn net.Conn, message string) {
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(rejectWriteTimeout))
	codec.NewEncoder(conn).Encode(protocol.Failure(message, true))
}

func (s *Server) remove(id uint64) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Server) snapshot() []*session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

func (s *Server) closeAll() {
	for _, sess := range s.snapshot() {
		sess.Close()
	}
}

func (s *Server) runSweep(ctx context.Context) {
	ticker := s.clock.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep closes sessions idle for longer than IdleTimeout. Closing the
// connection ends the session's blocked read; the session goroutine
// releases its cursor and removes itself.
func (s *Server) sweep(now time.Time) {
	for _, sess := range s.snapshot() {
		idle := now.Sub(sess.LastActivity())
		if idle <= s.config.IdleTimeout {
			continue
		}
		s.evicted.Add(1)
		s.logger.Info("evicting idle session",
			"session", sess.ID(),
			"idle", idle.Round(time.Second),
			"state", sess.State().String())
		sess.Close()
	}
}

// Sessions lists the attached sessions ordered by ID.
func (s *Server) Sessions() []protocol.SessionInfo {
	sessions := s.snapshot()
	infos := make([]protocol.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	slices.SortFunc(infos, func(a, b protocol.SessionInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return infos
}

// Status assembles a health snapshot.
func (s *Server) Status() protocol.StatusSnapshot {
	now := s.clock.Now()
	store := s.config.Session.Store
	snapshot := protocol.StatusSnapshot{
		Server:     version.Info(),
		ServerTime: now.UTC(),
		Uptime:     now.Sub(s.started),
		Archive:    store.Stats(),
		Readers:    store.Readers(),
	}
	s.mu.Lock()
	snapshot.Sessions = len(s.sessions)
	s.mu.Unlock()
	if s.config.Producers != nil {
		snapshot.Producers = s.config.Producers()
	}
	return snapshot
}

// Counters returns how many sessions were evicted for idleness and how
// many connections were refused at the limit.
func (s *Server) Counters() (evicted, rejected uint64) {
	return s.evicted.Load(), s.rejected.Load()
}
