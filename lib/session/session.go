// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dcphub/dcphub/lib/auth"
	"github.com/dcphub/dcphub/lib/codec"
	"github.com/dcphub/dcphub/lib/dcp"
	"github.com/dcphub/dcphub/lib/netutil"
	"github.com/dcphub/dcphub/lib/protocol"
	"github.com/dcphub/dcphub/lib/search"
)

// markSaveTimeout bounds the retrieval mark write when a session ends.
const markSaveTimeout = 5 * time.Second

// Session is one client connection. Run drives it; Close and Info may
// be called from other goroutines.
type Session struct {
	id     uint64
	config *Config
	logger *slog.Logger

	// rawConn is the accepted connection. conn is the connection
	// requests are read from, which becomes a *tls.Conn after an
	// upgrade. Only the Run goroutine touches conn.
	rawConn net.Conn
	conn    net.Conn
	limiter *codec.FrameLimiter
	decoder *codec.Decoder
	encoder *codec.Encoder

	state     atomic.Int32
	secured   atomic.Bool
	connected time.Time

	// lastActivity is UnixNano per the configured clock.
	lastActivity atomic.Int64

	closing   chan struct{}
	closeOnce sync.Once

	authAttempts int
	identity     auth.Identity
	cursor       *search.Cursor

	// hangup ends Run after the current response is written.
	hangup bool

	infoMu sync.Mutex
	user   string

	delivered atomic.Uint64
	skipped   atomic.Uint64
	readSeq   atomic.Uint64
}

// New wraps an accepted connection. config must have had
// ApplyDefaults called and passed Validate.
func New(id uint64, conn net.Conn, config *Config) *Session {
	now := config.Clock.Now()
	s := &Session{
		id:        id,
		config:    config,
		rawConn:   conn,
		connected: now,
		closing:   make(chan struct{}),
		logger: config.Logger.With(
			"session", id,
			"remote", conn.RemoteAddr().String(),
		),
	}
	s.setConn(conn)
	s.lastActivity.Store(now.UnixNano())
	s.state.Store(int32(Connected))
	return s
}

func (s *Session) setConn(conn net.Conn) {
	s.conn = conn
	if s.limiter == nil {
		s.limiter = codec.NewFrameLimiter(conn, protocol.MaxFrameSize)
	} else {
		s.limiter.SetReader(conn)
	}
	s.decoder = codec.NewDecoder(s.limiter)
	s.encoder = codec.NewEncoder(conn)
}

// ID returns the session's server-assigned identifier.
func (s *Session) ID() uint64 { return s.id }

// State returns the current protocol state.
func (s *Session) State() State { return State(s.state.Load()) }

// LastActivity returns when the last request arrived.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(s.config.Clock.Now().UnixNano())
}

// Close closes the connection, unblocking any read or write in Run.
// Safe to call more than once and from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.rawConn.Close()
	})
}

// Info describes the session for status listings.
func (s *Session) Info() protocol.SessionInfo {
	s.infoMu.Lock()
	user := s.user
	s.infoMu.Unlock()
	return protocol.SessionInfo{
		ID:           s.id,
		User:         user,
		Remote:       s.rawConn.RemoteAddr().String(),
		State:        s.State().String(),
		Secured:      s.secured.Load(),
		Connected:    s.connected,
		LastActivity: s.LastActivity(),
		Delivered:    s.delivered.Load(),
		Skipped:      s.skipped.Load(),
		Position:     dcp.PositionOf(s.readSeq.Load(), s.config.Store.Capacity()),
	}
}

// Run serves requests until the client says goodbye, the connection
// closes, ctx is cancelled, or the client violates the protocol. A
// clean end returns nil.
func (s *Session) Run(ctx context.Context) error {
	defer s.finish()

	runDone := make(chan struct{})
	defer close(runDone)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-runDone:
		}
	}()

	s.rawConn.SetDeadline(time.Now().Add(s.config.AuthTimeout))

	if s.config.Security == protocol.SecurityTLS {
		if err := s.handshake(ctx); err != nil {
			return err
		}
	}

	for {
		s.limiter.Reset()
		var raw codec.RawMessage
		if err := s.decoder.Decode(&raw); err != nil {
			return s.readFailed(err)
		}
		s.touch()

		var header protocol.Header
		if err := codec.Unmarshal(raw, &header); err != nil {
			return s.violate(violation("invalid request: %v", err))
		}
		if header.Action == "" {
			return s.violate(violation("missing required field: action"))
		}

		result, err := s.dispatch(ctx, header.Action, raw)
		if errors.Is(err, ErrProtocol) {
			return s.violate(err)
		}

		upgrade := err == nil && header.Action == protocol.ActionStartTLS
		if err := s.respond(header.Action, result, err); err != nil {
			return err
		}
		if s.hangup {
			if s.authAttempts >= s.config.MaxAuthAttempts && s.State() < Authenticated {
				s.logger.Warn("closing session after failed authentication attempts",
					"attempts", s.authAttempts)
				return ErrAuthAttempts
			}
			return nil
		}
		if upgrade {
			if err := s.handshake(ctx); err != nil {
				return err
			}
		}
	}
}

// readFailed classifies a failed request read.
func (s *Session) readFailed(err error) error {
	select {
	case <-s.closing:
		return nil
	default:
	}
	if errors.Is(err, codec.ErrFrameTooLarge) {
		return s.violate(violation("request exceeds %d bytes", protocol.MaxFrameSize))
	}
	if netutil.IsTimeout(err) && s.State() < Authenticated {
		s.logger.Warn("authentication deadline expired", "state", s.State().String())
		return ErrAuthTimeout
	}
	if netutil.IsExpectedCloseError(err) {
		return nil
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("session: reading request: %w", err)
	}
	return s.violate(violation("invalid request: %v", err))
}

// handshake runs the server side of TLS over the current connection.
func (s *Session) handshake(ctx context.Context) error {
	s.state.Store(int32(Securing))
	tlsConn := tls.Server(s.conn, s.config.TLSConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		s.logger.Warn("TLS handshake failed", "error", err)
		return fmt.Errorf("session: TLS handshake: %w", err)
	}
	s.setConn(tlsConn)
	s.secured.Store(true)
	s.state.Store(int32(Connected))
	s.logger.Debug("connection secured",
		"version", tls.VersionName(tlsConn.ConnectionState().Version))
	return nil
}

// violate writes a closing diagnostic and returns err for Run.
func (s *Session) violate(err error) error {
	s.logger.Warn("protocol violation, closing session", "error", err)
	s.write(protocol.Failure(err.Error(), true))
	return err
}

// respond writes the response for one handled request.
func (s *Session) respond(action string, result any, handlerErr error) error {
	if handlerErr != nil {
		s.logger.Debug("action failed", "action", action, "error", handlerErr)
		return s.write(protocol.Failure(handlerErr.Error(), s.hangup))
	}
	response, err := protocol.Success(result)
	if err != nil {
		s.write(protocol.Failure(fmt.Sprintf("internal: %v", err), true))
		return err
	}
	response.Closing = s.hangup
	return s.write(response)
}

func (s *Session) write(response protocol.Response) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := s.encoder.Encode(response); err != nil {
		s.logger.Debug("failed to write response", "error", err)
		return fmt.Errorf("session: writing response: %w", err)
	}
	return nil
}

// finish releases the cursor, saves the retrieval mark and closes the
// connection.
func (s *Session) finish() {
	s.state.Store(int32(Closed))
	if s.cursor != nil {
		s.saveMark()
		s.cursor.Close()
	}
	s.Close()
	s.logger.Debug("session closed",
		"user", s.identity.User,
		"delivered", s.delivered.Load(),
		"skipped", s.skipped.Load())
}

func (s *Session) saveMark() {
	if s.config.Marks == nil || s.identity.User == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), markSaveTimeout)
	defer cancel()
	if err := s.config.Marks.SaveMark(ctx, s.identity.User, s.cursor.Seq()); err != nil {
		s.logger.Error("saving retrieval mark failed", "user", s.identity.User, "error", err)
	}
}
