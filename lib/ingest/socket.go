// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/dcphub/dcphub/lib/codec"
	"github.com/dcphub/dcphub/lib/netutil"
	"github.com/dcphub/dcphub/lib/protocol"
)

// readTimeout is how long a new connection may take to send its first
// request. Producer streams have no read deadline after the hello.
const readTimeout = 30 * time.Second

// writeTimeout bounds every response and ack.
const writeTimeout = 10 * time.Second

// SocketServer accepts local producer processes on a Unix socket. A
// connection either sends one status request and receives one
// response, or sends an IngestHello and then streams IngestFrames,
// each answered by an IngestAck.
type SocketServer struct {
	socketPath string
	port       *Port
	status     func() protocol.StatusSnapshot
	logger     *slog.Logger

	// activeConnections tracks in-flight handlers for graceful
	// shutdown.
	activeConnections sync.WaitGroup
}

// NewSocketServer creates a server that will listen on socketPath and
// submit to port. status answers status requests and may be nil.
func NewSocketServer(socketPath string, port *Port, status func() protocol.StatusSnapshot, logger *slog.Logger) *SocketServer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SocketServer{
		socketPath: socketPath,
		port:       port,
		status:     status,
		logger:     logger,
	}
}

// Serve listens on the socket until ctx is cancelled, then closes
// every producer stream and waits for the handlers to return.
//
// Any existing socket file at the configured path is removed before
// listening. The socket file is removed on return.
func (s *SocketServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ingest: removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("ingest: listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("ingestion socket listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

func (s *SocketServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	limiter := codec.NewFrameLimiter(conn, protocol.MaxFrameSize)
	decoder := codec.NewDecoder(limiter)

	var raw codec.RawMessage
	if err := decoder.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			// Client connected but sent nothing.
			return
		}
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}

	var header protocol.Header
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}

	switch header.Action {
	case "":
		s.writeError(conn, "missing required field: action")
	case protocol.ActionStatus:
		if s.status == nil {
			s.writeError(conn, "status is not available")
			return
		}
		s.writeSuccess(conn, s.status())
	case protocol.ActionIngest:
		var hello protocol.IngestHello
		if err := codec.Unmarshal(raw, &hello); err != nil {
			s.writeError(conn, fmt.Sprintf("invalid ingest hello: %v", err))
			return
		}
		conn.SetReadDeadline(time.Time{})
		s.handleIngest(ctx, hello, conn, limiter, decoder)
	default:
		s.writeError(conn, fmt.Sprintf("unknown action %q", header.Action))
	}
}

// handleIngest streams IngestFrames from one producer into the port.
// A rejected frame is acked with the reason and the stream continues;
// an undecodable frame ends the stream.
func (s *SocketServer) handleIngest(ctx context.Context, hello protocol.IngestHello, conn net.Conn, limiter *codec.FrameLimiter, decoder *codec.Decoder) {
	logger := s.logger.With("source", hello.Source, "name", hello.Name)
	encoder := codec.NewEncoder(conn)
	ack := func(value protocol.IngestAck) error {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return encoder.Encode(value)
	}

	if !s.port.Known(hello.Source) {
		logger.Warn("ingest: unknown source")
		ack(protocol.IngestAck{Error: string(ReasonUnknownSource)})
		return
	}
	s.port.Name(hello.Source, hello.Name)

	// Readiness signal: the producer may start sending frames.
	if err := ack(protocol.IngestAck{OK: true}); err != nil {
		logger.Debug("ingest: failed to write ready signal", "error", err)
		return
	}
	logger.Info("ingest stream started")
	defer logger.Info("ingest stream ended")

	// Close the connection when the context is cancelled to unblock
	// the read below.
	handlerDone := make(chan struct{})
	defer close(handlerDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-handlerDone:
		}
	}()

	for {
		limiter.Reset()
		var frame protocol.IngestFrame
		if err := decoder.Decode(&frame); err != nil {
			if ctx.Err() != nil || netutil.IsExpectedCloseError(err) {
				return
			}
			logger.Warn("ingest: decode failed, closing stream", "error", err)
			ack(protocol.IngestAck{Error: "decode error"})
			return
		}

		receipt, err := s.port.Submit(ctx, Submission{
			Raw:          frame.Raw,
			Source:       hello.Source,
			CaptureTime:  frame.CaptureTime,
			CarrierStart: frame.CarrierStart,
			ProducerSeq:  frame.ProducerSeq,
		})
		response := protocol.IngestAck{OK: true, Seq: receipt.Seq}
		if err != nil {
			response = protocol.IngestAck{Error: err.Error()}
			var rejected *RejectedError
			if errors.As(err, &rejected) {
				response.Retryable = rejected.Retryable()
			}
		}
		if err := ack(response); err != nil {
			logger.Debug("ingest: failed to write ack", "error", err)
			return
		}
	}
}

// writeError sends a failure response. Write failures are logged at
// debug level; the connection is closing regardless.
func (s *SocketServer) writeError(conn net.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(protocol.Failure(message, true)); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

func (s *SocketServer) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	response, err := protocol.Success(result)
	if err != nil {
		s.writeError(conn, fmt.Sprintf("internal: %v", err))
		return
	}
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write success response", "error", err)
	}
}
