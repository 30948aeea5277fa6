// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dcphub/dcphub/lib/codec"
	"github.com/dcphub/dcphub/lib/dcp"
	"github.com/dcphub/dcphub/lib/protocol"
)

// dialTimeout covers only the connect phase.
const dialTimeout = 5 * time.Second

// ackTimeout is how long a producer waits for the ack of one frame.
const ackTimeout = 30 * time.Second

// Producer is an out-of-process producer's stream to a SocketServer.
// Not safe for concurrent use.
type Producer struct {
	conn    net.Conn
	encoder *codec.Encoder
	decoder *codec.Decoder
}

// DialProducer opens an ingest stream for source on socketPath and
// waits for the readiness ack.
func DialProducer(ctx context.Context, socketPath string, source dcp.SourceID, name string) (*Producer, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("ingest: connecting to %s: %w", socketPath, err)
	}
	producer := &Producer{
		conn:    conn,
		encoder: codec.NewEncoder(conn),
		decoder: codec.NewDecoder(conn),
	}
	ready, err := producer.exchange(protocol.IngestHello{
		Action: protocol.ActionIngest,
		Source: source,
		Name:   name,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !ready.OK {
		conn.Close()
		return nil, fmt.Errorf("ingest: stream refused: %s", ready.Error)
	}
	return producer, nil
}

// Send submits one frame and returns the hub's ack. A rejected frame
// is reported in the ack, not as an error; errors mean the stream is
// broken.
func (p *Producer) Send(frame protocol.IngestFrame) (protocol.IngestAck, error) {
	return p.exchange(frame)
}

func (p *Producer) exchange(request any) (protocol.IngestAck, error) {
	p.conn.SetDeadline(time.Now().Add(ackTimeout))
	if err := p.encoder.Encode(request); err != nil {
		return protocol.IngestAck{}, fmt.Errorf("ingest: writing frame: %w", err)
	}
	var ack protocol.IngestAck
	if err := p.decoder.Decode(&ack); err != nil {
		return protocol.IngestAck{}, fmt.Errorf("ingest: reading ack: %w", err)
	}
	return ack, nil
}

// Close ends the stream.
func (p *Producer) Close() error {
	return p.conn.Close()
}

// QueryStatus asks the SocketServer on socketPath for a status
// snapshot. The ingestion socket is local and unauthenticated.
func QueryStatus(ctx context.Context, socketPath string) (protocol.StatusSnapshot, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return protocol.StatusSnapshot{}, fmt.Errorf("ingest: connecting to %s: %w", socketPath, err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(protocol.Header{Action: protocol.ActionStatus}); err != nil {
		return protocol.StatusSnapshot{}, fmt.Errorf("ingest: writing request: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(ackTimeout))
	var response protocol.Response
	if err := codec.NewDecoder(codec.NewFrameLimiter(conn, protocol.MaxFrameSize)).Decode(&response); err != nil {
		return protocol.StatusSnapshot{}, fmt.Errorf("ingest: reading response: %w", err)
	}
	if !response.OK {
		return protocol.StatusSnapshot{}, errors.New("ingest: status: " + response.Error)
	}
	var snapshot protocol.StatusSnapshot
	if err := response.Decode(&snapshot); err != nil {
		return protocol.StatusSnapshot{}, err
	}
	return snapshot, nil
}
