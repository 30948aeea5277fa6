// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dcphub/dcphub/lib/auth"
	"github.com/dcphub/dcphub/lib/clock"
	"github.com/dcphub/dcphub/lib/codec"
	"github.com/dcphub/dcphub/lib/dcp"
	"github.com/dcphub/dcphub/lib/protocol"
	"github.com/dcphub/dcphub/lib/search"
)

// Defaults.
const (
	DefaultDialTimeout    = 10 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

// ErrUpgradeUnavailable is returned by Dial when a starttls connection
// is requested but the server does not offer it.
var ErrUpgradeUnavailable = errors.New("client: server does not offer starttls")

// Options configures a connection.
type Options struct {
	// Security selects how the connection is secured: plain, tls
	// (handshake first), or starttls (upgrade after hello). A
	// starttls request the server does not offer fails Dial rather
	// than continuing in plaintext.
	Security protocol.Security

	// TLSConfig is required for tls and starttls.
	TLSConfig *tls.Config

	DialTimeout time.Duration

	// RequestTimeout bounds each round trip, not counting the wait of
	// a next request.
	RequestTimeout time.Duration

	// Name is reported to the server in hello.
	Name string

	// Clock supplies the authenticator time.
	Clock clock.Clock
}

// Client is one protocol connection.
type Client struct {
	options Options
	conn    net.Conn
	limiter *codec.FrameLimiter
	encoder *codec.Encoder
	decoder *codec.Decoder
	hello   protocol.HelloResponse
	closed  bool
}

// Dial connects, secures the connection as requested and exchanges
// hello.
func Dial(ctx context.Context, address string, options Options) (*Client, error) {
	if options.DialTimeout <= 0 {
		options.DialTimeout = DefaultDialTimeout
	}
	if options.RequestTimeout <= 0 {
		options.RequestTimeout = DefaultRequestTimeout
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Name == "" {
		options.Name = "dcphub-client"
	}
	security, err := protocol.ParseSecurity(string(options.Security))
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	if security != protocol.SecurityPlain && options.TLSConfig == nil {
		return nil, fmt.Errorf("client: security %q requires a TLS configuration", security)
	}

	if options.TLSConfig != nil && options.TLSConfig.ServerName == "" && !options.TLSConfig.InsecureSkipVerify {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return nil, fmt.Errorf("client: %w", err)
		}
		options.TLSConfig = options.TLSConfig.Clone()
		options.TLSConfig.ServerName = host
	}

	dialer := net.Dialer{Timeout: options.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("client: connecting to %s: %w", address, err)
	}

	c := &Client{options: options}
	c.setConn(conn)

	if security == protocol.SecurityTLS {
		if err := c.handshake(ctx); err != nil {
			conn.Close()
			return nil, err
		}
	}

	if err := c.sayHello(ctx); err != nil {
		c.conn.Close()
		return nil, err
	}

	if security == protocol.SecurityStartTLS {
		if c.hello.Security != protocol.SecurityStartTLS {
			c.conn.Close()
			return nil, ErrUpgradeUnavailable
		}
		if err := c.StartTLS(ctx); err != nil {
			c.conn.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) setConn(conn net.Conn) {
	c.conn = conn
	if c.limiter == nil {
		c.limiter = codec.NewFrameLimiter(conn, protocol.MaxFrameSize)
	} else {
		c.limiter.SetReader(conn)
	}
	c.encoder = codec.NewEncoder(conn)
	c.decoder = codec.NewDecoder(c.limiter)
}

func (c *Client) handshake(ctx context.Context) error {
	tlsConn := tls.Client(c.conn, c.options.TLSConfig)
	c.conn.SetDeadline(time.Now().Add(c.options.RequestTimeout))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("client: TLS handshake: %w", err)
	}
	c.setConn(tlsConn)
	return nil
}

func (c *Client) sayHello(ctx context.Context) error {
	return c.call(ctx, protocol.ActionHello,
		protocol.HelloRequest{Action: protocol.ActionHello, Client: c.options.Name},
		&c.hello, 0)
}

// Hello returns the server's most recent hello response.
func (c *Client) Hello() protocol.HelloResponse { return c.hello }

// StartTLS upgrades the connection in place. The hello exchange is
// repeated over the secured connection.
func (c *Client) StartTLS(ctx context.Context) error {
	if c.options.TLSConfig == nil {
		return fmt.Errorf("client: starttls requires a TLS configuration")
	}
	if err := c.call(ctx, protocol.ActionStartTLS, protocol.Header{Action: protocol.ActionStartTLS}, nil, 0); err != nil {
		return err
	}
	if err := c.handshake(ctx); err != nil {
		return err
	}
	return c.sayHello(ctx)
}

// Login authenticates with the strongest algorithm the server offers.
func (c *Client) Login(ctx context.Context, user, password string) (protocol.AuthResponse, error) {
	algorithms := c.hello.Challenge.Algorithms
	if len(algorithms) == 0 {
		return protocol.AuthResponse{}, fmt.Errorf("client: server offered no authentication algorithms")
	}
	unixTime, authenticator, err := auth.Sign(algorithms[0], user, password, c.options.Clock.Now())
	if err != nil {
		return protocol.AuthResponse{}, fmt.Errorf("client: %w", err)
	}
	return c.Authenticate(ctx, user, unixTime, algorithms[0], authenticator)
}

// Authenticate sends a precomputed authenticator.
func (c *Client) Authenticate(ctx context.Context, user string, unixTime int64, algorithm auth.Algorithm, authenticator []byte) (protocol.AuthResponse, error) {
	var response protocol.AuthResponse
	err := c.call(ctx, protocol.ActionAuth, protocol.AuthRequest{
		Action:        protocol.ActionAuth,
		User:          user,
		Time:          unixTime,
		Algorithm:     algorithm,
		Authenticator: authenticator,
	}, &response, 0)
	return response, err
}

// SetCriteria installs spec. A non-nil resume positions the cursor
// there.
func (c *Client) SetCriteria(ctx context.Context, spec search.Spec, resume *dcp.Position) (dcp.Position, error) {
	var response protocol.CriteriaResponse
	err := c.call(ctx, protocol.ActionCriteria, protocol.CriteriaRequest{
		Action:   protocol.ActionCriteria,
		Criteria: spec,
		Resume:   resume,
	}, &response, 0)
	return response.Position, err
}

// Next asks for up to max messages, letting the server wait up to wait
// for new data.
func (c *Client) Next(ctx context.Context, max int, wait time.Duration) (protocol.NextResponse, error) {
	var response protocol.NextResponse
	err := c.call(ctx, protocol.ActionNext, protocol.NextRequest{
		Action:     protocol.ActionNext,
		Max:        max,
		WaitMillis: wait.Milliseconds(),
	}, &response, wait)
	return response, err
}

// Reset moves the cursor back to the oldest live message.
func (c *Client) Reset(ctx context.Context) (dcp.Position, error) {
	var response protocol.ResetResponse
	err := c.call(ctx, protocol.ActionReset, protocol.Header{Action: protocol.ActionReset}, &response, 0)
	return response.Position, err
}

// Status fetches the server health snapshot.
func (c *Client) Status(ctx context.Context) (protocol.StatusSnapshot, error) {
	var response protocol.StatusSnapshot
	err := c.call(ctx, protocol.ActionStatus, protocol.Header{Action: protocol.ActionStatus}, &response, 0)
	return response, err
}

// Sessions lists attached sessions. Requires the admin or monitor role.
func (c *Client) Sessions(ctx context.Context) ([]protocol.SessionInfo, error) {
	var response protocol.SessionsResponse
	err := c.call(ctx, protocol.ActionSessions, protocol.Header{Action: protocol.ActionSessions}, &response, 0)
	return response.Sessions, err
}

// Goodbye ends the session politely and closes the connection.
func (c *Client) Goodbye(ctx context.Context) error {
	err := c.call(ctx, protocol.ActionGoodbye, protocol.Header{Action: protocol.ActionGoodbye}, nil, 0)
	c.Close()
	return err
}

// Close closes the connection without a goodbye.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// call performs one round trip. extra extends the deadline for
// requests the server may hold.
func (c *Client) call(ctx context.Context, action string, request, result any, extra time.Duration) error {
	if c.closed {
		return fmt.Errorf("client: %s: connection closed", action)
	}
	deadline := time.Now().Add(c.options.RequestTimeout + extra)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	c.conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := c.encoder.Encode(request); err != nil {
		return fmt.Errorf("client: %s: writing request: %w", action, err)
	}
	c.limiter.Reset()
	var response protocol.Response
	if err := c.decoder.Decode(&response); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("client: %s: %w", action, ctx.Err())
		}
		return fmt.Errorf("client: %s: reading response: %w", action, err)
	}
	if response.Closing {
		c.Close()
	}
	if !response.OK {
		return &protocol.Error{Action: action, Message: response.Error, Closed: response.Closing}
	}
	return response.Decode(result)
}
