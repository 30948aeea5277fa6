// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package session_test

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dcphub/dcphub/lib/archive"
	"github.com/dcphub/dcphub/lib/auth"
	"github.com/dcphub/dcphub/lib/client"
	"github.com/dcphub/dcphub/lib/clock"
	"github.com/dcphub/dcphub/lib/dcp"
	"github.com/dcphub/dcphub/lib/protocol"
	"github.com/dcphub/dcphub/lib/search"
	"github.com/dcphub/dcphub/lib/server"
	"github.com/dcphub/dcphub/lib/session"
	"github.com/dcphub/dcphub/lib/testutil"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type hubOptions struct {
	capacity       uint32
	security       protocol.Security
	requireUpgrade bool
	maxConnections int
	idleTimeout    time.Duration
	marks          session.MarkStore
	clock          clock.Clock

	// rejectReplays is off by default because tests log the same
	// user in several times within one second.
	rejectReplays bool
}

type hub struct {
	address   string
	store     *archive.Store
	server    *server.Server
	clientTLS *tls.Config
}

func startHub(t *testing.T, options hubOptions) *hub {
	t.Helper()
	if options.capacity == 0 {
		options.capacity = 1000
	}
	logger := testutil.Logger(t)

	store, err := archive.Open(archive.Config{
		Dir:            t.TempDir(),
		Capacity:       options.capacity,
		SegmentRecords: 10,
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("archive.Open: %v", err)
	}

	credentials := auth.NewMemoryStore()
	credentials.SetPassword("alice", "correct horse")
	credentials.SetPassword("ops", "battery staple", session.RoleAdmin)
	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		Store:         credentials,
		RejectReplays: options.rejectReplays,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	serverTLS, clientTLS := testutil.TLSConfigs(t)
	config := server.Config{
		Session: session.Config{
			Store:          store,
			Verifier:       verifier,
			Marks:          options.marks,
			Security:       options.security,
			RequireUpgrade: options.requireUpgrade,
			AuthTimeout:    5 * time.Second,
			MaxWait:        5 * time.Second,
		},
		MaxConnections: options.maxConnections,
		IdleTimeout:    options.idleTimeout,
		SweepInterval:  time.Second,
		Clock:          options.clock,
		Logger:         logger,
	}
	if options.security != "" && options.security != protocol.SecurityPlain {
		config.Session.TLSConfig = serverTLS
	}
	srv, err := server.New(config)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, listener) }()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, done, 10*time.Second, "server did not stop"); err != nil {
			t.Errorf("Serve: %v", err)
		}
		store.Close()
	})

	return &hub{
		address:   listener.Addr().String(),
		store:     store,
		server:    srv,
		clientTLS: clientTLS,
	}
}

func (h *hub) dial(t *testing.T, options client.Options) *client.Client {
	t.Helper()
	if options.Security != "" && options.Security != protocol.SecurityPlain {
		options.TLSConfig = h.clientTLS
	}
	c, err := client.Dial(context.Background(), h.address, options)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func (h *hub) login(t *testing.T, user, password string) *client.Client {
	t.Helper()
	c := h.dial(t, client.Options{})
	if _, err := c.Login(context.Background(), user, password); err != nil {
		t.Fatalf("Login(%s): %v", user, err)
	}
	return c
}

func (h *hub) submit(t *testing.T, address string, eventTime time.Time) uint64 {
	t.Helper()
	record, err := h.store.Submit(context.Background(), dcp.StoredMessage{
		Address:     dcp.MustParseAddress(address),
		Payload:     []byte(fmt.Sprintf("%s at %s", address, eventTime.Format(time.RFC3339))),
		ReceiveTime: eventTime,
		EventTime:   eventTime,
		Source:      1,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return record.Seq
}

func messageSeqs(t *testing.T, response protocol.NextResponse) []uint64 {
	t.Helper()
	var seqs []uint64
	for _, event := range response.Events {
		if event.IsSkip() {
			t.Fatalf("unexpected skip notice: %+v", event)
		}
		seqs = append(seqs, event.Message.Seq)
	}
	return seqs
}

func equalSeqs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestAddressAndWindowFilter(t *testing.T) {
	h := startHub(t, hubOptions{})
	ctx := context.Background()

	var want []uint64
	h.submit(t, "ABCD1234", baseTime.Add(-time.Minute))
	want = append(want, h.submit(t, "ABCD1234", baseTime))
	h.submit(t, "CE0000FF", baseTime.Add(5*time.Minute))
	want = append(want, h.submit(t, "ABCD1234", baseTime.Add(30*time.Minute)))
	h.submit(t, "CE0000FF", baseTime.Add(40*time.Minute))
	want = append(want, h.submit(t, "ABCD1234", baseTime.Add(time.Hour)))
	h.submit(t, "ABCD1234", baseTime.Add(time.Hour+time.Second))

	c := h.login(t, "alice", "correct horse")
	if _, err := c.SetCriteria(ctx, search.Spec{
		Addresses: []string{"ABCD1234"},
		Since:     baseTime.Format(time.RFC3339),
		Until:     baseTime.Add(time.Hour).Format(time.RFC3339),
	}, nil); err != nil {
		t.Fatalf("SetCriteria: %v", err)
	}

	response, err := c.Next(ctx, 100, 0)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got := messageSeqs(t, response); !equalSeqs(got, want) {
		t.Errorf("matched seqs = %v, want %v", got, want)
	}
	for _, event := range response.Events {
		if event.Message.Address != dcp.MustParseAddress("ABCD1234") {
			t.Errorf("message %d has address %v", event.Message.Seq, event.Message.Address)
		}
	}

	response, err = c.Next(ctx, 100, 0)
	if err != nil {
		t.Fatalf("Next at end: %v", err)
	}
	if !response.NoData || len(response.Events) != 0 {
		t.Errorf("Next at end = %+v, want no data", response)
	}
	if err := c.Goodbye(ctx); err != nil {
		t.Errorf("Goodbye: %v", err)
	}
}

func TestAuthenticationRetriesThenDisconnects(t *testing.T) {
	h := startHub(t, hubOptions{})
	ctx := context.Background()

	c := h.dial(t, client.Options{})
	_, err := c.Login(ctx, "alice", "wrong")
	var protocolErr *protocol.Error
	if !errors.As(err, &protocolErr) || protocolErr.Closed {
		t.Fatalf("first failed login = %v, want a non-closing protocol error", err)
	}
	if _, err := c.Login(ctx, "alice", "correct horse"); err != nil {
		t.Fatalf("login after one failure: %v", err)
	}

	c = h.dial(t, client.Options{})
	for attempt := 1; attempt <= session.DefaultMaxAuthAttempts; attempt++ {
		_, err := c.Login(ctx, "alice", "wrong")
		if !errors.As(err, &protocolErr) {
			t.Fatalf("attempt %d: %v, want *protocol.Error", attempt, err)
		}
		if closed := attempt == session.DefaultMaxAuthAttempts; protocolErr.Closed != closed {
			t.Fatalf("attempt %d: closed = %v, want %v", attempt, protocolErr.Closed, closed)
		}
	}
	if _, err := c.Status(ctx); err == nil {
		t.Error("request after exhausted attempts succeeded")
	}
}

func TestReplayedAuthenticatorRejected(t *testing.T) {
	h := startHub(t, hubOptions{rejectReplays: true})
	ctx := context.Background()

	unixTime, authenticator, err := auth.Sign(auth.SHA256, "alice", "correct horse", time.Now())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	first := h.dial(t, client.Options{})
	if _, err := first.Authenticate(ctx, "alice", unixTime, auth.SHA256, authenticator); err != nil {
		t.Fatalf("first Authenticate: %v", err)
	}
	second := h.dial(t, client.Options{})
	if _, err := second.Authenticate(ctx, "alice", unixTime, auth.SHA256, authenticator); err == nil {
		t.Error("replayed authenticator accepted")
	}
}

func TestOutOfOrderCommandClosesSession(t *testing.T) {
	h := startHub(t, hubOptions{})
	ctx := context.Background()

	_, clientTLS := testutil.TLSConfigs(t)
	tests := []struct {
		name string
		call func(c *client.Client) error
	}{
		{"criteria before auth", func(c *client.Client) error {
			_, err := c.SetCriteria(ctx, search.Spec{}, nil)
			return err
		}},
		{"status before auth", func(c *client.Client) error {
			_, err := c.Status(ctx)
			return err
		}},
		{"starttls on plain listener", func(c *client.Client) error {
			return c.StartTLS(ctx)
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			// The TLS configuration lets the client attempt an upgrade
			// the listener does not offer.
			c, err := client.Dial(ctx, h.address, client.Options{TLSConfig: clientTLS})
			if err != nil {
				t.Fatalf("Dial: %v", err)
			}
			defer c.Close()
			err = test.call(c)
			var protocolErr *protocol.Error
			if !errors.As(err, &protocolErr) || !protocolErr.Closed {
				t.Fatalf("error = %v, want a closing protocol error", err)
			}
		})
	}

	c := h.login(t, "alice", "correct horse")
	if _, err := c.Next(ctx, 1, 0); err == nil {
		t.Error("next before criteria succeeded")
	}
}

func TestStartTLSUpgrade(t *testing.T) {
	h := startHub(t, hubOptions{security: protocol.SecurityStartTLS, requireUpgrade: true})
	ctx := context.Background()

	secured := h.dial(t, client.Options{Security: protocol.SecurityStartTLS})
	if hello := secured.Hello(); !hello.Secured || hello.UpgradeRequired {
		t.Errorf("hello after upgrade = %+v, want secured", hello)
	}
	if _, err := secured.Login(ctx, "alice", "correct horse"); err != nil {
		t.Fatalf("Login over upgraded connection: %v", err)
	}

	plain := h.dial(t, client.Options{Security: protocol.SecurityPlain})
	if hello := plain.Hello(); hello.Secured || !hello.UpgradeRequired {
		t.Errorf("plaintext hello = %+v, want upgrade required", hello)
	}
	_, err := plain.Login(ctx, "alice", "correct horse")
	var protocolErr *protocol.Error
	if !errors.As(err, &protocolErr) || !protocolErr.Closed {
		t.Errorf("plaintext login = %v, want the connection closed", err)
	}
}

func TestMandatoryTLS(t *testing.T) {
	h := startHub(t, hubOptions{security: protocol.SecurityTLS})
	ctx := context.Background()

	c := h.dial(t, client.Options{Security: protocol.SecurityTLS})
	if !c.Hello().Secured {
		t.Error("hello on tls listener reports an unsecured connection")
	}
	if _, err := c.Login(ctx, "alice", "correct horse"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	if _, err := client.Dial(ctx, h.address, client.Options{RequestTimeout: 5 * time.Second}); err == nil {
		t.Error("plaintext client connected to a tls listener")
	}
}

func TestNextWaitsForNewData(t *testing.T) {
	h := startHub(t, hubOptions{})
	ctx := context.Background()

	c := h.login(t, "alice", "correct horse")
	if _, err := c.SetCriteria(ctx, search.Spec{}, nil); err != nil {
		t.Fatalf("SetCriteria: %v", err)
	}
	response, err := c.Next(ctx, 10, 0)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !response.NoData {
		t.Fatalf("Next on empty archive = %+v, want no data", response)
	}

	results := make(chan protocol.NextResponse, 1)
	go func() {
		response, err := c.Next(ctx, 10, 5*time.Second)
		if err != nil {
			t.Errorf("waiting Next: %v", err)
		}
		results <- response
	}()
	time.Sleep(50 * time.Millisecond)
	seq := h.submit(t, "ABCD1234", baseTime)

	response = testutil.RequireReceive(t, results, 10*time.Second, "waiting next never returned")
	if got := messageSeqs(t, response); !equalSeqs(got, []uint64{seq}) {
		t.Errorf("waiting Next returned %v, want [%d]", got, seq)
	}
}

func TestSkipNoticeAfterOverwrite(t *testing.T) {
	h := startHub(t, hubOptions{capacity: 100})
	ctx := context.Background()

	c := h.login(t, "alice", "correct horse")
	position, err := c.SetCriteria(ctx, search.Spec{}, nil)
	if err != nil {
		t.Fatalf("SetCriteria: %v", err)
	}
	if position != (dcp.Position{}) {
		t.Fatalf("initial position = %v, want 0/0", position)
	}
	for i := range 150 {
		h.submit(t, "ABCD1234", baseTime.Add(time.Duration(i)*time.Second))
	}

	response, err := c.Next(ctx, protocol.MaxBatch, 0)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(response.Events) != 101 {
		t.Fatalf("got %d events, want one skip notice and 100 messages", len(response.Events))
	}
	skip := response.Events[0]
	if !skip.IsSkip() || skip.Lost != 50 {
		t.Fatalf("first event = %+v, want a skip of 50", skip)
	}
	for i, event := range response.Events[1:] {
		if event.IsSkip() || event.Message.Seq != uint64(50+i) {
			t.Fatalf("event %d = %+v, want message %d", i+1, event, 50+i)
		}
	}
	if response.Position != dcp.PositionOf(150, 100) {
		t.Errorf("position = %v, want %v", response.Position, dcp.PositionOf(150, 100))
	}
}

func TestResumeFromPosition(t *testing.T) {
	h := startHub(t, hubOptions{})
	ctx := context.Background()
	for i := range 10 {
		h.submit(t, "ABCD1234", baseTime.Add(time.Duration(i)*time.Second))
	}

	first := h.login(t, "alice", "correct horse")
	if _, err := first.SetCriteria(ctx, search.Spec{}, nil); err != nil {
		t.Fatalf("SetCriteria: %v", err)
	}
	response, err := first.Next(ctx, 4, 0)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	resume := response.Position
	first.Goodbye(ctx)

	second := h.login(t, "alice", "correct horse")
	if _, err := second.SetCriteria(ctx, search.Spec{}, &resume); err != nil {
		t.Fatalf("SetCriteria with resume: %v", err)
	}
	response, err = second.Next(ctx, 100, 0)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got, want := messageSeqs(t, response), []uint64{4, 5, 6, 7, 8, 9}; !equalSeqs(got, want) {
		t.Errorf("resumed seqs = %v, want %v", got, want)
	}
}

func TestResumeRejectsPositionOutsideRing(t *testing.T) {
	h := startHub(t, hubOptions{})
	ctx := context.Background()
	for i := range 3 {
		h.submit(t, "ABCD1234", baseTime.Add(time.Duration(i)*time.Second))
	}

	c := h.login(t, "alice", "correct horse")
	for _, resume := range []dcp.Position{
		{Slot: 1000},
		{Generation: math.MaxUint64 / 1000, Slot: 999},
	} {
		_, err := c.SetCriteria(ctx, search.Spec{}, &resume)
		var protocolErr *protocol.Error
		if !errors.As(err, &protocolErr) || protocolErr.Closed {
			t.Fatalf("resume %v: error = %v, want a non-closing protocol error", resume, err)
		}
	}

	// The session stays usable.
	if _, err := c.SetCriteria(ctx, search.Spec{}, nil); err != nil {
		t.Fatalf("SetCriteria: %v", err)
	}
	response, err := c.Next(ctx, 10, 0)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got, want := messageSeqs(t, response), []uint64{0, 1, 2}; !equalSeqs(got, want) {
		t.Errorf("seqs = %v, want %v", got, want)
	}
}

type memoryMarks struct {
	mu    sync.Mutex
	marks map[string]uint64
}

func (m *memoryMarks) LoadMark(_ context.Context, user string) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, ok := m.marks[user]
	return seq, ok, nil
}

func (m *memoryMarks) SaveMark(_ context.Context, user string, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[user] = seq
	return nil
}

func TestSinceLastResumesAtSavedMark(t *testing.T) {
	marks := &memoryMarks{marks: make(map[string]uint64)}
	h := startHub(t, hubOptions{marks: marks})
	ctx := context.Background()
	for i := range 5 {
		h.submit(t, "ABCD1234", baseTime.Add(time.Duration(i)*time.Second))
	}

	first := h.login(t, "alice", "correct horse")
	if _, err := first.SetCriteria(ctx, search.Spec{SinceLast: true}, nil); err != nil {
		t.Fatalf("SetCriteria: %v", err)
	}
	response, err := first.Next(ctx, 3, 0)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got := messageSeqs(t, response); !equalSeqs(got, []uint64{0, 1, 2}) {
		t.Fatalf("first session read %v", got)
	}
	if err := first.Goodbye(ctx); err != nil {
		t.Fatalf("Goodbye: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if seq, ok, _ := marks.LoadMark(ctx, "alice"); ok && seq == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("retrieval mark never saved: %v", marks.marks)
		}
		time.Sleep(10 * time.Millisecond)
	}

	second := h.login(t, "alice", "correct horse")
	if _, err := second.SetCriteria(ctx, search.Spec{SinceLast: true}, nil); err != nil {
		t.Fatalf("SetCriteria: %v", err)
	}
	response, err = second.Next(ctx, 100, 0)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got := messageSeqs(t, response); !equalSeqs(got, []uint64{3, 4}) {
		t.Errorf("second session read %v, want [3 4]", got)
	}
}

func TestStatusAndSessions(t *testing.T) {
	h := startHub(t, hubOptions{})
	ctx := context.Background()
	h.submit(t, "ABCD1234", baseTime)

	alice := h.login(t, "alice", "correct horse")
	status, err := alice.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Archive.WriteSeq != 1 || status.Sessions != 1 {
		t.Errorf("status = write seq %d, sessions %d; want 1, 1", status.Archive.WriteSeq, status.Sessions)
	}

	_, err = alice.Sessions(ctx)
	var protocolErr *protocol.Error
	if !errors.As(err, &protocolErr) || protocolErr.Closed {
		t.Errorf("Sessions without role = %v, want a non-closing denial", err)
	}

	ops := h.login(t, "ops", "battery staple")
	sessions, err := ops.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	users := make(map[string]string)
	for _, info := range sessions {
		users[info.User] = info.State
	}
	if users["alice"] != session.Authenticated.String() || users["ops"] != session.Authenticated.String() {
		t.Errorf("sessions = %+v, want alice and ops authenticated", sessions)
	}
}

func TestIdleSessionEvicted(t *testing.T) {
	fake := clock.Fake(baseTime)
	h := startHub(t, hubOptions{clock: fake, idleTimeout: time.Minute})
	ctx := context.Background()

	c := h.login(t, "alice", "correct horse")
	fake.WaitForTimers(1)
	fake.Advance(2 * time.Minute)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if evicted, _ := h.server.Counters(); evicted == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("idle session was never evicted")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := c.Status(ctx); err == nil {
		t.Error("evicted session still answers")
	}
}

func TestConnectionLimit(t *testing.T) {
	h := startHub(t, hubOptions{maxConnections: 1})
	ctx := context.Background()

	first := h.dial(t, client.Options{})
	if _, err := client.Dial(ctx, h.address, client.Options{RequestTimeout: 5 * time.Second}); err == nil {
		t.Error("connection over the limit was accepted")
	}
	if _, err := first.Login(ctx, "alice", "correct horse"); err != nil {
		t.Errorf("first connection unusable after the limit was hit: %v", err)
	}
}

func TestCriteriaReplacementKeepsPosition(t *testing.T) {
	h := startHub(t, hubOptions{})
	ctx := context.Background()
	for i := range 6 {
		address := "ABCD1234"
		if i%2 == 1 {
			address = "CE0000FF"
		}
		h.submit(t, address, baseTime.Add(time.Duration(i)*time.Second))
	}

	c := h.login(t, "alice", "correct horse")
	if _, err := c.SetCriteria(ctx, search.Spec{Addresses: []string{"ABCD1234"}}, nil); err != nil {
		t.Fatalf("SetCriteria: %v", err)
	}
	response, err := c.Next(ctx, 1, 0)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got := messageSeqs(t, response); !equalSeqs(got, []uint64{0}) {
		t.Fatalf("first read %v", got)
	}

	if _, err := c.SetCriteria(ctx, search.Spec{Addresses: []string{"CE0000FF"}}, nil); err != nil {
		t.Fatalf("replacing criteria: %v", err)
	}
	response, err = c.Next(ctx, 100, 0)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got := messageSeqs(t, response); !equalSeqs(got, []uint64{1, 3, 5}) {
		t.Errorf("after replacement read %v, want [1 3 5]", got)
	}

	if _, err := c.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	response, err = c.Next(ctx, 100, 0)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got := messageSeqs(t, response); !equalSeqs(got, []uint64{1, 3, 5}) {
		t.Errorf("after reset read %v, want [1 3 5]", got)
	}
}
