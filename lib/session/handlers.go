// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dcphub/dcphub/lib/codec"
	"github.com/dcphub/dcphub/lib/protocol"
	"github.com/dcphub/dcphub/lib/search"
)

// Roles that unlock the sessions listing.
const (
	RoleAdmin   = "admin"
	RoleMonitor = "monitor"
)

// dispatch routes one request. Returning an error wrapping ErrProtocol
// ends the session; any other error is reported to the client and the
// session continues unless the handler set hangup.
func (s *Session) dispatch(ctx context.Context, action string, raw []byte) (any, error) {
	state := s.State()
	switch action {
	case protocol.ActionGoodbye:
		s.hangup = true
		s.logger.Debug("client said goodbye")
		return nil, nil

	case protocol.ActionHello:
		if state != Connected {
			return nil, violation("hello after authentication")
		}
		return s.handleHello(), nil

	case protocol.ActionStartTLS:
		if state != Connected {
			return nil, violation("starttls after authentication")
		}
		if s.config.Security != protocol.SecurityStartTLS {
			return nil, violation("starttls is not offered on this listener")
		}
		if s.secured.Load() {
			return nil, violation("connection is already secured")
		}
		return nil, nil

	case protocol.ActionAuth:
		if state != Connected {
			return nil, violation("already authenticated")
		}
		if s.upgradeRequired() {
			return nil, violation("TLS upgrade required before authentication")
		}
		return s.handleAuth(ctx, raw)

	case protocol.ActionCriteria:
		if state < Authenticated {
			return nil, violation("criteria before authentication")
		}
		return s.handleCriteria(ctx, raw)

	case protocol.ActionNext:
		if state != Streaming {
			return nil, violation("next before criteria")
		}
		return s.handleNext(ctx, raw)

	case protocol.ActionReset:
		if state != Streaming {
			return nil, violation("reset before criteria")
		}
		s.cursor.Reset()
		s.readSeq.Store(s.cursor.Seq())
		return protocol.ResetResponse{Position: s.cursor.Position()}, nil

	case protocol.ActionStatus:
		if state < Authenticated {
			return nil, violation("status before authentication")
		}
		if s.config.Status == nil {
			return nil, errors.New("status is not available")
		}
		return s.config.Status(), nil

	case protocol.ActionSessions:
		if state < Authenticated {
			return nil, violation("sessions before authentication")
		}
		if !s.identity.HasRole(RoleAdmin) && !s.identity.HasRole(RoleMonitor) {
			return nil, fmt.Errorf("permission denied: %s requires the %s or %s role",
				action, RoleAdmin, RoleMonitor)
		}
		if s.config.Sessions == nil {
			return nil, errors.New("session listing is not available")
		}
		return protocol.SessionsResponse{Sessions: s.config.Sessions()}, nil
	}
	return nil, violation("unknown action %q", action)
}

func (s *Session) upgradeRequired() bool {
	return s.config.Security == protocol.SecurityStartTLS && s.config.RequireUpgrade && !s.secured.Load()
}

func (s *Session) handleHello() protocol.HelloResponse {
	return protocol.HelloResponse{
		Server:          s.config.ServerName,
		Challenge:       s.config.Verifier.Challenge(s.config.Clock.Now()),
		Security:        s.config.Security,
		Secured:         s.secured.Load(),
		UpgradeRequired: s.upgradeRequired(),
		MaxBatch:        s.config.MaxBatch,
	}
}

func (s *Session) handleAuth(ctx context.Context, raw []byte) (any, error) {
	var request protocol.AuthRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, violation("invalid auth request: %v", err)
	}

	identity, err := s.config.Verifier.Verify(ctx, request.User, request.Time, request.Algorithm, request.Authenticator)
	if err != nil {
		s.authAttempts++
		left := s.config.MaxAuthAttempts - s.authAttempts
		if left <= 0 {
			s.hangup = true
			return nil, fmt.Errorf("authentication failed; no attempts left")
		}
		return nil, fmt.Errorf("authentication failed; %d attempts left", left)
	}

	s.identity = identity
	s.infoMu.Lock()
	s.user = identity.User
	s.infoMu.Unlock()
	s.state.Store(int32(Authenticated))
	s.rawConn.SetDeadline(time.Time{})
	s.logger.Info("session authenticated",
		"user", identity.User,
		"algorithm", string(request.Algorithm),
		"secured", s.secured.Load())
	return protocol.AuthResponse{User: identity.User, Roles: identity.Roles}, nil
}

func (s *Session) handleCriteria(ctx context.Context, raw []byte) (any, error) {
	var request protocol.CriteriaRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, violation("invalid criteria request: %v", err)
	}

	criteria, err := request.Criteria.Resolve(s.config.Clock.Now(), s.config.Lists)
	if err != nil {
		return nil, fmt.Errorf("invalid criteria: %w", err)
	}

	store := s.config.Store
	start, move := uint64(0), false
	switch {
	case request.Resume != nil:
		if err := request.Resume.Validate(store.Capacity()); err != nil {
			return nil, fmt.Errorf("invalid criteria: resume: %w", err)
		}
		start, move = request.Resume.Seq(store.Capacity()), true
	case criteria.SinceLast:
		start, move = s.loadMark(ctx)
	}
	if move && start > store.WriteSeq() {
		start = store.WriteSeq()
	}

	if s.cursor == nil {
		if !move {
			start = store.OldestSeq()
		}
		s.cursor = search.NewCursorAt(store, criteria, start)
	} else {
		s.cursor.SetCriteria(criteria)
		if move {
			s.cursor.SeekSeq(start)
		}
	}
	s.readSeq.Store(s.cursor.Seq())
	s.state.Store(int32(Streaming))

	s.logger.Debug("criteria installed",
		"user", s.identity.User,
		"position", s.cursor.Position().String())
	return protocol.CriteriaResponse{Position: s.cursor.Position()}, nil
}

// loadMark returns the user's saved retrieval mark, or the oldest live
// message when none is saved.
func (s *Session) loadMark(ctx context.Context) (uint64, bool) {
	if s.config.Marks == nil {
		return s.config.Store.OldestSeq(), true
	}
	seq, ok, err := s.config.Marks.LoadMark(ctx, s.identity.User)
	if err != nil {
		s.logger.Error("loading retrieval mark failed", "user", s.identity.User, "error", err)
		return s.config.Store.OldestSeq(), true
	}
	if !ok {
		return s.config.Store.OldestSeq(), true
	}
	return seq, true
}

// handleNext advances the cursor until it has max matches, exhausts
// the scan budget, or reaches the end of the archive and the wait
// expires.
func (s *Session) handleNext(ctx context.Context, raw []byte) (any, error) {
	var request protocol.NextRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, violation("invalid next request: %v", err)
	}
	limit := request.Max
	if limit <= 0 {
		limit = 1
	}
	if limit > s.config.MaxBatch {
		limit = s.config.MaxBatch
	}
	wait := min(request.Wait(), s.config.MaxWait)

	var response protocol.NextResponse
	var deadline <-chan time.Time
	matches, scanned := 0, 0

scan:
	for matches < limit && scanned < s.config.ScanBudget {
		notify := s.config.Store.Notify()
		result := s.cursor.Advance()
		scanned++

		switch result.Kind {
		case search.Match:
			message := result.Message
			response.Events = append(response.Events, protocol.Event{
				Message:  &message,
				Position: result.Position,
			})
			matches++
			s.delivered.Add(1)

		case search.NoMatchYet:

		case search.Skipped:
			response.Events = append(response.Events, protocol.Event{
				Position: result.Position,
				Lost:     result.Lost,
			})
			s.skipped.Add(result.Lost)
			if result.Err != nil {
				s.logger.Warn("unreadable archive record skipped", "error", result.Err)
			} else {
				s.logger.Info("subscriber fell behind the archive",
					"user", s.identity.User,
					"lost", result.Lost,
					"resume", result.Position.String())
			}

		case search.EndOfArchive:
			if len(response.Events) > 0 || wait <= 0 {
				break scan
			}
			if deadline == nil {
				deadline = s.config.Clock.After(wait)
			}
			select {
			case <-notify:
			case <-deadline:
				break scan
			case <-s.closing:
				return nil, fmt.Errorf("session closed")
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	response.NoData = len(response.Events) == 0 && s.cursor.Seq() >= s.config.Store.WriteSeq()
	response.Position = s.cursor.Position()
	s.readSeq.Store(s.cursor.Seq())
	return response, nil
}
