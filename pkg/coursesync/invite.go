// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package coursesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"
)

// InviteState is the state of one invitee.
type InviteState string

const (
	InvitePending   InviteState = "pending"
	InviteInvited   InviteState = "invited"
	InviteDenied    InviteState = "denied"
	InviteExhausted InviteState = "exhausted"
)

// InviteOutcome is the terminal result for one invitee.
type InviteOutcome struct {
	UserID   id.UserID   `json:"user_id"`
	State    InviteState `json:"state"`
	Attempts int         `json:"attempts"`
	Err      error       `json:"-"`
}

// Invited returns the user IDs that reached InviteInvited, in outcome order.
func Invited(outcomes []InviteOutcome) []id.UserID {
	var invited []id.UserID
	for _, outcome := range outcomes {
		if outcome.State == InviteInvited {
			invited = append(invited, outcome.UserID)
		}
	}
	return invited
}

// InviteEngine invites users to a room concurrently. Every user has an
// independent retry budget.
type InviteEngine struct {
	policy        RetryPolicy
	maxConcurrent int
	log           zerolog.Logger
}

// NewInviteEngine creates an engine. maxConcurrent bounds the number of
// in-flight invites per room; zero or less means one goroutine per user.
func NewInviteEngine(policy RetryPolicy, maxConcurrent int, log zerolog.Logger) *InviteEngine {
	policy.Retryable = func(err error) bool {
		return !errors.Is(err, ErrInvitePermissionDenied)
	}
	return &InviteEngine{
		policy:        policy,
		maxConcurrent: maxConcurrent,
		log:           log.With().Str("component", "invite").Logger(),
	}
}

// InviteAll invites every user to roomID and returns one outcome per input
// entry, in input order.
func (e *InviteEngine) InviteAll(ctx context.Context, session *Session, roomID id.RoomID, userIDs []id.UserID) []InviteOutcome {
	outcomes := make([]InviteOutcome, len(userIDs))
	var group errgroup.Group
	if e.maxConcurrent > 0 {
		group.SetLimit(e.maxConcurrent)
	}
	for i, userID := range userIDs {
		outcomes[i] = InviteOutcome{UserID: userID, State: InvitePending}
		group.Go(func() error {
			outcomes[i] = e.inviteOne(ctx, session, roomID, userID)
			return nil
		})
	}
	_ = group.Wait()

	invited := 0
	for _, outcome := range outcomes {
		if outcome.State == InviteInvited {
			invited++
		}
	}
	e.log.Info().
		Str("room_id", roomID.String()).
		Int("invited", invited).
		Int("total", len(userIDs)).
		Msg("Invite batch complete")
	return outcomes
}

func (e *InviteEngine) inviteOne(ctx context.Context, session *Session, roomID id.RoomID, userID id.UserID) InviteOutcome {
	log := e.log.With().
		Str("room_id", roomID.String()).
		Str("user_id", userID.String()).
		Logger()

	attempts, err := e.policy.Do(ctx, func(attempt int) error {
		res := session.Invite(ctx, roomID, userID)
		switch {
		case res.OK():
			return nil
		case res.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %w", ErrInvitePermissionDenied, res.AsError())
		case res.Outcome == OutcomeRateLimited:
			return &RetryAfterError{After: res.RetryAfter, Err: res.AsError()}
		default:
			return res.AsError()
		}
	}, func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("wait", wait).Msg("Invite failed, retrying")
	})

	outcome := InviteOutcome{UserID: userID, Attempts: attempts}
	switch {
	case err == nil:
		outcome.State = InviteInvited
		log.Info().Int("attempt", attempts).Msg("Invited user")
	case errors.Is(err, ErrInvitePermissionDenied):
		outcome.State = InviteDenied
		outcome.Err = err
		log.Warn().Err(err).Int("attempt", attempts).Msg("Permission denied, not retrying")
	default:
		outcome.State = InviteExhausted
		outcome.Err = fmt.Errorf("%w after %d attempts: %w", ErrInviteExhausted, attempts, err)
		log.Error().Err(err).Int("attempt", attempts).Msg("Giving up on invite")
	}
	return outcome
}
