// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package coursesync

import (
	"context"
	"fmt"
	"slices"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// Course is one course roster handed over by the scraper.
type Course struct {
	Name     string   `json:"course_name" yaml:"course_name"`
	ID       string   `json:"course_id" yaml:"course_id"`
	Students []string `json:"students" yaml:"students"`
}

// SyncRequest is the input of one sync run.
type SyncRequest struct {
	// UserID is the acting user's login name or full MXID.
	UserID   string   `json:"userId"`
	Password string   `json:"password"`
	Courses  []Course `json:"courses"`
}

// RoomResult is the outcome of one course.
type RoomResult struct {
	CourseName string    `json:"course_name"`
	CourseID   string    `json:"course_id,omitempty"`
	RoomID     id.RoomID `json:"room_id,omitempty"`
	Created    bool      `json:"created"`
	// Members lists the invited users followed by the acting user.
	Members  []id.UserID     `json:"members"`
	Outcomes []InviteOutcome `json:"outcomes,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// SyncResult aggregates the courses processed in one run.
type SyncResult struct {
	Rooms []RoomResult `json:"rooms"`
}

// Syncer runs course syncs against the configured homeserver. Each call to
// Sync uses its own transport and session.
type Syncer struct {
	config *Config
	log    zerolog.Logger

	// newTimer overrides the invite backoff timer, for tests.
	newTimer func() backoff.Timer
}

// NewSyncer creates a Syncer. cfg must have been post-processed.
func NewSyncer(cfg *Config, log zerolog.Logger) *Syncer {
	return &Syncer{
		config: cfg,
		log:    log.With().Str("component", "sync").Logger(),
	}
}

// Sync logs in, provisions a room and invites the students for every course
// in order, then logs out. Logout happens exactly once on every path after a
// successful login.
//
// A login failure returns ErrAuthentication before any course is touched.
// A room creation failure either aborts the run, returning the courses
// finished so far alongside the error, or is recorded on the course and
// skipped, depending on sync.on_room_failure.
func (s *Syncer) Sync(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	log := s.log.With().Str("acting_user", req.UserID).Logger()
	log.Info().Int("courses", len(req.Courses)).Msg("Matrix sync initiated")

	transport, err := NewTransport(s.config.Homeserver.URL, log)
	if err != nil {
		return nil, err
	}
	session, err := transport.Login(ctx, req.UserID, req.Password)
	if err != nil {
		log.Error().Err(err).Msg("Login to Matrix failed")
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	defer func() {
		if err := session.Logout(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("Failed to log out")
		}
	}()

	acting := ActingLocalpart(req.UserID)
	domain := s.config.Homeserver.Domain
	if domain == "" {
		_, domain, _ = session.UserID.Parse()
	}
	actingUserID := MakeUserID(acting, domain)

	provisioner := NewProvisioner(NewResolver(log), s.config.Sync.EncryptRooms, log)
	policy := s.config.RetryPolicy()
	policy.newTimer = s.newTimer
	engine := NewInviteEngine(policy, s.config.Invite.MaxConcurrent, log)

	result := &SyncResult{Rooms: make([]RoomResult, 0, len(req.Courses))}
	for _, course := range req.Courses {
		courseLog := log.With().Str("course", course.Name).Logger()
		if course.Name == "" {
			courseLog.Warn().Str("course_id", course.ID).Msg("Skipping course without a name")
			result.Rooms = append(result.Rooms, RoomResult{
				CourseID: course.ID,
				Error:    "course name is required",
			})
			continue
		}

		emails := append(slices.Clone(course.Students), s.config.Sync.ExtraInvitees...)
		userIDs := MapEmails(emails, acting, domain)
		courseLog.Info().Int("invitees", len(userIDs)).Msg("Processing course")

		topic := s.config.FormatTopic(TopicParams{Name: course.Name, CourseID: course.ID})
		room, err := provisioner.Ensure(ctx, session, course.Name, topic)
		if err != nil {
			if s.config.Sync.OnRoomFailure == OnRoomFailureContinue {
				courseLog.Error().Err(err).Msg("Room unavailable, continuing with next course")
				result.Rooms = append(result.Rooms, RoomResult{
					CourseName: course.Name,
					CourseID:   course.ID,
					Error:      err.Error(),
				})
				continue
			}
			courseLog.Error().Err(err).Msg("Room unavailable, aborting sync")
			return result, err
		}

		outcomes := engine.InviteAll(ctx, session, room.RoomID, userIDs)
		members := append(Invited(outcomes), actingUserID)
		result.Rooms = append(result.Rooms, RoomResult{
			CourseName: course.Name,
			CourseID:   course.ID,
			RoomID:     room.RoomID,
			Created:    room.Created,
			Members:    members,
			Outcomes:   outcomes,
		})
		courseLog.Info().
			Str("room_id", room.RoomID.String()).
			Int("members", len(members)).
			Msg("Course synced")
	}

	log.Info().Int("rooms", len(result.Rooms)).Msg("Matrix sync completed")
	return result, nil
}
