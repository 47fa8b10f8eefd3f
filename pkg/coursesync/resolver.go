// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package coursesync

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// Resolver finds rooms by display name among the session user's joined rooms.
type Resolver struct {
	log zerolog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(log zerolog.Logger) *Resolver {
	return &Resolver{log: log.With().Str("component", "resolver").Logger()}
}

// FindByName returns the first joined room, in server order, whose
// m.room.name equals name exactly. Rooms whose name cannot be fetched are
// logged and skipped. Only a failure to list joined rooms is an error.
func (r *Resolver) FindByName(ctx context.Context, session *Session, name string) (id.RoomID, bool, error) {
	roomIDs, res := session.JoinedRooms(ctx)
	if !res.OK() {
		return "", false, fmt.Errorf("failed to list joined rooms: %w", res.AsError())
	}

	for _, roomID := range roomIDs {
		roomName, res := session.RoomName(ctx, roomID)
		if !res.OK() {
			// Unnamed rooms answer 404; anything else is worth a warning.
			evt := r.log.Warn()
			if res.StatusCode == http.StatusNotFound {
				evt = r.log.Debug()
			}
			evt.Err(res.AsError()).
				Str("room_id", roomID.String()).
				Msg("Skipping room whose name could not be fetched")
			continue
		}
		if roomName == name {
			r.log.Info().
				Str("room_id", roomID.String()).
				Str("room_name", name).
				Msg("Found existing room")
			return roomID, true, nil
		}
	}

	r.log.Debug().
		Str("room_name", name).
		Int("joined_rooms", len(roomIDs)).
		Msg("No joined room matches name")
	return "", false, nil
}
