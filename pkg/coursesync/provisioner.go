// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package coursesync

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// presetPrivateChat is the createRoom visibility preset for course rooms.
const presetPrivateChat = "private_chat"

// RoomRecord is a room found or created for a course.
type RoomRecord struct {
	RoomID  id.RoomID
	Name    string
	Created bool
}

// Provisioner creates course rooms unless a joined room already carries the
// same name.
type Provisioner struct {
	resolver *Resolver
	encrypt  bool
	log      zerolog.Logger
}

// NewProvisioner creates a Provisioner. When encrypt is set, newly created
// rooms get a best-effort m.room.encryption event.
func NewProvisioner(resolver *Resolver, encrypt bool, log zerolog.Logger) *Provisioner {
	return &Provisioner{
		resolver: resolver,
		encrypt:  encrypt,
		log:      log.With().Str("component", "provisioner").Logger(),
	}
}

// Ensure returns the room named name, creating it if no joined room has that
// name. Repeated calls with the same name return the same room and create it
// at most once. Only a failed createRoom call is an error.
func (p *Provisioner) Ensure(ctx context.Context, session *Session, name, topic string) (RoomRecord, error) {
	roomID, found, err := p.resolver.FindByName(ctx, session, name)
	if err != nil {
		// The room may exist, so never create without a listing.
		return RoomRecord{}, fmt.Errorf("%w: %q: %w", ErrRoomCreation, name, err)
	}
	if found {
		return RoomRecord{RoomID: roomID, Name: name}, nil
	}

	p.log.Info().Str("room_name", name).Msg("Room does not exist, creating")
	roomID, res := session.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name:   name,
		Topic:  topic,
		Preset: presetPrivateChat,
	})
	if !res.OK() {
		p.log.Error().
			Err(res.AsError()).
			Str("room_name", name).
			Int("status", res.StatusCode).
			Msg("Failed to create room")
		return RoomRecord{}, fmt.Errorf("%w: %q: %w", ErrRoomCreation, name, res.AsError())
	}
	p.log.Info().
		Str("room_id", roomID.String()).
		Str("room_name", name).
		Msg("Created room")

	if p.encrypt {
		if res := session.EnableEncryption(ctx, roomID); !res.OK() {
			p.log.Warn().
				Err(res.AsError()).
				Str("room_id", roomID.String()).
				Msg("Failed to enable encryption, keeping room unencrypted")
		}
	}

	return RoomRecord{RoomID: roomID, Name: name, Created: true}, nil
}
