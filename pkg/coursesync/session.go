// Copyright 2024-2026 Aiku AI

package coursesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Session is the authenticated handle for one sync run. The access token is
// written once at login and only read afterwards, so concurrent invite
// goroutines may share a Session.
type Session struct {
	transport *Transport
	UserID    id.UserID
	DeviceID  id.DeviceID
}

// Login exchanges a password for an access token.
func (t *Transport) Login(ctx context.Context, username, password string) (*Session, error) {
	if username == "" {
		return nil, errors.New("username is required for login")
	}
	var resp mautrix.RespLogin
	res := t.Call(ctx, Request{
		Method: http.MethodPost,
		Path:   []any{"v3", "login"},
		Body: &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: username,
			},
			Password:                 password,
			InitialDeviceDisplayName: "matrix-coursesync",
		},
		Result:    &resp,
		Sensitive: true,
	})
	if !res.OK() {
		return nil, fmt.Errorf("login as %s: %w", username, res.AsError())
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("login as %s: homeserver returned no access token", username)
	}
	t.setCredentials(resp.AccessToken)
	t.log.Info().
		Str("user_id", resp.UserID.String()).
		Str("device_id", string(resp.DeviceID)).
		Msg("Logged in")
	return &Session{transport: t, UserID: resp.UserID, DeviceID: resp.DeviceID}, nil
}

// Logout invalidates the access token. The local credentials are dropped
// even if the homeserver call fails.
func (s *Session) Logout(ctx context.Context) error {
	res := s.transport.Call(ctx, Request{
		Method: http.MethodPost,
		Path:   []any{"v3", "logout"},
		Body:   struct{}{},
	})
	s.transport.setCredentials("")
	if !res.OK() {
		return fmt.Errorf("logout: %w", res.AsError())
	}
	s.transport.log.Info().Str("user_id", s.UserID.String()).Msg("Logged out")
	return nil
}

// JoinedRooms lists the rooms the session user has joined, in server order.
func (s *Session) JoinedRooms(ctx context.Context) ([]id.RoomID, Response) {
	var resp mautrix.RespJoinedRooms
	res := s.transport.Call(ctx, Request{
		Method: http.MethodGet,
		Path:   []any{"v3", "joined_rooms"},
		Result: &resp,
	})
	return resp.JoinedRooms, res
}

// RoomName fetches the m.room.name state of a room.
func (s *Session) RoomName(ctx context.Context, roomID id.RoomID) (string, Response) {
	var content event.RoomNameEventContent
	res := s.transport.Call(ctx, Request{
		Method: http.MethodGet,
		Path:   []any{"v3", "rooms", roomID.String(), "state", event.StateRoomName.Type, ""},
		Result: &content,
	})
	return content.Name, res
}

// CreateRoom creates a room and returns its ID.
func (s *Session) CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, Response) {
	var resp mautrix.RespCreateRoom
	res := s.transport.Call(ctx, Request{
		Method: http.MethodPost,
		Path:   []any{"v3", "createRoom"},
		Body:   req,
		Result: &resp,
	})
	if res.OK() && resp.RoomID == "" {
		res = Response{Outcome: OutcomeFailed, StatusCode: res.StatusCode, Err: errors.New("createRoom returned no room_id")}
	}
	return resp.RoomID, res
}

// EnableEncryption sends the m.room.encryption state event.
func (s *Session) EnableEncryption(ctx context.Context, roomID id.RoomID) Response {
	return s.transport.Call(ctx, Request{
		Method: http.MethodPut,
		Path:   []any{"v3", "rooms", roomID.String(), "state", event.StateEncryption.Type, ""},
		Body:   &event.EncryptionEventContent{Algorithm: id.AlgorithmMegolmV1},
	})
}

// Invite invites a single user to a room.
func (s *Session) Invite(ctx context.Context, roomID id.RoomID, userID id.UserID) Response {
	return s.transport.Call(ctx, Request{
		Method: http.MethodPost,
		Path:   []any{"v3", "rooms", roomID.String(), "invite"},
		Body:   &mautrix.ReqInviteUser{UserID: userID},
	})
}
