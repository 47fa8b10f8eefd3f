// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package coursesync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

const testDomain = "example.org"

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// inviteReply is one scripted answer to an invite call.
type inviteReply struct {
	Status     int
	RetryAfter string
	Body       string
}

// fakeHomeserver is a test helper that wraps an httptest.Server simulating
// the Matrix client-server API. It records calls and provides canned
// responses.
type fakeHomeserver struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Passwords maps login names to their password.
	Passwords map[string]string
	// Rooms is the joined room list, in server order.
	Rooms []id.RoomID
	// RoomNames maps room ID to m.room.name. Rooms without an entry answer 404.
	RoomNames map[id.RoomID]string
	// NameStatus forces a status code on the m.room.name lookup of a room.
	NameStatus map[id.RoomID]int
	// JoinedRoomsStatus forces a status code on joined_rooms when non-zero.
	JoinedRoomsStatus int
	// FailCreate makes createRoom fail for the given room names.
	FailCreate map[string]bool
	// FailEncryption makes every m.room.encryption PUT answer 403.
	FailEncryption bool
	// Invites holds scripted replies per user ID, consumed in order. Once a
	// script is empty the invite succeeds.
	Invites map[id.UserID][]inviteReply

	nextRoom int
	created  []createdRoom
	invited  map[id.RoomID][]id.UserID
	logouts  int
}

type createdRoom struct {
	RoomID id.RoomID
	Name   string
	Topic  string
	Preset string
}

func newFakeHomeserver() *fakeHomeserver {
	f := &fakeHomeserver{
		Passwords:  map[string]string{},
		RoomNames:  map[id.RoomID]string{},
		NameStatus: map[id.RoomID]int{},
		FailCreate: map[string]bool{},
		Invites:    map[id.UserID][]inviteReply{},
		invited:    map[id.RoomID][]id.UserID{},
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *fakeHomeserver) Close() {
	f.Server.Close()
}

func (f *fakeHomeserver) URL() string {
	return f.Server.URL
}

func (f *fakeHomeserver) record(r *http.Request, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: r.Method, Path: r.URL.Path, Body: body})
}

// Calls returns a copy of all recorded calls.
func (f *fakeHomeserver) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// CountCalls returns how many calls were made with the given method to a
// path containing fragment.
func (f *fakeHomeserver) CountCalls(method, fragment string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Method == method && strings.Contains(c.Path, fragment) {
			n++
		}
	}
	return n
}

// Created returns the rooms created so far.
func (f *fakeHomeserver) Created() []createdRoom {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]createdRoom, len(f.created))
	copy(cp, f.created)
	return cp
}

// InvitedTo returns the users successfully invited to a room.
func (f *fakeHomeserver) InvitedTo(roomID id.RoomID) []id.UserID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]id.UserID(nil), f.invited[roomID]...)
}

// Logouts returns the number of logout calls.
func (f *fakeHomeserver) Logouts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logouts
}

// AddRoom registers an existing joined room.
func (f *fakeHomeserver) AddRoom(roomID id.RoomID, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Rooms = append(f.Rooms, roomID)
	if name != "" {
		f.RoomNames[roomID] = name
	}
}

func writeMatrixJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMatrixError(w http.ResponseWriter, status int, code, msg string) {
	writeMatrixJSON(w, status, map[string]string{"errcode": code, "error": msg})
}

func (f *fakeHomeserver) handle(w http.ResponseWriter, r *http.Request) {
	bodyBytes, _ := io.ReadAll(r.Body)
	f.record(r, string(bodyBytes))

	path, ok := strings.CutPrefix(r.URL.Path, "/_matrix/client/v3/")
	if !ok {
		writeMatrixError(w, http.StatusNotFound, "M_UNRECOGNIZED", "unrecognized request")
		return
	}
	parts := strings.Split(strings.TrimSuffix(path, "/"), "/")

	if path == "login" {
		f.handleLogin(w, bodyBytes)
		return
	}
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer tok-") {
		writeMatrixError(w, http.StatusUnauthorized, "M_MISSING_TOKEN", "missing access token")
		return
	}

	switch {
	case r.Method == http.MethodPost && path == "logout":
		f.mu.Lock()
		f.logouts++
		f.mu.Unlock()
		writeMatrixJSON(w, http.StatusOK, struct{}{})
	case r.Method == http.MethodGet && path == "joined_rooms":
		f.mu.Lock()
		status := f.JoinedRoomsStatus
		rooms := append([]id.RoomID{}, f.Rooms...)
		f.mu.Unlock()
		if status != 0 {
			writeMatrixError(w, status, "M_UNKNOWN", "joined_rooms unavailable")
			return
		}
		writeMatrixJSON(w, http.StatusOK, map[string]any{"joined_rooms": rooms})
	case r.Method == http.MethodPost && path == "createRoom":
		f.handleCreateRoom(w, bodyBytes)
	case len(parts) == 4 && parts[0] == "rooms" && parts[2] == "state" && parts[3] == "m.room.name":
		f.handleRoomName(w, id.RoomID(parts[1]))
	case len(parts) == 4 && parts[0] == "rooms" && parts[2] == "state" && parts[3] == "m.room.encryption":
		f.mu.Lock()
		failEncryption := f.FailEncryption
		f.mu.Unlock()
		if failEncryption {
			writeMatrixError(w, http.StatusForbidden, "M_FORBIDDEN", "not allowed to send encryption")
			return
		}
		writeMatrixJSON(w, http.StatusOK, map[string]string{"event_id": "$encryption"})
	case r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "rooms" && parts[2] == "invite":
		f.handleInvite(w, id.RoomID(parts[1]), bodyBytes)
	default:
		writeMatrixError(w, http.StatusNotFound, "M_UNRECOGNIZED", "unrecognized request")
	}
}

func (f *fakeHomeserver) handleLogin(w http.ResponseWriter, body []byte) {
	var req struct {
		Identifier struct {
			User string `json:"user"`
		} `json:"identifier"`
		Password string `json:"password"`
	}
	_ = json.Unmarshal(body, &req)
	localpart := ActingLocalpart(req.Identifier.User)

	f.mu.Lock()
	password, ok := f.Passwords[localpart]
	f.mu.Unlock()
	if !ok || password != req.Password {
		writeMatrixError(w, http.StatusForbidden, "M_FORBIDDEN", "Invalid username or password")
		return
	}
	writeMatrixJSON(w, http.StatusOK, map[string]string{
		"user_id":      MakeUserID(localpart, testDomain).String(),
		"access_token": "tok-" + localpart,
		"device_id":    "DEVICE",
	})
}

func (f *fakeHomeserver) handleCreateRoom(w http.ResponseWriter, body []byte) {
	var req struct {
		Name   string `json:"name"`
		Topic  string `json:"topic"`
		Preset string `json:"preset"`
	}
	_ = json.Unmarshal(body, &req)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreate[req.Name] {
		writeMatrixError(w, http.StatusInternalServerError, "M_UNKNOWN", "room creation failed")
		return
	}
	f.nextRoom++
	roomID := id.RoomID(fmt.Sprintf("!room%d:%s", f.nextRoom, testDomain))
	f.Rooms = append(f.Rooms, roomID)
	f.RoomNames[roomID] = req.Name
	f.created = append(f.created, createdRoom{RoomID: roomID, Name: req.Name, Topic: req.Topic, Preset: req.Preset})
	writeMatrixJSON(w, http.StatusOK, map[string]string{"room_id": roomID.String()})
}

func (f *fakeHomeserver) handleRoomName(w http.ResponseWriter, roomID id.RoomID) {
	f.mu.Lock()
	status := f.NameStatus[roomID]
	name, named := f.RoomNames[roomID]
	f.mu.Unlock()
	switch {
	case status != 0:
		writeMatrixError(w, status, "M_UNKNOWN", "state unavailable")
	case !named:
		writeMatrixError(w, http.StatusNotFound, "M_NOT_FOUND", "Event not found.")
	default:
		writeMatrixJSON(w, http.StatusOK, map[string]string{"name": name})
	}
}

func (f *fakeHomeserver) handleInvite(w http.ResponseWriter, roomID id.RoomID, body []byte) {
	var req struct {
		UserID id.UserID `json:"user_id"`
	}
	_ = json.Unmarshal(body, &req)

	f.mu.Lock()
	var reply inviteReply
	if script := f.Invites[req.UserID]; len(script) > 0 {
		reply = script[0]
		f.Invites[req.UserID] = script[1:]
	}
	if reply.Status == 0 || reply.Status == http.StatusOK {
		f.invited[roomID] = append(f.invited[roomID], req.UserID)
	}
	f.mu.Unlock()

	switch {
	case reply.Status == 0 || reply.Status == http.StatusOK:
		writeMatrixJSON(w, http.StatusOK, struct{}{})
	default:
		if reply.RetryAfter != "" {
			w.Header().Set("Retry-After", reply.RetryAfter)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(reply.Status)
		if reply.Body != "" {
			_, _ = io.WriteString(w, reply.Body)
		} else {
			_, _ = io.WriteString(w, `{"errcode":"M_UNKNOWN","error":"invite failed"}`)
		}
	}
}

// rateLimited is a scripted 429 reply.
func rateLimited(retryAfter string) inviteReply {
	return inviteReply{
		Status:     http.StatusTooManyRequests,
		RetryAfter: retryAfter,
		Body:       `{"errcode":"M_LIMIT_EXCEEDED","error":"Too many requests"}`,
	}
}

// forbidden is a scripted 403 reply.
func forbidden() inviteReply {
	return inviteReply{
		Status: http.StatusForbidden,
		Body:   `{"errcode":"M_FORBIDDEN","error":"You don't have permission to invite users"}`,
	}
}

// waitRecorder collects the backoff waits requested by retry loops. Its
// timers fire immediately.
type waitRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (w *waitRecorder) newTimer() backoff.Timer {
	return &recordingTimer{rec: w, ch: make(chan time.Time, 1)}
}

// Waits returns a copy of the recorded waits.
func (w *waitRecorder) Waits() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.waits...)
}

type recordingTimer struct {
	rec *waitRecorder
	ch  chan time.Time
}

func (t *recordingTimer) Start(duration time.Duration) {
	t.rec.mu.Lock()
	t.rec.waits = append(t.rec.waits, duration)
	t.rec.mu.Unlock()
	select {
	case t.ch <- time.Now():
	default:
	}
}

func (t *recordingTimer) Stop() {}

func (t *recordingTimer) C() <-chan time.Time {
	return t.ch
}

// newTestSession logs in as alice on a fresh fake homeserver.
func newTestSession(t *testing.T) (*fakeHomeserver, *Session) {
	t.Helper()
	fake := newFakeHomeserver()
	t.Cleanup(fake.Close)
	fake.Passwords["alice"] = "secret"

	transport, err := NewTransport(fake.URL(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	session, err := transport.Login(context.Background(), "alice", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return fake, session
}

// newTestConfig parses a config pointing at url with the given extra YAML
// appended.
func newTestConfig(t *testing.T, url, extra string) *Config {
	t.Helper()
	cfg, err := ParseConfig([]byte(fmt.Sprintf("homeserver:\n    url: %s\n    domain: %s\n%s", url, testDomain, extra)))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	return cfg
}
