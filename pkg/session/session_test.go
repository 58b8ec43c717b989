package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nuqql/matrixd/pkg/matrix"
)

func TestParseAccountUser(t *testing.T) {
	tests := []struct {
		in        string
		localpart string
		serverURL string
		domain    string
	}{
		{"alice@example.org", "alice", "https://example.org", "example.org"},
		{"alice@https://matrix.example.org", "alice", "https://matrix.example.org", "matrix.example.org"},
		{"alice@http://localhost:8008", "alice", "http://localhost:8008", "localhost"},
	}
	for _, tt := range tests {
		localpart, serverURL, domain, err := parseAccountUser(tt.in)
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tt.in, err)
			continue
		}
		if localpart != tt.localpart || serverURL != tt.serverURL || domain != tt.domain {
			t.Errorf("%q: got (%q, %q, %q)", tt.in, localpart, serverURL, domain)
		}
	}

	for _, bad := range []string{"alice", "@example.org", "alice@"} {
		if _, _, _, err := parseAccountUser(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

// testSession builds a connected session around a fake homeserver without
// running the connect and sync goroutine machinery.
func testSession(t *testing.T, serverURL string, out func(string)) *Session {
	t.Helper()

	sess, err := NewSession(Options{
		AccountID: 0,
		User:      "alice@" + serverURL,
		Password:  "pw",
		Dir:       t.TempDir(),
		Tokens:    NewTokenStore(t.TempDir()),
		Settings:  Settings{MembershipUserMsg: true, MembershipMessageMsg: true},
		FilterOwn: true,
		Out:       out,
	})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	client, err := matrix.NewClient(serverURL, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	client.RestoreLogin("@alice:example.org", "DEVICE", "token")
	sess.client = client
	sess.online = true
	sess.status = "online"
	return sess
}

func messageEvent(sender, body, transactionID string) matrix.Event {
	ev := matrix.Event{
		Type:           "m.room.message",
		Sender:         sender,
		OriginServerTS: 1630000000000,
		Content:        map[string]any{"msgtype": "m.text", "body": body},
	}
	if transactionID != "" {
		ev.Unsigned = &matrix.EventUnsigned{TransactionID: transactionID}
	}
	return ev
}

func TestHandleSyncDeliversRoomMessages(t *testing.T) {
	var lines []string
	sess := testSession(t, "https://example.org", func(line string) { lines = append(lines, line) })

	nameEvent := matrix.Event{Type: "m.room.name", Content: map[string]any{"name": "Team"}}
	sess.handleSync(context.Background(), &matrix.SyncResponse{Rooms: matrix.RoomsSection{
		Join: map[string]matrix.JoinedRoom{
			"!room:example.org": {
				State:    matrix.StateSection{Events: []matrix.Event{nameEvent}},
				Timeline: matrix.TimelineSection{Events: []matrix.Event{messageEvent("@bob:example.org", "hello", "")}},
			},
		},
	}})

	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %v", len(lines), lines)
	}
	// The chat field carries the room ID, not the display name, so the
	// frontend can match the message to its chat list entries.
	want := "chat: msg: 0 %21room:example.org 1630000000 @bob:example.org hello\r\n"
	if lines[0] != want {
		t.Errorf("expected %q, got %q", want, lines[0])
	}
}

func TestHandleSyncFiltersOwnDeviceEcho(t *testing.T) {
	var lines []string
	sess := testSession(t, "https://example.org", func(line string) { lines = append(lines, line) })

	sess.handleSync(context.Background(), &matrix.SyncResponse{Rooms: matrix.RoomsSection{
		Join: map[string]matrix.JoinedRoom{
			"!room:example.org": {Timeline: matrix.TimelineSection{Events: []matrix.Event{
				// Echo of this device's own send: has a transaction ID.
				messageEvent("@alice:example.org", "from this device", "txn1"),
				// Same user from another device: no transaction ID.
				messageEvent("@alice:example.org", "from another device", ""),
			}}},
		},
	}})

	if len(lines) != 1 {
		t.Fatalf("expected only the other-device message, got %d lines: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], "from another device") {
		t.Errorf("wrong message delivered: %q", lines[0])
	}
}

func TestLeaveEventResolvesDisplayNameFromProfile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/profile/") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			return
		}
		json.NewEncoder(w).Encode(matrix.DisplayNameResponse{DisplayName: "Bob"})
	}))
	defer server.Close()

	var lines []string
	sess := testSession(t, server.URL, func(line string) { lines = append(lines, line) })
	sess.rooms["!room:example.org"] = "Team"

	// Leave events carry no displayname in their content.
	memberID := "@bob:example.org"
	sess.handleSync(context.Background(), &matrix.SyncResponse{Rooms: matrix.RoomsSection{
		Join: map[string]matrix.JoinedRoom{
			"!room:example.org": {Timeline: matrix.TimelineSection{Events: []matrix.Event{{
				Type:     "m.room.member",
				Sender:   memberID,
				StateKey: &memberID,
				Content:  map[string]any{"membership": "leave"},
			}}}},
		},
	}})

	if len(lines) != 2 {
		t.Fatalf("expected user record and narrative, got %d lines: %v", len(lines), lines)
	}
	if !strings.Contains(lines[1], "*** Bob left Team. ***") {
		t.Errorf("narrative should use the profile display name, got %q", lines[1])
	}
}

func TestHandleSyncTracksInvitesAndLeaves(t *testing.T) {
	sess := testSession(t, "https://example.org", func(string) {})

	sess.handleSync(context.Background(), &matrix.SyncResponse{Rooms: matrix.RoomsSection{
		Invite: map[string]matrix.InvitedRoom{
			"!invited:example.org": {InviteState: matrix.StateSection{Events: []matrix.Event{
				{Type: "m.room.name", Content: map[string]any{"name": "Secret"}},
			}}},
		},
	}})
	if invites := sess.Invites(); invites["!invited:example.org"] != "Secret" {
		t.Errorf("invite not tracked: %v", invites)
	}

	// Joining the room moves it from invites to rooms.
	sess.handleSync(context.Background(), &matrix.SyncResponse{Rooms: matrix.RoomsSection{
		Join: map[string]matrix.JoinedRoom{"!invited:example.org": {}},
	}})
	if invites := sess.Invites(); len(invites) != 0 {
		t.Errorf("invite should be cleared after join: %v", invites)
	}
	if rooms := sess.Rooms(); len(rooms) != 1 {
		t.Errorf("joined room not tracked: %v", rooms)
	}

	sess.handleSync(context.Background(), &matrix.SyncResponse{Rooms: matrix.RoomsSection{
		Leave: map[string]matrix.LeftRoom{"!invited:example.org": {}},
	}})
	if rooms := sess.Rooms(); len(rooms) != 0 {
		t.Errorf("left room should be dropped: %v", rooms)
	}
}

func TestSendMessageWhileOfflineIsSilentlyDropped(t *testing.T) {
	sess, err := NewSession(Options{
		AccountID: 0,
		User:      "alice@example.org",
		Password:  "pw",
		Dir:       t.TempDir(),
		Tokens:    NewTokenStore(t.TempDir()),
		Out:       func(string) {},
	})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	if err := sess.SendMessage(context.Background(), "Team", "hi", "hi"); err != nil {
		t.Errorf("offline send should be a silent no-op, got %v", err)
	}
}

func TestSendMessageToUnknownRoomFails(t *testing.T) {
	sess := testSession(t, "https://example.org", func(string) {})
	err := sess.SendMessage(context.Background(), "Nowhere", "hi", "hi")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected room not found error, got %v", err)
	}
}

func TestSendMessageResolvesRoomByDisplayName(t *testing.T) {
	var sentPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sentPath = r.URL.Path
		json.NewEncoder(w).Encode(matrix.SendEventResponse{EventID: "$e"})
	}))
	defer server.Close()

	sess := testSession(t, server.URL, func(string) {})
	sess.rooms["!room:example.org"] = "Team"

	if err := sess.SendMessage(context.Background(), "Team", "hi", "hi"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !strings.Contains(sentPath, "!room:example.org") {
		t.Errorf("send should target the resolved room ID, got %q", sentPath)
	}
}

func TestJoinRoomFallsBackToCreateForBareNames(t *testing.T) {
	var mu sync.Mutex
	joinCalls, createCalls := 0, 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case strings.Contains(r.URL.Path, "/join/"):
			joinCalls++
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"errcode":"M_NOT_FOUND","error":"unknown room"}`))
		case strings.HasSuffix(r.URL.Path, "/createRoom"):
			createCalls++
			json.NewEncoder(w).Encode(matrix.CreateRoomResponse{RoomID: "!new:example.org"})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	sess := testSession(t, server.URL, func(string) {})

	if err := sess.JoinRoom(context.Background(), "Team"); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if joinCalls != 1 || createCalls != 1 {
		t.Errorf("expected one join attempt and one create, got %d/%d", joinCalls, createCalls)
	}
	if rooms := sess.Rooms(); rooms["!new:example.org"] != "Team" {
		t.Errorf("created room not tracked: %v", rooms)
	}
}

func TestJoinRoomFallsBackToCreateForPartialRoomIDs(t *testing.T) {
	createCalls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/createRoom") {
			createCalls++
			json.NewEncoder(w).Encode(matrix.CreateRoomResponse{RoomID: "!new:example.org"})
			return
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"errcode":"M_NOT_FOUND","error":"unknown room"}`))
	}))
	defer server.Close()

	sess := testSession(t, server.URL, func(string) {})

	// A leading "!" without a server part is not a full room ID, so the
	// failed join is treated as a display name and creates a room.
	if err := sess.JoinRoom(context.Background(), "!gone"); err != nil {
		t.Fatalf("expected create fallback, got %v", err)
	}
	if createCalls != 1 {
		t.Errorf("expected one create call, got %d", createCalls)
	}
}

func TestJoinRoomDoesNotCreateForRoomIDs(t *testing.T) {
	createCalls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/createRoom") {
			createCalls++
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"errcode":"M_NOT_FOUND","error":"unknown room"}`))
	}))
	defer server.Close()

	sess := testSession(t, server.URL, func(string) {})

	if err := sess.JoinRoom(context.Background(), "!gone:example.org"); err == nil {
		t.Error("expected join error for unknown room ID")
	}
	if createCalls != 0 {
		t.Errorf("room IDs must not trigger create, got %d create calls", createCalls)
	}
}

func TestPartRoomRejectsPendingInvite(t *testing.T) {
	leaveCalls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/leave") {
			leaveCalls++
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	sess := testSession(t, server.URL, func(string) {})
	sess.invites["!invited:example.org"] = "Secret"

	if err := sess.PartRoom(context.Background(), "Secret"); err != nil {
		t.Fatalf("part failed: %v", err)
	}
	if leaveCalls != 1 {
		t.Errorf("expected one leave call, got %d", leaveCalls)
	}
	if invites := sess.Invites(); len(invites) != 0 {
		t.Errorf("invite should be cleared: %v", invites)
	}
}

func TestPartRoomUnknownRoomFails(t *testing.T) {
	sess := testSession(t, "https://example.org", func(string) {})
	err := sess.PartRoom(context.Background(), "Nowhere")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected room not found error, got %v", err)
	}
}

func TestConnectRestoresSavedCredentials(t *testing.T) {
	var mu sync.Mutex
	loginCalls, whoamiCalls := 0, 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case strings.HasSuffix(r.URL.Path, "/login"):
			loginCalls++
			json.NewEncoder(w).Encode(matrix.AuthResponse{
				UserID: "@alice:example.org", AccessToken: "tok", DeviceID: "DEV",
			})
		case strings.HasSuffix(r.URL.Path, "/whoami"):
			whoamiCalls++
			json.NewEncoder(w).Encode(matrix.WhoAmIResponse{UserID: "@alice:example.org"})
		case strings.HasSuffix(r.URL.Path, "/sync"):
			json.NewEncoder(w).Encode(matrix.SyncResponse{NextBatch: "s1"})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	dir := t.TempDir()
	tokens := NewTokenStore(dir)
	newSession := func() *Session {
		sess, err := NewSession(Options{
			AccountID:     0,
			User:          "alice@" + server.URL,
			Password:      "pw",
			Dir:           dir,
			Tokens:        tokens,
			SyncTimeoutMs: 1,
			Out:           func(string) {},
		})
		if err != nil {
			t.Fatalf("NewSession failed: %v", err)
		}
		return sess
	}

	first := newSession()
	if err := first.Connect(context.Background()); err != nil {
		t.Fatalf("first connect failed: %v", err)
	}
	first.Close()

	second := newSession()
	if err := second.Connect(context.Background()); err != nil {
		t.Fatalf("second connect failed: %v", err)
	}
	second.Close()

	mu.Lock()
	defer mu.Unlock()
	if loginCalls != 1 {
		t.Errorf("expected exactly one password login, got %d", loginCalls)
	}
	if whoamiCalls == 0 {
		t.Error("restored credentials should be validated with whoami")
	}
}
