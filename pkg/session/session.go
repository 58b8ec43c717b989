package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/nuqql/matrixd/pkg/logger"
	"github.com/nuqql/matrixd/pkg/matrix"
)

// catchUpFilter drops timeline history from the initial sync. Only room
// state is wanted there; missed events are replayed by the continuous sync
// starting from the persisted token.
const catchUpFilter = `{"room":{"timeline":{"limit":0}}}`

const deviceName = "matrixd"

// Options configures a Session.
type Options struct {
	AccountID int
	// User is the account user in the form "user@homeserver", where the
	// homeserver is a URL or a bare domain.
	User     string
	Password string
	// Dir is the working directory holding per-account credentials and
	// sync tokens.
	Dir      string
	Tokens   *TokenStore
	Settings Settings
	// FilterOwn drops echoes of messages sent by this device.
	FilterOwn bool
	// SyncTimeoutMs is the /sync long-poll timeout.
	SyncTimeoutMs int
	// Out delivers formatted frontend lines.
	Out func(line string)
	// HTTPClient overrides the HTTP client, mainly for tests.
	HTTPClient *http.Client
}

// Session is one account's connection to its Matrix homeserver. Connect
// logs in (or restores saved credentials) and starts the sync goroutine;
// the command methods are called from the account's supervisor goroutine.
type Session struct {
	opts      Options
	localpart string
	domain    string
	serverURL string

	client *matrix.Client

	mu      sync.Mutex
	online  bool
	status  string
	rooms   map[string]string
	invites map[string]string

	cancelSync context.CancelFunc
	syncDone   chan struct{}
}

// NewSession validates the options and prepares a disconnected session.
func NewSession(opts Options) (*Session, error) {
	localpart, serverURL, domain, err := parseAccountUser(opts.User)
	if err != nil {
		return nil, err
	}
	return &Session{
		opts:      opts,
		localpart: localpart,
		domain:    domain,
		serverURL: serverURL,
		status:    "offline",
		rooms:     make(map[string]string),
		invites:   make(map[string]string),
	}, nil
}

// parseAccountUser splits "user@homeserver" into the Matrix localpart, the
// homeserver URL and its domain. A bare domain gets an https scheme.
func parseAccountUser(accountUser string) (localpart, serverURL, domain string, err error) {
	localpart, server, found := strings.Cut(accountUser, "@")
	if !found || localpart == "" || server == "" {
		return "", "", "", fmt.Errorf("invalid account user %q: expected user@homeserver", accountUser)
	}

	if !strings.HasPrefix(server, "http://") && !strings.HasPrefix(server, "https://") {
		server = "https://" + server
	}
	parsed, err := url.Parse(server)
	if err != nil || parsed.Hostname() == "" {
		return "", "", "", fmt.Errorf("invalid homeserver in account user %q", accountUser)
	}
	return localpart, server, parsed.Hostname(), nil
}

// UserID returns the full Matrix user ID of the account.
func (s *Session) UserID() string {
	return "@" + s.localpart + ":" + s.domain
}

// Connect establishes the Matrix session. Saved device credentials are
// restored when present and still valid; otherwise a password login runs
// and its credentials are saved. After a catch-up sync for room state, the
// continuous sync goroutine starts.
func (s *Session) Connect(ctx context.Context) error {
	client, err := matrix.NewClient(s.serverURL, s.opts.HTTPClient)
	if err != nil {
		return err
	}

	if err := s.authenticate(ctx, client); err != nil {
		return err
	}
	s.client = client

	since := s.opts.Tokens.Load(s.opts.AccountID)

	catchUp, err := client.Sync(ctx, matrix.SyncOptions{
		Filter:    catchUpFilter,
		FullState: true,
	})
	if err != nil {
		return fmt.Errorf("catch-up sync failed: %w", err)
	}
	s.handleSync(ctx, catchUp)

	// Without a persisted token, resume from the catch-up position so
	// old history is not replayed as fresh messages.
	if since == "" {
		since = catchUp.NextBatch
		s.opts.Tokens.Save(s.opts.AccountID, since)
	}

	s.mu.Lock()
	s.online = true
	s.status = "online"
	s.mu.Unlock()

	syncCtx, cancel := context.WithCancel(context.Background())
	s.cancelSync = cancel
	s.syncDone = make(chan struct{})
	go s.syncLoop(syncCtx, since)

	logger.InfoCF("session", "connected",
		map[string]any{"account": s.opts.AccountID, "user": s.UserID()})
	return nil
}

func (s *Session) authenticate(ctx context.Context, client *matrix.Client) error {
	creds, err := loadCredentials(s.opts.Dir, s.opts.AccountID)
	if err != nil {
		logger.WarnCF("session", "ignoring unreadable credentials",
			map[string]any{"account": s.opts.AccountID, "error": err})
	}

	if creds != nil && creds.Homeserver == s.serverURL {
		client.RestoreLogin(creds.UserID, creds.DeviceID, creds.AccessToken)
		if _, err := client.WhoAmI(ctx); err == nil {
			return nil
		} else if !matrix.IsError(err, matrix.ErrCodeUnknownToken) &&
			!matrix.IsError(err, matrix.ErrCodeForbidden) {
			return err
		}
		// Stale token, fall through to a fresh login.
		client.RestoreLogin("", "", "")
		deleteCredentials(s.opts.Dir, s.opts.AccountID)
	}

	auth, err := client.Login(ctx, s.localpart, s.opts.Password, deviceName)
	if err != nil {
		return err
	}

	saved := Credentials{
		Homeserver:  s.serverURL,
		UserID:      auth.UserID,
		DeviceID:    auth.DeviceID,
		AccessToken: auth.AccessToken,
	}
	if err := saveCredentials(s.opts.Dir, s.opts.AccountID, saved); err != nil {
		logger.WarnCF("session", "could not save credentials",
			map[string]any{"account": s.opts.AccountID, "error": err})
	}
	return nil
}

// syncLoop long-polls /sync, translating events and persisting the
// resumption token after each round. On a sync error it marks the session
// offline and returns; the supervisor reconnects with backoff.
func (s *Session) syncLoop(ctx context.Context, since string) {
	defer close(s.syncDone)

	for {
		response, err := s.client.Sync(ctx, matrix.SyncOptions{
			Since:      since,
			Timeout:    s.opts.SyncTimeoutMs,
			SetTimeout: true,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WarnCF("session", "sync failed, going offline",
				map[string]any{"account": s.opts.AccountID, "error": err})
			s.setOffline()
			s.client.CloseIdleConnections()
			return
		}

		s.handleSync(ctx, response)
		since = response.NextBatch
		s.opts.Tokens.Save(s.opts.AccountID, since)
	}
}

// handleSync updates the room maps from room state and delivers timeline
// events to the frontend.
func (s *Session) handleSync(ctx context.Context, response *matrix.SyncResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for roomID, invited := range response.Rooms.Invite {
		name := roomID
		for _, ev := range invited.InviteState.Events {
			if ev.Type == "m.room.name" {
				if n := ev.ContentString("name"); n != "" {
					name = n
				}
			}
		}
		s.invites[roomID] = name
	}

	for roomID := range response.Rooms.Leave {
		delete(s.rooms, roomID)
		delete(s.invites, roomID)
	}

	for roomID, joined := range response.Rooms.Join {
		delete(s.invites, roomID)
		if _, known := s.rooms[roomID]; !known {
			s.rooms[roomID] = roomID
		}
		for _, ev := range joined.State.Events {
			s.applyState(roomID, ev)
		}
		for _, ev := range joined.Timeline.Events {
			s.applyState(roomID, ev)
			s.deliverEvent(ctx, roomID, ev)
		}
	}
}

// applyState records room name changes. Caller holds the lock.
func (s *Session) applyState(roomID string, ev matrix.Event) {
	if ev.Type == "m.room.name" {
		if name := ev.ContentString("name"); name != "" {
			s.rooms[roomID] = name
		}
	}
}

// deliverEvent translates one timeline event into frontend lines. Caller
// holds the lock.
func (s *Session) deliverEvent(ctx context.Context, roomID string, ev matrix.Event) {
	switch ev.Type {
	case "m.room.message":
		// Drop the echo of this device's own sends. Messages from the
		// account's other devices have no transaction ID and pass.
		if s.opts.FilterOwn && ev.Sender == s.client.UserID() && ev.TransactionID() != "" {
			return
		}
		s.opts.Out(s.opts.Settings.TranslateMessage(s.opts.AccountID, MessageEvent{
			RoomID:    roomID,
			Sender:    ev.Sender,
			Timestamp: ev.OriginServerTS / 1000,
			MsgType:   ev.ContentString("msgtype"),
			Body:      ev.ContentString("body"),
			MediaURL:  s.client.MediaDownloadURL(ev.ContentString("url")),
		}))

	case "m.room.member":
		memberID := ev.Sender
		if ev.StateKey != nil && *ev.StateKey != "" {
			memberID = *ev.StateKey
		}
		kind := ev.ContentString("membership")
		memberName := ev.ContentString("displayname")
		if memberName == "" && kind == "leave" {
			// Leave events carry no displayname; ask the profile for one.
			if name, err := s.client.GetDisplayName(ctx, memberID); err == nil && name != "" {
				memberName = name
			}
		}
		if memberName == "" {
			memberName = memberID
		}
		lines := s.opts.Settings.TranslateMembership(s.opts.AccountID, MembershipEvent{
			RoomID:     roomID,
			RoomName:   s.rooms[roomID],
			Kind:       kind,
			Timestamp:  ev.OriginServerTS / 1000,
			SenderName: ev.Sender,
			MemberID:   memberID,
			MemberName: memberName,
		})
		for _, line := range lines {
			s.opts.Out(line)
		}
	}
}

func (s *Session) setOffline() {
	s.mu.Lock()
	s.online = false
	s.status = "offline"
	s.mu.Unlock()
}

// Online reports whether the session currently has a working connection.
func (s *Session) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Status returns the account status string.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus stores a new status string for the account.
func (s *Session) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online {
		s.status = status
	}
}

// Rooms returns a copy of the joined rooms, room ID to display name.
func (s *Session) Rooms() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make(map[string]string, len(s.rooms))
	for id, name := range s.rooms {
		rooms[id] = name
	}
	return rooms
}

// Invites returns a copy of the pending invites, room ID to display name.
func (s *Session) Invites() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	invites := make(map[string]string, len(s.invites))
	for id, name := range s.invites {
		invites[id] = name
	}
	return invites
}

// resolveRoom maps a destination, either a room ID or a display name, to
// the room ID of a joined room.
func (s *Session) resolveRoom(dest string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[dest]; ok {
		return dest, true
	}
	for id, name := range s.rooms {
		if name == dest {
			return id, true
		}
	}
	return "", false
}

// resolveInvite maps a destination to the room ID of a pending invite.
func (s *Session) resolveInvite(dest string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invites[dest]; ok {
		return dest, true
	}
	for id, name := range s.invites {
		if name == dest {
			return id, true
		}
	}
	return "", false
}

// SendMessage sends a text message to a joined room addressed by ID or
// display name. While offline the message is dropped without error; the
// frontend resends after reconnect.
func (s *Session) SendMessage(ctx context.Context, dest, body, htmlBody string) error {
	if !s.Online() {
		return nil
	}
	roomID, ok := s.resolveRoom(dest)
	if !ok {
		return fmt.Errorf("room %s not found", dest)
	}

	_, err := s.client.SendMessage(ctx, roomID, matrix.NewTextMessage(body, htmlBody))
	if err != nil {
		s.downgradeOnTransportError(err)
		return err
	}
	return nil
}

// CreateRoom creates a new private room with the given display name.
func (s *Session) CreateRoom(ctx context.Context, name string) error {
	roomID, err := s.client.CreateRoom(ctx, name)
	if err != nil {
		s.downgradeOnTransportError(err)
		return err
	}
	s.mu.Lock()
	s.rooms[roomID] = name
	s.mu.Unlock()
	return nil
}

// JoinRoom joins a room by ID or alias. When the join fails and the
// target is not a full room ID (leading "!" plus a server part), it is
// treated as a display name and a new room is created instead.
func (s *Session) JoinRoom(ctx context.Context, chat string) error {
	roomID, err := s.client.JoinRoom(ctx, chat)
	if err != nil {
		if strings.HasPrefix(chat, "!") && strings.Contains(chat, ":") {
			s.downgradeOnTransportError(err)
			return err
		}
		return s.CreateRoom(ctx, chat)
	}

	s.mu.Lock()
	if _, known := s.rooms[roomID]; !known {
		s.rooms[roomID] = chat
	}
	delete(s.invites, roomID)
	s.mu.Unlock()
	return nil
}

// PartRoom leaves a joined room or rejects a pending invite.
func (s *Session) PartRoom(ctx context.Context, chat string) error {
	if roomID, ok := s.resolveRoom(chat); ok {
		if err := s.client.LeaveRoom(ctx, roomID); err != nil {
			s.downgradeOnTransportError(err)
			return err
		}
		s.mu.Lock()
		delete(s.rooms, roomID)
		s.mu.Unlock()
		return nil
	}

	inviteID, ok := s.resolveInvite(chat)
	if !ok {
		return fmt.Errorf("room %s not found", chat)
	}
	if err := s.client.LeaveRoom(ctx, inviteID); err != nil {
		s.downgradeOnTransportError(err)
		return err
	}
	s.mu.Lock()
	delete(s.invites, inviteID)
	s.mu.Unlock()
	return nil
}

// RoomUser is one member of a joined room.
type RoomUser struct {
	ID   string
	Name string
}

// ListRoomUsers returns the joined members of a room, sorted by user ID.
func (s *Session) ListRoomUsers(ctx context.Context, chat string) ([]RoomUser, error) {
	roomID, ok := s.resolveRoom(chat)
	if !ok {
		return nil, fmt.Errorf("room %s not found", chat)
	}

	members, err := s.client.JoinedMembers(ctx, roomID)
	if err != nil {
		s.downgradeOnTransportError(err)
		return nil, err
	}

	users := make([]RoomUser, 0, len(members))
	for userID, info := range members {
		name := info.DisplayName
		if name == "" {
			name = userID
		}
		users = append(users, RoomUser{ID: userID, Name: name})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// InviteToRoom invites a user to a room, resolved among joined rooms and
// pending invites.
func (s *Session) InviteToRoom(ctx context.Context, chat, userID string) error {
	roomID, ok := s.resolveRoom(chat)
	if !ok {
		roomID, ok = s.resolveInvite(chat)
	}
	if !ok {
		return fmt.Errorf("room %s not found", chat)
	}
	if err := s.client.InviteUser(ctx, roomID, userID); err != nil {
		s.downgradeOnTransportError(err)
		return err
	}
	return nil
}

// downgradeOnTransportError marks the session offline when an operation
// failed below the protocol, so the supervisor reconnects. Matrix-level
// errors keep the session online.
func (s *Session) downgradeOnTransportError(err error) {
	var matrixErr *matrix.Error
	if errors.As(err, &matrixErr) {
		return
	}
	logger.WarnCF("session", "transport error, going offline",
		map[string]any{"account": s.opts.AccountID, "error": err})
	s.setOffline()
}

// Close stops the sync goroutine and releases connections. The session can
// be reconnected afterwards with Connect.
func (s *Session) Close() {
	if s.cancelSync != nil {
		s.cancelSync()
		<-s.syncDone
		s.cancelSync = nil
	}
	s.setOffline()
	if s.client != nil {
		s.client.CloseIdleConnections()
	}
}
