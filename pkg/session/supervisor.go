package session

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/nuqql/matrixd/pkg/logger"
	"github.com/nuqql/matrixd/pkg/nuqql"
	"github.com/nuqql/matrixd/pkg/queue"
)

// SupervisorConfig configures one account's supervisor.
type SupervisorConfig struct {
	Account  nuqql.Account
	Dir      string
	Tokens   *TokenStore
	Settings Settings

	FilterOwn        bool
	SyncTimeoutMs    int
	ReconnectSeconds int
	DrainTickMs      int

	// Out delivers formatted frontend lines.
	Out func(line string)
	// HTTPClient overrides the session's HTTP client, mainly for tests.
	HTTPClient *http.Client
}

// Supervisor owns one account's goroutine. It keeps the session connected,
// reconnecting with backoff after failures, and drains the account's
// command queue while online. Commands enqueued while offline stay queued
// and run after the next successful connect.
type Supervisor struct {
	cfg     SupervisorConfig
	session *Session
	queue   *queue.Queue

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	sess, err := NewSession(Options{
		AccountID:     cfg.Account.ID,
		User:          cfg.Account.User,
		Password:      cfg.Account.Password,
		Dir:           cfg.Dir,
		Tokens:        cfg.Tokens,
		Settings:      cfg.Settings,
		FilterOwn:     cfg.FilterOwn,
		SyncTimeoutMs: cfg.SyncTimeoutMs,
		Out:           cfg.Out,
		HTTPClient:    cfg.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		cfg:     cfg,
		session: sess,
		queue:   queue.New(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Enqueue buffers a frontend command for this account.
func (sv *Supervisor) Enqueue(cmd queue.Command) {
	sv.queue.Enqueue(cmd)
}

// Status returns the session's current status string.
func (sv *Supervisor) Status() string {
	return sv.session.Status()
}

// Start launches the account goroutine.
func (sv *Supervisor) Start() {
	go sv.run()
}

// Stop shuts the account goroutine and its session down. Safe to call more
// than once.
func (sv *Supervisor) Stop() {
	sv.stopOnce.Do(func() { close(sv.stop) })
	<-sv.done
}

func (sv *Supervisor) run() {
	defer close(sv.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sv.stop
		cancel()
	}()
	defer sv.session.Close()

	reconnect := time.Duration(sv.cfg.ReconnectSeconds) * time.Second
	ticker := time.NewTicker(time.Duration(sv.cfg.DrainTickMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sv.stop:
			return
		default:
		}

		if !sv.session.Online() {
			// Reap a sync goroutine left behind by a dropped connection.
			sv.session.Close()
			if err := sv.session.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.WarnCF("supervisor", "connect failed, retrying",
					map[string]any{"account": sv.cfg.Account.ID, "error": err})
				select {
				case <-time.After(reconnect):
				case <-sv.stop:
					return
				}
				continue
			}
			sv.cfg.Out(nuqql.Status(sv.cfg.Account.ID, sv.session.Status()))
		}

		select {
		case <-ticker.C:
			sv.drain(ctx)
		case <-sv.stop:
			return
		}
	}
}

// drain runs all queued commands in submission order. A failing command is
// reported to the frontend and does not stop the batch or the goroutine.
func (sv *Supervisor) drain(ctx context.Context) {
	for _, cmd := range sv.queue.Drain() {
		if err := sv.execute(ctx, cmd); err != nil {
			sv.cfg.Out(nuqql.Error(err.Error()))
		}
	}
}

func (sv *Supervisor) execute(ctx context.Context, cmd queue.Command) error {
	accountID := sv.cfg.Account.ID

	switch cmd.Kind {
	case queue.SendMessage:
		return sv.session.SendMessage(ctx, cmd.Dest, cmd.Body, cmd.HTML)

	case queue.SetStatus:
		sv.session.SetStatus(cmd.Status)
		sv.cfg.Out(nuqql.Status(accountID, sv.session.Status()))
		return nil

	case queue.GetStatus:
		sv.cfg.Out(nuqql.Status(accountID, sv.session.Status()))
		return nil

	case queue.GetBuddies:
		sv.listBuddies(cmd.OnlineOnly)
		return nil

	case queue.ChatList:
		sv.listChats()
		return nil

	case queue.ChatJoin:
		return sv.session.JoinRoom(ctx, cmd.Chat)

	case queue.ChatPart:
		return sv.session.PartRoom(ctx, cmd.Chat)

	case queue.ChatUsers:
		users, err := sv.session.ListRoomUsers(ctx, cmd.Chat)
		if err != nil {
			return err
		}
		chat := nuqql.EscapeName(cmd.Chat)
		for _, user := range users {
			sv.cfg.Out(nuqql.ChatUser(accountID, chat,
				nuqql.EscapeName(user.ID), nuqql.EscapeName(user.Name), "join"))
		}
		return nil

	case queue.ChatInvite:
		return sv.session.InviteToRoom(ctx, cmd.Chat, cmd.User)
	}

	logger.WarnCF("supervisor", "dropping unknown command",
		map[string]any{"account": accountID, "kind": cmd.Kind.String()})
	return nil
}

// listBuddies reports joined rooms and pending invites as group chat
// buddies. An offline session reports nothing, even from the cached room
// list. Rooms never carry an "online" status, so the online-only variant
// reports nothing either.
func (sv *Supervisor) listBuddies(onlineOnly bool) {
	if !sv.session.Online() || onlineOnly {
		return
	}
	accountID := sv.cfg.Account.ID

	for _, room := range sortedRooms(sv.session.Rooms()) {
		sv.cfg.Out(nuqql.Buddy(accountID, "GROUP_CHAT",
			nuqql.EscapeName(room.id), nuqql.EscapeName(room.name)))
	}
	for _, room := range sortedRooms(sv.session.Invites()) {
		sv.cfg.Out(nuqql.Buddy(accountID, "GROUP_CHAT_INVITE",
			nuqql.EscapeName(room.id), nuqql.EscapeName(room.name)))
	}
}

// listChats reports joined rooms and pending invites as chat list entries.
func (sv *Supervisor) listChats() {
	accountID := sv.cfg.Account.ID
	nick := nuqql.EscapeName(sv.session.UserID())

	for _, room := range sortedRooms(sv.session.Rooms()) {
		sv.cfg.Out(nuqql.ChatList(accountID,
			nuqql.EscapeName(room.id), nuqql.EscapeName(room.name), nick))
	}
	for _, room := range sortedRooms(sv.session.Invites()) {
		sv.cfg.Out(nuqql.ChatList(accountID,
			nuqql.EscapeName(room.id), nuqql.EscapeName(room.name), nick))
	}
}

type roomEntry struct {
	id   string
	name string
}

func sortedRooms(rooms map[string]string) []roomEntry {
	entries := make([]roomEntry, 0, len(rooms))
	for id, name := range rooms {
		entries = append(entries, roomEntry{id: id, name: name})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	return entries
}
