package nuqql

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nuqql/matrixd/pkg/bus"
	"github.com/nuqql/matrixd/pkg/logger"
	"github.com/nuqql/matrixd/pkg/queue"
)

const logComponent = "server"

// Config holds the frontend listener settings.
type Config struct {
	// AF selects the address family: "inet" listens on Address:Port,
	// "unix" listens on Sockfile.
	AF       string
	Address  string
	Port     int
	Sockfile string

	// PushAccounts sends the account list to a newly connected frontend
	// without waiting for an "account list" command.
	PushAccounts bool

	// Version is reported by the "version" command.
	Version string
}

// Handler connects the frontend server to the session layer. Account
// lifecycle changes and per-account commands are forwarded through it.
type Handler interface {
	// AccountAdded starts a session for a newly added account.
	AccountAdded(account Account)
	// AccountRemoved stops the account's session and removes its
	// persisted credentials and sync token.
	AccountRemoved(id int)
	// HandleCommand enqueues a command for the account's session. A
	// non-nil error is sent back to the frontend as an error reply.
	HandleCommand(accountID int, cmd queue.Command) error
	// AccountStatus returns the current status of the account's session,
	// "offline" when no session is running.
	AccountStatus(accountID int) string
	// Quit requests a daemon shutdown.
	Quit()
}

// Server accepts frontend connections and speaks the line-oriented
// protocol. Only one frontend is active at a time; a new connection
// supersedes the previous one. Messages published to the bus while no
// frontend is connected are buffered and flushed on the next connect.
type Server struct {
	cfg     Config
	store   *AccountStore
	handler Handler
	bus     *bus.MessageBus

	listener net.Listener
	ready    chan struct{}
	wg       sync.WaitGroup

	connMu  sync.Mutex
	conn    net.Conn
	pending []string
}

func NewServer(cfg Config, store *AccountStore, handler Handler, messageBus *bus.MessageBus) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		handler: handler,
		bus:     messageBus,
		ready:   make(chan struct{}),
	}
}

// Addr returns the listener address. It blocks until Run has started
// listening.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.listener.Addr()
}

// Run listens for frontend connections until the context is canceled or
// the listener is closed.
func (s *Server) Run(ctx context.Context) error {
	listener, err := s.listen()
	if err != nil {
		return err
	}
	s.listener = listener
	close(s.ready)
	defer s.cleanup()

	logger.InfoCF(logComponent, "listening for frontend",
		map[string]any{"addr": listener.Addr().String()})

	s.wg.Add(1)
	go s.writerPump(ctx)

	context.AfterFunc(ctx, func() { listener.Close() })

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			logger.ErrorCF(logComponent, "accept failed", map[string]any{"error": err})
			break
		}

		s.attach(conn)
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}

	s.wg.Wait()
	return nil
}

// Close shuts the listener down, unblocking Run.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) listen() (net.Listener, error) {
	if s.cfg.AF == "unix" {
		path := s.cfg.Sockfile
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("error removing stale socket %s: %w", path, err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
		return net.Listen("unix", path)
	}
	return net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port))
}

func (s *Server) cleanup() {
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()
	if s.cfg.AF == "unix" {
		os.Remove(s.cfg.Sockfile)
	}
}

// attach makes conn the active frontend connection, superseding any
// previous one, and flushes buffered messages.
func (s *Server) attach(conn net.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn != nil {
		logger.InfoC(logComponent, "new frontend connection supersedes previous one")
		s.conn.Close()
	}
	s.conn = conn

	if s.cfg.PushAccounts {
		for _, account := range s.store.List() {
			conn.Write([]byte(AccountInfo(account, s.handler.AccountStatus(account.ID))))
		}
	}
	for _, line := range s.pending {
		conn.Write([]byte(line))
	}
	s.pending = nil
}

// writerPump delivers session messages from the bus to the active frontend
// connection, buffering while none is connected.
func (s *Server) writerPump(ctx context.Context) {
	defer s.wg.Done()
	for {
		msg, ok := s.bus.Consume(ctx)
		if !ok {
			return
		}
		s.deliver(msg.Text)
	}
}

func (s *Server) deliver(text string) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		s.pending = append(s.pending, text)
		return
	}
	if _, err := s.conn.Write([]byte(text)); err != nil {
		logger.WarnCF(logComponent, "frontend write failed, buffering",
			map[string]any{"error": err})
		s.conn.Close()
		s.conn = nil
		s.pending = append(s.pending, text)
	}
}

// reply writes a synchronous response on the connection the command came
// in on, serialized against the writer pump.
func (s *Server) reply(conn net.Conn, text string) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	conn.Write([]byte(text))
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.detach(conn)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		logger.DebugCF(logComponent, "frontend command", map[string]any{"line": line})

		request, err := ParseLine(line)
		if err != nil {
			s.reply(conn, Error(err.Error()))
			continue
		}
		if done := s.dispatch(conn, request); done {
			return
		}
	}
}

// detach clears the active connection if it is still conn.
func (s *Server) detach(conn net.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	conn.Close()
	if s.conn == conn {
		s.conn = nil
	}
}

// dispatch executes one parsed request. It returns true when the
// connection should be closed.
func (s *Server) dispatch(conn net.Conn, request Request) bool {
	switch request.Kind {
	case RequestVersion:
		s.reply(conn, Info("version: matrixd v"+s.cfg.Version))

	case RequestHelp:
		s.reply(conn, helpText)

	case RequestAccountList:
		for _, account := range s.store.List() {
			s.reply(conn, AccountInfo(account, s.handler.AccountStatus(account.ID)))
		}

	case RequestAccountAdd:
		account, err := s.store.Add(request.Protocol, request.User, request.Password)
		if err != nil {
			s.reply(conn, Error("could not add account: "+err.Error()))
			return false
		}
		logger.InfoCF(logComponent, "account added", map[string]any{
			"id": account.ID, "protocol": account.Protocol, "user": account.User,
		})
		s.handler.AccountAdded(account)
		s.reply(conn, Info(fmt.Sprintf("added account %d.", account.ID)))

	case RequestAccountDelete:
		if err := s.store.Delete(request.AccountID); err != nil {
			s.reply(conn, Error(err.Error()))
			return false
		}
		s.handler.AccountRemoved(request.AccountID)
		logger.InfoCF(logComponent, "account deleted", map[string]any{"id": request.AccountID})
		s.reply(conn, Info(fmt.Sprintf("account %d deleted.", request.AccountID)))

	case RequestCommand:
		if err := s.handler.HandleCommand(request.AccountID, request.Command); err != nil {
			s.reply(conn, Error(err.Error()))
		}

	case RequestBye:
		return true

	case RequestQuit:
		s.handler.Quit()
		return true
	}
	return false
}

var helpText = strings.Join([]string{
	"info: List of commands and their description:",
	"account list -- list all accounts and their account ids.",
	"account add <protocol> <user> <password> -- add a new account.",
	"account <id> delete -- delete the account with the account id <id>.",
	"account <id> send <destination> <msg> -- send a message to a destination.",
	"account <id> buddies [online] -- list all (online) buddies on this account.",
	"account <id> status get -- get the status of the account.",
	"account <id> status set <status> -- set the status of the account.",
	"account <id> chat list -- list all group chats on this account.",
	"account <id> chat join <chat> -- join the group chat <chat>.",
	"account <id> chat part <chat> -- leave the group chat <chat>.",
	"account <id> chat send <chat> <msg> -- send a message to the group chat.",
	"account <id> chat users <chat> -- list the users in the group chat.",
	"account <id> chat invite <chat> <user> -- invite <user> to the group chat.",
	"bye -- disconnect from the backend.",
	"quit -- quit the backend.",
	"help -- show this help.",
}, "\r\n") + "\r\n"
