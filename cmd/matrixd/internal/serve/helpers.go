package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/nuqql/matrixd/cmd/matrixd/internal"
	"github.com/nuqql/matrixd/pkg/bus"
	"github.com/nuqql/matrixd/pkg/config"
	"github.com/nuqql/matrixd/pkg/logger"
	"github.com/nuqql/matrixd/pkg/nuqql"
	"github.com/nuqql/matrixd/pkg/queue"
	"github.com/nuqql/matrixd/pkg/session"
)

type serveFlags struct {
	dir          string
	af           string
	address      string
	port         int
	sockfile     string
	pushAccounts bool
	debug        bool

	// set records which flags were given on the command line.
	set map[string]bool
}

func serveCmd(flags serveFlags) error {
	dir := flags.dir
	if dir == "" {
		dir = config.DefaultConfig().Dir
	}

	cfg, err := internal.LoadConfig(config.ExpandHome(dir))
	if err != nil {
		return err
	}
	applyFlags(cfg, flags)

	if flags.debug {
		logger.SetLevel(logger.DEBUG)
	} else {
		logger.SetLevel(logger.ParseLevel(cfg.Loglevel))
	}

	workDir := cfg.WorkDir()
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return fmt.Errorf("error creating working directory %s: %w", workDir, err)
	}

	store, err := nuqql.LoadAccountStore(workDir)
	if err != nil {
		return err
	}

	msgBus := bus.NewMessageBus()
	tokens := session.NewTokenStore(workDir)
	registry := session.NewRegistry(workDir, tokens)

	b := &bridge{
		cfg:      cfg,
		workDir:  workDir,
		tokens:   tokens,
		registry: registry,
		bus:      msgBus,
		quit:     make(chan struct{}),
	}

	for _, account := range store.List() {
		b.AccountAdded(account)
	}

	sockfile := cfg.Sockfile
	if !filepath.IsAbs(sockfile) {
		sockfile = filepath.Join(workDir, sockfile)
	}
	server := nuqql.NewServer(nuqql.Config{
		AF:           cfg.AF,
		Address:      cfg.Address,
		Port:         cfg.Port,
		Sockfile:     sockfile,
		PushAccounts: cfg.PushAccounts,
		Version:      internal.GetVersion(),
	}, store, b, msgBus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Run(ctx) }()

	logger.InfoCF("serve", "matrixd started", map[string]any{
		"dir": workDir, "af": cfg.AF, "version": internal.GetVersion(),
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.InfoC("serve", "received signal, shutting down")
	case <-b.quit:
		logger.InfoC("serve", "frontend requested shutdown")
	case err := <-serverDone:
		msgBus.Close()
		registry.StopAll()
		return err
	}

	cancel()
	server.Close()
	<-serverDone
	// Closing the bus first unblocks sessions waiting in Publish, so
	// StopAll cannot wedge on a full buffer.
	msgBus.Close()
	registry.StopAll()
	logger.InfoC("serve", "matrixd stopped")

	return nil
}

// applyFlags overrides config values with the flags given on the command
// line.
func applyFlags(cfg *config.Config, flags serveFlags) {
	if flags.set["dir"] {
		cfg.Dir = flags.dir
	}
	if flags.set["af"] {
		cfg.AF = flags.af
	}
	if flags.set["address"] {
		cfg.Address = flags.address
	}
	if flags.set["port"] {
		cfg.Port = flags.port
	}
	if flags.set["sockfile"] {
		cfg.Sockfile = flags.sockfile
	}
	if flags.set["push-accounts"] {
		cfg.PushAccounts = flags.pushAccounts
	}
}

// bridge connects the frontend server to the session layer. It implements
// nuqql.Handler.
type bridge struct {
	cfg      *config.Config
	workDir  string
	tokens   *session.TokenStore
	registry *session.Registry
	bus      *bus.MessageBus

	quit     chan struct{}
	quitOnce sync.Once
}

// AccountAdded starts a session supervisor for a new or restored account.
func (b *bridge) AccountAdded(account nuqql.Account) {
	if !strings.EqualFold(account.Protocol, "matrix") {
		logger.WarnCF("serve", "ignoring account with unsupported protocol",
			map[string]any{"id": account.ID, "protocol": account.Protocol})
		return
	}

	supervisor, err := session.NewSupervisor(session.SupervisorConfig{
		Account: account,
		Dir:     b.workDir,
		Tokens:  b.tokens,
		Settings: session.Settings{
			MembershipUserMsg:    b.cfg.MembershipUserMsg,
			MembershipMessageMsg: b.cfg.MembershipMessageMsg,
		},
		FilterOwn:        b.cfg.FilterOwn,
		SyncTimeoutMs:    b.cfg.SyncTimeoutMs,
		ReconnectSeconds: b.cfg.ReconnectSeconds,
		DrainTickMs:      b.cfg.DrainTickMs,
		Out:              b.outFunc(account.ID),
	})
	if err != nil {
		logger.ErrorCF("serve", "could not create session",
			map[string]any{"id": account.ID, "error": err})
		b.outFunc(account.ID)(nuqql.Error(err.Error()))
		return
	}
	b.registry.Add(account.ID, supervisor)
}

// AccountRemoved stops the account's session and deletes its persisted
// state.
func (b *bridge) AccountRemoved(id int) {
	b.registry.Remove(id)
}

// HandleCommand enqueues a command for the account's session. Commands
// for unknown accounts are dropped: the frontend may still send them
// while an account deletion is in flight.
func (b *bridge) HandleCommand(accountID int, cmd queue.Command) error {
	supervisor, ok := b.registry.Get(accountID)
	if !ok {
		logger.DebugCF("serve", "dropping command for unknown account",
			map[string]any{"account": accountID, "kind": cmd.Kind.String()})
		return nil
	}
	supervisor.Enqueue(cmd)
	return nil
}

// AccountStatus reports the session status for the account listing.
func (b *bridge) AccountStatus(accountID int) string {
	supervisor, ok := b.registry.Get(accountID)
	if !ok {
		return "offline"
	}
	return supervisor.Status()
}

// Quit requests a daemon shutdown.
func (b *bridge) Quit() {
	b.quitOnce.Do(func() { close(b.quit) })
}

// outFunc returns the session's line delivery function, publishing to the
// message bus.
func (b *bridge) outFunc(accountID int) func(string) {
	return func(line string) {
		if err := b.bus.Publish(context.Background(), bus.Message{
			AccountID: accountID,
			Text:      line,
		}); err != nil {
			logger.WarnCF("serve", "dropping frontend message",
				map[string]any{"account": accountID, "error": err})
		}
	}
}
