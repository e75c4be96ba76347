package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"chatsync/internal/bus"
	"chatsync/internal/config"
	"chatsync/internal/logging"
	"chatsync/internal/notifications"
	"chatsync/internal/persistence"
	"chatsync/internal/push"
	"chatsync/internal/rest"
	"chatsync/internal/syncer"
)

// Runtime wires the engine together for a host process: config, logging,
// session storage, the REST collaborator, the orchestrator and the push
// connection manager.
type Runtime struct {
	Ctx    context.Context
	cancel context.CancelFunc

	Paths  Paths
	Config config.AppConfig

	LogManager *logging.Manager
	Bus        *bus.PubSubBus
	DB         *sql.DB

	Session      *persistence.SessionRepo
	Rest         rest.Client
	Orchestrator *syncer.Orchestrator
	Push         *push.Manager
}

func Initialize(parent context.Context, cfg config.AppConfig, paths Paths) (*Runtime, error) {
	ctx, cancel := context.WithCancel(parent)
	rt := &Runtime{
		Ctx:    ctx,
		cancel: cancel,
		Paths:  paths,
		Config: cfg,
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		cancel()

		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	slog.Info("starting chatsync runtime")

	db, err := persistence.Open(ctx, paths.DBFile)
	if err != nil {
		_ = rt.Close()

		return nil, err
	}
	rt.DB = db
	rt.Session = persistence.NewSessionRepo(db)
	if _, _, err := rt.Session.Load(ctx); err != nil {
		_ = rt.Close()

		return nil, err
	}

	rt.Bus = bus.New(logMgr.Logger("bus"))

	token, _ := rt.Session.AccessToken()
	rt.Rest = rest.NewHTTPClient(cfg.Server.BaseURL, token, nil)

	rt.Orchestrator = syncer.New(logMgr.Logger("syncer"), rt.Bus, rt.Rest, cfg.Sync)
	rt.Orchestrator.Start(ctx)

	rt.Push = push.NewManager(logMgr.Logger("push"), rt.Bus, nil, rt.Session, rt.Rest, cfg.Push)

	return rt, nil
}

// Sender returns the notification sink matching user preferences.
func (r *Runtime) Sender() notifications.Sender {
	if r.Config.UI.DesktopToasts {
		return notifications.NewDesktopSender(r.LogManager.Logger("notifications"))
	}

	return notifications.NopSender{}
}

func (r *Runtime) Close() error {
	if r.Orchestrator != nil {
		r.Orchestrator.Flush()
	}
	if r.Push != nil {
		r.Push.Disconnect()
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.Bus != nil {
		r.Bus.Close()
	}
	var firstErr error
	if r.DB != nil {
		if err := r.DB.Close(); err != nil {
			firstErr = err
		}
	}
	if r.LogManager != nil {
		if err := r.LogManager.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
