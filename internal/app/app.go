// Package app assembles the messaging core for one tab: one store, one
// tab coordinator, one connection, one registry, one engine, one
// session controller — constructed here once and injected everywhere,
// never reached as globals.
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/shopwired/supportchat/internal/config"
	"github.com/shopwired/supportchat/internal/connmgr"
	"github.com/shopwired/supportchat/internal/reconcile"
	"github.com/shopwired/supportchat/internal/restapi"
	"github.com/shopwired/supportchat/internal/session"
	"github.com/shopwired/supportchat/internal/store"
	"github.com/shopwired/supportchat/internal/tabs"
	"github.com/shopwired/supportchat/internal/topics"
	"github.com/shopwired/supportchat/internal/wire"
)

// App owns the process-wide component instances and their lifecycle.
type App struct {
	cfg  *config.Config
	st   *store.Store
	tabs *tabs.Coordinator
	conn *connmgr.Manager
	reg  *topics.Registry
	eng  *reconcile.Engine
	rest *restapi.Client
	ctrl *session.Controller

	cancel context.CancelFunc
}

// New builds the component graph. With a credential the identity is the
// authenticated user (or support staff); without one a persistent guest
// identity is used.
func New(cfg *config.Config, credential, userID string, admin bool) (*App, error) {
	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return nil, err
	}

	if credential != "" {
		if err := st.Set(store.KeyCredential, credential); err != nil {
			return nil, err
		}
	} else {
		// A credential persisted by another tab keeps this one
		// authenticated.
		credential, _, err = st.Get(store.KeyCredential)
		if err != nil {
			return nil, err
		}
	}

	var identity session.Identity
	switch {
	case credential == "":
		identity, err = session.GuestIdentity(st)
		if err != nil {
			return nil, err
		}
	case admin:
		identity = session.Identity{Identifier: userID, Role: wire.RoleCSKH}
	default:
		identity = session.Identity{Identifier: userID, Role: wire.RoleUser}
	}
	if identity.Identifier == "" {
		return nil, fmt.Errorf("authenticated identity requires a user id")
	}

	conn := connmgr.New(connmgr.Config{
		URL:               cfg.WSURL,
		ReconnectDelay:    cfg.ReconnectDelay,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	reg := topics.New(conn)
	eng := reconcile.New(cfg.DedupWindow)
	rest := restapi.New(cfg.APIBaseURL, cfg.RESTTimeout)
	rest.SetCredential(credential)

	return &App{
		cfg:  cfg,
		st:   st,
		tabs: tabs.New(st),
		conn: conn,
		reg:  reg,
		eng:  eng,
		rest: rest,
		ctrl: session.NewController(rest, conn, reg, eng, st, identity),
	}, nil
}

// Start registers the tab, brings the connection up and begins watching
// the shared store so a credential cleared by another tab tears this
// connection down too.
func (a *App) Start() error {
	if err := a.tabs.Register(); err != nil {
		return err
	}

	credential, _, err := a.st.Get(store.KeyCredential)
	if err != nil {
		return err
	}
	a.conn.Connect(credential)
	a.ctrl.Start()

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	changes, err := a.st.Watch(ctx)
	if err != nil {
		cancel()
		return err
	}
	go a.watchCredential(ctx, changes, credential != "")

	log.Info().Str("tabId", a.tabs.TabID()).Msg("supportchat started")
	return nil
}

// Stop tears the tab down. reloading marks a transient teardown that
// must preserve the shared credential.
func (a *App) Stop(reloading bool) {
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.tabs.Deregister(reloading); err != nil {
		log.Warn().Err(err).Msg("tab deregistration failed")
	}
	a.conn.Disconnect()
}

// Controller exposes the session controller for the UI layer.
func (a *App) Controller() *session.Controller { return a.ctrl }

// Engine exposes the reconciliation engine (display stream, unread
// counters).
func (a *App) Engine() *reconcile.Engine { return a.eng }

// Connection exposes the connection manager (state stream).
func (a *App) Connection() *connmgr.Manager { return a.conn }

// Tabs exposes the multi-tab coordinator.
func (a *App) Tabs() *tabs.Coordinator { return a.tabs }

// watchCredential disconnects when the shared credential disappears —
// the auth-layer cascade of the last-tab-closed policy, observed here
// through store change events.
func (a *App) watchCredential(ctx context.Context, changes <-chan struct{}, hadCredential bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			_, present, err := a.st.Get(store.KeyCredential)
			if err != nil {
				continue
			}
			if hadCredential && !present {
				log.Info().Msg("credential cleared elsewhere, disconnecting")
				a.conn.Disconnect()
				hadCredential = false
			}
		}
	}
}
