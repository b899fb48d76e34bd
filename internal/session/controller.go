// Package session drives the per-conversation state machine: menu,
// active chat, closed, and ticket-history browsing. It coordinates the
// REST history load with the live subscription and owns the persisted
// active-conversation reference that survives reloads.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/shopwired/supportchat/internal/connmgr"
	"github.com/shopwired/supportchat/internal/reconcile"
	"github.com/shopwired/supportchat/internal/restapi"
	"github.com/shopwired/supportchat/internal/store"
	"github.com/shopwired/supportchat/internal/topics"
	"github.com/shopwired/supportchat/internal/wire"
)

// State of the controller.
type State int

const (
	Menu State = iota
	ActiveChat
	Closed
	History
)

func (s State) String() string {
	switch s {
	case Menu:
		return "menu"
	case ActiveChat:
		return "active"
	case Closed:
		return "closed"
	case History:
		return "history"
	}
	return "unknown"
}

// ErrConfirmRequired is returned when closing an active chat without
// explicit confirmation; ending a session is destructive.
var ErrConfirmRequired = errors.New("closing an active chat requires confirmation")

// ErrNoConversation is returned when an operation needs an active
// conversation and none exists (or none was persisted to restore).
var ErrNoConversation = errors.New("no active conversation")

const ticketCacheKey = "mytickets"

// Identity is the participant on this side of the conversation.
type Identity struct {
	Identifier string
	Role       wire.SenderRole
	Guest      bool
}

// GuestIdentity loads the stable anonymous session id from the store,
// generating and persisting one on first use. It survives reloads but
// is never shared across devices.
func GuestIdentity(st *store.Store) (Identity, error) {
	id, ok, err := st.Get(store.KeyGuestSessionID)
	if err != nil {
		return Identity{}, err
	}
	if !ok {
		id = uuid.NewString()
		if err := st.Set(store.KeyGuestSessionID, id); err != nil {
			return Identity{}, err
		}
		log.Info().Str("guestId", id).Msg("generated guest session id")
	}
	return Identity{Identifier: id, Role: wire.RoleGuest, Guest: true}, nil
}

// Controller owns the session state machine for one tab.
type Controller struct {
	rest     *restapi.Client
	conn     *connmgr.Manager
	reg      *topics.Registry
	eng      *reconcile.Engine
	st       *store.Store
	views    *gocache.Cache
	identity Identity

	mu    sync.Mutex
	state State
	conv  *restapi.Conversation
	epoch int // bumped on every conversation switch; guards stale REST responses
}

// NewController wires a controller for the given identity.
func NewController(rest *restapi.Client, conn *connmgr.Manager, reg *topics.Registry, eng *reconcile.Engine, st *store.Store, identity Identity) *Controller {
	return &Controller{
		rest:     rest,
		conn:     conn,
		reg:      reg,
		eng:      eng,
		st:       st,
		views:    gocache.New(30*time.Second, time.Minute),
		identity: identity,
		state:    Menu,
	}
}

// Start subscribes the personal queue so direct notifications and
// own-message confirmations reach the engine even with no conversation
// open.
func (c *Controller) Start() {
	c.reg.Subscribe(wire.UserQueueTopic(c.identity.Identifier), c.onFrame)
}

// State returns the current machine state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActiveConversation returns a copy of the active conversation view,
// or nil.
func (c *Controller) ActiveConversation() *restapi.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv == nil {
		return nil
	}
	out := *c.conv
	return &out
}

// Messages returns the display list for the active conversation.
func (c *Controller) Messages() []reconcile.Message {
	c.mu.Lock()
	conv := c.conv
	c.mu.Unlock()
	if conv == nil {
		return nil
	}
	return c.eng.Messages(conv.ID)
}

// OpenChat transitions Menu → ActiveChat. An existing non-closed
// conversation is resumed (server lookup for authenticated identities,
// persisted reference for guests) before a new one is ever created, so
// a second "start chat" never duplicates an open conversation.
func (c *Controller) OpenChat(ctx context.Context) error {
	c.mu.Lock()
	if c.state == ActiveChat && c.conv != nil {
		c.mu.Unlock()
		return nil
	}
	identity := c.identity
	c.mu.Unlock()

	conv, err := c.findExisting(ctx)
	if err != nil {
		// Best-effort mitigation of the duplicate-creation race; the
		// server stays the authority.
		log.Warn().Err(err).Msg("existing-conversation lookup failed, creating")
	}
	if conv == nil {
		conv, err = c.rest.OpenConversation(ctx, identity.Identifier, identity.Guest)
		if err != nil {
			return fmt.Errorf("cannot start chat: %w", err)
		}
	}
	return c.enterActive(ctx, conv)
}

// Resume re-enters a conversation from the history list. A closed
// conversation surfaces its state immediately instead of resuming.
func (c *Controller) Resume(ctx context.Context, id int64) error {
	conv, err := c.conversationView(ctx, id)
	if err != nil {
		return err
	}
	if conv.Closed() {
		c.mu.Lock()
		c.conv = conv
		c.state = Closed
		c.mu.Unlock()
		return reconcile.ErrSessionClosed
	}
	return c.enterActive(ctx, conv)
}

// Restore resumes the conversation persisted before a reload. With
// nothing persisted it returns ErrNoConversation and the controller
// stays in Menu. A conversation found closed server-side surfaces
// Closed immediately without resubscribing.
func (c *Controller) Restore(ctx context.Context) error {
	raw, ok, err := c.st.Get(store.KeyActiveConversation)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoConversation
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		_ = c.st.Delete(store.KeyActiveConversation)
		return ErrNoConversation
	}
	conv, err := c.rest.Conversation(ctx, id)
	if err != nil {
		return fmt.Errorf("restore conversation: %w", err)
	}
	if conv.Closed() {
		c.mu.Lock()
		c.conv = conv
		c.state = Closed
		c.mu.Unlock()
		c.eng.Close(conv.ID)
		_ = c.st.Delete(store.KeyActiveConversation)
		return nil
	}
	return c.enterActive(ctx, conv)
}

// Send publishes a message on the active conversation after inserting
// the optimistic local echo. A closed session rejects the send locally:
// no outbound frame leaves the tab.
func (c *Controller) Send(content string) error {
	c.mu.Lock()
	conv := c.conv
	state := c.state
	identity := c.identity
	c.mu.Unlock()
	if conv == nil {
		return ErrNoConversation
	}
	if state == Closed {
		return reconcile.ErrSessionClosed
	}
	if state != ActiveChat {
		return ErrNoConversation
	}

	m, err := c.eng.AppendLocal(conv.ID, identity.Role, identity.Identifier, content)
	if err != nil {
		return err
	}

	dest := wire.DestSendMessage
	if identity.Role.IsAdmin() {
		dest = wire.DestReplyAsSupport
	}
	err = c.conn.Publish(wire.ClientFrame{
		Type:           wire.FrameSend,
		Destination:    dest,
		ConversationID: conv.ID,
		Content:        content,
		CorrelationID:  m.CorrelationID,
	})
	if err != nil {
		log.Warn().Err(err).Int64("conversationId", conv.ID).Msg("send not published")
		return err
	}
	return nil
}

// Close ends the active session. While ActiveChat the caller must pass
// confirm=true; ending a session is not undoable.
func (c *Controller) Close(ctx context.Context, confirm bool) error {
	c.mu.Lock()
	conv := c.conv
	state := c.state
	c.mu.Unlock()
	if conv == nil {
		return ErrNoConversation
	}
	if state == ActiveChat && !confirm {
		return ErrConfirmRequired
	}

	if err := c.rest.CloseConversation(ctx, conv.ID); err != nil {
		return fmt.Errorf("cannot close conversation: %w", err)
	}

	c.eng.Close(conv.ID)
	c.reg.Unsubscribe(wire.ConversationTopic(conv.ID))
	_ = c.st.Delete(store.KeyActiveConversation)
	c.views.Delete(ticketCacheKey)

	c.mu.Lock()
	c.state = Closed
	if c.conv != nil {
		c.conv.Status = restapi.StatusClosed
	}
	c.mu.Unlock()
	return nil
}

// History lists the caller's past conversations (read-only browse).
// The list is cached briefly; Resume re-enters any non-closed entry.
func (c *Controller) History(ctx context.Context) ([]restapi.Conversation, error) {
	c.mu.Lock()
	if c.state != ActiveChat {
		c.state = History
	}
	c.mu.Unlock()

	if v, ok := c.views.Get(ticketCacheKey); ok {
		return v.([]restapi.Conversation), nil
	}
	list, err := c.rest.MyTickets(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot list tickets: %w", err)
	}
	c.views.Set(ticketCacheKey, list, gocache.DefaultExpiration)
	return list, nil
}

// WatchSupportBroadcast routes admin-facing new-conversation alerts to
// fn. Only meaningful for support-staff identities.
func (c *Controller) WatchSupportBroadcast(fn func(wire.ChatMessage)) {
	if !c.identity.Role.IsAdmin() {
		return
	}
	c.reg.Subscribe(wire.SupportBroadcastTopic, func(msg wire.ChatMessage) {
		c.eng.Ingest(msg)
		fn(msg)
	})
}

// WatchNotifications routes general user-facing broadcasts to fn.
func (c *Controller) WatchNotifications(fn func(wire.ChatMessage)) {
	c.reg.Subscribe(wire.NotificationsTopic, fn)
}

// enterActive performs the ActiveChat entry sequence. The live
// subscription is attached BEFORE the history fetch starts: a message
// arriving in the gap between history completion and subscribe start
// would otherwise be lost, and the engine dedups any overlap between
// live frames and history.
func (c *Controller) enterActive(ctx context.Context, conv *restapi.Conversation) error {
	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	if c.conv != nil && c.conv.ID != conv.ID {
		c.reg.Unsubscribe(wire.ConversationTopic(c.conv.ID))
	}
	c.conv = conv
	c.state = ActiveChat
	c.mu.Unlock()

	c.reg.Subscribe(wire.ConversationTopic(conv.ID), c.onFrame)
	c.eng.SetViewing(conv.ID)

	history, err := c.rest.Messages(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	// A response that raced a conversation switch must not touch the
	// current view.
	c.mu.Lock()
	stale := c.epoch != epoch || c.conv == nil || c.conv.ID != conv.ID
	c.mu.Unlock()
	if stale {
		log.Debug().Int64("conversationId", conv.ID).Msg("discarding stale history response")
		return nil
	}

	c.eng.LoadHistory(conv.ID, history)
	if err := c.rest.MarkRead(ctx, conv.ID); err != nil {
		log.Warn().Err(err).Int64("conversationId", conv.ID).Msg("mark-read failed")
	}
	c.eng.MarkRead(conv.ID)

	if err := c.st.Set(store.KeyActiveConversation, strconv.FormatInt(conv.ID, 10)); err != nil {
		log.Warn().Err(err).Msg("persisting active conversation failed")
	}
	log.Info().Int64("conversationId", conv.ID).Int("history", len(history)).Msg("entered active chat")
	return nil
}

// onFrame feeds inbound frames to the engine, reacting to session-end
// events for the active conversation.
func (c *Controller) onFrame(msg wire.ChatMessage) {
	ev := c.eng.Ingest(msg)
	if ev.Kind != reconcile.EventSessionEnded {
		return
	}
	c.mu.Lock()
	active := c.conv != nil && c.conv.ID == ev.ConversationID
	if active {
		c.state = Closed
		c.conv.Status = restapi.StatusClosed
	}
	c.mu.Unlock()
	if active {
		_ = c.st.Delete(store.KeyActiveConversation)
		log.Info().Int64("conversationId", ev.ConversationID).Msg("session ended by server")
	}
}

// findExisting locates a resumable conversation before creating one:
// authenticated identities ask the server, guests check the persisted
// reference.
func (c *Controller) findExisting(ctx context.Context) (*restapi.Conversation, error) {
	if c.identity.Guest {
		raw, ok, err := c.st.Get(store.KeyActiveConversation)
		if err != nil || !ok {
			return nil, err
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			_ = c.st.Delete(store.KeyActiveConversation)
			return nil, nil
		}
		conv, err := c.rest.Conversation(ctx, id)
		if err != nil {
			return nil, err
		}
		if conv.Closed() {
			_ = c.st.Delete(store.KeyActiveConversation)
			return nil, nil
		}
		return conv, nil
	}

	convs, err := c.rest.MyTickets(ctx)
	if err != nil {
		return nil, err
	}
	for i := range convs {
		if convs[i].Kind == restapi.KindChat && !convs[i].Closed() {
			return &convs[i], nil
		}
	}
	return nil, nil
}

// conversationView fetches a conversation through the short-lived
// read-view cache.
func (c *Controller) conversationView(ctx context.Context, id int64) (*restapi.Conversation, error) {
	key := "conv:" + strconv.FormatInt(id, 10)
	if v, ok := c.views.Get(key); ok {
		conv := v.(restapi.Conversation)
		return &conv, nil
	}
	conv, err := c.rest.Conversation(ctx, id)
	if err != nil {
		return nil, err
	}
	c.views.Set(key, *conv, gocache.DefaultExpiration)
	return conv, nil
}
