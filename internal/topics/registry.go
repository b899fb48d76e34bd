// Package topics tracks which logical topics the tab is subscribed to
// and multiplexes every inbound frame through the one shared
// connection. Subscriptions made while the transport is down are
// recorded as pending and replayed automatically on connect.
package topics

import (
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/shopwired/supportchat/internal/connmgr"
	"github.com/shopwired/supportchat/internal/wire"
)

// Handler receives every message frame delivered on one topic.
type Handler func(msg wire.ChatMessage)

type entry struct {
	id      string
	handler Handler
	wired   bool // a subscribe frame reached the wire on the current connection
}

// Registry owns the topic → handler table. At most one active
// subscription exists per topic key; re-subscribing replaces the
// handler without a second wire frame.
type Registry struct {
	conn *connmgr.Manager

	mu      sync.Mutex
	entries map[string]*entry
	nextID  int
}

// New wires the registry as the connection's frame dispatcher and
// starts replaying pending subscriptions on every connect.
func New(conn *connmgr.Manager) *Registry {
	r := &Registry{
		conn:    conn,
		entries: make(map[string]*entry),
	}
	conn.SetDispatch(r.dispatch)

	states, _ := conn.State().Subscribe()
	go func() {
		for up := range states {
			if up {
				r.flushPending()
			} else {
				r.markAllPending()
			}
		}
	}()
	return r
}

// Subscribe attaches handler to topic. Idempotent: if the topic already
// has an active subscription only the handler is replaced. While
// disconnected the subscription is pending and is issued on the next
// connect, so a topic opened before the socket finishes connecting is
// never lost.
func (r *Registry) Subscribe(topic string, handler Handler) {
	r.mu.Lock()
	e, ok := r.entries[topic]
	if ok {
		e.handler = handler
		r.mu.Unlock()
		return
	}
	r.nextID++
	e = &entry{id: "sub-" + strconv.Itoa(r.nextID), handler: handler}
	r.entries[topic] = e
	connected := r.conn.Connected()
	r.mu.Unlock()

	if connected {
		r.issue(topic, e)
	}
}

// Unsubscribe removes the registry entry and, when connected, issues a
// wire-level unsubscribe. Safe to call for a topic that was never
// subscribed.
func (r *Registry) Unsubscribe(topic string) {
	r.mu.Lock()
	e, ok := r.entries[topic]
	if ok {
		delete(r.entries, topic)
	}
	wired := ok && e.wired
	r.mu.Unlock()

	if !wired {
		return
	}
	if err := r.conn.Publish(wire.ClientFrame{Type: wire.FrameUnsubscribe, Topic: topic}); err != nil {
		log.Debug().Err(err).Str("topic", topic).Msg("unsubscribe not sent")
	}
}

// Subscribed reports whether topic has a registry entry (active or
// pending).
func (r *Registry) Subscribed(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[topic]
	return ok
}

// issue sends the wire-level subscribe frame for one entry.
func (r *Registry) issue(topic string, e *entry) {
	r.mu.Lock()
	if e.wired {
		r.mu.Unlock()
		return
	}
	id := e.id
	r.mu.Unlock()

	err := r.conn.Publish(wire.ClientFrame{Type: wire.FrameSubscribe, ID: id, Topic: topic})
	if err != nil {
		// Still pending; the next connect transition retries.
		log.Debug().Err(err).Str("topic", topic).Msg("subscribe deferred")
		return
	}
	r.mu.Lock()
	e.wired = true
	r.mu.Unlock()
}

// flushPending (re-)issues every entry not wired on the current
// connection.
func (r *Registry) flushPending() {
	r.mu.Lock()
	pending := make(map[string]*entry, len(r.entries))
	for topic, e := range r.entries {
		if !e.wired {
			pending[topic] = e
		}
	}
	r.mu.Unlock()

	for topic, e := range pending {
		r.issue(topic, e)
	}
}

// markAllPending retains every entry across a disconnect so the next
// connect re-establishes them.
func (r *Registry) markAllPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.wired = false
	}
}

// dispatch routes one inbound frame to exactly one handler by exact
// topic key. Unmatched frames are dropped with a diagnostic.
func (r *Registry) dispatch(f wire.ServerFrame) {
	switch f.Type {
	case wire.FrameMessage:
		r.mu.Lock()
		e, ok := r.entries[f.Topic]
		var handler Handler
		if ok {
			handler = e.handler
		}
		r.mu.Unlock()
		if handler == nil {
			log.Debug().Str("topic", f.Topic).Msg("dropping frame for unmatched topic")
			return
		}
		handler(*f.Message)
	case wire.FrameSubscribed:
		log.Debug().Str("topic", f.Topic).Msg("subscription confirmed")
	case wire.FrameError:
		log.Warn().Str("error", f.Error).Msg("server error frame")
	default:
		log.Debug().Str("type", f.Type).Msg("dropping unhandled frame type")
	}
}
