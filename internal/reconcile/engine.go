// Package reconcile merges optimistically-inserted local messages with
// server-confirmed messages arriving out of order, collapses
// duplicates, and keeps every conversation's display list sorted.
package reconcile

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shopwired/supportchat/internal/events"
	"github.com/shopwired/supportchat/internal/wire"
)

// ErrSessionClosed rejects local sends on a conversation whose session
// has ended. A new conversation must be started to chat again.
var ErrSessionClosed = errors.New("support session has ended")

// DefaultClosingText is appended when a SESSION_ENDED frame carries no
// server-provided closing message.
const DefaultClosingText = "This support session has ended."

// Message is the display form of a chat message. Temporary entries are
// local echoes not yet confirmed by the server and carry no MessageID.
type Message struct {
	ID               int64
	ConversationID   int64
	Sender           wire.SenderRole
	SenderIdentifier string
	Content          string
	CreatedAt        time.Time
	IsFromAdmin      bool
	Temporary        bool
	CorrelationID    string
}

// EventKind classifies the outcome of one ingest.
type EventKind int

const (
	// EventDropped: the frame was a duplicate (or otherwise produced no
	// visible change).
	EventDropped EventKind = iota
	// EventMessage: a message was inserted (possibly replacing a
	// temporary echo).
	EventMessage
	// EventSessionEnded: the conversation was closed and a synthetic
	// system message appended.
	EventSessionEnded
)

// Event is the result of ingesting one frame.
type Event struct {
	Kind           EventKind
	ConversationID int64
	Message        *Message
}

// Engine holds the per-conversation display lists. All methods are safe
// for concurrent use.
type Engine struct {
	window time.Duration
	stream *events.Stream[Event]

	mu      sync.Mutex
	lists   map[int64][]Message
	closed  map[int64]bool
	unread  map[int64]int
	viewing int64 // conversation currently on screen; 0 = none
}

// New creates an engine with the given duplicate-collapse window
// (2s per the protocol contract; configurable for tests).
func New(window time.Duration) *Engine {
	return &Engine{
		window: window,
		stream: events.NewStream[Event](),
		lists:  make(map[int64][]Message),
		closed: make(map[int64]bool),
		unread: make(map[int64]int),
	}
}

// Events is the ordered, de-duplicated display stream: one Event per
// visible mutation (inserts, optimistic echoes, session ends). Dropped
// duplicates never appear on it.
func (e *Engine) Events() *events.Stream[Event] { return e.stream }

// SetViewing marks the conversation currently open on screen. Messages
// for other conversations bump their unread counters.
func (e *Engine) SetViewing(conversationID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.viewing = conversationID
}

// AppendLocal inserts an optimistic local echo and returns it. The echo
// carries a fresh correlation id that the outbound publish must reuse
// so the confirmed frame can replace it exactly.
func (e *Engine) AppendLocal(conversationID int64, sender wire.SenderRole, identifier, content string) (Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed[conversationID] {
		return Message{}, ErrSessionClosed
	}
	m := Message{
		ConversationID:   conversationID,
		Sender:           sender,
		SenderIdentifier: identifier,
		Content:          content,
		CreatedAt:        time.Now(),
		IsFromAdmin:      sender.IsAdmin(),
		Temporary:        true,
		CorrelationID:    uuid.NewString(),
	}
	e.insertSorted(conversationID, m)
	e.stream.Publish(Event{Kind: EventMessage, ConversationID: conversationID, Message: &m})
	return m, nil
}

// Ingest applies one inbound message frame: session events close the
// conversation, confirmed messages replace their optimistic echo and
// are dropped when they duplicate an existing entry.
func (e *Engine) Ingest(msg wire.ChatMessage) Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.IsSessionEnded() {
		return e.ingestSessionEnd(msg)
	}

	m := Message{
		ID:               msg.MessageID,
		ConversationID:   msg.ConversationID,
		Sender:           msg.SenderType,
		SenderIdentifier: msg.SenderIdentifier,
		Content:          msg.Content,
		CreatedAt:        msg.CreatedAt,
		IsFromAdmin:      msg.SenderType.IsAdmin(),
		CorrelationID:    msg.CorrelationID,
	}

	e.removeTemporary(m)

	if e.isDuplicate(m) {
		log.Debug().Int64("conversationId", m.ConversationID).Msg("dropping duplicate message")
		return Event{Kind: EventDropped, ConversationID: m.ConversationID}
	}

	e.insertSorted(m.ConversationID, m)
	e.countUnread(msg)

	inserted := e.find(m.ConversationID, m)
	ev := Event{Kind: EventMessage, ConversationID: m.ConversationID, Message: inserted}
	e.stream.Publish(ev)
	return ev
}

// LoadHistory seeds a conversation from the REST history fetch. The
// input may be unsorted; each entry goes through the same
// dedup/replacement path as live frames, so history overlapping frames
// that already arrived live collapses cleanly.
func (e *Engine) LoadHistory(conversationID int64, history []wire.ChatMessage) {
	for _, msg := range history {
		if msg.ConversationID == 0 {
			msg.ConversationID = conversationID
		}
		e.Ingest(msg)
	}
}

// Messages returns a copy of the conversation's display list, sorted
// ascending by CreatedAt.
func (e *Engine) Messages(conversationID int64) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.lists[conversationID]
	out := make([]Message, len(list))
	copy(out, list)
	return out
}

// Closed reports whether the conversation's session has ended.
func (e *Engine) Closed(conversationID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed[conversationID]
}

// Close marks a conversation closed locally (explicit user close; the
// server emits SESSION_ENDED for the other side).
func (e *Engine) Close(conversationID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed[conversationID] = true
}

// Unread returns the unread counter for a conversation.
func (e *Engine) Unread(conversationID int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unread[conversationID]
}

// MarkRead zeroes the unread counter.
func (e *Engine) MarkRead(conversationID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unread[conversationID] = 0
}

// ingestSessionEnd closes the conversation and appends the synthetic
// closing message at the current tail. It is never deduplicated and
// never reordered: its timestamp is clamped to the tail so the sort
// invariant holds without moving it.
func (e *Engine) ingestSessionEnd(msg wire.ChatMessage) Event {
	id := msg.ConversationID
	e.closed[id] = true

	text := msg.Content
	if text == "" {
		text = DefaultClosingText
	}
	at := msg.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	if list := e.lists[id]; len(list) > 0 {
		if tail := list[len(list)-1].CreatedAt; at.Before(tail) {
			at = tail
		}
	}
	m := Message{
		ConversationID: id,
		Sender:         wire.RoleSystem,
		Content:        text,
		CreatedAt:      at,
	}
	e.lists[id] = append(e.lists[id], m)
	ev := Event{Kind: EventSessionEnded, ConversationID: id, Message: &m}
	e.stream.Publish(ev)
	return ev
}

// removeTemporary deletes the optimistic echo matching a confirmed
// message: exact match on the echoed correlation id when present,
// best-effort content match otherwise (the echo has no server id to
// match on).
func (e *Engine) removeTemporary(m Message) {
	list := e.lists[m.ConversationID]
	idx := -1
	if m.CorrelationID != "" {
		for i, x := range list {
			if x.Temporary && x.CorrelationID == m.CorrelationID {
				idx = i
				break
			}
		}
	} else {
		want := wire.NormalizeContent(m.Content)
		for i, x := range list {
			if x.Temporary && wire.NormalizeContent(x.Content) == want {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return
	}
	e.lists[m.ConversationID] = append(list[:idx], list[idx+1:]...)
}

// isDuplicate applies the collapse rule: an existing non-temporary
// message with identical normalized content, sender role and admin
// flag, within the window, makes the new one a duplicate. The window
// tolerates clock skew between the optimistic echo and the server
// timestamp.
func (e *Engine) isDuplicate(m Message) bool {
	want := wire.NormalizeContent(m.Content)
	for _, x := range e.lists[m.ConversationID] {
		if x.Temporary {
			continue
		}
		if x.Sender != m.Sender || x.IsFromAdmin != m.IsFromAdmin {
			continue
		}
		if wire.NormalizeContent(x.Content) != want {
			continue
		}
		d := m.CreatedAt.Sub(x.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= e.window {
			return true
		}
	}
	return false
}

// insertSorted places m at its ascending-CreatedAt position. Equal
// timestamps keep arrival order.
func (e *Engine) insertSorted(conversationID int64, m Message) {
	list := e.lists[conversationID]
	i := sort.Search(len(list), func(i int) bool {
		return list[i].CreatedAt.After(m.CreatedAt)
	})
	list = append(list, Message{})
	copy(list[i+1:], list[i:])
	list[i] = m
	e.lists[conversationID] = list
}

// countUnread bumps the counter for conversations not currently on
// screen. A server-computed unreadCount on the payload wins over local
// increments, avoiding double counting when the same event arrives on
// both the conversation topic and the personal queue.
func (e *Engine) countUnread(msg wire.ChatMessage) {
	if msg.ConversationID == e.viewing {
		return
	}
	if msg.UnreadCount != nil {
		e.unread[msg.ConversationID] = *msg.UnreadCount
		return
	}
	e.unread[msg.ConversationID]++
}

// find locates the inserted copy of m in the conversation list.
func (e *Engine) find(conversationID int64, m Message) *Message {
	list := e.lists[conversationID]
	for i := range list {
		x := &list[i]
		if x.Temporary {
			continue
		}
		if x.CreatedAt.Equal(m.CreatedAt) && x.Content == m.Content && x.Sender == m.Sender {
			out := *x
			return &out
		}
	}
	return nil
}
