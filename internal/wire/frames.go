// Package wire defines the frame model for the support-chat pub/sub
// protocol: JSON text frames over a persistent WebSocket connection,
// addressed by topic.
package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SenderRole identifies who authored a message.
type SenderRole string

const (
	RoleUser   SenderRole = "USER"
	RoleAdmin  SenderRole = "ADMIN"
	RoleCSKH   SenderRole = "CSKH"
	RoleSystem SenderRole = "SYSTEM"
	RoleGuest  SenderRole = "GUEST"
)

// IsAdmin reports whether the role belongs to support staff.
func (r SenderRole) IsAdmin() bool {
	return r == RoleAdmin || r == RoleCSKH
}

// Frame types exchanged on the socket.
const (
	FrameConnect     = "connect"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameSend        = "send"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameSubscribed  = "subscribed"
	FrameMessage     = "message"
	FrameError       = "error"
)

// EventSessionEnded marks a message frame that carries a session-close
// event instead of chat content.
const EventSessionEnded = "SESSION_ENDED"

// Outbound destinations.
const (
	DestSendMessage    = "send-message"
	DestReplyAsSupport = "reply-as-support"
)

// Broadcast topics.
const (
	SupportBroadcastTopic = "support.conversations"
	NotificationsTopic    = "notifications"
)

// ConversationTopic is the per-conversation live topic.
func ConversationTopic(conversationID int64) string {
	return "conversation." + strconv.FormatInt(conversationID, 10)
}

// UserQueueTopic is the per-identity private queue for direct
// notifications and own-message confirmations.
func UserQueueTopic(identifier string) string {
	return "queue.user." + identifier
}

// ChatMessage is the payload of a "message" frame. MessageID is absent
// for frames that have not been persisted server-side; CorrelationID is
// echoed back from the outbound send frame when the server supports it.
type ChatMessage struct {
	MessageID        int64      `json:"messageId,omitempty"`
	ConversationID   int64      `json:"conversationId"`
	SenderType       SenderRole `json:"senderType"`
	SenderIdentifier string     `json:"senderIdentifier,omitempty"`
	Content          string     `json:"content"`
	CreatedAt        time.Time  `json:"createdAt"`
	CorrelationID    string     `json:"correlationId,omitempty"`
	Type             string     `json:"type,omitempty"` // "message" (default) or SESSION_ENDED
	UnreadCount      *int       `json:"unreadCount,omitempty"`
}

// IsSessionEnded reports whether the frame is a session-lifecycle event
// rather than displayable chat content.
func (m ChatMessage) IsSessionEnded() bool {
	return m.Type == EventSessionEnded
}

// ClientFrame is a frame sent by this client to the server.
type ClientFrame struct {
	Type           string `json:"type"`
	ID             string `json:"id,omitempty"`
	Topic          string `json:"topic,omitempty"`
	Destination    string `json:"destination,omitempty"`
	ConversationID int64  `json:"conversationId,omitempty"`
	Content        string `json:"content,omitempty"`
	CorrelationID  string `json:"correlationId,omitempty"`
}

// ServerFrame is a frame received from the server.
type ServerFrame struct {
	Type    string       `json:"type"`
	ID      string       `json:"id,omitempty"`
	Topic   string       `json:"topic,omitempty"`
	Error   string       `json:"error,omitempty"`
	Message *ChatMessage `json:"message,omitempty"`
}

// ParseServerFrame decodes and validates one inbound frame. A malformed
// frame yields an error and must be dropped by the caller; it never
// propagates further into the pipeline.
func ParseServerFrame(data []byte) (ServerFrame, error) {
	var f ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ServerFrame{}, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Type == "" {
		return ServerFrame{}, fmt.Errorf("frame missing type")
	}
	if f.Type == FrameMessage {
		if f.Topic == "" {
			return ServerFrame{}, fmt.Errorf("message frame missing topic")
		}
		if f.Message == nil {
			return ServerFrame{}, fmt.Errorf("message frame missing payload")
		}
	}
	return f, nil
}

// NormalizeContent collapses whitespace for content comparison during
// deduplication and optimistic replacement.
func NormalizeContent(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
