// Package restapi is the client for the REST collaborator endpoints
// the messaging core depends on. The backend owns conversations; this
// client only reads and transitions them.
package restapi

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/shopwired/supportchat/internal/wire"
)

// Conversation kinds.
const (
	KindChat   = "CHAT"
	KindTicket = "TICKET"
)

// Conversation statuses.
const (
	StatusOpen       = "OPEN"
	StatusInProgress = "IN_PROGRESS"
	StatusClosed     = "CLOSED"
)

// Conversation is the backend's read view of a support interaction.
type Conversation struct {
	ID            int64     `json:"id"`
	Kind          string    `json:"kind"`
	Status        string    `json:"status"`
	ParticipantID string    `json:"participantId"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	UnreadCount   int       `json:"unreadCount"`
}

// Closed reports whether the conversation can no longer be resumed.
func (c *Conversation) Closed() bool { return c.Status == StatusClosed }

// Client wraps the REST endpoints with bearer auth and an explicit
// per-request timeout.
type Client struct {
	http *resty.Client
}

// New creates a client for the given API base URL.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
	}
}

// SetCredential installs the bearer token for subsequent requests. An
// empty token clears it (guest traffic).
func (c *Client) SetCredential(token string) {
	c.http.SetAuthToken(token)
}

type openRequest struct {
	ParticipantID string `json:"participantId"`
	Guest         bool   `json:"guest"`
	Kind          string `json:"kind"`
}

// OpenConversation creates a chat conversation, or returns the existing
// open one for the participant — the server is idempotent on an open
// conversation.
func (c *Client) OpenConversation(ctx context.Context, participantID string, guest bool) (*Conversation, error) {
	var conv Conversation
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(openRequest{ParticipantID: participantID, Guest: guest, Kind: KindChat}).
		SetResult(&conv).
		Post("/support/conversations")
	if err := checkResp(resp, err, "open conversation"); err != nil {
		return nil, err
	}
	log.Info().Int64("conversationId", conv.ID).Str("status", conv.Status).Msg("conversation opened")
	return &conv, nil
}

// Conversation fetches one conversation by id.
func (c *Client) Conversation(ctx context.Context, id int64) (*Conversation, error) {
	var conv Conversation
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&conv).
		Get(fmt.Sprintf("/support/conversations/%d", id))
	if err := checkResp(resp, err, "fetch conversation"); err != nil {
		return nil, err
	}
	return &conv, nil
}

// Messages fetches the message history for a conversation. The backend
// is expected to return ascending order, but callers must tolerate
// unsorted input; the reconciliation engine re-sorts regardless.
func (c *Client) Messages(ctx context.Context, id int64) ([]wire.ChatMessage, error) {
	var msgs []wire.ChatMessage
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&msgs).
		Get(fmt.Sprintf("/support/conversations/%d/messages", id))
	if err := checkResp(resp, err, "fetch history"); err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkRead clears the server-side unread counter for a conversation.
func (c *Client) MarkRead(ctx context.Context, id int64) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Post(fmt.Sprintf("/support/conversations/%d/read", id))
	return checkResp(resp, err, "mark read")
}

// CloseConversation ends the support session.
func (c *Client) CloseConversation(ctx context.Context, id int64) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Post(fmt.Sprintf("/support/conversations/%d/close", id))
	return checkResp(resp, err, "close conversation")
}

// MyTickets lists the caller's support conversations, newest first.
func (c *Client) MyTickets(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&convs).
		Get("/support/conversations")
	if err := checkResp(resp, err, "list tickets"); err != nil {
		return nil, err
	}
	return convs, nil
}

func checkResp(resp *resty.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%s: status %s: %s", op, resp.Status(), resp.String())
	}
	return nil
}
