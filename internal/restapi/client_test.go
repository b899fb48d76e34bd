package restapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestOpenConversationSendsParticipant(t *testing.T) {
	var gotBody map[string]any
	var gotAuth string
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/support/conversations" {
			t.Errorf("request = %s %s, want POST /support/conversations", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 12, "kind": "CHAT", "status": "OPEN"}`))
	}))
	defer hs.Close()

	c := New(hs.URL, 2*time.Second)
	c.SetCredential("tok-1")
	conv, err := c.OpenConversation(context.Background(), "guest-9", true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if conv.ID != 12 || conv.Status != StatusOpen {
		t.Fatalf("conv = %+v, want id 12 OPEN", conv)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("auth header = %q, want bearer token", gotAuth)
	}
	if gotBody["participantId"] != "guest-9" || gotBody["guest"] != true || gotBody["kind"] != KindChat {
		t.Fatalf("body = %v, want participant, guest flag and CHAT kind", gotBody)
	}
}

func TestMessagesDecodesHistory(t *testing.T) {
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/support/conversations/3/messages" {
			t.Errorf("path = %s, want /support/conversations/3/messages", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"messageId": 1, "conversationId": 3, "senderType": "USER", "content": "hi", "createdAt": "2026-08-31T10:00:00Z"},
			{"messageId": 2, "conversationId": 3, "senderType": "CSKH", "content": "hello", "createdAt": "2026-08-31T10:00:05Z"}
		]`))
	}))
	defer hs.Close()

	c := New(hs.URL, 2*time.Second)
	msgs, err := c.Messages(context.Background(), 3)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("%d messages, want 2", len(msgs))
	}
	if msgs[1].SenderType != "CSKH" || !msgs[1].SenderType.IsAdmin() {
		t.Fatalf("msgs[1] = %+v, want an admin sender", msgs[1])
	}
}

func TestErrorStatusSurfaces(t *testing.T) {
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "conversation gone", http.StatusNotFound)
	}))
	defer hs.Close()

	c := New(hs.URL, 2*time.Second)
	_, err := c.Conversation(context.Background(), 99)
	if err == nil {
		t.Fatal("expected an error for 404")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Fatalf("err = %v, want the status surfaced", err)
	}
}

func TestConversationClosed(t *testing.T) {
	cases := []struct {
		status string
		want   bool
	}{
		{StatusOpen, false},
		{StatusInProgress, false},
		{StatusClosed, true},
	}
	for _, tc := range cases {
		c := Conversation{Status: tc.status}
		if got := c.Closed(); got != tc.want {
			t.Errorf("Closed() with %s = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestCloseConversationHitsEndpoint(t *testing.T) {
	var gotPath string
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hs.Close()

	c := New(hs.URL, 2*time.Second)
	if err := c.CloseConversation(context.Background(), 7); err != nil {
		t.Fatalf("close: %v", err)
	}
	if gotPath != "POST /support/conversations/7/close" {
		t.Fatalf("request = %q, want POST /support/conversations/7/close", gotPath)
	}
}
