package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-chat/internal/models"
)

// fakeServer mimics the chat API closely enough to drive a Session end to end.
func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tkn" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		batch := []models.Message{canonical("m-1", "", 0), canonical("m-2", "", time.Second)}
		_ = conn.WriteJSON(models.BatchEvent(batch))

		for {
			var frame map[string]interface{}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			switch frame["type"] {
			case models.FrameSend:
				token, _ := frame["client_token"].(string)
				if frame["conversation_id"] == "broken" {
					_ = conn.WriteJSON(models.ErrorEvent(token, "STORAGE_FAILURE", "failed to persist message"))
					continue
				}
				msg := canonical("m-9", token, time.Hour)
				_ = conn.WriteJSON(models.AckEvent(msg))
				_ = conn.WriteJSON(models.ReceiptEvent(models.ReceiptRead, "c-1", []string{"m-9"}, base.Add(2*time.Hour)))
			case models.FramePing:
				_ = conn.WriteJSON(models.ChatEvent{Type: models.EventPong})
			}
		}
	})

	mux.HandleFunc("/conversations/c-1/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			page := []models.Message{canonical("m-0", "", -time.Second)}
			if r.URL.Query().Get("before") == "" {
				page = []models.Message{canonical("m-1", "", 0)}
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"messages": page})
		case http.MethodPost:
			var body struct {
				ClientToken string `json:"client_token"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"message": canonical("m-5", body.ClientToken, 5*time.Second)})
		}
	})
	mux.HandleFunc("/conversations/c-2/messages", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "failed to persist message", "code": "STORAGE_FAILURE"})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newSession(t *testing.T, server *httptest.Server) *Session {
	t.Helper()
	s, err := NewSession(server.URL, "tkn", models.Sender{ID: "alice", Name: "Alice"})
	require.NoError(t, err)
	return s
}

func TestSessionRoutesFramesToTimelines(t *testing.T) {
	server := fakeServer(t)
	s := newSession(t, server)

	events := make(chan models.ChatEvent, 16)
	s.OnEvent(func(e models.ChatEvent) { events <- e })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, events, models.EventBatch)
	assert.Equal(t, []string{"m-1", "m-2"}, ids(s.Timeline("c-1").Entries()))

	entry, err := s.Send("c-1", "bob", models.TextPayload("hello"))
	require.NoError(t, err)
	assert.Equal(t, StateSending, entry.State)

	waitFor(t, events, models.EventReceipt)
	entries := s.Timeline("c-1").Entries()
	require.Len(t, entries, 3)
	last := entries[2]
	assert.Equal(t, "m-9", last.ID)
	assert.Equal(t, StateSent, last.State)
	assert.True(t, last.IsRead)

	failed, err := s.Send("broken", "bob", models.TextPayload("x"))
	require.NoError(t, err)
	waitFor(t, events, models.EventError)
	assert.Equal(t, StateFailed, s.Timeline("broken").Entries()[0].State)

	retried, err := s.Retry("broken", failed.ClientToken)
	require.NoError(t, err)
	assert.NotEqual(t, failed.ClientToken, retried.ClientToken)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSessionConnectRejected(t *testing.T) {
	server := fakeServer(t)
	s, err := NewSession(server.URL, "wrong", models.Sender{ID: "alice"})
	require.NoError(t, err)
	assert.Error(t, s.Connect(context.Background()))
	assert.ErrorIs(t, s.Run(context.Background()), ErrNotConnected)
	assert.ErrorIs(t, s.Ping(), ErrNotConnected)
}

func TestSubmitHTTP(t *testing.T) {
	server := fakeServer(t)
	s := newSession(t, server)

	entry, err := s.SubmitHTTP(context.Background(), "c-1", "bob", models.TextPayload("hi"))
	require.NoError(t, err)
	assert.Equal(t, "m-5", entry.ID)
	require.Len(t, s.Timeline("c-1").Entries(), 1)
	assert.Equal(t, StateSent, s.Timeline("c-1").Entries()[0].State)

	_, err = s.SubmitHTTP(context.Background(), "c-2", "bob", models.TextPayload("hi"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "STORAGE_FAILURE", apiErr.Code)
	assert.Equal(t, StateFailed, s.Timeline("c-2").Entries()[0].State)
}

func TestLoadOlderPrepends(t *testing.T) {
	server := fakeServer(t)
	s := newSession(t, server)

	n, err := s.LoadOlder(context.Background(), "c-1", 30)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.LoadOlder(context.Background(), "c-1", 30)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"m-0", "m-1"}, ids(s.Timeline("c-1").Entries()))
}

func TestNewSessionRejectsBadScheme(t *testing.T) {
	_, err := NewSession("ftp://example.com", "t", models.Sender{})
	assert.Error(t, err)
}

func waitFor(t *testing.T, events <-chan models.ChatEvent, eventType string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == eventType {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventType)
		}
	}
}
