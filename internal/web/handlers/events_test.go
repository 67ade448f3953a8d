package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/photo-tagger/internal/notify"
)

type sseEvent struct {
	name string
	data string
}

// readEvent returns the next event, skipping comment lines.
func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		case line == "" && ev.name != "":
			return ev
		}
	}
}

func TestEventsHandler_Stream(t *testing.T) {
	hub := notify.NewHub()
	h := NewEventsHandler(hub)
	h.heartbeat = 10 * time.Millisecond

	r := chi.NewRouter()
	r.Get("/api/v1/chats/{chatID}/events", h.Stream)
	server := httptest.NewServer(r)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/v1/chats/42/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("unexpected Content-Type %q", ct)
	}
	reader := bufio.NewReader(resp.Body)

	if ev := readEvent(t, reader); ev.name != "status" {
		t.Fatalf("expected status event, got %+v", ev)
	}

	hub.NotifyText(context.Background(), 7, "other chat")
	hub.NotifyPhoto(context.Background(), 42, "/data/photos/abc.jpg", "Sent by @A\nTagged: @B")

	ev := readEvent(t, reader)
	if ev.name != notify.EventPhoto {
		t.Fatalf("expected photo event, got %+v", ev)
	}
	var got notify.Event
	if err := json.Unmarshal([]byte(ev.data), &got); err != nil {
		t.Fatalf("bad event data %q: %v", ev.data, err)
	}
	if got.ChatID != 42 || got.File != "abc.jpg" || got.Caption != "Sent by @A\nTagged: @B" {
		t.Errorf("unexpected event %+v", got)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Listeners(42) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("listener not removed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventsHandler_InvalidChat(t *testing.T) {
	h := NewEventsHandler(notify.NewHub())
	req := requestWithChiParams(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"chatID": "abc"})
	rec := httptest.NewRecorder()

	h.Stream(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
