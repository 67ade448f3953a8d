package notify

import (
	"context"
	"path/filepath"
	"sync"
	"time"
)

// EventChannelBuffer is the per-subscriber event buffer; slow subscribers miss events.
const EventChannelBuffer = 100

// Event types published by the Hub.
const (
	EventText  = "text"
	EventPhoto = "photo"
)

// Event is one notification addressed to a chat.
type Event struct {
	Type    string    `json:"type"`
	ChatID  int64     `json:"chat_id"`
	Text    string    `json:"text,omitempty"`
	File    string    `json:"file,omitempty"`
	Caption string    `json:"caption,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// Hub fans notifications out to in-process subscribers of each chat, used by
// the SSE endpoint when no webhook frontend is configured. It never fails;
// events for chats without subscribers are discarded.
type Hub struct {
	mu        sync.RWMutex
	listeners map[int64][]chan Event
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{listeners: make(map[int64][]chan Event)}
}

// AddListener subscribes to the events of one chat.
func (h *Hub) AddListener(chatID int64) chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Event, EventChannelBuffer)
	h.listeners[chatID] = append(h.listeners[chatID], ch)
	return ch
}

// RemoveListener unsubscribes and closes ch.
func (h *Hub) RemoveListener(chatID int64, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	listeners := h.listeners[chatID]
	for i, listener := range listeners {
		if listener == ch {
			h.listeners[chatID] = append(listeners[:i], listeners[i+1:]...)
			if len(h.listeners[chatID]) == 0 {
				delete(h.listeners, chatID)
			}
			close(ch)
			return
		}
	}
}

// Listeners returns the number of subscribers of a chat.
func (h *Hub) Listeners(chatID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners[chatID])
}

// SendEvent delivers event to every subscriber of its chat.
func (h *Hub) SendEvent(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, listener := range h.listeners[event.ChatID] {
		select {
		case listener <- event:
		default:
			// Listener buffer full, skip.
		}
	}
}

// NotifyText implements Notifier.
func (h *Hub) NotifyText(_ context.Context, chatID int64, text string) error {
	h.SendEvent(Event{Type: EventText, ChatID: chatID, Text: text, SentAt: time.Now().UTC()})
	return nil
}

// NotifyPhoto implements Notifier. Subscribers get the stored file name,
// which the web frontend serves under /api/v1/files/.
func (h *Hub) NotifyPhoto(_ context.Context, chatID int64, photoPath, caption string) error {
	h.SendEvent(Event{Type: EventPhoto, ChatID: chatID, File: filepath.Base(photoPath), Caption: caption, SentAt: time.Now().UTC()})
	return nil
}
