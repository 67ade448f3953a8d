package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kozaktomas/photo-tagger/internal/constants"
	"github.com/kozaktomas/photo-tagger/internal/notify"
)

// EventsHandler streams the notifications addressed to one chat.
type EventsHandler struct {
	hub       *notify.Hub
	heartbeat time.Duration
}

// NewEventsHandler creates an events handler reading from hub.
func NewEventsHandler(hub *notify.Hub) *EventsHandler {
	return &EventsHandler{hub: hub, heartbeat: constants.EventHeartbeatInterval}
}

// Stream serves Server-Sent Events until the client disconnects.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	chatID, ok := int64Param(r, "chatID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid chat id")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	// Streams are long lived; lift the server write deadline.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	eventCh := h.hub.AddListener(chatID)
	defer h.hub.RemoveListener(chatID, eventCh)
	slog.Debug("event stream opened", "chat_id", chatID, "subscribers", h.hub.Listeners(chatID))

	sendSSEEvent(w, flusher, "status", map[string]any{"chat_id": chatID, "connected": true})

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = io.WriteString(w, ": ping\n\n")
			flusher.Flush()
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			sendSSEEvent(w, flusher, event.Type, event)
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	jsonData, _ := json.Marshal(data)
	_, _ = io.WriteString(w, "event: "+eventType+"\n")
	_, _ = io.WriteString(w, "data: ")
	_, _ = io.Copy(w, bytes.NewReader(jsonData))
	_, _ = io.WriteString(w, "\n\n")
	flusher.Flush()
}
