// Package notify delivers user-facing messages and tagged photos to chats.
package notify

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
)

// Notifier sends messages to a chat. Implementations may fail transiently;
// the Outbox handles retries.
type Notifier interface {
	NotifyText(ctx context.Context, chatID int64, text string) error
	NotifyPhoto(ctx context.Context, chatID int64, photoPath, caption string) error
}

// Log writes every notification as a line to w. It never fails.
type Log struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLog creates a notifier printing to w.
func NewLog(w io.Writer) *Log {
	return &Log{w: w}
}

// NotifyText implements Notifier.
func (l *Log) NotifyText(_ context.Context, chatID int64, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "[chat %d] %s\n", chatID, text)
	return nil
}

// NotifyPhoto implements Notifier.
func (l *Log) NotifyPhoto(_ context.Context, chatID int64, photoPath, caption string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "[chat %d] photo %s: %s\n", chatID, filepath.Base(photoPath), strings.ReplaceAll(caption, "\n", " | "))
	return nil
}
