// Package notify delivers transient user-visible messages.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Level is the severity of a notification.
type Level string

const (
	// Info reports a successful operation.
	Info Level = "info"
	// Error reports a failed operation.
	Error Level = "error"
)

// Notifier shows a short message to the user.
type Notifier interface {
	Notify(ctx context.Context, level Level, msg string)
}

// Log writes notifications to a slog.Logger.
type Log struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l Log) Notify(ctx context.Context, level Level, msg string) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lvl := slog.LevelInfo
	if level == Error {
		lvl = slog.LevelError
	}
	logger.Log(ctx, lvl, msg, "notification", true)
}

// Message is a recorded notification.
type Message struct {
	Level Level
	Text  string
}

// Recorder keeps notifications in memory.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, level Level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, Message{Level: level, Text: msg})
}

// Messages returns a copy of the recorded notifications.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

// Count returns how many notifications of the given level were recorded.
func (r *Recorder) Count(level Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.Level == level {
			n++
		}
	}
	return n
}

// Reset forgets recorded notifications.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = nil
}

// Discard drops every notification.
type Discard struct{}

// Notify implements Notifier.
func (Discard) Notify(context.Context, Level, string) {}
