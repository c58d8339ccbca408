// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
)

// Diagnostic levels understood by [*DiagnosticsSender].
const (
	LevelInfo    = 0
	LevelWarning = 5
	LevelError   = 10
)

// DiagnosticsFunc receives a diagnostic message published by the sender
// named senderName.
//
// Subscribers run synchronously on the publishing goroutine, which may be
// a [*Connection] or [*Endpoint] worker: they must not block.
type DiagnosticsFunc func(senderName string, level int, message string)

// DiagnosticsSender publishes leveled text messages to subscribers.
//
// The zero value is not usable: construct with [NewDiagnosticsSender].
// All methods are safe for concurrent use.
type DiagnosticsSender struct {
	name        string
	mu          sync.Mutex
	subscribers []*diagnosticsSubscriber
	contexts    []string
}

type diagnosticsSubscriber struct {
	fn       DiagnosticsFunc
	minLevel int
}

// NewDiagnosticsSender returns a sender tagging its messages with name.
func NewDiagnosticsSender(name string) *DiagnosticsSender {
	return &DiagnosticsSender{name: name}
}

// Name returns the name given to [NewDiagnosticsSender].
func (s *DiagnosticsSender) Name() string {
	return s.name
}

// Subscribe registers fn for messages with level >= minLevel and returns
// a function that removes the subscription. Calling it twice is harmless.
func (s *DiagnosticsSender) Subscribe(fn DiagnosticsFunc, minLevel int) func() {
	sub := &diagnosticsSubscriber{fn: fn, minLevel: minLevel}
	s.mu.Lock()
	s.subscribers = append(s.subscribers, sub)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for idx, entry := range s.subscribers {
			if entry == sub {
				s.subscribers = append(s.subscribers[:idx:idx], s.subscribers[idx+1:]...)
				return
			}
		}
	}
}

// MinLevel returns the lowest level any subscriber wants, or [math.MaxInt]
// when there are no subscribers.
//
// Publishers use it to skip formatting messages nobody reads.
func (s *DiagnosticsSender) MinLevel() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	level := math.MaxInt
	for _, sub := range s.subscribers {
		level = min(level, sub.minLevel)
	}
	return level
}

// PushContext prepends name to every following message until the
// matching [*DiagnosticsSender.PopContext].
func (s *DiagnosticsSender) PushContext(name string) {
	s.mu.Lock()
	s.contexts = append(s.contexts, name)
	s.mu.Unlock()
}

// PopContext removes the innermost context. Popping with no context is a no-op.
func (s *DiagnosticsSender) PopContext() {
	s.mu.Lock()
	if len(s.contexts) > 0 {
		s.contexts = s.contexts[:len(s.contexts)-1]
	}
	s.mu.Unlock()
}

// Publish delivers message to the subscribers interested in level.
func (s *DiagnosticsSender) Publish(level int, message string) {
	s.publish(s.name, level, message)
}

// Publishf is like [*DiagnosticsSender.Publish] but formats the message
// only when some subscriber will receive it.
func (s *DiagnosticsSender) Publishf(level int, format string, args ...any) {
	if level < s.MinLevel() {
		return
	}
	s.publish(s.name, level, fmt.Sprintf(format, args...))
}

// Chain returns a [DiagnosticsFunc] that republishes into s, keeping the
// original sender name. Subscribe it to a child sender to forward the
// child's messages.
func (s *DiagnosticsSender) Chain() DiagnosticsFunc {
	return s.publish
}

func (s *DiagnosticsSender) publish(senderName string, level int, message string) {
	s.mu.Lock()
	var targets []DiagnosticsFunc
	for _, sub := range s.subscribers {
		if level >= sub.minLevel {
			targets = append(targets, sub.fn)
		}
	}
	if len(s.contexts) > 0 {
		message = strings.Join(s.contexts, ": ") + ": " + message
	}
	s.mu.Unlock()

	// Deliver without the lock so subscribers may publish or unsubscribe.
	for _, fn := range targets {
		fn(senderName, level, message)
	}
}

// SLogDiagnostics returns a [DiagnosticsFunc] emitting a "diagnostic" event
// on logger: at Info level for [LevelInfo] messages and at Warn level otherwise.
func SLogDiagnostics(logger SLogger) DiagnosticsFunc {
	return func(senderName string, level int, message string) {
		args := []any{
			slog.Int("level", level),
			slog.String("message", message),
			slog.String("sender", senderName),
		}
		if level < LevelWarning {
			logger.Info("diagnostic", args...)
			return
		}
		logger.Warn("diagnostic", args...)
	}
}
