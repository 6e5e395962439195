// Package notify fans operator alerts out to chat senders (Telegram,
// Discord), filtered by event type and throttled per event.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// alertPrefix marks titles that senders render with alert styling.
const alertPrefix = "[ALERT] "

// Alert prefixes title so senders highlight it.
func Alert(title string) string {
	return alertPrefix + title
}

func isAlert(title string) bool {
	return strings.HasPrefix(title, alertPrefix)
}

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches to every Sender. Only events in the allow list are
// forwarded (an empty list allows all), and each event is sent at most once
// per throttle interval.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	throttle time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu   sync.Mutex
	last map[string]time.Time
}

// NewNotifier creates a Notifier. A zero throttle disables throttling.
func NewNotifier(senders []Sender, events []string, throttle time.Duration, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		throttle: throttle,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "notifier")),
		last:     make(map[string]time.Time),
	}
}

// Notify sends title and message for event, subject to the filter and
// throttle.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if !n.allow(event) {
		n.logger.DebugContext(ctx, "event throttled", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll bypasses the filter and throttle.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

func (n *Notifier) allow(event string) bool {
	if n.throttle <= 0 {
		return true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if last, ok := n.last[event]; ok && now.Sub(last) < n.throttle {
		return false
	}
	n.last[event] = now
	return true
}

// dispatch delivers to every sender; one failing sender does not stop the
// rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
