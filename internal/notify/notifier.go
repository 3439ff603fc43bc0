// Package notify delivers operator alerts about market outcomes to Telegram
// and Discord. Alerts are queued and sent from a background loop so callers
// holding engine state never wait on the network.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// queueSize bounds pending alerts; a full queue drops new ones.
const queueSize = 256

// Sender is the interface that each notification channel must implement.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

type alert struct {
	event   string
	title   string
	message string
}

// Notifier filters alerts by event type and fans them out to every Sender.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	queue   chan alert
	logger  *slog.Logger
}

// NewNotifier creates a Notifier for senders. Only events listed in events
// are forwarded; an empty list allows all.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		queue:   make(chan alert, queueSize),
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Notify queues an alert for delivery by Run. It never blocks.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	select {
	case n.queue <- alert{event: event, title: title, message: message}:
		return nil
	default:
		return fmt.Errorf("notify: queue full, dropped %s", event)
	}
}

// Run delivers queued alerts until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-n.queue:
			if err := n.dispatch(ctx, a.title, a.message); err != nil {
				n.logger.WarnContext(ctx, "notification not delivered",
					slog.String("event", a.event),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// NotifyNow sends to all senders synchronously, bypassing the filter.
func (n *Notifier) NotifyNow(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch sends to every sender. One failing sender does not stop delivery
// to the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), err)
	}
	return nil
}
