package alert

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/elonfeng/ccuradar/internal/store"
)

// Notification is the data sent to alert destinations.
type Notification struct {
	Title   string              `json:"title"`
	Body    string              `json:"body"`
	Records []store.RecordEvent `json:"records"`
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers []Notifier
}

// NewManager creates a new alert manager.
func NewManager(notifiers []Notifier) *Manager {
	return &Manager{notifiers: notifiers}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return len(m.notifiers) > 0
}

// Broadcast sends a notification to all registered notifiers.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// NotifyRecords broadcasts newly detected records as one notification.
func (m *Manager) NotifyRecords(ctx context.Context, events []store.RecordEvent) error {
	if len(events) == 0 || !m.HasNotifiers() {
		return nil
	}
	return m.Broadcast(ctx, NewRecordNotification(events))
}

// NewRecordNotification summarizes record events.
func NewRecordNotification(events []store.RecordEvent) *Notification {
	title := "New player count record"
	if len(events) > 1 {
		title = fmt.Sprintf("%d new player count records", len(events))
	}
	body := ""
	if len(events) > 0 {
		body = RecordLine(events[0])
	}
	return &Notification{Title: title, Body: body, Records: events}
}

// RecordLine renders one record event as a sentence.
func RecordLine(ev store.RecordEvent) string {
	name := ev.Name
	if name == "" {
		name = "App " + strconv.FormatInt(ev.ItemID, 10)
	}
	return fmt.Sprintf("%s broke its %d-day peak with %s players", name, ev.WindowDays, formatCount(ev.CCU))
}

func formatCount(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := n < 0
	if neg {
		s = s[1:]
	}
	out := make([]byte, 0, len(s)+len(s)/3)
	for i := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}

// storeURL links an item to its Steam store page.
func storeURL(itemID int64) string {
	return "https://store.steampowered.com/app/" + strconv.FormatInt(itemID, 10)
}
