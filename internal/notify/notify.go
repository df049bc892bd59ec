package notify

import (
	"log/slog"

	"github.com/example/ride-booking/internal/models"
)

// Notifier delivers booking events to users. Implementations are best-effort;
// the dispatch engine never rolls back a transition over a delivery failure.
type Notifier interface {
	Notify(userID string, ev models.BookingEvent) error
}

// Multi fans out to several notifiers, returning the first error after trying
// all of them.
type Multi []Notifier

func (m Multi) Notify(userID string, ev models.BookingEvent) error {
	var first error
	for _, n := range m {
		if err := n.Notify(userID, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LogNotifier writes events to the log, useful when no push channel is wired.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l *LogNotifier) Notify(userID string, ev models.BookingEvent) error {
	l.Logger.Info("booking_event",
		"user_id", userID,
		"booking_id", ev.BookingID,
		"from", string(ev.From),
		"to", string(ev.To),
	)
	return nil
}
