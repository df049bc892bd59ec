package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/observability"
	"github.com/example/ride-booking/internal/store"
)

// Notifier delivers a fire-and-forget event to a user after a committed
// transition. Failures are logged, never propagated.
type Notifier interface {
	Notify(userID string, ev models.BookingEvent) error
}

// Auditor publishes committed transitions to the audit stream.
type Auditor interface {
	PublishEvent(ctx context.Context, ev models.BookingEvent) error
}

// Payments is the payment gateway collaborator. The engine only settles
// holds created at booking time: capture on completion, release on cancel.
type Payments interface {
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// Engine owns the booking status state machine, nearest-driver matching and
// the transactional assignment protocol. All booking/driver writes go through
// store transactions that re-validate preconditions; candidate selection
// reads are deliberately non-transactional.
type Engine struct {
	Store    store.Store
	Notify   Notifier // optional
	Audit    Auditor  // optional
	Payments Payments // optional
	Logger   *slog.Logger
	Now      func() time.Time

	// MaxAttempts bounds transaction retries on conflict; RetryBackoff is the
	// initial backoff, doubled per attempt.
	MaxAttempts  int
	RetryBackoff time.Duration
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *Engine) attempts() int {
	if e.MaxAttempts <= 0 {
		return 3
	}
	return e.MaxAttempts
}

func (e *Engine) backoff() time.Duration {
	if e.RetryBackoff <= 0 {
		return 50 * time.Millisecond
	}
	return e.RetryBackoff
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// RequestTransition applies one edge of the transition table on behalf of an
// actor. The booking (and driver, when the edge touches one) is re-read and
// re-validated inside the transaction, so callers may pass ids obtained from
// arbitrarily stale reads.
func (e *Engine) RequestTransition(ctx context.Context, bookingID string, target models.Status, actor models.Actor, loc *models.Coord, notes string) (models.Status, error) {
	var committed models.Booking
	var ev models.BookingEvent

	err := store.RunWithRetry(ctx, e.Store, e.attempts(), e.backoff(), func(tx store.Tx) error {
		b, err := tx.Booking(ctx, bookingID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("booking %s: %w", bookingID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		from := b.Status
		if !CanTransition(from, target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, target)
		}
		if err := Authorize(b, target, actor); err != nil {
			return fmt.Errorf("%w: %s may not move booking %s to %s", err, actor.Role, bookingID, target)
		}

		now := e.now()
		eventDriver := ""
		if b.AssignedDriver != nil {
			eventDriver = b.AssignedDriver.DriverID
		}

		switch {
		case from == models.StatusWaiting && target == models.StatusAccepted:
			driverID := actor.UserID
			if actor.Role == models.RoleAdmin {
				// Authorize guarantees a snapshot is present here.
				driverID = b.AssignedDriver.DriverID
			}
			d, err := tx.Driver(ctx, driverID)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("driver %s: %w", driverID, ErrNotFound)
			}
			if err != nil {
				return err
			}
			if d.Status != models.DriverAvailable {
				return fmt.Errorf("%w: driver %s is %s", ErrPreconditionFailed, driverID, d.Status)
			}
			b.AssignedDriver = d.Snapshot()
			d.Status = models.DriverBusy
			d.Updated = now
			tx.PutDriver(d)
			eventDriver = driverID

		case target == models.StatusOnWay || target == models.StatusArrived:
			if loc != nil && b.AssignedDriver != nil {
				pos := *loc
				b.AssignedDriver.Location = &pos
			}

		case target == models.StatusCompleted:
			if err := e.releaseDriverTx(ctx, tx, b, now); err != nil {
				return err
			}
			b.AssignedDriver = nil

		case from == models.StatusAccepted && target == models.StatusWaiting:
			if err := e.releaseDriverTx(ctx, tx, b, now); err != nil {
				return err
			}
			b.AssignedDriver = nil
			if actor.Role == models.RoleDriver && b.RejectedAt == nil {
				t := now
				b.RejectedAt = &t
			}
		}

		if notes != "" {
			b.Notes = notes
		}
		ApplyTransition(b, target, now)
		tx.PutBooking(b)

		committed = *b
		ev = models.BookingEvent{
			BookingID:  b.ID,
			CustomerID: b.CustomerID,
			DriverID:   eventDriver,
			From:       from,
			To:         target,
			Actor:      actor,
			At:         now,
		}
		return nil
	})
	if errors.Is(err, store.ErrTxConflict) {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if err != nil {
		return "", err
	}

	e.afterCommit(ctx, &committed, ev)
	return committed.Status, nil
}

// errRematch marks an assignment attempt whose proposed driver was taken
// before commit; AutoAssign reacts by matching again.
var errRematch = fmt.Errorf("%w: driver no longer available", ErrPreconditionFailed)

// AutoAssign matches a waiting booking to the nearest available driver and
// commits the assignment. The candidate is chosen from a stale read, so the
// transaction re-checks both sides; a taken driver triggers a fresh match, a
// booking that left waiting is surfaced to the caller.
func (e *Engine) AutoAssign(ctx context.Context, bookingID string) (string, error) {
	b, err := e.Store.GetBooking(ctx, bookingID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("booking %s: %w", bookingID, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	if b.Status != models.StatusWaiting {
		return "", fmt.Errorf("%w: booking %s already %s", ErrPreconditionFailed, bookingID, b.Status)
	}
	if b.Pickup == nil {
		return "", fmt.Errorf("%w: booking %s", ErrInvalidPickup, bookingID)
	}
	pickup := *b.Pickup

	delay := e.backoff()
	var lastErr error
	for attempt := 0; attempt < e.attempts(); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			delay *= 2
		}

		cands, err := e.matchCandidates(ctx, pickup)
		if err != nil {
			return "", err
		}
		best := cands[0]

		var committed models.Booking
		var ev models.BookingEvent
		err = e.Store.RunTransaction(ctx, func(tx store.Tx) error {
			bb, err := tx.Booking(ctx, bookingID)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("booking %s: %w", bookingID, ErrNotFound)
			}
			if err != nil {
				return err
			}
			if bb.Status != models.StatusWaiting {
				return fmt.Errorf("%w: booking %s already %s", ErrPreconditionFailed, bookingID, bb.Status)
			}
			d, err := tx.Driver(ctx, best.driver.ID)
			if errors.Is(err, store.ErrNotFound) {
				return errRematch
			}
			if err != nil {
				return err
			}
			if d.Status != models.DriverAvailable {
				return errRematch
			}

			now := e.now()
			bb.AssignedDriver = d.Snapshot()
			d.Status = models.DriverBusy
			d.Updated = now
			ApplyTransition(bb, models.StatusAccepted, now)
			tx.PutBooking(bb)
			tx.PutDriver(d)

			committed = *bb
			ev = models.BookingEvent{
				BookingID:  bb.ID,
				CustomerID: bb.CustomerID,
				DriverID:   d.ID,
				From:       models.StatusWaiting,
				To:         models.StatusAccepted,
				Actor:      models.Actor{Role: models.RoleAdmin, UserID: "auto-assign"},
				At:         now,
			}
			return nil
		})
		switch {
		case err == nil:
			observability.AssignmentsTotal.Inc()
			e.afterCommit(ctx, &committed, ev)
			return best.driver.ID, nil
		case errors.Is(err, errRematch), errors.Is(err, store.ErrTxConflict):
			observability.AssignConflictsTotal.Inc()
			lastErr = err
			continue
		default:
			return "", err
		}
	}
	if errors.Is(lastErr, errRematch) {
		return "", lastErr
	}
	return "", fmt.Errorf("%w: assignment retries exhausted: %v", ErrTransient, lastErr)
}

// ReleaseDriverBookings reverts a driver's in-flight bookings (accepted or
// on_way) back to waiting after the driver went offline. Best-effort: each
// booking is its own transaction and individual failures only reduce the
// returned count.
func (e *Engine) ReleaseDriverBookings(ctx context.Context, driverID string) (int, error) {
	bookings, err := e.Store.ListDriverActiveBookings(ctx, driverID)
	if err != nil {
		return 0, err
	}

	released := 0
	for i := range bookings {
		id := bookings[i].ID
		var committed models.Booking
		var ev models.BookingEvent
		skipped := false

		err := store.RunWithRetry(ctx, e.Store, e.attempts(), e.backoff(), func(tx store.Tx) error {
			b, err := tx.Booking(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				skipped = true
				return nil
			}
			if err != nil {
				return err
			}
			if b.AssignedDriver == nil || b.AssignedDriver.DriverID != driverID {
				skipped = true
				return nil
			}
			if b.Status != models.StatusAccepted && b.Status != models.StatusOnWay {
				skipped = true
				return nil
			}

			now := e.now()
			from := b.Status
			b.AssignedDriver = nil
			ApplyTransition(b, models.StatusWaiting, now)
			tx.PutBooking(b)

			skipped = false
			committed = *b
			ev = models.BookingEvent{
				BookingID:  b.ID,
				CustomerID: b.CustomerID,
				DriverID:   driverID,
				From:       from,
				To:         models.StatusWaiting,
				Actor:      models.Actor{UserID: driverID, Role: models.RoleDriver},
				At:         now,
			}
			return nil
		})
		if err != nil {
			e.logger().Error("offline cascade: release failed", "booking_id", id, "driver_id", driverID, "error", err)
			continue
		}
		if skipped {
			continue
		}
		released++
		observability.CascadeReleasesTotal.Inc()
		e.afterCommit(ctx, &committed, ev)
	}
	return released, nil
}

// releaseDriverTx flips the attached driver back to available inside the
// current transaction. A driver that already went offline stays offline; a
// missing driver record is tolerated.
func (e *Engine) releaseDriverTx(ctx context.Context, tx store.Tx, b *models.Booking, now time.Time) error {
	if b.AssignedDriver == nil {
		return nil
	}
	d, err := tx.Driver(ctx, b.AssignedDriver.DriverID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if d.Status == models.DriverBusy {
		d.Status = models.DriverAvailable
		d.Updated = now
		tx.PutDriver(d)
	}
	return nil
}

// afterCommit fans out post-commit side effects. Nothing here may fail the
// already committed transition.
func (e *Engine) afterCommit(ctx context.Context, b *models.Booking, ev models.BookingEvent) {
	observability.TransitionsTotal.WithLabelValues(string(ev.From), string(ev.To)).Inc()

	if e.Notify != nil {
		if err := e.Notify.Notify(b.CustomerID, ev); err != nil {
			e.logger().Warn("notify customer failed", "booking_id", b.ID, "error", err)
		}
		if ev.DriverID != "" {
			if err := e.Notify.Notify(ev.DriverID, ev); err != nil {
				e.logger().Warn("notify driver failed", "booking_id", b.ID, "error", err)
			}
		}
	}
	if e.Audit != nil {
		if err := e.Audit.PublishEvent(ctx, ev); err != nil {
			e.logger().Warn("audit publish failed", "booking_id", b.ID, "error", err)
		}
	}
	if e.Payments != nil && b.PaymentIntentID != "" {
		switch ev.To {
		case models.StatusCompleted:
			if err := e.Payments.Capture(ctx, b.PaymentIntentID); err != nil {
				e.logger().Warn("payment capture failed", "booking_id", b.ID, "error", err)
			}
		case models.StatusCancelled:
			if err := e.Payments.Cancel(ctx, b.PaymentIntentID); err != nil {
				e.logger().Warn("payment cancel failed", "booking_id", b.ID, "error", err)
			}
		}
	}
}
