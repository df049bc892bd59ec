package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-booking/internal/models"
)

func TestMemoryStoreNotFound(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	if _, err := m.GetBooking(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := m.GetDriver(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreTransactionConflict(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	if err := m.PutBooking(ctx, &models.Booking{ID: "b1", Status: models.StatusWaiting}); err != nil {
		t.Fatal(err)
	}

	err := m.RunTransaction(ctx, func(tx Tx) error {
		b, err := tx.Booking(ctx, "b1")
		if err != nil {
			return err
		}
		// A concurrent writer sneaks in between our read and commit.
		b2 := *b
		b2.Notes = "concurrent"
		if err := m.PutBooking(ctx, &b2); err != nil {
			return err
		}
		b.Status = models.StatusCancelled
		tx.PutBooking(b)
		return nil
	})
	if !errors.Is(err, ErrTxConflict) {
		t.Fatalf("expected ErrTxConflict, got %v", err)
	}

	// The losing transaction must have had no effect.
	b, err := m.GetBooking(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != models.StatusWaiting {
		t.Fatalf("conflicting transaction leaked a write: %s", b.Status)
	}
}

func TestMemoryStoreTransactionCommit(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_ = m.PutBooking(ctx, &models.Booking{ID: "b1", Status: models.StatusWaiting})
	_ = m.PutDriver(ctx, &models.Driver{ID: "d1", Status: models.DriverAvailable})

	err := m.RunTransaction(ctx, func(tx Tx) error {
		b, err := tx.Booking(ctx, "b1")
		if err != nil {
			return err
		}
		d, err := tx.Driver(ctx, "d1")
		if err != nil {
			return err
		}
		b.Status = models.StatusAccepted
		b.AssignedDriver = d.Snapshot()
		d.Status = models.DriverBusy
		tx.PutBooking(b)
		tx.PutDriver(d)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	b, _ := m.GetBooking(ctx, "b1")
	d, _ := m.GetDriver(ctx, "d1")
	if b.Status != models.StatusAccepted || b.AssignedDriver == nil || b.AssignedDriver.DriverID != "d1" {
		t.Fatalf("booking not updated: %+v", b)
	}
	if d.Status != models.DriverBusy {
		t.Fatalf("driver not updated: %+v", d)
	}
}

func TestMemoryStoreListAvailableDrivers(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_ = m.PutDriver(ctx, &models.Driver{ID: "d1", Status: models.DriverAvailable})
	_ = m.PutDriver(ctx, &models.Driver{ID: "d2", Status: models.DriverBusy})
	_ = m.PutDriver(ctx, &models.Driver{ID: "d3", Status: models.DriverOffline})

	drivers, err := m.ListAvailableDrivers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(drivers) != 1 || drivers[0].ID != "d1" {
		t.Fatalf("expected only d1, got %+v", drivers)
	}
}

func TestMemoryStoreListDriverActiveBookings(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	snap := &models.DriverSnapshot{DriverID: "d1"}
	_ = m.PutBooking(ctx, &models.Booking{ID: "b1", Status: models.StatusOnWay, AssignedDriver: snap})
	_ = m.PutBooking(ctx, &models.Booking{ID: "b2", Status: models.StatusCompleted})
	_ = m.PutBooking(ctx, &models.Booking{ID: "b3", Status: models.StatusAccepted, AssignedDriver: &models.DriverSnapshot{DriverID: "other"}})

	got, err := m.ListDriverActiveBookings(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "b1" {
		t.Fatalf("expected only b1, got %+v", got)
	}
}

func TestRunWithRetryGivesUp(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_ = m.PutBooking(ctx, &models.Booking{ID: "b1", Status: models.StatusWaiting})

	calls := 0
	err := RunWithRetry(ctx, m, 3, time.Millisecond, func(tx Tx) error {
		calls++
		b, err := tx.Booking(ctx, "b1")
		if err != nil {
			return err
		}
		// Invalidate our own read set every attempt.
		other := *b
		other.Notes = "spoiler"
		_ = m.PutBooking(ctx, &other)
		tx.PutBooking(b)
		return nil
	})
	if !errors.Is(err, ErrTxConflict) {
		t.Fatalf("expected ErrTxConflict, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}
