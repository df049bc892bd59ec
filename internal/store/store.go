package store

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-booking/internal/models"
)

var (
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrTxConflict means a concurrent transaction touched a record in our
	// read set between read and commit. The transaction had no effect.
	ErrTxConflict = errors.New("transaction conflict")
)

// Tx is the view inside an optimistic transaction. Every read registers the
// record in the read set; the commit fails with ErrTxConflict if any read
// record changed before commit. Writes are buffered until commit.
type Tx interface {
	Booking(ctx context.Context, id string) (*models.Booking, error)
	Driver(ctx context.Context, id string) (*models.Driver, error)
	PutBooking(b *models.Booking)
	PutDriver(d *models.Driver)
}

// Store is the shared booking/driver record store. Plain Get/List reads are
// non-transactional and may be stale; anything used as a write precondition
// must be re-read inside RunTransaction.
type Store interface {
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	PutBooking(ctx context.Context, b *models.Booking) error
	PutDriver(ctx context.Context, d *models.Driver) error

	// ListAvailableDrivers returns drivers with status available.
	ListAvailableDrivers(ctx context.Context) ([]models.Driver, error)
	// ListDriverActiveBookings returns bookings where the driver is attached
	// and the status is in the active-assigned set.
	ListDriverActiveBookings(ctx context.Context, driverID string) ([]models.Booking, error)

	// RunTransaction executes fn with compare-and-swap semantics. If fn
	// returns an error the transaction is discarded and the error returned
	// verbatim. A lost commit race returns ErrTxConflict.
	RunTransaction(ctx context.Context, fn func(Tx) error) error
}

// RunWithRetry re-runs a transaction on ErrTxConflict with exponential
// backoff. Other errors pass through immediately. Returns the last conflict
// error when attempts are exhausted.
func RunWithRetry(ctx context.Context, s Store, attempts int, delay time.Duration, fn func(Tx) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = s.RunTransaction(ctx, fn)
		if !errors.Is(err, ErrTxConflict) {
			return err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}
