package store

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-booking/internal/models"
)

// MemoryStore is an in-process Store with per-record version counters so that
// RunTransaction gets real conflict detection. Used for tests and local runs.
type MemoryStore struct {
	mu       sync.Mutex
	bookings map[string]*versioned[models.Booking]
	drivers  map[string]*versioned[models.Driver]
}

type versioned[T any] struct {
	rec T
	ver uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]*versioned[models.Booking]),
		drivers:  make(map[string]*versioned[models.Driver]),
	}
}

func (m *MemoryStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	b := cloneBooking(&v.rec)
	return b, nil
}

func (m *MemoryStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	d := cloneDriver(&v.rec)
	return d, nil
}

func (m *MemoryStore) PutBooking(ctx context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putBookingLocked(b)
	return nil
}

func (m *MemoryStore) PutDriver(ctx context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putDriverLocked(d)
	return nil
}

func (m *MemoryStore) putBookingLocked(b *models.Booking) {
	v, ok := m.bookings[b.ID]
	if !ok {
		v = &versioned[models.Booking]{}
		m.bookings[b.ID] = v
	}
	v.rec = *cloneBooking(b)
	v.ver++
}

func (m *MemoryStore) putDriverLocked(d *models.Driver) {
	v, ok := m.drivers[d.ID]
	if !ok {
		v = &versioned[models.Driver]{}
		m.drivers[d.ID] = v
	}
	v.rec = *cloneDriver(d)
	v.ver++
}

func (m *MemoryStore) ListAvailableDrivers(ctx context.Context) ([]models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Driver, 0)
	for _, v := range m.drivers {
		if v.rec.Status == models.DriverAvailable {
			out = append(out, *cloneDriver(&v.rec))
		}
	}
	return out, nil
}

func (m *MemoryStore) ListDriverActiveBookings(ctx context.Context, driverID string) ([]models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Booking, 0)
	for _, v := range m.bookings {
		b := v.rec
		if b.AssignedDriver != nil && b.AssignedDriver.DriverID == driverID && b.Status.ActiveAssigned() {
			out = append(out, *cloneBooking(&b))
		}
	}
	return out, nil
}

func (m *MemoryStore) RunTransaction(ctx context.Context, fn func(Tx) error) error {
	tx := &memTx{store: m, readVers: make(map[string]uint64)}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

type memTx struct {
	store *MemoryStore
	// readVers maps "b:<id>" / "d:<id>" to the version observed at read time.
	readVers      map[string]uint64
	writeBookings []*models.Booking
	writeDrivers  []*models.Driver
}

func (t *memTx) Booking(ctx context.Context, id string) (*models.Booking, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	v, ok := t.store.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	t.readVers["b:"+id] = v.ver
	return cloneBooking(&v.rec), nil
}

func (t *memTx) Driver(ctx context.Context, id string) (*models.Driver, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	v, ok := t.store.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	t.readVers["d:"+id] = v.ver
	return cloneDriver(&v.rec), nil
}

func (t *memTx) PutBooking(b *models.Booking) {
	t.writeBookings = append(t.writeBookings, cloneBooking(b))
}

func (t *memTx) PutDriver(d *models.Driver) {
	t.writeDrivers = append(t.writeDrivers, cloneDriver(d))
}

func (t *memTx) commit() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for key, ver := range t.readVers {
		id := key[2:]
		switch key[0] {
		case 'b':
			if v, ok := t.store.bookings[id]; !ok || v.ver != ver {
				return ErrTxConflict
			}
		case 'd':
			if v, ok := t.store.drivers[id]; !ok || v.ver != ver {
				return ErrTxConflict
			}
		}
	}
	for _, b := range t.writeBookings {
		t.store.putBookingLocked(b)
	}
	for _, d := range t.writeDrivers {
		t.store.putDriverLocked(d)
	}
	return nil
}

func cloneBooking(b *models.Booking) *models.Booking {
	out := *b
	if b.Pickup != nil {
		p := *b.Pickup
		out.Pickup = &p
	}
	if b.AssignedDriver != nil {
		s := *b.AssignedDriver
		if s.Location != nil {
			loc := *s.Location
			s.Location = &loc
		}
		out.AssignedDriver = &s
	}
	out.AcceptedAt = cloneTime(b.AcceptedAt)
	out.OnWayAt = cloneTime(b.OnWayAt)
	out.ArrivedAt = cloneTime(b.ArrivedAt)
	out.StartedAt = cloneTime(b.StartedAt)
	out.CompletedAt = cloneTime(b.CompletedAt)
	out.CancelledAt = cloneTime(b.CancelledAt)
	out.RejectedAt = cloneTime(b.RejectedAt)
	return &out
}

func cloneDriver(d *models.Driver) *models.Driver {
	out := *d
	if d.Location != nil {
		loc := *d.Location
		out.Location = &loc
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
