package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-booking/internal/models"
	"github.com/example/ride-booking/internal/store"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.BookingEvent
}

func (n *recordingNotifier) Notify(userID string, ev models.BookingEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

type nopAuditor struct{}

func (nopAuditor) PublishEvent(ctx context.Context, ev models.BookingEvent) error { return nil }

type fakePayments struct {
	mu        sync.Mutex
	captured  []string
	cancelled []string
}

func (p *fakePayments) Capture(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captured = append(p.captured, id)
	return nil
}

func (p *fakePayments) Cancel(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, id)
	return nil
}

func newTestEngine() (*Engine, *store.MemoryStore, *recordingNotifier, *fakePayments) {
	m := store.NewMemoryStore()
	n := &recordingNotifier{}
	p := &fakePayments{}
	e := &Engine{
		Store:        m,
		Notify:       n,
		Audit:        nopAuditor{},
		Payments:     p,
		Now:          func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) },
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
	}
	return e, m, n, p
}

func putWaiting(t *testing.T, m *store.MemoryStore, id, customer string, pickup *models.Coord) {
	t.Helper()
	err := m.PutBooking(context.Background(), &models.Booking{
		ID: id, CustomerID: customer, Status: models.StatusWaiting,
		PickupAddress: "Vasagatan 1", Pickup: pickup,
		PriceCents: 12000, Currency: "SEK", PaymentIntentID: "pi_" + id,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func putDriver(t *testing.T, m *store.MemoryStore, id string, status models.DriverStatus, loc *models.Coord) {
	t.Helper()
	err := m.PutDriver(context.Background(), &models.Driver{
		ID: id, Name: "Driver " + id, Phone: "+4670" + id, Vehicle: "ABC" + id,
		Status: status, Location: loc,
	})
	if err != nil {
		t.Fatal(err)
	}
}

// Nearest of two available drivers wins; driver flips to busy, booking to accepted.
func TestAutoAssignNearestDriver(t *testing.T) {
	e, m, _, _ := newTestEngine()
	ctx := context.Background()
	pickup := &models.Coord{Lat: 59.33, Lng: 18.06}
	putWaiting(t, m, "b1", "c1", pickup)
	// ~1km and ~5km north of the pickup.
	putDriver(t, m, "near", models.DriverAvailable, &models.Coord{Lat: 59.339, Lng: 18.06})
	putDriver(t, m, "far", models.DriverAvailable, &models.Coord{Lat: 59.375, Lng: 18.06})

	driverID, err := e.AutoAssign(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if driverID != "near" {
		t.Fatalf("expected nearest driver, got %s", driverID)
	}

	b, _ := m.GetBooking(ctx, "b1")
	if b.Status != models.StatusAccepted {
		t.Fatalf("booking status = %s", b.Status)
	}
	if b.AssignedDriver == nil || b.AssignedDriver.DriverID != "near" {
		t.Fatalf("assigned driver = %+v", b.AssignedDriver)
	}
	if b.AcceptedAt == nil {
		t.Fatal("AcceptedAt not stamped")
	}
	d, _ := m.GetDriver(ctx, "near")
	if d.Status != models.DriverBusy {
		t.Fatalf("driver status = %s", d.Status)
	}
	far, _ := m.GetDriver(ctx, "far")
	if far.Status != models.DriverAvailable {
		t.Fatalf("far driver status = %s", far.Status)
	}
}

func TestAutoAssignAlreadyAssigned(t *testing.T) {
	e, m, _, _ := newTestEngine()
	ctx := context.Background()
	pickup := &models.Coord{Lat: 59.33, Lng: 18.06}
	putWaiting(t, m, "b1", "c1", pickup)
	putDriver(t, m, "d1", models.DriverAvailable, &models.Coord{Lat: 59.34, Lng: 18.06})
	putDriver(t, m, "d2", models.DriverAvailable, &models.Coord{Lat: 59.35, Lng: 18.06})

	if _, err := e.AutoAssign(ctx, "b1"); err != nil {
		t.Fatal(err)
	}
	_, err := e.AutoAssign(ctx, "b1")
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
}

func TestAutoAssignNoCandidates(t *testing.T) {
	e, m, _, _ := newTestEngine()
	ctx := context.Background()
	putWaiting(t, m, "b1", "c1", &models.Coord{Lat: 59.33, Lng: 18.06})
	putDriver(t, m, "d1", models.DriverBusy, &models.Coord{Lat: 59.34, Lng: 18.06})
	putDriver(t, m, "d2", models.DriverAvailable, nil) // no location, no candidate

	_, err := e.AutoAssign(ctx, "b1")
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
	b, _ := m.GetBooking(ctx, "b1")
	if b.Status != models.StatusWaiting {
		t.Fatalf("booking must stay waiting, got %s", b.Status)
	}
}

func TestAutoAssignMissingPickup(t *testing.T) {
	e, m, _, _ := newTestEngine()
	ctx := context.Background()
	putWaiting(t, m, "b1", "c1", nil)
	putDriver(t, m, "d1", models.DriverAvailable, &models.Coord{Lat: 59.34, Lng: 18.06})

	_, err := e.AutoAssign(ctx, "b1")
	if !errors.Is(err, ErrInvalidPickup) {
		t.Fatalf("expected ErrInvalidPickup, got %v", err)
	}
}

func TestAutoAssignNotFound(t *testing.T) {
	e, _, _, _ := newTestEngine()
	_, err := e.AutoAssign(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// A driver taken between matching and commit triggers a re-match onto the
// next nearest candidate.
func TestAutoAssignRematchesWhenDriverTaken(t *testing.T) {
	e, m, _, _ := newTestEngine()
	ctx := context.Background()
	pickup := &models.Coord{Lat: 59.33, Lng: 18.06}
	putWaiting(t, m, "b1", "c1", pickup)
	putDriver(t, m, "near", models.DriverAvailable, &models.Coord{Lat: 59.335, Lng: 18.06})
	putDriver(t, m, "backup", models.DriverAvailable, &models.Coord{Lat: 59.35, Lng: 18.06})

	// Steal the nearest driver after the engine has read its candidates but
	// before it commits: hook the clock, which is read inside the transaction.
	stolen := false
	e.Now = func() time.Time {
		if !stolen {
			stolen = true
			d, _ := m.GetDriver(ctx, "near")
			d.Status = models.DriverBusy
			_ = m.PutDriver(ctx, d)
		}
		return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	}

	driverID, err := e.AutoAssign(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if driverID != "backup" {
		t.Fatalf("expected backup driver, got %s", driverID)
	}
}

func TestDriverSelfAcceptWhileUnavailable(t *testing.T) {
	e, m, _, _ := newTestEngine()
	ctx := context.Background()
	putWaiting(t, m, "b1", "c1", &models.Coord{Lat: 59.33, Lng: 18.06})
	putDriver(t, m, "d1", models.DriverBusy, &models.Coord{Lat: 59.34, Lng: 18.06})

	_, err := e.RequestTransition(ctx, "b1", models.StatusAccepted,
		models.Actor{UserID: "d1", Role: models.RoleDriver}, nil, "")
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
	b, _ := m.GetBooking(ctx, "b1")
	if b.Status != models.StatusWaiting || b.AssignedDriver != nil {
		t.Fatalf("booking mutated by failed accept: %+v", b)
	}
}

func TestForbiddenForStrangerCustomer(t *testing.T) {
	e, m, _, _ := newTestEngine()
	ctx := context.Background()
	putWaiting(t, m, "b1", "c1", nil)

	_, err := e.RequestTransition(ctx, "b1", models.StatusCancelled,
		models.Actor{UserID: "c2", Role: models.RoleCustomer}, nil, "")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestInvalidTransition(t *testing.T) {
	e, m, _, _ := newTestEngine()
	ctx := context.Background()
	putWaiting(t, m, "b1", "c1", nil)

	_, err := e.RequestTransition(ctx, "b1", models.StatusCompleted,
		models.Actor{UserID: "a1", Role: models.RoleAdmin}, nil, "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	e, m, _, _ := newTestEngine()
	ctx := context.Background()
	owner := models.Actor{UserID: "c1", Role: models.RoleCustomer}
	admin := models.Actor{UserID: "a1", Role: models.RoleAdmin}
	putWaiting(t, m, "b1", "c1", nil)

	if _, err := e.RequestTransition(ctx, "b1", models.StatusCancelled, owner, nil, ""); err != nil {
		t.Fatal(err)
	}
	for _, target := range []models.Status{
		models.StatusWaiting, models.StatusAccepted, models.StatusOnWay,
		models.StatusArrived, models.StatusStarted, models.StatusCompleted,
	} {
		if _, err := e.RequestTransition(ctx, "b1", target, admin, nil, ""); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("cancelled -> %s: expected ErrInvalidTransition, got %v", target, err)
		}
	}
}

func TestFullRideLifecycle(t *testing.T) {
	e, m, _, pay := newTestEngine()
	ctx := context.Background()
	driver := models.Actor{UserID: "d1", Role: models.RoleDriver}
	putWaiting(t, m, "b1", "c1", &models.Coord{Lat: 59.33, Lng: 18.06})
	putDriver(t, m, "d1", models.DriverAvailable, &models.Coord{Lat: 59.34, Lng: 18.06})

	steps := []models.Status{
		models.StatusAccepted, models.StatusOnWay, models.StatusArrived,
		models.StatusStarted, models.StatusCompleted,
	}
	for _, target := range steps {
		if _, err := e.RequestTransition(ctx, "b1", target, driver, nil, ""); err != nil {
			t.Fatalf("%s: %v", target, err)
		}
	}

	b, _ := m.GetBooking(ctx, "b1")
	if b.Status != models.StatusCompleted {
		t.Fatalf("status = %s", b.Status)
	}
	if b.AssignedDriver != nil {
		t.Fatal("snapshot must be cleared on completion")
	}
	if b.AcceptedAt == nil || b.OnWayAt == nil || b.ArrivedAt == nil || b.StartedAt == nil || b.CompletedAt == nil {
		t.Fatalf("missing transition timestamps: %+v", b)
	}
	d, _ := m.GetDriver(ctx, "d1")
	if d.Status != models.DriverAvailable {
		t.Fatalf("driver not released: %s", d.Status)
	}
	if len(pay.captured) != 1 || pay.captured[0] != "pi_b1" {
		t.Fatalf("expected payment capture, got %+v", pay.captured)
	}
}

func TestOnWayUpdatesSnapshotLocation(t *testing.T) {
	e, m, _, _ := newTestEngine()
	ctx := context.Background()
	driver := models.Actor{UserID: "d1", Role: models.RoleDriver}
	putWaiting(t, m, "b1", "c1", &models.Coord{Lat: 59.33, Lng: 18.06})
	putDriver(t, m, "d1", models.DriverAvailable, &models.Coord{Lat: 59.34, Lng: 18.06})

	if _, err := e.RequestTransition(ctx, "b1", models.StatusAccepted, driver, nil, ""); err != nil {
		t.Fatal(err)
	}
	loc := &models.Coord{Lat: 59.332, Lng: 18.061}
	if _, err := e.RequestTransition(ctx, "b1", models.StatusOnWay, driver, loc, ""); err != nil {
		t.Fatal(err)
	}

	b, _ := m.GetBooking(ctx, "b1")
	if b.AssignedDriver == nil || b.AssignedDriver.Location == nil || b.AssignedDriver.Location.Lat != 59.332 {
		t.Fatalf("snapshot location not updated: %+v", b.AssignedDriver)
	}
}

func TestAdminUnassignReleasesDriver(t *testing.T) {
	e, m, _, _ := newTestEngine()
	ctx := context.Background()
	putWaiting(t, m, "b1", "c1", &models.Coord{Lat: 59.33, Lng: 18.06})
	putDriver(t, m, "d1", models.DriverAvailable, &models.Coord{Lat: 59.34, Lng: 18.06})

	if _, err := e.AutoAssign(ctx, "b1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.RequestTransition(ctx, "b1", models.StatusWaiting,
		models.Actor{UserID: "a1", Role: models.RoleAdmin}, nil, ""); err != nil {
		t.Fatal(err)
	}

	b, _ := m.GetBooking(ctx, "b1")
	if b.Status != models.StatusWaiting || b.AssignedDriver != nil {
		t.Fatalf("unassign left %+v", b)
	}
	d, _ := m.GetDriver(ctx, "d1")
	if d.Status != models.DriverAvailable {
		t.Fatalf("driver not released: %s", d.Status)
	}
}

func TestDriverSelfRejectStampsRejectedAt(t *testing.T) {
	e, m, _, _ := newTestEngine()
	ctx := context.Background()
	driver := models.Actor{UserID: "d1", Role: models.RoleDriver}
	putWaiting(t, m, "b1", "c1", &models.Coord{Lat: 59.33, Lng: 18.06})
	putDriver(t, m, "d1", models.DriverAvailable, &models.Coord{Lat: 59.34, Lng: 18.06})

	if _, err := e.RequestTransition(ctx, "b1", models.StatusAccepted, driver, nil, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := e.RequestTransition(ctx, "b1", models.StatusWaiting, driver, nil, ""); err != nil {
		t.Fatal(err)
	}

	b, _ := m.GetBooking(ctx, "b1")
	if b.RejectedAt == nil {
		t.Fatal("RejectedAt not stamped on self-reject")
	}
	if b.Status != models.StatusWaiting || b.AssignedDriver != nil {
		t.Fatalf("self-reject left %+v", b)
	}
	d, _ := m.GetDriver(ctx, "d1")
	if d.Status != models.DriverAvailable {
		t.Fatalf("driver not released: %s", d.Status)
	}
}

// Scenario D: offline cascade reverts only this driver's accepted/on_way
// bookings.
func TestReleaseDriverBookings(t *testing.T) {
	e, m, _, _ := newTestEngine()
	ctx := context.Background()

	snap := &models.DriverSnapshot{DriverID: "d1", Name: "Driver d1"}
	now := time.Now().UTC()
	_ = m.PutBooking(ctx, &models.Booking{ID: "b1", CustomerID: "c1", Status: models.StatusOnWay, AssignedDriver: snap, AcceptedAt: &now})
	_ = m.PutBooking(ctx, &models.Booking{ID: "b2", CustomerID: "c2", Status: models.StatusWaiting})
	_ = m.PutBooking(ctx, &models.Booking{ID: "b3", CustomerID: "c3", Status: models.StatusStarted, AssignedDriver: snap})
	_ = m.PutDriver(ctx, &models.Driver{ID: "d1", Status: models.DriverOffline})

	n, err := e.ReleaseDriverBookings(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 released booking, got %d", n)
	}

	b1, _ := m.GetBooking(ctx, "b1")
	if b1.Status != models.StatusWaiting || b1.AssignedDriver != nil {
		t.Fatalf("b1 not reverted: %+v", b1)
	}
	b2, _ := m.GetBooking(ctx, "b2")
	if b2.Status != models.StatusWaiting {
		t.Fatalf("b2 touched: %+v", b2)
	}
	// A ride already started is not interrupted by the cascade.
	b3, _ := m.GetBooking(ctx, "b3")
	if b3.Status != models.StatusStarted {
		t.Fatalf("b3 touched: %+v", b3)
	}
}

// Race safety: many drivers fight over distinct waiting bookings... and many
// bookings fight over one driver. Exactly one accept wins the driver.
func TestConcurrentAcceptsSingleDriver(t *testing.T) {
	e, m, _, _ := newTestEngine()
	ctx := context.Background()
	const n = 8
	for i := 0; i < n; i++ {
		putWaiting(t, m, fmt.Sprintf("b%d", i), fmt.Sprintf("c%d", i), &models.Coord{Lat: 59.33, Lng: 18.06})
	}
	putDriver(t, m, "d1", models.DriverAvailable, &models.Coord{Lat: 59.34, Lng: 18.06})

	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.RequestTransition(ctx, fmt.Sprintf("b%d", i), models.StatusAccepted,
				models.Actor{UserID: "d1", Role: models.RoleDriver}, nil, "")
			results[i] = err
		}(i)
	}
	wg.Wait()

	wins, losses := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrPreconditionFailed):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != n-1 {
		t.Fatalf("wins=%d losses=%d", wins, losses)
	}

	// Invariant: the driver is busy for exactly one active booking.
	active, err := m.ListDriverActiveBookings(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Fatalf("driver attached to %d active bookings", len(active))
	}
	d, _ := m.GetDriver(ctx, "d1")
	if d.Status != models.DriverBusy {
		t.Fatalf("driver status = %s", d.Status)
	}
}

func TestConcurrentAutoAssignSameBooking(t *testing.T) {
	e, m, _, _ := newTestEngine()
	ctx := context.Background()
	putWaiting(t, m, "b1", "c1", &models.Coord{Lat: 59.33, Lng: 18.06})
	for i := 0; i < 4; i++ {
		putDriver(t, m, fmt.Sprintf("d%d", i), models.DriverAvailable, &models.Coord{Lat: 59.34 + float64(i)/100, Lng: 18.06})
	}

	const n = 6
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.AutoAssign(ctx, "b1")
			results[i] = err
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrPreconditionFailed) && !errors.Is(err, ErrTransient) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}

	// Invariant: exactly one driver ended up busy.
	busy := 0
	for i := 0; i < 4; i++ {
		d, _ := m.GetDriver(ctx, fmt.Sprintf("d%d", i))
		if d.Status == models.DriverBusy {
			busy++
		}
	}
	if busy != 1 {
		t.Fatalf("%d drivers busy after single assignment", busy)
	}
}

func TestCancelReleasesPaymentHold(t *testing.T) {
	e, m, _, pay := newTestEngine()
	ctx := context.Background()
	putWaiting(t, m, "b1", "c1", nil)

	if _, err := e.RequestTransition(ctx, "b1", models.StatusCancelled,
		models.Actor{UserID: "c1", Role: models.RoleCustomer}, nil, ""); err != nil {
		t.Fatal(err)
	}
	if len(pay.cancelled) != 1 || pay.cancelled[0] != "pi_b1" {
		t.Fatalf("expected payment hold release, got %+v", pay.cancelled)
	}
}

func TestNotFoundBooking(t *testing.T) {
	e, _, _, _ := newTestEngine()
	_, err := e.RequestTransition(context.Background(), "ghost", models.StatusCancelled,
		models.Actor{UserID: "a1", Role: models.RoleAdmin}, nil, "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNotifierReceivesTransitions(t *testing.T) {
	e, m, notif, _ := newTestEngine()
	ctx := context.Background()
	putWaiting(t, m, "b1", "c1", &models.Coord{Lat: 59.33, Lng: 18.06})
	putDriver(t, m, "d1", models.DriverAvailable, &models.Coord{Lat: 59.34, Lng: 18.06})

	if _, err := e.AutoAssign(ctx, "b1"); err != nil {
		t.Fatal(err)
	}
	notif.mu.Lock()
	defer notif.mu.Unlock()
	// customer + driver
	if len(notif.events) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(notif.events))
	}
	if notif.events[0].To != models.StatusAccepted {
		t.Fatalf("unexpected event %+v", notif.events[0])
	}
}
