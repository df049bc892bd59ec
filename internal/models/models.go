package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Status is the booking lifecycle state.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusAccepted  Status = "accepted"
	StatusOnWay     Status = "on_way"
	StatusArrived   Status = "arrived"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ActiveAssigned reports whether a driver is attached and busy in this state.
func (s Status) ActiveAssigned() bool {
	switch s {
	case StatusAccepted, StatusOnWay, StatusArrived, StatusStarted:
		return true
	}
	return false
}

type DriverStatus string

const (
	DriverAvailable DriverStatus = "available"
	DriverBusy      DriverStatus = "busy"
	DriverOffline   DriverStatus = "offline"
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
	RoleAdmin    Role = "admin"
)

// Actor identifies who is requesting a transition.
type Actor struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// DriverSnapshot is the driver info frozen onto a booking at assignment time.
type DriverSnapshot struct {
	DriverID string `json:"driver_id"`
	Name     string `json:"name,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Vehicle  string `json:"vehicle,omitempty"`
	Location *Coord `json:"location,omitempty"`
}

type Booking struct {
	ID            string `json:"id"`
	CustomerID    string `json:"customer_id"`
	Status        Status `json:"status"`
	PickupAddress string `json:"pickup_address"`
	Pickup        *Coord `json:"pickup,omitempty"`

	AssignedDriver *DriverSnapshot `json:"assigned_driver,omitempty"`

	// Business attributes carried through untouched by dispatch.
	PriceCents  int64  `json:"price_cents"`
	Currency    string `json:"currency,omitempty"`
	ServiceTier string `json:"service_tier,omitempty"`
	Notes       string `json:"notes,omitempty"`

	PaymentIntentID string `json:"payment_intent_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Transition timestamps, each set exactly once by the transition that causes it.
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	OnWayAt     *time.Time `json:"on_way_at,omitempty"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	RejectedAt  *time.Time `json:"rejected_at,omitempty"`
}

type Driver struct {
	ID       string       `json:"id"`
	Name     string       `json:"name,omitempty"`
	Phone    string       `json:"phone,omitempty"`
	Vehicle  string       `json:"vehicle,omitempty"`
	Status   DriverStatus `json:"status"`
	Location *Coord       `json:"location,omitempty"`
	Updated  time.Time    `json:"updated"`
}

// Snapshot freezes the driver's contact card for embedding on a booking.
func (d *Driver) Snapshot() *DriverSnapshot {
	s := &DriverSnapshot{DriverID: d.ID, Name: d.Name, Phone: d.Phone, Vehicle: d.Vehicle}
	if d.Location != nil {
		loc := *d.Location
		s.Location = &loc
	}
	return s
}

// BookingEvent is the audit record published after every committed transition.
type BookingEvent struct {
	BookingID  string    `json:"booking_id"`
	CustomerID string    `json:"customer_id"`
	DriverID   string    `json:"driver_id,omitempty"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	Actor      Actor     `json:"actor"`
	At         time.Time `json:"at"`
}
