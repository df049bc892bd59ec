package httpapi

import "github.com/example/ride-booking/internal/models"

// Request bodies are closed types per entry point; unknown or missing fields
// fail validation in the handler instead of being inspected dynamically.

type createBookingRequest struct {
	CustomerID    string        `json:"customer_id,omitempty"` // admin only; customers book for themselves
	PickupAddress string        `json:"pickup_address"`
	Pickup        *models.Coord `json:"pickup,omitempty"`
	PriceCents    int64         `json:"price_cents"`
	Currency      string        `json:"currency,omitempty"`
	ServiceTier   string        `json:"service_tier,omitempty"`
	Notes         string        `json:"notes,omitempty"`
}

type transitionRequest struct {
	Target   models.Status `json:"target"`
	Location *models.Coord `json:"location,omitempty"`
	Notes    string        `json:"notes,omitempty"`
}

type transitionResponse struct {
	BookingID string        `json:"booking_id"`
	Status    models.Status `json:"status"`
}

type assignResponse struct {
	BookingID  string  `json:"booking_id"`
	DriverID   string  `json:"driver_id"`
	ETASeconds float64 `json:"eta_seconds,omitempty"`
}

type driverStatusRequest struct {
	DriverID string              `json:"driver_id,omitempty"` // admin only; drivers act on themselves
	Status   models.DriverStatus `json:"status"`
	Location *models.Coord       `json:"location,omitempty"`
	Name     string              `json:"name,omitempty"`
	Phone    string              `json:"phone,omitempty"`
	Vehicle  string              `json:"vehicle,omitempty"`
}

type driverStatusResponse struct {
	DriverID         string              `json:"driver_id"`
	Status           models.DriverStatus `json:"status"`
	ReleasedBookings int                 `json:"released_bookings,omitempty"`
}

type driverLocationReport struct {
	DriverID string  `json:"driver_id"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}

type errorResponse struct {
	Error string `json:"error"`
}
